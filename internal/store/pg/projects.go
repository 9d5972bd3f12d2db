package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/open-codex/agentd/internal/store"
)

// ProjectStore implements store.ProjectStore backed by Postgres.
type ProjectStore struct {
	db *sql.DB
}

func NewProjectStore(db *sql.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

func (s *ProjectStore) Create(ctx context.Context, p *store.Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.ID == uuid.Nil {
		p.ID = store.GenID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return err
	}

	// Every project carries exactly one agent config; seed the default row
	// so GetConfig never misses.
	toolsJSON, _ := json.Marshal([]string{})
	paramsJSON, _ := json.Marshal(map[string]any{})
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_configs (project_id, enabled_tools, model_provider, model_name, model_params, system_instructions, updated_at)
		 VALUES ($1, $2, '', '', $3, '', $4)`,
		p.ID, toolsJSON, paramsJSON, now,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ProjectStore) Get(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	var p store.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProjectStore) List(ctx context.Context) ([]*store.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Project
	for rows.Next() {
		var p store.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *ProjectStore) Update(ctx context.Context, p *store.Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = $2, description = $3, updated_at = $4 WHERE id = $1`,
		p.ID, p.Name, p.Description, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ProjectStore) Delete(ctx context.Context, id uuid.UUID) error {
	// Schema declares ON DELETE CASCADE down through sessions, messages,
	// and tool actions.
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ProjectStore) GetConfig(ctx context.Context, projectID uuid.UUID) (*store.AgentConfig, error) {
	var (
		cfg        store.AgentConfig
		toolsJSON  []byte
		paramsJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, enabled_tools, model_provider, model_name, model_params, system_instructions, updated_at
		 FROM agent_configs WHERE project_id = $1`,
		projectID,
	).Scan(&cfg.ProjectID, &toolsJSON, &cfg.ModelProvider, &cfg.ModelName, &paramsJSON, &cfg.SystemInstructions, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(toolsJSON, &cfg.EnabledTools)
	json.Unmarshal(paramsJSON, &cfg.ModelParams)
	return &cfg, nil
}

func (s *ProjectStore) PutConfig(ctx context.Context, cfg *store.AgentConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	toolsJSON, _ := json.Marshal(cfg.EnabledTools)
	paramsJSON, _ := json.Marshal(cfg.ModelParams)

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_configs
		 SET enabled_tools = $2, model_provider = $3, model_name = $4, model_params = $5, system_instructions = $6, updated_at = $7
		 WHERE project_id = $1`,
		cfg.ProjectID, toolsJSON, cfg.ModelProvider, cfg.ModelName, paramsJSON, cfg.SystemInstructions, cfg.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
