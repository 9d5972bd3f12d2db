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

// SessionStore implements store.SessionStore backed by Postgres.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, cs *store.ChatSession) error {
	if cs.ID == uuid.Nil {
		cs.ID = store.GenID()
	}
	if cs.Status == "" {
		cs.Status = store.SessionActive
	}
	cs.CreatedAt = time.Now().UTC()

	envJSON, _ := json.Marshal(cs.EnvironmentConfig)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, project_id, status, environment_type, environment_config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cs.ID, cs.ProjectID, cs.Status, cs.EnvironmentType, envJSON, cs.CreatedAt,
	)
	return err
}

func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*store.ChatSession, error) {
	var (
		cs      store.ChatSession
		envJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, status, environment_type, environment_config, created_at
		 FROM chat_sessions WHERE id = $1`,
		id,
	).Scan(&cs.ID, &cs.ProjectID, &cs.Status, &cs.EnvironmentType, &envJSON, &cs.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(envJSON, &cs.EnvironmentConfig)
	return &cs, nil
}

func (s *SessionStore) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*store.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, status, environment_type, environment_config, created_at
		 FROM chat_sessions WHERE project_id = $1 ORDER BY created_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ChatSession
	for rows.Next() {
		var (
			cs      store.ChatSession
			envJSON []byte
		)
		if err := rows.Scan(&cs.ID, &cs.ProjectID, &cs.Status, &cs.EnvironmentType, &envJSON, &cs.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(envJSON, &cs.EnvironmentConfig)
		out = append(out, &cs)
	}
	return out, rows.Err()
}

func (s *SessionStore) SetEnvironment(ctx context.Context, id uuid.UUID, envType string, envConfig map[string]any) error {
	envJSON, _ := json.Marshal(envConfig)
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET environment_type = $2, environment_config = $3 WHERE id = $1`,
		id, envType, envJSON,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
