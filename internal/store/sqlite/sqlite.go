// Package sqlite provides the embedded single-file backend used when no
// Postgres DATABASE_URL is configured. It mirrors the pg package with
// SQLite placeholders and types.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/open-codex/agentd/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_configs (
	project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
	enabled_tools TEXT NOT NULL DEFAULT '[]',
	model_provider TEXT NOT NULL DEFAULT '',
	model_name TEXT NOT NULL DEFAULT '',
	model_params TEXT NOT NULL DEFAULT '{}',
	system_instructions TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'active',
	environment_type TEXT NOT NULL DEFAULT '',
	environment_config TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	is_complete INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS tool_actions (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	tool_name TEXT NOT NULL,
	input TEXT NOT NULL DEFAULT '{}',
	output TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_actions_message ON tool_actions(message_id, created_at);
CREATE TABLE IF NOT EXISTS api_keys (
	provider TEXT PRIMARY KEY,
	encrypted_key TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP
);
`

// OpenDB opens (and initializes) the SQLite database at path.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by SQLite.
func NewStores(path string) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Projects: &ProjectStore{db: db},
		Sessions: &SessionStore{db: db},
		Messages: &MessageStore{db: db},
		ApiKeys:  &ApiKeyStore{db: db},
		Close:    db.Close,
	}, nil
}

// ProjectStore implements store.ProjectStore on SQLite.
type ProjectStore struct {
	db *sql.DB
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
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.Description, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_configs (project_id, updated_at) VALUES (?, ?)`,
		p.ID.String(), now,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ProjectStore) Get(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	var p store.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`,
		id.String(),
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
		`UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, p.UpdatedAt, p.ID.String(),
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id.String())
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
		toolsJSON  string
		paramsJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, enabled_tools, model_provider, model_name, model_params, system_instructions, updated_at
		 FROM agent_configs WHERE project_id = ?`,
		projectID.String(),
	).Scan(&cfg.ProjectID, &toolsJSON, &cfg.ModelProvider, &cfg.ModelName, &paramsJSON, &cfg.SystemInstructions, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(toolsJSON), &cfg.EnabledTools)
	json.Unmarshal([]byte(paramsJSON), &cfg.ModelParams)
	return &cfg, nil
}

func (s *ProjectStore) PutConfig(ctx context.Context, cfg *store.AgentConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	toolsJSON, _ := json.Marshal(cfg.EnabledTools)
	paramsJSON, _ := json.Marshal(cfg.ModelParams)

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_configs
		 SET enabled_tools = ?, model_provider = ?, model_name = ?, model_params = ?, system_instructions = ?, updated_at = ?
		 WHERE project_id = ?`,
		string(toolsJSON), cfg.ModelProvider, cfg.ModelName, string(paramsJSON), cfg.SystemInstructions, cfg.UpdatedAt,
		cfg.ProjectID.String(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SessionStore implements store.SessionStore on SQLite.
type SessionStore struct {
	db *sql.DB
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
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cs.ID.String(), cs.ProjectID.String(), cs.Status, cs.EnvironmentType, string(envJSON), cs.CreatedAt,
	)
	return err
}

func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*store.ChatSession, error) {
	var (
		cs      store.ChatSession
		envJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, status, environment_type, environment_config, created_at
		 FROM chat_sessions WHERE id = ?`,
		id.String(),
	).Scan(&cs.ID, &cs.ProjectID, &cs.Status, &cs.EnvironmentType, &envJSON, &cs.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(envJSON), &cs.EnvironmentConfig)
	return &cs, nil
}

func (s *SessionStore) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*store.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, status, environment_type, environment_config, created_at
		 FROM chat_sessions WHERE project_id = ? ORDER BY created_at DESC`,
		projectID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ChatSession
	for rows.Next() {
		var (
			cs      store.ChatSession
			envJSON string
		)
		if err := rows.Scan(&cs.ID, &cs.ProjectID, &cs.Status, &cs.EnvironmentType, &envJSON, &cs.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(envJSON), &cs.EnvironmentConfig)
		out = append(out, &cs)
	}
	return out, rows.Err()
}

func (s *SessionStore) SetEnvironment(ctx context.Context, id uuid.UUID, envType string, envConfig map[string]any) error {
	envJSON, _ := json.Marshal(envConfig)
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET environment_type = ?, environment_config = ? WHERE id = ?`,
		envType, string(envJSON), id.String(),
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db *sql.DB
}

func (s *MessageStore) Create(ctx context.Context, m *store.Message) error {
	if m.ID == uuid.Nil {
		m.ID = store.GenID()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	metaJSON, _ := json.Marshal(orEmpty(m.Metadata))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, metadata, is_complete, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.SessionID.String(), string(m.Role), m.Content, string(metaJSON), m.IsComplete, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (s *MessageStore) SaveComplete(ctx context.Context, id uuid.UUID, content string, metadata map[string]any, actions []*store.ToolAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingMeta string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = ?`, id.String()).Scan(&existingMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	merged := map[string]any{}
	json.Unmarshal([]byte(existingMeta), &merged)
	for k, v := range metadata {
		merged[k] = v
	}
	metaJSON, _ := json.Marshal(merged)

	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, metadata = ?, is_complete = 1, updated_at = ? WHERE id = ?`,
		content, string(metaJSON), time.Now().UTC(), id.String(),
	)
	if err != nil {
		return err
	}

	for _, a := range actions {
		if a.ID == uuid.Nil {
			a.ID = store.GenID()
		}
		inputJSON, _ := json.Marshal(orEmpty(a.Input))
		var outputJSON any
		if a.Output != nil {
			b, _ := json.Marshal(a.Output)
			outputJSON = string(b)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tool_actions (id, message_id, tool_name, input, output, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID.String(), id.String(), a.ToolName, string(inputJSON), outputJSON, a.Status, a.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	saved, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: verify read failed: %v", store.ErrPersistence, err)
	}
	if len(saved.Content) != len(content) {
		return fmt.Errorf("%w: content length mismatch: expected %d, got %d",
			store.ErrPersistence, len(content), len(saved.Content))
	}
	return nil
}

func (s *MessageStore) MarkIncomplete(ctx context.Context, id uuid.UUID, reason string) error {
	var existingMeta string
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = ?`, id.String()).Scan(&existingMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	merged := map[string]any{}
	json.Unmarshal([]byte(existingMeta), &merged)
	merged["error"] = reason
	metaJSON, _ := json.Marshal(merged)

	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET metadata = ?, is_complete = 0, updated_at = ? WHERE id = ?`,
		string(metaJSON), time.Now().UTC(), id.String(),
	)
	return err
}

func (s *MessageStore) Get(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	var (
		m        store.Message
		role     string
		metaJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, metadata, is_complete, created_at, updated_at
		 FROM messages WHERE id = ?`,
		id.String(),
	).Scan(&m.ID, &m.SessionID, &role, &m.Content, &metaJSON, &m.IsComplete, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = store.Role(role)
	json.Unmarshal([]byte(metaJSON), &m.Metadata)
	return &m, nil
}

func (s *MessageStore) ListBySession(ctx context.Context, sessionID uuid.UUID, completeOnly bool) ([]*store.Message, error) {
	query := `SELECT id, session_id, role, content, metadata, is_complete, created_at, updated_at
	          FROM messages WHERE session_id = ?`
	if completeOnly {
		query += ` AND is_complete = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var (
			m        store.Message
			role     string
			metaJSON string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &metaJSON, &m.IsComplete, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Role = store.Role(role)
		json.Unmarshal([]byte(metaJSON), &m.Metadata)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *MessageStore) ListToolActions(ctx context.Context, messageID uuid.UUID) ([]*store.ToolAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, tool_name, input, output, status, created_at
		 FROM tool_actions WHERE message_id = ? ORDER BY created_at ASC`,
		messageID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ToolAction
	for rows.Next() {
		var (
			a          store.ToolAction
			inputJSON  string
			outputJSON sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ToolName, &inputJSON, &outputJSON, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(inputJSON), &a.Input)
		if outputJSON.Valid {
			a.Output = &store.ToolActionOutput{}
			json.Unmarshal([]byte(outputJSON.String), a.Output)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *MessageStore) DeleteIncomplete(ctx context.Context, sessionID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND is_complete = 0`,
		sessionID.String(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *MessageStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ApiKeyStore implements store.ApiKeyStore on SQLite.
type ApiKeyStore struct {
	db *sql.DB
}

func (s *ApiKeyStore) Put(ctx context.Context, k *store.ApiKey) error {
	k.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (provider, encrypted_key, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (provider) DO UPDATE SET encrypted_key = excluded.encrypted_key`,
		k.Provider, k.EncryptedKey, k.CreatedAt,
	)
	return err
}

func (s *ApiKeyStore) Get(ctx context.Context, provider string) (*store.ApiKey, error) {
	var (
		k        store.ApiKey
		lastUsed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, encrypted_key, created_at, last_used_at FROM api_keys WHERE provider = ?`,
		provider,
	).Scan(&k.Provider, &k.EncryptedKey, &k.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}

func (s *ApiKeyStore) List(ctx context.Context) ([]*store.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, encrypted_key, created_at, last_used_at FROM api_keys ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ApiKey
	for rows.Next() {
		var (
			k        store.ApiKey
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&k.Provider, &k.EncryptedKey, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (s *ApiKeyStore) TouchUsed(ctx context.Context, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE provider = ?`,
		time.Now().UTC(), provider,
	)
	return err
}

func (s *ApiKeyStore) Delete(ctx context.Context, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE provider = ?`, provider)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
