package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/open-codex/agentd/internal/store"
)

// MessageStore implements store.MessageStore backed by Postgres.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.SessionID, string(m.Role), m.Content, metaJSON, m.IsComplete, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// SaveComplete is the single atomic write of an assistant message: content,
// completion flag, merged metadata, and all recorded tool actions commit in
// one transaction. After commit the row is re-read and the content length
// compared; a mismatch reports store.ErrPersistence.
func (s *MessageStore) SaveComplete(ctx context.Context, id uuid.UUID, content string, metadata map[string]any, actions []*store.ToolAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingMeta []byte
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&existingMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	merged := map[string]any{}
	json.Unmarshal(existingMeta, &merged)
	for k, v := range metadata {
		merged[k] = v
	}
	metaJSON, _ := json.Marshal(merged)

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET content = $2, metadata = $3, is_complete = TRUE, updated_at = $4 WHERE id = $1`,
		id, content, metaJSON, now,
	)
	if err != nil {
		return err
	}

	for _, a := range actions {
		if a.ID == uuid.Nil {
			a.ID = store.GenID()
		}
		inputJSON, _ := json.Marshal(orEmpty(a.Input))
		var outputJSON []byte
		if a.Output != nil {
			outputJSON, _ = json.Marshal(a.Output)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tool_actions (id, message_id, tool_name, input, output, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, id, a.ToolName, inputJSON, outputJSON, a.Status, a.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Read-back verification: the durable row must hold exactly what was
	// written, or the message is treated as unsaved.
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
	var existingMeta []byte
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = $1`, id).Scan(&existingMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	merged := map[string]any{}
	json.Unmarshal(existingMeta, &merged)
	merged["error"] = reason
	metaJSON, _ := json.Marshal(merged)

	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET metadata = $2, is_complete = FALSE, updated_at = $3 WHERE id = $1`,
		id, metaJSON, time.Now().UTC(),
	)
	return err
}

func (s *MessageStore) Get(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	var (
		m        store.Message
		role     string
		metaJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, metadata, is_complete, created_at, updated_at
		 FROM messages WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.SessionID, &role, &m.Content, &metaJSON, &m.IsComplete, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = store.Role(role)
	json.Unmarshal(metaJSON, &m.Metadata)
	return &m, nil
}

func (s *MessageStore) ListBySession(ctx context.Context, sessionID uuid.UUID, completeOnly bool) ([]*store.Message, error) {
	query := `SELECT id, session_id, role, content, metadata, is_complete, created_at, updated_at
	          FROM messages WHERE session_id = $1`
	if completeOnly {
		query += ` AND is_complete = TRUE`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var (
			m        store.Message
			role     string
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &metaJSON, &m.IsComplete, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Role = store.Role(role)
		json.Unmarshal(metaJSON, &m.Metadata)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *MessageStore) ListToolActions(ctx context.Context, messageID uuid.UUID) ([]*store.ToolAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, tool_name, input, output, status, created_at
		 FROM tool_actions WHERE message_id = $1 ORDER BY created_at ASC`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ToolAction
	for rows.Next() {
		var (
			a          store.ToolAction
			inputJSON  []byte
			outputJSON []byte
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ToolName, &inputJSON, &outputJSON, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(inputJSON, &a.Input)
		if len(outputJSON) > 0 {
			a.Output = &store.ToolActionOutput{}
			json.Unmarshal(outputJSON, a.Output)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *MessageStore) DeleteIncomplete(ctx context.Context, sessionID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = $1 AND is_complete = FALSE`,
		sessionID,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *MessageStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
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
