package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/open-codex/agentd/internal/store"
)

// ApiKeyStore implements store.ApiKeyStore backed by Postgres. Values are
// AES-GCM ciphertext produced by the secrets package; plaintext never
// reaches this layer.
type ApiKeyStore struct {
	db *sql.DB
}

func NewApiKeyStore(db *sql.DB) *ApiKeyStore {
	return &ApiKeyStore{db: db}
}

func (s *ApiKeyStore) Put(ctx context.Context, k *store.ApiKey) error {
	k.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (provider, encrypted_key, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (provider) DO UPDATE SET encrypted_key = EXCLUDED.encrypted_key`,
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
		`SELECT provider, encrypted_key, created_at, last_used_at FROM api_keys WHERE provider = $1`,
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
		`UPDATE api_keys SET last_used_at = $2 WHERE provider = $1`,
		provider, time.Now().UTC(),
	)
	return err
}

func (s *ApiKeyStore) Delete(ctx context.Context, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE provider = $1`, provider)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
