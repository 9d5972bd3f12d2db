package secrets

import (
	"context"

	"github.com/open-codex/agentd/internal/store"
)

// StoreResolver resolves provider API keys from the encrypted key
// store, decrypting on the way out.
type StoreResolver struct {
	keys   store.ApiKeyStore
	cipher *Cipher
}

func NewStoreResolver(keys store.ApiKeyStore, cipher *Cipher) *StoreResolver {
	return &StoreResolver{keys: keys, cipher: cipher}
}

// ResolveKey returns the plaintext API key for a provider and records
// the use.
func (r *StoreResolver) ResolveKey(ctx context.Context, provider string) (string, error) {
	rec, err := r.keys.Get(ctx, provider)
	if err != nil {
		return "", err
	}
	plaintext, err := r.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		return "", err
	}
	r.keys.TouchUsed(ctx, provider)
	return plaintext, nil
}
