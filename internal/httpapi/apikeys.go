package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/open-codex/agentd/internal/providers"
	"github.com/open-codex/agentd/internal/secrets"
	"github.com/open-codex/agentd/internal/store"
)

// KeysHandler manages provider API keys. Keys are encrypted before they
// reach the store and never returned in plaintext.
type KeysHandler struct {
	keys    store.ApiKeyStore
	cipher  *secrets.Cipher
	factory *providers.Factory
}

func NewKeysHandler(keys store.ApiKeyStore, cipher *secrets.Cipher, factory *providers.Factory) *KeysHandler {
	return &KeysHandler{keys: keys, cipher: cipher, factory: factory}
}

func (h *KeysHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/keys", h.list)
	mux.HandleFunc("PUT /api/keys/{provider}", h.put)
	mux.HandleFunc("DELETE /api/keys/{provider}", h.delete)
	mux.HandleFunc("POST /api/keys/{provider}/test", h.test)
}

func (h *KeysHandler) list(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if keys == nil {
		keys = []*store.ApiKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

type putKeyRequest struct {
	Key string `json:"key"`
}

func (h *KeysHandler) put(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))
	if provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	var req putKeyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	encrypted, err := h.cipher.Encrypt(req.Key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encryption failed")
		return
	}
	rec := &store.ApiKey{Provider: provider, EncryptedKey: encrypted}
	if err := h.keys.Put(r.Context(), rec); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *KeysHandler) delete(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))
	if err := h.keys.Delete(r.Context(), provider); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// test issues a minimal completion against the provider to verify the
// stored key actually works.
func (h *KeysHandler) test(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))
	p, err := h.factory.Provider(r.Context(), provider, "")
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	req := providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "Reply with the single word: ok"}},
		Options:  map[string]any{"max_tokens": 8},
	}
	err = p.StreamChat(ctx, req, func(providers.StreamChunk) {})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "model": p.DefaultModel()})
}
