// Package storetest provides an in-memory store backend for package
// tests. It mirrors the sqlite backend's semantics: project creation
// seeds a default agent config, SaveComplete flips the message in one
// step and merges metadata, and lookups of missing rows return
// store.ErrNotFound.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-codex/agentd/internal/store"
)

type backend struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*store.Project
	configs  map[uuid.UUID]*store.AgentConfig
	sessions map[uuid.UUID]*store.ChatSession
	messages []*store.Message
	actions  map[uuid.UUID][]*store.ToolAction
	keys     map[string]*store.ApiKey
}

// NewStores returns an in-memory store bundle.
func NewStores() *store.Stores {
	b := &backend{
		projects: make(map[uuid.UUID]*store.Project),
		configs:  make(map[uuid.UUID]*store.AgentConfig),
		sessions: make(map[uuid.UUID]*store.ChatSession),
		actions:  make(map[uuid.UUID][]*store.ToolAction),
		keys:     make(map[string]*store.ApiKey),
	}
	return &store.Stores{
		Projects: &ProjectStore{b: b},
		Sessions: &SessionStore{b: b},
		Messages: &MessageStore{b: b},
		ApiKeys:  &ApiKeyStore{b: b},
		Close:    func() error { return nil },
	}
}

// ProjectStore is the in-memory store.ProjectStore.
type ProjectStore struct{ b *backend }

func (s *ProjectStore) Create(ctx context.Context, p *store.Project) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = store.GenID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.b.projects[p.ID] = p
	s.b.configs[p.ID] = &store.AgentConfig{
		ProjectID:    p.ID,
		EnabledTools: []string{},
		UpdatedAt:    now,
	}
	return nil
}

func (s *ProjectStore) Get(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	p, ok := s.b.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *ProjectStore) List(ctx context.Context) ([]*store.Project, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	out := make([]*store.Project, 0, len(s.b.projects))
	for _, p := range s.b.projects {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *ProjectStore) Update(ctx context.Context, p *store.Project) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.projects[p.ID]; !ok {
		return store.ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	s.b.projects[p.ID] = p
	return nil
}

func (s *ProjectStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.b.projects, id)
	delete(s.b.configs, id)
	for sid, sess := range s.b.sessions {
		if sess.ProjectID == id {
			delete(s.b.sessions, sid)
			s.b.deleteSessionMessagesLocked(sid)
		}
	}
	return nil
}

func (s *ProjectStore) GetConfig(ctx context.Context, projectID uuid.UUID) (*store.AgentConfig, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	cfg, ok := s.b.configs[projectID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *ProjectStore) PutConfig(ctx context.Context, cfg *store.AgentConfig) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.projects[cfg.ProjectID]; !ok {
		return store.ErrNotFound
	}
	cfg.UpdatedAt = time.Now().UTC()
	cp := *cfg
	s.b.configs[cfg.ProjectID] = &cp
	return nil
}

// SessionStore is the in-memory store.SessionStore.
type SessionStore struct{ b *backend }

func (s *SessionStore) Create(ctx context.Context, sess *store.ChatSession) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if sess.ID == uuid.Nil {
		sess.ID = store.GenID()
	}
	if sess.Status == "" {
		sess.Status = store.SessionActive
	}
	sess.CreatedAt = time.Now().UTC()
	s.b.sessions[sess.ID] = sess
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*store.ChatSession, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	sess, ok := s.b.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *SessionStore) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*store.ChatSession, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	var out []*store.ChatSession
	for _, sess := range s.b.sessions {
		if sess.ProjectID == projectID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *SessionStore) SetEnvironment(ctx context.Context, id uuid.UUID, envType string, envConfig map[string]any) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	sess, ok := s.b.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.EnvironmentType = envType
	sess.EnvironmentConfig = envConfig
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.b.sessions, id)
	s.b.deleteSessionMessagesLocked(id)
	return nil
}

// MessageStore is the in-memory store.MessageStore. SaveCompleteErr, when
// set, is returned by every SaveComplete call, for exercising the
// persistence-failure path.
type MessageStore struct {
	b *backend

	SaveCompleteErr error
}

func (s *MessageStore) Create(ctx context.Context, m *store.Message) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = store.GenID()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	s.b.messages = append(s.b.messages, &cp)
	return nil
}

func (s *MessageStore) SaveComplete(ctx context.Context, id uuid.UUID, content string, metadata map[string]any, actions []*store.ToolAction) error {
	if s.SaveCompleteErr != nil {
		return s.SaveCompleteErr
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	m := s.b.findLocked(id)
	if m == nil {
		return store.ErrNotFound
	}
	m.Content = content
	m.IsComplete = true
	m.UpdatedAt = time.Now().UTC()
	if len(metadata) > 0 {
		if m.Metadata == nil {
			m.Metadata = map[string]any{}
		}
		for k, v := range metadata {
			m.Metadata[k] = v
		}
	}
	for _, a := range actions {
		cp := *a
		if cp.ID == uuid.Nil {
			cp.ID = store.GenID()
		}
		cp.MessageID = id
		s.b.actions[id] = append(s.b.actions[id], &cp)
	}
	return nil
}

func (s *MessageStore) MarkIncomplete(ctx context.Context, id uuid.UUID, reason string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	m := s.b.findLocked(id)
	if m == nil {
		return store.ErrNotFound
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata["error"] = reason
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MessageStore) Get(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	m := s.b.findLocked(id)
	if m == nil {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MessageStore) ListBySession(ctx context.Context, sessionID uuid.UUID, completeOnly bool) ([]*store.Message, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	var out []*store.Message
	for _, m := range s.b.messages {
		if m.SessionID != sessionID {
			continue
		}
		if completeOnly && !m.IsComplete {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MessageStore) ListToolActions(ctx context.Context, messageID uuid.UUID) ([]*store.ToolAction, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	acts := s.b.actions[messageID]
	out := make([]*store.ToolAction, 0, len(acts))
	for _, a := range acts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MessageStore) DeleteIncomplete(ctx context.Context, sessionID uuid.UUID) (int, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	kept := s.b.messages[:0]
	deleted := 0
	for _, m := range s.b.messages {
		if m.SessionID == sessionID && !m.IsComplete {
			delete(s.b.actions, m.ID)
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	s.b.messages = kept
	return deleted, nil
}

func (s *MessageStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for i, m := range s.b.messages {
		if m.ID == id {
			s.b.messages = append(s.b.messages[:i], s.b.messages[i+1:]...)
			delete(s.b.actions, id)
			return nil
		}
	}
	return store.ErrNotFound
}

// ApiKeyStore is the in-memory store.ApiKeyStore.
type ApiKeyStore struct{ b *backend }

func (s *ApiKeyStore) Put(ctx context.Context, k *store.ApiKey) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if existing, ok := s.b.keys[k.Provider]; ok {
		k.CreatedAt = existing.CreatedAt
	} else {
		k.CreatedAt = time.Now().UTC()
	}
	cp := *k
	s.b.keys[k.Provider] = &cp
	return nil
}

func (s *ApiKeyStore) Get(ctx context.Context, provider string) (*store.ApiKey, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	k, ok := s.b.keys[provider]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *ApiKeyStore) List(ctx context.Context) ([]*store.ApiKey, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	out := make([]*store.ApiKey, 0, len(s.b.keys))
	for _, k := range s.b.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (s *ApiKeyStore) TouchUsed(ctx context.Context, provider string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	k, ok := s.b.keys[provider]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

func (s *ApiKeyStore) Delete(ctx context.Context, provider string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.keys[provider]; !ok {
		return store.ErrNotFound
	}
	delete(s.b.keys, provider)
	return nil
}

func (b *backend) findLocked(id uuid.UUID) *store.Message {
	for _, m := range b.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (b *backend) deleteSessionMessagesLocked(sessionID uuid.UUID) {
	kept := b.messages[:0]
	for _, m := range b.messages {
		if m.SessionID == sessionID {
			delete(b.actions, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	b.messages = kept
}
