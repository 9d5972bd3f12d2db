package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/open-codex/agentd/internal/store"
)

// TeardownFunc releases runtime resources tied to a session (sandbox
// container, workspace files) when the session is deleted.
type TeardownFunc func(ctx context.Context, sessionID uuid.UUID)

// SessionsHandler serves session lifecycle and message history endpoints.
type SessionsHandler struct {
	sessions store.SessionStore
	messages store.MessageStore
	teardown TeardownFunc
}

func NewSessionsHandler(sessions store.SessionStore, messages store.MessageStore, teardown TeardownFunc) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, messages: messages, teardown: teardown}
}

func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/projects/{id}/sessions", h.create)
	mux.HandleFunc("GET /api/projects/{id}/sessions", h.listByProject)
	mux.HandleFunc("GET /api/sessions/{id}", h.get)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.delete)
	mux.HandleFunc("GET /api/sessions/{id}/messages", h.listMessages)
	mux.HandleFunc("DELETE /api/sessions/{id}/messages/incomplete", h.deleteIncomplete)
}

func (h *SessionsHandler) create(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s := &store.ChatSession{ProjectID: projectID, Status: store.SessionActive}
	if err := h.sessions.Create(r.Context(), s); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *SessionsHandler) listByProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sessions, err := h.sessions.ListByProject(r.Context(), projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SessionsHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if h.teardown != nil {
		h.teardown(r.Context(), id)
	}
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messageView is a message joined with its recorded tool actions.
type messageView struct {
	*store.Message
	ToolActions []*store.ToolAction `json:"tool_actions,omitempty"`
}

func (h *SessionsHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	completeOnly := r.URL.Query().Get("include_incomplete") != "true"
	msgs, err := h.messages.ListBySession(r.Context(), id, completeOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		view := messageView{Message: m}
		if m.Role == store.RoleAssistant {
			actions, err := h.messages.ListToolActions(r.Context(), m.ID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			view.ToolActions = actions
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *SessionsHandler) deleteIncomplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := h.messages.DeleteIncomplete(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
