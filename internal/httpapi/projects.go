package httpapi

import (
	"net/http"

	"github.com/open-codex/agentd/internal/store"
)

// ProjectsHandler serves project CRUD and agent config endpoints.
type ProjectsHandler struct {
	projects store.ProjectStore
}

func NewProjectsHandler(projects store.ProjectStore) *ProjectsHandler {
	return &ProjectsHandler{projects: projects}
}

func (h *ProjectsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.list)
	mux.HandleFunc("POST /api/projects", h.create)
	mux.HandleFunc("GET /api/projects/{id}", h.get)
	mux.HandleFunc("PUT /api/projects/{id}", h.update)
	mux.HandleFunc("DELETE /api/projects/{id}", h.delete)
	mux.HandleFunc("GET /api/projects/{id}/config", h.getConfig)
	mux.HandleFunc("PUT /api/projects/{id}/config", h.putConfig)
}

type projectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *ProjectsHandler) list(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if projects == nil {
		projects = []*store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *ProjectsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	p := &store.Project{Name: req.Name, Description: req.Description}
	if err := h.projects.Create(r.Context(), p); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *ProjectsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.projects.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProjectsHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req projectRequest
	if !readJSON(w, r, &req) {
		return
	}
	p, err := h.projects.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	p.Description = req.Description
	if err := h.projects.Update(r.Context(), p); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProjectsHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.projects.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProjectsHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	cfg, err := h.projects.GetConfig(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type configRequest struct {
	EnabledTools       []string       `json:"enabled_tools"`
	ModelProvider      string         `json:"model_provider"`
	ModelName          string         `json:"model_name"`
	ModelParams        map[string]any `json:"model_params"`
	SystemInstructions string         `json:"system_instructions"`
}

func (h *ProjectsHandler) putConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req configRequest
	if !readJSON(w, r, &req) {
		return
	}
	cfg := &store.AgentConfig{
		ProjectID:          id,
		EnabledTools:       req.EnabledTools,
		ModelProvider:      req.ModelProvider,
		ModelName:          req.ModelName,
		ModelParams:        req.ModelParams,
		SystemInstructions: req.SystemInstructions,
	}
	if err := h.projects.PutConfig(r.Context(), cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
