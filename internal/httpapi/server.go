// Package httpapi exposes the agent registry over HTTP and streams lifecycle events
// over WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentd/pkg/agent"
	"agentd/pkg/llm"
	"agentd/pkg/logx"
	"agentd/pkg/permission"
)

const bodyLimit = 1 << 20

// Registry is the slice of *agent.Registry the API serves.
type Registry interface {
	CreateAgent(ctx context.Context, cfg agent.Config) (*agent.Agent, error)
	ListAgents() []*agent.Agent
	GetAgent(id string) (*agent.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	PauseAgent(ctx context.Context, id string) error
	ResumeAgent(ctx context.Context, id string) error
	StopAgent(ctx context.Context, id string) error
	SendMessage(ctx context.Context, agentID string, role llm.CompletionRole, content string) (*agent.Message, error)
	SetPermissionMode(ctx context.Context, agentID string, mode permission.Mode) error

	ExecuteTask(ctx context.Context, agentID, description string) (*agent.Task, error)
	GetTask(id string) (*agent.Task, error)
	ListTasks(agentID string) ([]*agent.Task, error)

	ApproveRequest(id string) bool
	RejectRequest(id string) bool
	PendingRequests(agentID string) []permission.Request

	ApproveChange(ctx context.Context, id string) error
	RejectChange(ctx context.Context, id string) error
	ListChanges(ctx context.Context, agentID string) ([]*agent.CodeChange, error)
}

var _ Registry = (*agent.Registry)(nil)

// SkillCatalog is the slice of *skills.Provider the API serves.
type SkillCatalog interface {
	List() ([]string, error)
	Invalidate(id string)
}

// Server holds the API handlers.
type Server struct {
	reg         Registry
	hub         *Hub
	metrics     http.Handler
	skills      SkillCatalog
	eventLogDir string
	logger      *logx.Logger
}

// Option configures optional endpoints.
type Option func(*Server)

// WithSkills serves the skill catalog under /api/v1/skills.
func WithSkills(c SkillCatalog) Option {
	return func(s *Server) { s.skills = c }
}

// WithEventLogDir serves the rotated event logs in dir under /api/v1/event-logs.
func WithEventLogDir(dir string) Option {
	return func(s *Server) { s.eventLogDir = dir }
}

// NewServer creates a server. metrics may be nil.
func NewServer(reg Registry, hub *Hub, metrics http.Handler, opts ...Option) *Server {
	s := &Server{
		reg:     reg,
		hub:     hub,
		metrics: metrics,
		logger:  logx.NewLogger("http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the router. metricsPath is ignored when no metrics handler is set.
func (s *Server) Routes(metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil && metricsPath != "" {
		r.Method(http.MethodGet, metricsPath, s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.hub.HandleWS)

		r.Get("/agents", s.listAgents)
		r.Post("/agents", s.createAgent)
		r.Get("/agents/{id}", s.getAgent)
		r.Delete("/agents/{id}", s.deleteAgent)
		r.Post("/agents/{id}/pause", s.lifecycle(Registry.PauseAgent))
		r.Post("/agents/{id}/resume", s.lifecycle(Registry.ResumeAgent))
		r.Post("/agents/{id}/stop", s.lifecycle(Registry.StopAgent))
		r.Post("/agents/{id}/messages", s.sendMessage)
		r.Put("/agents/{id}/permission-mode", s.setPermissionMode)

		r.Get("/agents/{id}/tasks", s.listTasks)
		r.Post("/agents/{id}/tasks", s.executeTask)
		r.Get("/tasks/{id}", s.getTask)

		r.Get("/agents/{id}/changes", s.listChanges)
		r.Post("/changes/{id}/approve", s.resolveChange(Registry.ApproveChange))
		r.Post("/changes/{id}/reject", s.resolveChange(Registry.RejectChange))

		r.Get("/permissions", s.pendingRequests)
		r.Post("/permissions/{id}/approve", s.resolveRequest(Registry.ApproveRequest))
		r.Post("/permissions/{id}/reject", s.resolveRequest(Registry.RejectRequest))

		r.Get("/logs", s.recentLogs)
		if s.eventLogDir != "" {
			r.Get("/event-logs", s.listEventLogs)
			r.Get("/event-logs/{name}", s.readEventLog)
		}
		if s.skills != nil {
			r.Get("/skills", s.listSkills)
			r.Post("/skills/{id}/reload", s.reloadSkill)
		}
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

type createAgentRequest struct {
	Name           string   `json:"name"`
	Project        string   `json:"project"`
	SystemPrompt   string   `json:"system_prompt"`
	SkillIDs       []string `json:"skill_ids"`
	PermissionMode string   `json:"permission_mode"`
	Model          string   `json:"model"`
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createAgentRequest](w, r)
	if !ok {
		return
	}
	var mode permission.Mode
	if req.PermissionMode != "" {
		m, err := permission.ParseMode(req.PermissionMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = m
	}

	a, err := s.reg.CreateAgent(r.Context(), agent.Config{
		Name:           req.Name,
		Project:        req.Project,
		SystemPrompt:   req.SystemPrompt,
		SkillIDs:       req.SkillIDs,
		PermissionMode: mode,
		Model:          req.Model,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.ListAgents())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.reg.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lifecycle(op func(Registry, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(s.reg, r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		a, err := s.reg.GetAgent(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

type sendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[sendMessageRequest](w, r)
	if !ok {
		return
	}
	if req.Role == "" {
		req.Role = string(llm.RoleUser)
	}
	role, err := agent.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := s.reg.SendMessage(r.Context(), chi.URLParam(r, "id"), role, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type permissionModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) setPermissionMode(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[permissionModeRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Mode, "mode") {
		return
	}
	mode, err := permission.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.reg.SetPermissionMode(r.Context(), chi.URLParam(r, "id"), mode); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

type executeTaskRequest struct {
	Description string `json:"description"`
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[executeTaskRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Description, "description") {
		return
	}
	t, err := s.reg.ExecuteTask(r.Context(), chi.URLParam(r, "id"), req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.reg.ListTasks(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.reg.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := s.reg.ListChanges(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if changes == nil {
		changes = []*agent.CodeChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) resolveChange(op func(Registry, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(s.reg, r.Context(), chi.URLParam(r, "id")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) pendingRequests(w http.ResponseWriter, r *http.Request) {
	reqs := s.reg.PendingRequests(r.URL.Query().Get("agent_id"))
	if reqs == nil {
		reqs = []permission.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) resolveRequest(op func(Registry, string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !op(s.reg, chi.URLParam(r, "id")) {
			writeError(w, http.StatusNotFound, "permission request not found or already resolved")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// requireField writes a 400 error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeError(w, http.StatusBadRequest, fieldName+" is required")
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps registry sentinels to status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, agent.ErrTaskNotFound),
		errors.Is(err, agent.ErrChangeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrTaskAlreadyRunning),
		errors.Is(err, agent.ErrChangeResolved),
		errors.Is(err, agent.ErrAgentNotPaused),
		errors.Is(err, agent.ErrAgentPaused):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
