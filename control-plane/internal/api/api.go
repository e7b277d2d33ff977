// Package api provides the HTTP trigger and read API of the control plane.
//
// # Endpoints
//
// Triggers (enqueue and return 202):
//   - POST /api/v1/tasks/{id}/run[?host_id=] - Run a task now
//   - POST /api/v1/hosts/{id}/discovery - Walk a host's provisioning table
//   - POST /api/v1/hosts/{id}/verify - Check a host's reachability
//
// Read API:
//   - GET /api/v1/tasks - List tasks
//   - GET /api/v1/hosts - List hosts
//   - GET /api/v1/tasks/{id}/executions[?limit=] - Recent executions of a task
//   - GET /api/v1/executions/{id} - One execution with its summary
//
// Health:
//   - GET /api/v1/health - Process, database and queue health
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/cache"
	"github.com/pilot-net/onu-poller/control-plane/internal/service"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// Cache TTLs for list endpoints.
const (
	cacheTTLTaskList = 30 * time.Second
	cacheTTLHostList = 30 * time.Second
)

// Server is the HTTP API server.
type Server struct {
	svc    *service.Service
	cache  *cache.Cache
	logger *slog.Logger
	mux    *http.ServeMux

	// tokenHash is the bcrypt hash of the operator bearer token; empty
	// disables authentication.
	tokenHash string
}

// NewServer creates a new API server. responseCache may be nil.
func NewServer(svc *service.Service, responseCache *cache.Cache, tokenHash string, logger *slog.Logger) *Server {
	s := &Server{
		svc:       svc,
		cache:     responseCache,
		tokenHash: tokenHash,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	auth := s.TokenAuthMiddleware(TokenAuthConfig{
		TokenHash: s.tokenHash,
		Logger:    s.logger,
	})

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Triggers
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/run", wrapHandler(s.handleRunTask, auth))
	s.mux.HandleFunc("POST /api/v1/hosts/{id}/discovery", wrapHandler(s.handleRunDiscovery, auth))
	s.mux.HandleFunc("POST /api/v1/hosts/{id}/verify", wrapHandler(s.handleVerifyHost, auth))

	// Read API
	s.mux.HandleFunc("GET /api/v1/tasks", wrapHandler(s.handleListTasks, auth))
	s.mux.HandleFunc("GET /api/v1/hosts", wrapHandler(s.handleListHosts, auth))
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/executions", wrapHandler(s.handleListExecutions, auth))
	s.mux.HandleFunc("GET /api/v1/executions/{id}", wrapHandler(s.handleGetExecution, auth))
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Health(r.Context())
	if report == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	status := http.StatusOK
	if report.Database.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

// =============================================================================
// TRIGGERS
// =============================================================================

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var hostID *int64
	if v := r.URL.Query().Get("host_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid host_id")
			return
		}
		hostID = &id
	}

	jobID, err := s.svc.RunTask(r.Context(), taskID, hostID)
	if err != nil {
		s.writeServiceError(w, "run task", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "queued",
		"task_id": taskID,
		"job_id":  jobID,
	})
}

func (s *Server) handleRunDiscovery(w http.ResponseWriter, r *http.Request) {
	hostID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	jobIDs, err := s.svc.RunDiscovery(r.Context(), hostID)
	if err != nil {
		s.writeServiceError(w, "run discovery", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "queued",
		"host_id": hostID,
		"job_ids": jobIDs,
	})
}

func (s *Server) handleVerifyHost(w http.ResponseWriter, r *http.Request) {
	hostID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	jobID, err := s.svc.VerifyHost(r.Context(), hostID)
	if err != nil {
		s.writeServiceError(w, "verify host", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "queued",
		"host_id": hostID,
		"job_id":  jobID,
	})
}

// =============================================================================
// READ API
// =============================================================================

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := cache.Remember(r.Context(), s.cache, "tasks", cacheTTLTaskList, func() ([]types.Task, error) {
		return s.svc.ListTasks(r.Context())
	})
	if err != nil {
		s.writeServiceError(w, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []types.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := cache.Remember(r.Context(), s.cache, "hosts", cacheTTLHostList, func() ([]types.Host, error) {
		return s.svc.ListHosts(r.Context())
	})
	if err != nil {
		s.writeServiceError(w, "list hosts", err)
		return
	}
	if hosts == nil {
		hosts = []types.Host{}
	}
	s.writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	execs, err := s.svc.ListExecutions(r.Context(), taskID, limit)
	if err != nil {
		s.writeServiceError(w, "list executions", err)
		return
	}
	if execs == nil {
		execs = []types.Execution{}
	}
	s.writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	exec, err := s.svc.GetExecution(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "op", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
