package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/logging"
	"github.com/JakeFAU/adharvest/internal/metrics"
	"github.com/JakeFAU/adharvest/internal/pool"
	"github.com/JakeFAU/adharvest/internal/rotation"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 2000
	requestTimeout  = 60 * time.Second
)

// Pools is the pool control surface.
type Pools interface {
	Start(ctx context.Context, req pool.Request) (string, error)
	Stop(id string) (pool.Report, error)
	Status(id string) (pool.Status, error)
	Logs(id, workerID string, limit int) ([]logging.Line, error)
	List() []pool.Status
}

// Tasks is the single-task control surface.
type Tasks interface {
	StartTask(ctx context.Context, target harvest.Target, spec harvest.RunSpec) (string, error)
	StopTask(id string) (harvest.Task, error)
	ResumeTask(ctx context.Context, id string) error
	Status(id string) (harvest.Task, error)
	List() ([]harvest.Task, error)
	Logs(id string, limit int) []logging.Line
}

// Readiness reports whether the durable store is reachable.
type Readiness interface {
	Ready(ctx context.Context) bool
}

// Rotation exposes the shared target rotation state.
type Rotation interface {
	Stats() rotation.Stats
}

// Server wires HTTP handlers to the pool coordinator and task orchestrator.
type Server struct {
	router chi.Router
	pools  Pools
	tasks  Tasks
	ready  Readiness
	rot    Rotation
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready and rot may be nil.
func NewServer(pools Pools, tasks Tasks, ready Readiness, rot Rotation, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pools:  pools,
		tasks:  tasks,
		ready:  ready,
		rot:    rot,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/rotation", s.rotationStats)
		r.Route("/pools", func(r chi.Router) {
			r.Post("/", s.startPool)
			r.Get("/", s.listPools)
			r.Route("/{pool_id}", func(r chi.Router) {
				r.Get("/", s.poolStatus)
				r.Post("/stop", s.stopPool)
				r.Get("/logs", s.poolLogs)
			})
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.startTask)
			r.Get("/", s.listTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.taskStatus)
				r.Post("/stop", s.stopTask)
				r.Post("/resume", s.resumeTask)
				r.Get("/logs", s.taskLogs)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready.Ready(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) rotationStats(w http.ResponseWriter, _ *http.Request) {
	if s.rot == nil {
		writeError(w, http.StatusNotFound, "rotation not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.rot.Stats())
}

type runSpecRequest struct {
	Mode     string `json:"mode"`
	Duration string `json:"duration"`
	Profile  string `json:"profile"`
}

func (req runSpecRequest) spec() (harvest.RunSpec, error) {
	mode, err := harvest.ParseMode(req.Mode)
	if err != nil {
		return harvest.RunSpec{}, err
	}
	profile, err := harvest.ParseProfile(req.Profile)
	if err != nil {
		return harvest.RunSpec{}, err
	}
	spec := harvest.RunSpec{Mode: mode, Profile: profile}
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			return harvest.RunSpec{}, fmt.Errorf("invalid duration %q", req.Duration)
		}
		spec.Duration = d
	}
	if err := spec.Validate(); err != nil {
		return harvest.RunSpec{}, err
	}
	return spec, nil
}

type startPoolRequest struct {
	runSpecRequest
	Size       int    `json:"size"`
	Policy     string `json:"policy"`
	BaseTarget string `json:"base_target"`
}

func (s *Server) startPool(w http.ResponseWriter, r *http.Request) {
	var req startPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := pool.ParsePolicy(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.pools.Start(r.Context(), pool.Request{
		Size:       req.Size,
		Policy:     policy,
		BaseTarget: harvest.Target{URL: strings.TrimSpace(req.BaseTarget)},
		Spec:       spec,
	})
	if err != nil {
		s.writeDomainError(w, "start pool", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"pool_id": id})
}

func (s *Server) listPools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.pools.List()})
}

func (s *Server) poolStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pools.Status(chi.URLParam(r, "pool_id"))
	if err != nil {
		s.writeDomainError(w, "pool status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stopPool(w http.ResponseWriter, r *http.Request) {
	rep, err := s.pools.Stop(chi.URLParam(r, "pool_id"))
	if err != nil {
		s.writeDomainError(w, "stop pool", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) poolLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines, err := s.pools.Logs(chi.URLParam(r, "pool_id"), r.URL.Query().Get("worker"), limit)
	if err != nil {
		s.writeDomainError(w, "pool logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

type startTaskRequest struct {
	runSpecRequest
	Target string `json:"target"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		writeError(w, http.StatusBadRequest, "target required")
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.tasks.StartTask(r.Context(), harvest.Target{URL: strings.TrimSpace(req.Target)}, spec)
	if err != nil {
		s.writeDomainError(w, "start task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	tasks, err := s.tasks.List()
	if err != nil {
		s.logger.Warn("task list incomplete", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Status(chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeDomainError(w, "task status", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.StopTask(chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeDomainError(w, "stop task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if err := s.tasks.ResumeTask(r.Context(), id); err != nil {
		s.writeDomainError(w, "resume task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": string(harvest.TaskStarting)})
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.tasks.Logs(chi.URLParam(r, "task_id"), limit)})
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultLogLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return limit, nil
}

func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, harvest.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, harvest.ErrNotResumable), errors.Is(err, harvest.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, harvest.ErrInvalidPoolSize), errors.Is(err, harvest.ErrNoTargets):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
