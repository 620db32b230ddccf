// Package web serves the REST API and the chat WebSocket endpoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/myrmex-ai/myrmex/internal/chat"
	"github.com/myrmex-ai/myrmex/internal/llm"
	"github.com/myrmex-ai/myrmex/internal/observability"
	"github.com/myrmex-ai/myrmex/internal/store"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// Store is the persistence surface the handlers use. *store.Store
// implements it.
type Store interface {
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter store.ListSessionsFilter) ([]*models.Session, error)
	EndSession(ctx context.Context, id string) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]*models.Message, error)
	CountSessions(ctx context.Context, status models.SessionStatus) (int, error)

	ListAgents(ctx context.Context) ([]*models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpsertAgent(ctx context.Context, agent *models.Agent) error

	ListCronJobs(ctx context.Context) ([]*models.CronJob, error)
	GetCronJob(ctx context.Context, id string) (*models.CronJob, error)
	UpsertCronJob(ctx context.Context, job *models.CronJob) error
	SetCronJobEnabled(ctx context.Context, id string, enabled bool) error
	ListExecutions(ctx context.Context, jobID string, limit int) ([]*models.JobExecution, error)
}

// Engine runs synchronous chat turns.
type Engine interface {
	SendMessage(ctx context.Context, sessionID, content string, opts chat.SendOptions) (*chat.ChatResponse, error)
}

// Scheduler is the cron control surface.
type Scheduler interface {
	Reload(ctx context.Context) error
	RunNow(ctx context.Context, jobID string) error
}

// WSHandler upgrades chat WebSocket requests.
type WSHandler interface {
	HandleChat(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Server is the API HTTP server.
type Server struct {
	http      *http.Server
	store     Store
	engine    Engine
	scheduler Scheduler
	ws        WSHandler
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer builds the server and its routes. scheduler and ws may be nil
// when those subsystems are disabled.
func NewServer(addr string, st Store, engine Engine, scheduler Scheduler, ws WSHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     st,
		engine:    engine,
		scheduler: scheduler,
		ws:        ws,
		logger:    logger.With("component", "web"),
		startedAt: time.Now(),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleEndSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExportSession)
	mux.HandleFunc("GET /api/messages/search", s.handleSearchMessages)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handlePatchAgent)

	mux.HandleFunc("GET /api/cron/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/cron/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PATCH /api/cron/jobs/{id}", s.handlePatchJob)
	mux.HandleFunc("POST /api/cron/jobs/{id}/enable", s.handleEnableJob(true))
	mux.HandleFunc("POST /api/cron/jobs/{id}/disable", s.handleEnableJob(false))
	mux.HandleFunc("POST /api/cron/jobs/{id}/run", s.handleRunJob)
	mux.HandleFunc("GET /api/cron/jobs/{id}/history", s.handleJobHistory)
	mux.HandleFunc("POST /api/cron/reload", s.handleReloadJobs)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/chat/{session_id}", s.handleWS)

	return s.withMetrics(mux)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.Method + " " + r.URL.Path
		observability.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Debug("request", "route", route, "status", rec.status, "elapsed", elapsed)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		jsonError(w, http.StatusServiceUnavailable, "streaming is not enabled")
		return
	}
	s.ws.HandleChat(w, r, r.PathValue("session_id"))
}

type healthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`
	Sessions int    `json:"sessions"`
	CronJobs int    `json:"cron_jobs"`
	Agents   int    `json:"agents"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
		Database: "ok",
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
	}
	if n, err := s.store.CountSessions(ctx, models.SessionActive); err == nil {
		resp.Sessions = n
	}
	if jobs, err := s.store.ListCronJobs(ctx); err == nil {
		resp.CronJobs = len(jobs)
	}
	if agents, err := s.store.ListAgents(ctx); err == nil {
		resp.Agents = len(agents)
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Detail string `json:"detail"`
}

func jsonError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrJobNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSessionEnded),
		errors.Is(err, store.ErrSessionActive):
		jsonError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrRateLimited):
		jsonError(w, http.StatusTooManyRequests, err.Error())
	case isUpstreamFailure(err):
		jsonError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
	}
}

// isUpstreamFailure reports whether the error came out of the model gateway.
func isUpstreamFailure(err error) bool {
	var gwErr *llm.Error
	return errors.As(err, &gwErr)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
