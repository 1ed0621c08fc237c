// Package api serves the voicetask SDK over HTTP for GUI shells and
// scripts, plus a WebSocket stream of lifecycle events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/voicetask/internal/actions"
	"github.com/nugget/voicetask/internal/agents"
	"github.com/nugget/voicetask/internal/buildinfo"
	"github.com/nugget/voicetask/internal/classifier"
	"github.com/nugget/voicetask/internal/connwatch"
	"github.com/nugget/voicetask/internal/queue"
	"github.com/nugget/voicetask/internal/tasks"
	"github.com/nugget/voicetask/internal/undo"
	"github.com/nugget/voicetask/internal/usage"
	"github.com/nugget/voicetask/internal/voicetask"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sdk      *voicetask.SDK
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	services atomic.Pointer[connwatch.Manager]
	usageDB  atomic.Pointer[usage.Store]

	// done is closed by Shutdown so hijacked stream connections,
	// which http.Server does not track, wind down too.
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a new API server.
func NewServer(address string, port int, sdk *voicetask.SDK, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		sdk:     sdk,
		logger:  logger.With("component", "api"),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetServices adds upstream service health to /health.
func (s *Server) SetServices(m *connwatch.Manager) {
	s.services.Store(m)
}

// SetUsage enables GET /v1/usage.
func (s *Server) SetUsage(u *usage.Store) {
	s.usageDB.Store(u)
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Intake
	mux.HandleFunc("POST /v1/submit", s.handleSubmit)
	mux.HandleFunc("GET /v1/listening", s.handleListeningGet)
	mux.HandleFunc("POST /v1/listening", s.handleListeningSet)

	// Tasks
	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("POST /v1/tasks/{id}/retry", s.handleTaskRetry)

	// Undo
	mux.HandleFunc("POST /v1/undo", s.handleUndo)
	mux.HandleFunc("POST /v1/undo/{id}", s.handleUndoByID)
	mux.HandleFunc("GET /v1/undo/history", s.handleUndoHistory)

	// Registry
	mux.HandleFunc("GET /v1/actions", s.handleActionList)
	mux.HandleFunc("GET /v1/agents", s.handleAgentList)
	mux.HandleFunc("GET /v1/queues", s.handleQueueList)
	mux.HandleFunc("POST /v1/queues/{name}/pause", s.handleQueuePause)
	mux.HandleFunc("POST /v1/queues/{name}/resume", s.handleQueueResume)
	mux.HandleFunc("POST /v1/queues/{name}/clear", s.handleQueueClear)

	// Observability
	mux.HandleFunc("GET /v1/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/logs/export", s.handleLogsExport)
	mux.HandleFunc("GET /v1/classifier/stats", s.handleClassifierStats)
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{taskId}", s.handleRouterExplain)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) stopping() <-chan struct{} { return s.done }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// statusFor maps SDK errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrNotFound),
		errors.Is(err, undo.ErrNotFound),
		errors.Is(err, queue.ErrUnknownQueue),
		errors.Is(err, actions.ErrNotFound),
		errors.Is(err, agents.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, voicetask.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, voicetask.ErrUnroutable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, voicetask.ErrQueuePaused),
		errors.Is(err, tasks.ErrInvalidTransition),
		errors.Is(err, undo.ErrEmpty):
		return http.StatusConflict
	case errors.Is(err, voicetask.ErrQueueFull),
		errors.Is(err, classifier.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, voicetask.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) sdkError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// handleHealth always answers 200; an unreachable upstream only
// degrades the reported status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"listening": s.sdk.IsListening(),
	}
	if m := s.services.Load(); m != nil {
		services := m.Status()
		for _, st := range services {
			if !st.Ready {
				resp["status"] = "degraded"
			}
		}
		resp["services"] = services
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}
