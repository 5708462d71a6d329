// Package api implements Vigil's HTTP API: health, event history,
// analysis results, manual trigger, observation ingest, a live event
// stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/vigil/internal/buildinfo"
	"github.com/nugget/vigil/internal/connwatch"
	"github.com/nugget/vigil/internal/events"
	"github.com/nugget/vigil/internal/history"
	"github.com/nugget/vigil/internal/ingest"
	"github.com/nugget/vigil/internal/logbook"
	"github.com/nugget/vigil/internal/metrics"
	"github.com/nugget/vigil/internal/sensor"
	"github.com/nugget/vigil/internal/surface"
	"github.com/nugget/vigil/internal/trigger"
)

// writeJSON encodes v as JSON to w. Encoding errors usually mean the
// client went away and are only logged at debug level.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Ingester accepts observations. *ingest.Ingestor satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, obs ingest.Observation) (ingest.Result, error)
}

// Commander is the manual trigger. *trigger.Command satisfies it.
type Commander interface {
	Set(ctx context.Context, value bool, origin string) (bool, error)
}

// HealthSource reports external service health. *connwatch.Manager
// satisfies it.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// Deps are the pipeline components the API reads and drives.
type Deps struct {
	History  *history.Buffer[sensor.Record]
	Ingestor Ingester
	Logbook  *logbook.Logbook
	Surface  *surface.Surface
	Trigger  Commander
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Health   HealthSource
}

// Options tune the server.
type Options struct {
	// IngestRate limits POST /api/events per second; zero disables it.
	IngestRate  float64
	IngestBurst int
	Logger      *slog.Logger
	// Now overrides the clock used for observations without a timestamp.
	Now func() time.Time
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	server  *http.Server
}

// NewServer creates a Server. Nothing listens until Start.
func NewServer(address string, port int, deps Deps, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.IngestRate > 0 {
		limit = rate.Limit(opts.IngestRate)
	}
	burst := max(opts.IngestBurst, 1)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "api"),
		now:     opts.Now,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/events", s.handleIngest)

	mux.HandleFunc("GET /api/analysis", s.handleAnalysis)
	mux.HandleFunc("GET /api/analysis/history", s.handleLogbook)
	mux.HandleFunc("POST /api/analysis/trigger", s.handleTrigger)

	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	return s.withLogging(mux)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{"message": message, "code": code},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	var services map[string]connwatch.ServiceStatus
	if s.deps.Health != nil {
		services = s.deps.Health.Status()
		for _, svc := range services {
			if !svc.Ready {
				status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"uptime":   buildinfo.Uptime().Truncate(time.Second).String(),
		"services": services,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	items := s.deps.History.Items()
	if n, ok := limitParam(r); ok && n < len(items) {
		items = items[:n]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capacity": s.deps.History.Cap(),
		"count":    len(items),
		"events":   items,
	}, s.logger)
}

// IngestRequest is the body of POST /api/events.
type IngestRequest struct {
	ID    string        `json:"id"`
	Value *sensor.Value `json:"value"`
	// Timestamp is epoch milliseconds; zero means now.
	Timestamp int64 `json:"timestamp,omitempty"`
	// Confirmed defaults to true.
	Confirmed *bool `json:"confirmed,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusTooManyRequests, "ingest rate limit exceeded")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ID == "" || req.Value == nil {
		s.errorResponse(w, http.StatusBadRequest, "id and value are required")
		return
	}

	obs := ingest.Observation{
		SourceID:  req.ID,
		Value:     *req.Value,
		Timestamp: req.Timestamp,
		Confirmed: req.Confirmed == nil || *req.Confirmed,
	}
	if obs.Timestamp == 0 {
		obs.Timestamp = s.now().UnixMilli()
	}

	res, err := s.deps.Ingestor.Ingest(r.Context(), obs)
	if err != nil {
		s.logger.Warn("observation recorded with persistence errors", "id", req.ID, "error", err)
	}

	status := http.StatusOK
	switch res {
	case ingest.Recorded:
		status = http.StatusAccepted
	case ingest.Unknown:
		status = http.StatusNotFound
	}
	body := map[string]any{"result": res.String()}
	if err != nil {
		body["warning"] = err.Error()
	}
	writeJSON(w, status, body, s.logger)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err1 := s.deps.Surface.Get(ctx, surface.NamespaceAnalysis, surface.KeyLastResult)
	prompt, err2 := s.deps.Surface.Get(ctx, surface.NamespaceAnalysis, surface.KeyLastPrompt)
	alert, err3 := s.deps.Surface.Bool(ctx, surface.NamespaceAnalysis, surface.KeyIsAlert)
	if err := errors.Join(err1, err2, err3); err != nil {
		s.logger.Warn("failed to read analysis state", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read analysis state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lastResult": result,
		"lastPrompt": prompt,
		"isAlert":    alert,
	}, s.logger)
}

func (s *Server) handleLogbook(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Logbook.Entries()
	if n, ok := limitParam(r); ok && n < len(entries) {
		entries = entries[:n]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capacity": s.deps.Logbook.Cap(),
		"count":    len(entries),
		"entries":  entries,
	}, s.logger)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	fired, err := s.deps.Trigger.Set(r.Context(), true, trigger.OriginAPI)
	if err != nil && !fired {
		s.logger.Warn("trigger failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": fired}, s.logger)
}

// limitParam parses ?limit=N. Invalid or non-positive values are ignored.
func limitParam(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
