// Package httpserver exposes the HTTP control surface for dispatching and inspecting runs.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/app/engine/script"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/domain/runstore"
	"github.com/coachpo/runner/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 16

	executePath     = "/dispatch/execute"
	backtestPath    = "/dispatch/backtest"
	enginesPath     = "/engines"
	refreshPath     = "/engines/refresh"
	runsPath        = "/runs"
	runDetailPrefix = runsPath + "/"
	runStreamPath   = "/runs/stream"
	healthPath      = "/healthz"

	defaultRunsLimit = 50
)

// Dispatcher is the subset of the run dispatcher the control API drives.
type Dispatcher interface {
	Execute(ctx context.Context, mode run.Mode, instrument, brain string, sinks ...dispatcher.Sink) (uuid.UUID, error)
	BackTest(ctx context.Context, timestamp, instrument, brain string, sinks ...dispatcher.Sink) (uuid.UUID, error)
	Settings() dispatcher.Settings
}

// EngineStats reports per-engine activity.
type EngineStats interface {
	Stats() []engine.Stats
}

// BrainCatalog lists and reloads the brains one engine can run.
type BrainCatalog interface {
	Brains() []script.ModuleSummary
	Refresh(ctx context.Context) error
}

// Runs serves stored run history.
type Runs interface {
	Recent(ctx context.Context, limit int) ([]runstore.Record, error)
	Get(ctx context.Context, id uuid.UUID) (runstore.Record, error)
}

// Options wires the handler's collaborators. Only Dispatcher is required.
type Options struct {
	Dispatcher        Dispatcher
	Engines           EngineStats
	Brains            map[engine.Kind]BrainCatalog
	Runs              Runs
	Stream            *Broadcaster
	RequestsPerSecond float64
	Burst             int
	Logger            observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	dispatcher Dispatcher
	engines    EngineStats
	brains     map[engine.Kind]BrainCatalog
	runs       Runs
	logger     observability.Logger
}

// NewHandler creates the control API handler.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Dispatcher == nil {
		return nil, errs.New("httpserver", errs.CodeConfiguration, errs.WithMessage("dispatcher required"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}
	server := &httpServer{
		dispatcher: opts.Dispatcher,
		engines:    opts.Engines,
		brains:     opts.Brains,
		runs:       opts.Runs,
		logger:     logger,
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	mux := http.NewServeMux()
	mux.Handle(executePath, withRateLimit(limiter, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.execute,
	})))
	mux.Handle(backtestPath, withRateLimit(limiter, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.backtest,
	})))
	mux.Handle(enginesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listEngines,
	}))
	mux.Handle(refreshPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.refreshBrains,
	}))
	mux.Handle(runsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listRuns,
	}))
	mux.Handle(runDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRun,
	}))
	if opts.Stream != nil {
		mux.Handle(runStreamPath, opts.Stream)
	}
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		},
	}))

	return withCORS(mux), nil
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type enginePayload struct {
	engine.Stats
	Brains []script.ModuleSummary `json:"brains"`
}

func (s *httpServer) listEngines(w http.ResponseWriter, _ *http.Request) {
	settings := s.dispatcher.Settings()
	engines := []enginePayload{}
	if s.engines != nil {
		for _, stats := range s.engines.Stats() {
			payload := enginePayload{Stats: stats, Brains: []script.ModuleSummary{}}
			if catalog, ok := s.brains[stats.Kind]; ok && catalog != nil {
				payload.Brains = catalog.Brains()
			}
			engines = append(engines, payload)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"parallel": settings.Parallel,
		"sizing": map[string]any{
			"percentage": settings.Sizing.Percentage.String(),
			"maxCount":   settings.Sizing.MaxCount,
		},
		"engines": engines,
	})
}

func (s *httpServer) refreshBrains(w http.ResponseWriter, r *http.Request) {
	kinds := make([]string, 0, len(s.brains))
	for kind := range s.brains {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		catalog := s.brains[engine.Kind(kind)]
		if catalog == nil {
			continue
		}
		if err := catalog.Refresh(r.Context()); err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("refresh %s brains: %v", kind, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "engines": kinds})
}

func (s *httpServer) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []runstore.Record{}})
		return
	}
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	records, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}
	if records == nil {
		records = []runstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (s *httpServer) getRun(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, runDetailPrefix), "/")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "run id must be a uuid")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	record, err := s.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get run: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withRateLimit(limiter *rate.Limiter, handler http.Handler) http.Handler {
	if limiter == nil {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// Serve runs an http.Server for handler on addr until ctx ends, then drains it for up to
// shutdownTimeout.
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control api shutdown: %w", err)
	}
	return nil
}
