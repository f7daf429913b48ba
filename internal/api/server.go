// Package api is the HTTP intake for schedule requests and executor
// invocations.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/executor"
	"github.com/livinlefevreloca/punctual/internal/stats"
	"github.com/livinlefevreloca/punctual/internal/substrate"
	"github.com/livinlefevreloca/punctual/internal/timer"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// Scheduler accepts schedule requests
type Scheduler interface {
	Schedule(ctx context.Context, req timer.ScheduleRequest) (substrate.Handle, error)
}

// Executor runs one invocation to completion
type Executor interface {
	Execute(ctx context.Context, inv executor.Invocation) executor.Outcome
}

// Store serves execution and outcome lookups. Executions are only
// recorded by the local substrate.
type Store interface {
	GetExecution(ctx context.Context, ref string) (*db.Execution, error)
	GetOutcomesByExecution(ctx context.Context, ref string) ([]db.Outcome, error)
	GetRecentOutcomes(ctx context.Context, limit int) ([]db.Outcome, error)
	PingContext(ctx context.Context) error
}

// StatsProvider returns the most recent stats sample
type StatsProvider interface {
	Latest() stats.Snapshot
}

// Instrumenter wraps a named handler, e.g. with request metrics
type Instrumenter func(name string, h http.Handler) http.Handler

// Server routes HTTP requests to the coordinator and executor
type Server struct {
	scheduler  Scheduler
	executor   Executor
	store      Store
	stats      StatsProvider
	limiter    *rate.Limiter
	maxWait    time.Duration
	instrument Instrumenter
	logger     *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithStore enables execution and outcome lookups
func WithStore(s Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithStats serves the sampler's latest snapshot
func WithStats(p StatsProvider) Option {
	return func(srv *Server) { srv.stats = p }
}

// WithRateLimit bounds schedule intake to limit requests per second.
// A non-positive limit disables limiting.
func WithRateLimit(limit float64, burst int) Option {
	return func(srv *Server) {
		if limit > 0 {
			srv.limiter = rate.NewLimiter(rate.Limit(limit), burst)
		}
	}
}

// WithMaxWait bounds every executor invocation
func WithMaxWait(d time.Duration) Option {
	return func(srv *Server) { srv.maxWait = d }
}

// WithInstrumenter wraps every route
func WithInstrumenter(i Instrumenter) Option {
	return func(srv *Server) { srv.instrument = i }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// NewServer creates a server. Either scheduler or executor may be nil, in
// which case the matching routes are not registered.
func NewServer(scheduler Scheduler, exec Executor, opts ...Option) *Server {
	srv := &Server{
		scheduler: scheduler,
		executor:  exec,
		maxWait:   2 * time.Minute,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /v1/schedules", "schedules", s.handleSchedule)
	s.handle(mux, "POST /v1/execute", "execute", s.handleExecute)
	s.handle(mux, "GET /v1/executions/{ref}", "executions", s.handleGetExecution)
	s.handle(mux, "GET /v1/outcomes", "outcomes", s.handleListOutcomes)
	s.handle(mux, "GET /v1/stats", "stats", s.handleStats)
	s.handle(mux, "GET /healthz", "healthz", s.handleHealth)

	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.instrument != nil {
		h = s.instrument(name, h)
	}
	mux.Handle(pattern, h)
}
