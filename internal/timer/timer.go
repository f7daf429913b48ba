package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/punctual/internal/substrate"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// Request validation errors
var (
	ErrPastDeadline               = errors.New("timer: run time is not in the future")
	ErrMissingTargetConfiguration = errors.New("timer: target action is not configured")
)

// ScheduleRequest asks for the target action to be invoked at RunAt
type ScheduleRequest struct {
	RunAt   time.Time `json:"runAt"`
	Payload string    `json:"payload"`
}

// ScheduleConfig is fixed at startup and shared read-only by every request
type ScheduleConfig struct {
	TargetLeadSeconds int    `toml:"target_lead_seconds"`
	NamePrefix        string `toml:"name_prefix"`
	ExecutionRole     string `toml:"execution_role"`
	TargetAction      string `toml:"target_action"`
}

// Creator hands a definition to the orchestration substrate
type Creator interface {
	Create(ctx context.Context, def *workflow.Definition, role, namePrefix string) (substrate.Handle, error)
}

// Metrics receives one observation per Schedule call. wait is the time from
// the request until its run time.
type Metrics interface {
	ObserveSchedule(result string, wait time.Duration)
}

// Coordinator validates schedule requests and submits one single-use
// workflow per accepted request. It holds no per-request state.
type Coordinator struct {
	config  ScheduleConfig
	creator Creator
	now     func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock overrides the time source used for deadline validation
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator
func NewCoordinator(config ScheduleConfig, creator Creator, opts ...Option) *Coordinator {
	c := &Coordinator{
		config:  config,
		creator: creator,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schedule validates req, builds its workflow and starts it on the substrate.
// Nothing is created in the substrate when an error is returned before the
// submission step.
func (c *Coordinator) Schedule(ctx context.Context, req ScheduleRequest) (substrate.Handle, error) {
	now := c.now()
	wait := req.RunAt.Sub(now)

	c.logger.Info("schedule request",
		"runAt", req.RunAt,
		"payloadBytes", len(req.Payload),
		"wait", wait)

	if !req.RunAt.After(now) {
		c.observe("past_deadline", wait)
		return substrate.Handle{}, fmt.Errorf("%w: run time %s, now %s",
			ErrPastDeadline, req.RunAt.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	}

	if c.config.TargetAction == "" {
		c.observe("missing_target", wait)
		return substrate.Handle{}, ErrMissingTargetConfiguration
	}

	def, err := workflow.Build(req.RunAt, c.config.TargetAction, c.config.TargetLeadSeconds, req.Payload)
	if err != nil {
		c.observe("invalid_configuration", wait)
		return substrate.Handle{}, err
	}

	if def.WakeAt().Before(now) {
		// Lead time exceeds the remaining wait; the substrate fires on
		// start and the executor absorbs the rest.
		c.logger.Warn("wait timestamp already passed",
			"wakeAt", def.WakeAt(),
			"runAt", def.RunAt())
	}

	handle, err := c.creator.Create(ctx, def, c.config.ExecutionRole, c.config.NamePrefix)
	if err != nil {
		switch {
		case substrate.IsRegistrationFailed(err):
			c.observe("registration_failed", wait)
		case substrate.IsStartFailed(err):
			c.observe("start_failed", wait)
		default:
			c.observe("error", wait)
		}
		return substrate.Handle{}, err
	}

	c.observe("scheduled", wait)
	return handle, nil
}

func (c *Coordinator) observe(result string, wait time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveSchedule(result, wait)
	}
}
