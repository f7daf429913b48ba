package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/punctual/internal/action"
	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// Dispatcher invokes the target of a workflow's Invoke node
type Dispatcher interface {
	Dispatch(ctx context.Context, target string, params workflow.Parameters) error
}

// Observer receives one observation per dispatched execution. lag is how
// long after its wake time the execution was handed out.
type Observer interface {
	ObserveDispatch(lag time.Duration, err error)
}

// PollerConfig controls the due-execution loop
type PollerConfig struct {
	// How often the executions table is checked for due waits
	Interval time.Duration `toml:"poll_interval"`

	// Upper bound on a single dispatch, including the executor's residual wait
	DispatchTimeout time.Duration `toml:"dispatch_timeout"`

	// Maximum executions claimed per poll
	BatchSize int `toml:"batch_size"`
}

// DefaultPollerConfig returns the poller defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:        250 * time.Millisecond,
		DispatchTimeout: 2 * time.Minute,
		BatchSize:       100,
	}
}

// Validate checks the poller configuration
func (c PollerConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.Interval)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch_timeout must be positive, got %v", c.DispatchTimeout)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// Poller claims due executions and dispatches each in its own goroutine
type Poller struct {
	db         *db.DB
	dispatcher Dispatcher
	config     PollerConfig
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time

	inflight sync.WaitGroup
}

// NewPoller creates a poller. observer may be nil.
func NewPoller(database *db.DB, dispatcher Dispatcher, config PollerConfig, observer Observer, logger *slog.Logger) *Poller {
	return &Poller{
		db:         database,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		observer:   observer,
		now:        time.Now,
	}
}

// Run polls until ctx is done, then waits for in-flight dispatches. Their
// contexts are cancelled along with ctx.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("starting poller", "interval", p.config.Interval)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping, waiting for in-flight dispatches")
			p.inflight.Wait()
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll claims every currently due execution and starts dispatching it.
// It returns the number of executions claimed.
func (p *Poller) Poll(ctx context.Context) int {
	now := p.now()
	claimed, err := p.db.ClaimDueExecutions(ctx, now, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to claim due executions", "error", err)
		return 0
	}

	for _, exec := range claimed {
		p.inflight.Add(1)
		go func(exec db.Execution) {
			defer p.inflight.Done()
			p.dispatch(ctx, exec, now.Sub(exec.WakeAt))
		}(exec)
	}

	return len(claimed)
}

// Wait blocks until every dispatch started so far has finished
func (p *Poller) Wait() {
	p.inflight.Wait()
}

func (p *Poller) dispatch(ctx context.Context, exec db.Execution, lag time.Duration) {
	logger := p.logger.With("execution", exec.Ref, "runAt", exec.RunAt)

	err := p.invoke(ctx, exec)
	if p.observer != nil {
		p.observer.ObserveDispatch(lag, err)
	}

	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
		logger.Error("dispatch failed", "lag", lag, "error", err)
	} else {
		logger.Info("dispatch succeeded", "lag", lag)
	}

	// Recording must survive the shutdown that may have cancelled ctx
	if err := p.db.CompleteExecution(context.WithoutCancel(ctx), exec.Ref, err == nil, errMsg); err != nil {
		logger.Error("failed to record dispatch result", "error", err)
	}
}

func (p *Poller) invoke(ctx context.Context, exec db.Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()

	sm, err := p.db.GetStateMachine(ctx, exec.StateMachineRef)
	if err != nil {
		return fmt.Errorf("load state machine: %w", err)
	}
	def, err := workflow.ParseDocument([]byte(sm.Definition))
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(action.WithExecution(ctx, exec.Ref), p.config.DispatchTimeout)
	defer cancel()

	return p.dispatcher.Dispatch(dctx, def.Target(), def.Parameters())
}
