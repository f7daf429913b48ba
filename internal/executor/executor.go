package executor

import (
	"context"
	"fmt"
	"log/slog"
)

// Executor performs the residual wait and fires the downstream action.
// It keeps no state between invocations; every call to Execute is
// independent and may run concurrently with others.
type Executor struct {
	action   Action
	clock    Clock
	sleeper  Sleeper
	reporter Reporter
	logger   *slog.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithClock overrides the time source
func WithClock(c Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithSleeper overrides the suspension primitive
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleeper = s }
}

// WithReporter sets where outcomes are sent
func WithReporter(r Reporter) Option {
	return func(e *Executor) { e.reporter = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor firing action
func New(action Action, opts ...Option) *Executor {
	e := &Executor{
		action:  action,
		clock:   systemClock{},
		sleeper: timerSleeper{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one invocation to completion. Failures are reported in the
// returned Outcome, never as a panic.
func (e *Executor) Execute(ctx context.Context, inv Invocation) Outcome {
	return e.newExecution(inv).run(ctx)
}

// execution is a single pass through the state machine
type execution struct {
	executor *Executor
	inv      Invocation
	state    State
	outcome  Outcome
	logger   *slog.Logger
	recorder *StateRecorder
}

func (e *Executor) newExecution(inv Invocation) *execution {
	return &execution{
		executor: e,
		inv:      inv,
		state:    &ReceivedState{},
		outcome:  Outcome{RunAt: inv.RunAt, Execution: inv.Execution},
		logger:   e.logger.With("runAt", inv.RunAt),
	}
}

// transitionTo performs a state transition and logs it
func (x *execution) transitionTo(newState State) {
	oldStateName := x.state.Name()
	x.state = newState

	if x.recorder != nil {
		x.recorder.Record(newState)
	}

	x.logger.Debug("state transition",
		"from", oldStateName,
		"to", newState.Name())
}

func (x *execution) run(ctx context.Context) Outcome {
	if x.recorder != nil {
		x.recorder.Record(x.state)
	}

	for {
		switch x.state.(type) {
		case *ReceivedState:
			x.runReceived()
		case *WaitingState:
			x.runWaiting(ctx)
		case *SkippedState:
			x.runSkipped()
		case *FiredState:
			x.runFired(ctx)
		case *CompletedState:
			x.runCompleted()
			return x.outcome
		case *FailedState:
			x.runFailed()
			return x.outcome
		case *AbortedState:
			x.runAborted()
			return x.outcome
		default:
			x.logger.Error("unknown state type",
				"state", fmt.Sprintf("%T", x.state))
			x.outcome.Status = StatusFailed
			x.outcome.Err = fmt.Errorf("executor: unknown state %T", x.state)
			x.transitionTo(&FailedState{})
		}
	}
}

// runReceived samples the clock; the dispatch latency before this point is
// unknown, so the residual can only be computed here
func (x *execution) runReceived() {
	state := x.state.(*ReceivedState)

	now := x.executor.clock.Now()
	x.outcome.ReceivedAt = now
	x.outcome.Residual = x.inv.RunAt.Sub(now)

	x.logger.Info("invocation received",
		"entryTime", now,
		"residual", x.outcome.Residual,
		"payloadBytes", len(x.inv.Payload))

	if x.outcome.Residual > 0 {
		x.transitionTo(state.ToWaiting())
	} else {
		x.transitionTo(state.ToSkipped())
	}
}

// runWaiting suspends for the residual. The host's deadline on ctx bounds it.
func (x *execution) runWaiting(ctx context.Context) {
	state := x.state.(*WaitingState)

	if err := x.executor.sleeper.Sleep(ctx, x.outcome.Residual); err != nil {
		x.outcome.Err = err
		x.transitionTo(state.ToAborted())
		return
	}

	x.outcome.Slept = x.outcome.Residual
	x.outcome.Status = StatusFired
	x.transitionTo(state.ToFired())
}

// runSkipped fires immediately; late is preferred over early
func (x *execution) runSkipped() {
	state := x.state.(*SkippedState)

	x.outcome.Status = StatusDegraded
	x.logger.Warn("run time already passed, firing late",
		"missedBy", -x.outcome.Residual)

	x.transitionTo(state.ToFired())
}

// runFired invokes the downstream action exactly once
func (x *execution) runFired(ctx context.Context) {
	state := x.state.(*FiredState)

	x.outcome.FiredAt = x.executor.clock.Now()
	if err := x.invoke(ctx); err != nil {
		x.outcome.Status = StatusFailed
		x.outcome.Err = fmt.Errorf("%w: %w", ErrDownstreamInvocationFailed, err)
		x.transitionTo(state.ToFailed())
		return
	}

	x.transitionTo(state.ToCompleted())
}

func (x *execution) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return x.executor.action.Invoke(ctx, x.inv.RunAt, x.inv.Payload)
}

func (x *execution) runCompleted() {
	x.logger.Info("invocation completed",
		"status", x.outcome.Status,
		"runTime", x.outcome.FiredAt,
		"late", x.outcome.Late())
	x.report()
}

func (x *execution) runFailed() {
	x.logger.Error("invocation failed",
		"runTime", x.outcome.FiredAt,
		"error", x.outcome.Err)
	x.report()
}

// runAborted records nothing; the action never fired
func (x *execution) runAborted() {
	x.outcome.Status = StatusAborted
	x.logger.Warn("invocation aborted before firing",
		"error", x.outcome.Err)
}

func (x *execution) report() {
	if x.executor.reporter != nil {
		x.executor.reporter.Report(x.outcome)
	}
}
