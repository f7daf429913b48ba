package executor

import (
	"context"
	"errors"
	"time"
)

// ErrDownstreamInvocationFailed marks an outcome whose action call failed
var ErrDownstreamInvocationFailed = errors.New("executor: downstream invocation failed")

// Invocation is what the substrate delivers once its coarse wait ends.
// RunAt is the exact instant from the original request. Execution is the
// substrate's execution ref when the caller knows it.
type Invocation struct {
	RunAt     time.Time
	Payload   string
	Execution string
}

// Status is the result class of one invocation
type Status int

const (
	StatusFired    Status = iota // Fired at or after RunAt with a positive residual
	StatusDegraded               // Fired late, residual was already <= 0
	StatusFailed                 // Downstream action returned an error
	StatusAborted                // Host ended the wait before the action fired
)

// String returns a human-readable representation of the status
func (s Status) String() string {
	switch s {
	case StatusFired:
		return "fired"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome reports one invocation with enough detail to diagnose drift
type Outcome struct {
	Execution  string
	RunAt      time.Time
	ReceivedAt time.Time
	FiredAt    time.Time // zero when aborted
	Residual   time.Duration
	Slept      time.Duration
	Status     Status
	Err        error
}

// Success reports whether the action fired and returned without error.
// Degraded outcomes count as success.
func (o Outcome) Success() bool {
	return o.Status == StatusFired || o.Status == StatusDegraded
}

// Late returns how far past RunAt the action was fired
func (o Outcome) Late() time.Duration {
	if o.FiredAt.IsZero() {
		return 0
	}
	if d := o.FiredAt.Sub(o.RunAt); d > 0 {
		return d
	}
	return 0
}

// Action is the downstream action fired at RunAt
type Action interface {
	Invoke(ctx context.Context, runAt time.Time, payload string) error
}

// ActionFunc adapts a function to Action
type ActionFunc func(ctx context.Context, runAt time.Time, payload string) error

func (f ActionFunc) Invoke(ctx context.Context, runAt time.Time, payload string) error {
	return f(ctx, runAt, payload)
}

// Clock is the executor's time source
type Clock interface {
	Now() time.Time
}

// Sleeper suspends the calling goroutine
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Reporter receives every outcome that reached a decision
type Reporter interface {
	Report(Outcome)
}

// Reporters fans an outcome out to each reporter in order
type Reporters []Reporter

func (rs Reporters) Report(o Outcome) {
	for _, r := range rs {
		r.Report(o)
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
