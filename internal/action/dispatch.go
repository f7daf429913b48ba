package action

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/livinlefevreloca/punctual/internal/executor"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// LocalExecutor is the target address of the in-process executor
const LocalExecutor = SchemeLocal + ":executor"

// ExecutionHeader carries the substrate execution ref on HTTP dispatches
const ExecutionHeader = "Punctual-Execution"

type executionKey struct{}

// WithExecution attaches the substrate execution ref being dispatched
func WithExecution(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, executionKey{}, ref)
}

// ExecutionFrom returns the execution ref attached by WithExecution, or ""
func ExecutionFrom(ctx context.Context) string {
	ref, _ := ctx.Value(executionKey{}).(string)
	return ref
}

// Dispatcher delivers an Invoke node's parameters to its target: the
// in-process executor for local targets, an HTTP POST otherwise
type Dispatcher struct {
	client *http.Client
	local  *executor.Executor
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. local may be nil when no in-process
// executor is hosted.
func NewDispatcher(client *http.Client, local *executor.Executor, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &Dispatcher{client: client, local: local, logger: logger}
}

// ValidateTarget reports whether target can be dispatched to. It does not
// check that a local executor is attached.
func ValidateTarget(target string) error {
	switch scheme(target) {
	case SchemeLocal:
		if target != LocalExecutor {
			return fmt.Errorf("%w: %q", ErrUnsupportedAddress, target)
		}
		return nil
	case "http", "https":
		return validateHTTP(target)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAddress, target)
	}
}

// Dispatch invokes target once with params
func (d *Dispatcher) Dispatch(ctx context.Context, target string, params workflow.Parameters) error {
	switch scheme(target) {
	case SchemeLocal:
		return d.dispatchLocal(ctx, target, params)
	case "http", "https":
		if err := validateHTTP(target); err != nil {
			return err
		}
		d.logger.Debug("dispatching over http", "target", target, "runAt", params.RunAt)
		var header http.Header
		if ref := ExecutionFrom(ctx); ref != "" {
			header = http.Header{ExecutionHeader: []string{ref}}
		}
		return postJSON(ctx, d.client, target, params, header)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAddress, target)
	}
}

func (d *Dispatcher) dispatchLocal(ctx context.Context, target string, params workflow.Parameters) error {
	if target != LocalExecutor || d.local == nil {
		return fmt.Errorf("%w: no local executor for %q", ErrUnsupportedAddress, target)
	}

	runAt, err := time.Parse(workflow.RunAtFormat, params.RunAt)
	if err != nil {
		return fmt.Errorf("invalid run time %q: %w", params.RunAt, err)
	}

	outcome := d.local.Execute(ctx, executor.Invocation{
		RunAt:     runAt,
		Payload:   params.Payload,
		Execution: ExecutionFrom(ctx),
	})
	if !outcome.Success() {
		return outcome.Err
	}
	return nil
}
