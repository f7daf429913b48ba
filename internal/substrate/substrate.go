package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// InstanceRef identifies a registered workflow instance inside the substrate
type InstanceRef string

// ExecutionRef identifies a started execution inside the substrate
type ExecutionRef string

// Handle is returned to the caller once an instance has been handed off.
// Both references point into substrate-owned storage.
type Handle struct {
	Instance  InstanceRef  `json:"instance"`
	Execution ExecutionRef `json:"execution"`
}

// Substrate is a durable "wait until timestamp, then invoke" engine.
// Registration and start are separate calls; no substrate offers both
// atomically.
type Substrate interface {
	RegisterDefinition(ctx context.Context, name string, document []byte, role string) (InstanceRef, error)
	Start(ctx context.Context, ref InstanceRef) (ExecutionRef, error)
}

// Submission errors
var (
	ErrRegistrationFailed = errors.New("substrate: registration failed")
	ErrStartFailed        = errors.New("substrate: start failed")
)

// Error carries the failing step and instance name alongside the substrate's
// own error
type Error struct {
	Kind     error
	Name     string
	Instance InstanceRef
	Err      error
}

func (e *Error) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("%v: instance %s (%s): %v", e.Kind, e.Name, e.Instance, e.Err)
	}
	return fmt.Sprintf("%v: instance %s: %v", e.Kind, e.Name, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is/As
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsRegistrationFailed reports whether err came from the registration step
func IsRegistrationFailed(err error) bool {
	return errors.Is(err, ErrRegistrationFailed)
}

// IsStartFailed reports whether err came from the start step
func IsStartFailed(err error) bool {
	return errors.Is(err, ErrStartFailed)
}

// Client submits definitions to a Substrate. It is the only caller of the
// substrate and keeps no reference to an instance after returning its handle.
type Client struct {
	substrate Substrate
	logger    *slog.Logger
	newID     func() string
}

// NewClient creates a client for the given substrate
func NewClient(s Substrate, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		substrate: s,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// InstanceName builds a unique, human-readable instance name
func InstanceName(prefix, id string) string {
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Create registers def as a new uniquely named instance and starts it.
// A start failure leaves the registered instance behind; it is logged and
// not cleaned up.
func (c *Client) Create(ctx context.Context, def *workflow.Definition, role, namePrefix string) (Handle, error) {
	name := InstanceName(namePrefix, c.newID())

	doc, err := def.Document()
	if err != nil {
		return Handle{}, &Error{Kind: ErrRegistrationFailed, Name: name, Err: err}
	}

	ref, err := c.substrate.RegisterDefinition(ctx, name, doc, role)
	if err != nil {
		c.logger.Error("workflow registration failed",
			"name", name,
			"error", err)
		return Handle{}, &Error{Kind: ErrRegistrationFailed, Name: name, Err: err}
	}

	exec, err := c.substrate.Start(ctx, ref)
	if err != nil {
		c.logger.Error("workflow start failed, instance left registered",
			"name", name,
			"instance", ref,
			"error", err)
		return Handle{}, &Error{Kind: ErrStartFailed, Name: name, Instance: ref, Err: err}
	}

	c.logger.Info("workflow started",
		"name", name,
		"instance", ref,
		"execution", exec,
		"wakeAt", def.WakeAt(),
		"runAt", def.RunAt())

	return Handle{Instance: ref, Execution: exec}, nil
}
