// Package local implements a durable timer substrate on top of SQLite.
//
// Registration stores the workflow document, Start records an execution
// with an absolute wake time, and a Poller hands due executions to a
// Dispatcher. Because wake times are absolute and live in the database, a
// restart of the process resumes every pending wait.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/substrate"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// Substrate registers and starts workflow instances in SQLite
type Substrate struct {
	db     *db.DB
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a substrate backed by database
func New(database *db.DB, logger *slog.Logger) *Substrate {
	return &Substrate{
		db:     database,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// RegisterDefinition implements substrate.Substrate
func (s *Substrate) RegisterDefinition(ctx context.Context, name string, document []byte, role string) (substrate.InstanceRef, error) {
	if _, err := workflow.ParseDocument(document); err != nil {
		return "", fmt.Errorf("malformed definition: %w", err)
	}

	sm := &db.StateMachine{
		Ref:        "sm-" + s.newID(),
		Name:       name,
		Definition: string(document),
		Role:       role,
		CreatedAt:  s.now().UTC(),
	}

	if err := s.db.CreateStateMachine(ctx, sm); err != nil {
		if db.IsDuplicate(err) {
			return "", fmt.Errorf("state machine %q already exists: %w", name, err)
		}
		return "", err
	}

	return substrate.InstanceRef(sm.Ref), nil
}

// Start implements substrate.Substrate. An instance can be started once.
func (s *Substrate) Start(ctx context.Context, ref substrate.InstanceRef) (substrate.ExecutionRef, error) {
	sm, err := s.db.GetStateMachine(ctx, string(ref))
	if err != nil {
		return "", fmt.Errorf("state machine %s: %w", ref, err)
	}

	def, err := workflow.ParseDocument([]byte(sm.Definition))
	if err != nil {
		return "", fmt.Errorf("state machine %s: %w", ref, err)
	}

	exec := &db.Execution{
		Ref:             "exec-" + s.newID(),
		StateMachineRef: sm.Ref,
		Target:          def.Target(),
		WakeAt:          def.WakeAt(),
		RunAt:           def.RunAt(),
		StartedAt:       s.now().UTC(),
	}

	if err := s.db.CreateExecution(ctx, exec); err != nil {
		if db.IsDuplicate(err) {
			return "", fmt.Errorf("state machine %s already started: %w", ref, err)
		}
		return "", err
	}

	s.logger.Debug("execution waiting",
		"execution", exec.Ref,
		"name", sm.Name,
		"wakeAt", exec.WakeAt)

	return substrate.ExecutionRef(exec.Ref), nil
}
