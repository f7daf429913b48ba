package db

import "time"

// Execution statuses
const (
	ExecutionWaiting    = "waiting"
	ExecutionDispatched = "dispatched"
	ExecutionSucceeded  = "succeeded"
	ExecutionFailed     = "failed"
)

// StateMachine is a registered, single-use workflow instance
type StateMachine struct {
	Ref        string
	Name       string
	Definition string // JSON workflow document
	Role       string
	CreatedAt  time.Time
}

// Execution is the durable wait of a started state machine
type Execution struct {
	Ref             string
	StateMachineRef string
	Target          string
	WakeAt          time.Time
	RunAt           time.Time
	Status          string
	StartedAt       time.Time
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
	Error           *string
}

// Outcome is one precision executor result
type Outcome struct {
	ID           string
	ExecutionRef *string
	RunAt        time.Time
	ReceivedAt   time.Time
	FiredAt      *time.Time
	Residual     time.Duration
	Status       string
	Error        *string
	RecordedAt   time.Time
}
