package stats

import (
	"context"
	"time"

	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/inbox"
)

// Store is the part of the database the sampler reads
type Store interface {
	CountExecutionsByStatus(ctx context.Context) (map[string]int, error)
	NextWake(ctx context.Context) (time.Time, bool, error)
	GetRecentOutcomes(ctx context.Context, limit int) ([]db.Outcome, error)
}

// InboxSource reports the outcome recorder's inbox usage
type InboxSource interface {
	Stats() inbox.Stats
}

// Sink receives every snapshot, e.g. to update gauges
type Sink interface {
	ObserveSnapshot(s Snapshot)
}

// Drift summarizes the residual wait of recent outcomes
type Drift struct {
	Samples     int           `json:"samples"`
	MinResidual time.Duration `json:"minResidualNs"`
	MaxResidual time.Duration `json:"maxResidualNs"`
	AvgResidual time.Duration `json:"avgResidualNs"`

	// Outcomes whose residual was already non-positive on receipt
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
}

// Snapshot is one sample of the process state
type Snapshot struct {
	TakenAt time.Time `json:"takenAt"`

	// Executions per status. Empty with the kube substrate.
	Executions map[string]int `json:"executions"`

	// Earliest wake time among waiting executions, zero when none
	NextWake time.Time `json:"nextWake,omitzero"`

	Outcomes inbox.Stats `json:"outcomeInbox"`
	Drift    Drift       `json:"drift"`
}

// Waiting returns the number of executions not yet dispatched
func (s Snapshot) Waiting() int {
	return s.Executions[db.ExecutionWaiting]
}
