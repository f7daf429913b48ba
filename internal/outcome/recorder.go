// Package outcome persists executor outcomes off the firing path.
//
// Executors hand each outcome to a Recorder, which buffers them and writes
// batches from a single background goroutine. A slow or failing store never
// delays an action.
package outcome

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/executor"
	"github.com/livinlefevreloca/punctual/internal/inbox"
)

// Store writes a batch of outcomes
type Store interface {
	CreateOutcomes(ctx context.Context, outcomes []db.Outcome) error
}

// Recorder implements executor.Reporter
type Recorder struct {
	config Config
	store  Store
	logger *slog.Logger
	inbox  *inbox.Inbox[db.Outcome]
	newID  func() string

	// guards closed against Report racing Shutdown
	mu     sync.RWMutex
	closed bool

	buffer    []db.Outcome
	lastFlush time.Time
	done      chan struct{}
}

// NewRecorder creates a recorder. Call Start before reporting.
func NewRecorder(config Config, store Store, logger *slog.Logger) (*Recorder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Recorder{
		config:    config,
		store:     store,
		logger:    logger,
		inbox:     inbox.New[db.Outcome](config.ChannelSize, config.SendTimeout, logger),
		newID:     uuid.NewString,
		buffer:    make([]db.Outcome, 0, config.FlushThreshold),
		lastFlush: time.Now(),
		done:      make(chan struct{}),
	}, nil
}

// Report queues an outcome for writing. Outcomes reported after Shutdown
// and outcomes that do not fit within the send timeout are dropped.
func (r *Recorder) Report(o executor.Outcome) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.logger.Warn("outcome reported after shutdown", "runAt", o.RunAt, "status", o.Status)
		return
	}

	if !r.inbox.Send(r.toRow(o)) {
		r.logger.Error("dropped outcome", "runAt", o.RunAt, "status", o.Status)
	}
}

func (r *Recorder) toRow(o executor.Outcome) db.Outcome {
	row := db.Outcome{
		ID:         r.newID(),
		RunAt:      o.RunAt,
		ReceivedAt: o.ReceivedAt,
		Residual:   o.Residual,
		Status:     o.Status.String(),
	}
	if o.Execution != "" {
		ref := o.Execution
		row.ExecutionRef = &ref
	}
	if !o.FiredAt.IsZero() {
		firedAt := o.FiredAt
		row.FiredAt = &firedAt
	}
	if o.Err != nil {
		msg := o.Err.Error()
		row.Error = &msg
	}
	return row
}

// Start launches the writer goroutine
func (r *Recorder) Start() {
	go r.run()
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case o, ok := <-r.inbox.C():
			if !ok {
				r.flush()
				r.logger.Debug("outcome writer shut down")
				return
			}
			r.buffer = append(r.buffer, o)
			if len(r.buffer) >= r.config.FlushThreshold {
				r.flush()
			}
		case <-ticker.C:
			if time.Since(r.lastFlush) >= r.config.FlushInterval {
				r.flush()
			}
		}
	}
}

func (r *Recorder) flush() {
	r.lastFlush = time.Now()
	if len(r.buffer) == 0 {
		return
	}

	if err := r.store.CreateOutcomes(context.Background(), r.buffer); err != nil {
		r.logger.Error("failed to write outcomes",
			"count", len(r.buffer),
			"error", err)
	} else {
		r.logger.Debug("wrote outcomes", "count", len(r.buffer))
	}

	r.buffer = make([]db.Outcome, 0, r.config.FlushThreshold)
}

// Stats returns the hand-off statistics
func (r *Recorder) Stats() inbox.Stats {
	return r.inbox.GetStats()
}

// Shutdown stops accepting outcomes, writes everything queued and waits for
// the writer to exit or ctx to end.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.logger.Info("starting outcome recorder shutdown", "queued", r.inbox.Len())

	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.inbox.Close()
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		r.logger.Info("outcome recorder shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
