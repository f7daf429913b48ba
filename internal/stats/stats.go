// Package stats periodically samples the execution backlog, the outcome
// recorder's inbox and the drift of recent outcomes.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/punctual/internal/db"
)

// Sampler takes a Snapshot every interval and hands it to the sink
type Sampler struct {
	store  Store
	inbox  InboxSource
	sink   Sink
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	latest Snapshot

	// Shutdown coordination
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSampler creates a sampler. store, inbox and sink may each be nil.
func NewSampler(config Config, store Store, inbox InboxSource, sink Sink, logger *slog.Logger) (*Sampler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Sampler{
		store:  store,
		inbox:  inbox,
		sink:   sink,
		config: config,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}, nil
}

// Start begins the sampling loop
func (s *Sampler) Start() {
	s.logger.Info("starting stats sampler", "interval", s.config.Interval)

	s.wg.Add(1)
	go s.run()
}

// Stop ends the sampling loop and waits for it to exit
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.logger.Info("stats sampler stopped")
	})
}

// Latest returns the most recent snapshot
func (s *Sampler) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Sampler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	s.sampleAndPublish(ctx)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sampleAndPublish(ctx)
		}
	}
}

func (s *Sampler) sampleAndPublish(ctx context.Context) {
	snap, err := s.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("stats sample failed", "error", err)
		}
		return
	}

	s.logger.Debug("stats sampled",
		"waiting", snap.Waiting(),
		"nextWake", snap.NextWake,
		"inboxDepth", snap.Outcomes.CurrentDepth,
		"avgResidual", snap.Drift.AvgResidual)
}

// Sample takes one snapshot, stores it as the latest and passes it to the
// sink
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		TakenAt:    s.now(),
		Executions: map[string]int{},
	}

	if s.store != nil {
		counts, err := s.store.CountExecutionsByStatus(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("count executions failed: %w", err)
		}
		snap.Executions = counts

		next, ok, err := s.store.NextWake(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("next wake failed: %w", err)
		}
		if ok {
			snap.NextWake = next
		}

		recent, err := s.store.GetRecentOutcomes(ctx, s.config.RecentOutcomes)
		if err != nil {
			return Snapshot{}, fmt.Errorf("recent outcomes failed: %w", err)
		}
		snap.Drift = summarize(recent)
	}

	if s.inbox != nil {
		snap.Outcomes = s.inbox.Stats()
	}

	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.ObserveSnapshot(snap)
	}
	return snap, nil
}

// summarize computes the drift of outcomes that reached the residual wait.
// Aborted outcomes never fired and are left out of the residual figures.
func summarize(outcomes []db.Outcome) Drift {
	var drift Drift
	residuals := make([]time.Duration, 0, len(outcomes))

	for _, o := range outcomes {
		switch o.Status {
		case "degraded":
			drift.Degraded++
		case "failed":
			drift.Failed++
		case "aborted":
			continue
		}
		residuals = append(residuals, o.Residual)
	}

	drift.Samples = len(residuals)
	drift.MinResidual, drift.MaxResidual, drift.AvgResidual = calculateMinMaxAvgDuration(residuals)
	return drift
}

func calculateMinMaxAvgDuration(values []time.Duration) (min, max, avg time.Duration) {
	if len(values) == 0 {
		return 0, 0, 0
	}

	min = values[0]
	max = values[0]
	var sum time.Duration

	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}

	avg = sum / time.Duration(len(values))
	return min, max, avg
}
