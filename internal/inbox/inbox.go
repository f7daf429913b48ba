package inbox

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Inbox is a bounded, typed hand-off between many producers and one
// consumer. Producers never block longer than the send timeout.
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	dropped  atomic.Int64
	maxDepth atomic.Int64
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent    int64
	TotalDropped int64
	CurrentDepth int
	MaxDepthSeen int
}

// New creates a new inbox with the specified buffer size and send timeout
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send delivers msg, waiting up to the inbox timeout for space.
// Returns false if the message was dropped.
func (ib *Inbox[T]) Send(msg T) bool {
	select {
	case ib.ch <- msg:
	default:
		timer := time.NewTimer(ib.timeout)
		defer timer.Stop()

		select {
		case ib.ch <- msg:
		case <-timer.C:
			ib.dropped.Add(1)
			ib.logger.Warn("inbox send timeout",
				"timeout", ib.timeout,
				"current_depth", len(ib.ch))
			return false
		}
	}

	ib.sent.Add(1)
	ib.observeDepth()
	return true
}

// C returns the receive side of the inbox. It is closed by Close.
func (ib *Inbox[T]) C() <-chan T {
	return ib.ch
}

func (ib *Inbox[T]) observeDepth() {
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// GetStats returns a snapshot of the inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:    ib.sent.Load(),
		TotalDropped: ib.dropped.Load(),
		CurrentDepth: len(ib.ch),
		MaxDepthSeen: int(ib.maxDepth.Load()),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the inbox. Send must not be called afterwards.
func (ib *Inbox[T]) Close() {
	close(ib.ch)
}
