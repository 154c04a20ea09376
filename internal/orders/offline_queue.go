package orders

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeferredOp is one order mutation parked while the broker is unreachable.
// The client order ID travels with the entry so replay stays idempotent.
type DeferredOp struct {
	ClientOrderID string    `json:"client_order_id"`
	Kind          string    `json:"kind"` // OpTypeStopUpdate, OpTypePartialExit, OpTypeFlatten
	Symbol        string    `json:"symbol"`
	Qty           int64     `json:"qty,omitempty"`
	Price         float64   `json:"price,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// OfflineQueue is a bounded FIFO of deferred order mutations, replayed when
// the broker becomes reachable again. On overflow the oldest entry is
// dropped: a fresher intent for the same position supersedes a stale one.
type OfflineQueue struct {
	mu       sync.Mutex
	entries  []DeferredOp
	capacity int
	dropped  int
	logger   zerolog.Logger
}

// NewOfflineQueue creates a queue with the given capacity (≤0 means 1000).
func NewOfflineQueue(capacity int, logger zerolog.Logger) *OfflineQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &OfflineQueue{
		capacity: capacity,
		logger:   logger.With().Str("component", "OfflineQueue").Logger(),
	}
}

// Enqueue appends an operation, dropping the oldest when full.
func (q *OfflineQueue) Enqueue(op DeferredOp) {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		q.dropped++
		q.logger.Warn().
			Str("symbol", dropped.Symbol).
			Str("kind", dropped.Kind).
			Msg("Offline queue full, dropped oldest entry")
	}
	q.entries = append(q.entries, op)
	q.logger.Info().
		Str("symbol", op.Symbol).
		Str("kind", op.Kind).
		Int("depth", len(q.entries)).
		Msg("Operation deferred to offline queue")
}

// Depth returns the number of queued operations.
func (q *OfflineQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many entries overflow has discarded.
func (q *OfflineQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain pops and replays every queued operation in FIFO order. A failed
// replay re-queues the entry at the front and stops, preserving order for
// the next drain attempt.
func (q *OfflineQueue) Drain(ctx context.Context, replay func(context.Context, DeferredOp) error) int {
	replayed := 0
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return replayed
		}
		op := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if err := replay(ctx, op); err != nil {
			q.logger.Warn().
				Str("symbol", op.Symbol).
				Str("kind", op.Kind).
				Err(err).
				Msg("Replay failed, halting drain")
			q.mu.Lock()
			q.entries = append([]DeferredOp{op}, q.entries...)
			q.mu.Unlock()
			return replayed
		}
		replayed++
		q.logger.Info().
			Str("symbol", op.Symbol).
			Str("kind", op.Kind).
			Msg("Deferred operation replayed")
	}
}
