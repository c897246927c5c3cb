package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultStuckThreshold is how long a document may stay processing.
const DefaultStuckThreshold = 10 * time.Minute

// SweepStore resets stale processing leases.
type SweepStore interface {
	ResetStuckDocuments(ctx context.Context, cutoff, now time.Time) (int, error)
}

// Sweeper returns documents stuck in processing to pending. It is the only
// recovery path for documents claimed by a crashed or slow run.
type Sweeper struct {
	store     SweepStore
	threshold time.Duration
	now       func() time.Time
}

// NewSweeper creates a Sweeper. A zero threshold selects DefaultStuckThreshold.
func NewSweeper(st SweepStore, threshold time.Duration) *Sweeper {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	return &Sweeper{store: st, threshold: threshold, now: func() time.Time { return time.Now().UTC() }}
}

// Sweep resets every document claimed more than the threshold ago.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.store.ResetStuckDocuments(ctx, now.Add(-s.threshold), now)
	if err != nil {
		return 0, eris.Wrap(err, "worker: sweep stuck documents")
	}
	if n > 0 {
		zap.L().Info("worker: reset stuck documents", zap.Int("count", n), zap.Duration("threshold", s.threshold))
	}
	return n, nil
}
