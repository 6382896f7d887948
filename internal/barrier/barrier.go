// Package barrier admits or sheds new proxy connections using a Generic
// Cell Rate Algorithm token bucket. It is grounded on the same
// mutex-guarded, field-at-a-time bucket bookkeeping the teacher's
// request_rate_limit.go uses for its per-IP limiters, but implements GCRA's
// theoretical-arrival-time formulation directly: golang.org/x/time/rate
// (the library the teacher reaches for) is a leaky-bucket limiter whose
// Reserve/Delay semantics don't expose the exact "jammed, wait this long"
// probe this package's callers (and its tests) depend on, so the algorithm
// is hand-rolled here instead of wrapped.
package barrier

import (
	"errors"
	"sync"
	"time"
)

// Error kinds for Barrier construction, per spec.md §4.1.
var (
	ErrInvalidReplenish = errors.New("barrier: replenish must be > 0")
	ErrInvalidMaxBurst  = errors.New("barrier: max_burst must be >= 1")
)

// Barrier is a GCRA token bucket. In the proxy it is owned exclusively by
// the accept loop (spec.md §5); its internal mutex nonetheless makes
// concurrent probing safe, mainly so tests can exercise it directly.
type Barrier struct {
	mu        sync.Mutex
	replenish time.Duration
	tolerance time.Duration
	tat       time.Time
}

// New builds a Barrier from the replenish interval and burst capacity.
// Fails with a distinct error per misconfigured field, per spec.md §4.1.
func New(replenish time.Duration, maxBurst uint32) (*Barrier, error) {
	if replenish <= 0 {
		return nil, ErrInvalidReplenish
	}
	if maxBurst == 0 {
		return nil, ErrInvalidMaxBurst
	}

	return &Barrier{
		replenish: replenish,
		tolerance: time.Duration(maxBurst-1) * replenish,
	}, nil
}

// Probe consumes a cell if one is immediately available, returning
// (0, true). Otherwise it returns the minimum wait before a cell will be
// available and leaves internal state untouched - a jammed probe never
// consumes a cell, so it can be retried without side effects.
func (b *Barrier) Probe() (wait time.Duration, ok bool) {
	return b.probeAt(time.Now())
}

func (b *Barrier) probeAt(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tat := b.tat
	if tat.Before(now) {
		tat = now
	}

	diff := tat.Sub(now)
	if diff > b.tolerance {
		return diff - b.tolerance, false
	}

	b.tat = tat.Add(b.replenish)
	return 0, true
}
