package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requestLimiter caps authentication request throughput per node using token
// buckets, independent of whether the attempts succeed.
type requestLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newRequestLimiter(maxRequests int, window time.Duration) *requestLimiter {
	return &requestLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(maxRequests) / window.Seconds()),
		b:        maxRequests,
	}
}

// Allow checks whether the node may issue another authentication request.
func (l *requestLimiter) Allow(nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[nodeID]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[nodeID] = limiter
	}

	return limiter.Allow()
}

// failureTracker counts failed authentication attempts per node inside a
// sliding window. Once the budget is exhausted further attempts fail fast
// regardless of key correctness until the window clears.
type failureTracker struct {
	mu          sync.Mutex
	window      time.Duration
	maxFailures int
	failures    map[string][]time.Time
}

func newFailureTracker(maxFailures int, window time.Duration) *failureTracker {
	return &failureTracker{
		window:      window,
		maxFailures: maxFailures,
		failures:    make(map[string][]time.Time),
	}
}

// Record notes a failed attempt for the node.
func (t *failureTracker) Record(nodeID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[nodeID] = append(t.prune(nodeID, now), now)
}

// Exceeded reports whether the node exhausted its failure budget within the
// current window.
func (t *failureTracker) Exceeded(nodeID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := t.prune(nodeID, now)
	t.failures[nodeID] = pruned
	return len(pruned) >= t.maxFailures
}

// Reset clears the node's failure history, e.g. after a successful
// authentication.
func (t *failureTracker) Reset(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, nodeID)
}

func (t *failureTracker) prune(nodeID string, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	history := t.failures[nodeID]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
