package retry

import (
	"context"
	"sync"
	"time"
)

// Policy bounds how often an operation is attempted and how long to wait
// between attempts. MaxAttempts <= 0 means unbounded.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Constant returns a backoff that always waits d.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Allows reports whether the 1-based attempt is permitted.
func (p Policy) Allows(attempt int) bool {
	if attempt < 1 {
		return false
	}
	return p.MaxAttempts <= 0 || attempt <= p.MaxAttempts
}

// Delay returns the wait that follows the given attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	if d := p.Backoff(attempt); d > 0 {
		return d
	}
	return 0
}

// Do runs fn until it succeeds, retryable rejects the error, the policy is
// exhausted, or ctx ends.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil || retryable == nil || !retryable(err) || !p.Allows(attempt+1) {
			return err
		}
		if d := p.Delay(attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Tracker counts attempts per key for operations retried on demand rather
// than in a loop.
type Tracker struct {
	policy   Policy
	mu       sync.Mutex
	attempts map[string]int
}

func NewTracker(policy Policy) *Tracker {
	return &Tracker{policy: policy, attempts: make(map[string]int)}
}

// Next records another attempt for key and reports whether it is allowed.
func (t *Tracker) Next(key string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[key]++
	attempt := t.attempts[key]
	return attempt, t.policy.Allows(attempt)
}

// Reset forgets the attempts recorded for key.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	delete(t.attempts, key)
	t.mu.Unlock()
}
