package reliability

import (
	"sync"
	"time"
)

// Unlimited disables the retry ceiling.
const Unlimited = -1

// RetryState tracks consecutive reconnect attempts for a fixed-interval policy.
// It is safe for concurrent use.
type RetryState struct {
	mu         sync.Mutex
	count      int
	maxRetries int
	interval   time.Duration
}

// NewRetryState creates a retry state. A negative maxRetries means no ceiling.
func NewRetryState(maxRetries int, interval time.Duration) *RetryState {
	if maxRetries < 0 {
		maxRetries = Unlimited
	}
	return &RetryState{
		maxRetries: maxRetries,
		interval:   interval,
	}
}

// Next reserves the next attempt. It returns the 1-based attempt number and
// the delay to wait before it, or ok=false once the ceiling has been reached.
func (r *RetryState) Next() (attempt int, delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exhausted() {
		return r.count, 0, false
	}
	r.count++
	return r.count, r.interval, true
}

// Exhausted reports whether no further attempts may be scheduled.
func (r *RetryState) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted()
}

func (r *RetryState) exhausted() bool {
	return r.maxRetries != Unlimited && r.count >= r.maxRetries
}

// Reset clears the attempt counter after a successful connect.
func (r *RetryState) Reset() {
	r.mu.Lock()
	r.count = 0
	r.mu.Unlock()
}

// Count returns the number of attempts reserved since the last reset.
func (r *RetryState) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// MaxRetries returns the configured ceiling, or Unlimited.
func (r *RetryState) MaxRetries() int {
	return r.maxRetries
}

// Interval returns the fixed delay between attempts.
func (r *RetryState) Interval() time.Duration {
	return r.interval
}
