package retry

import "time"

// Backoff is a doubling interval between Min and Max. It is not safe for
// concurrent use; each shard worker owns its own.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff starting at min.
func NewBackoff(min, max time.Duration) *Backoff {
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, current: min}
}

// Current returns the interval to wait before the next attempt.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Increase doubles the interval up to Max and returns the new value.
func (b *Backoff) Increase() time.Duration {
	next := b.current * 2
	if next == 0 {
		next = time.Millisecond
	}
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	return b.current
}

// Reset returns the interval to Min.
func (b *Backoff) Reset() {
	b.current = b.Min
}
