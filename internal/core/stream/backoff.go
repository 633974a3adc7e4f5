package stream

import "time"

// Backoff produces exponentially growing reconnect delays: base, 2*base,
// 4*base, ... capped at max.
type Backoff struct {
	base     time.Duration
	max      time.Duration
	next     time.Duration
	failures int
}

// NewBackoff creates a backoff starting at base.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, next: base}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.failures++
	b.next = min(b.next*2, b.max)
	return d
}

// Reset returns to the base delay.
func (b *Backoff) Reset() {
	b.next = b.base
	b.failures = 0
}

// Failures is the number of Next calls since the last Reset.
func (b *Backoff) Failures() int { return b.failures }
