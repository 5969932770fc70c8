package chat

import (
	"math"
	"time"
)

const (
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 30 * time.Second
	backoffGrowth         = 1.8
)

// Backoff yields reconnect delays growing geometrically up to a cap. Not safe
// for concurrent use; the controller serializes access.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff builds a backoff schedule. Non-positive arguments fall back to
// 1 s initial and 30 s cap.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay to wait now and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.current
	millis := int64(math.Round(float64(b.current.Milliseconds()) * backoffGrowth))
	next := time.Duration(millis) * time.Millisecond
	if next > b.max {
		next = b.max
	}
	b.current = next
	return d
}

// Reset rewinds the schedule to its initial delay.
func (b *Backoff) Reset() {
	b.current = b.initial
}
