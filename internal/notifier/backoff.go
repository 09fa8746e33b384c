package notifier

import "time"

// Backoff is the retry state of one delivery. Attempt counts the attempts made
// so far, Max is the total attempt budget, Delay is the wait before the next
// attempt and doubles after every failure up to Cap.
type Backoff struct {
	Attempt  int
	Max      int
	Delay    time.Duration
	Cap      time.Duration
	Deadline time.Time
}

// NewBackoff returns the state before the first attempt. A zero deadline means
// only Max bounds the retries.
func NewBackoff(maxAttempts int, base, limit time.Duration, deadline time.Time) *Backoff {
	return &Backoff{
		Max:      max(1, maxAttempts),
		Delay:    base,
		Cap:      limit,
		Deadline: deadline,
	}
}

// Next records a failed attempt and returns how long to wait before the next
// one. ok is false once the budget is spent or the wait would end past the
// deadline.
func (b *Backoff) Next(now time.Time) (wait time.Duration, ok bool) {
	b.Attempt++
	if b.Attempt >= b.Max {
		return 0, false
	}

	wait = b.Delay
	if b.Cap > 0 && wait > b.Cap {
		wait = b.Cap
	}
	if !b.Deadline.IsZero() && now.Add(wait).After(b.Deadline) {
		return 0, false
	}

	b.Delay *= 2
	if b.Cap > 0 && b.Delay > b.Cap {
		b.Delay = b.Cap
	}
	return wait, true
}

// Remaining is the number of attempts left in the budget.
func (b *Backoff) Remaining() int {
	return max(0, b.Max-b.Attempt)
}
