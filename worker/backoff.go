package worker

import (
	"context"
	"sync"
	"time"
)

// backoff implements the Worker's restart delay schedule (SPEC_FULL.md
// §4.D: "1 s -> 2 s -> 4 s -> ... cap 30 s; a successful first frame
// after restart clears backoff"), modeled as a small dedicated,
// mutex-guarded value type in the manner of the corpus's stream-
// supervisor backoff helper (lyrebirdaudio-go internal/stream/backoff.go)
// rather than inlining counters into Worker. Every method is nil-receiver
// safe so a zero-value Worker never panics before Start wires one in.
type backoff struct {
	mu                  sync.Mutex
	initialDelay        time.Duration
	maxDelay            time.Duration
	maxConsecutiveFails int

	currentDelay        time.Duration
	consecutiveFailures int
}

func newBackoff(initialDelay, maxDelay time.Duration, maxConsecutiveFails int) *backoff {
	return &backoff{
		initialDelay:        initialDelay,
		maxDelay:            maxDelay,
		maxConsecutiveFails: maxConsecutiveFails,
		currentDelay:        initialDelay,
	}
}

// RecordFailure counts the failure towards ShouldStop and doubles the
// current delay (capped) for every failure after the first, so the wait
// before the very first restart is initialDelay itself (SPEC_FULL.md
// §4.D: "1 s -> 2 s -> 4 s -> ... cap 30 s").
func (b *backoff) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures > 1 {
		b.currentDelay *= 2
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
	}
}

// RecordSuccess resets the delay and failure count; called when the first
// frame after a (re)start is emitted.
func (b *backoff) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentDelay = b.initialDelay
	b.consecutiveFailures = 0
}

// CurrentDelay returns the delay to wait before the next restart attempt.
func (b *backoff) CurrentDelay() time.Duration {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentDelay
}

// ShouldStop reports whether consecutive restart failures have reached
// the limit (SPEC_FULL.md §4.D: "Restarts that fail 10 consecutive times
// stop the worker").
func (b *backoff) ShouldStop() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures >= b.maxConsecutiveFails
}

// Reset clears the schedule back to its initial state; called when a user
// edit or explicit start gives the worker a fresh chance.
func (b *backoff) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentDelay = b.initialDelay
	b.consecutiveFailures = 0
}

// Wait blocks for CurrentDelay or until ctx is cancelled.
func (b *backoff) Wait(ctx context.Context) error {
	delay := b.CurrentDelay()
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
