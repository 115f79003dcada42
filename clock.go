package main

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// countdownTick is the display refresh interval. Remaining time promises
// no precision tighter than this.
const countdownTick = 250 * time.Millisecond

// remainingSeconds converts an absolute deadline into whole display
// seconds, rounded up and clamped to [0, 999].
func remainingSeconds(endAtMs, nowMs int64) int {
	if endAtMs <= 0 {
		return 0
	}

	remaining := int(math.Ceil(float64(endAtMs-nowMs) / 1000.0))

	if remaining < 0 {
		return 0
	}

	if remaining > 999 {
		return 999
	}

	return remaining
}

// estimateOffset derives the server-clock offset from one probe exchange.
// The server stamped serverMs somewhere between our sendMs and recvMs, so
// comparing it to the request midpoint cancels symmetric network delay:
// offset = serverMs - (sendMs+recvMs)/2.
func estimateOffset(sendMs, recvMs, serverMs int64) int64 {
	return serverMs - (sendMs+recvMs)/2
}

// A Countdown re-derives display seconds from a replicated deadline on a
// fixed tick. It never writes remaining time back to the store: the
// deadline is the only replicated value, so every client's countdown
// converges on the same number no matter when it started ticking.
type Countdown struct {
	clock clockwork.Clock
	nowMs func() int64
}

// NewCountdown builds a countdown over the given clock. nowMs must come
// from the store's synced clock so all clients count against the same
// timeline.
func NewCountdown(clock clockwork.Clock, nowMs func() int64) *Countdown {
	return &Countdown{
		clock: clock,
		nowMs: nowMs,
	}
}

// Run calls emit with the remaining seconds immediately and then after
// every tick, returning once the deadline passes or ctx ends. emit runs
// on the caller's goroutine.
func (c *Countdown) Run(ctx context.Context, endAtMs int64, emit func(remaining int)) {
	ticker := c.clock.NewTicker(countdownTick)
	defer ticker.Stop()

	for {
		remaining := remainingSeconds(endAtMs, c.nowMs())

		emit(remaining)

		if remaining == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
