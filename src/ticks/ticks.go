// Package ticks provides the kernel's monotonic tick counter. Per
// spec.md §9 ("Global mutable state"), the tick counter is one of the
// few pieces of state that stay genuinely global rather than being
// threaded through a context: a real timer interrupt handler (out of
// scope for this core, see spec.md §1) calls Advance on every tick: this
// package just owns the counter, the way biscuit's accnt package owns
// wall-clock accounting for a single process.
package ticks

import "sync/atomic"

var current int64

// Advance bumps the tick counter by one and returns the new value. Called
// by the (external) timer interrupt handler.
func Advance() int64 {
	return atomic.AddInt64(&current, 1)
}

// Now returns the current tick count, used to stamp pf_info.start_tick
// when a physical frame is allocated (spec.md §3, §4.5).
func Now() int64 {
	return atomic.LoadInt64(&current)
}

// Reset zeros the counter. Only safe to call when no other goroutine is
// reading Now/Advance concurrently — used by tests that want a known
// starting tick.
func Reset() {
	atomic.StoreInt64(&current, 0)
}
