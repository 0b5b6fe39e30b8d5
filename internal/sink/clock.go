package sink

import "time"

// Clock supplies the timestamp recorded in every transition. The spec calls
// for a TSC (CPU timestamp counter) reading; Go has no portable, toolchain-
// free way to read the TSC directly (that needs either cgo or a per-arch
// assembly stub, neither of which the corpus this was built from reaches
// for), so the default Clock instead reads the runtime's monotonic clock.
// It is still free-running, monotonic, and good enough to order events
// within one process, which is all §5's "total-order hint" asks of it.
type Clock interface {
	Now() uint64
}

// monotonicClock is the default Clock.
type monotonicClock struct{ start time.Time }

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Now() uint64 {
	return uint64(time.Since(c.start).Nanoseconds())
}
