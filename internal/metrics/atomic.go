package metrics

import "sync/atomic"

// AtomicMax atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMax(addr *int64, val int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		if val <= current {
			return current
		}
		if atomic.CompareAndSwapInt64(addr, current, val) {
			return val
		}
	}
}

// UCounter is an unsigned atomic counter. The zero value is ready to use.
// Used for tallies that many send goroutines bump at once.
type UCounter struct {
	value atomic.Uint64
}

// Add adds delta to the counter and returns the new value.
func (c *UCounter) Add(delta uint64) uint64 {
	return c.value.Add(delta)
}

// Inc increments by 1.
func (c *UCounter) Inc() uint64 {
	return c.value.Add(1)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return c.value.Load()
}
