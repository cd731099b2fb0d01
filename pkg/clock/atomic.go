package clock

import "sync/atomic"

// AtomicClock hands out monotonically increasing sequence numbers.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Observe moves the clock forward to t if it is behind.
func (ac *AtomicClock) Observe(t uint64) {
	for {
		cur := ac.Load()
		if cur >= t || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
