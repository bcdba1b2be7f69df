package clock

import (
	"sync/atomic"

	"swarmlog/pkg/types"
)

// LamportClock hands out strictly increasing Lamport timestamps and merges received ones.
type LamportClock struct {
	atomic.Uint64
}

func NewLamport(init types.LamportTimestamp) *LamportClock {
	var lc LamportClock
	lc.Set(init)
	return &lc
}

func (lc *LamportClock) Val() types.LamportTimestamp {
	return types.LamportTimestamp(lc.Load())
}

func (lc *LamportClock) Next() types.LamportTimestamp {
	return types.LamportTimestamp(lc.Add(1))
}

// Reserve allocates n consecutive timestamps and returns the first one.
func (lc *LamportClock) Reserve(n int) types.LamportTimestamp {
	last := lc.Add(uint64(n))
	return types.LamportTimestamp(last - uint64(n) + 1)
}

func (lc *LamportClock) Set(t types.LamportTimestamp) {
	lc.Store(uint64(t))
}

// Observe advances the clock to at least received.
func (lc *LamportClock) Observe(received types.LamportTimestamp) {
	for {
		cur := lc.Load()
		if uint64(received) <= cur {
			return
		}
		if lc.CompareAndSwap(cur, uint64(received)) {
			return
		}
	}
}

// Receive merges a timestamp received from a peer. The clock always moves
// forward, to received or one past its current value, whichever is larger.
func (lc *LamportClock) Receive(received types.LamportTimestamp) types.LamportTimestamp {
	for {
		cur := lc.Load()
		next := max(cur+1, uint64(received))
		if lc.CompareAndSwap(cur, next) {
			return types.LamportTimestamp(next)
		}
	}
}
