package alarm

import "sync/atomic"

// Guard is a per-session single-claim latch.
type Guard struct {
	claimed atomic.Bool
}

// NewGuard returns an unclaimed guard. Each ring session gets its own.
func NewGuard() *Guard { return &Guard{} }

// Claim reports whether the caller won the session. Only one caller wins
// until Release.
func (g *Guard) Claim() bool { return g.claimed.CompareAndSwap(false, true) }

// Release reopens the guard. Only the winner calls it, after its store write
// failed for good.
func (g *Guard) Release() { g.claimed.Store(false) }

func (g *Guard) Claimed() bool { return g.claimed.Load() }
