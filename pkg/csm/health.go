package csm

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ironvault/containerraft/pkg/metrics"
)

// ErrUnhealthy is returned by TakeSnapshot and any operation refused once
// the instance's health flag has flipped false.
var ErrUnhealthy = errors.New("state machine unhealthy")

// healthFlag is the atomic true->false-only health signal. Once it flips, it never
// returns to true for the lifetime of this instance; the instance must be
// rebuilt (re-added to the group) to become healthy again.
type healthFlag struct {
	healthy atomic.Bool
}

func newHealthFlag() *healthFlag {
	h := &healthFlag{}
	h.healthy.Store(true)
	return h
}

// Healthy reports the current state.
func (h *healthFlag) Healthy() bool {
	return h.healthy.Load()
}

// Flip transitions healthy true->false exactly once via compare-and-swap,
// returning true the first time it succeeds and false on every subsequent
// call. Callers use the return value to fire close/notify side effects
// exactly once.
func (h *healthFlag) Flip() bool {
	if h.healthy.CompareAndSwap(true, false) {
		metrics.HealthFlips.Inc()
		return true
	}
	return false
}

// shutdownLatch guards the "consensus closed us -> terminate host" path
// so that many groups closing at once
// terminate the host exactly once. It is process-scoped: initialized at
// startup, never reset.
type shutdownLatch struct {
	once sync.Once
}

var processShutdownLatch shutdownLatch

// fireOnce runs fn the first time it is called for the process, and is a
// no-op on every subsequent call.
func (l *shutdownLatch) fireOnce(fn func()) {
	l.once.Do(fn)
}
