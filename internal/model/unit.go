package model

import (
	"sync/atomic"
	"time"
)

// Unit status constants for the diagnostic status query. A unit whose last
// task was cancelled reports "cancelled" rather than "not_compiled" so the
// outcome of a cancellation request stays observable.
const (
	StatusNotCompiled = "not_compiled"
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusInstalled   = "installed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Compilation tier constants.
const (
	TierBaseline   = "baseline"
	TierOptimizing = "optimizing"
	TierAuto       = "auto"
)

// Unit kind constants. Function units are promoted on call-count hotness,
// loop units on loop-back hotness (on-stack replacement requests).
const (
	KindFunction = "function"
	KindLoop     = "loop"
)

// Unit is one compilable routine of the guest program: the opaque handle
// the execution engine hands to the compilation manager. The payload is
// whatever representation the backend consumes; the manager never looks
// inside it.
type Unit struct {
	ID        string
	Name      string
	Kind      string
	Tier      string
	Payload   []byte
	CreatedAt time.Time

	calls     atomic.Int64
	loopBacks atomic.Int64
}

// NotifyCall records one invocation of the unit and returns the new count.
func (u *Unit) NotifyCall() int64 {
	return u.calls.Add(1)
}

// NotifyLoopBack records one loop back-edge in the unit and returns the new count.
func (u *Unit) NotifyLoopBack() int64 {
	return u.loopBacks.Add(1)
}

// CallCount returns the current invocation count.
func (u *Unit) CallCount() int64 {
	return u.calls.Load()
}

// LoopBackCount returns the current loop back-edge count.
func (u *Unit) LoopBackCount() int64 {
	return u.loopBacks.Load()
}
