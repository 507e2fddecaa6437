// Package compile holds the compilation task state machine and the scheduler
// strategies that execute tasks: a background worker pool for multi-threaded
// engines and an inline scheduler for single-threaded ones. Both sit behind
// one Scheduler interface chosen once at construction.
package compile

import (
	"errors"
	"sync"
	"time"

	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/model"
)

// ErrQueueClosed is returned by Submit after the scheduler has shut down.
var ErrQueueClosed = errors.New("compile queue closed")

// ErrWaitTimeout is returned when a wait's budget elapses before the task
// reaches a terminal state. It never cancels the underlying task.
var ErrWaitTimeout = errors.New("timed out waiting for compilation")

// Task is one compilation attempt for one unit. Its state moves
// pending→running→{completed,failed,cancelled}; transitions are
// one-directional and terminal results are immutable once set
// (single writer, any number of readers).
type Task struct {
	ID        string
	Unit      *model.Unit
	Tier      string
	Reason    string
	CreatedAt time.Time

	mu        sync.Mutex
	state     string
	claimed   bool
	cancelled bool
	cancelMsg string
	artifact  *backend.Artifact
	err       error

	done chan struct{}
}

// NewTask creates a pending task for the given unit.
func NewTask(unit *model.Unit, tier, reason string) *Task {
	return &Task{
		ID:        model.NewID(),
		Unit:      unit,
		Tier:      tier,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
		state:     model.StatePending,
		done:      make(chan struct{}),
	}
}

// State returns the task's current state.
func (t *Task) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Terminal reports whether the task has reached a terminal state.
func (t *Task) Terminal() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Claim attempts the pending→running transition. At most one caller wins;
// a task cancelled before it started can no longer be claimed.
func (t *Task) Claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != model.StatePending {
		return false
	}
	t.state = model.StateRunning
	t.claimed = true
	return true
}

// Claimed reports whether a worker ever claimed the task. A task that is
// terminal without having been claimed was cancelled before it started, and
// no runner will finalize it.
func (t *Task) Claimed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claimed
}

// Cancel requests cancellation. A pending task moves straight to cancelled;
// a running task keeps running with the flag set, to be observed at the
// worker's next safe point. Returns false once the task is already terminal.
func (t *Task) Cancel(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if model.TerminalState(t.state) {
		return false
	}
	if !t.cancelled {
		t.cancelled = true
		t.cancelMsg = reason
	}
	if t.state == model.StatePending {
		t.state = model.StateCancelled
		close(t.done)
	}
	return true
}

// Cancelled is the cooperative cancellation predicate polled by the backend.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// CancelReason returns the reason passed to the first Cancel call.
func (t *Task) CancelReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelMsg
}

// Complete attempts the running→completed transition. The install callback
// runs under the same lock that checks the cancellation flag, so installing
// the artifact and honoring a late cancellation is one atomic decision: a
// result that arrives after cancellation is discarded, never installed.
// Returns the terminal state reached.
func (t *Task) Complete(art *backend.Artifact, install func(*backend.Artifact) error) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != model.StateRunning {
		return t.state
	}
	if t.cancelled {
		t.state = model.StateCancelled
		close(t.done)
		return t.state
	}
	if install != nil {
		if err := install(art); err != nil {
			t.state = model.StateFailed
			t.err = err
			close(t.done)
			return t.state
		}
	}
	t.state = model.StateCompleted
	t.artifact = art
	close(t.done)
	return t.state
}

// Fail records a backend failure. A task whose cancellation was requested
// terminates as cancelled instead: aborting at a safe point surfaces as an
// error from the backend but is not a compilation failure. Returns the
// terminal state reached.
func (t *Task) Fail(err error) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != model.StateRunning {
		return t.state
	}
	if t.cancelled {
		t.state = model.StateCancelled
	} else {
		t.state = model.StateFailed
		t.err = err
	}
	close(t.done)
	return t.state
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the task's artifact or error. Both are nil until terminal;
// a cancelled task has neither.
func (t *Task) Result() (*backend.Artifact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.artifact, t.err
}

// Wait blocks until the task is terminal or the timeout elapses, returning
// ErrWaitTimeout in the latter case. A zero or negative timeout never blocks:
// it succeeds immediately on a terminal task and times out otherwise.
func (t *Task) Wait(timeout time.Duration) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrWaitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}
