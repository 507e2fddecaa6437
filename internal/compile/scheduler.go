package compile

import "time"

// Runner executes one claimed task to a terminal state. The manager supplies
// it; schedulers only decide where and when it runs. Runners are invoked
// exactly once per task, and only after a successful claim.
type Runner func(*Task)

// Scheduler is the strategy interface behind which the two operating modes
// sit. The mode is selected once at construction and never changes at
// runtime.
type Scheduler interface {
	// Submit hands a pending task to the scheduler. In background mode it
	// returns immediately; in sync mode it returns after the task is
	// terminal. Returns ErrQueueClosed after Shutdown.
	Submit(t *Task) error

	// Cancel requests cooperative cancellation of the task. Background mode
	// reports whether the request was registered; sync mode always reports
	// false, since submit has already run the task to completion.
	Cancel(t *Task, reason string) bool

	// Wait blocks the caller until the task is terminal or the timeout
	// elapses (ErrWaitTimeout). It never blocks a worker.
	Wait(t *Task, timeout time.Duration) error

	// IsCompiling reports whether the task is still in flight. Always false
	// in sync mode.
	IsCompiling(t *Task) bool

	// Shutdown stops the scheduler: queued tasks are cancelled, running
	// tasks finish naturally, and further submissions fail fast. It blocks
	// until all workers have exited and is safe to call more than once.
	Shutdown()
}
