package compile

import (
	"sync"
	"time"
)

// SyncScheduler runs each task to completion on the submitting thread.
// There is no separate worker and no meaningful cancellation: once Submit
// has unconditionally started the task, the caller is blocked on it.
type SyncScheduler struct {
	runner Runner

	mu     sync.Mutex
	closed bool
}

// NewSyncScheduler creates a synchronous scheduler.
func NewSyncScheduler(runner Runner) *SyncScheduler {
	return &SyncScheduler{runner: runner}
}

// Submit runs the task inline and returns once it is terminal.
func (s *SyncScheduler) Submit(t *Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrQueueClosed
	}
	s.mu.Unlock()

	if t.Claim() {
		s.runner(t)
	}
	return nil
}

// Cancel always reports false: there is never a task to cancel after Submit
// has returned.
func (s *SyncScheduler) Cancel(_ *Task, _ string) bool {
	return false
}

// Wait returns the task's terminal outcome immediately; Submit already
// blocked until the task finished.
func (s *SyncScheduler) Wait(t *Task, timeout time.Duration) error {
	return t.Wait(timeout)
}

// IsCompiling always reports false in synchronous mode.
func (s *SyncScheduler) IsCompiling(_ *Task) bool {
	return false
}

// Shutdown refuses further submissions.
func (s *SyncScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
