package compile

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// errRunnerAbandoned marks a task its runner left non-terminal, which would
// otherwise wedge every waiter.
var errRunnerAbandoned = errors.New("runner abandoned task")

// Default sizing for the background scheduler.
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
)

// BackgroundScheduler runs tasks on a fixed-size worker pool pulling FIFO
// from a bounded queue. FIFO is a scheduling hint, not an ordering contract:
// tasks for different units may complete in any order.
type BackgroundScheduler struct {
	runner Runner
	logger *slog.Logger
	tasks  chan *Task

	mu       sync.Mutex
	closed   bool
	draining bool

	wg sync.WaitGroup
}

// NewBackgroundScheduler creates the scheduler and starts its workers.
// Non-positive workers or queueSize fall back to the defaults.
func NewBackgroundScheduler(workers, queueSize int, runner Runner, logger *slog.Logger) *BackgroundScheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	s := &BackgroundScheduler{
		runner: runner,
		logger: logger,
		tasks:  make(chan *Task, queueSize),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit appends the task to the queue and returns immediately.
func (s *BackgroundScheduler) Submit(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrQueueClosed
	}

	select {
	case s.tasks <- t:
		queueDepth.Inc()
		return nil
	default:
		// Queue full. Treat like a closed queue rather than blocking the
		// execution path that noticed the unit was hot.
		return ErrQueueClosed
	}
}

// Cancel requests cooperative cancellation of the task.
func (s *BackgroundScheduler) Cancel(t *Task, reason string) bool {
	return t.Cancel(reason)
}

// Wait blocks the caller until the task is terminal or the timeout elapses.
func (s *BackgroundScheduler) Wait(t *Task, timeout time.Duration) error {
	return t.Wait(timeout)
}

// IsCompiling reports whether the task is still in flight.
func (s *BackgroundScheduler) IsCompiling(t *Task) bool {
	return !t.Terminal()
}

// Shutdown closes the queue, cancels tasks that never started, and waits for
// workers to finish the tasks they are already running.
func (s *BackgroundScheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	s.draining = true
	close(s.tasks)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *BackgroundScheduler) worker() {
	defer s.wg.Done()
	for t := range s.tasks {
		queueDepth.Dec()

		s.mu.Lock()
		draining := s.draining
		s.mu.Unlock()
		if draining {
			t.Cancel("queue shutdown")
			continue
		}

		// Claim fails when the task was cancelled while queued.
		if !t.Claim() {
			continue
		}
		queueWait.Observe(time.Since(t.CreatedAt).Seconds())
		s.runner(t)

		if !t.Terminal() {
			// A runner must leave its task terminal; anything else wedges
			// every waiter on this task.
			s.logger.Error("runner returned with non-terminal task", "task_id", t.ID, "state", t.State())
			t.Fail(errRunnerAbandoned)
		}
	}
}
