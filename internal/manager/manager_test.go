package manager_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/code"
	"github.com/kilnvm/kiln/internal/compile"
	"github.com/kilnvm/kiln/internal/manager"
	"github.com/kilnvm/kiln/internal/model"
	"github.com/kilnvm/kiln/internal/store"
)

// fakeCompiler is a configurable mock compiler for manager tests.
type fakeCompiler struct {
	delay        time.Duration
	err          error
	panicMsg     string
	ignoreCancel bool

	mu      sync.Mutex
	started chan struct{} // closed when the first Compile call begins
	block   chan struct{} // if non-nil, Compile waits for it before returning
}

func (f *fakeCompiler) Compile(ctx context.Context, req backend.CompileRequest) (*backend.Artifact, error) {
	f.mu.Lock()
	if f.started != nil {
		select {
		case <-f.started:
		default:
			close(f.started)
		}
	}
	f.mu.Unlock()

	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !f.ignoreCancel && req.Cancelled() {
		return nil, context.Canceled
	}
	if f.err != nil {
		return nil, f.err
	}
	return &backend.Artifact{
		ID:        model.NewArtifactID(),
		UnitID:    req.UnitID,
		Tier:      req.Tier,
		Code:      req.Payload,
		Size:      len(req.Payload),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeCompiler) Capabilities() backend.CompilerCapabilities {
	return backend.CompilerCapabilities{
		Name:           "fake",
		SupportedKinds: []string{model.KindFunction, model.KindLoop},
		SupportedTiers: []string{model.TierBaseline},
		MaxConcurrency: 4,
	}
}

func newTestManager(t *testing.T, cfg manager.Config, comp backend.Compiler) (*manager.Manager, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := backend.NewRegistry()
	reg.Register(model.TierBaseline, comp)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m := manager.NewManager(cfg, s, reg, code.NewRegistry(0), logger)
	t.Cleanup(m.Shutdown)
	return m, s
}

func backgroundConfig() manager.Config {
	return manager.Config{Background: true, Workers: 2, QueueSize: 16}
}

func registerUnit(m *manager.Manager) *model.Unit {
	return m.RegisterUnit("fib", model.KindFunction, model.TierBaseline, []byte("bytecode"))
}

// waitForStatus polls the manager until the unit reaches the expected status.
func waitForStatus(t *testing.T, m *manager.Manager, unitID, expected string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Status(unitID) == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("unit %s did not reach status %q within %v (now %q)", unitID, expected, timeout, m.Status(unitID))
}

func TestSubmitHappyPath(t *testing.T) {
	m, s := newTestManager(t, backgroundConfig(), &fakeCompiler{delay: 10 * time.Millisecond})
	u := registerUnit(m)

	task, err := m.Submit(u.ID, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := task.State(); got != model.StateCompleted {
		t.Fatalf("task state = %q, want completed", got)
	}
	if got := m.Status(u.ID); got != model.StatusInstalled {
		t.Errorf("Status = %q, want installed", got)
	}

	art, _ := task.Result()
	inst, ok := m.Entry(u.ID)
	if !ok || inst.Artifact.ID != art.ID {
		t.Errorf("Entry = (%v, %v), want task's artifact installed", inst, ok)
	}

	// Terminal record persisted.
	rec, err := s.GetCompilation(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetCompilation: %v", err)
	}
	if rec.State != model.StateCompleted || rec.ArtifactID != art.ID {
		t.Errorf("record = %s/%s, want completed/%s", rec.State, rec.ArtifactID, art.ID)
	}
}

func TestSubmitCoalesces(t *testing.T) {
	blocked := &fakeCompiler{block: make(chan struct{}), started: make(chan struct{})}
	m, _ := newTestManager(t, backgroundConfig(), blocked)
	u := registerUnit(m)

	first, err := m.Submit(u.ID, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := m.Submit(u.ID, "test again")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if first != second {
		t.Error("second Submit returned a different task while the first was in flight")
	}

	close(blocked.block)
	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// After the task is terminal, a new submission creates a new task.
	third, err := m.Submit(u.ID, "recompile")
	if err != nil {
		t.Fatalf("third Submit: %v", err)
	}
	if third == first {
		t.Error("Submit after terminal task returned the old task")
	}
}

func TestSubmitUnknownUnit(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{})

	if _, err := m.Submit(model.NewID(), "test"); !errors.Is(err, manager.ErrUnknownUnit) {
		t.Errorf("Submit = %v, want ErrUnknownUnit", err)
	}
}

func TestCompileFailureLeavesUnitInterpreted(t *testing.T) {
	m, s := newTestManager(t, backgroundConfig(), &fakeCompiler{err: errors.New("graph too large")})
	u := registerUnit(m)

	task, err := m.Submit(u.ID, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := task.State(); got != model.StateFailed {
		t.Fatalf("task state = %q, want failed", got)
	}
	_, taskErr := task.Result()
	var ce *backend.CompileError
	if !errors.As(taskErr, &ce) {
		t.Errorf("task error = %v, want CompileError", taskErr)
	}
	if got := m.Status(u.ID); got != model.StatusFailed {
		t.Errorf("Status = %q, want failed", got)
	}
	if _, ok := m.Entry(u.ID); ok {
		t.Error("failed unit has installed code")
	}

	rec, err := s.GetCompilation(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetCompilation: %v", err)
	}
	if rec.State != model.StateFailed || rec.Error == "" {
		t.Errorf("record = %s/%q, want failed with error detail", rec.State, rec.Error)
	}
}

func TestCompilerPanicIsContained(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{panicMsg: "nil node"})
	u := registerUnit(m)

	task, err := m.Submit(u.ID, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := task.State(); got != model.StateFailed {
		t.Fatalf("task state after panic = %q, want failed", got)
	}
	_, taskErr := task.Result()
	var ce *backend.CompileError
	if !errors.As(taskErr, &ce) {
		t.Fatalf("task error = %v, want CompileError", taskErr)
	}
}

func TestCancelledResultIsDiscarded(t *testing.T) {
	// The backend ignores the cancellation flag and produces an artifact
	// anyway; the manager must discard it, never install it.
	comp := &fakeCompiler{ignoreCancel: true, started: make(chan struct{}), block: make(chan struct{})}
	m, _ := newTestManager(t, backgroundConfig(), comp)
	u := registerUnit(m)

	if _, err := m.Submit(u.ID, "test"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-comp.started

	if !m.Cancel(u.ID, "caller gave up") {
		t.Fatal("Cancel = false with a task in flight")
	}
	close(comp.block)

	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	waitForStatus(t, m, u.ID, model.StatusCancelled, time.Second)
	if _, ok := m.Entry(u.ID); ok {
		t.Error("cancelled unit has installed code")
	}
}

func TestCancelQueuedTask(t *testing.T) {
	comp := &fakeCompiler{started: make(chan struct{}), block: make(chan struct{})}
	defer close(comp.block)
	m, s := newTestManager(t, manager.Config{Background: true, Workers: 1, QueueSize: 16}, comp)

	// Occupy the single worker.
	busy := registerUnit(m)
	if _, err := m.Submit(busy.ID, "test"); err != nil {
		t.Fatalf("Submit busy: %v", err)
	}
	<-comp.started

	queued := m.RegisterUnit("sum", model.KindFunction, model.TierBaseline, []byte("bytecode"))
	task, err := m.Submit(queued.ID, "test")
	if err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	if !m.Cancel(queued.ID, "no longer hot") {
		t.Fatal("Cancel on queued task = false")
	}
	if got := task.State(); got != model.StateCancelled {
		t.Fatalf("queued task state = %q, want cancelled", got)
	}
	if got := m.Status(queued.ID); got != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got)
	}

	// The manager, not a worker, persisted the cancellation.
	rec, err := s.GetCompilation(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetCompilation: %v", err)
	}
	if rec.State != model.StateCancelled {
		t.Errorf("record state = %q, want cancelled", rec.State)
	}
}

func TestCancelWithoutTask(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{})
	u := registerUnit(m)

	if m.Cancel(u.ID, "nothing there") {
		t.Error("Cancel with no task = true, want false")
	}
}

func TestWaitTimeoutDistinctFromFailure(t *testing.T) {
	comp := &fakeCompiler{block: make(chan struct{})}
	defer close(comp.block)
	m, _ := newTestManager(t, backgroundConfig(), comp)
	u := registerUnit(m)

	if _, err := m.Submit(u.ID, "test"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err := m.Wait(u.ID, 20*time.Millisecond)
	if !errors.Is(err, compile.ErrWaitTimeout) {
		t.Fatalf("Wait = %v, want ErrWaitTimeout", err)
	}
	var ce *backend.CompileError
	if errors.As(err, &ce) {
		t.Error("wait timeout must not be a compilation failure")
	}
	// The timeout did not cancel the task.
	if !m.IsCompiling(u.ID) {
		t.Error("task no longer in flight after wait timeout")
	}
}

func TestWaitZeroOnTerminalTask(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{})
	u := registerUnit(m)

	if _, err := m.Submit(u.ID, "test"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// No task in flight anymore: zero-timeout wait returns immediately.
	start := time.Now()
	if err := m.Wait(u.ID, 0); err != nil {
		t.Errorf("Wait(0) = %v, want nil", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("Wait(0) blocked")
	}
}

func TestFinishBlocks(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{delay: 20 * time.Millisecond})
	u := registerUnit(m)

	task, err := m.Submit(u.ID, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	m.Finish(task, true)
	if !task.Terminal() {
		t.Error("task not terminal after blocking Finish")
	}

	// Non-blocking Finish is a no-op even for nil tasks.
	m.Finish(nil, false)
	m.Finish(nil, true)
}

func TestInvalidateEvictsAndFallsBack(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{})
	u := registerUnit(m)

	task, err := m.Submit(u.ID, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	art, _ := task.Result()

	if !m.Invalidate(u.ID, art.ID, "assumption violated") {
		t.Fatal("Invalidate with matching artifact = false")
	}
	// Dispatch falls back to interpretation.
	if _, ok := m.Entry(u.ID); ok {
		t.Error("Entry after invalidate still returns code")
	}
	if got := m.Status(u.ID); got == model.StatusInstalled {
		t.Error("Status still installed after invalidate")
	}

	// Second invalidation of the same artifact is a no-op.
	if m.Invalidate(u.ID, art.ID, "again") {
		t.Error("repeated Invalidate = true, want false")
	}
}

func TestInvalidateStaleArtifactIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{})
	u := registerUnit(m)

	if _, err := m.Submit(u.ID, "test"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// Invalidation racing a replacement: the target identity no longer
	// matches what is installed, so nothing is evicted.
	if m.Invalidate(u.ID, "art_STALE", "late deopt") {
		t.Error("Invalidate with stale identity = true, want false")
	}
	if _, ok := m.Entry(u.ID); !ok {
		t.Error("stale Invalidate evicted current code")
	}
}

func TestNotifySpeculationFailure(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{})
	u := registerUnit(m)

	task, err := m.Submit(u.ID, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	art, _ := task.Result()

	specID := u.ID + ":dispatch-guard"
	m.NotifySpeculationFailure(u.ID, specID, art.ID)

	if got := m.SpeculationLog().FailureCount(specID); got != 1 {
		t.Errorf("failure count = %d, want 1", got)
	}
	if _, ok := m.Entry(u.ID); ok {
		t.Error("artifact survived a speculation failure")
	}
}

func TestNotifyCallThreshold(t *testing.T) {
	cfg := backgroundConfig()
	cfg.CallThreshold = 3
	m, _ := newTestManager(t, cfg, &fakeCompiler{})
	u := registerUnit(m)

	for i := 0; i < 2; i++ {
		task, err := m.NotifyCall(u.ID)
		if err != nil {
			t.Fatalf("NotifyCall %d: %v", i, err)
		}
		if task != nil {
			t.Fatalf("NotifyCall %d submitted below threshold", i)
		}
	}

	task, err := m.NotifyCall(u.ID)
	if err != nil {
		t.Fatalf("NotifyCall at threshold: %v", err)
	}
	if task == nil {
		t.Fatal("NotifyCall at threshold did not submit")
	}

	if err := m.Wait(u.ID, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	waitForStatus(t, m, u.ID, model.StatusInstalled, time.Second)

	// Further calls on an installed unit do not resubmit.
	if task, _ := m.NotifyCall(u.ID); task != nil {
		t.Error("NotifyCall resubmitted an installed unit")
	}
}

func TestSyncModeSubmitBlocksUntilDone(t *testing.T) {
	m, _ := newTestManager(t, manager.Config{Background: false}, &fakeCompiler{delay: 10 * time.Millisecond})
	u := registerUnit(m)

	task, err := m.Submit(u.ID, "test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Submit never returns before the unit is installed or failed.
	if got := task.State(); got != model.StateCompleted {
		t.Fatalf("task state after sync Submit = %q, want completed", got)
	}
	if got := m.Status(u.ID); got != model.StatusInstalled {
		t.Errorf("Status = %q, want installed", got)
	}
	if m.IsCompiling(u.ID) {
		t.Error("IsCompiling = true right after sync Submit")
	}
}

func TestSyncModeCancelAlwaysFalse(t *testing.T) {
	m, _ := newTestManager(t, manager.Config{Background: false}, &fakeCompiler{})
	u := registerUnit(m)

	if m.Cancel(u.ID, "before submit") {
		t.Error("Cancel before submit = true")
	}
	if _, err := m.Submit(u.ID, "test"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m.Cancel(u.ID, "after submit") {
		t.Error("Cancel after sync submit = true, want false")
	}
}

func TestShutdownCancelsPendingInstallsRunning(t *testing.T) {
	comp := &fakeCompiler{started: make(chan struct{}), block: make(chan struct{})}
	m, _ := newTestManager(t, manager.Config{Background: true, Workers: 1, QueueSize: 16}, comp)

	running := registerUnit(m)
	runningTask, err := m.Submit(running.ID, "test")
	if err != nil {
		t.Fatalf("Submit running: %v", err)
	}
	<-comp.started

	pending := make([]*compile.Task, 3)
	for i := range pending {
		u := m.RegisterUnit("queued", model.KindFunction, model.TierBaseline, []byte("bytecode"))
		pending[i], err = m.Submit(u.ID, "test")
		if err != nil {
			t.Fatalf("Submit pending[%d]: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	close(comp.block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	// The running task finished and installed normally before teardown.
	if got := runningTask.State(); got != model.StateCompleted {
		t.Errorf("running task state = %q, want completed", got)
	}
	for i, p := range pending {
		if got := p.State(); got != model.StateCancelled {
			t.Errorf("pending[%d] state = %q, want cancelled", i, got)
		}
	}

	// Queue is terminal: further submissions fail fast.
	u := registerUnit(m)
	if _, err := m.Submit(u.ID, "late"); !errors.Is(err, compile.ErrQueueClosed) {
		t.Errorf("Submit after Shutdown = %v, want ErrQueueClosed", err)
	}
}

func TestStatusNotCompiled(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{})
	u := registerUnit(m)

	if got := m.Status(u.ID); got != model.StatusNotCompiled {
		t.Errorf("Status of fresh unit = %q, want not_compiled", got)
	}
}

func TestUnitsSorted(t *testing.T) {
	m, _ := newTestManager(t, backgroundConfig(), &fakeCompiler{})
	m.RegisterUnit("zeta", model.KindFunction, model.TierBaseline, []byte("z"))
	m.RegisterUnit("alpha", model.KindFunction, model.TierBaseline, []byte("a"))

	units := m.Units()
	if len(units) != 2 || units[0].Name != "alpha" || units[1].Name != "zeta" {
		t.Errorf("Units() order wrong: %v", units)
	}
}
