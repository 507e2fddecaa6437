package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/code"
	"github.com/kilnvm/kiln/internal/compile"
	"github.com/kilnvm/kiln/internal/model"
	"github.com/kilnvm/kiln/internal/speculation"
	"github.com/kilnvm/kiln/internal/store"
)

// Default tuning for the manager.
const (
	DefaultCallThreshold  = 1000
	DefaultLoopThreshold  = 100
	DefaultCompileTimeout = 30 * time.Second
)

// ErrUnknownUnit is returned for operations on a unit that was never registered.
var ErrUnknownUnit = errors.New("unknown unit")

// Config holds manager construction options. Background selects the
// multi-threaded scheduler; it is fixed for the manager's lifetime.
type Config struct {
	Background     bool
	Workers        int
	QueueSize      int
	CallThreshold  int64
	LoopThreshold  int64
	CompileTimeout time.Duration
}

// Manager is the facade the execution engine talks to: it owns the unit
// table, the scheduler, the installed-code registry, and the speculation
// log, and drives every compilation task from submit to terminal state.
type Manager struct {
	cfg       Config
	store     store.Store
	compilers *backend.Registry
	codes     *code.Registry
	specLog   *speculation.Log
	broker    *EventBroker
	logger    *slog.Logger
	sched     compile.Scheduler

	mu       sync.Mutex
	units    map[string]*model.Unit
	inflight map[string]*compile.Task // at most one non-terminal task per unit
	last     map[string]*compile.Task
	eventSeq map[string]int
}

// NewManager creates a manager with the given collaborators. The scheduling
// mode is chosen here, once, from cfg.Background.
func NewManager(cfg Config, s store.Store, compilers *backend.Registry, codes *code.Registry, logger *slog.Logger) *Manager {
	if cfg.CallThreshold <= 0 {
		cfg.CallThreshold = DefaultCallThreshold
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = DefaultLoopThreshold
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = DefaultCompileTimeout
	}

	m := &Manager{
		cfg:       cfg,
		store:     s,
		compilers: compilers,
		codes:     codes,
		specLog:   speculation.NewLog(),
		broker:    NewEventBroker(),
		logger:    logger,
		units:     make(map[string]*model.Unit),
		inflight:  make(map[string]*compile.Task),
		last:      make(map[string]*compile.Task),
		eventSeq:  make(map[string]int),
	}

	if cfg.Background {
		m.sched = compile.NewBackgroundScheduler(cfg.Workers, cfg.QueueSize, m.runTask, logger)
	} else {
		m.sched = compile.NewSyncScheduler(m.runTask)
	}
	return m
}

// Broker returns the manager's event broker for SSE subscription.
func (m *Manager) Broker() *EventBroker {
	return m.broker
}

// SpeculationLog returns the manager's speculation log. The execution path
// records failures on it; compilers only ever see snapshots.
func (m *Manager) SpeculationLog() *speculation.Log {
	return m.specLog
}

// RegisterUnit adds a compilation unit to the manager's table and returns it.
// Kind defaults to function, tier to auto.
func (m *Manager) RegisterUnit(name, kind, tier string, payload []byte) *model.Unit {
	if kind == "" {
		kind = model.KindFunction
	}
	if tier == "" {
		tier = model.TierAuto
	}
	u := &model.Unit{
		ID:        model.NewID(),
		Name:      name,
		Kind:      kind,
		Tier:      tier,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.units[u.ID] = u
	m.mu.Unlock()
	return u
}

// Unit returns a registered unit by ID.
func (m *Manager) Unit(id string) (*model.Unit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	return u, ok
}

// Units returns all registered units sorted by name.
func (m *Manager) Units() []*model.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	units := make([]*model.Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].Name != units[j].Name {
			return units[i].Name < units[j].Name
		}
		return units[i].ID < units[j].ID
	})
	return units
}

// Submit requests compilation of the unit. If the unit already has a
// non-terminal task, that task is returned unchanged: the same unit is never
// compiled twice concurrently. In background mode Submit returns as soon as
// the task is queued; in sync mode it returns with the task already terminal.
func (m *Manager) Submit(unitID, reason string) (*compile.Task, error) {
	m.mu.Lock()
	unit, ok := m.units[unitID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownUnit
	}
	if cur := m.inflight[unitID]; cur != nil && !cur.Terminal() {
		m.mu.Unlock()
		return cur, nil
	}
	t := compile.NewTask(unit, unit.Tier, reason)
	m.inflight[unitID] = t
	m.last[unitID] = t
	m.mu.Unlock()

	row := &model.Compilation{
		ID:        t.ID,
		UnitID:    unit.ID,
		UnitName:  unit.Name,
		Tier:      t.Tier,
		State:     model.StatePending,
		Reason:    reason,
		CreatedAt: t.CreatedAt,
	}
	if err := m.store.CreateCompilation(context.Background(), row); err != nil {
		m.logger.Error("failed to persist pending compilation", "task_id", t.ID, "error", err)
	}

	compilationsSubmitted.Inc()
	m.event(unitID, fmt.Sprintf("task %s queued (tier %s, reason: %s)", t.ID, t.Tier, reason))

	if err := m.sched.Submit(t); err != nil {
		t.Cancel("queue closed")
		m.finalizeUnclaimed(t)
		return nil, err
	}
	return t, nil
}

// Finish optionally blocks until the task is terminal. With mayBlock false it
// is a no-op; callers that do not want to block poll IsCompiling instead. In
// sync mode the task is already terminal when Submit returns, so Finish
// returns immediately either way.
func (m *Manager) Finish(t *compile.Task, mayBlock bool) {
	if t == nil || !mayBlock {
		return
	}
	<-t.Done()
}

// Cancel requests cancellation of the unit's current task. The return value
// reports whether a task existed and cancellation was requested, not whether
// the task stopped before producing a result; that is observed through its
// terminal state. Always false in sync mode.
func (m *Manager) Cancel(unitID, reason string) bool {
	m.mu.Lock()
	t := m.inflight[unitID]
	m.mu.Unlock()
	if t == nil {
		return false
	}

	requested := m.sched.Cancel(t, reason)
	if requested && !t.Claimed() && t.Terminal() {
		// Cancelled before any worker claimed it: no runner will ever
		// finalize this task, so the manager does.
		m.finalizeUnclaimed(t)
	}
	return requested
}

// Wait blocks until the unit's current task is terminal or the timeout
// elapses, returning compile.ErrWaitTimeout in the latter case. A timeout
// never cancels the task. With no task in flight Wait returns immediately.
func (m *Manager) Wait(unitID string, timeout time.Duration) error {
	m.mu.Lock()
	t := m.inflight[unitID]
	m.mu.Unlock()
	if t == nil {
		return nil
	}
	return m.sched.Wait(t, timeout)
}

// IsCompiling reports whether the unit has a task in flight. Always false in
// sync mode.
func (m *Manager) IsCompiling(unitID string) bool {
	m.mu.Lock()
	t := m.inflight[unitID]
	m.mu.Unlock()
	return t != nil && m.sched.IsCompiling(t)
}

// Entry returns the unit's installed code, if any. This is the dispatch
// lookup on the execution hot path.
func (m *Manager) Entry(unitID string) (*code.Installed, bool) {
	return m.codes.Lookup(unitID)
}

// Status answers the diagnostic query for a unit: what the dispatch loop
// would see right now, or how the last attempt ended.
func (m *Manager) Status(unitID string) string {
	m.mu.Lock()
	t := m.inflight[unitID]
	lastT := m.last[unitID]
	m.mu.Unlock()

	if t != nil && !t.Terminal() {
		if t.State() == model.StateRunning {
			return model.StatusRunning
		}
		return model.StatusPending
	}
	if _, ok := m.codes.Lookup(unitID); ok {
		return model.StatusInstalled
	}
	if lastT != nil {
		switch lastT.State() {
		case model.StateFailed:
			return model.StatusFailed
		case model.StateCancelled:
			return model.StatusCancelled
		}
	}
	return model.StatusNotCompiled
}

// Invalidate evicts the unit's installed code if it still holds the artifact
// with the given identity, and reports whether an eviction happened. A
// mismatch means the artifact was already replaced; that is a no-op, not an
// error. Invalidation never triggers recompilation by itself.
func (m *Manager) Invalidate(unitID, artifactID, reason string) bool {
	if !m.codes.Invalidate(unitID, artifactID) {
		return false
	}
	invalidations.Inc()
	installedUnits.Set(float64(m.codes.Len()))
	m.event(unitID, fmt.Sprintf("artifact %s invalidated: %s", artifactID, reason))
	m.logger.Info("installed code invalidated",
		"unit_id", unitID, "artifact_id", artifactID, "reason", reason)
	return true
}

// NotifySpeculationFailure records a failed speculation observed by the
// execution path and invalidates the artifact that relied on it.
func (m *Manager) NotifySpeculationFailure(unitID, specID, artifactID string) {
	count := m.specLog.Fail(specID)
	m.logger.Info("speculation failed",
		"unit_id", unitID, "speculation", specID, "failures", count)
	m.Invalidate(unitID, artifactID, "speculation failed: "+specID)
}

// NotifyCall records one invocation of the unit, submitting it for
// compilation when the call threshold is crossed. The returned task is nil
// while the unit is below threshold, already installed, or already in flight.
func (m *Manager) NotifyCall(unitID string) (*compile.Task, error) {
	return m.notifyHot(unitID, (*model.Unit).NotifyCall, m.cfg.CallThreshold, "call threshold")
}

// NotifyLoopBack records one loop back-edge, submitting the unit when the
// loop threshold is crossed (on-stack replacement request).
func (m *Manager) NotifyLoopBack(unitID string) (*compile.Task, error) {
	return m.notifyHot(unitID, (*model.Unit).NotifyLoopBack, m.cfg.LoopThreshold, "loop threshold")
}

func (m *Manager) notifyHot(unitID string, bump func(*model.Unit) int64, threshold int64, reason string) (*compile.Task, error) {
	m.mu.Lock()
	unit, ok := m.units[unitID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownUnit
	}

	if bump(unit) < threshold {
		return nil, nil
	}
	if _, installed := m.codes.Lookup(unitID); installed {
		return nil, nil
	}
	if m.IsCompiling(unitID) {
		return nil, nil
	}
	return m.Submit(unitID, reason)
}

// Shutdown stops the scheduler, persists the cancellation of tasks drained
// from the queue, and drops the installed-code registry. The manager accepts
// no further submissions afterwards.
func (m *Manager) Shutdown() {
	m.sched.Shutdown()

	m.mu.Lock()
	drained := make([]*compile.Task, 0, len(m.inflight))
	for _, t := range m.inflight {
		drained = append(drained, t)
	}
	m.mu.Unlock()

	for _, t := range drained {
		if !t.Claimed() && t.Terminal() {
			m.finalizeUnclaimed(t)
		}
	}

	m.codes.Drop()
	installedUnits.Set(0)
}

// runTask drives one claimed task to a terminal state. It is the Runner the
// schedulers invoke; by the time it returns the task is terminal, the store
// row reflects the outcome, and the unit's in-flight slot is free.
func (m *Manager) runTask(t *compile.Task) {
	unitID := t.Unit.ID
	defer m.broker.EndAttempt(unitID)
	defer m.clearInFlight(t)

	claimedAt := time.Now()
	queueMS := int(claimedAt.Sub(t.CreatedAt).Milliseconds())

	if err := m.store.UpdateCompilationState(context.Background(), t.ID, model.StateRunning); err != nil {
		m.logger.Error("failed to transition compilation to running", "task_id", t.ID, "error", err)
	}
	m.event(unitID, fmt.Sprintf("task %s claimed by worker", t.ID))

	snap := m.specLog.Snapshot()

	comp, err := m.compilers.Resolve(t.Tier, t.Unit.Kind)
	if err != nil {
		final := t.Fail(&backend.CompileError{UnitID: unitID, Tier: t.Tier, Detail: err.Error()})
		m.finalize(t, final, queueMS, 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CompileTimeout)
	defer cancel()

	req := backend.CompileRequest{
		TaskID:       t.ID,
		UnitID:       unitID,
		UnitName:     t.Unit.Name,
		Kind:         t.Unit.Kind,
		Tier:         t.Tier,
		Payload:      t.Unit.Payload,
		Speculations: snap,
		Cancelled:    t.Cancelled,
		Trace: func(line string) {
			m.event(unitID, line)
		},
	}

	start := time.Now()
	art, err := m.invokeCompiler(ctx, comp, req)
	elapsed := time.Since(start)
	compileMS := int(elapsed.Milliseconds())
	compileDuration.Observe(elapsed.Seconds())

	var final string
	if err != nil {
		cerr := err
		var ce *backend.CompileError
		if !errors.As(err, &ce) {
			cerr = &backend.CompileError{UnitID: unitID, Tier: t.Tier, Detail: err.Error()}
		}
		final = t.Fail(cerr)
	} else {
		final = t.Complete(art, func(a *backend.Artifact) error {
			return m.install(t.Unit, a, snap)
		})
	}
	m.finalize(t, final, queueMS, compileMS)
}

// invokeCompiler calls the backend with panic containment: a panicking
// compiler terminates its own task as failed and never reaches the execution
// thread of an unrelated unit.
func (m *Manager) invokeCompiler(ctx context.Context, comp backend.Compiler, req backend.CompileRequest) (art *backend.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			art = nil
			err = &backend.CompileError{
				UnitID: req.UnitID,
				Tier:   req.Tier,
				Detail: fmt.Sprintf("compiler panic: %v", r),
			}
			m.logger.Error("compiler panicked", "unit_id", req.UnitID, "panic", r)
		}
	}()
	return comp.Compile(ctx, req)
}

// install puts the artifact into the code registry, replacing any prior
// entry for the unit. Runs inside the task's terminal transition so the
// cancellation check and the install are one atomic decision.
func (m *Manager) install(unit *model.Unit, art *backend.Artifact, snap speculation.Snapshot) error {
	if err := m.codes.Install(code.NewInstalled(unit.ID, art, snap)); err != nil {
		return fmt.Errorf("install %s: %w", art.ID, err)
	}
	installedUnits.Set(float64(m.codes.Len()))
	return nil
}

// finalize persists the terminal outcome and emits metrics and events.
func (m *Manager) finalize(t *compile.Task, final string, queueMS, compileMS int) {
	art, taskErr := t.Result()
	now := time.Now().UTC()
	started := now.Add(-time.Duration(compileMS) * time.Millisecond)

	row := &model.Compilation{
		ID:         t.ID,
		State:      final,
		QueueMS:    &queueMS,
		CompileMS:  &compileMS,
		StartedAt:  &started,
		FinishedAt: &now,
	}
	if art != nil {
		row.ArtifactID = art.ID
	}
	if taskErr != nil {
		row.Error = taskErr.Error()
	}
	if err := m.store.UpdateCompilation(context.Background(), row); err != nil {
		m.logger.Error("failed to persist terminal compilation", "task_id", t.ID, "error", err)
	}

	compilationsFinished.WithLabelValues(final).Inc()

	switch final {
	case model.StateCompleted:
		m.event(t.Unit.ID, fmt.Sprintf("artifact %s installed (%d bytes)", art.ID, art.Size))
		m.logger.Info("compilation completed",
			"unit_id", t.Unit.ID, "task_id", t.ID, "artifact_id", art.ID, "compile_ms", compileMS)
	case model.StateFailed:
		m.event(t.Unit.ID, "compilation failed: "+row.Error)
		m.logger.Warn("compilation failed",
			"unit_id", t.Unit.ID, "task_id", t.ID, "error", row.Error)
	case model.StateCancelled:
		// A result that raced the cancellation was discarded, not installed;
		// this is a caller-initiated outcome, not an error.
		m.event(t.Unit.ID, "compilation cancelled: "+t.CancelReason())
		m.logger.Info("compilation cancelled",
			"unit_id", t.Unit.ID, "task_id", t.ID, "reason", t.CancelReason())
	}
}

// finalizeUnclaimed persists the cancellation of a task no worker will ever
// run. Safe to call more than once for the same task.
func (m *Manager) finalizeUnclaimed(t *compile.Task) {
	m.mu.Lock()
	if m.inflight[t.Unit.ID] != t {
		m.mu.Unlock()
		return
	}
	delete(m.inflight, t.Unit.ID)
	m.mu.Unlock()

	if err := m.store.UpdateCompilationState(context.Background(), t.ID, model.StateCancelled); err != nil {
		m.logger.Error("failed to persist cancelled compilation", "task_id", t.ID, "error", err)
	}
	compilationsFinished.WithLabelValues(model.StateCancelled).Inc()
	m.event(t.Unit.ID, "compilation cancelled before start: "+t.CancelReason())
	m.broker.EndAttempt(t.Unit.ID)
}

// clearInFlight frees the unit's in-flight slot if it still points at t.
func (m *Manager) clearInFlight(t *compile.Task) {
	m.mu.Lock()
	if m.inflight[t.Unit.ID] == t {
		delete(m.inflight, t.Unit.ID)
	}
	m.mu.Unlock()
}

// event dual-writes one lifecycle line: persisted for historical viewing,
// then published for live SSE subscribers.
func (m *Manager) event(unitID, line string) {
	m.mu.Lock()
	seq := m.eventSeq[unitID]
	m.eventSeq[unitID]++
	m.mu.Unlock()

	if err := m.store.InsertEventLine(context.Background(), unitID, seq, line); err != nil {
		m.logger.Error("failed to persist event line", "unit_id", unitID, "seq", seq, "error", err)
	}
	m.broker.Publish(unitID, line)
}
