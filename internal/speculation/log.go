// Package speculation provides the append-only log of runtime assumptions
// that compiled artifacts rely on. The execution path records speculation
// failures; the compilation path only ever reads snapshots, so failure
// counts are monotonically non-decreasing and never touched by a compiler.
package speculation

import "sync"

// Log tracks per-speculation failure counts for one execution engine.
// It is safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	counts map[string]int
}

// NewLog creates an empty speculation log.
func NewLog() *Log {
	return &Log{counts: make(map[string]int)}
}

// Fail records one observed failure of the given speculation and returns the
// new count. Only the execution path that observed the failure may call this.
func (l *Log) Fail(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[id]++
	return l.counts[id]
}

// FailureCount returns the current failure count for the given speculation.
func (l *Log) FailureCount(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[id]
}

// Snapshot returns an immutable copy of the log state. Artifacts are compiled
// against a snapshot so later failures never mutate what an installed artifact
// was validated against.
func (l *Log) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[string]int, len(l.counts))
	for id, n := range l.counts {
		counts[id] = n
	}
	return Snapshot{counts: counts}
}

// Snapshot is a frozen view of the speculation log at compile time.
type Snapshot struct {
	counts map[string]int
}

// FailureCount returns the failure count of the given speculation at snapshot time.
func (s Snapshot) FailureCount(id string) int {
	return s.counts[id]
}

// Permitted reports whether a speculation may still be taken: it is permitted
// while its failure count at snapshot time is below the limit. A compiler
// consults this before baking the assumption into an artifact.
func (s Snapshot) Permitted(id string, limit int) bool {
	return s.counts[id] < limit
}

// Len returns the number of speculations with at least one recorded failure.
func (s Snapshot) Len() int {
	return len(s.counts)
}
