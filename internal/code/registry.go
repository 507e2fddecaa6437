// Package code holds the installed-code registry: the per-unit mapping from
// a compilation unit to its currently active compiled artifact. It is the
// only structure touched by both the execution path (reads, to dispatch) and
// the compilation path (writes, to install), so every mutation of a unit's
// entry is serialized and reads observe either the old or the new artifact,
// never a partial update.
package code

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/speculation"
)

// ErrCacheFull is returned when installing an artifact would push the
// registry past its configured byte ceiling.
var ErrCacheFull = errors.New("code cache limit exceeded")

// Installed is one registry entry: an artifact active for a unit, together
// with the speculation snapshot it was compiled against. Entries are replaced
// wholesale on reinstall; a task still holding the artifact it produced is
// unaffected by replacement or invalidation of the registry entry.
type Installed struct {
	UnitID   string
	Artifact *backend.Artifact
	Snapshot speculation.Snapshot

	valid atomic.Bool
}

// NewInstalled creates a valid entry for the given artifact.
func NewInstalled(unitID string, art *backend.Artifact, snap speculation.Snapshot) *Installed {
	inst := &Installed{UnitID: unitID, Artifact: art, Snapshot: snap}
	inst.valid.Store(true)
	return inst
}

// Valid reports whether the entry is still dispatchable.
func (i *Installed) Valid() bool {
	return i.valid.Load()
}

// Registry maps unit IDs to their installed code. The zero limit means
// unbounded.
type Registry struct {
	limit int64

	mu      sync.RWMutex
	entries map[string]*Installed
	bytes   int64
}

// NewRegistry creates an empty registry with the given byte ceiling
// (0 = unbounded).
func NewRegistry(limit int64) *Registry {
	return &Registry{
		limit:   limit,
		entries: make(map[string]*Installed),
	}
}

// Install makes inst the active code for its unit, replacing any prior entry.
// The replaced entry is marked invalid so stale references observe the
// eviction. Returns ErrCacheFull when the ceiling would be exceeded.
func (r *Registry) Install(inst *Installed) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := int64(inst.Artifact.Size)
	prior := r.entries[inst.UnitID]
	priorSize := int64(0)
	if prior != nil {
		priorSize = int64(prior.Artifact.Size)
	}

	if r.limit > 0 && r.bytes-priorSize+size > r.limit {
		return ErrCacheFull
	}

	if prior != nil {
		prior.valid.Store(false)
	}
	r.entries[inst.UnitID] = inst
	r.bytes += size - priorSize
	return nil
}

// Lookup returns the installed entry for a unit, if any. The execution path
// calls this on every dispatch.
func (r *Registry) Lookup(unitID string) (*Installed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.entries[unitID]
	return inst, ok
}

// Invalidate evicts the unit's entry if it still holds the artifact with the
// given identity. A mismatch means the artifact was already replaced by a
// newer compilation; that is a no-op, not an error.
func (r *Registry) Invalidate(unitID, artifactID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.entries[unitID]
	if !ok || inst.Artifact.ID != artifactID {
		return false
	}

	inst.valid.Store(false)
	delete(r.entries, unitID)
	r.bytes -= int64(inst.Artifact.Size)
	return true
}

// Bytes returns the total size of all installed artifacts.
func (r *Registry) Bytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bytes
}

// Len returns the number of installed entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Drop invalidates and removes every entry. Used at manager teardown.
func (r *Registry) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range r.entries {
		inst.valid.Store(false)
		delete(r.entries, id)
	}
	r.bytes = 0
}
