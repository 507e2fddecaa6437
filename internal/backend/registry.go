package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kilnvm/kiln/internal/model"
)

// autoRouting maps unit kinds to their default tier for auto-resolution.
// Loop units come from on-stack replacement and go straight to the
// optimizing tier; plain functions start at the baseline tier.
var autoRouting = map[string]string{
	model.KindFunction: model.TierBaseline,
	model.KindLoop:     model.TierOptimizing,
}

// Registry holds registered compilers and resolves which one to use for a
// given unit based on tier and kind.
type Registry struct {
	mu        sync.RWMutex
	compilers map[string]Compiler
}

// NewRegistry creates an empty compiler registry.
func NewRegistry() *Registry {
	return &Registry{
		compilers: make(map[string]Compiler),
	}
}

// Register adds a compiler to the registry under the given tier name.
func (r *Registry) Register(tier string, c Compiler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compilers[tier] = c
}

// Resolve returns the compiler to use for the given tier and unit kind.
// If tier is "auto", it uses the autoRouting table to pick the default.
// Returns an error if the resolved compiler is not registered.
func (r *Registry) Resolve(tier, kind string) (Compiler, error) {
	target := tier
	if target == model.TierAuto || target == "" {
		resolved, ok := autoRouting[kind]
		if !ok {
			return nil, fmt.Errorf("no auto-routing rule for unit kind %q", kind)
		}
		target = resolved
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.compilers[target]
	if !ok {
		return nil, fmt.Errorf("compiler tier %q is not registered", target)
	}
	return c, nil
}

// List returns information about all registered compilers, sorted by tier
// for a stable API response.
func (r *Registry) List() []CompilerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]CompilerInfo, 0, len(r.compilers))
	for tier, c := range r.compilers {
		infos = append(infos, CompilerInfo{
			Tier:         tier,
			Capabilities: c.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Tier < infos[j].Tier
	})
	return infos
}
