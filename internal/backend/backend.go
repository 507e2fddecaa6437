package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnvm/kiln/internal/speculation"
)

// Compiler is the interface that all compilation tiers must implement.
// Each tier (baseline template compiler, optimizing compiler) provides its
// own implementation of these methods.
type Compiler interface {
	// Compile translates one compilation unit into an executable artifact.
	// The context carries deadlines for timeout enforcement; implementations
	// are additionally expected to poll req.Cancelled at safe points and
	// return early when it reports true.
	Compile(ctx context.Context, req CompileRequest) (*Artifact, error)

	// Capabilities reports what unit kinds and tiers this compiler supports.
	Capabilities() CompilerCapabilities
}

// CompileRequest describes one compilation attempt handed to a compiler.
type CompileRequest struct {
	TaskID   string
	UnitID   string
	UnitName string
	Kind     string
	Tier     string
	Payload  []byte

	// Speculations is the speculation log snapshot the artifact is compiled
	// against. Compilers consult it before baking an assumption into code.
	Speculations speculation.Snapshot

	// Cancelled is the cooperative cancellation predicate. Never nil when the
	// request comes from the manager.
	Cancelled func() bool

	// Trace is an optional callback that compilers invoke to emit one
	// progress line per compilation phase.
	Trace func(line string)
}

// Artifact is the result of a successful compilation: an opaque executable
// blob plus the identity used to guard later invalidation. Artifacts are
// immutable after the compiler returns them.
type Artifact struct {
	ID        string    `json:"id"`
	UnitID    string    `json:"unit_id"`
	Tier      string    `json:"tier"`
	Code      []byte    `json:"-"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// CompilerCapabilities describes what a compiler supports.
type CompilerCapabilities struct {
	Name           string   `json:"name"`
	SupportedKinds []string `json:"supported_kinds"`
	SupportedTiers []string `json:"supported_tiers"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// CompilerInfo pairs a registered tier name with the compiler's capabilities.
type CompilerInfo struct {
	Tier         string               `json:"tier"`
	Capabilities CompilerCapabilities `json:"capabilities"`
}

// CompileError is the terminal failure of one compilation attempt. The unit
// stays interpreted; the detail is recorded on the task and never retried
// automatically.
type CompileError struct {
	UnitID string
	Tier   string
	Detail string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s at tier %s: %s", e.UnitID, e.Tier, e.Detail)
}
