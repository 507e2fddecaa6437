package store

import (
	"context"
	"errors"

	"github.com/kilnvm/kiln/internal/model"
)

// ErrNotFound is returned when a compilation record is not found.
var ErrNotFound = errors.New("compilation not found")

// ErrInvalidTransition is returned when a compilation state change is not
// allowed by the task state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// CompileStats holds aggregate compilation statistics.
type CompileStats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
	CountByTier  map[string]int `json:"count_by_tier"`
	AvgCompileMS float64        `json:"avg_compile_ms"`
}

// Store defines the persistence operations for compilation history. The live
// task state lives in memory with the manager; the store is the durable
// record behind the diagnostic API.
type Store interface {
	CreateCompilation(ctx context.Context, c *model.Compilation) error
	GetCompilation(ctx context.Context, id string) (*model.Compilation, error)
	GetLatestCompilationForUnit(ctx context.Context, unitID string) (*model.Compilation, error)
	ListCompilations(ctx context.Context, limit, offset int) ([]*model.Compilation, int, error)
	UpdateCompilationState(ctx context.Context, id, state string) error
	UpdateCompilation(ctx context.Context, c *model.Compilation) error
	GetCompileStats(ctx context.Context) (*CompileStats, error)
	InsertEventLine(ctx context.Context, unitID string, seq int, line string) error
	GetEventLines(ctx context.Context, unitID string) ([]model.EventLine, error)
	Close() error
}
