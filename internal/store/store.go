package store

import (
	"context"

	"github.com/fieldvision/plotclip/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Date   string          `json:"date,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for clip runs, per-plot results,
// and the canonical grid size registry.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, rasterPath, vectorPath, outputRoot string, date model.CaptureDate) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary model.RunSummary, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Per-plot results
	SaveResults(ctx context.Context, results []model.ClipResult) error
	ListResults(ctx context.Context, runID string) ([]model.ClipResult, error)

	// Grid sizes; satisfies registry.SizeStore
	LoadSizes(ctx context.Context) (map[string]model.GridSize, error)
	ReserveSize(ctx context.Context, identity string, size model.GridSize) (model.GridSize, bool, error)
	ImportSizes(ctx context.Context, sizes map[string]model.GridSize) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
