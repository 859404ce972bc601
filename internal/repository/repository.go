package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"rebalancer/internal/models"
)

type ListRebalanceRunsParams struct {
	Limit   int
	Offset  int
	UserID  *string
	Status  *string
	OrderBy string
	Asc     *bool
}

// Repository is the durable store for rebalance runs. Every write must be
// flushed before returning so a crash between two checkpoints leaves the run
// in its last persisted state, inspectable by an operator.
type Repository interface {
	InsertRebalanceRun(ctx context.Context, item *models.RebalanceRun) error
	GetRebalanceRunByID(ctx context.Context, id string) (*models.RebalanceRun, error)

	// Compute-phase checkpoints.
	UpdateRebalanceRunSnapshot(ctx context.Context, id string, before datatypes.JSON, updates map[string]any) error
	UpdateRebalanceRunPlan(ctx context.Context, id string, trades datatypes.JSON, updates map[string]any) error

	// Execute-phase checkpoints. Executed trades are rewritten after every
	// leg so a partial failure keeps the legs that did fill.
	UpdateRebalanceRunStatus(ctx context.Context, id string, status models.Status) error
	UpdateRebalanceRunExecutedTrades(ctx context.Context, id string, executed datatypes.JSON) error

	// Terminal transitions.
	CompleteRebalanceRun(ctx context.Context, id string, updates map[string]any) error
	MarkRebalanceRunFailed(ctx context.Context, id string, errMsg string, completedAt time.Time) error

	ListRebalanceRuns(ctx context.Context, params ListRebalanceRunsParams) ([]models.RebalanceRun, error)
	CountRebalanceRuns(ctx context.Context, params ListRebalanceRunsParams) (int64, error)

	// Retention: remove terminal runs older than the cutoff.
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
