package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TriggerType identifies what initiated a rebalance run.
type TriggerType string

const (
	TriggerDeposit   TriggerType = "deposit"
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerThreshold TriggerType = "threshold"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerDeposit, TriggerScheduled, TriggerManual, TriggerThreshold:
		return true
	}
	return false
}

// Status is the lifecycle state of a rebalance run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusComputing Status = "computing"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusComputing, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the run can no longer change state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RebalanceRun is the persisted record of one rebalance attempt: trigger,
// before/after allocations, planned and executed trades, status and errors.
// A completed run with rebalance_amount = 0 means no action was needed.
type RebalanceRun struct {
	ID     string `gorm:"type:varchar(36);primaryKey"`
	UserID string `gorm:"type:varchar(36);not null;index:idx_rebalance_runs_user_created,priority:1"`

	TriggerType TriggerType `gorm:"type:varchar(20);not null;index"`
	Status      Status      `gorm:"type:varchar(20);not null;default:'pending';index"`

	// asset_id -> fraction of total value. Captured at computation start;
	// AfterAllocations stays null until a successful execution.
	BeforeAllocations datatypes.JSON `gorm:"type:jsonb"`
	AfterAllocations  datatypes.JSON `gorm:"type:jsonb"`

	// Ordered array of planned trades, and asset_id -> execution result.
	SuggestedTrades datatypes.JSON `gorm:"type:jsonb"`
	ExecutedTrades  datatypes.JSON `gorm:"type:jsonb"`

	DriftThreshold float64 `gorm:"not null;default:0.05"`
	MaxDrift       float64 `gorm:"not null;default:0"`

	TotalValue      decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	RebalanceAmount decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	Error string `gorm:"type:text"`

	StartedAt   time.Time  `gorm:"type:timestamptz;not null"`
	CompletedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime;index:idx_rebalance_runs_user_created,priority:2,sort:desc"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (RebalanceRun) TableName() string {
	return "rebalance_runs"
}
