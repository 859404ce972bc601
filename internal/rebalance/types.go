package rebalance

import (
	"context"

	"github.com/shopspring/decimal"

	"rebalancer/internal/investment"
)

// TradeAction is the direction of one planned leg.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// AssetAllocation is the computed current-vs-target state of one asset.
// Assets present in the target profile but not held get zero value/units;
// held assets absent from the profile get a zero target.
type AssetAllocation struct {
	AssetID           string          `json:"asset_id"`
	CurrentAllocation float64         `json:"current_allocation"`
	TargetAllocation  float64         `json:"target_allocation"`
	Drift             float64         `json:"drift"`
	Value             decimal.Decimal `json:"value"`
	Units             decimal.Decimal `json:"units"`
}

// Trade is one planned buy/sell leg of a rebalance plan.
type Trade struct {
	AssetID           string          `json:"asset_id"`
	Action            TradeAction     `json:"action"`
	Units             decimal.Decimal `json:"units"`
	Value             decimal.Decimal `json:"value"`
	CurrentAllocation float64         `json:"current_allocation"`
	TargetAllocation  float64         `json:"target_allocation"`
}

// Summary describes a computed plan. A nil summary from ComputeRebalance
// means drift stayed within tolerance and no action is needed.
type Summary struct {
	TotalValue      decimal.Decimal   `json:"total_value"`
	MaxDrift        float64           `json:"max_drift"`
	DriftThreshold  float64           `json:"drift_threshold"`
	RebalanceAmount decimal.Decimal   `json:"rebalance_amount"`
	TradeCount      int               `json:"trade_count"`
	Allocations     []AssetAllocation `json:"allocations"`
	Trades          []Trade           `json:"trades"`
}

// InvestmentService is the trading/market-data collaborator. Implemented by
// investment.Client; substituted with stubs in tests.
type InvestmentService interface {
	GetPortfolio(ctx context.Context, userID string) (*investment.Portfolio, error)
	GetRiskProfile(ctx context.Context, userID string) (*investment.RiskProfile, error)
	GetAssetPrice(ctx context.Context, assetID string) (*investment.AssetPrice, error)
	ExecuteTrade(ctx context.Context, req investment.TradeRequest) (*investment.TradeResult, error)
	ListActiveUsers(ctx context.Context) ([]string, error)
}

// NotificationService delivers outcome alerts. Best-effort: the orchestrator
// logs delivery failures and never fails a run because of one.
type NotificationService interface {
	SendRebalanceComplete(ctx context.Context, userID string, amount decimal.Decimal, tradeCount int) error
	SendRebalanceError(ctx context.Context, userID string, errMsg string) error
}
