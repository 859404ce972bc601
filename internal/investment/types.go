package investment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding is one asset position inside a user portfolio.
type Holding struct {
	AssetID string          `json:"asset_id"`
	Value   decimal.Decimal `json:"value"`
	Units   decimal.Decimal `json:"units"`
}

// Portfolio is the snapshot returned by the investment service. The engine
// only ever reads immutable copies fetched at the start of a run.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Holdings      []Holding       `json:"holdings"`
	AvailableCash decimal.Decimal `json:"available_cash"`
}

// RiskProfile carries the user's target allocation fractions per asset.
type RiskProfile struct {
	UserID      string             `json:"user_id"`
	Allocations map[string]float64 `json:"allocations"`
}

type TradeRequest struct {
	UserID  string          `json:"user_id"`
	AssetID string          `json:"asset_id"`
	Action  string          `json:"action"`
	Units   decimal.Decimal `json:"units"`
	Value   decimal.Decimal `json:"value"`
}

// TradeResult is what the trading primitive reports for a filled trade.
// Failures surface as errors, not structured result codes.
type TradeResult struct {
	Status        string          `json:"status"`
	AssetID       string          `json:"asset_id"`
	Action        string          `json:"action"`
	Units         decimal.Decimal `json:"units"`
	Value         decimal.Decimal `json:"value"`
	ExecutionTime time.Time       `json:"execution_time"`
}

// AssetPrice is a reference price per unit for one asset.
type AssetPrice struct {
	AssetID string          `json:"asset_id"`
	Price   decimal.Decimal `json:"price"`
}

type activeUsersResponse struct {
	UserIDs []string `json:"user_ids"`
}
