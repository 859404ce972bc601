package rebalance

import (
	"sort"

	"github.com/shopspring/decimal"

	"rebalancer/internal/investment"
)

// portfolioSnapshot is the read-only view of a portfolio at run start.
type portfolioSnapshot struct {
	TotalValue decimal.Decimal
	// Current holds asset_id -> fraction of total value; sums to ~1.0
	// whenever TotalValue > 0.
	Current  map[string]float64
	Holdings map[string]investment.Holding
}

func computeSnapshot(p *investment.Portfolio) portfolioSnapshot {
	snap := portfolioSnapshot{
		TotalValue: decimal.Zero,
		Current:    make(map[string]float64, len(p.Holdings)),
		Holdings:   make(map[string]investment.Holding, len(p.Holdings)),
	}
	for _, h := range p.Holdings {
		snap.TotalValue = snap.TotalValue.Add(h.Value)
		snap.Holdings[h.AssetID] = h
	}
	if snap.TotalValue.IsZero() {
		return snap
	}
	for _, h := range p.Holdings {
		snap.Current[h.AssetID] = h.Value.Div(snap.TotalValue).InexactFloat64()
	}
	return snap
}

// buildAllocations computes per-asset drift over the union of held and
// target assets, ordered by asset id so plans are deterministic. Returns the
// allocations and the largest drift observed.
func buildAllocations(snap portfolioSnapshot, profile *investment.RiskProfile) ([]AssetAllocation, float64) {
	assetIDs := make([]string, 0, len(profile.Allocations)+len(snap.Holdings))
	seen := make(map[string]struct{}, len(profile.Allocations)+len(snap.Holdings))
	for assetID := range profile.Allocations {
		assetIDs = append(assetIDs, assetID)
		seen[assetID] = struct{}{}
	}
	for assetID := range snap.Holdings {
		if _, ok := seen[assetID]; !ok {
			assetIDs = append(assetIDs, assetID)
		}
	}
	sort.Strings(assetIDs)

	allocations := make([]AssetAllocation, 0, len(assetIDs))
	maxDrift := 0.0
	for _, assetID := range assetIDs {
		target := profile.Allocations[assetID]
		current := snap.Current[assetID]
		drift := current - target
		if drift < 0 {
			drift = -drift
		}
		if drift > maxDrift {
			maxDrift = drift
		}
		value := decimal.Zero
		units := decimal.Zero
		if h, ok := snap.Holdings[assetID]; ok {
			value = h.Value
			units = h.Units
		}
		allocations = append(allocations, AssetAllocation{
			AssetID:           assetID,
			CurrentAllocation: current,
			TargetAllocation:  target,
			Drift:             drift,
			Value:             value,
			Units:             units,
		})
	}
	return allocations, maxDrift
}
