package rebalance

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// referencePriceFunc supplies a per-unit price for assets with no current
// position (there is nothing to derive a price from).
type referencePriceFunc func(ctx context.Context, assetID string) (decimal.Decimal, error)

// buildPlan converts allocation drift into an ordered list of trade legs.
// Legs whose value falls below minTradeValue are skipped (dust floor). Sells
// come before buys so capital is freed before it is spent; within each side
// legs are ordered by asset id. The returned amount is the exact sum of
// |value_diff| over the emitted legs.
func buildPlan(
	ctx context.Context,
	allocations []AssetAllocation,
	totalValue decimal.Decimal,
	minTradeValue decimal.Decimal,
	referencePrice referencePriceFunc,
) ([]Trade, decimal.Decimal, error) {
	trades := make([]Trade, 0, len(allocations))
	amount := decimal.Zero

	for _, alloc := range allocations {
		targetValue := totalValue.Mul(decimal.NewFromFloat(alloc.TargetAllocation))
		valueDiff := targetValue.Sub(alloc.Value)
		absDiff := valueDiff.Abs()
		if !absDiff.GreaterThan(minTradeValue) {
			continue
		}

		action := ActionSell
		if valueDiff.IsPositive() {
			action = ActionBuy
		}

		price, err := pricePerUnit(ctx, alloc, referencePrice)
		if err != nil {
			// A missing price means a required leg cannot be sized; the
			// whole run fails rather than silently dropping the leg.
			return nil, decimal.Zero, err
		}

		trades = append(trades, Trade{
			AssetID:           alloc.AssetID,
			Action:            action,
			Units:             absDiff.Div(price),
			Value:             absDiff,
			CurrentAllocation: alloc.CurrentAllocation,
			TargetAllocation:  alloc.TargetAllocation,
		})
		amount = amount.Add(absDiff)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].Action != trades[j].Action {
			return trades[i].Action == ActionSell
		}
		return trades[i].AssetID < trades[j].AssetID
	})

	return trades, amount, nil
}

func pricePerUnit(ctx context.Context, alloc AssetAllocation, referencePrice referencePriceFunc) (decimal.Decimal, error) {
	// A worthless position (units held, zero value) yields no usable price;
	// fall through to the reference price like a fresh position.
	if alloc.Units.IsPositive() {
		if price := alloc.Value.Div(alloc.Units); price.IsPositive() {
			return price, nil
		}
	}
	if referencePrice == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoReferencePrice, alloc.AssetID)
	}
	price, err := referencePrice(ctx, alloc.AssetID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reference price for %s: %w", alloc.AssetID, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoReferencePrice, alloc.AssetID)
	}
	return price, nil
}
