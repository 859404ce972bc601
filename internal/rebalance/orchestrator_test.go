package rebalance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"rebalancer/internal/investment"
	"rebalancer/internal/models"
)

func newOrchestrator(repo *stubRepo, invest *stubInvestment, notifier *stubNotifier) *Orchestrator {
	return &Orchestrator{
		Repo:       repo,
		Investment: invest,
		Notifier:   notifier,
		Config: Config{
			DefaultDriftThreshold: 0.05,
			MinTradeValue:         0.01,
			AutoExecute:           true,
		},
	}
}

func TestTriggerRebalance_NoActionNeeded(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1", holding("asset_a", 5200, 52), holding("asset_b", 4800, 48)),
		},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 0.5, "asset_b": 0.5},
		},
	}
	notifier := &stubNotifier{}
	o := newOrchestrator(repo, invest, notifier)

	resp, err := o.TriggerRebalance(context.Background(), TriggerRequest{
		UserID:      "u1",
		TriggerType: models.TriggerManual,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != models.StatusCompleted {
		t.Fatalf("status=%s want=completed", resp.Status)
	}
	if resp.Summary != nil {
		t.Fatalf("summary should be nil when drift is within tolerance")
	}
	if resp.Message != "no rebalance needed" {
		t.Fatalf("message=%q", resp.Message)
	}
	if len(invest.trades) != 0 {
		t.Fatalf("no trades should execute, got %d", len(invest.trades))
	}

	run := repo.get(resp.LogID)
	if run == nil {
		t.Fatalf("run not persisted")
	}
	if run.Status != models.StatusCompleted {
		t.Fatalf("persisted status=%s want=completed", run.Status)
	}
	if run.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if len(run.SuggestedTrades) != 0 {
		t.Fatalf("suggested trades should stay empty")
	}
	// drift = |0.52 - 0.5| = 0.02
	if run.MaxDrift < 0.019 || run.MaxDrift > 0.021 {
		t.Fatalf("max_drift=%v want ~0.02", run.MaxDrift)
	}
}

func TestTriggerRebalance_ExecutesPlan(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1", holding("asset_a", 7000, 70), holding("asset_b", 3000, 30)),
			portfolio("u1", holding("asset_a", 5000, 50), holding("asset_b", 5000, 50)),
		},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 0.5, "asset_b": 0.5},
		},
	}
	notifier := &stubNotifier{}
	o := newOrchestrator(repo, invest, notifier)

	resp, err := o.TriggerRebalance(context.Background(), TriggerRequest{
		UserID:      "u1",
		TriggerType: models.TriggerDeposit,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != models.StatusCompleted {
		t.Fatalf("status=%s want=completed", resp.Status)
	}
	if resp.Summary == nil {
		t.Fatalf("summary missing")
	}
	if resp.Summary.TradeCount != 2 {
		t.Fatalf("trade_count=%d want=2", resp.Summary.TradeCount)
	}
	if !resp.Summary.RebalanceAmount.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("rebalance_amount=%s want=4000", resp.Summary.RebalanceAmount)
	}

	// Sell leg frees capital before the buy leg spends it.
	if len(invest.trades) != 2 {
		t.Fatalf("trades=%d want=2", len(invest.trades))
	}
	if invest.trades[0].Action != "sell" || invest.trades[0].AssetID != "asset_a" {
		t.Fatalf("first trade=%+v want sell asset_a", invest.trades[0])
	}
	if invest.trades[1].Action != "buy" || invest.trades[1].AssetID != "asset_b" {
		t.Fatalf("second trade=%+v want buy asset_b", invest.trades[1])
	}
	// price = 7000/70 = 100, units = 2000/100 = 20
	if !invest.trades[0].Units.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("sell units=%s want=20", invest.trades[0].Units)
	}

	run := repo.get(resp.LogID)
	if run.Status != models.StatusCompleted {
		t.Fatalf("persisted status=%s want=completed", run.Status)
	}
	var executed map[string]investment.TradeResult
	if err := json.Unmarshal(run.ExecutedTrades, &executed); err != nil {
		t.Fatalf("decode executed trades: %v", err)
	}
	if len(executed) != 2 {
		t.Fatalf("executed=%d want=2", len(executed))
	}
	var after map[string]float64
	if err := json.Unmarshal(run.AfterAllocations, &after); err != nil {
		t.Fatalf("decode after allocations: %v", err)
	}
	if after["asset_a"] != 0.5 || after["asset_b"] != 0.5 {
		t.Fatalf("after allocations=%v want 0.5/0.5", after)
	}

	if len(notifier.completes) != 1 || notifier.completes[0] != "u1" {
		t.Fatalf("complete notification missing: %v", notifier.completes)
	}
	if notifier.lastCount != 2 || !notifier.lastAmt.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("notification payload count=%d amount=%s", notifier.lastCount, notifier.lastAmt)
	}
}

func TestComputeRebalance_MissingRiskProfile(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1", holding("asset_a", 1000, 10)),
		},
	}
	notifier := &stubNotifier{}
	o := newOrchestrator(repo, invest, notifier)

	run, summary, err := o.ComputeRebalance(context.Background(), "u1", models.TriggerManual, nil, false)
	if !errors.Is(err, ErrRiskProfileNotFound) {
		t.Fatalf("err=%v want ErrRiskProfileNotFound", err)
	}
	if !IsPrecondition(err) {
		t.Fatalf("missing profile must be a precondition failure")
	}
	if summary != nil {
		t.Fatalf("summary should be nil on failure")
	}

	persisted := repo.get(run.ID)
	if persisted.Status != models.StatusFailed {
		t.Fatalf("status=%s want=failed", persisted.Status)
	}
	if persisted.Error == "" {
		t.Fatalf("error text not persisted")
	}
	if len(notifier.errors) != 1 {
		t.Fatalf("error notification missing")
	}
}

func TestComputeRebalance_EmptyPortfolio(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{portfolio("u1")},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 1.0},
		},
	}
	o := newOrchestrator(repo, invest, &stubNotifier{})

	run, summary, err := o.ComputeRebalance(context.Background(), "u1", models.TriggerScheduled, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != nil {
		t.Fatalf("empty portfolio must complete as a no-op")
	}
	if repo.get(run.ID).Status != models.StatusCompleted {
		t.Fatalf("status=%s want=completed", repo.get(run.ID).Status)
	}
}

func TestComputeRebalance_ForceBelowThreshold(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1", holding("asset_a", 5200, 52), holding("asset_b", 4800, 48)),
		},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 0.5, "asset_b": 0.5},
		},
	}
	o := newOrchestrator(repo, invest, &stubNotifier{})

	run, summary, err := o.ComputeRebalance(context.Background(), "u1", models.TriggerDeposit, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil {
		t.Fatalf("force must plan trades even below threshold")
	}
	if summary.TradeCount != 2 {
		t.Fatalf("trade_count=%d want=2", summary.TradeCount)
	}
	if !summary.RebalanceAmount.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("rebalance_amount=%s want=400", summary.RebalanceAmount)
	}
	if repo.get(run.ID).Status != models.StatusComputing {
		t.Fatalf("run must stay computing until executed")
	}
}

func TestComputeRebalance_NewAssetUsesReferencePrice(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1", holding("asset_a", 10000, 100)),
		},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 0.8, "asset_c": 0.2},
		},
		prices: map[string]decimal.Decimal{"asset_c": decimal.NewFromInt(50)},
	}
	o := newOrchestrator(repo, invest, &stubNotifier{})

	_, summary, err := o.ComputeRebalance(context.Background(), "u1", models.TriggerManual, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == nil {
		t.Fatalf("expected a plan")
	}
	var buy *Trade
	for i := range summary.Trades {
		if summary.Trades[i].AssetID == "asset_c" {
			buy = &summary.Trades[i]
		}
	}
	if buy == nil {
		t.Fatalf("asset_c leg missing: %+v", summary.Trades)
	}
	// target 2000 at reference price 50 -> 40 units
	if !buy.Units.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("units=%s want=40", buy.Units)
	}
}

func TestComputeRebalance_MissingReferencePriceFailsRun(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1", holding("asset_a", 10000, 100)),
		},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 0.8, "asset_c": 0.2},
		},
	}
	o := newOrchestrator(repo, invest, &stubNotifier{})

	run, _, err := o.ComputeRebalance(context.Background(), "u1", models.TriggerManual, nil, false)
	if !errors.Is(err, ErrNoReferencePrice) {
		t.Fatalf("err=%v want ErrNoReferencePrice", err)
	}
	if repo.get(run.ID).Status != models.StatusFailed {
		t.Fatalf("run must fail when a leg cannot be priced")
	}
}

func TestExecuteRebalance_PartialFailurePreservesExecutedTrades(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1",
				holding("asset_a", 6000, 60),
				holding("asset_b", 2000, 20),
				holding("asset_c", 2000, 40),
			),
		},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 0.2, "asset_b": 0.4, "asset_c": 0.4},
		},
		failTrade: 2,
	}
	notifier := &stubNotifier{}
	o := newOrchestrator(repo, invest, notifier)

	run, summary, err := o.ComputeRebalance(context.Background(), "u1", models.TriggerManual, nil, false)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if summary.TradeCount != 3 {
		t.Fatalf("trade_count=%d want=3", summary.TradeCount)
	}

	_, err = o.ExecuteRebalance(context.Background(), run.ID)
	if err == nil {
		t.Fatalf("execution should fail on the second leg")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err=%T want *ExecutionError", err)
	}
	if execErr.RunID != run.ID {
		t.Fatalf("execution error run id=%s want=%s", execErr.RunID, run.ID)
	}

	persisted := repo.get(run.ID)
	if persisted.Status != models.StatusFailed {
		t.Fatalf("status=%s want=failed", persisted.Status)
	}
	var executed map[string]investment.TradeResult
	if err := json.Unmarshal(persisted.ExecutedTrades, &executed); err != nil {
		t.Fatalf("decode executed trades: %v", err)
	}
	if len(executed) != 1 {
		t.Fatalf("executed=%d want=1 (only the leg before the failure)", len(executed))
	}
	if _, ok := executed["asset_a"]; !ok {
		t.Fatalf("sell leg asset_a missing from executed trades: %v", executed)
	}
	if len(notifier.errors) != 1 {
		t.Fatalf("error notification missing")
	}
	if len(notifier.completes) != 0 {
		t.Fatalf("no complete notification on failure")
	}
}

func TestExecuteRebalance_StatusGuard(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1", holding("asset_a", 7000, 70), holding("asset_b", 3000, 30)),
			portfolio("u1", holding("asset_a", 5000, 50), holding("asset_b", 5000, 50)),
		},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 0.5, "asset_b": 0.5},
		},
	}
	o := newOrchestrator(repo, invest, &stubNotifier{})

	run, _, err := o.ComputeRebalance(context.Background(), "u1", models.TriggerManual, nil, false)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if _, err := o.ExecuteRebalance(context.Background(), run.ID); err != nil {
		t.Fatalf("first execution failed: %v", err)
	}

	// Terminal runs are never re-executable; recovery is a fresh compute.
	_, err = o.ExecuteRebalance(context.Background(), run.ID)
	if !errors.Is(err, ErrRunNotExecutable) {
		t.Fatalf("err=%v want ErrRunNotExecutable", err)
	}
	if len(invest.trades) != 2 {
		t.Fatalf("second execution must not trade, got %d calls", len(invest.trades))
	}
}

func TestExecuteRebalance_UnknownRun(t *testing.T) {
	o := newOrchestrator(newStubRepo(), &stubInvestment{}, &stubNotifier{})
	_, err := o.ExecuteRebalance(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err=%v want ErrRunNotFound", err)
	}
}

func TestTriggerRebalance_CustomThreshold(t *testing.T) {
	repo := newStubRepo()
	invest := &stubInvestment{
		portfolios: []*investment.Portfolio{
			portfolio("u1", holding("asset_a", 5200, 52), holding("asset_b", 4800, 48)),
			portfolio("u1", holding("asset_a", 5000, 50), holding("asset_b", 5000, 50)),
		},
		profile: &investment.RiskProfile{
			UserID:      "u1",
			Allocations: map[string]float64{"asset_a": 0.5, "asset_b": 0.5},
		},
	}
	o := newOrchestrator(repo, invest, &stubNotifier{})

	// 0.02 drift crosses a 0.01 threshold even though the default would not.
	threshold := 0.01
	resp, err := o.TriggerRebalance(context.Background(), TriggerRequest{
		UserID:         "u1",
		TriggerType:    models.TriggerThreshold,
		DriftThreshold: &threshold,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Summary == nil {
		t.Fatalf("expected a plan at the tighter threshold")
	}
	run := repo.get(resp.LogID)
	if run.DriftThreshold != 0.01 {
		t.Fatalf("drift_threshold=%v want=0.01", run.DriftThreshold)
	}
}
