package rebalance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"rebalancer/internal/investment"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

const defaultDriftThreshold = 0.05

type Config struct {
	DefaultDriftThreshold float64
	MinTradeValue         float64
	// AutoExecute makes TriggerRebalance execute a non-empty plan right after
	// computing it. When false the run stays in computing for explicit approval.
	AutoExecute bool
}

// Orchestrator drives the rebalance state machine:
// pending -> computing -> {completed | executing} -> {completed | failed}.
// It owns the run row exclusively for the duration of one run and never
// mutates a run that reached a terminal state.
type Orchestrator struct {
	Repo       repository.Repository
	Investment InvestmentService
	Notifier   NotificationService
	Logger     *zap.Logger
	Config     Config

	locks userLocks
}

type TriggerRequest struct {
	UserID         string
	TriggerType    models.TriggerType
	DriftThreshold *float64
	Force          bool
}

// StatusResponse is the engine surface result for a trigger call.
type StatusResponse struct {
	Status  models.Status `json:"status"`
	Message string        `json:"message"`
	LogID   string        `json:"log_id"`
	Summary *Summary      `json:"summary,omitempty"`
}

// TriggerRebalance runs compute and, when a plan was produced and
// AutoExecute is on, execution — all under the per-user lock so no two
// cycles for the same user overlap.
func (o *Orchestrator) TriggerRebalance(ctx context.Context, req TriggerRequest) (*StatusResponse, error) {
	unlock := o.locks.acquire(req.UserID)
	defer unlock()

	run, summary, err := o.ComputeRebalance(ctx, req.UserID, req.TriggerType, req.DriftThreshold, req.Force)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return &StatusResponse{Status: run.Status, Message: "no rebalance needed", LogID: run.ID}, nil
	}
	if !o.Config.AutoExecute {
		return &StatusResponse{Status: run.Status, Message: "rebalance plan computed", LogID: run.ID, Summary: summary}, nil
	}
	run, err = o.ExecuteRebalance(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{Status: run.Status, Message: "rebalance completed successfully", LogID: run.ID, Summary: summary}, nil
}

// ComputeRebalance creates a run, snapshots the portfolio, measures drift
// and plans trades when drift exceeds the threshold (or force is set). A nil
// summary with a nil error is the no-op completion, not a failure. Execution
// is a separate step so callers can inspect the plan first.
func (o *Orchestrator) ComputeRebalance(
	ctx context.Context,
	userID string,
	trigger models.TriggerType,
	driftThreshold *float64,
	force bool,
) (*models.RebalanceRun, *Summary, error) {
	threshold := o.Config.DefaultDriftThreshold
	if threshold <= 0 {
		threshold = defaultDriftThreshold
	}
	if driftThreshold != nil && *driftThreshold > 0 {
		threshold = *driftThreshold
	}

	now := time.Now().UTC()
	run := &models.RebalanceRun{
		ID:              uuid.NewString(),
		UserID:          userID,
		TriggerType:     trigger,
		Status:          models.StatusComputing,
		DriftThreshold:  threshold,
		TotalValue:      decimal.Zero,
		RebalanceAmount: decimal.Zero,
		StartedAt:       now,
	}
	// Persisted before any collaborator call: a crash from here on leaves an
	// inspectable record instead of a silently lost run.
	if err := o.Repo.InsertRebalanceRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create rebalance run: %w", err)
	}

	summary, err := o.compute(ctx, run, threshold, force)
	if err != nil {
		o.failRun(run, err)
		return run, nil, err
	}
	return run, summary, nil
}

func (o *Orchestrator) compute(ctx context.Context, run *models.RebalanceRun, threshold float64, force bool) (*Summary, error) {
	portfolio, err := o.Investment.GetPortfolio(ctx, run.UserID)
	if err != nil {
		return nil, fmt.Errorf("fetch portfolio: %w", err)
	}
	if portfolio == nil {
		return nil, fmt.Errorf("%w: user %s", ErrPortfolioNotFound, run.UserID)
	}
	profile, err := o.Investment.GetRiskProfile(ctx, run.UserID)
	if err != nil {
		return nil, fmt.Errorf("fetch risk profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: user %s", ErrRiskProfileNotFound, run.UserID)
	}

	snap := computeSnapshot(portfolio)
	beforeJSON, err := json.Marshal(snap.Current)
	if err != nil {
		return nil, err
	}

	// An empty portfolio has nothing to rebalance; complete as a no-op
	// instead of dividing by zero.
	if !snap.TotalValue.IsPositive() {
		if err := o.completeRun(ctx, run, map[string]any{"before_allocations": datatypes.JSON(beforeJSON)}); err != nil {
			return nil, err
		}
		run.BeforeAllocations = beforeJSON
		if o.Logger != nil {
			o.Logger.Info("rebalance skipped: empty portfolio",
				zap.String("run_id", run.ID),
				zap.String("user_id", run.UserID),
			)
		}
		return nil, nil
	}

	if err := o.Repo.UpdateRebalanceRunSnapshot(ctx, run.ID, datatypes.JSON(beforeJSON), map[string]any{
		"total_value": snap.TotalValue,
	}); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	run.BeforeAllocations = beforeJSON
	run.TotalValue = snap.TotalValue

	allocations, maxDrift := buildAllocations(snap, profile)
	run.MaxDrift = maxDrift

	if maxDrift <= threshold && !force {
		if err := o.completeRun(ctx, run, map[string]any{"max_drift": maxDrift}); err != nil {
			return nil, err
		}
		if o.Logger != nil {
			o.Logger.Info("rebalance not needed",
				zap.String("run_id", run.ID),
				zap.String("user_id", run.UserID),
				zap.Float64("max_drift", maxDrift),
				zap.Float64("drift_threshold", threshold),
			)
		}
		return nil, nil
	}

	minTrade := decimal.NewFromFloat(o.Config.MinTradeValue)
	if !minTrade.IsPositive() {
		minTrade = decimal.NewFromFloat(0.01)
	}
	trades, amount, err := buildPlan(ctx, allocations, snap.TotalValue, minTrade, o.referencePrice)
	if err != nil {
		return nil, err
	}
	tradesJSON, err := json.Marshal(trades)
	if err != nil {
		return nil, err
	}
	if err := o.Repo.UpdateRebalanceRunPlan(ctx, run.ID, datatypes.JSON(tradesJSON), map[string]any{
		"max_drift":        maxDrift,
		"rebalance_amount": amount,
	}); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	run.SuggestedTrades = tradesJSON
	run.RebalanceAmount = amount

	if o.Logger != nil {
		o.Logger.Info("rebalance plan computed",
			zap.String("run_id", run.ID),
			zap.String("user_id", run.UserID),
			zap.Float64("max_drift", maxDrift),
			zap.Int("trades", len(trades)),
			zap.String("rebalance_amount", amount.String()),
		)
	}

	return &Summary{
		TotalValue:      snap.TotalValue,
		MaxDrift:        maxDrift,
		DriftThreshold:  threshold,
		RebalanceAmount: amount,
		TradeCount:      len(trades),
		Allocations:     allocations,
		Trades:          trades,
	}, nil
}

// ExecuteRebalance runs the planned trades of a run that is still in
// computing state. Trades are not atomic as a batch: a failure mid-plan
// marks the run failed with the already-executed legs preserved, so an
// operator can see exactly which leg broke. A failed run is never
// re-executable; recovery is a fresh compute with a fresh run id.
func (o *Orchestrator) ExecuteRebalance(ctx context.Context, runID string) (*models.RebalanceRun, error) {
	run, err := o.Repo.GetRebalanceRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status != models.StatusComputing {
		return run, fmt.Errorf("%w: status is %s", ErrRunNotExecutable, run.Status)
	}

	if err := o.Repo.UpdateRebalanceRunStatus(ctx, run.ID, models.StatusExecuting); err != nil {
		return run, fmt.Errorf("mark executing: %w", err)
	}
	run.Status = models.StatusExecuting

	if err := o.execute(ctx, run); err != nil {
		o.failRun(run, err)
		return run, &ExecutionError{RunID: run.ID, Err: err}
	}
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *models.RebalanceRun) error {
	var trades []Trade
	if len(run.SuggestedTrades) > 0 {
		if err := json.Unmarshal(run.SuggestedTrades, &trades); err != nil {
			return fmt.Errorf("decode suggested trades: %w", err)
		}
	}

	executed := make(map[string]investment.TradeResult, len(trades))
	for _, trade := range trades {
		result, err := o.Investment.ExecuteTrade(ctx, investment.TradeRequest{
			UserID:  run.UserID,
			AssetID: trade.AssetID,
			Action:  string(trade.Action),
			Units:   trade.Units,
			Value:   trade.Value,
		})
		if err != nil {
			return fmt.Errorf("execute %s %s: %w", trade.Action, trade.AssetID, err)
		}
		executed[trade.AssetID] = *result

		// Flush after every leg so a later failure keeps this one on record.
		executedJSON, err := json.Marshal(executed)
		if err != nil {
			return err
		}
		if err := o.Repo.UpdateRebalanceRunExecutedTrades(ctx, run.ID, datatypes.JSON(executedJSON)); err != nil {
			return fmt.Errorf("persist executed trade %s: %w", trade.AssetID, err)
		}
		run.ExecutedTrades = executedJSON
	}

	portfolio, err := o.Investment.GetPortfolio(ctx, run.UserID)
	if err != nil {
		return fmt.Errorf("refetch portfolio: %w", err)
	}
	if portfolio == nil {
		return fmt.Errorf("%w: user %s", ErrPortfolioNotFound, run.UserID)
	}
	snap := computeSnapshot(portfolio)
	afterJSON, err := json.Marshal(snap.Current)
	if err != nil {
		return err
	}
	if err := o.completeRun(ctx, run, map[string]any{"after_allocations": datatypes.JSON(afterJSON)}); err != nil {
		return err
	}
	run.AfterAllocations = afterJSON

	if o.Logger != nil {
		o.Logger.Info("rebalance executed",
			zap.String("run_id", run.ID),
			zap.String("user_id", run.UserID),
			zap.Int("trades", len(trades)),
			zap.String("rebalance_amount", run.RebalanceAmount.String()),
		)
	}
	o.notifyComplete(run.UserID, run.RebalanceAmount, len(trades))
	return nil
}

func (o *Orchestrator) completeRun(ctx context.Context, run *models.RebalanceRun, updates map[string]any) error {
	now := time.Now().UTC()
	values := map[string]any{"completed_at": now}
	for k, v := range updates {
		values[k] = v
	}
	if err := o.Repo.CompleteRebalanceRun(ctx, run.ID, values); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	run.Status = models.StatusCompleted
	run.CompletedAt = &now
	return nil
}

// failRun persists the terminal failed state on a detached context so a
// cancelled request cannot leave the run dangling in a non-terminal state.
func (o *Orchestrator) failRun(run *models.RebalanceRun, cause error) {
	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Repo.MarkRebalanceRunFailed(ctx, run.ID, cause.Error(), now); err != nil && o.Logger != nil {
		o.Logger.Error("failed to persist run failure",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}
	run.Status = models.StatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &now

	if o.Logger != nil {
		o.Logger.Warn("rebalance run failed",
			zap.String("run_id", run.ID),
			zap.String("user_id", run.UserID),
			zap.Error(cause),
		)
	}
	o.notifyError(run.UserID, cause.Error())
}

func (o *Orchestrator) referencePrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	price, err := o.Investment.GetAssetPrice(ctx, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	if price == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoReferencePrice, assetID)
	}
	return price.Price, nil
}

func (o *Orchestrator) notifyComplete(userID string, amount decimal.Decimal, tradeCount int) {
	if o.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Notifier.SendRebalanceComplete(ctx, userID, amount, tradeCount); err != nil && o.Logger != nil {
		o.Logger.Warn("rebalance complete notification failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) notifyError(userID string, errMsg string) {
	if o.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Notifier.SendRebalanceError(ctx, userID, errMsg); err != nil && o.Logger != nil {
		o.Logger.Warn("rebalance error notification failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
