package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"rebalancer/internal/investment"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

// stubRepo is a test-only in-memory implementation of repository.Repository.
type stubRepo struct {
	mu   sync.Mutex
	runs map[string]*models.RebalanceRun
}

func newStubRepo() *stubRepo {
	return &stubRepo{runs: make(map[string]*models.RebalanceRun)}
}

func (s *stubRepo) get(id string) *models.RebalanceRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *stubRepo) InsertRebalanceRun(ctx context.Context, item *models.RebalanceRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.runs[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetRebalanceRunByID(ctx context.Context, id string) (*models.RebalanceRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (s *stubRepo) applyUpdates(run *models.RebalanceRun, updates map[string]any) {
	for key, val := range updates {
		switch key {
		case "total_value":
			run.TotalValue = val.(decimal.Decimal)
		case "rebalance_amount":
			run.RebalanceAmount = val.(decimal.Decimal)
		case "max_drift":
			run.MaxDrift = val.(float64)
		case "completed_at":
			t := val.(time.Time)
			run.CompletedAt = &t
		case "before_allocations":
			run.BeforeAllocations = val.(datatypes.JSON)
		case "after_allocations":
			run.AfterAllocations = val.(datatypes.JSON)
		}
	}
}

func (s *stubRepo) UpdateRebalanceRunSnapshot(ctx context.Context, id string, before datatypes.JSON, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.BeforeAllocations = before
	s.applyUpdates(run, updates)
	return nil
}

func (s *stubRepo) UpdateRebalanceRunPlan(ctx context.Context, id string, trades datatypes.JSON, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.SuggestedTrades = trades
	s.applyUpdates(run, updates)
	return nil
}

func (s *stubRepo) UpdateRebalanceRunStatus(ctx context.Context, id string, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.Status = status
	return nil
}

func (s *stubRepo) UpdateRebalanceRunExecutedTrades(ctx context.Context, id string, executed datatypes.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.ExecutedTrades = executed
	return nil
}

func (s *stubRepo) CompleteRebalanceRun(ctx context.Context, id string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.Status = models.StatusCompleted
	s.applyUpdates(run, updates)
	return nil
}

func (s *stubRepo) MarkRebalanceRunFailed(ctx context.Context, id string, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.Status = models.StatusFailed
	run.Error = errMsg
	run.CompletedAt = &completedAt
	return nil
}

func (s *stubRepo) ListRebalanceRuns(ctx context.Context, params repository.ListRebalanceRunsParams) ([]models.RebalanceRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RebalanceRun
	for _, run := range s.runs {
		out = append(out, *run)
	}
	return out, nil
}

func (s *stubRepo) CountRebalanceRuns(ctx context.Context, params repository.ListRebalanceRunsParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.runs)), nil
}

func (s *stubRepo) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// stubInvestment is a scripted investment service. Portfolios are served as
// a queue so execution refetches see post-trade state.
type stubInvestment struct {
	mu sync.Mutex

	portfolios   []*investment.Portfolio
	portfolioIdx int
	portfolioErr error

	profile    *investment.RiskProfile
	profileErr error

	prices map[string]decimal.Decimal

	trades     []investment.TradeRequest
	failTrade  int // 1-based index of the trade call that fails; 0 = never
	activeUser []string
}

func (s *stubInvestment) GetPortfolio(ctx context.Context, userID string) (*investment.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.portfolioErr != nil {
		return nil, s.portfolioErr
	}
	if len(s.portfolios) == 0 {
		return nil, nil
	}
	idx := s.portfolioIdx
	if idx >= len(s.portfolios) {
		idx = len(s.portfolios) - 1
	}
	s.portfolioIdx++
	return s.portfolios[idx], nil
}

func (s *stubInvestment) GetRiskProfile(ctx context.Context, userID string) (*investment.RiskProfile, error) {
	if s.profileErr != nil {
		return nil, s.profileErr
	}
	return s.profile, nil
}

func (s *stubInvestment) GetAssetPrice(ctx context.Context, assetID string) (*investment.AssetPrice, error) {
	price, ok := s.prices[assetID]
	if !ok {
		return nil, nil
	}
	return &investment.AssetPrice{AssetID: assetID, Price: price}, nil
}

func (s *stubInvestment) ExecuteTrade(ctx context.Context, req investment.TradeRequest) (*investment.TradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, req)
	if s.failTrade > 0 && len(s.trades) == s.failTrade {
		return nil, errors.New("trade rejected")
	}
	return &investment.TradeResult{
		Status:  "executed",
		AssetID: req.AssetID,
		Action:  req.Action,
		Units:   req.Units,
		Value:   req.Value,
	}, nil
}

func (s *stubInvestment) ListActiveUsers(ctx context.Context) ([]string, error) {
	return s.activeUser, nil
}

// stubNotifier records notification calls.
type stubNotifier struct {
	mu        sync.Mutex
	completes []string
	errors    []string
	lastCount int
	lastAmt   decimal.Decimal
}

func (s *stubNotifier) SendRebalanceComplete(ctx context.Context, userID string, amount decimal.Decimal, tradeCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes = append(s.completes, userID)
	s.lastAmt = amount
	s.lastCount = tradeCount
	return nil
}

func (s *stubNotifier) SendRebalanceError(ctx context.Context, userID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, errMsg)
	return nil
}

func holding(assetID string, value, units int64) investment.Holding {
	return investment.Holding{
		AssetID: assetID,
		Value:   decimal.NewFromInt(value),
		Units:   decimal.NewFromInt(units),
	}
}

func portfolio(userID string, holdings ...investment.Holding) *investment.Portfolio {
	return &investment.Portfolio{UserID: userID, Holdings: holdings}
}
