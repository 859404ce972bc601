package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/models"
	"rebalancer/internal/rebalance"
)

// Rebalancer is the engine surface the dispatcher drives. Implemented by
// rebalance.Orchestrator.
type Rebalancer interface {
	TriggerRebalance(ctx context.Context, req rebalance.TriggerRequest) (*rebalance.StatusResponse, error)
}

type Config struct {
	QueueSize int
	Workers   int
	// ComputeMaxAttempts bounds retries of a rebalance cycle that failed
	// before any trade was submitted. Execution failures are never retried.
	ComputeMaxAttempts int
	// DepositThreshold gates deposit events: smaller deposits are ignored,
	// and a non-positive threshold disables deposit triggering entirely.
	DepositThreshold decimal.Decimal
	// DriftThreshold gates threshold-breach events.
	DriftThreshold float64
}

type task struct {
	userID  string
	trigger models.TriggerType
	force   bool
}

// Dispatcher decouples event sources (deposit webhooks, drift monitors, the
// sweep) from rebalance execution. Events are dropped, not blocked on, when
// the queue is full; the next sweep picks the user up anyway.
type Dispatcher struct {
	engine Rebalancer
	logger *zap.Logger
	cfg    Config

	tasks chan task
	wg    sync.WaitGroup
}

func New(engine Rebalancer, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ComputeMaxAttempts <= 0 {
		cfg.ComputeMaxAttempts = 3
	}
	return &Dispatcher{
		engine: engine,
		logger: logger,
		cfg:    cfg,
		tasks:  make(chan task, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers drain the queue until Stop closes
// it or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop closes the queue and waits for in-flight cycles to finish.
func (d *Dispatcher) Stop() {
	close(d.tasks)
	d.wg.Wait()
}

// OnDeposit enqueues a forced rebalance when the deposit is large enough to
// matter. Returns whether the event was accepted.
func (d *Dispatcher) OnDeposit(userID string, amount decimal.Decimal) bool {
	if !d.cfg.DepositThreshold.IsPositive() || amount.LessThan(d.cfg.DepositThreshold) {
		return false
	}
	// Deposits force a run even when drift is within tolerance: fresh cash
	// sits unallocated until trades place it.
	return d.enqueue(task{userID: userID, trigger: models.TriggerDeposit, force: true})
}

// OnManualTrigger enqueues a fire-and-forget manual rebalance. The
// synchronous HTTP endpoint serves callers that want the result; this
// adapter serves ones that only want the cycle to happen.
func (d *Dispatcher) OnManualTrigger(userID string, force bool) bool {
	return d.enqueue(task{userID: userID, trigger: models.TriggerManual, force: force})
}

// OnThresholdBreach enqueues an advisory rebalance when observed drift
// crosses the configured threshold. Not forced: the engine re-measures drift
// itself and completes as a no-op if the breach has since healed.
func (d *Dispatcher) OnThresholdBreach(userID string, maxDrift float64) bool {
	if maxDrift < d.cfg.DriftThreshold {
		return false
	}
	return d.enqueue(task{userID: userID, trigger: models.TriggerThreshold})
}

func (d *Dispatcher) enqueue(t task) bool {
	select {
	case d.tasks <- t:
		return true
	default:
		if d.logger != nil {
			d.logger.Warn("rebalance queue full, dropping event",
				zap.String("user_id", t.userID),
				zap.String("trigger", string(t.trigger)),
			)
		}
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-d.tasks:
			if !ok {
				return
			}
			d.process(ctx, t)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, t task) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.ComputeMaxAttempts; attempt++ {
		resp, err := d.engine.TriggerRebalance(ctx, rebalance.TriggerRequest{
			UserID:      t.userID,
			TriggerType: t.trigger,
			Force:       t.force,
		})
		if err == nil {
			if d.logger != nil {
				d.logger.Info("rebalance cycle finished",
					zap.String("user_id", t.userID),
					zap.String("trigger", string(t.trigger)),
					zap.String("log_id", resp.LogID),
					zap.String("status", string(resp.Status)),
				)
			}
			return
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		if d.logger != nil {
			d.logger.Warn("rebalance cycle failed, retrying",
				zap.String("user_id", t.userID),
				zap.String("trigger", string(t.trigger)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	if d.logger != nil {
		d.logger.Error("rebalance cycle abandoned",
			zap.String("user_id", t.userID),
			zap.String("trigger", string(t.trigger)),
			zap.Error(lastErr),
		)
	}
}

// retryable rejects retries for errors that would fail the same way again
// (missing portfolio/profile) and for anything that already submitted
// trades: re-running after a partial execution would double-trade.
func retryable(err error) bool {
	if rebalance.IsPrecondition(err) {
		return false
	}
	var execErr *rebalance.ExecutionError
	return !errors.As(err, &execErr)
}
