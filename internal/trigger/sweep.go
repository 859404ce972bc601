package trigger

import (
	"context"

	"go.uber.org/zap"

	"rebalancer/internal/models"
	"rebalancer/internal/rebalance"
)

// ActiveUserLister names the one investment-service call the sweep needs.
type ActiveUserLister interface {
	ListActiveUsers(ctx context.Context) ([]string, error)
}

// Sweep is the scheduled safety net: it walks every active user and runs a
// drift check, catching portfolios no event-driven trigger has touched.
type Sweep struct {
	Engine Rebalancer
	Users  ActiveUserLister
	Logger *zap.Logger

	// DriftThreshold overrides the engine default for scheduled runs when
	// positive.
	DriftThreshold float64
}

// Run processes all active users sequentially. A failing user is logged and
// skipped; one bad portfolio must not starve the rest of the sweep.
func (s *Sweep) Run(ctx context.Context) {
	users, err := s.Users.ListActiveUsers(ctx)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("sweep: listing active users failed", zap.Error(err))
		}
		return
	}
	if s.Logger != nil {
		s.Logger.Info("sweep started", zap.Int("users", len(users)))
	}

	var failed int
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		req := rebalance.TriggerRequest{
			UserID:      userID,
			TriggerType: models.TriggerScheduled,
		}
		if s.DriftThreshold > 0 {
			threshold := s.DriftThreshold
			req.DriftThreshold = &threshold
		}
		if _, err := s.Engine.TriggerRebalance(ctx, req); err != nil {
			failed++
			if s.Logger != nil {
				s.Logger.Warn("sweep: user rebalance failed",
					zap.String("user_id", userID),
					zap.Error(err),
				)
			}
		}
	}
	if s.Logger != nil {
		s.Logger.Info("sweep finished",
			zap.Int("users", len(users)),
			zap.Int("failed", failed),
		)
	}
}
