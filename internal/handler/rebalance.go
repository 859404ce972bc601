package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"rebalancer/internal/models"
	"rebalancer/internal/rebalance"
	"rebalancer/internal/repository"
)

// Engine is the synchronous rebalance surface the handler calls into.
type Engine interface {
	TriggerRebalance(ctx context.Context, req rebalance.TriggerRequest) (*rebalance.StatusResponse, error)
}

// DepositSink accepts deposit events for asynchronous processing.
type DepositSink interface {
	OnDeposit(userID string, amount decimal.Decimal) bool
}

type RebalanceHandler struct {
	Engine   Engine
	Deposits DepositSink
	Repo     repository.Repository
}

type triggerRebalanceRequest struct {
	UserID         string   `json:"user_id" binding:"required"`
	TriggerType    string   `json:"trigger_type"`
	DriftThreshold *float64 `json:"drift_threshold"`
	Force          bool     `json:"force"`
}

type depositEventRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (h *RebalanceHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/rebalance")
	group.POST("", h.trigger)
	group.GET("/runs", h.listRuns)
	group.GET("/runs/:id", h.getRun)
	group.POST("/triggers/deposit", h.deposit)
}

func (h *RebalanceHandler) trigger(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	var req triggerRebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	triggerType := models.TriggerManual
	if req.TriggerType != "" {
		triggerType = models.TriggerType(strings.ToLower(strings.TrimSpace(req.TriggerType)))
		if !triggerType.Valid() {
			Error(c, http.StatusBadRequest, "invalid trigger_type", nil)
			return
		}
	}
	if req.DriftThreshold != nil && (*req.DriftThreshold <= 0 || *req.DriftThreshold >= 1) {
		Error(c, http.StatusBadRequest, "drift_threshold must be in (0, 1)", nil)
		return
	}

	resp, err := h.Engine.TriggerRebalance(c.Request.Context(), rebalance.TriggerRequest{
		UserID:         req.UserID,
		TriggerType:    triggerType,
		DriftThreshold: req.DriftThreshold,
		Force:          req.Force,
	})
	if err != nil {
		status := http.StatusInternalServerError
		var execErr *rebalance.ExecutionError
		switch {
		case rebalance.IsPrecondition(err):
			status = http.StatusNotFound
		case errors.As(err, &execErr):
			status = http.StatusBadGateway
		}
		Error(c, status, err.Error(), nil)
		return
	}
	Ok(c, resp, nil)
}

func (h *RebalanceHandler) getRun(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	run, err := h.Repo.GetRebalanceRunByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if run == nil {
		Error(c, http.StatusNotFound, "rebalance run not found", nil)
		return
	}
	Ok(c, run, nil)
}

func (h *RebalanceHandler) listRuns(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	var userIDPtr, statusPtr *string
	if userID := strings.TrimSpace(c.Query("user_id")); userID != "" {
		userIDPtr = &userID
	}
	if status := strings.ToLower(strings.TrimSpace(c.Query("status"))); status != "" {
		if !models.Status(status).Valid() {
			Error(c, http.StatusBadRequest, "invalid status", nil)
			return
		}
		statusPtr = &status
	}

	items, err := h.Repo.ListRebalanceRuns(c.Request.Context(), repository.ListRebalanceRunsParams{
		Limit:   limit,
		Offset:  offset,
		UserID:  userIDPtr,
		Status:  statusPtr,
		OrderBy: "created_at",
		Asc:     boolPtr(false),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountRebalanceRuns(c.Request.Context(), repository.ListRebalanceRunsParams{
		UserID: userIDPtr,
		Status: statusPtr,
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *RebalanceHandler) deposit(c *gin.Context) {
	if h.Deposits == nil {
		Error(c, http.StatusInternalServerError, "dispatcher unavailable", nil)
		return
	}
	var req depositEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if !req.Amount.IsPositive() {
		Error(c, http.StatusBadRequest, "amount must be positive", nil)
		return
	}
	accepted := h.Deposits.OnDeposit(req.UserID, req.Amount)
	Accepted(c, gin.H{"accepted": accepted})
}

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func boolPtr(v bool) *bool { return &v }
