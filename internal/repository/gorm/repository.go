package gormrepository

import (
	"context"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InsertRebalanceRun(ctx context.Context, item *models.RebalanceRun) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetRebalanceRunByID(ctx context.Context, id string) (*models.RebalanceRun, error) {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil, nil
	}
	var item models.RebalanceRun
	err := s.db.WithContext(ctx).Model(&models.RebalanceRun{}).Where("id = ?", id).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateRebalanceRunSnapshot(ctx context.Context, id string, before datatypes.JSON, updates map[string]any) error {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil
	}
	values := map[string]any{
		"before_allocations": before,
		"updated_at":         time.Now().UTC(),
	}
	for k, v := range updates {
		values[k] = v
	}
	return s.db.WithContext(ctx).
		Model(&models.RebalanceRun{}).
		Where("id = ?", id).
		Updates(values).
		Error
}

func (s *Store) UpdateRebalanceRunPlan(ctx context.Context, id string, trades datatypes.JSON, updates map[string]any) error {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil
	}
	values := map[string]any{
		"suggested_trades": trades,
		"updated_at":       time.Now().UTC(),
	}
	for k, v := range updates {
		values[k] = v
	}
	return s.db.WithContext(ctx).
		Model(&models.RebalanceRun{}).
		Where("id = ?", id).
		Updates(values).
		Error
}

func (s *Store) UpdateRebalanceRunStatus(ctx context.Context, id string, status models.Status) error {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" || !status.Valid() {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.RebalanceRun{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).
		Error
}

func (s *Store) UpdateRebalanceRunExecutedTrades(ctx context.Context, id string, executed datatypes.JSON) error {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.RebalanceRun{}).
		Where("id = ?", id).
		Updates(map[string]any{"executed_trades": executed, "updated_at": time.Now().UTC()}).
		Error
}

func (s *Store) CompleteRebalanceRun(ctx context.Context, id string, updates map[string]any) error {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil
	}
	values := map[string]any{
		"status":     models.StatusCompleted,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range updates {
		values[k] = v
	}
	return s.db.WithContext(ctx).
		Model(&models.RebalanceRun{}).
		Where("id = ?", id).
		Updates(values).
		Error
}

func (s *Store) MarkRebalanceRunFailed(ctx context.Context, id string, errMsg string, completedAt time.Time) error {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.RebalanceRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       models.StatusFailed,
			"error":        errMsg,
			"completed_at": completedAt,
			"updated_at":   time.Now().UTC(),
		}).
		Error
}

func (s *Store) ListRebalanceRuns(ctx context.Context, params repository.ListRebalanceRunsParams) ([]models.RebalanceRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyRunFilters(s.db.WithContext(ctx).Model(&models.RebalanceRun{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.RebalanceRun
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountRebalanceRuns(ctx context.Context, params repository.ListRebalanceRunsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	query := applyRunFilters(s.db.WithContext(ctx).Model(&models.RebalanceRun{}), params)
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("status IN ?", []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled}).
		Where("created_at < ?", cutoff).
		Delete(&models.RebalanceRun{})
	return res.RowsAffected, res.Error
}

func applyRunFilters(query *gorm.DB, params repository.ListRebalanceRunsParams) *gorm.DB {
	if params.UserID != nil && strings.TrimSpace(*params.UserID) != "" {
		query = query.Where("user_id = ?", strings.TrimSpace(*params.UserID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	return query
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
