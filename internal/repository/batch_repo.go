package repository

import (
	"context"
	"errors"
	"time"

	"github.com/leadfoundry/batch-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	Status    *domain.BatchStatus
	CreatedBy *string
	Mode      *domain.ProcessingMode
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// BatchSummary carries the finalization payload persisted with a terminal
// transition.
type BatchSummary struct {
	SuccessItems int
	FailedItems  int
	ActualCost   float64
	CompletedAt  time.Time
}

// AnalyticsReport aggregates batch outcomes over a trailing window.
type AnalyticsReport struct {
	TotalBatches    int64
	CountsByStatus  map[domain.BatchStatus]int64
	AvgSuccessRate  float64
	TotalCost       float64
	AvgCost         float64
	AvgDurationSecs float64
}

type BatchRepository interface {
	Create(ctx context.Context, b *domain.Batch) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	List(ctx context.Context, params ListParams) ([]domain.Batch, int64, error)
	// ClaimForRun atomically moves a PENDING batch to RUNNING. It reports
	// false when the batch exists but is not PENDING, which is the single
	// guard against double execution of the same batch id.
	ClaimForRun(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// RefreshProgress recomputes processed/successful/failed from the
	// authoritative per-item states under a batch row lock and persists
	// the result. currentItemID is the most recently settled item.
	RefreshProgress(ctx context.Context, id string, currentItemID *string) (*domain.Batch, error)
	// Finalize moves a RUNNING batch to a terminal status with its summary.
	Finalize(ctx context.Context, id string, status domain.BatchStatus, summary BatchSummary) error
	// MarkFailed records a systemic failure message against the batch.
	MarkFailed(ctx context.Context, id string, message string, completedAt time.Time) error
	// Reopen returns a FAILED batch to PENDING so it can be claimed for
	// another run. Any other status is a conflict.
	Reopen(ctx context.Context, id string) error
	// Cancel moves a PENDING or RUNNING batch to CANCELLED and skips any
	// still-pending items in the same transaction.
	Cancel(ctx context.Context, id string) (*domain.Batch, error)
	CountByStatus(ctx context.Context, status domain.BatchStatus) (int64, error)
	CountAll(ctx context.Context) (int64, error)
	Analytics(ctx context.Context, since time.Time) (*AnalyticsReport, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	model := batchModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) List(ctx context.Context, params ListParams) ([]domain.Batch, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.CreatedBy != nil {
		query = query.Where("created_by = ?", *params.CreatedBy)
	}
	if params.Mode != nil {
		query = query.Where("mode = ?", *params.Mode)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []BatchModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}

	return batches, total, nil
}

func (r *GormBatchRepo) ClaimForRun(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusPending).
		Updates(map[string]any{
			"status":     domain.BatchStatusRunning,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&BatchModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return false, err
		}
		if count == 0 {
			return false, domain.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (r *GormBatchRepo) RefreshProgress(ctx context.Context, id string, currentItemID *string) (*domain.Batch, error) {
	var updated *BatchModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BatchModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		// Aggregates are recounted from item rows rather than incremented,
		// so concurrent completions cannot lose writes.
		counts, err := countItemsByStatus(tx, id)
		if err != nil {
			return err
		}

		successful := counts[domain.ItemStatusCompleted]
		failed := counts[domain.ItemStatusFailed]
		model.ProcessedItems = successful + failed
		model.SuccessItems = successful
		model.FailedItems = failed
		model.CurrentItemID = currentItemID

		if err := tx.Model(&BatchModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"processed_items": model.ProcessedItems,
				"success_items":   model.SuccessItems,
				"failed_items":    model.FailedItems,
				"current_item_id": currentItemID,
			}).Error; err != nil {
			return err
		}

		updated = &model
		return nil
	})
	if err != nil {
		return nil, err
	}

	return batchModelToDomain(updated), nil
}

func (r *GormBatchRepo) Finalize(ctx context.Context, id string, status domain.BatchStatus, summary BatchSummary) error {
	if !status.IsTerminal() {
		return domain.ErrConflict
	}

	processed := summary.SuccessItems + summary.FailedItems
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusRunning).
		Updates(map[string]any{
			"status":          status,
			"processed_items": processed,
			"success_items":   summary.SuccessItems,
			"failed_items":    summary.FailedItems,
			"actual_cost":     summary.ActualCost,
			"current_item_id": nil,
			"completed_at":    summary.CompletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormBatchRepo) MarkFailed(ctx context.Context, id string, message string, completedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status NOT IN ?", id, []domain.BatchStatus{
			domain.BatchStatusCompleted,
			domain.BatchStatusFailed,
			domain.BatchStatusCancelled,
		}).
		Updates(map[string]any{
			"status":        domain.BatchStatusFailed,
			"error_message": message,
			"completed_at":  completedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormBatchRepo) Reopen(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusFailed).
		Updates(map[string]any{
			"status":        domain.BatchStatusPending,
			"error_message": nil,
			"started_at":    nil,
			"completed_at":  nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormBatchRepo) Cancel(ctx context.Context, id string) (*domain.Batch, error) {
	var cancelled *BatchModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BatchModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if model.Status.IsTerminal() {
			return domain.ErrConflict
		}

		now := time.Now().UTC()
		if err := tx.Model(&BatchModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":       domain.BatchStatusCancelled,
				"completed_at": now,
			}).Error; err != nil {
			return err
		}

		// Pending items are skipped; in-flight PROCESSING items run to
		// their natural completion.
		if err := tx.Model(&BatchItemModel{}).
			Where("batch_id = ? AND status = ?", id, domain.ItemStatusPending).
			Updates(map[string]any{
				"status":     domain.ItemStatusSkipped,
				"error_code": domain.ErrorCodeCancelled,
			}).Error; err != nil {
			return err
		}

		model.Status = domain.BatchStatusCancelled
		model.CompletedAt = &now
		cancelled = &model
		return nil
	})
	if err != nil {
		return nil, err
	}

	return batchModelToDomain(cancelled), nil
}

func (r *GormBatchRepo) CountByStatus(ctx context.Context, status domain.BatchStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("status = ?", status).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *GormBatchRepo) CountAll(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&BatchModel{}).Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *GormBatchRepo) Analytics(ctx context.Context, since time.Time) (*AnalyticsReport, error) {
	type statusRow struct {
		Status domain.BatchStatus `gorm:"column:status"`
		Count  int64              `gorm:"column:count"`
	}

	var statusRows []statusRow
	err := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Select("status, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("status").
		Find(&statusRows).Error
	if err != nil {
		return nil, err
	}

	report := &AnalyticsReport{
		CountsByStatus: make(map[domain.BatchStatus]int64, len(statusRows)),
	}
	for _, row := range statusRows {
		report.CountsByStatus[row.Status] = row.Count
		report.TotalBatches += row.Count
	}

	type aggRow struct {
		AvgSuccessRate  *float64 `gorm:"column:avg_success_rate"`
		TotalCost       *float64 `gorm:"column:total_cost"`
		AvgCost         *float64 `gorm:"column:avg_cost"`
		AvgDurationSecs *float64 `gorm:"column:avg_duration_secs"`
	}

	var agg aggRow
	err = r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Select(`
			AVG(CASE WHEN processed_items > 0 THEN success_items::float / processed_items END) AS avg_success_rate,
			SUM(actual_cost) AS total_cost,
			AVG(actual_cost) AS avg_cost,
			AVG(EXTRACT(EPOCH FROM (completed_at - started_at))) AS avg_duration_secs`).
		Where("created_at >= ? AND status IN ?", since, []domain.BatchStatus{
			domain.BatchStatusCompleted,
			domain.BatchStatusFailed,
			domain.BatchStatusCancelled,
		}).
		Find(&agg).Error
	if err != nil {
		return nil, err
	}

	if agg.AvgSuccessRate != nil {
		report.AvgSuccessRate = *agg.AvgSuccessRate
	}
	if agg.TotalCost != nil {
		report.TotalCost = *agg.TotalCost
	}
	if agg.AvgCost != nil {
		report.AvgCost = *agg.AvgCost
	}
	if agg.AvgDurationSecs != nil {
		report.AvgDurationSecs = *agg.AvgDurationSecs
	}

	return report, nil
}

func countItemsByStatus(tx *gorm.DB, batchID string) (map[domain.ItemStatus]int, error) {
	type countRow struct {
		Status domain.ItemStatus `gorm:"column:status"`
		Count  int               `gorm:"column:count"`
	}

	var rows []countRow
	err := tx.Model(&BatchItemModel{}).
		Select("status, COUNT(*) AS count").
		Where("batch_id = ?", batchID).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.ItemStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
