package repository

import (
	"context"
	"errors"

	"github.com/leadfoundry/batch-engine/internal/domain"
	"gorm.io/gorm"
)

type ItemRepository interface {
	// AppendItems creates PENDING items in the given order.
	AppendItems(ctx context.Context, items []*domain.BatchItem) error
	GetByID(ctx context.Context, id string) (*domain.BatchItem, error)
	// ListRunnable returns only PENDING items of the batch ordered by
	// order_index. Items reset for retry reappear here on the next call.
	ListRunnable(ctx context.Context, batchID string) ([]domain.BatchItem, error)
	// ListRecent returns the most recently updated items of a batch.
	ListRecent(ctx context.Context, batchID string, limit int) ([]domain.BatchItem, error)
	// MarkProcessing claims a PENDING item for a worker.
	MarkProcessing(ctx context.Context, id string) error
	// Complete settles an item as COMPLETED with its result fields.
	Complete(ctx context.Context, id string, result domain.ItemResult) error
	// Fail settles an item as FAILED with its error fields.
	Fail(ctx context.Context, id string, result domain.ItemResult) error
	// ResetForRetry returns a retryable FAILED item to PENDING, clearing
	// all result and error fields and incrementing retry_count by one.
	ResetForRetry(ctx context.Context, id string) error
	// ResetFailed returns every FAILED item of the batch to PENDING with a
	// fresh retry budget, for a manual re-run of the batch.
	ResetFailed(ctx context.Context, batchID string) (int64, error)
	ErrorCodeHistogram(ctx context.Context, batchID string) (map[domain.ErrorCode]int, error)
	SumActualCost(ctx context.Context, batchID string) (float64, error)
}

type GormItemRepo struct {
	db *gorm.DB
}

func NewGormItemRepo(db *gorm.DB) *GormItemRepo {
	return &GormItemRepo{db: db}
}

func (r *GormItemRepo) AppendItems(ctx context.Context, items []*domain.BatchItem) error {
	models := make([]BatchItemModel, 0, len(items))
	modelIndexes := make([]int, 0, len(items))
	for i, item := range items {
		model := itemModelFromDomain(item)
		if model != nil {
			models = append(models, *model)
			modelIndexes = append(modelIndexes, i)
		}
	}

	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return err
	}

	for i := range models {
		idx := modelIndexes[i]
		if idx < len(items) && items[idx] != nil {
			*items[idx] = *itemModelToDomain(&models[i])
		}
	}

	return nil
}

func (r *GormItemRepo) GetByID(ctx context.Context, id string) (*domain.BatchItem, error) {
	var model BatchItemModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return itemModelToDomain(&model), nil
}

func (r *GormItemRepo) ListRunnable(ctx context.Context, batchID string) ([]domain.BatchItem, error) {
	var models []BatchItemModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batchID, domain.ItemStatusPending).
		Order("order_index ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	items := make([]domain.BatchItem, 0, len(models))
	for i := range models {
		items = append(items, *itemModelToDomain(&models[i]))
	}
	return items, nil
}

func (r *GormItemRepo) ListRecent(ctx context.Context, batchID string, limit int) ([]domain.BatchItem, error) {
	if limit < 1 {
		limit = 20
	}

	var models []BatchItemModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	items := make([]domain.BatchItem, 0, len(models))
	for i := range models {
		items = append(items, *itemModelToDomain(&models[i]))
	}
	return items, nil
}

func (r *GormItemRepo) MarkProcessing(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("id = ? AND status = ?", id, domain.ItemStatusPending).
		Update("status", domain.ItemStatusProcessing)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormItemRepo) Complete(ctx context.Context, id string, result domain.ItemResult) error {
	return r.settle(ctx, id, domain.ItemStatusCompleted, result)
}

func (r *GormItemRepo) Fail(ctx context.Context, id string, result domain.ItemResult) error {
	return r.settle(ctx, id, domain.ItemStatusFailed, result)
}

// settle guards against mutating terminal items: only PROCESSING rows may
// move to COMPLETED or FAILED.
func (r *GormItemRepo) settle(ctx context.Context, id string, status domain.ItemStatus, result domain.ItemResult) error {
	res := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("id = ? AND status = ?", id, domain.ItemStatusProcessing).
		Updates(map[string]any{
			"status":        status,
			"artifact_ref":  result.ArtifactRef,
			"actual_cost":   result.ActualCost,
			"quality_score": result.QualityScore,
			"duration_ms":   result.DurationMS,
			"error_message": result.ErrorMessage,
			"error_code":    result.ErrorCode,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormItemRepo) ResetForRetry(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("id = ? AND status = ? AND retry_count < max_retries", id, domain.ItemStatusFailed).
		Updates(map[string]any{
			"status":        domain.ItemStatusPending,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"artifact_ref":  nil,
			"actual_cost":   nil,
			"quality_score": nil,
			"duration_ms":   nil,
			"error_message": nil,
			"error_code":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormItemRepo) ResetFailed(ctx context.Context, batchID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("batch_id = ? AND status = ?", batchID, domain.ItemStatusFailed).
		Updates(map[string]any{
			"status":        domain.ItemStatusPending,
			"retry_count":   0,
			"artifact_ref":  nil,
			"actual_cost":   nil,
			"quality_score": nil,
			"duration_ms":   nil,
			"error_message": nil,
			"error_code":    nil,
		})
	return res.RowsAffected, res.Error
}

func (r *GormItemRepo) ErrorCodeHistogram(ctx context.Context, batchID string) (map[domain.ErrorCode]int, error) {
	type countRow struct {
		ErrorCode domain.ErrorCode `gorm:"column:error_code"`
		Count     int              `gorm:"column:count"`
	}

	var rows []countRow
	err := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Select("error_code, COUNT(*) AS count").
		Where("batch_id = ? AND status = ? AND error_code IS NOT NULL", batchID, domain.ItemStatusFailed).
		Group("error_code").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	histogram := make(map[domain.ErrorCode]int, len(rows))
	for _, row := range rows {
		histogram[row.ErrorCode] = row.Count
	}
	return histogram, nil
}

func (r *GormItemRepo) SumActualCost(ctx context.Context, batchID string) (float64, error) {
	var total *float64
	err := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Select("SUM(actual_cost)").
		Where("batch_id = ?", batchID).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}
