package repository

import (
	"context"
	"errors"

	"github.com/leadfoundry/batch-engine/internal/domain"
	"gorm.io/gorm"
)

type LeadRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Lead, error)
	// GetByIDs resolves the leads that exist among the given ids; unknown
	// ids are simply absent from the result.
	GetByIDs(ctx context.Context, ids []string) ([]domain.Lead, error)
}

type GormLeadRepo struct {
	db *gorm.DB
}

func NewGormLeadRepo(db *gorm.DB) *GormLeadRepo {
	return &GormLeadRepo{db: db}
}

func (r *GormLeadRepo) GetByID(ctx context.Context, id string) (*domain.Lead, error) {
	var model LeadModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return leadModelToDomain(&model), nil
}

func (r *GormLeadRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var models []LeadModel
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	leads := make([]domain.Lead, 0, len(models))
	for i := range models {
		leads = append(leads, *leadModelToDomain(&models[i]))
	}
	return leads, nil
}
