package repository

import (
	"time"

	"github.com/leadfoundry/batch-engine/internal/domain"
)

// BatchModel is the persistence model for the batches table.
type BatchModel struct {
	ID             string                `gorm:"type:uuid;primaryKey"`
	CreatedBy      string                `gorm:"type:varchar(64);not null"`
	CorrelationID  string                `gorm:"type:varchar(64)"`
	Mode           domain.ProcessingMode `gorm:"type:varchar(16);not null"`
	TotalItems     int                   `gorm:"not null"`
	MaxConcurrent  int                   `gorm:"not null;default:5"`
	RetryEnabled   bool                  `gorm:"not null;default:true"`
	MaxRetries     int                   `gorm:"not null;default:2"`
	EstimatedCost  float64               `gorm:"type:numeric(12,4);not null;default:0"`
	ActualCost     float64               `gorm:"type:numeric(12,4);not null;default:0"`
	CostApproved   bool                  `gorm:"not null;default:false"`
	Status         domain.BatchStatus    `gorm:"type:varchar(20);not null"`
	ProcessedItems int                   `gorm:"not null;default:0"`
	SuccessItems   int                   `gorm:"not null;default:0"`
	FailedItems    int                   `gorm:"not null;default:0"`
	CurrentItemID  *string               `gorm:"type:uuid"`
	ErrorMessage   *string               `gorm:"type:text"`
	CreatedAt      time.Time
	StartedAt      *time.Time `gorm:"type:timestamptz"`
	CompletedAt    *time.Time `gorm:"type:timestamptz"`
}

func (BatchModel) TableName() string {
	return "batches"
}

// BatchItemModel is the persistence model for the batch_items table.
type BatchItemModel struct {
	ID           string            `gorm:"type:uuid;primaryKey"`
	BatchID      string            `gorm:"type:uuid;not null"`
	LeadID       string            `gorm:"type:uuid;not null"`
	OrderIndex   int               `gorm:"not null"`
	Status       domain.ItemStatus `gorm:"type:varchar(20);not null"`
	ArtifactRef  *string           `gorm:"type:varchar(255)"`
	ActualCost   *float64          `gorm:"type:numeric(12,4)"`
	QualityScore *float64          `gorm:"type:numeric(5,4)"`
	DurationMS   *int64            `gorm:"type:bigint"`
	ErrorMessage *string           `gorm:"type:text"`
	ErrorCode    *domain.ErrorCode `gorm:"type:varchar(32)"`
	RetryCount   int               `gorm:"not null;default:0"`
	MaxRetries   int               `gorm:"not null;default:2"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (BatchItemModel) TableName() string {
	return "batch_items"
}

// LeadModel is the persistence model for the leads table. The engine treats
// leads as read-only input owned by the wider platform.
type LeadModel struct {
	ID              string   `gorm:"type:uuid;primaryKey"`
	BusinessName    string   `gorm:"type:varchar(255);not null"`
	WebsiteURL      *string  `gorm:"type:varchar(512)"`
	Score           *float64 `gorm:"type:numeric(5,4)"`
	NeedsEnrichment bool     `gorm:"not null;default:false"`
	CreatedAt       time.Time
}

func (LeadModel) TableName() string {
	return "leads"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:             b.ID,
		CreatedBy:      b.CreatedBy,
		CorrelationID:  b.CorrelationID,
		Mode:           b.Mode,
		TotalItems:     b.TotalItems,
		MaxConcurrent:  b.MaxConcurrent,
		RetryEnabled:   b.RetryEnabled,
		MaxRetries:     b.MaxRetries,
		EstimatedCost:  b.EstimatedCost,
		ActualCost:     b.ActualCost,
		CostApproved:   b.CostApproved,
		Status:         b.Status,
		ProcessedItems: b.ProcessedItems,
		SuccessItems:   b.SuccessItems,
		FailedItems:    b.FailedItems,
		CurrentItemID:  b.CurrentItemID,
		ErrorMessage:   b.ErrorMessage,
		CreatedAt:      b.CreatedAt,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:             m.ID,
		CreatedBy:      m.CreatedBy,
		CorrelationID:  m.CorrelationID,
		Mode:           m.Mode,
		TotalItems:     m.TotalItems,
		MaxConcurrent:  m.MaxConcurrent,
		RetryEnabled:   m.RetryEnabled,
		MaxRetries:     m.MaxRetries,
		EstimatedCost:  m.EstimatedCost,
		ActualCost:     m.ActualCost,
		CostApproved:   m.CostApproved,
		Status:         m.Status,
		ProcessedItems: m.ProcessedItems,
		SuccessItems:   m.SuccessItems,
		FailedItems:    m.FailedItems,
		CurrentItemID:  m.CurrentItemID,
		ErrorMessage:   m.ErrorMessage,
		CreatedAt:      m.CreatedAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}
}

func itemModelFromDomain(i *domain.BatchItem) *BatchItemModel {
	if i == nil {
		return nil
	}

	return &BatchItemModel{
		ID:           i.ID,
		BatchID:      i.BatchID,
		LeadID:       i.LeadID,
		OrderIndex:   i.OrderIndex,
		Status:       i.Status,
		ArtifactRef:  i.ArtifactRef,
		ActualCost:   i.ActualCost,
		QualityScore: i.QualityScore,
		DurationMS:   i.DurationMS,
		ErrorMessage: i.ErrorMessage,
		ErrorCode:    i.ErrorCode,
		RetryCount:   i.RetryCount,
		MaxRetries:   i.MaxRetries,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

func itemModelToDomain(m *BatchItemModel) *domain.BatchItem {
	if m == nil {
		return nil
	}

	return &domain.BatchItem{
		ID:           m.ID,
		BatchID:      m.BatchID,
		LeadID:       m.LeadID,
		OrderIndex:   m.OrderIndex,
		Status:       m.Status,
		ArtifactRef:  m.ArtifactRef,
		ActualCost:   m.ActualCost,
		QualityScore: m.QualityScore,
		DurationMS:   m.DurationMS,
		ErrorMessage: m.ErrorMessage,
		ErrorCode:    m.ErrorCode,
		RetryCount:   m.RetryCount,
		MaxRetries:   m.MaxRetries,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func leadModelToDomain(m *LeadModel) *domain.Lead {
	if m == nil {
		return nil
	}

	return &domain.Lead{
		ID:              m.ID,
		BusinessName:    m.BusinessName,
		WebsiteURL:      m.WebsiteURL,
		Score:           m.Score,
		NeedsEnrichment: m.NeedsEnrichment,
		CreatedAt:       m.CreatedAt,
	}
}
