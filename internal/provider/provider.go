package provider

import (
	"context"

	"github.com/leadfoundry/batch-engine/internal/domain"
)

// Processor is the outbound port performing one item's unit of work:
// generating a report artifact for a lead.
type Processor interface {
	Process(ctx context.Context, lead domain.Lead, mode domain.ProcessingMode) (*ProcessResult, error)
}

// ProcessResult carries the artifact and cost metadata of a successful
// unit of work.
type ProcessResult struct {
	ArtifactRef  string
	ActualCost   float64
	QualityScore float64
}
