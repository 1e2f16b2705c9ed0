package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/leadfoundry/batch-engine/internal/domain"
	"github.com/leadfoundry/batch-engine/internal/repository"
	"github.com/leadfoundry/batch-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 20
	maxPageSize     = 100

	defaultAnalyticsDays = 30
	maxAnalyticsDays     = 365
)

type BatchAPI interface {
	Preview(ctx context.Context, req service.PreviewRequest) (*service.PreviewResponse, error)
	Start(ctx context.Context, req service.StartRequest) (*domain.Batch, error)
	GetStatus(ctx context.Context, batchID string) (*service.StatusReport, error)
	List(ctx context.Context, req service.ListRequest) (*service.ListResponse, error)
	Cancel(ctx context.Context, batchID string) (*domain.Batch, error)
	Retry(ctx context.Context, batchID string) (*domain.Batch, error)
	Analytics(ctx context.Context, days int) (*repository.AnalyticsReport, error)
}

type BatchHandler struct {
	service BatchAPI
}

func NewBatchHandler(service BatchAPI) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchAPI) error {
	h, err := NewBatchHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches/preview", h.PreviewBatch)
	v1.Post("/batches", h.StartBatch)
	v1.Get("/batches", h.ListBatches)
	v1.Get("/batches/analytics", h.GetAnalytics)
	v1.Get("/batches/:id/status", h.GetBatchStatus)
	v1.Post("/batches/:id/cancel", h.CancelBatch)
	v1.Post("/batches/:id/retry", h.RetryBatch)

	return nil
}

type previewBatchRequest struct {
	LeadIDs        []string `json:"leadIds"`
	Mode           string   `json:"mode"`
	MaxConcurrent  int      `json:"maxConcurrent"`
	BudgetOverride *float64 `json:"budgetOverride,omitempty"`
}

type previewBatchResponse struct {
	ItemCount          int                `json:"itemCount"`
	ValidItemCount     int                `json:"validItemCount"`
	BaseCost           float64            `json:"baseCost"`
	ProviderCosts      map[string]float64 `json:"providerCosts"`
	DiscountMultiplier float64            `json:"discountMultiplier"`
	Subtotal           float64            `json:"subtotal"`
	Overhead           float64            `json:"overhead"`
	TotalCost          float64            `json:"totalCost"`
	CostPerItem        float64            `json:"costPerItem"`
	EstimatedMinutes   float64            `json:"estimatedMinutes"`
	Disclaimer         string             `json:"disclaimer"`
	Budget             budgetResponse     `json:"budget"`
	UnknownLeadIDs     []string           `json:"unknownLeadIds,omitempty"`
}

type budgetResponse struct {
	WithinBudget bool    `json:"withinBudget"`
	Remaining    float64 `json:"remaining"`
	Warning      string  `json:"warning,omitempty"`
}

type startBatchRequest struct {
	LeadIDs       []string `json:"leadIds"`
	Mode          string   `json:"mode"`
	MaxConcurrent int      `json:"maxConcurrent"`
	RetryEnabled  bool     `json:"retryEnabled"`
	MaxRetries    int      `json:"maxRetries"`
	EstimatedCost float64  `json:"estimatedCost"`
	CostApproved  bool     `json:"costApproved"`
	CreatedBy     string   `json:"createdBy"`
}

type batchResponse struct {
	ID             string     `json:"id"`
	CreatedBy      string     `json:"createdBy"`
	CorrelationID  string     `json:"correlationId,omitempty"`
	Mode           string     `json:"mode"`
	Status         string     `json:"status"`
	TotalItems     int        `json:"totalItems"`
	ProcessedItems int        `json:"processedItems"`
	SuccessItems   int        `json:"successItems"`
	FailedItems    int        `json:"failedItems"`
	Percentage     float64    `json:"percentage"`
	MaxConcurrent  int        `json:"maxConcurrent"`
	RetryEnabled   bool       `json:"retryEnabled"`
	EstimatedCost  float64    `json:"estimatedCost"`
	ActualCost     float64    `json:"actualCost"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

type startBatchResponse struct {
	batchResponse
	ProgressURL string `json:"progressUrl"`
}

type batchStatusResponse struct {
	Batch       batchResponse  `json:"batch"`
	RecentItems []itemResponse `json:"recentItems"`
	ErrorCodes  map[string]int `json:"errorCodes"`
	SuccessRate float64        `json:"successRate"`
	DurationSec *float64       `json:"durationSec,omitempty"`
}

type itemResponse struct {
	ID           string   `json:"id"`
	LeadID       string   `json:"leadId"`
	OrderIndex   int      `json:"orderIndex"`
	Status       string   `json:"status"`
	ArtifactRef  *string  `json:"artifactRef,omitempty"`
	ActualCost   *float64 `json:"actualCost,omitempty"`
	QualityScore *float64 `json:"qualityScore,omitempty"`
	DurationMS   *int64   `json:"durationMs,omitempty"`
	ErrorCode    *string  `json:"errorCode,omitempty"`
	ErrorMessage *string  `json:"errorMessage,omitempty"`
	RetryCount   int      `json:"retryCount"`
}

type listBatchesResponse struct {
	Data []batchResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type analyticsResponse struct {
	TotalBatches    int64            `json:"totalBatches"`
	CountsByStatus  map[string]int64 `json:"countsByStatus"`
	AvgSuccessRate  float64          `json:"avgSuccessRate"`
	TotalCost       float64          `json:"totalCost"`
	AvgCost         float64          `json:"avgCost"`
	AvgDurationSecs float64          `json:"avgDurationSecs"`
	WindowDays      int              `json:"windowDays"`
}

func (h *BatchHandler) PreviewBatch(c *fiber.Ctx) error {
	var req previewBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	resp, err := h.service.Preview(c.Context(), service.PreviewRequest{
		LeadIDs:        trimAll(req.LeadIDs),
		Mode:           req.Mode,
		MaxConcurrent:  req.MaxConcurrent,
		BudgetOverride: req.BudgetOverride,
	})
	if err != nil {
		return toHTTPError(err)
	}

	preview := resp.Preview
	return c.Status(fiber.StatusOK).JSON(previewBatchResponse{
		ItemCount:          preview.ItemCount,
		ValidItemCount:     preview.ValidItemCount,
		BaseCost:           preview.BaseCost,
		ProviderCosts:      preview.ProviderCosts,
		DiscountMultiplier: preview.DiscountMultiplier,
		Subtotal:           preview.Subtotal,
		Overhead:           preview.Overhead,
		TotalCost:          preview.TotalCost,
		CostPerItem:        preview.CostPerItem,
		EstimatedMinutes:   preview.EstimatedDuration.Minutes(),
		Disclaimer:         preview.Disclaimer,
		Budget: budgetResponse{
			WithinBudget: resp.Budget.WithinBudget,
			Remaining:    resp.Budget.Remaining,
			Warning:      resp.Budget.Warning,
		},
		UnknownLeadIDs: resp.UnknownLeadIDs,
	})
}

func (h *BatchHandler) StartBatch(c *fiber.Ctx) error {
	var req startBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	batch, err := h.service.Start(c.Context(), service.StartRequest{
		CreatedBy:     strings.TrimSpace(req.CreatedBy),
		CorrelationID: requestCorrelationID(c),
		LeadIDs:       trimAll(req.LeadIDs),
		Mode:          req.Mode,
		MaxConcurrent: req.MaxConcurrent,
		RetryEnabled:  req.RetryEnabled,
		MaxRetries:    req.MaxRetries,
		EstimatedCost: req.EstimatedCost,
		CostApproved:  req.CostApproved,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(startBatchResponse{
		batchResponse: toBatchResponse(batch),
		ProgressURL:   fmt.Sprintf("/v1/batches/%s/progress", batch.ID),
	})
}

func (h *BatchHandler) GetBatchStatus(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	report, err := h.service.GetStatus(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]itemResponse, 0, len(report.RecentItems))
	for i := range report.RecentItems {
		items = append(items, toItemResponse(&report.RecentItems[i]))
	}

	codes := make(map[string]int, len(report.ErrorCodes))
	for code, count := range report.ErrorCodes {
		codes[code.String()] = count
	}

	resp := batchStatusResponse{
		Batch:       toBatchResponse(report.Batch),
		RecentItems: items,
		ErrorCodes:  codes,
		SuccessRate: report.Batch.SuccessRate(),
	}
	if duration, ok := report.Batch.Duration(); ok {
		secs := duration.Seconds()
		resp.DurationSec = &secs
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	req, err := parseListRequest(c)
	if err != nil {
		return toHTTPError(err)
	}

	resp, err := h.service.List(c.Context(), req)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]batchResponse, 0, len(resp.Batches))
	for i := range resp.Batches {
		data = append(data, toBatchResponse(&resp.Batches[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{
		Data: data,
		Meta: listMeta{
			Page:     resp.Page,
			PageSize: resp.PageSize,
			Total:    resp.Total,
		},
	})
}

func (h *BatchHandler) CancelBatch(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	batch, err := h.service.Cancel(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch))
}

func (h *BatchHandler) RetryBatch(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	batch, err := h.service.Retry(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(startBatchResponse{
		batchResponse: toBatchResponse(batch),
		ProgressURL:   fmt.Sprintf("/v1/batches/%s/progress", batch.ID),
	})
}

func (h *BatchHandler) GetAnalytics(c *fiber.Ctx) error {
	days := c.QueryInt("days", defaultAnalyticsDays)
	if days < 1 || days > maxAnalyticsDays {
		return toHTTPError(fmt.Errorf("%w: days must be between 1 and %d", domain.ErrValidation, maxAnalyticsDays))
	}

	report, err := h.service.Analytics(c.Context(), days)
	if err != nil {
		return toHTTPError(err)
	}

	counts := make(map[string]int64, len(report.CountsByStatus))
	for status, count := range report.CountsByStatus {
		counts[status.String()] = count
	}

	return c.Status(fiber.StatusOK).JSON(analyticsResponse{
		TotalBatches:    report.TotalBatches,
		CountsByStatus:  counts,
		AvgSuccessRate:  report.AvgSuccessRate,
		TotalCost:       report.TotalCost,
		AvgCost:         report.AvgCost,
		AvgDurationSecs: report.AvgDurationSecs,
		WindowDays:      days,
	})
}

func parseListRequest(c *fiber.Ctx) (service.ListRequest, error) {
	req := service.ListRequest{
		Status:    strings.TrimSpace(c.Query("status")),
		CreatedBy: strings.TrimSpace(c.Query("createdBy")),
		Mode:      strings.TrimSpace(c.Query("mode")),
		Page:      c.QueryInt("page", defaultPage),
		PageSize:  c.QueryInt("pageSize", defaultPageSize),
	}

	if req.Page < 1 {
		return service.ListRequest{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if req.PageSize < 1 || req.PageSize > maxPageSize {
		return service.ListRequest{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return service.ListRequest{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return service.ListRequest{}, err
	}
	req.From = from
	req.To = to

	return req, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

// requestCorrelationID prefers an explicit X-Request-ID header over the id
// generated by the requestid middleware.
func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func toBatchResponse(b *domain.Batch) batchResponse {
	if b == nil {
		return batchResponse{}
	}

	return batchResponse{
		ID:             b.ID,
		CreatedBy:      b.CreatedBy,
		CorrelationID:  b.CorrelationID,
		Mode:           b.Mode.String(),
		Status:         b.Status.String(),
		TotalItems:     b.TotalItems,
		ProcessedItems: b.ProcessedItems,
		SuccessItems:   b.SuccessItems,
		FailedItems:    b.FailedItems,
		Percentage:     b.ProgressPercentage(),
		MaxConcurrent:  b.MaxConcurrent,
		RetryEnabled:   b.RetryEnabled,
		EstimatedCost:  b.EstimatedCost,
		ActualCost:     b.ActualCost,
		ErrorMessage:   b.ErrorMessage,
		CreatedAt:      b.CreatedAt,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
	}
}

func toItemResponse(item *domain.BatchItem) itemResponse {
	resp := itemResponse{
		ID:           item.ID,
		LeadID:       item.LeadID,
		OrderIndex:   item.OrderIndex,
		Status:       item.Status.String(),
		ArtifactRef:  item.ArtifactRef,
		ActualCost:   item.ActualCost,
		QualityScore: item.QualityScore,
		DurationMS:   item.DurationMS,
		ErrorMessage: item.ErrorMessage,
		RetryCount:   item.RetryCount,
	}
	if item.ErrorCode != nil {
		code := item.ErrorCode.String()
		resp.ErrorCode = &code
	}
	return resp
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnprocessable):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	default:
		return err
	}
}
