package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/leadfoundry/batch-engine/internal/domain"
)

const defaultReportTimeout = 25 * time.Second

type reportRequest struct {
	LeadID       string  `json:"leadId"`
	BusinessName string  `json:"businessName"`
	WebsiteURL   *string `json:"websiteUrl,omitempty"`
	Template     string  `json:"template"`
	Enrich       bool    `json:"enrich"`
}

type reportResponse struct {
	ArtifactURL  string  `json:"artifactUrl"`
	Cost         float64 `json:"cost"`
	QualityScore float64 `json:"qualityScore"`
}

// ReportAPIProcessor generates lead reports through the platform's report
// generation API.
type ReportAPIProcessor struct {
	client   *resty.Client
	endpoint string
}

func NewReportAPIProcessor(endpoint, apiKey string) (*ReportAPIProcessor, error) {
	client := resty.New()
	client.SetTimeout(defaultReportTimeout)
	client.SetRetryCount(0)
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}

	return NewReportAPIProcessorWithClient(endpoint, client)
}

func NewReportAPIProcessorWithClient(endpoint string, client *resty.Client) (*ReportAPIProcessor, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("report api endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid report api endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultReportTimeout)
	}
	client.SetRetryCount(0)

	return &ReportAPIProcessor{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *ReportAPIProcessor) Process(ctx context.Context, lead domain.Lead, mode domain.ProcessingMode) (*ProcessResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("processor is not initialized")
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: invalid processing mode %q", domain.ErrValidation, mode)
	}

	reqBody := reportRequest{
		LeadID:       lead.ID,
		BusinessName: lead.BusinessName,
		WebsiteURL:   lead.WebsiteURL,
		Template:     strings.ToLower(mode.String()),
		Enrich:       lead.NeedsEnrichment,
	}

	var result reportResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&result).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProcessError{
			Message:   "report api request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProcessError{
			Message:   "report api returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		if strings.TrimSpace(result.ArtifactURL) == "" {
			return nil, &ProcessError{
				StatusCode: statusCode,
				Message:    "report api returned no artifact",
				Transient:  false,
			}
		}
		return &ProcessResult{
			ArtifactRef:  result.ArtifactURL,
			ActualCost:   result.Cost,
			QualityScore: clampScore(result.QualityScore),
		}, nil
	}

	return nil, &ProcessError{
		StatusCode: statusCode,
		Message:    reportErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func reportErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("report api returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
