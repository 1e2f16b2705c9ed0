package progress

import "time"

// EventKind discriminates the payloads pushed over a live channel.
type EventKind string

const (
	EventConnectionEstablished EventKind = "connection_established"
	EventProgressUpdate        EventKind = "progress_update"
	EventLeadUpdate            EventKind = "lead_update"
	EventBatchCompleted        EventKind = "batch_completed"
	EventBatchError            EventKind = "batch_error"
)

// Event is one typed message delivered to a batch observer.
type Event struct {
	Kind      EventKind        `json:"kind"`
	BatchID   string           `json:"batchId"`
	Timestamp time.Time        `json:"timestamp"`
	Progress  *ProgressPayload `json:"progress,omitempty"`
	Lead      *LeadPayload     `json:"lead,omitempty"`
	Summary   *SummaryPayload  `json:"summary,omitempty"`
	Error     *ErrorPayload    `json:"error,omitempty"`
}

type ProgressPayload struct {
	Processed     int     `json:"processed"`
	Total         int     `json:"total"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	Percentage    float64 `json:"percentage"`
	CurrentItemID *string `json:"currentItemId,omitempty"`
}

type LeadPayload struct {
	ItemID       string   `json:"itemId"`
	LeadID       string   `json:"leadId"`
	Status       string   `json:"status"`
	ArtifactRef  *string  `json:"artifactRef,omitempty"`
	QualityScore *float64 `json:"qualityScore,omitempty"`
	ErrorCode    *string  `json:"errorCode,omitempty"`
}

type SummaryPayload struct {
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	TotalCost   float64 `json:"totalCost"`
	SuccessRate float64 `json:"successRate"`
	DurationSec float64 `json:"durationSec"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
