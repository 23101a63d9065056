package bouncer

import "encoding/json"

// BatchStatus values the provider reports. Anything else maps to
// StatusUnknown and gets re-polled.
type BatchStatus string

const (
	StatusQueued     BatchStatus = "queued"
	StatusProcessing BatchStatus = "processing"
	StatusCompleted  BatchStatus = "completed"
	StatusFailed     BatchStatus = "failed"
	StatusUnknown    BatchStatus = "unknown"
)

// ParseStatus normalizes a raw provider status string.
func ParseStatus(raw string) BatchStatus {
	switch BatchStatus(raw) {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return BatchStatus(raw)
	default:
		return StatusUnknown
	}
}

// CreateBatchResponse is the provider's reply to a batch submission.
type CreateBatchResponse struct {
	BatchID    string `json:"batch_id"`
	Quantity   int    `json:"quantity"`
	Duplicates int    `json:"duplicates"`
}

// StatusResponse is the provider's reply to a status poll.
type StatusResponse struct {
	BatchID  string `json:"batch_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// EmailResult is one verified email in a downloaded result set.
type EmailResult struct {
	Email       string          `json:"email"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason"`
	Score       float64         `json:"score"`
	Toxic       string          `json:"toxic"`
	Toxicity    int             `json:"toxicity"`
	Provider    string          `json:"provider"`
	DomainInfo  json.RawMessage `json:"domain_info"`
	AccountInfo json.RawMessage `json:"account_info"`
	DNSInfo     json.RawMessage `json:"dns_info"`
}

type createBatchRequest struct {
	Emails []batchEmail `json:"emails"`
}

type batchEmail struct {
	Email string `json:"email"`
}
