// Package dto contains data transfer objects for external payloads.
// Separating DTOs from handlers prevents import cycles.
package dto

import "time"

// WebhookRequest is the normalized inbound webhook envelope. Provider edges
// deliver their native payloads re-shaped into this form; the core never
// parses provider wire formats directly.
type WebhookRequest struct {
	// AccountID is the provider account/workspace/page the delivery targets.
	// It routes the payload to the owning PlatformConnection.
	AccountID string         `json:"account_id"`
	Events    []WebhookEvent `json:"events"`
}

// WebhookEvent is one message event inside a webhook delivery. Providers can
// batch several events per delivery.
type WebhookEvent struct {
	ExternalID       string `json:"external_id"`        // provider message id, dedup key
	ThreadExternalID string `json:"thread_external_id"` // provider thread/channel id
	Content          string `json:"content"`
	Direction        string `json:"direction"` // "inbound" | "outbound"
	IsEcho           bool   `json:"is_echo,omitempty"`
	Timestamp        int64  `json:"timestamp"` // unix milliseconds
}

// IsCustomerMessage filters out echoes of our own sends and outbound
// confirmations; only genuine customer messages get ingested from webhooks.
func (e *WebhookEvent) IsCustomerMessage() bool {
	return !e.IsEcho && e.Direction == "inbound" && e.ExternalID != ""
}

// CreatedAt converts the provider timestamp to time.Time. Zero when absent.
func (e *WebhookEvent) CreatedAt() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}
