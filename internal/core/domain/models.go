// Package domain contains core business entities.
// Following Hexagonal Architecture: these models are infrastructure-agnostic.
package domain

import (
	"encoding/json"
	"time"
)

// CredentialState values for a PlatformConnection lifecycle.
const (
	StateDisconnected         = "disconnected"
	StatePendingAuthorization = "pending_authorization"
	StateConnected            = "connected"
	StateExpired              = "expired"
)

// PlatformConnection holds one tenant's credential for one external provider.
// One row per (tenant_id, user_id, provider).
//
// Invariants enforced by the stores and services:
//   - AccessToken is non-nil exactly when CredentialState == StateConnected.
//   - At most one connected row exists per (tenant_id, user_id, provider).
type PlatformConnection struct {
	ID              int64           `json:"id" db:"id"`
	TenantID        int64           `json:"tenant_id" db:"tenant_id"`
	UserID          int64           `json:"user_id" db:"user_id"`
	Provider        string          `json:"provider" db:"provider"` // "slack", "facebook", ...
	DisplayName     string          `json:"display_name" db:"display_name"`
	ProviderAccount string          `json:"provider_account" db:"provider_account"` // remote account/workspace/page id
	CredentialState string          `json:"credential_state" db:"credential_state"`
	AccessToken     *string         `json:"-" db:"access_token"`  // never expose in JSON
	RefreshToken    *string         `json:"-" db:"refresh_token"` // never expose in JSON
	TokenExpiry     *time.Time      `json:"token_expiry,omitempty" db:"token_expiry"`
	ProviderMeta    json.RawMessage `json:"provider_metadata,omitempty" db:"provider_metadata"`
	Version         int64           `json:"version" db:"version"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Connected reports whether the connection currently carries a usable credential.
func (c *PlatformConnection) Connected() bool {
	return c.CredentialState == StateConnected && c.AccessToken != nil
}

// TokenExpiresWithin reports whether the access token expires before now+d.
// A nil expiry means the provider issued a non-expiring token.
func (c *PlatformConnection) TokenExpiresWithin(now time.Time, d time.Duration) bool {
	if c.TokenExpiry == nil {
		return false
	}
	return c.TokenExpiry.Sub(now) < d
}

// AuthorizationHandshake is the one-time CSRF state binding an OAuth redirect
// to the initiate call that issued it. Consumed on first callback, valid or not.
type AuthorizationHandshake struct {
	State     string    `json:"state" db:"state"`
	TenantID  int64     `json:"tenant_id" db:"tenant_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Provider  string    `json:"provider" db:"provider"`
	IssuedAt  time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the handshake TTL has elapsed.
func (h *AuthorizationHandshake) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// Matches reports whether the handshake was issued for the given key.
func (h *AuthorizationHandshake) Matches(tenantID, userID int64, provider string) bool {
	return h.TenantID == tenantID && h.UserID == userID && h.Provider == provider
}

// ConversationStatus constants.
const (
	ConversationStatusUnread   = "unread"
	ConversationStatusRead     = "read"
	ConversationStatusArchived = "archived"
)

// Conversation represents a remote thread/channel surfaced in the inbox.
// ExternalID is the provider's thread id, unique per (tenant, connection).
type Conversation struct {
	ID            int64      `json:"id" db:"id"`
	TenantID      int64      `json:"tenant_id" db:"tenant_id"`
	UserID        int64      `json:"user_id" db:"user_id"`
	ConnectionID  int64      `json:"connection_id" db:"connection_id"`
	ExternalID    string     `json:"external_id" db:"external_id"`
	LastMessage   *string    `json:"last_message,omitempty" db:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	Status        string     `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Message direction constants.
const (
	DirectionFromCustomer = "from_customer"
	DirectionFromAgent    = "from_agent"
)

// Message origin constants.
const (
	OriginHuman     = "human"
	OriginGenerated = "generated"
)

// Message is a single inbound or outbound message in a conversation.
// ExternalID is the provider's message id; when non-nil it is the dedup key,
// unique per conversation.
type Message struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID int64     `json:"conversation_id" db:"conversation_id"`
	Content        string    `json:"content" db:"content"`
	Direction      string    `json:"direction" db:"direction"`
	Origin         string    `json:"origin" db:"origin"`
	ExternalID     *string   `json:"external_id,omitempty" db:"external_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// AnalyticsCounters is the per-(tenant, user) usage rollup. Mutated only as a
// side effect of non-duplicate message ingestion.
type AnalyticsCounters struct {
	TenantID           int64     `json:"tenant_id" db:"tenant_id"`
	UserID             int64     `json:"user_id" db:"user_id"`
	TotalMessages      int64     `json:"total_messages" db:"total_messages"`
	GeneratedResponses int64     `json:"generated_responses" db:"generated_responses"`
	ManualResponses    int64     `json:"manual_responses" db:"manual_responses"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// WebhookStatus constants for the audit log lifecycle.
const (
	WebhookStatusPending   = "pending"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// WebhookLog is the audit trail row for an inbound provider webhook. Payloads
// are persisted before processing so failed deliveries can be replayed.
type WebhookLog struct {
	ID          int64           `json:"id" db:"id"`
	Provider    string          `json:"provider" db:"provider"`
	PayloadJSON json.RawMessage `json:"payload_json" db:"payload_json"`
	Status      string          `json:"status" db:"status"`
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	ErrorLog    *string         `json:"error_log,omitempty" db:"error_log"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
