// Package ports defines interfaces for dependency inversion.
// Following Hexagonal Architecture: core defines contracts, adapters implement them.
package ports

import (
	"context"
	"time"

	"channelhub/internal/core/domain"
)

// ConnectionRepository persists PlatformConnection rows. Every method takes
// the tenant id (and user id where applicable) and scopes its predicate to
// it; a row owned by another tenant behaves exactly like a missing row.
type ConnectionRepository interface {
	// Get returns the connection for the key, or domain.ErrNotFound.
	Get(ctx context.Context, tenantID, userID int64, provider string) (*domain.PlatformConnection, error)

	// GetByID returns the connection visible to the tenant, or domain.ErrNotFound.
	GetByID(ctx context.Context, tenantID, id int64) (*domain.PlatformConnection, error)

	// GetConnectedOrNil returns the connected row for the key, or (nil, nil)
	// when no connected credential exists.
	GetConnectedOrNil(ctx context.Context, tenantID, userID int64, provider string) (*domain.PlatformConnection, error)

	// List returns all of the user's connections, newest first.
	List(ctx context.Context, tenantID, userID int64) ([]domain.PlatformConnection, error)

	// FindByProviderAccount resolves the connected row owning the remote
	// account id. Used to route inbound webhooks, which carry no tenant
	// identity of their own.
	FindByProviderAccount(ctx context.Context, provider, providerAccount string) (*domain.PlatformConnection, error)

	// Upsert inserts or updates the row keyed by (tenant, user, provider).
	// Any write that sets a state other than connected clears the secret
	// columns in the same statement. Fills in ID and Version on return.
	Upsert(ctx context.Context, conn *domain.PlatformConnection) error

	// Supersede atomically disconnects whatever connected credential exists
	// for the key and writes conn as the connected one, in one transaction.
	Supersede(ctx context.Context, conn *domain.PlatformConnection) error

	// UpdateTokensCAS replaces the secret columns iff the row version still
	// equals expectedVersion. Returns domain.ErrVersionConflict otherwise.
	UpdateTokensCAS(ctx context.Context, tenantID, id, expectedVersion int64, accessToken, refreshToken *string, expiry *time.Time) error

	// MarkExpired transitions a connected row to expired and clears its
	// secrets. A no-op if the row is no longer connected.
	MarkExpired(ctx context.Context, tenantID, id int64) error

	// Revoke soft-deletes: state becomes disconnected, secrets are cleared,
	// the row is retained. Idempotent; domain.ErrNotFound if the id is not
	// visible to the tenant.
	Revoke(ctx context.Context, tenantID, id int64) error
}

// HandshakeRepository persists the one-time CSRF states.
type HandshakeRepository interface {
	// Save stores a freshly issued handshake.
	Save(ctx context.Context, hs *domain.AuthorizationHandshake) error

	// Consume atomically loads and deletes the handshake for the state
	// token. Exactly one of two racing calls observes the row; the other
	// gets domain.ErrNotFound.
	Consume(ctx context.Context, state string) (*domain.AuthorizationHandshake, error)

	// PurgeExpired deletes handshakes whose TTL elapsed before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ConversationRepository manages inbox threads.
type ConversationRepository interface {
	// GetOrCreate resolves the conversation for the provider thread id,
	// creating it on first contact. Safe under concurrent creation.
	GetOrCreate(ctx context.Context, tenantID, userID, connectionID int64, externalID string) (*domain.Conversation, error)

	// GetConversation returns the conversation visible to the tenant, or
	// domain.ErrNotFound.
	GetConversation(ctx context.Context, tenantID, id int64) (*domain.Conversation, error)

	// ListConversations returns the user's conversations ordered by last
	// activity.
	ListConversations(ctx context.Context, tenantID, userID int64) ([]domain.Conversation, error)

	// MarkRead flips an unread conversation to read.
	MarkRead(ctx context.Context, tenantID, id int64) error
}

// MessageRepository persists messages together with their ingestion side
// effects.
type MessageRepository interface {
	// FindByExternalID returns the message with the provider id in the
	// conversation, or (nil, nil) when absent.
	FindByExternalID(ctx context.Context, conversationID int64, externalID string) (*domain.Message, error)

	// InsertIngested performs the atomic ingestion unit in one transaction:
	// insert the message, refresh the conversation preview, and bump the
	// analytics counters for (tenantID, userID). When the unique index on
	// (conversation_id, external_id) rejects the insert, it reports
	// duplicate=true and performs no side effects.
	InsertIngested(ctx context.Context, tenantID, userID int64, msg *domain.Message) (duplicate bool, err error)

	// ListByConversation returns the conversation's messages oldest first.
	ListByConversation(ctx context.Context, tenantID, conversationID int64) ([]domain.Message, error)
}

// AnalyticsRepository reads the usage rollup. Writes happen only inside
// MessageRepository.InsertIngested.
type AnalyticsRepository interface {
	GetAnalytics(ctx context.Context, tenantID, userID int64) (*domain.AnalyticsCounters, error)
}

// WebhookLogRepository persists the inbound webhook audit trail.
type WebhookLogRepository interface {
	SaveLog(ctx context.Context, log *domain.WebhookLog) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status string, errorLog *string) error

	// PurgeProcessed deletes processed rows older than the cutoff, at most
	// limit at a time.
	PurgeProcessed(ctx context.Context, olderThan time.Time, limit int64) (int64, error)
}

// DedupCache is the fast-path duplicate filter in front of the messages
// unique index. Losing cache entries is safe: the index remains the authority.
type DedupCache interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
}

// RefreshLease serializes token refresh across instances. Advisory: the CAS
// write on the connection row is the correctness guarantee.
type RefreshLease interface {
	// Acquire takes the per-connection lease. Returns false when another
	// instance holds it.
	Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, connectionID int64) error
}

// EventPublisher pushes inbox events to connected dashboard clients. Must
// never block ingestion.
type EventPublisher interface {
	PublishMessageIngested(tenantID int64, conversationID, messageID int64, preview string)
}
