package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

// dedupTTL keeps cache entries long past any realistic provider retry window.
const dedupTTL = 24 * time.Hour

// RawMessage is the provider-agnostic input to Ingest: the minimal fields
// needed for dedup and display.
type RawMessage struct {
	ExternalID       *string
	ThreadExternalID string
	Content          string
	Direction        string
	Origin           string
	CreatedAt        time.Time
}

// Ingestor records messages exactly once. The provider external id is the
// dedup key: re-delivery of a message already in the conversation returns the
// existing row and fires no side effects, so the whole call is safe to retry.
type Ingestor struct {
	connections   ports.ConnectionRepository
	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	dedup         ports.DedupCache
	providers     ports.ProviderRegistry
	refresher     *Refresher
	events        ports.EventPublisher

	now func() time.Time
}

// NewIngestor creates an ingestor with dependencies injected.
func NewIngestor(
	connections ports.ConnectionRepository,
	conversations ports.ConversationRepository,
	messages ports.MessageRepository,
	dedup ports.DedupCache,
	providers ports.ProviderRegistry,
	refresher *Refresher,
	events ports.EventPublisher,
) *Ingestor {
	return &Ingestor{
		connections:   connections,
		conversations: conversations,
		messages:      messages,
		dedup:         dedup,
		providers:     providers,
		refresher:     refresher,
		events:        events,
		now:           time.Now,
	}
}

// Ingest resolves the owning conversation and records the message. Duplicate
// external ids return the already-stored row; analytics counters and the
// conversation preview move exactly once per distinct message.
func (s *Ingestor) Ingest(ctx context.Context, tenantID, userID, connectionID int64, raw RawMessage) (*domain.Message, error) {
	if err := validateRaw(raw); err != nil {
		return nil, err
	}

	conn, err := s.connections.GetByID(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.UserID != userID {
		return nil, domain.ErrNotFound
	}

	conv, err := s.conversations.GetOrCreate(ctx, tenantID, userID, connectionID, raw.ThreadExternalID)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	if raw.ExternalID != nil {
		hit, err := s.dedup.IsDuplicate(ctx, dedupKey(conv.ID, *raw.ExternalID))
		if err != nil {
			slog.Warn("Dedup cache check failed, falling back to store",
				"error", err,
				"conversation_id", conv.ID,
			)
			hit = false
		}
		if hit {
			existing, err := s.messages.FindByExternalID(ctx, conv.ID, *raw.ExternalID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				slog.Info("Duplicate message skipped",
					"conversation_id", conv.ID,
					"external_id", *raw.ExternalID,
				)
				return existing, nil
			}
			// Stale cache entry; fall through to the insert.
		}
	}

	createdAt := raw.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	msg := &domain.Message{
		ConversationID: conv.ID,
		Content:        raw.Content,
		Direction:      raw.Direction,
		Origin:         raw.Origin,
		ExternalID:     raw.ExternalID,
		CreatedAt:      createdAt,
	}

	duplicate, err := s.messages.InsertIngested(ctx, tenantID, userID, msg)
	if err != nil {
		return nil, fmt.Errorf("ingest message: %w", err)
	}
	if duplicate {
		// Lost the insert race to a concurrent delivery; the winner's row is
		// the message.
		existing, err := s.messages.FindByExternalID(ctx, conv.ID, *raw.ExternalID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("duplicate insert but row missing: conversation %d", conv.ID)
		}
		return existing, nil
	}

	if raw.ExternalID != nil {
		if err := s.dedup.MarkProcessed(ctx, dedupKey(conv.ID, *raw.ExternalID), dedupTTL); err != nil {
			// Cache only; the unique index already holds the truth.
			slog.Warn("Failed to mark dedup cache", "error", err, "conversation_id", conv.ID)
		}
	}

	if s.events != nil {
		s.events.PublishMessageIngested(tenantID, conv.ID, msg.ID, preview(msg.Content))
	}

	slog.Info("Message ingested",
		"tenant_id", tenantID,
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"direction", msg.Direction,
	)
	return msg, nil
}

// Send delivers an outbound message through the provider, then records it by
// the provider-assigned id. A locally retried send after a lost response
// dedups against that id like any other ingestion.
//
// The provider call happens first: a failed send never leaves a phantom
// message row behind.
func (s *Ingestor) Send(ctx context.Context, tenantID, userID, connectionID int64, threadExternalID, content, origin string) (*domain.Message, error) {
	if threadExternalID == "" {
		return nil, domain.Validationf("target", "thread external id is required")
	}
	if content == "" {
		return nil, domain.Validationf("content", "message content is required")
	}
	if origin == "" {
		origin = domain.OriginHuman
	}
	if origin != domain.OriginHuman && origin != domain.OriginGenerated {
		return nil, domain.Validationf("origin", "unknown origin %q", origin)
	}

	token, err := s.refresher.GetValidToken(ctx, tenantID, userID, connectionID)
	if err != nil {
		return nil, err
	}
	conn, err := s.connections.GetByID(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	client, err := s.providers.Lookup(conn.Provider)
	if err != nil {
		return nil, err
	}

	providerMsgID, err := client.Send(ctx, token, threadExternalID, content)
	if err != nil {
		return nil, fmt.Errorf("%w: send: %w", domain.ErrProviderUnavailable, err)
	}

	return s.Ingest(ctx, tenantID, userID, connectionID, RawMessage{
		ExternalID:       &providerMsgID,
		ThreadExternalID: threadExternalID,
		Content:          content,
		Direction:        domain.DirectionFromAgent,
		Origin:           origin,
	})
}

// SyncInbound pulls messages from the provider past the cursor and ingests
// each one. Returns the next cursor and how many messages were new.
func (s *Ingestor) SyncInbound(ctx context.Context, tenantID, userID, connectionID int64, cursor string) (string, int, error) {
	token, err := s.refresher.GetValidToken(ctx, tenantID, userID, connectionID)
	if err != nil {
		return "", 0, err
	}
	conn, err := s.connections.GetByID(ctx, tenantID, connectionID)
	if err != nil {
		return "", 0, err
	}
	client, err := s.providers.Lookup(conn.Provider)
	if err != nil {
		return "", 0, err
	}

	inbound, next, err := client.Fetch(ctx, token, cursor)
	if err != nil {
		return "", 0, fmt.Errorf("%w: fetch: %w", domain.ErrProviderUnavailable, err)
	}

	processed := 0
	for i := range inbound {
		m := inbound[i]
		extID := m.ExternalID
		var keyPtr *string
		if extID != "" {
			keyPtr = &extID
		}
		_, err := s.Ingest(ctx, tenantID, userID, connectionID, RawMessage{
			ExternalID:       keyPtr,
			ThreadExternalID: m.ThreadExternalID,
			Content:          m.Content,
			Direction:        m.Direction,
			Origin:           domain.OriginHuman,
			CreatedAt:        m.CreatedAt,
		})
		if err != nil {
			// Stop at the first failure so the caller can retry from the
			// same cursor; everything already ingested dedups on retry.
			return "", processed, err
		}
		processed++
	}

	return next, processed, nil
}

func validateRaw(raw RawMessage) error {
	if raw.ThreadExternalID == "" {
		return domain.Validationf("thread_external_id", "thread external id is required")
	}
	if raw.Direction != domain.DirectionFromCustomer && raw.Direction != domain.DirectionFromAgent {
		return domain.Validationf("direction", "unknown direction %q", raw.Direction)
	}
	if raw.Origin != domain.OriginHuman && raw.Origin != domain.OriginGenerated {
		return domain.Validationf("origin", "unknown origin %q", raw.Origin)
	}
	if raw.ExternalID != nil && *raw.ExternalID == "" {
		return domain.Validationf("external_id", "external id must be non-empty when present")
	}
	return nil
}

func dedupKey(conversationID int64, externalID string) string {
	return fmt.Sprintf("%d:%s", conversationID, externalID)
}

func preview(content string) string {
	const max = 50
	if len(content) > max {
		return content[:max] + "..."
	}
	return content
}
