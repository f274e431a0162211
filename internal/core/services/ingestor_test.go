package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

type ingestorMocks struct {
	connections   *MockConnectionRepository
	conversations *MockConversationRepository
	messages      *MockMessageRepository
	dedup         *MockDedupCache
	lease         *MockRefreshLease
	client        *MockProviderClient
	events        *MockEventPublisher
}

func createTestIngestor() (*Ingestor, *ingestorMocks) {
	m := &ingestorMocks{
		connections:   new(MockConnectionRepository),
		conversations: new(MockConversationRepository),
		messages:      new(MockMessageRepository),
		dedup:         new(MockDedupCache),
		lease:         new(MockRefreshLease),
		client:        &MockProviderClient{name: "slack"},
		events:        new(MockEventPublisher),
	}
	registry := newStubRegistry(m.client)
	refresher := NewRefresher(m.connections, registry, m.lease, 5*time.Minute)
	ingestor := NewIngestor(m.connections, m.conversations, m.messages, m.dedup, registry, refresher, m.events)
	return ingestor, m
}

func ingestConn() *domain.PlatformConnection {
	access := "xoxb-token"
	return &domain.PlatformConnection{
		ID: 9, TenantID: 7, UserID: 42, Provider: "slack",
		ProviderAccount: "T123",
		CredentialState: domain.StateConnected,
		AccessToken:     &access,
	}
}

func strPtr(s string) *string { return &s }

// ============================================================================
// Ingest
// ============================================================================

func TestIngest_NewMessage(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7, UserID: 42, ConnectionID: 9, ExternalID: "C100"}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	m.dedup.On("IsDuplicate", ctx, "5:msg-1").Return(false, nil)
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.MatchedBy(func(msg *domain.Message) bool {
		return msg.ConversationID == 5 && msg.Content == "hello" &&
			msg.Direction == domain.DirectionFromCustomer &&
			msg.ExternalID != nil && *msg.ExternalID == "msg-1"
	})).Run(func(args mock.Arguments) {
		args.Get(3).(*domain.Message).ID = 77
	}).Return(false, nil)
	m.dedup.On("MarkProcessed", ctx, "5:msg-1", dedupTTL).Return(nil)
	m.events.On("PublishMessageIngested", int64(7), int64(5), int64(77), "hello").Return()

	msg, err := ingestor.Ingest(ctx, 7, 42, 9, RawMessage{
		ExternalID:       strPtr("msg-1"),
		ThreadExternalID: "C100",
		Content:          "hello",
		Direction:        domain.DirectionFromCustomer,
		Origin:           domain.OriginHuman,
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(77), msg.ID)
	m.messages.AssertExpectations(t)
	m.events.AssertExpectations(t)
}

func TestIngest_DuplicateCacheHit(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7}
	existing := &domain.Message{ID: 77, ConversationID: 5, ExternalID: strPtr("msg-1")}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	m.dedup.On("IsDuplicate", ctx, "5:msg-1").Return(true, nil)
	m.messages.On("FindByExternalID", ctx, int64(5), "msg-1").Return(existing, nil)

	msg, err := ingestor.Ingest(ctx, 7, 42, 9, RawMessage{
		ExternalID:       strPtr("msg-1"),
		ThreadExternalID: "C100",
		Content:          "hello again",
		Direction:        domain.DirectionFromCustomer,
		Origin:           domain.OriginHuman,
	})

	// The stored row wins; the re-delivered content is discarded.
	assert.NoError(t, err)
	assert.Equal(t, int64(77), msg.ID)
	m.messages.AssertNotCalled(t, "InsertIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.events.AssertNotCalled(t, "PublishMessageIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_DuplicateIndexRace(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7}
	existing := &domain.Message{ID: 77, ConversationID: 5, ExternalID: strPtr("msg-1")}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	m.dedup.On("IsDuplicate", ctx, "5:msg-1").Return(false, nil)
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.Anything).Return(true, nil)
	m.messages.On("FindByExternalID", ctx, int64(5), "msg-1").Return(existing, nil)

	msg, err := ingestor.Ingest(ctx, 7, 42, 9, RawMessage{
		ExternalID:       strPtr("msg-1"),
		ThreadExternalID: "C100",
		Content:          "hello",
		Direction:        domain.DirectionFromCustomer,
		Origin:           domain.OriginHuman,
	})

	// Lost the unique-index race to a concurrent delivery: no counter bump,
	// no event, the winner's row is returned.
	assert.NoError(t, err)
	assert.Equal(t, int64(77), msg.ID)
	m.dedup.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
	m.events.AssertNotCalled(t, "PublishMessageIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_StaleCacheEntry(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	// Cache says duplicate but the store has no row: the cache lied, insert.
	m.dedup.On("IsDuplicate", ctx, "5:msg-1").Return(true, nil)
	m.messages.On("FindByExternalID", ctx, int64(5), "msg-1").Return(nil, nil)
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.Anything).Return(false, nil)
	m.dedup.On("MarkProcessed", ctx, "5:msg-1", dedupTTL).Return(nil)
	m.events.On("PublishMessageIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	_, err := ingestor.Ingest(ctx, 7, 42, 9, RawMessage{
		ExternalID:       strPtr("msg-1"),
		ThreadExternalID: "C100",
		Content:          "hello",
		Direction:        domain.DirectionFromCustomer,
		Origin:           domain.OriginHuman,
	})

	assert.NoError(t, err)
	m.messages.AssertCalled(t, "InsertIngested", ctx, int64(7), int64(42), mock.Anything)
}

func TestIngest_CacheDownFallsBackToStore(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	m.dedup.On("IsDuplicate", ctx, "5:msg-1").Return(false, errors.New("redis down"))
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.Anything).Return(false, nil)
	m.dedup.On("MarkProcessed", ctx, "5:msg-1", dedupTTL).Return(errors.New("redis down"))
	m.events.On("PublishMessageIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	_, err := ingestor.Ingest(ctx, 7, 42, 9, RawMessage{
		ExternalID:       strPtr("msg-1"),
		ThreadExternalID: "C100",
		Content:          "hello",
		Direction:        domain.DirectionFromCustomer,
		Origin:           domain.OriginHuman,
	})

	// Redis being down degrades the fast path only; the unique index still
	// guarantees exactly-once.
	assert.NoError(t, err)
}

func TestIngest_NilExternalIDAlwaysInserts(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.MatchedBy(func(msg *domain.Message) bool {
		return msg.ExternalID == nil
	})).Return(false, nil)
	m.events.On("PublishMessageIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	_, err := ingestor.Ingest(ctx, 7, 42, 9, RawMessage{
		ThreadExternalID: "C100",
		Content:          "note without provider id",
		Direction:        domain.DirectionFromAgent,
		Origin:           domain.OriginHuman,
	})

	assert.NoError(t, err)
	m.dedup.AssertNotCalled(t, "IsDuplicate", mock.Anything, mock.Anything)
	m.dedup.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_ForeignUser(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conn := ingestConn()
	conn.UserID = 99
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(conn, nil)

	_, err := ingestor.Ingest(ctx, 7, 42, 9, RawMessage{
		ThreadExternalID: "C100",
		Content:          "hello",
		Direction:        domain.DirectionFromCustomer,
		Origin:           domain.OriginHuman,
	})

	assert.ErrorIs(t, err, domain.ErrNotFound)
	m.conversations.AssertNotCalled(t, "GetOrCreate",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_Validation(t *testing.T) {
	ingestor, _ := createTestIngestor()
	ctx := context.Background()

	cases := []struct {
		name string
		raw  RawMessage
	}{
		{"missing thread", RawMessage{Direction: domain.DirectionFromCustomer, Origin: domain.OriginHuman}},
		{"bad direction", RawMessage{ThreadExternalID: "C100", Direction: "sideways", Origin: domain.OriginHuman}},
		{"bad origin", RawMessage{ThreadExternalID: "C100", Direction: domain.DirectionFromCustomer, Origin: "robot"}},
		{"empty external id", RawMessage{ThreadExternalID: "C100", Direction: domain.DirectionFromCustomer, Origin: domain.OriginHuman, ExternalID: strPtr("")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestor.Ingest(ctx, 7, 42, 9, tc.raw)
			assert.True(t, domain.IsValidation(err))
		})
	}
}

// ============================================================================
// Send
// ============================================================================

func TestSend_Success(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.client.On("Send", ctx, "xoxb-token", "C100", "on my way").Return("1717171717.000100", nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	m.dedup.On("IsDuplicate", ctx, "5:1717171717.000100").Return(false, nil)
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.MatchedBy(func(msg *domain.Message) bool {
		return msg.Direction == domain.DirectionFromAgent &&
			msg.Origin == domain.OriginHuman &&
			msg.ExternalID != nil && *msg.ExternalID == "1717171717.000100"
	})).Return(false, nil)
	m.dedup.On("MarkProcessed", ctx, "5:1717171717.000100", dedupTTL).Return(nil)
	m.events.On("PublishMessageIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	msg, err := ingestor.Send(ctx, 7, 42, 9, "C100", "on my way", domain.OriginHuman)

	assert.NoError(t, err)
	assert.Equal(t, "1717171717.000100", *msg.ExternalID)
	m.client.AssertExpectations(t)
}

func TestSend_ProviderFailureLeavesNoRow(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.client.On("Send", ctx, "xoxb-token", "C100", "on my way").
		Return("", errors.New("connection reset"))

	_, err := ingestor.Send(ctx, 7, 42, 9, "C100", "on my way", domain.OriginHuman)

	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	m.messages.AssertNotCalled(t, "InsertIngested",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSend_NotConnected(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conn := ingestConn()
	conn.CredentialState = domain.StateDisconnected
	conn.AccessToken = nil
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(conn, nil)

	_, err := ingestor.Send(ctx, 7, 42, 9, "C100", "on my way", domain.OriginHuman)

	assert.ErrorIs(t, err, domain.ErrNotConnected)
	m.client.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ============================================================================
// SyncInbound
// ============================================================================

func TestSyncInbound_IngestsFetchedMessages(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7}
	inbound := []ports.InboundMessage{
		{ExternalID: "m1", ThreadExternalID: "C100", Content: "first", Direction: domain.DirectionFromCustomer},
		{ExternalID: "m2", ThreadExternalID: "C100", Content: "second", Direction: domain.DirectionFromCustomer},
	}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.client.On("Fetch", ctx, "xoxb-token", "cur-1").Return(inbound, "cur-2", nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	m.dedup.On("IsDuplicate", ctx, mock.Anything).Return(false, nil)
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.Anything).Return(false, nil)
	m.dedup.On("MarkProcessed", ctx, mock.Anything, dedupTTL).Return(nil)
	m.events.On("PublishMessageIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	next, processed, err := ingestor.SyncInbound(ctx, 7, 42, 9, "cur-1")

	assert.NoError(t, err)
	assert.Equal(t, "cur-2", next)
	assert.Equal(t, 2, processed)
	m.messages.AssertNumberOfCalls(t, "InsertIngested", 2)
}

func TestSyncInbound_StopsAtFirstFailure(t *testing.T) {
	ingestor, m := createTestIngestor()
	ctx := context.Background()

	conv := &domain.Conversation{ID: 5, TenantID: 7}
	inbound := []ports.InboundMessage{
		{ExternalID: "m1", ThreadExternalID: "C100", Content: "first", Direction: domain.DirectionFromCustomer},
		{ExternalID: "m2", ThreadExternalID: "C100", Content: "second", Direction: domain.DirectionFromCustomer},
	}
	m.connections.On("GetByID", ctx, int64(7), int64(9)).Return(ingestConn(), nil)
	m.client.On("Fetch", ctx, "xoxb-token", "").Return(inbound, "cur-2", nil)
	m.conversations.On("GetOrCreate", ctx, int64(7), int64(42), int64(9), "C100").Return(conv, nil)
	m.dedup.On("IsDuplicate", ctx, "5:m1").Return(false, nil)
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.MatchedBy(func(msg *domain.Message) bool {
		return *msg.ExternalID == "m1"
	})).Return(false, nil)
	m.dedup.On("MarkProcessed", ctx, "5:m1", dedupTTL).Return(nil)
	m.events.On("PublishMessageIngested", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	m.dedup.On("IsDuplicate", ctx, "5:m2").Return(false, nil)
	m.messages.On("InsertIngested", ctx, int64(7), int64(42), mock.MatchedBy(func(msg *domain.Message) bool {
		return *msg.ExternalID == "m2"
	})).Return(false, errors.New("deadlock"))

	_, processed, err := ingestor.SyncInbound(ctx, 7, 42, 9, "")

	// The caller retries from the same cursor; m1 dedups away next time.
	assert.Error(t, err)
	assert.Equal(t, 1, processed)
}
