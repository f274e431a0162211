package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

// ============================================================================
// Mock Repositories
// ============================================================================

// MockConnectionRepository mocks ports.ConnectionRepository.
type MockConnectionRepository struct {
	mock.Mock
}

func (m *MockConnectionRepository) Get(ctx context.Context, tenantID, userID int64, provider string) (*domain.PlatformConnection, error) {
	args := m.Called(ctx, tenantID, userID, provider)
	if result := args.Get(0); result != nil {
		return result.(*domain.PlatformConnection), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConnectionRepository) GetByID(ctx context.Context, tenantID, id int64) (*domain.PlatformConnection, error) {
	args := m.Called(ctx, tenantID, id)
	if result := args.Get(0); result != nil {
		return result.(*domain.PlatformConnection), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConnectionRepository) GetConnectedOrNil(ctx context.Context, tenantID, userID int64, provider string) (*domain.PlatformConnection, error) {
	args := m.Called(ctx, tenantID, userID, provider)
	if result := args.Get(0); result != nil {
		return result.(*domain.PlatformConnection), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConnectionRepository) List(ctx context.Context, tenantID, userID int64) ([]domain.PlatformConnection, error) {
	args := m.Called(ctx, tenantID, userID)
	if result := args.Get(0); result != nil {
		return result.([]domain.PlatformConnection), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConnectionRepository) FindByProviderAccount(ctx context.Context, provider, providerAccount string) (*domain.PlatformConnection, error) {
	args := m.Called(ctx, provider, providerAccount)
	if result := args.Get(0); result != nil {
		return result.(*domain.PlatformConnection), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConnectionRepository) Upsert(ctx context.Context, conn *domain.PlatformConnection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

func (m *MockConnectionRepository) Supersede(ctx context.Context, conn *domain.PlatformConnection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

func (m *MockConnectionRepository) UpdateTokensCAS(ctx context.Context, tenantID, id, expectedVersion int64, accessToken, refreshToken *string, expiry *time.Time) error {
	args := m.Called(ctx, tenantID, id, expectedVersion, accessToken, refreshToken, expiry)
	return args.Error(0)
}

func (m *MockConnectionRepository) MarkExpired(ctx context.Context, tenantID, id int64) error {
	args := m.Called(ctx, tenantID, id)
	return args.Error(0)
}

func (m *MockConnectionRepository) Revoke(ctx context.Context, tenantID, id int64) error {
	args := m.Called(ctx, tenantID, id)
	return args.Error(0)
}

// MockHandshakeRepository mocks ports.HandshakeRepository.
type MockHandshakeRepository struct {
	mock.Mock
}

func (m *MockHandshakeRepository) Save(ctx context.Context, hs *domain.AuthorizationHandshake) error {
	args := m.Called(ctx, hs)
	return args.Error(0)
}

func (m *MockHandshakeRepository) Consume(ctx context.Context, state string) (*domain.AuthorizationHandshake, error) {
	args := m.Called(ctx, state)
	if result := args.Get(0); result != nil {
		return result.(*domain.AuthorizationHandshake), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockHandshakeRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// MockConversationRepository mocks ports.ConversationRepository.
type MockConversationRepository struct {
	mock.Mock
}

func (m *MockConversationRepository) GetOrCreate(ctx context.Context, tenantID, userID, connectionID int64, externalID string) (*domain.Conversation, error) {
	args := m.Called(ctx, tenantID, userID, connectionID, externalID)
	if result := args.Get(0); result != nil {
		return result.(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationRepository) GetConversation(ctx context.Context, tenantID, id int64) (*domain.Conversation, error) {
	args := m.Called(ctx, tenantID, id)
	if result := args.Get(0); result != nil {
		return result.(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationRepository) ListConversations(ctx context.Context, tenantID, userID int64) ([]domain.Conversation, error) {
	args := m.Called(ctx, tenantID, userID)
	if result := args.Get(0); result != nil {
		return result.([]domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationRepository) MarkRead(ctx context.Context, tenantID, id int64) error {
	args := m.Called(ctx, tenantID, id)
	return args.Error(0)
}

// MockMessageRepository mocks ports.MessageRepository.
type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) FindByExternalID(ctx context.Context, conversationID int64, externalID string) (*domain.Message, error) {
	args := m.Called(ctx, conversationID, externalID)
	if result := args.Get(0); result != nil {
		return result.(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMessageRepository) InsertIngested(ctx context.Context, tenantID, userID int64, msg *domain.Message) (bool, error) {
	args := m.Called(ctx, tenantID, userID, msg)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) ListByConversation(ctx context.Context, tenantID, conversationID int64) ([]domain.Message, error) {
	args := m.Called(ctx, tenantID, conversationID)
	if result := args.Get(0); result != nil {
		return result.([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockWebhookLogRepository mocks ports.WebhookLogRepository.
type MockWebhookLogRepository struct {
	mock.Mock
}

func (m *MockWebhookLogRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) (int64, error) {
	args := m.Called(ctx, log)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockWebhookLogRepository) UpdateStatus(ctx context.Context, id int64, status string, errorLog *string) error {
	args := m.Called(ctx, id, status, errorLog)
	return args.Error(0)
}

func (m *MockWebhookLogRepository) PurgeProcessed(ctx context.Context, olderThan time.Time, limit int64) (int64, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Get(0).(int64), args.Error(1)
}

// MockDedupCache mocks ports.DedupCache.
type MockDedupCache struct {
	mock.Mock
}

func (m *MockDedupCache) IsDuplicate(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockDedupCache) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	args := m.Called(ctx, key, ttl)
	return args.Error(0)
}

// MockRefreshLease mocks ports.RefreshLease.
type MockRefreshLease struct {
	mock.Mock
}

func (m *MockRefreshLease) Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, connectionID, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockRefreshLease) Release(ctx context.Context, connectionID int64) error {
	args := m.Called(ctx, connectionID)
	return args.Error(0)
}

// MockEventPublisher mocks ports.EventPublisher.
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishMessageIngested(tenantID, conversationID, messageID int64, preview string) {
	m.Called(tenantID, conversationID, messageID, preview)
}

// ============================================================================
// Mock Provider Client + Registry
// ============================================================================

// MockProviderClient mocks ports.ProviderClient.
type MockProviderClient struct {
	mock.Mock
	name string
}

func (m *MockProviderClient) Name() string {
	return m.name
}

func (m *MockProviderClient) BuildAuthorizationURL(state, redirectURI string) string {
	args := m.Called(state, redirectURI)
	return args.String(0)
}

func (m *MockProviderClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*ports.TokenGrant, error) {
	args := m.Called(ctx, code, redirectURI)
	if result := args.Get(0); result != nil {
		return result.(*ports.TokenGrant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProviderClient) RefreshToken(ctx context.Context, refreshToken string) (*ports.TokenGrant, error) {
	args := m.Called(ctx, refreshToken)
	if result := args.Get(0); result != nil {
		return result.(*ports.TokenGrant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProviderClient) Send(ctx context.Context, accessToken, threadExternalID, content string) (string, error) {
	args := m.Called(ctx, accessToken, threadExternalID, content)
	return args.String(0), args.Error(1)
}

func (m *MockProviderClient) Fetch(ctx context.Context, accessToken, cursor string) ([]ports.InboundMessage, string, error) {
	args := m.Called(ctx, accessToken, cursor)
	if result := args.Get(0); result != nil {
		return result.([]ports.InboundMessage), args.String(1), args.Error(2)
	}
	return nil, args.String(1), args.Error(2)
}

// stubRegistry resolves a fixed set of clients without mock bookkeeping.
type stubRegistry struct {
	clients map[string]ports.ProviderClient
}

func newStubRegistry(clients ...*MockProviderClient) *stubRegistry {
	r := &stubRegistry{clients: make(map[string]ports.ProviderClient)}
	for _, c := range clients {
		r.clients[c.name] = c
	}
	return r
}

func (r *stubRegistry) Lookup(name string) (ports.ProviderClient, error) {
	client, ok := r.clients[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return client, nil
}
