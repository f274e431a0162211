// Package services contains core business logic.
// Following Hexagonal Architecture: services orchestrate domain logic using ports.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

// Authorizer drives a PlatformConnection through the authorization lifecycle:
// Disconnected -> PendingAuthorization -> Connected -> Expired/Disconnected.
// It owns handshake issuance/consumption and the superseding connected write.
type Authorizer struct {
	connections ports.ConnectionRepository
	handshakes  ports.HandshakeRepository
	providers   ports.ProviderRegistry

	redirectURI  func(provider string) string
	handshakeTTL time.Duration
	now          func() time.Time
}

// NewAuthorizer creates an authorizer with dependencies injected.
func NewAuthorizer(
	connections ports.ConnectionRepository,
	handshakes ports.HandshakeRepository,
	providers ports.ProviderRegistry,
	redirectURI func(provider string) string,
	handshakeTTL time.Duration,
) *Authorizer {
	return &Authorizer{
		connections:  connections,
		handshakes:   handshakes,
		providers:    providers,
		redirectURI:  redirectURI,
		handshakeTTL: handshakeTTL,
		now:          time.Now,
	}
}

// Initiate starts the connect flow: issues a one-time CSRF state bound to the
// caller, persists it with a short TTL, and returns the provider consent URL
// embedding it.
//
// An existing connected credential is left untouched until the callback
// supersedes it, so a re-connect attempt abandoned halfway never loses the
// working credential.
func (a *Authorizer) Initiate(ctx context.Context, tenantID, userID int64, provider string) (string, error) {
	if tenantID <= 0 || userID <= 0 {
		return "", domain.Validationf("tenant", "tenant and user ids are required")
	}

	client, err := a.providers.Lookup(provider)
	if err != nil {
		return "", err
	}

	state, err := newStateToken()
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}

	now := a.now()
	hs := &domain.AuthorizationHandshake{
		State:     state,
		TenantID:  tenantID,
		UserID:    userID,
		Provider:  provider,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.handshakeTTL),
	}
	if err := a.handshakes.Save(ctx, hs); err != nil {
		return "", fmt.Errorf("save handshake: %w", err)
	}

	// Record the pending row unless a live credential exists; that one keeps
	// serving traffic until the callback supersedes it.
	existing, err := a.connections.GetConnectedOrNil(ctx, tenantID, userID, provider)
	if err != nil {
		return "", fmt.Errorf("check existing connection: %w", err)
	}
	if existing == nil {
		pending := &domain.PlatformConnection{
			TenantID:        tenantID,
			UserID:          userID,
			Provider:        provider,
			DisplayName:     defaultDisplayName(provider),
			CredentialState: domain.StatePendingAuthorization,
		}
		if err := a.connections.Upsert(ctx, pending); err != nil {
			return "", fmt.Errorf("record pending connection: %w", err)
		}
	}

	slog.Info("Authorization flow initiated",
		"tenant_id", tenantID,
		"user_id", userID,
		"provider", provider,
	)

	return client.BuildAuthorizationURL(state, a.redirectURI(provider)), nil
}

// Callback completes (or fails) the connect flow. The handshake is consumed
// exactly once regardless of outcome; a replayed, expired, or foreign state
// fails without creating a connected row, and the caller must re-initiate.
//
// Two callbacks racing for the same state resolve at the store: the consume
// is an atomic check-and-delete, so exactly one caller observes the
// handshake and the other fails here.
func (a *Authorizer) Callback(ctx context.Context, provider, code, state string) (*domain.PlatformConnection, error) {
	if state == "" {
		return nil, domain.Validationf("state", "missing state parameter")
	}

	hs, err := a.handshakes.Consume(ctx, state)
	if errors.Is(err, domain.ErrNotFound) {
		// Never issued, or the other submission of a double-submit won.
		return nil, domain.ErrHandshakeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("consume handshake: %w", err)
	}

	now := a.now()
	if hs.Expired(now) || hs.Provider != provider {
		a.abandonPending(ctx, hs)
		return nil, domain.ErrHandshakeInvalid
	}
	if code == "" {
		// User denied consent or the provider redirected with an error.
		a.abandonPending(ctx, hs)
		return nil, domain.Validationf("code", "missing authorization code")
	}

	client, err := a.providers.Lookup(provider)
	if err != nil {
		a.abandonPending(ctx, hs)
		return nil, err
	}

	grant, err := client.ExchangeCode(ctx, code, a.redirectURI(provider))
	if err != nil {
		// The handshake is already consumed: no retry with this state.
		a.abandonPending(ctx, hs)
		slog.Error("Code exchange failed",
			"provider", provider,
			"tenant_id", hs.TenantID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: code exchange: %w", domain.ErrProviderUnavailable, err)
	}

	conn := connectionFromGrant(hs, grant, now)
	if err := a.connections.Supersede(ctx, conn); err != nil {
		return nil, fmt.Errorf("supersede connection: %w", err)
	}

	slog.Info("Platform connected",
		"tenant_id", conn.TenantID,
		"user_id", conn.UserID,
		"provider", conn.Provider,
		"display_name", conn.DisplayName,
	)

	return conn, nil
}

// Revoke soft-deletes the connection: secrets cleared, state disconnected,
// row retained for history. Revoking an already-disconnected connection is a
// success no-op.
func (a *Authorizer) Revoke(ctx context.Context, tenantID, userID, connectionID int64) error {
	conn, err := a.connections.GetByID(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}
	if conn.UserID != userID {
		return domain.ErrNotFound
	}
	if err := a.connections.Revoke(ctx, tenantID, connectionID); err != nil {
		return err
	}

	slog.Info("Platform connection revoked",
		"tenant_id", tenantID,
		"connection_id", connectionID,
		"provider", conn.Provider,
	)
	return nil
}

// abandonPending flips the pending row for the handshake's key back to
// disconnected. A live connected credential is never touched here.
func (a *Authorizer) abandonPending(ctx context.Context, hs *domain.AuthorizationHandshake) {
	conn, err := a.connections.Get(ctx, hs.TenantID, hs.UserID, hs.Provider)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("Failed to load pending connection", "error", err, "provider", hs.Provider)
		return
	}
	if conn.CredentialState != domain.StatePendingAuthorization {
		return
	}
	conn.CredentialState = domain.StateDisconnected
	if err := a.connections.Upsert(ctx, conn); err != nil {
		slog.Error("Failed to abandon pending connection", "error", err, "provider", hs.Provider)
	}
}

// connectionFromGrant builds the connected row from an exchange result.
func connectionFromGrant(hs *domain.AuthorizationHandshake, grant *ports.TokenGrant, now time.Time) *domain.PlatformConnection {
	conn := &domain.PlatformConnection{
		TenantID:        hs.TenantID,
		UserID:          hs.UserID,
		Provider:        hs.Provider,
		DisplayName:     displayNameFromMeta(hs.Provider, grant.ProviderMeta),
		ProviderAccount: accountFromMeta(grant.ProviderMeta),
		CredentialState: domain.StateConnected,
		AccessToken:     &grant.AccessToken,
		RefreshToken:    grant.RefreshToken,
		ProviderMeta:    grant.ProviderMeta,
	}
	if grant.ExpiresIn > 0 {
		expiry := now.Add(time.Duration(grant.ExpiresIn) * time.Second)
		conn.TokenExpiry = &expiry
	}
	return conn
}

// displayNameFromMeta derives a label like "Slack (Acme)" from the provider
// metadata, falling back to the bare provider name.
func displayNameFromMeta(provider string, meta json.RawMessage) string {
	name := defaultDisplayName(provider)
	label := metaField(meta, "account_name")
	if label == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, label)
}

func accountFromMeta(meta json.RawMessage) string {
	return metaField(meta, "account_id")
}

func metaField(meta json.RawMessage, key string) string {
	if len(meta) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(meta, &fields); err != nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func defaultDisplayName(provider string) string {
	if provider == "" {
		return provider
	}
	return strings.ToUpper(provider[:1]) + provider[1:]
}

// newStateToken returns 32 bytes of CSPRNG entropy, hex encoded.
func newStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
