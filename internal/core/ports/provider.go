package ports

import (
	"context"
	"encoding/json"
	"time"
)

// TokenGrant is the result of a code exchange or a refresh call.
type TokenGrant struct {
	AccessToken  string
	RefreshToken *string         // nil when the provider does not rotate
	ExpiresIn    int64           // seconds; 0 means non-expiring
	ProviderMeta json.RawMessage // account id, workspace name, instance URL, ...
}

// InboundMessage is the minimal provider-message shape needed for dedup and
// display. Anything beyond these fields stays in the provider's own format.
type InboundMessage struct {
	ExternalID       string
	ThreadExternalID string
	Content          string
	Direction        string // domain.DirectionFromCustomer / DirectionFromAgent
	CreatedAt        time.Time
}

// ProviderClient is the uniform capability surface over one external
// provider. One implementation per provider; the core never sees provider
// wire formats.
//
// RefreshToken must fail with domain.ErrReconnectRequired (wrapped) when the
// provider rejects the grant itself, and domain.ErrProviderUnavailable for
// transient failures. Send and Fetch wrap transient failures in
// domain.ErrProviderUnavailable.
type ProviderClient interface {
	// Name returns the provider key ("slack", "facebook", ...).
	Name() string

	// BuildAuthorizationURL returns the provider consent URL embedding the
	// CSRF state.
	BuildAuthorizationURL(state, redirectURI string) string

	// ExchangeCode trades the authorization code for tokens.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenGrant, error)

	// RefreshToken trades a refresh token for a new grant.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error)

	// Send delivers content to the remote thread and returns the provider's
	// message id.
	Send(ctx context.Context, accessToken, threadExternalID, content string) (string, error)

	// Fetch pulls messages newer than the cursor. Returns the next cursor.
	Fetch(ctx context.Context, accessToken, cursor string) ([]InboundMessage, string, error)
}

// ProviderRegistry resolves a ProviderClient by name.
type ProviderRegistry interface {
	// Lookup returns the client for the provider key, or domain.ErrNotFound
	// for an unconfigured provider.
	Lookup(name string) (ProviderClient, error)
}
