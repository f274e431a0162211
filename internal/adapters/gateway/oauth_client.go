// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

var _ ports.ProviderClient = (*OAuthClient)(nil)

// messageTransport is the provider-specific half of a client: how to talk to
// the provider's message API once a valid access token is in hand.
type messageTransport interface {
	// Send delivers content to the remote thread, returning the provider's
	// message id.
	Send(ctx context.Context, httpClient *http.Client, accessToken, threadExternalID, content string) (string, error)

	// Fetch pulls messages newer than the cursor.
	Fetch(ctx context.Context, httpClient *http.Client, accessToken, cursor string) ([]ports.InboundMessage, string, error)

	// GrantMeta extracts the remote account identity from a fresh grant.
	GrantMeta(ctx context.Context, httpClient *http.Client, tok *oauth2.Token) (json.RawMessage, error)
}

// OAuthClient implements ports.ProviderClient for any provider speaking
// standard OAuth2 authorization-code flow. The provider-specific message API
// lives behind the messageTransport.
type OAuthClient struct {
	name       string
	oauth      *oauth2.Config
	transport  messageTransport
	httpClient *http.Client
}

func newOAuthClient(name string, cfg *oauth2.Config, transport messageTransport) *OAuthClient {
	return &OAuthClient{
		name:      name,
		oauth:     cfg,
		transport: transport,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the provider key.
func (c *OAuthClient) Name() string {
	return c.name
}

// BuildAuthorizationURL returns the provider consent URL embedding the state.
func (c *OAuthClient) BuildAuthorizationURL(state, redirectURI string) string {
	cfg := *c.oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades the authorization code for tokens.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*ports.TokenGrant, error) {
	cfg := *c.oauth
	cfg.RedirectURL = redirectURI

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		slog.Error("Failed to exchange authorization code",
			"error", err,
			"provider", c.name,
		)
		return nil, mapTokenError(err)
	}

	meta, err := c.transport.GrantMeta(ctx, c.httpClient, tok)
	if err != nil {
		// The grant itself succeeded. Missing identity metadata degrades
		// display naming, not the connection.
		slog.Warn("Failed to fetch account metadata",
			"error", err,
			"provider", c.name,
		)
		meta = nil
	}

	return grantFromToken(tok, meta), nil
}

// RefreshToken trades a refresh token for a new grant.
func (c *OAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*ports.TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mapTokenError(err)
	}
	return grantFromToken(tok, nil), nil
}

// Send delivers content to the remote thread.
func (c *OAuthClient) Send(ctx context.Context, accessToken, threadExternalID, content string) (string, error) {
	return c.transport.Send(ctx, c.httpClient, accessToken, threadExternalID, content)
}

// Fetch pulls messages newer than the cursor.
func (c *OAuthClient) Fetch(ctx context.Context, accessToken, cursor string) ([]ports.InboundMessage, string, error) {
	return c.transport.Fetch(ctx, c.httpClient, accessToken, cursor)
}

// grantFromToken converts an oauth2 token into the port shape.
func grantFromToken(tok *oauth2.Token, meta json.RawMessage) *ports.TokenGrant {
	grant := &ports.TokenGrant{
		AccessToken:  tok.AccessToken,
		ProviderMeta: meta,
	}
	if tok.RefreshToken != "" {
		rt := tok.RefreshToken
		grant.RefreshToken = &rt
	}
	if !tok.Expiry.IsZero() {
		grant.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return grant
}

// mapTokenError classifies an oauth2 endpoint failure. A rejected grant
// means the user must re-authorize; everything else is treated as transient.
func mapTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "invalid_token", "unauthorized_client":
			return fmt.Errorf("%w: %s", domain.ErrReconnectRequired, retrieveErr.ErrorCode)
		}
		if retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 &&
			retrieveErr.Response.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d", domain.ErrReconnectRequired, retrieveErr.Response.StatusCode)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
}

// metaJSON builds the provider_metadata document stored on the connection row.
func metaJSON(accountID, accountName string) json.RawMessage {
	doc, _ := json.Marshal(map[string]string{
		"account_id":   accountID,
		"account_name": accountName,
	})
	return doc
}
