package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"channelhub/internal/config"
	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

const slackAPIBase = "https://slack.com/api"

// NewSlackClient builds the Slack provider client. Token rotation must be
// enabled on the Slack app; without it Slack issues non-expiring tokens and
// the refresh path never runs.
func NewSlackClient(cfg config.ProviderConfig) *OAuthClient {
	return newOAuthClient("slack", &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"channels:history", "channels:read", "chat:write"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://slack.com/oauth/v2/authorize",
			TokenURL: slackAPIBase + "/oauth.v2.access",
		},
	}, &slackTransport{})
}

type slackTransport struct{}

// Send posts content to the channel via chat.postMessage. Slack reports
// failures as ok=false with HTTP 200, so the body decides.
func (t *slackTransport) Send(ctx context.Context, httpClient *http.Client, accessToken, threadExternalID, content string) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"channel": threadExternalID,
		"text":    content,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackAPIBase+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode slack response: %v", domain.ErrProviderUnavailable, err)
	}
	if !result.OK {
		switch result.Error {
		case "token_expired", "token_revoked", "invalid_auth", "account_inactive":
			return "", fmt.Errorf("%w: slack %s", domain.ErrReconnectRequired, result.Error)
		case "ratelimited", "rate_limited":
			return "", fmt.Errorf("%w: slack rate limited", domain.ErrProviderUnavailable)
		default:
			return "", fmt.Errorf("slack api error: %s", result.Error)
		}
	}
	return result.TS, nil
}

// Fetch is a no-op for Slack: inbound traffic arrives over the Events API
// webhook, and history backfill is per channel.
func (t *slackTransport) Fetch(ctx context.Context, httpClient *http.Client, accessToken, cursor string) ([]ports.InboundMessage, string, error) {
	return nil, cursor, nil
}

// GrantMeta reads the workspace identity Slack embeds in the token response.
func (t *slackTransport) GrantMeta(ctx context.Context, httpClient *http.Client, tok *oauth2.Token) (json.RawMessage, error) {
	team, ok := tok.Extra("team").(map[string]any)
	if !ok {
		return nil, fmt.Errorf("token response carries no team object")
	}
	id, _ := team["id"].(string)
	name, _ := team["name"].(string)
	if id == "" {
		return nil, fmt.Errorf("token response carries no team id")
	}
	return metaJSON(id, name), nil
}

// drainBody reads and closes a response body so the connection can be reused.
func drainBody(body io.ReadCloser) []byte {
	data, _ := io.ReadAll(io.LimitReader(body, 1<<16))
	return data
}
