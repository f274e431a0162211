package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"channelhub/internal/config"
	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

const salesforceAPIBase = "https://api.salesforce.com/einstein/platform/v1"

// NewSalesforceClient builds the Salesforce provider client. Salesforce
// refresh tokens do not rotate; the refresh grant keeps returning the one
// issued at connect time.
func NewSalesforceClient(cfg config.ProviderConfig) *OAuthClient {
	return newOAuthClient("salesforce", &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"api", "refresh_token"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://login.salesforce.com/services/oauth2/authorize",
			TokenURL: "https://login.salesforce.com/services/oauth2/token",
		},
	}, &salesforceTransport{})
}

type salesforceTransport struct{}

// Send posts a message to the messaging session.
func (t *salesforceTransport) Send(ctx context.Context, httpClient *http.Client, accessToken, threadExternalID, content string) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"message": map[string]string{"text": content},
	})
	endpoint := fmt.Sprintf("%s/sessions/%s/messages", salesforceAPIBase, threadExternalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build salesforce request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("%w: salesforce session invalid", domain.ErrReconnectRequired)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: salesforce returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return "", fmt.Errorf("salesforce api error %d: %s", resp.StatusCode, drainBody(resp.Body))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode salesforce response: %v", domain.ErrProviderUnavailable, err)
	}
	return result.ID, nil
}

// Fetch is a no-op for Salesforce: inbound traffic arrives over platform
// event webhooks.
func (t *salesforceTransport) Fetch(ctx context.Context, httpClient *http.Client, accessToken, cursor string) ([]ports.InboundMessage, string, error) {
	return nil, cursor, nil
}

// GrantMeta reads the org identity Salesforce embeds in the token response.
func (t *salesforceTransport) GrantMeta(ctx context.Context, httpClient *http.Client, tok *oauth2.Token) (json.RawMessage, error) {
	orgID, _ := tok.Extra("id").(string)
	instance, _ := tok.Extra("instance_url").(string)
	if orgID == "" {
		return nil, fmt.Errorf("token response carries no identity URL")
	}
	return metaJSON(orgID, instance), nil
}
