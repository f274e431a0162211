package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"channelhub/internal/config"
	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

const facebookGraphBase = "https://graph.facebook.com/v19.0"

// NewFacebookClient builds the Facebook Messenger provider client.
func NewFacebookClient(cfg config.ProviderConfig) *OAuthClient {
	return newOAuthClient("facebook", &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"pages_messaging", "pages_manage_metadata"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.facebook.com/v19.0/dialog/oauth",
			TokenURL: facebookGraphBase + "/oauth/access_token",
		},
	}, &facebookTransport{})
}

type facebookTransport struct{}

// facebookError is the Graph API error envelope.
type facebookError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

// Send delivers content to the recipient via the Send API.
func (t *facebookTransport) Send(ctx context.Context, httpClient *http.Client, accessToken, threadExternalID, content string) (string, error) {
	payload := map[string]any{
		"recipient":      map[string]string{"id": threadExternalID},
		"message":        map[string]string{"text": content},
		"messaging_type": "RESPONSE",
	}
	jsonData, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, facebookGraphBase+"/me/messages", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("build facebook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.URL.RawQuery = url.Values{"access_token": {accessToken}}.Encode()

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", mapGraphError(resp.StatusCode, drainBody(resp.Body))
	}

	var result struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode facebook response: %v", domain.ErrProviderUnavailable, err)
	}
	return result.MessageID, nil
}

// Fetch lists recent conversation messages from the Graph API. The cursor is
// Facebook's paging token.
func (t *facebookTransport) Fetch(ctx context.Context, httpClient *http.Client, accessToken, cursor string) ([]ports.InboundMessage, string, error) {
	q := url.Values{
		"access_token": {accessToken},
		"fields":       {"id,messages{id,message,from,created_time}"},
	}
	if cursor != "" {
		q.Set("after", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, facebookGraphBase+"/me/conversations?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build facebook request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", mapGraphError(resp.StatusCode, drainBody(resp.Body))
	}

	var result struct {
		Data []struct {
			ID       string `json:"id"`
			Messages struct {
				Data []struct {
					ID      string `json:"id"`
					Message string `json:"message"`
					From    struct {
						ID string `json:"id"`
					} `json:"from"`
					CreatedTime time.Time `json:"created_time"`
				} `json:"data"`
			} `json:"messages"`
		} `json:"data"`
		Paging struct {
			Cursors struct {
				After string `json:"after"`
			} `json:"cursors"`
		} `json:"paging"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, "", fmt.Errorf("%w: decode facebook response: %v", domain.ErrProviderUnavailable, err)
	}

	var out []ports.InboundMessage
	for _, conv := range result.Data {
		for _, msg := range conv.Messages.Data {
			out = append(out, ports.InboundMessage{
				ExternalID:       msg.ID,
				ThreadExternalID: conv.ID,
				Content:          msg.Message,
				Direction:        domain.DirectionFromCustomer,
				CreatedAt:        msg.CreatedTime,
			})
		}
	}
	return out, result.Paging.Cursors.After, nil
}

// GrantMeta resolves the page identity behind the token.
func (t *facebookTransport) GrantMeta(ctx context.Context, httpClient *http.Client, tok *oauth2.Token) (json.RawMessage, error) {
	q := url.Values{
		"access_token": {tok.AccessToken},
		"fields":       {"id,name"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, facebookGraphBase+"/me?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facebook /me returned %d", resp.StatusCode)
	}
	var me struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return nil, err
	}
	return metaJSON(me.ID, me.Name), nil
}

// mapGraphError classifies a Graph API failure by Facebook's error code.
// Code 190 means the token itself is dead; 4/17/32/613 are rate limits.
func mapGraphError(status int, body []byte) error {
	var envelope struct {
		Error facebookError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: facebook api error %d", domain.ErrProviderUnavailable, status)
	}
	switch envelope.Error.Code {
	case 190:
		return fmt.Errorf("%w: facebook token invalid (subcode %d)", domain.ErrReconnectRequired, envelope.Error.ErrorSubcode)
	case 4, 17, 32, 613:
		return fmt.Errorf("%w: facebook rate limited", domain.ErrProviderUnavailable)
	case 10, 200, 299:
		return fmt.Errorf("facebook permission denied: %s", envelope.Error.Message)
	default:
		return fmt.Errorf("facebook api error (code %d): %s", envelope.Error.Code, envelope.Error.Message)
	}
}
