package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"channelhub/internal/config"
	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

const hubspotAPIBase = "https://api.hubapi.com"

// NewHubSpotClient builds the HubSpot provider client. HubSpot access tokens
// expire after 30 minutes, so this provider exercises the refresh path
// constantly.
func NewHubSpotClient(cfg config.ProviderConfig) *OAuthClient {
	return newOAuthClient("hubspot", &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{"conversations.read", "conversations.write"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://app.hubspot.com/oauth/authorize",
			TokenURL: hubspotAPIBase + "/oauth/v1/token",
		},
	}, &hubspotTransport{})
}

type hubspotTransport struct{}

// Send posts a message to the conversation thread.
func (t *hubspotTransport) Send(ctx context.Context, httpClient *http.Client, accessToken, threadExternalID, content string) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"type": "MESSAGE",
		"text": content,
	})
	endpoint := fmt.Sprintf("%s/conversations/v3/conversations/threads/%s/messages", hubspotAPIBase, threadExternalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build hubspot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if err := mapHubSpotStatus(resp.StatusCode, resp); err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode hubspot response: %v", domain.ErrProviderUnavailable, err)
	}
	return result.ID, nil
}

// Fetch lists recent thread messages. The cursor is HubSpot's paging token.
func (t *hubspotTransport) Fetch(ctx context.Context, httpClient *http.Client, accessToken, cursor string) ([]ports.InboundMessage, string, error) {
	q := url.Values{"sort": {"latestMessageTimestamp"}}
	if cursor != "" {
		q.Set("after", cursor)
	}
	endpoint := hubspotAPIBase + "/conversations/v3/conversations/threads?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build hubspot request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if err := mapHubSpotStatus(resp.StatusCode, resp); err != nil {
		return nil, "", err
	}

	var result struct {
		Results []struct {
			ID            string    `json:"id"`
			LatestMessage struct {
				ID        string    `json:"id"`
				Text      string    `json:"text"`
				Direction string    `json:"direction"` // "INCOMING" / "OUTGOING"
				CreatedAt time.Time `json:"createdAt"`
			} `json:"latestMessage"`
		} `json:"results"`
		Paging struct {
			Next struct {
				After string `json:"after"`
			} `json:"next"`
		} `json:"paging"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, "", fmt.Errorf("%w: decode hubspot response: %v", domain.ErrProviderUnavailable, err)
	}

	var out []ports.InboundMessage
	for _, thread := range result.Results {
		msg := thread.LatestMessage
		if msg.ID == "" {
			continue
		}
		direction := domain.DirectionFromCustomer
		if msg.Direction == "OUTGOING" {
			direction = domain.DirectionFromAgent
		}
		out = append(out, ports.InboundMessage{
			ExternalID:       msg.ID,
			ThreadExternalID: thread.ID,
			Content:          msg.Text,
			Direction:        direction,
			CreatedAt:        msg.CreatedAt,
		})
	}
	return out, result.Paging.Next.After, nil
}

// GrantMeta resolves the hub identity via the token introspection endpoint.
func (t *hubspotTransport) GrantMeta(ctx context.Context, httpClient *http.Client, tok *oauth2.Token) (json.RawMessage, error) {
	endpoint := hubspotAPIBase + "/oauth/v1/access-tokens/" + url.PathEscape(tok.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hubspot token introspection returned %d", resp.StatusCode)
	}
	var info struct {
		HubID     int64  `json:"hub_id"`
		HubDomain string `json:"hub_domain"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return metaJSON(strconv.FormatInt(info.HubID, 10), info.HubDomain), nil
}

func mapHubSpotStatus(status int, resp *http.Response) error {
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return nil
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: hubspot token invalid", domain.ErrReconnectRequired)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: hubspot returned %d", domain.ErrProviderUnavailable, status)
	default:
		return fmt.Errorf("hubspot api error %d: %s", status, drainBody(resp.Body))
	}
}
