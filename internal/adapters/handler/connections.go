package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
	"channelhub/internal/core/services"
)

// ConnectionHandler serves the connection lifecycle endpoints: initiate,
// OAuth callback, revoke, list, outbound send and inbound sync.
type ConnectionHandler struct {
	authorizer  *services.Authorizer
	ingestor    *services.Ingestor
	connections ports.ConnectionRepository
	uiBase      string
}

// NewConnectionHandler creates a new connection handler.
func NewConnectionHandler(
	authorizer *services.Authorizer,
	ingestor *services.Ingestor,
	connections ports.ConnectionRepository,
	uiBase string,
) *ConnectionHandler {
	return &ConnectionHandler{
		authorizer:  authorizer,
		ingestor:    ingestor,
		connections: connections,
		uiBase:      uiBase,
	}
}

// ============================================================================
// POST /connections/{provider}/initiate
// ============================================================================

// HandleInitiate starts the OAuth flow and redirects the browser to the
// provider consent screen.
func (h *ConnectionHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	provider := r.PathValue("provider")

	authURL, err := h.authorizer.Initiate(r.Context(), tenantID, userID, provider)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ============================================================================
// GET /connections/{provider}/callback
// ============================================================================

// HandleCallback lands the provider redirect. The browser carries no identity
// headers here; the handshake row is the sole source of who initiated.
// Whatever the outcome, the response is a redirect back to the UI with a
// machine-readable reason code.
func (h *ConnectionHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	q := r.URL.Query()

	code := q.Get("code")
	if errCode := q.Get("error"); errCode != "" {
		// Provider-side denial still consumes the handshake below.
		slog.Warn("Provider returned authorization error",
			"provider", provider,
			"error", errCode,
		)
		code = ""
	}

	conn, err := h.authorizer.Callback(r.Context(), provider, code, q.Get("state"))
	if err != nil {
		h.redirectUI(w, r, provider, callbackReason(err))
		return
	}

	h.redirectUI(w, r, conn.Provider, "connected")
}

func (h *ConnectionHandler) redirectUI(w http.ResponseWriter, r *http.Request, provider, reason string) {
	target := fmt.Sprintf("%s?provider=%s&status=%s",
		h.uiBase, url.QueryEscape(provider), url.QueryEscape(reason))
	http.Redirect(w, r, target, http.StatusFound)
}

// callbackReason maps a callback failure to the UI reason code.
func callbackReason(err error) string {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrHandshakeInvalid):
		return "state_invalid"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "provider_error"
	case errors.As(err, &verr):
		return "consent_denied"
	default:
		return "error"
	}
}

// ============================================================================
// POST /connections/{id}/revoke
// ============================================================================

// HandleRevoke disconnects a connection and clears its stored secrets.
func (h *ConnectionHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	connectionID, err := pathID(r, "id")
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if err := h.authorizer.Revoke(r.Context(), tenantID, userID, connectionID); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"connection_id": connectionID, "credential_state": domain.StateDisconnected})
}

// ============================================================================
// GET /connections
// ============================================================================

// HandleList returns the caller's connections. Token columns never leave the
// service; the model redacts them at the JSON layer.
func (h *ConnectionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	conns, err := h.connections.List(r.Context(), tenantID, userID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, conns)
}

// ============================================================================
// POST /connections/{id}/messages
// ============================================================================

// SendMessageRequest is the outbound send payload.
type SendMessageRequest struct {
	ThreadExternalID string `json:"thread_external_id"`
	Content          string `json:"content"`
	Origin           string `json:"origin,omitempty"` // defaults to "human"
}

// HandleSend delivers an agent message through the connection and records it
// in the conversation.
func (h *ConnectionHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	connectionID, err := pathID(r, "id")
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = domain.OriginHuman
	}

	msg, err := h.ingestor.Send(r.Context(), tenantID, userID, connectionID, req.ThreadExternalID, req.Content, origin)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, msg)
}

// ============================================================================
// POST /connections/{id}/sync
// ============================================================================

// SyncRequest carries the resume cursor for an inbound pull.
type SyncRequest struct {
	Cursor string `json:"cursor,omitempty"`
}

// HandleSync pulls messages from the provider for connections whose provider
// supports polling. Safe to repeat from the same cursor.
func (h *ConnectionHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	connectionID, err := pathID(r, "id")
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	var req SyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	next, processed, err := h.ingestor.SyncInbound(r.Context(), tenantID, userID, connectionID, req.Cursor)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"next_cursor": next, "processed": processed})
}
