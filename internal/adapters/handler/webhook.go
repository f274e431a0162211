package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"channelhub/internal/config"
	"channelhub/internal/core/services"
)

// WebhookHandler receives provider push deliveries. Responses must be fast:
// the body is validated and persisted, processing happens off the request
// goroutine, and the dedup layer absorbs the redeliveries that follow any
// slow or failed acknowledgement.
type WebhookHandler struct {
	dispatcher *services.Dispatcher
	providers  map[string]config.ProviderConfig
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(dispatcher *services.Dispatcher, providers map[string]config.ProviderConfig) *WebhookHandler {
	return &WebhookHandler{
		dispatcher: dispatcher,
		providers:  providers,
	}
}

// ============================================================================
// GET /webhook/{provider} - Webhook Verification
// ============================================================================

// HandleVerify answers the subscription challenge the provider sends when the
// webhook URL is registered.
func (h *WebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	pc, ok := h.providers[provider]
	if !ok {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token != "" && token == pc.VerifyToken {
		slog.Info("Webhook verification successful", "provider", provider)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}

	slog.Warn("Webhook verification failed",
		"provider", provider,
		"mode", mode,
	)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// ============================================================================
// POST /webhook/{provider} - Webhook Events
// ============================================================================

// HandleEvent accepts a delivery: validate the signature, acknowledge with
// 202, process in the background.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	pc, ok := h.providers[provider]
	if !ok {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err, "provider", provider)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		slog.Warn("Webhook received without signature header", "provider", provider)
		http.Error(w, "Forbidden - No signature", http.StatusForbidden)
		return
	}
	if !validateSignature(body, signature, pc.SigningKey) {
		slog.Warn("Webhook signature validation failed", "provider", provider)
		http.Error(w, "Forbidden - Invalid signature", http.StatusForbidden)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("EVENT_RECEIVED"))

	// The request context dies when this handler returns; detach before
	// handing the payload to the background goroutine.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("PANIC in webhook processing goroutine",
					"panic", rec,
					"provider", provider,
				)
			}
		}()
		h.dispatcher.ProcessWebhook(ctx, provider, body)
	}()

	slog.Info("Webhook received and queued for processing",
		"provider", provider,
		"content_length", len(body),
	)
}

// validateSignature checks the HMAC SHA256 signature on the raw body.
// Constant-time comparison prevents timing attacks.
func validateSignature(payload []byte, signatureHeader, signingKey string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	expected := strings.TrimPrefix(signatureHeader, prefix)

	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write(payload)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(computed), []byte(expected))
}
