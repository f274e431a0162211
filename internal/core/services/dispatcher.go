package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"channelhub/internal/adapters/dto"
	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

// Dispatcher orchestrates inbound webhook processing: audit first, then
// route the payload to the owning connection and ingest each event.
type Dispatcher struct {
	logs        ports.WebhookLogRepository
	connections ports.ConnectionRepository
	ingestor    *Ingestor
}

// NewDispatcher creates a dispatcher with dependencies injected.
func NewDispatcher(logs ports.WebhookLogRepository, connections ports.ConnectionRepository, ingestor *Ingestor) *Dispatcher {
	return &Dispatcher{
		logs:        logs,
		connections: connections,
		ingestor:    ingestor,
	}
}

// ProcessWebhook handles one provider delivery. The raw payload is persisted
// to the audit log before any parsing, so malformed or failed deliveries can
// be replayed. Runs after the HTTP 200 has been returned; panics must not
// take the process down.
func (d *Dispatcher) ProcessWebhook(ctx context.Context, provider string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in ProcessWebhook",
				"panic", r,
				"provider", provider,
			)
		}
	}()

	logID, err := d.logs.SaveLog(ctx, &domain.WebhookLog{
		Provider:    provider,
		PayloadJSON: json.RawMessage(payload),
		Status:      domain.WebhookStatusPending,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		slog.Error("Failed to save webhook log", "error", err, "provider", provider)
		// Keep going: losing the audit row is better than losing the message.
	}

	if err := d.process(ctx, provider, payload); err != nil {
		slog.Error("Webhook processing failed",
			"error", err,
			"provider", provider,
			"webhook_log_id", logID,
		)
		d.markLog(ctx, logID, domain.WebhookStatusFailed, err)
		return
	}
	d.markLog(ctx, logID, domain.WebhookStatusProcessed, nil)
}

func (d *Dispatcher) process(ctx context.Context, provider string, payload []byte) error {
	var req dto.WebhookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("parse webhook payload: %w", err)
	}
	if req.AccountID == "" {
		return fmt.Errorf("webhook payload missing account id")
	}

	conn, err := d.connections.FindByProviderAccount(ctx, provider, req.AccountID)
	if err != nil {
		return fmt.Errorf("route webhook for account %q: %w", req.AccountID, err)
	}

	processed := 0
	skipped := 0
	for i := range req.Events {
		ev := &req.Events[i]
		if !ev.IsCustomerMessage() {
			skipped++
			continue
		}
		extID := ev.ExternalID
		_, err := d.ingestor.Ingest(ctx, conn.TenantID, conn.UserID, conn.ID, RawMessage{
			ExternalID:       &extID,
			ThreadExternalID: ev.ThreadExternalID,
			Content:          ev.Content,
			Direction:        domain.DirectionFromCustomer,
			Origin:           domain.OriginHuman,
			CreatedAt:        ev.CreatedAt(),
		})
		if err != nil {
			// Fail the whole delivery; the provider retries and every event
			// already stored dedups away.
			return fmt.Errorf("ingest event %q: %w", ev.ExternalID, err)
		}
		processed++
	}

	slog.Info("Webhook processing completed",
		"provider", provider,
		"processed", processed,
		"skipped", skipped,
	)
	return nil
}

func (d *Dispatcher) markLog(ctx context.Context, logID int64, status string, cause error) {
	if logID == 0 {
		return
	}
	var errLog *string
	if cause != nil {
		msg := cause.Error()
		errLog = &msg
	}
	if err := d.logs.UpdateStatus(ctx, logID, status, errLog); err != nil {
		slog.Error("Failed to update webhook status",
			"error", err,
			"webhook_log_id", logID,
			"status", status,
		)
	}
}
