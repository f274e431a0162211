package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channelhub/internal/core/domain"
)

// ============================================================================
// ConversationRepository implementation
// ============================================================================

const conversationColumns = `
	id, tenant_id, user_id, connection_id, external_id,
	last_message, last_message_at, status, created_at, updated_at
`

// GetOrCreate returns the conversation keyed by (tenant, connection,
// external id), creating it when absent. A concurrent creator loses on the
// unique index and reads the winner's row.
func (r *MariaDBRepository) GetOrCreate(ctx context.Context, tenantID, userID, connectionID int64, externalID string) (*domain.Conversation, error) {
	conv, err := r.findConversation(ctx, tenantID, connectionID, externalID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	query := `
		INSERT INTO conversations (tenant_id, user_id, connection_id, external_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'unread', NOW(), NOW())`
	result, err := r.db.ExecContext(ctx, query, tenantID, userID, connectionID, externalID)
	if err != nil {
		if isDuplicateKey(err) {
			return r.findConversation(ctx, tenantID, connectionID, externalID)
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, _ := result.LastInsertId()
	return r.GetConversation(ctx, tenantID, id)
}

func (r *MariaDBRepository) findConversation(ctx context.Context, tenantID, connectionID int64, externalID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = ? AND connection_id = ? AND external_id = ?`
	return r.scanConversation(r.db.QueryRowContext(ctx, query, tenantID, connectionID, externalID))
}

// GetConversation returns the conversation visible to the tenant.
func (r *MariaDBRepository) GetConversation(ctx context.Context, tenantID, id int64) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE id = ? AND tenant_id = ?`
	return r.scanConversation(r.db.QueryRowContext(ctx, query, id, tenantID))
}

// ListConversations returns the user's conversations, most recent activity first.
func (r *MariaDBRepository) ListConversations(ctx context.Context, tenantID, userID int64) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY COALESCE(last_message_at, created_at) DESC`
	rows, err := r.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		conv, err := scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// MarkRead flips the conversation to read.
func (r *MariaDBRepository) MarkRead(ctx context.Context, tenantID, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'read', updated_at = NOW() WHERE id = ? AND tenant_id = ? AND status <> 'read'`,
		id, tenantID)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Already read, or not visible. Distinguish for the caller.
		if _, err := r.GetConversation(ctx, tenantID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *MariaDBRepository) scanConversation(row rowScanner) (*domain.Conversation, error) {
	conv, err := scanConversationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return conv, err
}

func scanConversationRow(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var lastMsg sql.NullString
	var lastAt, updatedAt sql.NullTime
	err := row.Scan(
		&conv.ID, &conv.TenantID, &conv.UserID, &conv.ConnectionID, &conv.ExternalID,
		&lastMsg, &lastAt, &conv.Status, &conv.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastMsg.Valid {
		s := lastMsg.String
		conv.LastMessage = &s
	}
	if lastAt.Valid {
		t := lastAt.Time
		conv.LastMessageAt = &t
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		conv.UpdatedAt = &t
	}
	return &conv, nil
}

// ============================================================================
// MessageRepository implementation
// ============================================================================

// FindByExternalID returns (nil, nil) when no message carries the id.
func (r *MariaDBRepository) FindByExternalID(ctx context.Context, conversationID int64, externalID string) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, content, direction, origin, external_id, created_at
		FROM messages
		WHERE conversation_id = ? AND external_id = ?`,
		conversationID, externalID,
	).Scan(&msg.ID, &msg.ConversationID, &msg.Content, &msg.Direction, &msg.Origin, &msg.ExternalID, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message by external id: %w", err)
	}
	return &msg, nil
}

// InsertIngested persists a message, bumps the conversation preview and the
// analytics counters in one transaction. The unique index on
// (conversation_id, external_id) is the dedup authority: a violation rolls
// everything back and reports duplicate = true, so a redelivered message
// leaves no trace, counters included.
func (r *MariaDBRepository) InsertIngested(ctx context.Context, tenantID, userID int64, msg *domain.Message) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, content, direction, origin, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Content, msg.Direction, msg.Origin, msg.ExternalID, msg.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return true, nil
		}
		return false, fmt.Errorf("insert message: %w", err)
	}
	msg.ID, _ = result.LastInsertId()

	preview := msg.Content
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message = ?, last_message_at = ?, status = 'unread', updated_at = NOW()
		WHERE id = ? AND tenant_id = ?`,
		preview, msg.CreatedAt, msg.ConversationID, tenantID,
	); err != nil {
		return false, fmt.Errorf("update conversation preview: %w", err)
	}

	generated, manual := responseCounts(msg)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO analytics_counters (tenant_id, user_id, total_messages, generated_responses, manual_responses, updated_at)
		VALUES (?, ?, 1, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE
			total_messages = total_messages + 1,
			generated_responses = generated_responses + VALUES(generated_responses),
			manual_responses = manual_responses + VALUES(manual_responses),
			updated_at = NOW()`,
		tenantID, userID, generated, manual,
	); err != nil {
		return false, fmt.Errorf("update analytics counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit ingest: %w", err)
	}
	return false, nil
}

// ListByConversation returns the conversation's messages oldest first. The
// join carries the tenant scope; messages have no tenant column of their own.
func (r *MariaDBRepository) ListByConversation(ctx context.Context, tenantID, conversationID int64) ([]domain.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.content, m.direction, m.origin, m.external_id, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id AND c.tenant_id = ?
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC, m.id ASC`
	rows, err := r.db.QueryContext(ctx, query, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Content, &msg.Direction, &msg.Origin, &msg.ExternalID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// responseCounts maps a message onto the counter deltas. Customer messages
// count toward the total only.
func responseCounts(msg *domain.Message) (generated, manual int) {
	if msg.Direction != domain.DirectionFromAgent {
		return 0, 0
	}
	if msg.Origin == domain.OriginGenerated {
		return 1, 0
	}
	return 0, 1
}

// ============================================================================
// AnalyticsRepository implementation
// ============================================================================

// GetAnalytics returns the user's counters, zero-valued when nothing was
// ingested yet.
func (r *MariaDBRepository) GetAnalytics(ctx context.Context, tenantID, userID int64) (*domain.AnalyticsCounters, error) {
	counters := &domain.AnalyticsCounters{TenantID: tenantID, UserID: userID}
	err := r.db.QueryRowContext(ctx, `
		SELECT total_messages, generated_responses, manual_responses, updated_at
		FROM analytics_counters
		WHERE tenant_id = ? AND user_id = ?`,
		tenantID, userID,
	).Scan(&counters.TotalMessages, &counters.GeneratedResponses, &counters.ManualResponses, &counters.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return counters, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analytics: %w", err)
	}
	return counters, nil
}

// ============================================================================
// WebhookLogRepository implementation
// ============================================================================

// SaveLog records a received delivery before processing starts.
func (r *MariaDBRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (provider, payload_json, status, created_at)
		VALUES (?, ?, ?, NOW())`,
		log.Provider, []byte(log.PayloadJSON), log.Status,
	)
	if err != nil {
		return 0, fmt.Errorf("save webhook log: %w", err)
	}
	id, _ := result.LastInsertId()
	log.ID = id
	return id, nil
}

// UpdateStatus records the processing outcome for a delivery.
func (r *MariaDBRepository) UpdateStatus(ctx context.Context, id int64, status string, errorLog *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_logs SET status = ?, error_log = ?, processed_at = NOW() WHERE id = ?`,
		status, errorLog, id)
	if err != nil {
		return fmt.Errorf("update webhook log: %w", err)
	}
	return nil
}

// PurgeProcessed deletes old processed deliveries, bounded per call.
func (r *MariaDBRepository) PurgeProcessed(ctx context.Context, olderThan time.Time, limit int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_logs
		WHERE status = ? AND created_at < ?
		LIMIT ?`,
		domain.WebhookStatusProcessed, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("purge webhook logs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
