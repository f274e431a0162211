// Package repository implements data persistence adapters.
// Following Hexagonal Architecture: adapters implement ports defined in core.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

// Ensure MariaDBRepository implements the required interfaces.
var (
	_ ports.ConnectionRepository   = (*MariaDBRepository)(nil)
	_ ports.HandshakeRepository    = (*MariaDBRepository)(nil)
	_ ports.ConversationRepository = (*MariaDBRepository)(nil)
	_ ports.MessageRepository      = (*MariaDBRepository)(nil)
	_ ports.AnalyticsRepository    = (*MariaDBRepository)(nil)
	_ ports.WebhookLogRepository   = (*MariaDBRepository)(nil)
)

// MariaDBRepository implements all persistence ports against MariaDB. Every
// query predicate includes the tenant id where one applies; a row owned by a
// different tenant is reported as domain.ErrNotFound, identically to a
// missing row.
type MariaDBRepository struct {
	db *sql.DB
}

// NewMariaDBRepository creates a new MariaDB repository instance.
func NewMariaDBRepository(db *sql.DB) *MariaDBRepository {
	return &MariaDBRepository{db: db}
}

const connectionColumns = `
	id, tenant_id, user_id, provider, display_name, provider_account,
	credential_state, access_token, refresh_token, token_expiry,
	provider_metadata, version, created_at, updated_at
`

// ============================================================================
// ConnectionRepository implementation
// ============================================================================

// Get returns the row for the key, scoped to the tenant.
func (r *MariaDBRepository) Get(ctx context.Context, tenantID, userID int64, provider string) (*domain.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM platform_connections
		WHERE tenant_id = ? AND user_id = ? AND provider = ?`
	return r.scanConnection(r.db.QueryRowContext(ctx, query, tenantID, userID, provider))
}

// GetByID returns the row visible to the tenant.
func (r *MariaDBRepository) GetByID(ctx context.Context, tenantID, id int64) (*domain.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM platform_connections
		WHERE id = ? AND tenant_id = ?`
	return r.scanConnection(r.db.QueryRowContext(ctx, query, id, tenantID))
}

// GetConnectedOrNil returns the connected row for the key, or (nil, nil).
func (r *MariaDBRepository) GetConnectedOrNil(ctx context.Context, tenantID, userID int64, provider string) (*domain.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM platform_connections
		WHERE tenant_id = ? AND user_id = ? AND provider = ? AND credential_state = ?`
	conn, err := r.scanConnection(r.db.QueryRowContext(ctx, query, tenantID, userID, provider, domain.StateConnected))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return conn, err
}

// List returns the user's connections, newest first.
func (r *MariaDBRepository) List(ctx context.Context, tenantID, userID int64) ([]domain.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM platform_connections
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []domain.PlatformConnection
	for rows.Next() {
		conn, err := scanConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

// FindByProviderAccount routes a webhook delivery to the owning connected row.
func (r *MariaDBRepository) FindByProviderAccount(ctx context.Context, provider, providerAccount string) (*domain.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM platform_connections
		WHERE provider = ? AND provider_account = ? AND credential_state = ?
		LIMIT 1`
	return r.scanConnection(r.db.QueryRowContext(ctx, query, provider, providerAccount, domain.StateConnected))
}

// Upsert inserts or updates the row keyed by (tenant, user, provider). The
// token-iff-connected invariant is enforced here: whatever the caller
// passed, a non-connected write lands with NULL secrets.
func (r *MariaDBRepository) Upsert(ctx context.Context, conn *domain.PlatformConnection) error {
	sanitizeSecrets(conn)
	if err := r.execUpsert(ctx, r.db, conn); err != nil {
		return err
	}
	return r.reload(ctx, conn)
}

// Supersede disconnects any connected credential for the key and writes conn
// as the connected one, in a single transaction. Preserves at-most-one
// connected per key at every observable instant.
func (r *MariaDBRepository) Supersede(ctx context.Context, conn *domain.PlatformConnection) error {
	conn.CredentialState = domain.StateConnected
	if conn.AccessToken == nil {
		return fmt.Errorf("supersede without access token")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback()

	demote := `
		UPDATE platform_connections
		SET credential_state = ?, access_token = NULL, refresh_token = NULL,
			token_expiry = NULL, version = version + 1, updated_at = NOW()
		WHERE tenant_id = ? AND user_id = ? AND provider = ? AND credential_state = ?`
	if _, err := tx.ExecContext(ctx, demote,
		domain.StateDisconnected, conn.TenantID, conn.UserID, conn.Provider, domain.StateConnected,
	); err != nil {
		return fmt.Errorf("demote superseded connection: %w", err)
	}

	if err := r.execUpsert(ctx, tx, conn); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit supersede: %w", err)
	}
	return r.reload(ctx, conn)
}

// UpdateTokensCAS swaps the secret columns iff the version is unchanged and
// the row is still connected. The version bump makes a lost race observable.
func (r *MariaDBRepository) UpdateTokensCAS(ctx context.Context, tenantID, id, expectedVersion int64, accessToken, refreshToken *string, expiry *time.Time) error {
	query := `
		UPDATE platform_connections
		SET access_token = ?, refresh_token = ?, token_expiry = ?,
			version = version + 1, updated_at = NOW()
		WHERE id = ? AND tenant_id = ? AND version = ? AND credential_state = ?`
	result, err := r.db.ExecContext(ctx, query,
		accessToken, refreshToken, expiry,
		id, tenantID, expectedVersion, domain.StateConnected,
	)
	if err != nil {
		return fmt.Errorf("cas token update: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

// MarkExpired transitions a connected row to expired with secrets cleared.
// A no-op when the row already left the connected state.
func (r *MariaDBRepository) MarkExpired(ctx context.Context, tenantID, id int64) error {
	query := `
		UPDATE platform_connections
		SET credential_state = ?, access_token = NULL, refresh_token = NULL,
			token_expiry = NULL, version = version + 1, updated_at = NOW()
		WHERE id = ? AND tenant_id = ? AND credential_state = ?`
	if _, err := r.db.ExecContext(ctx, query, domain.StateExpired, id, tenantID, domain.StateConnected); err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return nil
}

// Revoke soft-deletes: disconnected, secrets nulled, row retained.
func (r *MariaDBRepository) Revoke(ctx context.Context, tenantID, id int64) error {
	// Existence check first: an already-disconnected row updates zero
	// columns and would be indistinguishable from a missing one below.
	var exists int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM platform_connections WHERE id = ? AND tenant_id = ?`, id, tenantID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}

	query := `
		UPDATE platform_connections
		SET credential_state = ?, access_token = NULL, refresh_token = NULL,
			token_expiry = NULL, version = version + 1, updated_at = NOW()
		WHERE id = ? AND tenant_id = ? AND credential_state <> ?`
	if _, err := r.db.ExecContext(ctx, query, domain.StateDisconnected, id, tenantID, domain.StateDisconnected); err != nil {
		return fmt.Errorf("revoke connection: %w", err)
	}
	return nil
}

// ============================================================================
// HandshakeRepository implementation
// ============================================================================

// Save stores a freshly issued handshake.
func (r *MariaDBRepository) Save(ctx context.Context, hs *domain.AuthorizationHandshake) error {
	query := `
		INSERT INTO authorization_handshakes (state, tenant_id, user_id, provider, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		hs.State, hs.TenantID, hs.UserID, hs.Provider, hs.IssuedAt, hs.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save handshake: %w", err)
	}
	return nil
}

// Consume atomically loads and deletes the handshake. The row lock taken by
// the SELECT ... FOR UPDATE makes the check-and-delete single-winner: a
// racing consumer blocks, then sees no row.
func (r *MariaDBRepository) Consume(ctx context.Context, state string) (*domain.AuthorizationHandshake, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback()

	var hs domain.AuthorizationHandshake
	err = tx.QueryRowContext(ctx, `
		SELECT state, tenant_id, user_id, provider, issued_at, expires_at
		FROM authorization_handshakes
		WHERE state = ?
		FOR UPDATE`, state,
	).Scan(&hs.State, &hs.TenantID, &hs.UserID, &hs.Provider, &hs.IssuedAt, &hs.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load handshake: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM authorization_handshakes WHERE state = ?`, state); err != nil {
		return nil, fmt.Errorf("delete handshake: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return &hs, nil
}

// PurgeExpired deletes handshakes whose TTL elapsed.
func (r *MariaDBRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM authorization_handshakes WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge handshakes: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ============================================================================
// Helpers
// ============================================================================

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *MariaDBRepository) execUpsert(ctx context.Context, db execContexter, conn *domain.PlatformConnection) error {
	query := `
		INSERT INTO platform_connections (
			tenant_id, user_id, provider, display_name, provider_account,
			credential_state, access_token, refresh_token, token_expiry,
			provider_metadata, version, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
			display_name = VALUES(display_name),
			provider_account = VALUES(provider_account),
			credential_state = VALUES(credential_state),
			access_token = VALUES(access_token),
			refresh_token = VALUES(refresh_token),
			token_expiry = VALUES(token_expiry),
			provider_metadata = VALUES(provider_metadata),
			version = version + 1,
			updated_at = NOW()`
	var meta any
	if len(conn.ProviderMeta) > 0 {
		meta = []byte(conn.ProviderMeta)
	}
	_, err := db.ExecContext(ctx, query,
		conn.TenantID, conn.UserID, conn.Provider, conn.DisplayName, conn.ProviderAccount,
		conn.CredentialState, conn.AccessToken, conn.RefreshToken, conn.TokenExpiry, meta,
	)
	if err != nil {
		slog.Error("Failed to upsert connection",
			"error", err,
			"tenant_id", conn.TenantID,
			"provider", conn.Provider,
		)
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// reload refreshes ID, version and timestamps after a write.
func (r *MariaDBRepository) reload(ctx context.Context, conn *domain.PlatformConnection) error {
	stored, err := r.Get(ctx, conn.TenantID, conn.UserID, conn.Provider)
	if err != nil {
		return fmt.Errorf("reload connection: %w", err)
	}
	conn.ID = stored.ID
	conn.Version = stored.Version
	conn.CreatedAt = stored.CreatedAt
	conn.UpdatedAt = stored.UpdatedAt
	return nil
}

// sanitizeSecrets enforces token-iff-connected on the way in.
func sanitizeSecrets(conn *domain.PlatformConnection) {
	if conn.CredentialState != domain.StateConnected {
		conn.AccessToken = nil
		conn.RefreshToken = nil
		conn.TokenExpiry = nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *MariaDBRepository) scanConnection(row rowScanner) (*domain.PlatformConnection, error) {
	conn, err := scanConnectionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return conn, err
}

func scanConnectionRow(row rowScanner) (*domain.PlatformConnection, error) {
	var conn domain.PlatformConnection
	var meta sql.NullString
	var expiry sql.NullTime
	err := row.Scan(
		&conn.ID, &conn.TenantID, &conn.UserID, &conn.Provider,
		&conn.DisplayName, &conn.ProviderAccount, &conn.CredentialState,
		&conn.AccessToken, &conn.RefreshToken, &expiry,
		&meta, &conn.Version, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		t := expiry.Time
		conn.TokenExpiry = &t
	}
	if meta.Valid {
		conn.ProviderMeta = []byte(meta.String)
	}
	return &conn, nil
}

// isDuplicateKey reports a MySQL unique index violation (error 1062).
func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}
