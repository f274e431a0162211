package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"channelhub/internal/core/domain"
	"channelhub/internal/core/ports"
)

const (
	// leaseTTL bounds how long a crashed holder can block other instances.
	leaseTTL = 30 * time.Second

	// leaseRetryDelay paces waiters polling for the holder's result.
	leaseRetryDelay = 200 * time.Millisecond
)

// Refresher returns a valid access token for a connection, refreshing it
// first when it is about to expire. Refresh tokens are often single-use, so
// refreshes for one connection are strictly serialized: an in-process keyed
// mutex covers callers in this instance, a Redis lease covers other
// instances, and the version CAS on the row is the actual correctness
// guarantee either way.
//
// Refresh is single-attempt: when the provider rejects the refresh token the
// connection transitions to expired, secrets are cleared, and every caller
// gets ErrReconnectRequired until a human re-runs the connect flow.
type Refresher struct {
	connections ports.ConnectionRepository
	providers   ports.ProviderRegistry
	lease       ports.RefreshLease

	threshold time.Duration
	now       func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewRefresher creates a refresher with dependencies injected.
func NewRefresher(
	connections ports.ConnectionRepository,
	providers ports.ProviderRegistry,
	lease ports.RefreshLease,
	threshold time.Duration,
) *Refresher {
	return &Refresher{
		connections: connections,
		providers:   providers,
		lease:       lease,
		threshold:   threshold,
		now:         time.Now,
		locks:       make(map[int64]*sync.Mutex),
	}
}

// GetValidToken loads the connection and returns an access token that is
// good for at least the refresh threshold, refreshing at most once.
func (r *Refresher) GetValidToken(ctx context.Context, tenantID, userID, connectionID int64) (string, error) {
	conn, err := r.loadUsable(ctx, tenantID, userID, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.TokenExpiresWithin(r.now(), r.threshold) {
		return *conn.AccessToken, nil
	}

	// Serialize all local callers for this connection before touching the
	// provider.
	lock := r.lockFor(connectionID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read: a caller we waited on may have refreshed already.
	conn, err = r.loadUsable(ctx, tenantID, userID, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.TokenExpiresWithin(r.now(), r.threshold) {
		return *conn.AccessToken, nil
	}

	return r.refreshSerialized(ctx, conn)
}

// refreshSerialized runs with the local lock held. It competes for the
// cross-instance lease; a waiter that never gets the lease keeps re-reading
// until the holder's outcome lands on the row.
func (r *Refresher) refreshSerialized(ctx context.Context, conn *domain.PlatformConnection) (string, error) {
	for {
		acquired, err := r.lease.Acquire(ctx, conn.ID, leaseTTL)
		if err != nil {
			// Redis being down must not take refresh down with it; the CAS
			// write still protects the rotation.
			slog.Warn("Refresh lease unavailable, proceeding on CAS only",
				"connection_id", conn.ID,
				"error", err,
			)
			acquired = true
		}
		if acquired {
			defer func() {
				if err := r.lease.Release(context.WithoutCancel(ctx), conn.ID); err != nil {
					slog.Warn("Failed to release refresh lease", "connection_id", conn.ID, "error", err)
				}
			}()
			return r.performRefresh(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(leaseRetryDelay):
		}

		conn, err = r.loadUsable(ctx, conn.TenantID, conn.UserID, conn.ID)
		if err != nil {
			// The holder's refresh failed and expired the row.
			return "", err
		}
		if !conn.TokenExpiresWithin(r.now(), r.threshold) {
			return *conn.AccessToken, nil
		}
	}
}

// performRefresh holds both locks. Exactly one provider call happens here.
func (r *Refresher) performRefresh(ctx context.Context, conn *domain.PlatformConnection) (string, error) {
	if conn.RefreshToken == nil {
		// Nothing to rotate with; only a human can fix this.
		return "", r.expire(ctx, conn)
	}

	client, err := r.providers.Lookup(conn.Provider)
	if err != nil {
		return "", err
	}

	grant, err := client.RefreshToken(ctx, *conn.RefreshToken)
	if errors.Is(err, domain.ErrReconnectRequired) {
		slog.Warn("Provider rejected refresh token",
			"connection_id", conn.ID,
			"provider", conn.Provider,
		)
		return "", r.expire(ctx, conn)
	}
	if err != nil {
		// Transient outage: keep the credential, let the caller retry. This
		// is deliberately distinguishable from the reconnect-required case.
		return "", fmt.Errorf("%w: token refresh: %w", domain.ErrProviderUnavailable, err)
	}

	newRefresh := conn.RefreshToken
	if grant.RefreshToken != nil {
		newRefresh = grant.RefreshToken
	}
	var expiry *time.Time
	if grant.ExpiresIn > 0 {
		e := r.now().Add(time.Duration(grant.ExpiresIn) * time.Second)
		expiry = &e
	}

	err = r.connections.UpdateTokensCAS(ctx, conn.TenantID, conn.ID, conn.Version, &grant.AccessToken, newRefresh, expiry)
	if errors.Is(err, domain.ErrVersionConflict) {
		// Someone advanced the row under us. Re-read once and reapply.
		fresh, rerr := r.loadUsable(ctx, conn.TenantID, conn.UserID, conn.ID)
		if rerr != nil {
			return "", rerr
		}
		if !fresh.TokenExpiresWithin(r.now(), r.threshold) {
			return *fresh.AccessToken, nil
		}
		err = r.connections.UpdateTokensCAS(ctx, fresh.TenantID, fresh.ID, fresh.Version, &grant.AccessToken, newRefresh, expiry)
	}
	if err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	slog.Info("Access token refreshed",
		"connection_id", conn.ID,
		"provider", conn.Provider,
	)
	return grant.AccessToken, nil
}

// expire transitions the row to expired with secrets cleared and reports
// reconnect-required.
func (r *Refresher) expire(ctx context.Context, conn *domain.PlatformConnection) error {
	if err := r.connections.MarkExpired(ctx, conn.TenantID, conn.ID); err != nil {
		slog.Error("Failed to expire connection", "connection_id", conn.ID, "error", err)
	}
	return domain.ErrReconnectRequired
}

// loadUsable loads the connection under the tenant guard and fails unless it
// carries a usable credential.
func (r *Refresher) loadUsable(ctx context.Context, tenantID, userID, connectionID int64) (*domain.PlatformConnection, error) {
	conn, err := r.connections.GetByID(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.UserID != userID {
		return nil, domain.ErrNotFound
	}
	switch conn.CredentialState {
	case domain.StateConnected:
	case domain.StateExpired:
		return nil, domain.ErrReconnectRequired
	default:
		return nil, domain.ErrNotConnected
	}
	if conn.AccessToken == nil {
		return nil, domain.ErrNotConnected
	}
	return conn, nil
}

// lockFor returns the mutex owned by this connection id, creating it on
// first use. Entries are never removed; the map is bounded by the number of
// distinct connections an instance serves.
func (r *Refresher) lockFor(connectionID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[connectionID] = lock
	}
	return lock
}
