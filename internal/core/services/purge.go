package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"channelhub/internal/core/ports"
)

const (
	purgeInterval = 10 * time.Minute

	// Webhook audit rows older than this and already processed are eligible
	// for purge once disk pressure crosses the threshold.
	webhookRetention   = 7 * 24 * time.Hour
	webhookPurgeBatch  = 1000
	diskPurgeThreshold = 70.0
)

// Purger is the retention watchdog. Expired authorization handshakes are
// deleted every cycle (they are dead weight the moment their TTL passes);
// processed webhook audit rows are purged in batches only under disk
// pressure. Connections, conversations and messages are never purged.
type Purger struct {
	handshakes ports.HandshakeRepository
	logs       ports.WebhookLogRepository

	diskUsage func(path string) (float64, error)
	now       func() time.Time
}

// NewPurger creates a purger with dependencies injected.
func NewPurger(handshakes ports.HandshakeRepository, logs ports.WebhookLogRepository) *Purger {
	return &Purger{
		handshakes: handshakes,
		logs:       logs,
		diskUsage:  dataDiskUsage,
		now:        time.Now,
	}
}

// Run loops until the context is cancelled, executing one purge cycle per
// interval.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	slog.Info("Purge watchdog started", "interval", purgeInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Purge watchdog stopped")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single purge cycle.
func (p *Purger) RunOnce(ctx context.Context) {
	if n, err := p.handshakes.PurgeExpired(ctx, p.now()); err != nil {
		slog.Error("Failed to purge expired handshakes", "error", err)
	} else if n > 0 {
		slog.Info("Purged expired handshakes", "count", n)
	}

	usage, err := p.diskUsage(".")
	if err != nil {
		slog.Warn("Disk usage check failed, skipping webhook log purge", "error", err)
		return
	}
	if usage < diskPurgeThreshold {
		slog.Debug("Disk usage below purge threshold", "disk_percent", usage)
		return
	}

	cutoff := p.now().Add(-webhookRetention)
	n, err := p.logs.PurgeProcessed(ctx, cutoff, webhookPurgeBatch)
	if err != nil {
		slog.Error("Failed to purge webhook logs", "error", err)
		return
	}
	slog.Info("Purged processed webhook logs",
		"count", n,
		"disk_percent", usage,
		"cutoff", cutoff,
	)
}

func dataDiskUsage(path string) (float64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}
