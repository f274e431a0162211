package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
)

func createTestPurger(diskPercent float64) (*Purger, *MockHandshakeRepository, *MockWebhookLogRepository) {
	handshakes := new(MockHandshakeRepository)
	logs := new(MockWebhookLogRepository)
	purger := NewPurger(handshakes, logs)
	purger.diskUsage = func(string) (float64, error) { return diskPercent, nil }
	purger.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return purger, handshakes, logs
}

func TestRunOnce_PurgesExpiredHandshakes(t *testing.T) {
	purger, handshakes, logs := createTestPurger(40.0)
	ctx := context.Background()

	now := purger.now()
	handshakes.On("PurgeExpired", ctx, now).Return(int64(3), nil)

	purger.RunOnce(ctx)

	handshakes.AssertExpectations(t)
	// Disk below threshold: audit rows are kept.
	logs.AssertNotCalled(t, "PurgeProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunOnce_DiskPressurePurgesProcessedLogs(t *testing.T) {
	purger, handshakes, logs := createTestPurger(85.0)
	ctx := context.Background()

	now := purger.now()
	handshakes.On("PurgeExpired", ctx, now).Return(int64(0), nil)
	logs.On("PurgeProcessed", ctx, now.Add(-webhookRetention), int64(webhookPurgeBatch)).
		Return(int64(412), nil)

	purger.RunOnce(ctx)

	logs.AssertExpectations(t)
}

func TestRunOnce_HandshakeFailureStillChecksLogs(t *testing.T) {
	purger, handshakes, logs := createTestPurger(85.0)
	ctx := context.Background()

	handshakes.On("PurgeExpired", ctx, mock.Anything).Return(int64(0), errors.New("lock wait timeout"))
	logs.On("PurgeProcessed", ctx, mock.Anything, int64(webhookPurgeBatch)).Return(int64(0), nil)

	purger.RunOnce(ctx)

	logs.AssertExpectations(t)
}

func TestRunOnce_DiskCheckFailureSkipsLogPurge(t *testing.T) {
	purger, handshakes, logs := createTestPurger(0)
	purger.diskUsage = func(string) (float64, error) { return 0, errors.New("statfs failed") }
	ctx := context.Background()

	handshakes.On("PurgeExpired", ctx, mock.Anything).Return(int64(1), nil)

	purger.RunOnce(ctx)

	logs.AssertNotCalled(t, "PurgeProcessed", mock.Anything, mock.Anything, mock.Anything)
}
