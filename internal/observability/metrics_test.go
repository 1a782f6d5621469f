package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpagent/internal/logging"
)

func TestDisabledCollectorIsSafe(t *testing.T) {
	c, err := NewCollector(Config{}, logging.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	c.RecordLease(ctx, "kewen_daily_report")
	c.RecordTaskResult(ctx, "kewen_daily_report", "success", time.Second)
	c.RecordRowsUploaded(ctx, "kewen_daily_report", 10)
	c.ContextOpened(ctx)
	c.ContextClosed(ctx)
	c.ProcessStarted(ctx)
	c.ProcessStopped(ctx)
	c.RecordInvalidation(ctx, "store_stats")
	c.RecordKeepalive(ctx, false)
	c.RecordCookieQueue(ctx, 3, 1)
	assert.NoError(t, c.Shutdown(ctx))
}

func TestEnabledCollectorRecords(t *testing.T) {
	c, err := NewCollector(Config{Enabled: true}, logging.Nop())
	require.NoError(t, err)
	require.NotNil(t, c.taskLeases)
	require.NotNil(t, c.cookieQueueDepth)

	ctx := context.Background()
	c.RecordLease(ctx, "store_stats")
	c.RecordTaskResult(ctx, "store_stats", "failed", 30*time.Second)
	c.RecordRowsUploaded(ctx, "store_stats", 0)
	c.ProcessStarted(ctx)
	c.RecordInvalidation(ctx, "kewen_daily_report")
	c.RecordKeepalive(ctx, true)
	c.RecordCookieQueue(ctx, 0, 0)
	assert.NoError(t, c.Shutdown(ctx))
}
