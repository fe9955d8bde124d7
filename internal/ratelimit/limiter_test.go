package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerStatsSortedByName(t *testing.T) {
	m := NewManager()
	m.Register("okx", 10, 5)
	m.Register("binance", 5, 10)

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "binance", stats[0].Name)
	assert.Equal(t, "okx", stats[1].Name)
}

func TestAdaptiveBackoff(t *testing.T) {
	l := NewManager().Register("binance", 100, 10)

	l.RecordRateLimitHit()
	assert.Equal(t, time.Second, l.Backoff())
	l.RecordRateLimitHit()
	assert.Equal(t, 1500*time.Millisecond, l.Backoff())

	for i := 0; i < 100; i++ {
		l.RecordRateLimitHit()
	}
	assert.Equal(t, 5*time.Minute, l.Backoff())

	stats := l.Stats()
	assert.Equal(t, int64(102), stats.RateLimitHits)
}

func TestRecordSuccessShrinksBackoff(t *testing.T) {
	l := NewManager().Register("okx", 100, 10)
	l.RecordRateLimitHit()
	l.RecordRateLimitHit()

	l.RecordSuccess()
	assert.InDelta(t, float64(1350*time.Millisecond), float64(l.Backoff()), 10)
	l.RecordSuccess()
	assert.InDelta(t, float64(1215*time.Millisecond), float64(l.Backoff()), 10)
	l.RecordSuccess()
	assert.InDelta(t, float64(1093500*time.Microsecond), float64(l.Backoff()), 10)
	l.RecordSuccess()
	assert.Equal(t, time.Duration(0), l.Backoff(), "drops to zero below one second")
	assert.Equal(t, int64(4), l.Stats().RequestCount)
}

func TestWaitHonoursContextDuringBackoff(t *testing.T) {
	l := NewManager().Register("bybit", 100, 10)
	l.RecordRateLimitHit()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitWithoutBackoff(t *testing.T) {
	l := NewManager().Register("bybit", 1000, 5)
	require.NoError(t, l.Wait(context.Background()))
	assert.Zero(t, l.Backoff())
}
