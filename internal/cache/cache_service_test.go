package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investor-ledger/config"
)

func TestNewCacheServiceDisabled(t *testing.T) {
	_, err := NewCacheService(config.RedisConfig{Enabled: false}, zerolog.Nop())
	assert.Error(t, err)
}

func TestCacheServiceDegradesWhenUnreachable(t *testing.T) {
	cs, err := NewCacheService(config.RedisConfig{Enabled: true, Address: "127.0.0.1:1", PoolSize: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer cs.Close()

	assert.False(t, cs.IsHealthy())

	var dest map[string]string
	err = cs.GetJSON(context.Background(), InvestorTWRKey("inv-1", 3, "open", "2026-01-31"), &dest)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, cs.SetJSON(context.Background(), PlatformTWRKey(1, "open", "2026-01-31"), dest, time.Minute), ErrUnavailable)
	assert.ErrorIs(t, cs.DeletePattern(context.Background(), PlatformTWRPattern()), ErrUnavailable)

	stats := cs.GetStats()
	assert.False(t, stats.Healthy)
	assert.Equal(t, "127.0.0.1:1", stats.Address)
	assert.GreaterOrEqual(t, stats.Errors, int64(1))
	assert.Zero(t, stats.Hits)
}

func TestCacheServicePingReportsUnreachable(t *testing.T) {
	cs, err := NewCacheService(config.RedisConfig{Enabled: true, Address: "127.0.0.1:1", PoolSize: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer cs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, cs.Ping(ctx))
	assert.False(t, cs.IsHealthy())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := &breaker{maxFailures: 3, retryEvery: time.Minute}
	assert.True(t, b.succeed(), "a fresh breaker starts open")
	assert.False(t, b.open())

	assert.False(t, b.fail())
	assert.False(t, b.fail())
	assert.True(t, b.fail())
	assert.True(t, b.open())

	now := time.Now()
	assert.True(t, b.dueForRetry(now))
	assert.False(t, b.dueForRetry(now.Add(time.Second)), "one retry per interval")
	assert.True(t, b.dueForRetry(now.Add(2*time.Minute)))

	assert.True(t, b.succeed())
	assert.False(t, b.open())
	assert.False(t, b.dueForRetry(now.Add(time.Hour)), "a closed breaker never retries")
}

func TestTWRKeys(t *testing.T) {
	assert.Equal(t, "twr:investor:inv-1:v3:open:2026-01-31", InvestorTWRKey("inv-1", 3, "open", "2026-01-31"))
	assert.Equal(t, "twr:platform:v7:2026-01-01:2026-01-31", PlatformTWRKey(7, "2026-01-01", "2026-01-31"))
	assert.Equal(t, "twr:investor:inv-1:*", InvestorTWRPattern("inv-1"))
	assert.Equal(t, "twr:platform:*", PlatformTWRPattern())
}
