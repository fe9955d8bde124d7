package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 500, cfg.Service.DefaultQueryLimit)
	assert.Equal(t, 1000, cfg.Service.MaxQueryLimit)
	assert.True(t, cfg.Exchange.Binance.Enabled)
	assert.False(t, cfg.Exchange.OKX.Enabled)
	assert.Equal(t, "wss://ws.okx.com:8443/ws/v5/public", cfg.Exchange.OKX.WSURL)
	assert.Equal(t, 20*time.Second, cfg.Exchange.Binance.HeartbeatInterval)
	assert.Equal(t, 25*time.Second, cfg.Exchange.OKX.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.Socket.Reconnect.InitialDelay)
	assert.Equal(t, 60*time.Second, cfg.Socket.Reconnect.MaxDelay)
	assert.Equal(t, 2.0, cfg.Socket.Reconnect.Multiplier)
	assert.Equal(t, -1, cfg.Socket.Reconnect.MaxAttempts)
	assert.Equal(t, "KLINE_UPDATE", cfg.Notify.RabbitMQTopic)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("OKX_ENABLED", "true")
	t.Setenv("OKX_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("SOCKET_RECONNECT_MULTIPLIER", "1.5")
	t.Setenv("SOCKET_POOL_MAX_WAIT", "not-a-duration")
	t.Setenv("MAX_QUERY_LIMIT", "abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.True(t, cfg.Exchange.OKX.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Exchange.OKX.HeartbeatInterval)
	assert.Equal(t, 1.5, cfg.Socket.Reconnect.Multiplier)
	assert.Equal(t, 5*time.Second, cfg.Socket.Pool.MaxWait)
	assert.Equal(t, 1000, cfg.Service.MaxQueryLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:   "missing data dir",
			mutate: func(c *Config) { c.Store.DataDir = "" },
			errMsg: "STORE_DATA_DIR is required",
		},
		{
			name:   "default above max",
			mutate: func(c *Config) { c.Service.DefaultQueryLimit = 2000 },
			errMsg: "exceeds MAX_QUERY_LIMIT",
		},
		{
			name:   "shrinking backoff",
			mutate: func(c *Config) { c.Socket.Reconnect.Multiplier = 0.5 },
			errMsg: "SOCKET_RECONNECT_MULTIPLIER",
		},
		{
			name:   "pool sizing",
			mutate: func(c *Config) { c.Socket.Pool.MinIdle = 50 },
			errMsg: "socket pool sizing",
		},
		{
			name:   "bad stream path",
			mutate: func(c *Config) { c.Socket.Server.Path = "ws" },
			errMsg: "SOCKET_SERVER_PATH",
		},
		{
			name: "enabled exchange without url",
			mutate: func(c *Config) {
				c.Exchange.Bybit.Enabled = true
				c.Exchange.Bybit.WSURL = ""
			},
			errMsg: "bybit",
		},
		{
			name: "redis channel without host",
			mutate: func(c *Config) {
				c.Notify.RedisEnabled = true
				c.Redis.Host = ""
			},
			errMsg: "REDIS_HOST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestAddrHelpers(t *testing.T) {
	r := RedisConfig{Host: "cache", Port: 6380}
	assert.Equal(t, "cache:6380", r.Addr())
	ch := ClickHouseConfig{Host: "ch", Port: 9001}
	assert.Equal(t, "ch:9001", ch.Addr())
}
