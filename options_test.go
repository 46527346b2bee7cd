package elasticring

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Run("should return defaults for an empty option map", func(t *testing.T) {
		// Act
		var cfg, err = ParseConfig(nil)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
		assert.True(t, cfg.UseVPCIPAddress)
		assert.False(t, cfg.UsePooling)
		assert.Equal(t, 2, cfg.RetryAttempts)
		assert.Zero(t, cfg.DiscoveryInterval)
	})

	t.Run("should convert seconds to durations", func(t *testing.T) {
		// Arrange
		var tlsConfig = &tls.Config{ServerName: "cache.example.com"}

		// Act
		var cfg, err = ParseConfig(map[string]any{
			"discovery_interval":    2.5,
			"discovery_retry_delay": 1,
			"use_vpc_ip_address":    false,
			"use_pooling":           true,
			"max_pool_size":         4,
			"pool_idle_timeout":     30,
			"connect_timeout":       0.25,
			"timeout":               time.Second,
			"retry_attempts":        float64(3),
			"ignore_exc":            true,
			"ignore_cluster_errors": true,
			"key_prefix":            "app:",
			"vnode_count":           int64(40),
			"tls_context":           tlsConfig,
		})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2500*time.Millisecond, cfg.DiscoveryInterval)
		assert.Equal(t, time.Second, cfg.DiscoveryRetryDelay)
		assert.False(t, cfg.UseVPCIPAddress)
		assert.True(t, cfg.UsePooling)
		assert.Equal(t, 4, cfg.MaxPoolSize)
		assert.Equal(t, 30*time.Second, cfg.PoolIdleTimeout)
		assert.Equal(t, 250*time.Millisecond, cfg.ConnectTimeout)
		assert.Equal(t, time.Second, cfg.Timeout)
		assert.Equal(t, 3, cfg.RetryAttempts)
		assert.True(t, cfg.IgnoreExc)
		assert.True(t, cfg.IgnoreClusterErrors)
		assert.Equal(t, "app:", cfg.KeyPrefix)
		assert.Equal(t, 40, cfg.VNodeCount)
		assert.Same(t, tlsConfig, cfg.TLSConfig)
	})

	t.Run("should reject unknown options", func(t *testing.T) {
		// Act
		var _, err = ParseConfig(map[string]any{
			"timeout":  1,
			"no_delay": true,
			"serde":    nil,
		})

		// Assert
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.ErrorContains(t, err, "no_delay, serde")
	})

	t.Run("should reject wrongly typed values", func(t *testing.T) {
		for key, value := range map[string]any{
			"discovery_interval": "soon",
			"use_pooling":        1,
			"max_pool_size":      2.5,
			"key_prefix":         42,
			"tls_context":        "tls",
		} {
			var _, err = ParseConfig(map[string]any{key: value})
			assert.ErrorIs(t, err, ErrInvalidConfig, key)
			assert.ErrorContains(t, err, key)
		}
	})

	t.Run("should reject unbounded timeouts", func(t *testing.T) {
		// Arrange
		var (
			noConnectTimeout = DefaultConfig()
			noTimeout        = DefaultConfig()
		)
		noConnectTimeout.ConnectTimeout = 0
		noTimeout.Timeout = 0

		// Act
		var (
			connectErr = noConnectTimeout.Validate()
			timeoutErr = noTimeout.Validate()
		)

		// Assert
		assert.ErrorIs(t, connectErr, ErrInvalidConfig)
		assert.ErrorContains(t, connectErr, "connect_timeout")
		assert.ErrorIs(t, timeoutErr, ErrInvalidConfig)
		assert.ErrorContains(t, timeoutErr, "timeout")
	})

	t.Run("should reject out of range values", func(t *testing.T) {
		for key, value := range map[string]any{
			"discovery_interval": -1,
			"max_pool_size":      0,
			"retry_attempts":     -1,
			"vnode_count":        0,
			"timeout":            -0.5,
			"connect_timeout":    0,
		} {
			var _, err = ParseConfig(map[string]any{key: value})
			assert.ErrorIs(t, err, ErrInvalidConfig, key)
		}
	})
}

func TestPoolConfigFor(t *testing.T) {
	t.Run("should use the configured limits with pooling", func(t *testing.T) {
		var cfg = DefaultConfig()
		cfg.UsePooling = true
		cfg.MaxPoolSize = 7
		cfg.PoolIdleTimeout = time.Minute

		var pc = poolConfigFor(cfg)

		assert.Equal(t, 7, pc.maxSize)
		assert.Equal(t, time.Minute, pc.idleTimeout)
		assert.True(t, pc.retainIdle)
	})

	t.Run("should allow one unretained connection without pooling", func(t *testing.T) {
		var pc = poolConfigFor(DefaultConfig())

		assert.Equal(t, 1, pc.maxSize)
		assert.False(t, pc.retainIdle)
	})
}
