package elasticring

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"

	"go-elasticring/memcache"
)

// Config holds every recognized client option. Use DefaultConfig or ParseConfig
// to obtain one; the zero value does not pass Validate.
type Config struct {
	DiscoveryInterval   time.Duration // 0 disables periodic refresh
	DiscoveryRetryDelay time.Duration
	UseVPCIPAddress     bool
	UsePooling          bool
	MaxPoolSize         int
	PoolIdleTimeout     time.Duration // 0 keeps idle connections forever
	ConnectTimeout      time.Duration
	Timeout             time.Duration
	RetryAttempts       int // extra attempts against the configuration endpoint
	IgnoreExc           bool
	IgnoreClusterErrors bool
	KeyPrefix           string
	VNodeCount          int
	TLSConfig           *tls.Config
}

// DefaultConfig returns the defaults used when an option is not supplied.
func DefaultConfig() Config {
	return Config{
		UseVPCIPAddress: true,
		MaxPoolSize:     10,
		ConnectTimeout:  time.Second,
		Timeout:         time.Second,
		RetryAttempts:   2,
		VNodeCount:      160,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.DiscoveryInterval < 0:
		return fmt.Errorf("%w: discovery_interval must not be negative", ErrInvalidConfig)
	case c.DiscoveryRetryDelay < 0:
		return fmt.Errorf("%w: discovery_retry_delay must not be negative", ErrInvalidConfig)
	case c.MaxPoolSize < 1:
		return fmt.Errorf("%w: max_pool_size must be at least 1", ErrInvalidConfig)
	case c.PoolIdleTimeout < 0:
		return fmt.Errorf("%w: pool_idle_timeout must not be negative", ErrInvalidConfig)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	case c.RetryAttempts < 0:
		return fmt.Errorf("%w: retry_attempts must not be negative", ErrInvalidConfig)
	case c.VNodeCount < 1:
		return fmt.Errorf("%w: vnode_count must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// configSetters maps each recognized option key to the field it sets.
var configSetters = map[string]func(*Config, any) error{
	"discovery_interval": func(c *Config, v any) (err error) {
		c.DiscoveryInterval, err = toDuration(v)
		return err
	},
	"discovery_retry_delay": func(c *Config, v any) (err error) {
		c.DiscoveryRetryDelay, err = toDuration(v)
		return err
	},
	"use_vpc_ip_address": func(c *Config, v any) (err error) {
		c.UseVPCIPAddress, err = toBool(v)
		return err
	},
	"use_pooling": func(c *Config, v any) (err error) {
		c.UsePooling, err = toBool(v)
		return err
	},
	"max_pool_size": func(c *Config, v any) (err error) {
		c.MaxPoolSize, err = toInt(v)
		return err
	},
	"pool_idle_timeout": func(c *Config, v any) (err error) {
		c.PoolIdleTimeout, err = toDuration(v)
		return err
	},
	"connect_timeout": func(c *Config, v any) (err error) {
		c.ConnectTimeout, err = toDuration(v)
		return err
	},
	"timeout": func(c *Config, v any) (err error) {
		c.Timeout, err = toDuration(v)
		return err
	},
	"retry_attempts": func(c *Config, v any) (err error) {
		c.RetryAttempts, err = toInt(v)
		return err
	},
	"ignore_exc": func(c *Config, v any) (err error) {
		c.IgnoreExc, err = toBool(v)
		return err
	},
	"ignore_cluster_errors": func(c *Config, v any) (err error) {
		c.IgnoreClusterErrors, err = toBool(v)
		return err
	},
	"key_prefix": func(c *Config, v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		c.KeyPrefix = s
		return nil
	},
	"vnode_count": func(c *Config, v any) (err error) {
		c.VNodeCount, err = toInt(v)
		return err
	},
	"tls_context": func(c *Config, v any) error {
		if v == nil {
			c.TLSConfig = nil
			return nil
		}
		cfg, ok := v.(*tls.Config)
		if !ok {
			return fmt.Errorf("expected *tls.Config, got %T", v)
		}
		c.TLSConfig = cfg
		return nil
	},
}

// ParseConfig builds a Config from an option map such as a framework's cache
// settings. Durations are given in (fractional) seconds. Unknown keys are rejected.
func ParseConfig(values map[string]any) (Config, error) {
	var (
		cfg  = DefaultConfig()
		keys = make([]string, 0, len(values))
	)
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var unknown []string
	for _, key := range keys {
		set, ok := configSetters[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		if err := set(&cfg, values[key]); err != nil {
			return Config{}, fmt.Errorf("%w: option %q: %v", ErrInvalidConfig, key, err)
		}
	}

	if len(unknown) > 0 {
		return Config{}, fmt.Errorf("%w: unknown options: %s", ErrInvalidConfig, strings.Join(unknown, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func toDuration(v any) (time.Duration, error) {
	switch n := v.(type) {
	case time.Duration:
		return n, nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("invalid number of seconds %v", n)
		}
		return time.Duration(n * float64(time.Second)), nil
	case float32:
		return time.Duration(float64(n) * float64(time.Second)), nil
	case int:
		return time.Duration(n) * time.Second, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("expected seconds, got %T", v)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

// options carries collaborators that are not plain configuration (internal only).
type options struct {
	logger   *slog.Logger
	registry metrics.Registry
	dialer   memcache.DialFunc
}

func defaultOptions() options {
	return options{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		registry: metrics.NewRegistry(),
	}
}

// Option is a functional option for configuring a Client.
type Option func(*options)

// WithLogger sets the logger for the client.
// If the logger is nil, the client will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

// WithMetrics sets the registry that client counters, gauges and timers are registered in.
// DEFAULT: A fresh registry per client
func WithMetrics(registry metrics.Registry) Option {
	return func(o *options) {
		if registry == nil {
			o.registry = metrics.NewRegistry()
			return
		}

		o.registry = registry
	}
}

// WithDialer replaces the function used to open TCP connections to nodes and the configuration endpoint.
// DEFAULT: net.Dialer
func WithDialer(dialer memcache.DialFunc) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}
