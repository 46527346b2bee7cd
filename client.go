package elasticring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"

	"go-elasticring/memcache"
)

// Client routes cache operations to the nodes of an auto-discovered cluster.
// It is safe for concurrent use.
type Client struct {
	id          string
	endpoint    Node
	config      Config
	options     options
	logger      *slog.Logger
	discovery   *discovery
	coordinator *coordinator

	mu      sync.Mutex
	started bool
	closed  atomic.Bool

	opErrors   metrics.Counter
	suppressed metrics.Counter
}

// NewClient creates a client for the cluster behind the configuration endpoint
// ("host:port" or "[ipv4]:port"). No connection is opened until Start or the first operation.
func NewClient(endpoint string, cfg Config, opts ...Option) (*Client, error) {
	var node, err = parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var (
		id     = uuid.NewString()
		logger = options.logger.With("client_id", id, "endpoint", endpoint)
		pm     = newPoolMetrics(options.registry)
		dial   = memcache.DialOptions{
			ConnectTimeout: cfg.ConnectTimeout,
			Timeout:        cfg.Timeout,
			TLSConfig:      cfg.TLSConfig,
			Dialer:         options.dialer,
		}
		f         = newFetcher(node, cfg, dial, logger, options.registry, pm)
		reg       = newRegistry(dial, poolConfigFor(cfg), logger, pm)
		discovery = newDiscovery(f, reg, cfg, logger, options.registry)
	)

	return &Client{
		id:          id,
		endpoint:    node,
		config:      cfg,
		options:     options,
		logger:      logger,
		discovery:   discovery,
		coordinator: newCoordinator(discovery, cfg, logger),
		opErrors:    metrics.GetOrRegisterCounter("ops.errors", options.registry),
		suppressed:  metrics.GetOrRegisterCounter("ops.suppressed", options.registry),
	}, nil
}

// Start runs the initial discovery and launches periodic refresh when
// DiscoveryInterval is set. A failed initial discovery is logged, not returned:
// the first operation retries it.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	if err := c.discovery.refresh(ctx); err != nil {
		c.logger.Warn("initial discovery failed", "error", err)
	} else {
		c.logger.Info("client started",
			"version", c.discovery.ring().Version(),
			"nodes", c.discovery.ring().Len())
	}

	c.coordinator.start()
	return nil
}

// Refresh runs a discovery immediately. On failure the current ring is kept.
func (c *Client) Refresh(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.discovery.refresh(ctx)
}

// Close stops periodic refresh and closes every connection. Operations in
// flight finish on their connections, which are closed when released.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.coordinator.stop()
	c.discovery.close()
	c.logger.Info("client closed")
	return nil
}

// Ring returns the current ring snapshot without triggering discovery.
func (c *Client) Ring() *Ring {
	return c.discovery.ring()
}

// DiscoveryStatus reports the outcome of recent discovery attempts.
func (c *Client) DiscoveryStatus() DiscoveryStatus {
	return c.discovery.Status()
}

// PoolStats returns one entry per node pool, ordered by address.
func (c *Client) PoolStats() []PoolStats {
	var (
		byNode = c.discovery.registry.stats()
		stats  = make([]PoolStats, 0, len(byNode))
	)
	for _, s := range byNode {
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Node.Addr() < stats[j].Node.Addr()
	})
	return stats
}

// Metrics returns the registry holding the client's counters, gauges and timers.
func (c *Client) Metrics() metrics.Registry {
	return c.options.registry
}

// WithNode runs fn on a pooled connection to the node that owns key. The key is
// hashed as given; KeyPrefix is not applied. If the node leaves the ring before a
// connection is obtained, the key is resolved once more against the new ring.
func (c *Client) WithNode(ctx context.Context, key string, fn func(conn *memcache.Conn) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	for range 2 {
		ring, err := c.discovery.currentRing(ctx)
		if err != nil {
			return err
		}

		var node, ok = ring.Lookup(key)
		if !ok {
			return ErrDiscoveryUnavailable
		}

		err = c.onNode(ctx, node, fn)
		if errors.Is(err, errNodeGone) {
			c.logger.Debug("node left the ring, resolving key again", "node", node.Addr())
			continue
		}
		return err
	}

	return fmt.Errorf("%w: key %q", ErrNodeUnavailable, key)
}

// onNode checks a connection out of node's pool, runs fn and returns the
// connection. errNodeGone means the node is no longer in the current ring.
func (c *Client) onNode(ctx context.Context, node Node, fn func(conn *memcache.Conn) error) error {
	p, err := c.discovery.registry.get(node, c.discovery.ring)
	if err != nil {
		return err
	}

	conn, err := p.Acquire(ctx)
	if errors.Is(err, errPoolClosed) {
		return errNodeGone
	}
	if err != nil {
		return err
	}

	err = fn(conn)
	p.Release(conn, memcache.IsResumable(err))

	if err != nil && !isCacheResult(err) {
		return fmt.Errorf("%w: %s: %w", ErrOperationFailed, node.Addr(), err)
	}
	return err
}

// isCacheResult reports whether err is an ordinary per-key outcome rather than a failure.
func isCacheResult(err error) bool {
	return errors.Is(err, memcache.ErrCacheMiss) ||
		errors.Is(err, memcache.ErrNotStored) ||
		errors.Is(err, memcache.ErrMalformedKey)
}

// suppress applies IgnoreExc: failures are logged and swallowed, cache results
// and a closed client are returned as is.
func (c *Client) suppress(op string, err error) error {
	if err == nil || isCacheResult(err) || errors.Is(err, ErrClientClosed) {
		return err
	}

	c.opErrors.Inc(1)
	if !c.config.IgnoreExc {
		return err
	}

	c.suppressed.Inc(1)
	c.logger.Warn("suppressed cache error", "op", op, "error", err)
	return nil
}

func (c *Client) key(key string) string {
	return c.config.KeyPrefix + key
}

// Get returns the item stored under key, or memcache.ErrCacheMiss.
func (c *Client) Get(ctx context.Context, key string) (*memcache.Item, error) {
	var (
		full = c.key(key)
		item *memcache.Item
	)

	err := c.WithNode(ctx, full, func(conn *memcache.Conn) error {
		items, err := conn.Get(ctx, full)
		if err != nil {
			return err
		}
		if item = items[full]; item == nil {
			return memcache.ErrCacheMiss
		}
		return nil
	})
	if err = c.suppress("get", err); err != nil {
		return nil, err
	}
	if item == nil {
		return nil, memcache.ErrCacheMiss
	}

	item.Key = key
	return item, nil
}

// Set stores item unconditionally.
func (c *Client) Set(ctx context.Context, item *memcache.Item) error {
	var stored = *item
	stored.Key = c.key(item.Key)

	err := c.WithNode(ctx, stored.Key, func(conn *memcache.Conn) error {
		return conn.Set(ctx, &stored)
	})
	return c.suppress("set", err)
}

// Delete removes key. A missing key yields memcache.ErrCacheMiss.
func (c *Client) Delete(ctx context.Context, key string) error {
	var full = c.key(key)

	err := c.WithNode(ctx, full, func(conn *memcache.Conn) error {
		return conn.Delete(ctx, full)
	})
	return c.suppress("delete", err)
}

// Increment adds delta to the numeric value of key and returns the new value.
func (c *Client) Increment(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arith(ctx, "incr", key, delta)
}

// Decrement subtracts delta from the numeric value of key, stopping at zero.
func (c *Client) Decrement(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arith(ctx, "decr", key, delta)
}

func (c *Client) arith(ctx context.Context, op, key string, delta uint64) (uint64, error) {
	var (
		full  = c.key(key)
		value uint64
	)

	err := c.WithNode(ctx, full, func(conn *memcache.Conn) (err error) {
		if op == "incr" {
			value, err = conn.Incr(ctx, full, delta)
		} else {
			value, err = conn.Decr(ctx, full, delta)
		}
		return err
	})
	if err != nil {
		// A suppressed failure reads as a miss.
		if err = c.suppress(op, err); err == nil {
			return 0, memcache.ErrCacheMiss
		}
		return 0, err
	}
	return value, nil
}
