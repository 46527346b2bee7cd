package elasticring

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// poolMetrics are shared by every pool of one client.
type poolMetrics struct {
	connects        metrics.Counter
	connectFailures metrics.Counter
	exhausted       metrics.Counter
	discards        metrics.Counter
	closed          metrics.Counter
	acquire         metrics.Timer
}

func newPoolMetrics(registry metrics.Registry) *poolMetrics {
	return &poolMetrics{
		connects:        metrics.GetOrRegisterCounter("pool.connects", registry),
		connectFailures: metrics.GetOrRegisterCounter("pool.connect_failures", registry),
		exhausted:       metrics.GetOrRegisterCounter("pool.exhausted", registry),
		discards:        metrics.GetOrRegisterCounter("pool.discards", registry),
		closed:          metrics.GetOrRegisterCounter("pool.closed", registry),
		acquire:         metrics.GetOrRegisterTimer("pool.acquire", registry),
	}
}

// poolConfig holds the limits of one pool.
type poolConfig struct {
	maxSize        int
	idleTimeout    time.Duration // 0 keeps idle connections forever
	connectTimeout time.Duration // bounds the wait for a free slot
	retainIdle     bool          // false closes every connection on release
}

// poolConfigFor derives pool limits from the client configuration.
// Without pooling a node gets a single connection that is never reused.
func poolConfigFor(cfg Config) poolConfig {
	if !cfg.UsePooling {
		return poolConfig{maxSize: 1, connectTimeout: cfg.ConnectTimeout}
	}
	return poolConfig{
		maxSize:        cfg.MaxPoolSize,
		idleTimeout:    cfg.PoolIdleTimeout,
		connectTimeout: cfg.ConnectTimeout,
		retainIdle:     true,
	}
}

// pooledConn is a connection the pool can close and identify in logs.
type pooledConn interface {
	io.Closer
	ID() string
	CreatedAt() time.Time
}

type idleConn[C pooledConn] struct {
	conn     C
	lastUsed time.Time
}

// pool is a bounded set of reusable connections to one address. A token is held
// for every checked-out connection and new connections are opened only when no
// idle one is left, so checked-out plus idle never exceeds maxSize.
type pool[C pooledConn] struct {
	addr    string
	dial    func(ctx context.Context) (C, error)
	config  poolConfig
	logger  *slog.Logger
	metrics *poolMetrics

	tokens chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	idle   []idleConn[C] // oldest first
	inUse  int
	closed bool
}

func newPool[C pooledConn](addr string, dial func(ctx context.Context) (C, error), config poolConfig, logger *slog.Logger, pm *poolMetrics) *pool[C] {
	return &pool[C]{
		addr:    addr,
		dial:    dial,
		config:  config,
		logger:  logger,
		metrics: pm,
		tokens:  make(chan struct{}, config.maxSize),
		done:    make(chan struct{}),
	}
}

// Acquire checks out a connection: the most recently used idle one if available,
// otherwise a new one. It waits at most connectTimeout for the pool to drop below capacity.
func (p *pool[C]) Acquire(ctx context.Context) (C, error) {
	var (
		zero  C
		start = time.Now()
	)
	defer p.metrics.acquire.UpdateSince(start)

	if err := p.reserve(ctx); err != nil {
		return zero, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.tokens
		return zero, errPoolClosed
	}

	p.sweepLocked(time.Now())
	if n := len(p.idle); n > 0 {
		var ic = p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return ic.conn, nil
	}
	p.inUse++
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		<-p.tokens
		p.metrics.connectFailures.Inc(1)
		return zero, fmt.Errorf("%w: %s: %w", ErrConnectFailed, p.addr, err)
	}

	p.metrics.connects.Inc(1)
	p.logger.Debug("opened connection", "node", p.addr, "conn", conn.ID())
	return conn, nil
}

// reserve takes a checkout token, waiting up to connectTimeout. Without a connect
// timeout a full pool fails at once.
func (p *pool[C]) reserve(ctx context.Context) error {
	select {
	case <-p.done:
		return errPoolClosed
	default:
	}

	select {
	case p.tokens <- struct{}{}:
		return nil
	default:
	}

	if p.config.connectTimeout <= 0 {
		return p.exhausted()
	}

	var timer = time.NewTimer(p.config.connectTimeout)
	defer timer.Stop()

	select {
	case p.tokens <- struct{}{}:
		return nil
	case <-p.done:
		return errPoolClosed
	case <-timer.C:
		return p.exhausted()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool[C]) exhausted() error {
	p.metrics.exhausted.Inc(1)
	return fmt.Errorf("%w: %s has %d connections in use", ErrPoolExhausted, p.addr, p.config.maxSize)
}

// Release returns a checked-out connection. Healthy connections go back to the
// idle set when the pool retains them; everything else is closed. Never blocks.
func (p *pool[C]) Release(conn C, healthy bool) {
	p.mu.Lock()
	p.inUse--

	var retain = healthy && p.config.retainIdle && !p.closed
	if retain {
		var now = time.Now()
		p.sweepLocked(now)
		p.idle = append(p.idle, idleConn[C]{conn: conn, lastUsed: now})
	}
	p.mu.Unlock()

	if !retain {
		var reason = "not retained"
		if !healthy {
			reason = "unhealthy"
		}
		p.discard(conn, reason)
	}

	<-p.tokens
}

// sweepLocked closes idle connections whose idle timeout elapsed.
func (p *pool[C]) sweepLocked(now time.Time) {
	if p.config.idleTimeout <= 0 {
		return
	}

	var n int
	for n < len(p.idle) && now.Sub(p.idle[n].lastUsed) > p.config.idleTimeout {
		p.discard(p.idle[n].conn, "idle timeout")
		n++
	}
	if n > 0 {
		p.idle = append(p.idle[:0], p.idle[n:]...)
	}
}

func (p *pool[C]) discard(conn C, reason string) {
	if err := conn.Close(); err != nil {
		p.logger.Debug("failed to close connection", "node", p.addr, "conn", conn.ID(), "error", err)
	}
	p.metrics.discards.Inc(1)
	p.logger.Debug("closed connection",
		"node", p.addr,
		"conn", conn.ID(),
		"age", time.Since(conn.CreatedAt()),
		"reason", reason)
}

// CloseAll marks the pool unusable and closes every idle connection. Checked-out
// connections are left to finish and are closed when they are released.
func (p *pool[C]) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)

	var idle = p.idle
	p.idle = nil
	var inUse = p.inUse
	p.mu.Unlock()

	for _, ic := range idle {
		p.discard(ic.conn, "pool closed")
	}

	p.metrics.closed.Inc(1)
	p.logger.Debug("closed pool", "node", p.addr, "in_use", inUse)
}

// Stats returns the current idle and checked-out counts.
func (p *pool[C]) Stats() (idle, inUse int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.inUse, p.closed
}
