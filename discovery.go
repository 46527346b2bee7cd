package elasticring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
)

// discovery owns the current ring and the pool registry and runs the refresh protocol.
type discovery struct {
	fetcher  *fetcher
	registry *registry
	config   Config
	logger   *slog.Logger

	current atomic.Pointer[Ring]
	closed  atomic.Bool

	// refreshMu serializes refreshes, including synchronous discovery on an empty ring.
	refreshMu sync.Mutex

	statusMu   sync.Mutex
	status     DiscoveryStatus
	retryAfter time.Time

	successes metrics.Counter
	failures  metrics.Counter
	swaps     metrics.Counter
	nodes     metrics.Gauge
	version   metrics.Gauge
}

func newDiscovery(f *fetcher, reg *registry, cfg Config, logger *slog.Logger, registry metrics.Registry) *discovery {
	var d = &discovery{
		fetcher:   f,
		registry:  reg,
		config:    cfg,
		logger:    logger,
		successes: metrics.GetOrRegisterCounter("discovery.success", registry),
		failures:  metrics.GetOrRegisterCounter("discovery.failure", registry),
		swaps:     metrics.GetOrRegisterCounter("ring.swaps", registry),
		nodes:     metrics.GetOrRegisterGauge("ring.nodes", registry),
		version:   metrics.GetOrRegisterGauge("ring.version", registry),
	}
	d.current.Store(emptyRing())
	return d
}

// ring returns the current ring without blocking.
func (d *discovery) ring() *Ring {
	return d.current.Load()
}

// currentRing returns the current ring. If it is empty, one synchronous discovery
// runs first; concurrent callers wait for it instead of starting their own. While a
// failed attempt's retry delay is running the call fails fast.
func (d *discovery) currentRing(ctx context.Context) (*Ring, error) {
	if r := d.current.Load(); !r.IsEmpty() {
		return r, nil
	}

	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	if d.closed.Load() {
		return nil, ErrClientClosed
	}

	if r := d.current.Load(); !r.IsEmpty() {
		return r, nil
	}

	d.statusMu.Lock()
	var (
		retryAfter = d.retryAfter
		lastErr    = d.status.LastError
	)
	d.statusMu.Unlock()

	if lastErr != nil && time.Now().Before(retryAfter) {
		return nil, fmt.Errorf("%w: waiting to retry: %w", ErrDiscoveryUnavailable, lastErr)
	}

	d.logger.Debug("ring is empty, discovering synchronously")
	if err := d.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return d.current.Load(), nil
}

// refresh fetches the topology and swaps in a new ring. On failure the current
// ring is kept.
func (d *discovery) refresh(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	if d.closed.Load() {
		return ErrClientClosed
	}
	return d.refreshLocked(ctx)
}

func (d *discovery) refreshLocked(ctx context.Context) error {
	var attempt = time.Now()

	d.statusMu.Lock()
	d.status.LastAttempt = attempt
	d.statusMu.Unlock()

	topology, err := d.fetcher.Fetch(ctx)
	if err != nil {
		d.recordFailure(err)
		return err
	}

	var (
		old  = d.current.Load()
		next = NewRing(topology.Version, topology.Nodes, d.config.VNodeCount)
	)

	added, removed, err := d.registry.apply(next, func() {
		d.current.Store(next)
	})
	if err != nil {
		return err
	}

	for _, p := range removed {
		p.CloseAll()
	}

	d.swaps.Inc(1)
	d.nodes.Update(int64(next.Len()))
	d.version.Update(next.Version())
	d.successes.Inc(1)

	d.statusMu.Lock()
	d.status.LastSuccess = time.Now()
	d.status.LastError = nil
	d.status.Version = next.Version()
	d.status.Nodes = next.Len()
	d.retryAfter = time.Time{}
	d.statusMu.Unlock()

	if len(added) > 0 || len(removed) > 0 || old.Version() != next.Version() {
		d.logger.Info("cluster topology changed",
			"version", next.Version(),
			"previous_version", old.Version(),
			"nodes", next.Len(),
			"added", len(added),
			"removed", len(removed))
	}

	return nil
}

func (d *discovery) recordFailure(err error) {
	d.failures.Inc(1)

	d.statusMu.Lock()
	d.status.LastError = err
	d.retryAfter = time.Now().Add(d.config.DiscoveryRetryDelay)
	d.statusMu.Unlock()

	d.logger.Warn("cluster discovery failed, keeping current ring",
		"error", err,
		"version", d.current.Load().Version(),
		"retry_delay", d.config.DiscoveryRetryDelay)
}

// Status returns a copy of the discovery status.
func (d *discovery) Status() DiscoveryStatus {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

// close drains every pool and resets the ring to empty. A refresh in progress
// finishes first.
func (d *discovery) close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	d.registry.closeAll()
	d.fetcher.Close()
	d.current.Store(emptyRing())
	d.nodes.Update(0)
}
