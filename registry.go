package elasticring

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go-elasticring/memcache"
)

// errNodeGone is returned when a node is no longer part of the current ring.
var errNodeGone = errors.New("node left the ring")

// registry owns one connection pool per node of the current ring.
type registry struct {
	mu      sync.Mutex
	pools   map[Node]*pool[*memcache.Conn]
	closed  bool
	newPool func(Node) *pool[*memcache.Conn]
	logger  *slog.Logger
}

func newRegistry(dialOpts memcache.DialOptions, cfg poolConfig, logger *slog.Logger, pm *poolMetrics) *registry {
	return &registry{
		pools: make(map[Node]*pool[*memcache.Conn]),
		newPool: func(node Node) *pool[*memcache.Conn] {
			var addr = node.Addr()
			return newPool(addr, func(ctx context.Context) (*memcache.Conn, error) {
				return memcache.Dial(ctx, addr, dialOpts)
			}, cfg, logger, pm)
		},
		logger: logger,
	}
}

// apply brings the registry in line with ring: pools are created for new nodes,
// publish is called, and the pools of nodes missing from ring are removed and
// returned for the caller to close. Nodes in both keep their pool.
func (r *registry) apply(ring *Ring, publish func()) (added []Node, removed []*pool[*memcache.Conn], err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrClientClosed
	}

	for _, node := range ring.nodes {
		if _, ok := r.pools[node]; ok {
			continue
		}
		r.pools[node] = r.newPool(node)
		added = append(added, node)
	}

	// Publishing under the registry lock keeps get from recreating a pool for a
	// node that is being removed.
	publish()

	for node, p := range r.pools {
		if ring.Contains(node) {
			continue
		}
		delete(r.pools, node)
		removed = append(removed, p)
	}

	return added, removed, nil
}

// get returns the pool for node, creating it if node belongs to the current ring.
func (r *registry) get(node Node, current func() *Ring) (*pool[*memcache.Conn], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClientClosed
	}

	if p, ok := r.pools[node]; ok {
		return p, nil
	}

	if !current().Contains(node) {
		return nil, errNodeGone
	}

	var p = r.newPool(node)
	r.pools[node] = p
	r.logger.Debug("created pool", "node", node.Addr())
	return p, nil
}

// closeAll closes every pool and refuses further use.
func (r *registry) closeAll() {
	r.mu.Lock()
	var pools = r.pools
	r.pools = make(map[Node]*pool[*memcache.Conn])
	r.closed = true
	r.mu.Unlock()

	for _, p := range pools {
		p.CloseAll()
	}
}

// stats returns a snapshot of every pool.
func (r *registry) stats() map[Node]PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats = make(map[Node]PoolStats, len(r.pools))
	for node, p := range r.pools {
		idle, inUse, closed := p.Stats()
		stats[node] = PoolStats{Node: node, Idle: idle, InUse: inUse, Closed: closed}
	}
	return stats
}
