package elasticring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rcrowley/go-metrics"

	"go-elasticring/memcache"
)

var (
	// endpointPattern accepts host:port or [IPv4]:port.
	endpointPattern = regexp.MustCompile(`^(?:(?:[\w\d-]{0,61}[\w\d]\.)+[\w]{1,6}|\[(?:[\d]{1,3}\.){3}[\d]{1,3}\]):\d{1,5}$`)

	// legacyEngine is the first engine version that understands "config get cluster".
	legacyEngine = [3]int{1, 4, 14}

	errEmptyConfig = errors.New("empty cluster configuration")
	errNoNodes     = errors.New("no nodes in cluster configuration")
)

// parseEndpoint validates a configuration endpoint and returns it as a node.
func parseEndpoint(endpoint string) (Node, error) {
	if !endpointPattern.MatchString(endpoint) {
		return Node{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}

	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return Node{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Node{}, fmt.Errorf("%w: %q: bad port", ErrInvalidEndpoint, endpoint)
	}

	return Node{Host: host, Port: port}, nil
}

// fetcher queries the configuration endpoint for the current cluster topology.
type fetcher struct {
	endpoint Node
	config   Config
	pool     *pool[*memcache.Conn]
	logger   *slog.Logger
	timer    metrics.Timer

	mu     sync.Mutex
	probed bool
	legacy bool
}

func newFetcher(endpoint Node, cfg Config, dialOpts memcache.DialOptions, logger *slog.Logger, registry metrics.Registry, pm *poolMetrics) *fetcher {
	var (
		addr = endpoint.Addr()
		pc   = poolConfigFor(cfg)
	)
	// Refreshes are serialized, one connection is enough.
	pc.maxSize = 1

	return &fetcher{
		endpoint: endpoint,
		config:   cfg,
		pool: newPool(addr, func(ctx context.Context) (*memcache.Conn, error) {
			return memcache.Dial(ctx, addr, dialOpts)
		}, pc, logger, pm),
		logger: logger,
		timer:  metrics.GetOrRegisterTimer("discovery.fetch", registry),
	}
}

// Fetch returns the topology reported by the configuration endpoint. The endpoint is
// tried RetryAttempts extra times, DiscoveryRetryDelay apart; an unknown-command reply
// is not retried. Errors wrap ErrDiscoveryUnavailable.
func (f *fetcher) Fetch(ctx context.Context) (Topology, error) {
	var start = time.Now()
	defer f.timer.UpdateSince(start)

	topology, err := backoff.Retry(ctx, func() (Topology, error) {
		return f.fetchOnce(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(f.config.DiscoveryRetryDelay)),
		backoff.WithMaxTries(uint(f.config.RetryAttempts+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Debug("retrying configuration endpoint",
				"endpoint", f.endpoint.Addr(),
				"error", err,
				"retry_in", next)
		}),
	)
	if err == nil {
		return topology, nil
	}

	if f.config.IgnoreClusterErrors && isClusterError(err) {
		f.logger.Warn("configuration endpoint does not report a cluster, using it as the only node",
			"endpoint", f.endpoint.Addr(),
			"error", err)
		return Topology{Nodes: []Node{f.endpoint}}, nil
	}

	return Topology{}, fmt.Errorf("%w: %s: %w", ErrDiscoveryUnavailable, f.endpoint.Addr(), err)
}

func (f *fetcher) fetchOnce(ctx context.Context) (Topology, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return Topology{}, err
	}

	body, err := f.query(ctx, conn)
	f.pool.Release(conn, memcache.IsResumable(err))
	if err != nil {
		if errors.Is(err, memcache.ErrUnknownCommand) {
			return Topology{}, backoff.Permanent(err)
		}
		return Topology{}, err
	}

	return parseClusterConfig(body, f.config.UseVPCIPAddress, f.logger)
}

// query sends the discovery command suited to the engine version.
func (f *fetcher) query(ctx context.Context, conn *memcache.Conn) ([]byte, error) {
	legacy, err := f.legacyMode(ctx, conn)
	if err != nil {
		return nil, err
	}

	if !legacy {
		return conn.ConfigGetCluster(ctx)
	}

	items, err := conn.Get(ctx, memcache.LegacyClusterKey)
	if err != nil {
		return nil, err
	}
	item, ok := items[memcache.LegacyClusterKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s not set", errEmptyConfig, memcache.LegacyClusterKey)
	}
	return item.Value, nil
}

// legacyMode probes the engine version once per fetcher.
func (f *fetcher) legacyMode(ctx context.Context, conn *memcache.Conn) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.probed {
		return f.legacy, nil
	}

	version, err := conn.Version(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to probe engine version: %w", err)
	}

	f.probed = true
	f.legacy = isLegacyEngine(version)
	f.logger.Debug("probed configuration endpoint",
		"endpoint", f.endpoint.Addr(),
		"engine_version", version,
		"legacy", f.legacy)
	return f.legacy, nil
}

// Close drops the connections to the configuration endpoint.
func (f *fetcher) Close() {
	f.pool.CloseAll()
}

// isLegacyEngine reports whether version predates "config get cluster".
// Versions that do not parse are treated as current.
func isLegacyEngine(version string) bool {
	var parts = strings.SplitN(version, ".", 3)
	if len(parts) != 3 {
		return false
	}

	var v [3]int
	for i, p := range parts {
		// Strip suffixes such as "1.4.5-rc1".
		if end := strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }); end >= 0 {
			p = p[:end]
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return false
		}
		v[i] = n
	}

	for i := range v {
		if v[i] != legacyEngine[i] {
			return v[i] < legacyEngine[i]
		}
	}
	return false
}

// isClusterError reports whether err means the endpoint answered but is not a
// cluster configuration endpoint.
func isClusterError(err error) bool {
	return errors.Is(err, memcache.ErrUnknownCommand) ||
		errors.Is(err, memcache.ErrMalformedResponse) ||
		errors.Is(err, errEmptyConfig) ||
		errors.Is(err, errNoNodes)
}

// parseClusterConfig parses a discovery payload: a version line followed by
// space separated "hostname|ip|port" tokens, possibly over several lines.
// Malformed tokens are skipped; the node order of the payload is kept.
func parseClusterConfig(body []byte, useVPCIPAddress bool, logger *slog.Logger) (Topology, error) {
	var lines []string
	for _, line := range strings.Split(string(body), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	if len(lines) == 0 {
		return Topology{}, errEmptyConfig
	}

	version, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		return Topology{}, fmt.Errorf("%w: bad version line %q", memcache.ErrMalformedResponse, lines[0])
	}

	var nodes []Node
	for _, line := range lines[1:] {
		for _, token := range strings.Fields(line) {
			var node, ok = parseNodeToken(token, useVPCIPAddress)
			if !ok {
				logger.Warn("skipping malformed node in cluster configuration", "token", token)
				continue
			}
			nodes = append(nodes, node)
		}
	}

	if len(nodes) == 0 {
		return Topology{}, fmt.Errorf("%w (version %d)", errNoNodes, version)
	}

	return Topology{Version: version, Nodes: nodes}, nil
}

func parseNodeToken(token string, useVPCIPAddress bool) (Node, bool) {
	var fields = strings.Split(token, "|")
	if len(fields) != 3 {
		return Node{}, false
	}

	port, err := strconv.Atoi(fields[2])
	if err != nil || port < 1 || port > 65535 {
		return Node{}, false
	}

	var host = fields[0]
	if useVPCIPAddress && fields[1] != "" {
		host = fields[1]
	}
	if host == "" {
		return Node{}, false
	}

	return Node{Host: host, Port: port}, true
}
