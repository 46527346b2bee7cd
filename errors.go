package elasticring

import "errors"

var (
	// ErrDiscoveryUnavailable is returned when the configuration endpoint could not be
	// queried and no previously discovered ring is available.
	ErrDiscoveryUnavailable = errors.New("cluster discovery unavailable")

	// ErrPoolExhausted is returned when no connection became available within the connect timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectFailed is returned when a new connection to a node could not be opened.
	ErrConnectFailed = errors.New("failed to connect to node")

	// ErrNodeUnavailable is returned when the node a key resolved to left the ring
	// and the retry against the newer ring did not succeed either.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrOperationFailed is returned when a cache command failed on the wire.
	ErrOperationFailed = errors.New("cache operation failed")

	// ErrClientClosed is returned for any operation issued after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrInvalidEndpoint is returned when the configuration endpoint is not host:port.
	ErrInvalidEndpoint = errors.New("configuration endpoint must be host:port")

	// ErrInvalidConfig is returned when an option is unknown or out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	errPoolClosed = errors.New("pool closed")
)
