package elasticring

import (
	"net"
	"strconv"
	"time"
)

// Node identifies one cache node. Two nodes are equal when host and port match.
type Node struct {
	Host string
	Port int
}

// Addr returns the "host:port" dial address of the node.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Node) String() string {
	return n.Addr()
}

// Topology is one successful answer of the configuration endpoint.
type Topology struct {
	Version int64
	Nodes   []Node
}

// DiscoveryStatus reports the outcome of the most recent discovery attempts.
type DiscoveryStatus struct {
	LastAttempt time.Time
	LastSuccess time.Time
	LastError   error
	Version     int64
	Nodes       int
}

// PoolStats is a point-in-time view of one node's connection pool.
type PoolStats struct {
	Node   Node
	Idle   int
	InUse  int
	Closed bool
}
