package elasticring

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// hashKey returns the ring position of a cache key.
func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// hashVNode returns the ring position of a node's virtual node. Positions depend only on
// the node address and index, so a node keeps its positions across topology changes.
func hashVNode(node Node, index int) uint64 {
	var d = xxhash.New()
	_, _ = d.WriteString(node.Addr())
	_, _ = d.WriteString("-")
	_, _ = d.WriteString(strconv.Itoa(index))
	return d.Sum64()
}
