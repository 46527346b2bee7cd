package elasticring

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// Ring is an immutable snapshot of the cluster: the node list in discovery order
// and the consistent-hash index built over it. Every topology change produces a
// new Ring; a Ring held by a caller stays valid after it has been replaced.
type Ring struct {
	version    int64
	nodes      []Node
	members    map[Node]struct{}
	vnodes     []vnode // sorted by position
	vnodeCount int
}

// vnode is one point of a node on the hash ring.
type vnode struct {
	position uint64
	node     Node
	index    int
}

// NewRing builds a ring over nodes with vnodeCount points per node.
// Duplicate nodes are ignored; the order of first appearance is kept.
func NewRing(version int64, nodes []Node, vnodeCount int) *Ring {
	if vnodeCount < 1 {
		vnodeCount = 1
	}

	var r = &Ring{
		version:    version,
		nodes:      make([]Node, 0, len(nodes)),
		members:    make(map[Node]struct{}, len(nodes)),
		vnodeCount: vnodeCount,
	}

	for _, n := range nodes {
		if _, dup := r.members[n]; dup {
			continue
		}
		r.members[n] = struct{}{}
		r.nodes = append(r.nodes, n)
	}

	r.vnodes = make([]vnode, 0, len(r.nodes)*vnodeCount)
	for _, n := range r.nodes {
		for i := range vnodeCount {
			r.vnodes = append(r.vnodes, vnode{position: hashVNode(n, i), node: n, index: i})
		}
	}

	// Ties are broken by address so the index does not depend on discovery order.
	slices.SortFunc(r.vnodes, func(a, b vnode) int {
		if c := cmp.Compare(a.position, b.position); c != 0 {
			return c
		}
		if c := cmp.Compare(a.node.Addr(), b.node.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.index, b.index)
	})

	return r
}

// emptyRing is the ring in place before the first successful discovery.
func emptyRing() *Ring {
	return NewRing(0, nil, 1)
}

// Version returns the topology version the ring was built from.
func (r *Ring) Version() int64 { return r.version }

// Nodes returns a copy of the node list in discovery order.
func (r *Ring) Nodes() []Node { return slices.Clone(r.nodes) }

// Len returns the number of nodes.
func (r *Ring) Len() int { return len(r.nodes) }

// IsEmpty reports whether the ring has no nodes.
func (r *Ring) IsEmpty() bool { return len(r.nodes) == 0 }

// Contains reports whether node is a member of this ring.
func (r *Ring) Contains(node Node) bool {
	_, ok := r.members[node]
	return ok
}

// Lookup returns the node owning key: the first virtual node clockwise from the
// key's hash, wrapping around at the end of the ring.
func (r *Ring) Lookup(key string) (Node, bool) {
	if len(r.vnodes) == 0 {
		return Node{}, false
	}

	var (
		h   = hashKey(key)
		idx = sort.Search(len(r.vnodes), func(i int) bool {
			return r.vnodes[i].position >= h
		})
	)

	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx].node, true
}

// shares returns the fraction of the hash space owned by each node.
func (r *Ring) shares() map[Node]float64 {
	var shares = make(map[Node]float64, len(r.nodes))
	if len(r.vnodes) == 1 {
		shares[r.vnodes[0].node] = 1
		return shares
	}

	for i, vn := range r.vnodes {
		var prev = r.vnodes[len(r.vnodes)-1].position
		if i > 0 {
			prev = r.vnodes[i-1].position
		}
		// Unsigned subtraction wraps, which covers the arc crossing zero.
		shares[vn.node] += float64(vn.position-prev) / math.MaxUint64
	}
	return shares
}

// String returns a visual representation of the ring state.
func (r *Ring) String() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Ring: version %d\n", r.version))
	b.WriteString(fmt.Sprintf("Nodes: %d | VNodes: %d (%d per node)\n",
		len(r.nodes), len(r.vnodes), r.vnodeCount))

	if len(r.nodes) == 0 {
		b.WriteString("\n[Empty Ring]\n")
		return b.String()
	}

	var shares = r.shares()

	b.WriteString("\nNode Summary:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")
	for i, n := range r.nodes {
		b.WriteString(fmt.Sprintf("│ %2d  %-40s  %6.2f%%\n", i, n.Addr(), shares[n]*100))
	}
	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	return b.String()
}
