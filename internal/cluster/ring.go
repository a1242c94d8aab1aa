package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/spaolacci/murmur3"
)

// Virtual nodes: a single position per physical node gives uneven load, so
// each node is hashed onto the ring `vnodes` times under "id#i". Typical
// range: 100-200 per physical node.
const defaultVnodes = 150

// ringPos is the btree element backing the ring's ordered position index;
// items sort purely by ring position. This mirrors the indexItem wrapper
// lww.Keyspace uses for its own temporal index — both need "find the next
// item at or after X, then keep walking forward", and both lean on
// google/btree for it instead of a slice kept sorted by full rebuilds.
type ringPos uint32

func (a ringPos) Less(than btree.Item) bool {
	return a < than.(ringPos)
}

// Ring is a consistent-hash ring used to derive a deterministic peer
// ordering for anti-entropy pairing (spec §4.7 pairs "every live peer" on a
// cadence — the ring gives a stable walk order rather than a random one).
// It is not consulted for write routing: every peer is a full replica.
type Ring struct {
	mu        sync.RWMutex
	vnodes    int
	positions *btree.BTree      // ordered ring positions, walked by Walk
	owner     map[uint32]string // ring position -> physical node id
}

// NewRing creates an empty hash ring. vnodes <= 0 uses defaultVnodes.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVnodes
	}
	return &Ring{
		vnodes:    vnodes,
		positions: btree.New(32),
		owner:     make(map[uint32]string),
	}
}

// AddNode places nodeID's virtual nodes on the ring.
func (r *Ring) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodes; i++ {
		pos := r.hash(fmt.Sprintf("%s#%d", nodeID, i))
		r.owner[pos] = nodeID
		r.positions.ReplaceOrInsert(ringPos(pos))
	}
}

// RemoveNode removes all of nodeID's virtual nodes.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodes; i++ {
		pos := r.hash(fmt.Sprintf("%s#%d", nodeID, i))
		delete(r.owner, pos)
		r.positions.Delete(ringPos(pos))
	}
}

// Walk returns up to n distinct physical node IDs starting clockwise from
// key's ring position, used to give anti-entropy a stable pairing order
// rather than a fixed owning set.
func (r *Ring) Walk(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.positions.Len() == 0 || n <= 0 {
		return nil
	}

	seen := make(map[string]bool, n)
	nodes := make([]string, 0, n)
	collect := func(item btree.Item) bool {
		nodeID := r.owner[uint32(item.(ringPos))]
		if !seen[nodeID] {
			seen[nodeID] = true
			nodes = append(nodes, nodeID)
		}
		return len(nodes) < n
	}

	pivot := ringPos(r.hash(key))
	r.positions.AscendGreaterOrEqual(pivot, collect)
	if len(nodes) < n {
		// Ran off the high end of the ring without finding n distinct
		// nodes: wrap around and keep collecting from the start.
		r.positions.Ascend(collect)
	}
	return nodes
}

// Nodes returns all distinct physical nodes, for diagnostics.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var nodes []string
	for _, id := range r.owner {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// NodeCount returns the number of physical (not virtual) nodes.
func (r *Ring) NodeCount() int {
	return len(r.Nodes())
}

func (r *Ring) hash(s string) uint32 {
	return murmur3.Sum32([]byte(s))
}
