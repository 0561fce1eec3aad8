// Package ring implements the consistent hash ring that maps keys to a
// preference list of physical nodes.
//
// Each physical node owns a configurable number of virtual positions
// (default 150) at MurmurHash3_x86_32(nodeID + "#" + index, seed 0). Key
// routing hashes the key with the same function and walks the ring
// clockwise from the first position strictly greater than the key's hash.
// With V virtual nodes per physical node, adding or removing one node out
// of k reassigns roughly 1/k of the keyspace.
package ring

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
)

// DefaultVirtualNodes is the number of ring positions per physical node.
const DefaultVirtualNodes = 150

// ErrEmptyRing is returned by the routing operations when no node has been
// added yet.
var ErrEmptyRing = errors.New("ring: no nodes available")

// vnode is one virtual position. Ordering is by position alone, so a hash
// collision between two virtual nodes resolves last-writer-wins on insert —
// it perturbs at most a vanishing fraction of routing.
type vnode struct {
	pos    uint32
	nodeID string
}

func vnodeLess(a, b vnode) bool { return a.pos < b.pos }

// Ring is a thread-safe consistent hash ring. Routing reads take a shared
// lock; AddNode/RemoveNode are rare and take the exclusive lock.
type Ring struct {
	mu       sync.RWMutex
	virtuals int
	tree     *btree.BTreeG[vnode]
	nodes    map[string]struct{}
}

// New creates an empty ring with the given number of virtual nodes per
// physical node; values < 1 fall back to DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes < 1 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtuals: virtualNodes,
		tree:     btree.NewG[vnode](32, vnodeLess),
		nodes:    make(map[string]struct{}),
	}
}

// Hash returns the ring position of an arbitrary byte string:
// MurmurHash3_x86_32 with seed 0. Keys and virtual nodes hash identically.
func Hash(s string) uint32 {
	return murmur3.Sum32WithSeed([]byte(s), 0)
}

func vnodeKey(nodeID string, index int) string {
	return fmt.Sprintf("%s#%d", nodeID, index)
}

// AddNode inserts a physical node and its virtual positions. Adding a node
// that is already present is a no-op.
func (r *Ring) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; ok {
		return
	}
	r.nodes[nodeID] = struct{}{}
	for i := 0; i < r.virtuals; i++ {
		r.tree.ReplaceOrInsert(vnode{pos: Hash(vnodeKey(nodeID, i)), nodeID: nodeID})
	}
	log.WithFields(log.Fields{"node": nodeID, "vnodes": r.virtuals, "ring_size": r.tree.Len()}).
		Info("ring: node added")
}

// RemoveNode removes a physical node and its virtual positions. Removing an
// absent node is a no-op.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return
	}
	delete(r.nodes, nodeID)
	for i := 0; i < r.virtuals; i++ {
		r.tree.Delete(vnode{pos: Hash(vnodeKey(nodeID, i))})
	}
	log.WithFields(log.Fields{"node": nodeID, "ring_size": r.tree.Len()}).
		Info("ring: node removed")
}

// HasNode reports whether the physical node is on the ring.
func (r *Ring) HasNode(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

// GetPrimaryNode returns the physical node owning the first ring position
// strictly clockwise of the key's hash. For a fixed node set this is a pure
// function of the key.
func (r *Ring) GetPrimaryNode(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.tree.Len() == 0 {
		return "", ErrEmptyRing
	}

	var owner string
	h := Hash(key)
	r.tree.AscendGreaterOrEqual(vnode{pos: h}, func(v vnode) bool {
		if v.pos == h {
			return true // strictly greater, skip an exact collision
		}
		owner = v.nodeID
		return false
	})
	if owner == "" {
		// Wrapped past the top of the ring.
		first, _ := r.tree.Min()
		owner = first.nodeID
	}
	return owner, nil
}

// GetNodes returns up to count distinct physical nodes for key, in
// clockwise preference order starting at the primary. count is clamped to
// the number of physical nodes; the result never contains duplicates.
func (r *Ring) GetNodes(key string, count int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.tree.Len() == 0 {
		return nil, ErrEmptyRing
	}
	if count > len(r.nodes) {
		count = len(r.nodes)
	}
	if count < 1 {
		return nil, nil
	}

	h := Hash(key)
	result := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	collect := func(v vnode) bool {
		if _, dup := seen[v.nodeID]; !dup {
			seen[v.nodeID] = struct{}{}
			result = append(result, v.nodeID)
		}
		return len(result) < count
	}

	// Clockwise from the first position strictly greater than the hash,
	// then wrap to the bottom of the ring.
	r.tree.AscendGreaterOrEqual(vnode{pos: h}, func(v vnode) bool {
		if v.pos == h {
			return true
		}
		return collect(v)
	})
	if len(result) < count {
		r.tree.Ascend(func(v vnode) bool {
			if v.pos > h {
				return false // already covered by the first pass
			}
			return collect(v)
		})
	}
	return result, nil
}

// NodeCount returns the number of physical nodes.
func (r *Ring) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// RingSize returns the number of virtual positions.
func (r *Ring) RingSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

// Nodes returns the set of physical node ids, unordered.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	return out
}
