package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRouting tests primary selection and preference lists
func TestRouting(t *testing.T) {
	t.Run("empty ring fails", func(t *testing.T) {
		r := New(DefaultVirtualNodes)
		_, err := r.GetPrimaryNode("key")
		assert.ErrorIs(t, err, ErrEmptyRing)
		_, err = r.GetNodes("key", 3)
		assert.ErrorIs(t, err, ErrEmptyRing)
	})

	t.Run("single node owns everything", func(t *testing.T) {
		r := New(DefaultVirtualNodes)
		r.AddNode("n1")
		for i := 0; i < 100; i++ {
			owner, err := r.GetPrimaryNode(fmt.Sprintf("key_%d", i))
			require.NoError(t, err)
			assert.Equal(t, "n1", owner)
		}
	})

	t.Run("primary is deterministic", func(t *testing.T) {
		r := New(DefaultVirtualNodes)
		r.AddNode("n1")
		r.AddNode("n2")
		r.AddNode("n3")

		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("key_%d", i)
			first, err := r.GetPrimaryNode(key)
			require.NoError(t, err)
			second, err := r.GetPrimaryNode(key)
			require.NoError(t, err)
			assert.Equal(t, first, second)
		}
	})

	t.Run("primary equals head of preference list", func(t *testing.T) {
		r := New(DefaultVirtualNodes)
		r.AddNode("n1")
		r.AddNode("n2")
		r.AddNode("n3")

		for i := 0; i < 200; i++ {
			key := fmt.Sprintf("key_%d", i)
			primary, err := r.GetPrimaryNode(key)
			require.NoError(t, err)
			nodes, err := r.GetNodes(key, 1)
			require.NoError(t, err)
			require.Len(t, nodes, 1)
			assert.Equal(t, primary, nodes[0])
		}
	})

	t.Run("preference list is duplicate-free and clamped", func(t *testing.T) {
		r := New(DefaultVirtualNodes)
		r.AddNode("n1")
		r.AddNode("n2")
		r.AddNode("n3")

		for _, count := range []int{1, 2, 3, 5, 10} {
			for i := 0; i < 50; i++ {
				nodes, err := r.GetNodes(fmt.Sprintf("key_%d", i), count)
				require.NoError(t, err)

				want := count
				if want > 3 {
					want = 3
				}
				assert.Len(t, nodes, want)

				seen := make(map[string]bool)
				for _, n := range nodes {
					assert.False(t, seen[n], "duplicate node %s for count %d", n, count)
					seen[n] = true
				}
			}
		}
	})

	t.Run("zero count yields an empty list", func(t *testing.T) {
		r := New(DefaultVirtualNodes)
		r.AddNode("n1")
		nodes, err := r.GetNodes("key", 0)
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})
}

// TestMembershipOps tests node add/remove bookkeeping
func TestMembershipOps(t *testing.T) {
	t.Run("ring size tracks virtual nodes", func(t *testing.T) {
		r := New(150)
		r.AddNode("n1")
		r.AddNode("n2")
		assert.Equal(t, 2, r.NodeCount())
		assert.Equal(t, 300, r.RingSize())

		r.RemoveNode("n1")
		assert.Equal(t, 1, r.NodeCount())
		assert.Equal(t, 150, r.RingSize())
	})

	t.Run("adding a node twice is a no-op", func(t *testing.T) {
		r := New(150)
		r.AddNode("n1")
		r.AddNode("n1")
		assert.Equal(t, 1, r.NodeCount())
		assert.Equal(t, 150, r.RingSize())
	})

	t.Run("removing an absent node is a no-op", func(t *testing.T) {
		r := New(150)
		r.AddNode("n1")
		r.RemoveNode("ghost")
		assert.Equal(t, 1, r.NodeCount())
	})

	t.Run("has node and node set", func(t *testing.T) {
		r := New(150)
		r.AddNode("n1")
		r.AddNode("n2")
		assert.True(t, r.HasNode("n1"))
		assert.False(t, r.HasNode("n3"))
		assert.ElementsMatch(t, []string{"n1", "n2"}, r.Nodes())
	})

	t.Run("removed node no longer routes", func(t *testing.T) {
		r := New(150)
		r.AddNode("n1")
		r.AddNode("n2")
		r.RemoveNode("n2")
		for i := 0; i < 100; i++ {
			owner, err := r.GetPrimaryNode(fmt.Sprintf("key_%d", i))
			require.NoError(t, err)
			assert.Equal(t, "n1", owner)
		}
	})
}

// TestMoveMinimality checks that growing the ring reassigns only a bounded
// fraction of the keyspace
func TestMoveMinimality(t *testing.T) {
	r := New(DefaultVirtualNodes)
	r.AddNode("n1")
	r.AddNode("n2")

	before := make(map[string]string, 1000)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key_%d", i)
		owner, err := r.GetPrimaryNode(key)
		require.NoError(t, err)
		before[key] = owner
	}

	r.AddNode("n3")

	moved := 0
	for key, prev := range before {
		owner, err := r.GetPrimaryNode(key)
		require.NoError(t, err)
		if owner != prev {
			moved++
		}
	}

	fraction := float64(moved) / float64(len(before))
	assert.Greater(t, fraction, 0.15, "too few keys moved: %d/1000", moved)
	assert.Less(t, fraction, 0.50, "too many keys moved: %d/1000", moved)
}

// TestHashStability pins the hash function so ring positions cannot drift
// silently between versions
func TestHashStability(t *testing.T) {
	// MurmurHash3_x86_32 with seed 0 of an empty input is 0.
	assert.Equal(t, uint32(0), Hash(""))
	// Hashing is deterministic, and distinct vnode indexes land apart.
	assert.Equal(t, Hash("n1#0"), Hash("n1#0"))
	assert.NotEqual(t, Hash("n1#0"), Hash("n1#1"))
}
