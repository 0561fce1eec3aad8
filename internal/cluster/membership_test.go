package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvring/internal/protocol"
)

func testSelf() NodeInfo {
	return NodeInfo{ID: "self", Host: "127.0.0.1", Port: 7000}
}

// TestMerge tests the max-heartbeat merge rules
func TestMerge(t *testing.T) {
	t.Run("self entry exists from the start", func(t *testing.T) {
		m := NewManager(testSelf())
		info, ok := m.Member("self")
		require.True(t, ok)
		assert.True(t, info.IsAlive)
		assert.NotZero(t, info.LastHeartbeat)
	})

	t.Run("new member fires join", func(t *testing.T) {
		m := NewManager(testSelf())
		var joined []string
		m.SetOnJoin(func(n NodeInfo) { joined = append(joined, n.ID) })

		m.AddMember(NodeInfo{ID: "n2", Host: "10.0.0.2", Port: 7000, IsAlive: true, LastHeartbeat: 50})
		assert.Equal(t, []string{"n2"}, joined)

		info, ok := m.Member("n2")
		require.True(t, ok)
		assert.Equal(t, "10.0.0.2", info.Host)
	})

	t.Run("older heartbeat is ignored", func(t *testing.T) {
		m := NewManager(testSelf())
		m.AddMember(NodeInfo{ID: "n2", Host: "a", Port: 1, IsAlive: true, LastHeartbeat: 100})
		m.AddMember(NodeInfo{ID: "n2", Host: "b", Port: 2, IsAlive: true, LastHeartbeat: 50})

		info, _ := m.Member("n2")
		assert.Equal(t, uint64(100), info.LastHeartbeat)
		assert.Equal(t, "a", info.Host, "stale entry must not overwrite the address")
	})

	t.Run("newer heartbeat updates", func(t *testing.T) {
		m := NewManager(testSelf())
		m.AddMember(NodeInfo{ID: "n2", Host: "a", Port: 1, IsAlive: true, LastHeartbeat: 100})
		m.AddMember(NodeInfo{ID: "n2", Host: "b", Port: 2, IsAlive: true, LastHeartbeat: 200})

		info, _ := m.Member("n2")
		assert.Equal(t, uint64(200), info.LastHeartbeat)
		assert.Equal(t, "b", info.Host)
	})

	t.Run("equal heartbeat does not rejoin", func(t *testing.T) {
		m := NewManager(testSelf())
		joins := 0
		m.SetOnJoin(func(NodeInfo) { joins++ })
		m.AddMember(NodeInfo{ID: "n2", IsAlive: true, LastHeartbeat: 100})
		m.AddMember(NodeInfo{ID: "n2", IsAlive: true, LastHeartbeat: 100})
		assert.Equal(t, 1, joins)
	})

	t.Run("resurrection fires join again", func(t *testing.T) {
		m := NewManager(testSelf())
		var joined []string
		m.SetOnJoin(func(n NodeInfo) { joined = append(joined, n.ID) })
		var left []string
		m.SetOnLeave(func(id string) { left = append(left, id) })

		m.AddMember(NodeInfo{ID: "n2", IsAlive: true, LastHeartbeat: 100})
		m.MarkDead("n2")
		assert.Equal(t, []string{"n2"}, left)

		info, _ := m.Member("n2")
		assert.False(t, info.IsAlive, "dead members stay in the view")

		m.AddMember(NodeInfo{ID: "n2", IsAlive: true, LastHeartbeat: 200})
		assert.Equal(t, []string{"n2", "n2"}, joined)
		info, _ = m.Member("n2")
		assert.True(t, info.IsAlive)
	})

	t.Run("self is never marked dead", func(t *testing.T) {
		m := NewManager(testSelf())
		m.MarkDead("self")
		info, _ := m.Member("self")
		assert.True(t, info.IsAlive)
	})

	t.Run("alive members filters the dead", func(t *testing.T) {
		m := NewManager(testSelf())
		m.AddMember(NodeInfo{ID: "n2", IsAlive: true, LastHeartbeat: 100})
		m.AddMember(NodeInfo{ID: "n3", IsAlive: true, LastHeartbeat: 100})
		m.MarkDead("n3")

		assert.Len(t, m.Members(), 3)
		alive := m.AliveMembers()
		ids := make([]string, 0, len(alive))
		for _, n := range alive {
			ids = append(ids, n.ID)
		}
		assert.ElementsMatch(t, []string{"self", "n2"}, ids)
	})
}

// TestGossipCodec tests the gossip payload round trip
func TestGossipCodec(t *testing.T) {
	t.Run("view round-trips through the wire format", func(t *testing.T) {
		sender := NewManager(NodeInfo{ID: "a", Host: "10.0.0.1", Port: 7001})
		sender.AddMember(NodeInfo{ID: "b", Host: "10.0.0.2", Port: 7002, IsAlive: true, LastHeartbeat: 111})
		sender.AddMember(NodeInfo{ID: "c", Host: "10.0.0.3", Port: 7003, IsAlive: true, LastHeartbeat: 222})
		sender.MarkDead("c")

		payload := sender.EncodeGossip()
		buf := protocol.NewBuffer(payload)
		op, err := buf.ReadUint8()
		require.NoError(t, err)
		assert.Equal(t, protocol.OpGossip, protocol.OpType(op))

		receiver := NewManager(NodeInfo{ID: "d", Host: "10.0.0.4", Port: 7004})
		require.NoError(t, receiver.HandleGossip(buf))

		// a, b and c were learned; d knew only itself before.
		assert.Len(t, receiver.Members(), 4)
		b, ok := receiver.Member("b")
		require.True(t, ok)
		assert.Equal(t, "10.0.0.2", b.Host)
		assert.Equal(t, uint16(7002), b.Port)
		assert.Equal(t, uint64(111), b.LastHeartbeat)
		assert.True(t, b.IsAlive)

		c, ok := receiver.Member("c")
		require.True(t, ok)
		assert.False(t, c.IsAlive, "dead state propagates")
	})

	t.Run("entries about self are skipped", func(t *testing.T) {
		peer := NewManager(NodeInfo{ID: "peer", Host: "10.0.0.9", Port: 7009})
		peer.AddMember(NodeInfo{ID: "self", Host: "255.0.0.1", Port: 1, IsAlive: false, LastHeartbeat: ^uint64(0)})

		m := NewManager(testSelf())
		buf := protocol.NewBuffer(peer.EncodeGossip())
		op, err := buf.ReadUint8()
		require.NoError(t, err)
		require.Equal(t, protocol.OpGossip, protocol.OpType(op))
		require.NoError(t, m.HandleGossip(buf))

		info, _ := m.Member("self")
		assert.True(t, info.IsAlive, "a peer cannot rewrite our own entry")
		assert.Equal(t, "127.0.0.1", info.Host)
	})

	t.Run("truncated payload surfaces an error", func(t *testing.T) {
		m := NewManager(testSelf())
		var buf protocol.Buffer
		buf.WriteUint32(3) // Claims three entries, carries none
		err := m.HandleGossip(protocol.NewBuffer(buf.Bytes()))
		assert.ErrorIs(t, err, protocol.ErrBufferUnderflow)
	})
}

// TestFailureDetection tests heartbeat expiry with shortened timing
func TestFailureDetection(t *testing.T) {
	m := NewManager(testSelf())
	m.interval = 10 * time.Millisecond
	m.timeout = 50 * time.Millisecond

	var left []string
	done := make(chan struct{})
	m.SetOnLeave(func(id string) {
		left = append(left, id)
		close(done)
	})

	// A peer whose heartbeat is already far in the past.
	m.AddMember(NodeInfo{ID: "silent", Host: "10.0.0.2", Port: 7000, IsAlive: true, LastHeartbeat: NowMs() - 10_000})

	m.Start()
	defer m.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failure detector never fired")
	}

	assert.Equal(t, []string{"silent"}, left)
	info, ok := m.Member("silent")
	require.True(t, ok, "dead members are retained")
	assert.False(t, info.IsAlive)

	self, _ := m.Member("self")
	assert.True(t, self.IsAlive)
}

// TestStop tests cooperative shutdown of the background loops
func TestStop(t *testing.T) {
	m := NewManager(testSelf())
	m.interval = 10 * time.Millisecond
	m.Start()

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Stop is idempotent.
	m.Stop()
}
