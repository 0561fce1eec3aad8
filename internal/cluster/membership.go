package cluster

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/kvring/internal/metrics"
	"github.com/dreamware/kvring/internal/protocol"
)

// Gossip timing defaults. The loops tick every GossipInterval; a member
// whose heartbeat is older than FailureTimeout is marked dead.
const (
	GossipInterval = 1 * time.Second
	FailureTimeout = 5 * time.Second
	GossipFanout   = 2
)

// Manager maintains cluster membership through push gossip and expires
// silent peers. All methods are safe for concurrent use.
type Manager struct {
	self NodeInfo

	mu      sync.RWMutex
	members map[string]NodeInfo
	seeds   []Seed

	onJoin  func(NodeInfo)
	onLeave func(nodeID string)

	interval time.Duration
	timeout  time.Duration
	fanout   int

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewManager creates a membership manager for the given self identity. The
// manager's own entry exists from the start and is kept alive while it
// runs.
func NewManager(self NodeInfo) *Manager {
	self.IsAlive = true
	self.LastHeartbeat = NowMs()
	m := &Manager{
		self:     self,
		members:  map[string]NodeInfo{self.ID: self},
		interval: GossipInterval,
		timeout:  FailureTimeout,
		fanout:   GossipFanout,
		stop:     make(chan struct{}),
	}
	metrics.AlivePeers.Set(1)
	return m
}

// SetOnJoin registers the callback fired when a new member is observed or a
// dead member resurrects. Set before Start.
func (m *Manager) SetOnJoin(cb func(NodeInfo)) { m.onJoin = cb }

// SetOnLeave registers the callback fired when a member is marked dead.
// Set before Start.
func (m *Manager) SetOnLeave(cb func(nodeID string)) { m.onLeave = cb }

// AddSeed adds a bootstrap contact. Seeds are contacted once at Start;
// after that, peers discover one another transitively.
func (m *Manager) AddSeed(host string, port uint16) {
	m.seeds = append(m.seeds, Seed{Host: host, Port: port})
}

// Self returns this node's own info.
func (m *Manager) Self() NodeInfo { return m.self }

// Start launches the gossip and failure-detection loops.
func (m *Manager) Start() {
	log.Info("membership: starting gossip and failure detection")
	m.wg.Add(2)
	go m.gossipLoop()
	go m.failureDetectionLoop()
}

// Stop signals both loops and waits for them to exit. Idempotent.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	log.Info("membership: stopped")
}

// Member returns the entry for a node id.
func (m *Manager) Member(nodeID string) (NodeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.members[nodeID]
	return info, ok
}

// Members returns a snapshot of every entry, dead or alive.
func (m *Manager) Members() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeInfo, 0, len(m.members))
	for _, info := range m.members {
		out = append(out, info)
	}
	return out
}

// AliveMembers returns a snapshot of the members currently believed alive,
// including self.
func (m *Manager) AliveMembers() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeInfo, 0, len(m.members))
	for _, info := range m.members {
		if info.IsAlive {
			out = append(out, info)
		}
	}
	return out
}

// AddMember merges one observed entry into the view: unknown ids are
// inserted verbatim and reported as joins; known ids take the incoming
// heartbeat only if it is newer, and a false→true liveness flip on that
// update is reported as a join (resurrection). The entry with the larger
// heartbeat always wins, so an address change cannot mask a fresher
// observation.
func (m *Manager) AddMember(node NodeInfo) {
	joined := false

	m.mu.Lock()
	existing, ok := m.members[node.ID]
	switch {
	case !ok:
		m.members[node.ID] = node
		joined = true
	case node.LastHeartbeat > existing.LastHeartbeat:
		existing.LastHeartbeat = node.LastHeartbeat
		existing.Host = node.Host
		existing.Port = node.Port
		if !existing.IsAlive && node.IsAlive {
			existing.IsAlive = true
			joined = true
		}
		m.members[node.ID] = existing
	}
	m.updateAliveGauge()
	m.mu.Unlock()

	if joined {
		log.WithFields(log.Fields{"node": node.ID, "addr": node.Address()}).
			Info("membership: node joined")
		if m.onJoin != nil {
			m.onJoin(node)
		}
	}
}

// MarkDead flips a member to dead and fires the leave callback. Dead
// members stay in the view so a later gossip can resurrect them. Self is
// never marked dead.
func (m *Manager) MarkDead(nodeID string) {
	if nodeID == m.self.ID {
		return
	}

	m.mu.Lock()
	info, ok := m.members[nodeID]
	if !ok || !info.IsAlive {
		m.mu.Unlock()
		return
	}
	info.IsAlive = false
	m.members[nodeID] = info
	m.updateAliveGauge()
	m.mu.Unlock()

	log.WithField("node", nodeID).Warn("membership: node marked dead")
	if m.onLeave != nil {
		m.onLeave(nodeID)
	}
}

// EncodeGossip serializes the full membership view as a GOSSIP payload:
// opcode, entry count, then id/host/port/heartbeat/alive per entry.
func (m *Manager) EncodeGossip() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.OpGossip))
	buf.WriteUint32(uint32(len(m.members)))
	for _, info := range m.members {
		buf.WriteString(info.ID)
		buf.WriteString(info.Host)
		buf.WriteUint16(info.Port)
		buf.WriteUint64(info.LastHeartbeat)
		buf.WriteBool(info.IsAlive)
	}
	return buf.Bytes()
}

// HandleGossip merges an incoming gossip payload (positioned after the
// opcode byte) into the view. Entries for self are skipped.
func (m *Manager) HandleGossip(buf *protocol.Buffer) error {
	count, err := buf.ReadUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var node NodeInfo
		if node.ID, err = buf.ReadString(); err != nil {
			return err
		}
		if node.Host, err = buf.ReadString(); err != nil {
			return err
		}
		if node.Port, err = buf.ReadUint16(); err != nil {
			return err
		}
		if node.LastHeartbeat, err = buf.ReadUint64(); err != nil {
			return err
		}
		if node.IsAlive, err = buf.ReadBool(); err != nil {
			return err
		}
		if node.ID == m.self.ID {
			continue
		}
		m.AddMember(node)
	}
	return nil
}

// gossipLoop refreshes the self heartbeat and pushes the full view to up to
// fanout random alive peers, once per interval. Seeds are contacted first
// so a fresh node learns the cluster before its first tick.
func (m *Manager) gossipLoop() {
	defer m.wg.Done()

	m.contactSeeds()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.refreshSelfHeartbeat()
			m.gossipOnce(rng)
			metrics.GossipRoundsTotal.Inc()
		}
	}
}

// gossipOnce pushes the current view to a random sample of alive peers.
// Send failures are expected during partitions and logged at debug; the
// next tick retries with a fresh sample.
func (m *Manager) gossipOnce(rng *rand.Rand) {
	peers := m.AliveMembers()
	n := 0
	for _, p := range peers {
		if p.ID != m.self.ID {
			peers[n] = p
			n++
		}
	}
	peers = peers[:n]
	if len(peers) == 0 {
		return
	}

	rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	fanout := m.fanout
	if fanout > len(peers) {
		fanout = len(peers)
	}

	payload := m.EncodeGossip()
	for _, peer := range peers[:fanout] {
		c := NewClient(peer.Host, peer.Port)
		if err := c.Connect(); err != nil {
			log.WithFields(log.Fields{"peer": peer.ID, "error": err}).
				Debug("membership: gossip dial failed")
			continue
		}
		// Response carries the peer's view but the push is what matters.
		if _, err := c.Gossip(payload); err != nil {
			log.WithFields(log.Fields{"peer": peer.ID, "error": err}).
				Debug("membership: gossip send failed")
		}
		c.Close()
	}
}

// failureDetectionLoop expires members whose heartbeat has gone silent for
// longer than the failure timeout.
func (m *Manager) failureDetectionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := NowMs()
			var expired []string
			m.mu.RLock()
			for id, info := range m.members {
				if id == m.self.ID || !info.IsAlive {
					continue
				}
				if now-info.LastHeartbeat > uint64(m.timeout.Milliseconds()) {
					expired = append(expired, id)
				}
			}
			m.mu.RUnlock()
			for _, id := range expired {
				m.MarkDead(id)
			}
		}
	}
}

// contactSeeds pushes this node's view to each configured seed. The seed's
// reply merges back through the coordinator's GOSSIP handler once regular
// gossip begins; here the reply is merged directly so bootstrap completes
// within one exchange.
func (m *Manager) contactSeeds() {
	for _, seed := range m.seeds {
		c := NewClient(seed.Host, seed.Port)
		if err := c.Connect(); err != nil {
			log.WithFields(log.Fields{"seed": seed.Host, "port": seed.Port, "error": err}).
				Warn("membership: seed unreachable")
			continue
		}
		resp, err := c.Gossip(m.EncodeGossip())
		c.Close()
		if err != nil {
			log.WithFields(log.Fields{"seed": seed.Host, "port": seed.Port, "error": err}).
				Warn("membership: seed exchange failed")
			continue
		}
		if op, err := resp.ReadUint8(); err == nil && protocol.OpType(op) == protocol.OpGossip {
			if err := m.HandleGossip(resp); err != nil {
				log.WithError(err).Warn("membership: malformed seed response")
			}
		}
		log.WithFields(log.Fields{"seed": seed.Host, "port": seed.Port}).
			Info("membership: contacted seed")
	}
}

func (m *Manager) refreshSelfHeartbeat() {
	m.mu.Lock()
	self := m.members[m.self.ID]
	self.LastHeartbeat = NowMs()
	m.members[m.self.ID] = self
	m.mu.Unlock()
}

// updateAliveGauge is called with m.mu held.
func (m *Manager) updateAliveGauge() {
	alive := 0
	for _, info := range m.members {
		if info.IsAlive {
			alive++
		}
	}
	metrics.AlivePeers.Set(float64(alive))
}
