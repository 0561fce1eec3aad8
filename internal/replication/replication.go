// Package replication coordinates client operations across N replicas with
// quorum acknowledgement.
//
// A write is acknowledged once W replicas accept it; a read needs R replica
// responses and returns the newest version observed. With R + W > N every
// read quorum intersects the last successful write quorum, so a read sees
// the latest acknowledged write. Replicas holding stale or missing versions
// are repaired opportunistically after a quorum read.
package replication

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dreamware/kvring/internal/cluster"
	"github.com/dreamware/kvring/internal/metrics"
	"github.com/dreamware/kvring/internal/protocol"
	"github.com/dreamware/kvring/internal/ring"
	"github.com/dreamware/kvring/internal/storage"
)

// Engine fans one client operation out to the key's replica set and counts
// acknowledgements against the configured quorum.
type Engine struct {
	selfID     string
	storage    *storage.Engine
	ring       *ring.Ring
	membership *cluster.Manager
	n, r, w    int
}

// NewEngine creates a replication engine. n is the replication factor, r
// and w the read and write quorums; strong consistency requires r + w > n.
func NewEngine(selfID string, store *storage.Engine, hashRing *ring.Ring,
	membership *cluster.Manager, n, r, w int) *Engine {
	return &Engine{
		selfID:     selfID,
		storage:    store,
		ring:       hashRing,
		membership: membership,
		n:          n,
		r:          r,
		w:          w,
	}
}

// Put writes key=value to the N replicas in parallel and succeeds once W
// acknowledge. The version timestamp is taken here, on the coordinating
// node.
func (e *Engine) Put(key, value string) error {
	ts := cluster.NowMs()

	replicas, err := e.ring.GetNodes(key, e.n)
	if err != nil || len(replicas) == 0 {
		return errors.New("No nodes available")
	}

	acks := e.fanOutWrite(replicas, func(nodeID string) bool {
		if nodeID == e.selfID {
			applied, err := e.storage.Put(key, value, ts, e.selfID)
			return err == nil && applied
		}
		return e.remotePut(nodeID, key, value, ts)
	})

	if acks < e.w {
		metrics.QuorumFailuresTotal.WithLabelValues("put").Inc()
		return errors.Errorf("Quorum not reached: %d/%d acks", acks, e.w)
	}
	return nil
}

// Delete removes key from the N replicas in parallel and succeeds once W
// acknowledge.
func (e *Engine) Delete(key string) error {
	ts := cluster.NowMs()

	replicas, err := e.ring.GetNodes(key, e.n)
	if err != nil || len(replicas) == 0 {
		return errors.New("No nodes available")
	}

	acks := e.fanOutWrite(replicas, func(nodeID string) bool {
		if nodeID == e.selfID {
			applied, err := e.storage.Delete(key, ts)
			return err == nil && applied
		}
		return e.remoteDelete(nodeID, key, ts)
	})

	if acks < e.w {
		metrics.QuorumFailuresTotal.WithLabelValues("delete").Inc()
		return errors.Errorf("Delete quorum not reached: %d/%d acks", acks, e.w)
	}
	return nil
}

// readResponse is one replica's answer to a quorum read. ok means the RPC
// itself succeeded; value is nil when the replica does not hold the key.
type readResponse struct {
	nodeID string
	ok     bool
	value  *storage.VersionedValue
}

// Get reads key from the N replicas in parallel. It needs R successful
// responses, returns the newest version among them, and asynchronously
// repairs any replica that answered with a missing or older version.
// found=false with a nil error means a quorum agreed the key is absent.
func (e *Engine) Get(key string) (vv storage.VersionedValue, found bool, err error) {
	replicas, rerr := e.ring.GetNodes(key, e.n)
	if rerr != nil || len(replicas) == 0 {
		return storage.VersionedValue{}, false, errors.New("No nodes available")
	}

	responses := make([]readResponse, len(replicas))
	var wg sync.WaitGroup
	for i, nodeID := range replicas {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			if nodeID == e.selfID {
				resp := readResponse{nodeID: nodeID, ok: true}
				if local, ok := e.storage.Get(key); ok {
					resp.value = &local
				}
				responses[i] = resp
				return
			}
			responses[i] = e.remoteGet(nodeID, key)
		}(i, nodeID)
	}
	wg.Wait()

	okCount := 0
	var latest *storage.VersionedValue
	for i := range responses {
		if !responses[i].ok {
			continue
		}
		okCount++
		if v := responses[i].value; v != nil {
			if latest == nil || v.Timestamp > latest.Timestamp {
				latest = v
			}
		}
	}

	if okCount < e.r {
		metrics.QuorumFailuresTotal.WithLabelValues("get").Inc()
		return storage.VersionedValue{}, false, errors.Errorf(
			"Read quorum not reached: %d/%d", okCount, e.r)
	}
	if latest == nil {
		return storage.VersionedValue{}, false, nil
	}

	e.readRepair(key, *latest, responses)
	return *latest, true, nil
}

// fanOutWrite runs one write attempt per replica concurrently and returns
// the number of successes. Dead-marked peers short-circuit to failure
// inside the per-replica attempt without a network round trip.
func (e *Engine) fanOutWrite(replicas []string, attempt func(nodeID string) bool) int {
	results := make(chan bool, len(replicas))
	for _, nodeID := range replicas {
		go func(nodeID string) { results <- attempt(nodeID) }(nodeID)
	}

	acks := 0
	for range replicas {
		if <-results {
			acks++
		}
	}
	return acks
}

// readRepair pushes the winning version to every responder that answered
// with a missing or strictly older one. Repairs are fire-and-forget: they
// never delay or fail the client read.
func (e *Engine) readRepair(key string, latest storage.VersionedValue, responses []readResponse) {
	for _, resp := range responses {
		if !resp.ok {
			continue
		}
		if resp.value != nil && resp.value.Timestamp >= latest.Timestamp {
			continue
		}
		metrics.ReadRepairsTotal.Inc()
		if resp.nodeID == e.selfID {
			go func() {
				if _, err := e.storage.ConditionalPut(key, latest); err != nil {
					log.WithError(err).Debug("replication: local read repair failed")
				}
			}()
			continue
		}
		go func(nodeID string) {
			if !e.remoteRepair(nodeID, key, latest) {
				log.WithFields(log.Fields{"peer": nodeID, "key": key}).
					Debug("replication: read repair failed")
			}
		}(resp.nodeID)
	}
}

// alivePeer resolves a node id to a live address, short-circuiting writes
// and reads to peers the failure detector has already declared dead.
func (e *Engine) alivePeer(nodeID string) (cluster.NodeInfo, bool) {
	member, ok := e.membership.Member(nodeID)
	if !ok || !member.IsAlive {
		return cluster.NodeInfo{}, false
	}
	return member, true
}

func (e *Engine) remotePut(nodeID, key, value string, ts uint64) bool {
	member, ok := e.alivePeer(nodeID)
	if !ok {
		return false
	}
	c := cluster.NewClient(member.Host, member.Port)
	if err := c.Connect(); err != nil {
		return false
	}
	defer c.Close()
	resp, err := c.InternalPut(key, value, ts, e.selfID)
	if err != nil {
		return false
	}
	status, err := resp.ReadUint8()
	return err == nil && protocol.StatusCode(status) == protocol.StatusOK
}

func (e *Engine) remoteDelete(nodeID, key string, ts uint64) bool {
	member, ok := e.alivePeer(nodeID)
	if !ok {
		return false
	}
	c := cluster.NewClient(member.Host, member.Port)
	if err := c.Connect(); err != nil {
		return false
	}
	defer c.Close()
	resp, err := c.InternalDelete(key, ts)
	if err != nil {
		return false
	}
	status, err := resp.ReadUint8()
	return err == nil && protocol.StatusCode(status) == protocol.StatusOK
}

func (e *Engine) remoteGet(nodeID, key string) readResponse {
	result := readResponse{nodeID: nodeID}
	member, ok := e.alivePeer(nodeID)
	if !ok {
		return result
	}
	c := cluster.NewClient(member.Host, member.Port)
	if err := c.Connect(); err != nil {
		return result
	}
	defer c.Close()
	resp, err := c.InternalGet(key)
	if err != nil {
		return result
	}
	status, err := resp.ReadUint8()
	if err != nil {
		return result
	}
	result.ok = true
	if protocol.StatusCode(status) == protocol.StatusOK {
		var vv storage.VersionedValue
		if vv.Value, err = resp.ReadString(); err != nil {
			result.ok = false
			return result
		}
		if vv.Timestamp, err = resp.ReadUint64(); err != nil {
			result.ok = false
			return result
		}
		if vv.Origin, err = resp.ReadString(); err != nil {
			result.ok = false
			return result
		}
		result.value = &vv
	}
	return result
}

func (e *Engine) remoteRepair(nodeID, key string, vv storage.VersionedValue) bool {
	member, ok := e.alivePeer(nodeID)
	if !ok {
		return false
	}
	c := cluster.NewClient(member.Host, member.Port)
	if err := c.Connect(); err != nil {
		return false
	}
	defer c.Close()
	_, err := c.InternalPut(key, vv.Value, vv.Timestamp, vv.Origin)
	return err == nil
}
