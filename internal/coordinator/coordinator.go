package coordinator

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dreamware/kvring/internal/cluster"
	"github.com/dreamware/kvring/internal/metrics"
	"github.com/dreamware/kvring/internal/protocol"
	"github.com/dreamware/kvring/internal/replication"
	"github.com/dreamware/kvring/internal/ring"
	"github.com/dreamware/kvring/internal/storage"
)

// Coordinator routes incoming frames to the right subsystem. It holds
// non-owning references to storage, ring and membership, and exclusively
// owns the replication engine it builds over them.
type Coordinator struct {
	selfID     string
	storage    *storage.Engine
	membership *cluster.Manager
	replica    *replication.Engine
}

// New wires a coordinator for one node. n, r, w are the replication factor
// and quorum sizes handed to the replication engine.
func New(selfID string, store *storage.Engine, hashRing *ring.Ring,
	membership *cluster.Manager, n, r, w int) *Coordinator {
	return &Coordinator{
		selfID:     selfID,
		storage:    store,
		membership: membership,
		replica:    replication.NewEngine(selfID, store, hashRing, membership, n, r, w),
	}
}

// Handle dispatches one request payload and returns the response payload.
// It never panics: any handler failure comes back as an ERROR response.
func (c *Coordinator) Handle(payload []byte) (response []byte) {
	op := protocol.OpType(0)
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"op": op, "panic": r}).
				Error("coordinator: handler panicked")
			response = protocol.ErrorResponse(fmt.Sprintf("Internal error: %v", r))
		}
		metrics.RequestsTotal.WithLabelValues(op.String(), statusLabel(op, response)).Inc()
	}()

	buf := protocol.NewBuffer(payload)
	opByte, err := buf.ReadUint8()
	if err != nil {
		return protocol.ErrorResponse("Internal error: empty request")
	}
	op = protocol.OpType(opByte)

	switch op {
	case protocol.OpPut:
		return c.handlePut(buf)
	case protocol.OpGet:
		return c.handleGet(buf)
	case protocol.OpDelete:
		return c.handleDelete(buf)
	case protocol.OpInternalPut:
		return c.handleInternalPut(buf)
	case protocol.OpInternalGet:
		return c.handleInternalGet(buf)
	case protocol.OpInternalDelete:
		return c.handleInternalDelete(buf)
	case protocol.OpClusterInfo:
		return c.handleClusterInfo()
	case protocol.OpGossip:
		return c.handleGossip(buf)
	default:
		return protocol.ErrorResponse("Unknown operation")
	}
}

// statusLabel maps a response payload to its metrics label. A gossip reply
// begins with the GOSSIP opcode rather than a status byte.
func statusLabel(op protocol.OpType, payload []byte) string {
	if len(payload) == 0 {
		return protocol.StatusError.String()
	}
	if op == protocol.OpGossip && payload[0] == byte(protocol.OpGossip) {
		return protocol.StatusOK.String()
	}
	return protocol.StatusCode(payload[0]).String()
}

// handlePut parses key and value and runs a quorum write.
func (c *Coordinator) handlePut(buf *protocol.Buffer) []byte {
	key, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}
	value, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}

	log.WithFields(log.Fields{"key": key, "size": len(value)}).Debug("PUT")
	if err := c.replica.Put(key, value); err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	return protocol.OKResponse()
}

// handleGet parses the key and runs a quorum read.
func (c *Coordinator) handleGet(buf *protocol.Buffer) []byte {
	key, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}

	log.WithField("key", key).Debug("GET")
	vv, found, err := c.replica.Get(key)
	if err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	if !found {
		return protocol.NotFoundResponse()
	}
	return protocol.ValueResponse(vv.Value, vv.Timestamp, vv.Origin)
}

// handleDelete parses the key and runs a quorum delete.
func (c *Coordinator) handleDelete(buf *protocol.Buffer) []byte {
	key, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}

	log.WithField("key", key).Debug("DELETE")
	if err := c.replica.Delete(key); err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	return protocol.OKResponse()
}

// handleInternalPut applies a peer's replicated write to local storage.
// A stale write still answers OK: the write is subsumed, not failed.
func (c *Coordinator) handleInternalPut(buf *protocol.Buffer) []byte {
	key, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}
	value, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}
	ts, err := buf.ReadUint64()
	if err != nil {
		return parseError(err)
	}
	origin, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}

	vv := storage.VersionedValue{Value: value, Timestamp: ts, Origin: origin}
	if _, err := c.storage.ConditionalPut(key, vv); err != nil {
		return protocol.ErrorResponse(fmt.Sprintf("Internal error: %v", err))
	}
	return protocol.OKResponse()
}

// handleInternalGet serves a peer's read from local storage only.
func (c *Coordinator) handleInternalGet(buf *protocol.Buffer) []byte {
	key, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}
	vv, ok := c.storage.Get(key)
	if !ok {
		return protocol.NotFoundResponse()
	}
	return protocol.ValueResponse(vv.Value, vv.Timestamp, vv.Origin)
}

// handleInternalDelete applies a peer's replicated delete to local storage.
func (c *Coordinator) handleInternalDelete(buf *protocol.Buffer) []byte {
	key, err := buf.ReadString()
	if err != nil {
		return parseError(err)
	}
	ts, err := buf.ReadUint64()
	if err != nil {
		return parseError(err)
	}
	if _, err := c.storage.Delete(key, ts); err != nil {
		return protocol.ErrorResponse(fmt.Sprintf("Internal error: %v", err))
	}
	return protocol.OKResponse()
}

// handleClusterInfo serializes the member list and the local store size:
// status | count | { id, host, port, alive }×count | size(u64).
func (c *Coordinator) handleClusterInfo() []byte {
	members := c.membership.Members()

	var buf protocol.Buffer
	buf.WriteUint8(uint8(protocol.StatusOK))
	buf.WriteUint32(uint32(len(members)))
	for _, m := range members {
		buf.WriteString(m.ID)
		buf.WriteString(m.Host)
		buf.WriteUint16(m.Port)
		buf.WriteBool(m.IsAlive)
	}
	buf.WriteUint64(uint64(c.storage.Size()))
	return buf.Bytes()
}

// handleGossip merges the sender's view and answers with our own gossip
// message (which begins with the GOSSIP opcode, not a status byte).
func (c *Coordinator) handleGossip(buf *protocol.Buffer) []byte {
	if err := c.membership.HandleGossip(buf); err != nil {
		return protocol.ErrorResponse(fmt.Sprintf("Internal error: %v", err))
	}
	return c.membership.EncodeGossip()
}

func parseError(err error) []byte {
	return protocol.ErrorResponse(fmt.Sprintf("Internal error: %v", err))
}
