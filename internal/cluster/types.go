package cluster

import (
	"fmt"
	"time"
)

// NodeInfo describes one cluster member. The membership manager keeps one
// entry per node id; IsAlive flips on failure detection but entries are
// never deleted.
type NodeInfo struct {
	ID            string // Unique node identifier, e.g. "node1"
	Host          string // Hostname or IP
	Port          uint16 // Listening port
	IsAlive       bool
	LastHeartbeat uint64 // Milliseconds since epoch
}

// Address returns the host:port dial string for the node.
func (n NodeInfo) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Seed is a bootstrap contact address.
type Seed struct {
	Host string
	Port uint16
}

// NowMs returns the current wall clock as milliseconds since epoch. It is
// the timestamp source for both value versioning and heartbeats.
func NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
