// Package cluster maintains each node's view of the rest of the cluster.
//
// It provides three pieces:
//
//   - NodeInfo, the shared description of a member (identifier, address,
//     liveness, last heartbeat), and NowMs, the wall-clock millisecond
//     timestamp used for versioning and heartbeats throughout the system.
//
//   - Client, a short-lived TCP client speaking the binary protocol to one
//     peer. Replication and gossip open a fresh client per call.
//
//   - Manager, the gossip-based membership manager. Every second it pushes
//     its full membership view to two random live peers; a second loop
//     marks members dead after five seconds of heartbeat silence. Incoming
//     views merge by the max-heartbeat rule. Join and leave callbacks feed
//     ring changes — the hash ring tracks membership, never the other way
//     around.
//
// Members are never removed from the view once seen. A dead member that
// gossips again is resurrected and reported as a join.
package cluster
