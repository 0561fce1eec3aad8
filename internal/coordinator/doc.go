// Package coordinator is the single entry point for every incoming frame.
//
// The dispatcher reads the opcode byte and routes:
//
//   - PUT / GET / DELETE go through the replication engine and cost a
//     quorum round.
//   - INTERNAL_PUT / INTERNAL_GET / INTERNAL_DELETE are peer-originated
//     replica operations and apply directly to local storage.
//   - GOSSIP merges the sender's membership view and answers with ours.
//   - CLUSTER_INFO returns the member list and the local store size.
//
// The opcode set is closed: unknown opcodes get ERROR("Unknown operation").
// Parse errors and handler panics are caught and surfaced as
// ERROR("Internal error: ...") — the dispatcher never propagates a failure
// to the network reader.
package coordinator
