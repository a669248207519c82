// Package types defines the data structures of the replication protocol.
//
// # Core Types
//
// Request: an opaque client payload with a client ID and a monotonically
// increasing request ID used to suppress duplicates.
//
// PrePrepare: the leader's proposal binding an ordered batch of requests to
// a (view, sequence) pair. An empty batch is the null request.
//
// Vote: a signed Prepare, Commit, FastVote or Checkpoint statement about a
// digest. All vote kinds share one layout and one signing scheme.
//
// QuorumCertificate: matching votes from a quorum of replicas. Signers are
// recorded in an RLE+ bitfield; signatures are kept in signer order.
//
// ViewChange and NewView: the messages that move the cluster to a new leader
// while preserving every request that may have committed.
//
// ReplicaSet: the static membership. Voting replicas number n = 3f+2c+1 and
// the set derives every quorum threshold from f and c.
//
// # Serialization
//
// Messages use protobuf wire format written by hand with protowire. Encode
// prefixes the payload with a one-byte message type; Decode reverses it and
// copies every byte slice out of the input buffer.
//
// # Hashing
//
// Batches, checkpoints and replica sets are hashed with SHA3-256. The zero
// Digest is reserved for the null request.
package types
