// Package engine implements one replica of a Byzantine fault tolerant
// replicated state machine.
//
// A cluster has N = 3F + 2C + 1 voting replicas and tolerates F Byzantine
// ones. The leader of view v is replica v mod N. It assigns sequence
// numbers to batches of client requests; the replicas agree on each slot
// and execute the committed batches on the Application in sequence order.
//
// # Ordering
//
// A slot commits on one of two paths:
//
//	fast path:  PrePrepare → 3F+C+1 matching fast votes → committed
//	slow path:  PrePrepare → 2F+C+1 prepares → 2F+C+1 commits → committed
//
// Both run side by side. A slot that does not reach the fast quorum within
// the fast path timeout only waits for the slow path.
//
// # Checkpoints
//
// Every CheckpointInterval sequences the executor snapshots the application
// and the client table. A checkpoint attested by 2F+C+1 replicas becomes
// stable: the window of admissible sequences moves up and older slots are
// garbage collected. Attestations that disagree with the local state halt
// the replica with a *ConsistencyFault.
//
// # View Change
//
// A replica that waited too long for a request or a proposal suspects the
// leader and sends a ViewChange with its prepared and fast-voted slots. The
// next leader collects 2F+2C+1 of them and derives the re-proposals of its
// NewView deterministically, so every replica can check them. F+1 view
// changes for a higher view pull a replica along.
//
// # State Transfer
//
// A replica that falls behind the stable checkpoint fetches the certified
// snapshot from a replica that attested it and installs it.
//
// # Threading
//
// ConsensusState runs a single loop that owns the ReplicaState. Signature
// checks run in a worker pool before messages reach the loop. Effects of
// every event leave through a pipeline: the store write completes before
// any message that depends on it is sent, and execution runs on its own
// goroutine.
//
// # Usage Example
//
//	cfg, err := engine.LoadConfig("replica.yaml")
//	store, err := storage.Open(cfg.Storage, logger)
//	eng, err := engine.NewEngine(cfg, id, replicas, signer, app, endpoint, store,
//	    engine.WithReplyHandler(onReply))
//	endpoint.SetReceiver(eng.HandleMessage)
//	if err := eng.Start(); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	eng.Submit(types.Request{ClientID: 7, RequestID: 1, Payload: op})
package engine
