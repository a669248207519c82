package engine

import (
	"errors"
	"testing"

	"github.com/AvishayYanay/concord-bft/storage"
	"github.com/AvishayYanay/concord-bft/types"
)

func countKeys(t *testing.T, s storage.Store, prefix []byte) int {
	t.Helper()
	n := 0
	if err := s.Iterate(prefix, func(_, _ []byte) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("iterate %q: %v", prefix, err)
	}
	return n
}

func TestCheckpointBecomesStable(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.submitN(0, 1, 1, 4)

	tc.requireExecuted(4)
	for _, n := range tc.nodes {
		if n.rs.stableSeq != 4 {
			t.Fatalf("replica %d stable at %d, want 4", n.id, n.rs.stableSeq)
		}
		if n.rs.stableCert == nil {
			t.Fatalf("replica %d has no certificate for the stable checkpoint", n.id)
		}
		if got := n.rs.window.Base(); got != 4 {
			t.Errorf("replica %d window base %d, want 4", n.id, got)
		}
		if got := n.rs.window.High(); got != 12 {
			t.Errorf("replica %d window high %d, want 12", n.id, got)
		}
		if got := n.rs.metrics.snapshot().LastStableSeqNum; got != 4 {
			t.Errorf("replica %d reports stable %d", n.id, got)
		}
	}
	tc.requireSameState(0, 1, 2, 3)
}

func TestStableCheckpointCollectsGarbage(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.submitN(0, 1, 1, 5)

	n := tc.node(1)
	if n.rs.stableSeq != 4 {
		t.Fatalf("stable at %d, want 4", n.rs.stableSeq)
	}
	// only slot 5 is left
	if got := countKeys(t, n.store, prefixSlot); got != 1 {
		t.Errorf("%d slot records after checkpoint, want 1", got)
	}
	if _, err := n.store.Get(slotKey(5)); err != nil {
		t.Errorf("slot 5 record missing: %v", err)
	}
	if _, err := n.store.Get(checkpointKey(4)); err != nil {
		t.Errorf("stable checkpoint record missing: %v", err)
	}
	for seq := range n.rs.checkpoints {
		if seq <= 4 {
			t.Errorf("checkpoint votes for %d kept after it became stable", seq)
		}
	}
	if n.rs.window.Get(3) != nil {
		t.Error("slot below the stable checkpoint still in the window")
	}
	if _, ok := n.rs.snapshots.Get(snapshotKey(4)); !ok {
		t.Error("stable snapshot not kept for state transfer")
	}

	raw, err := n.store.Get(keyMeta)
	if err != nil {
		t.Fatalf("meta record missing: %v", err)
	}
	var meta metaRecord
	if err := meta.unmarshal(raw); err != nil {
		t.Fatalf("unmarshal meta: %v", err)
	}
	if meta.StableSeq != 4 || meta.StableDigest != n.rs.stableDigest {
		t.Errorf("persisted stable (%d, %s), want (4, %s)",
			meta.StableSeq, meta.StableDigest.Short(), n.rs.stableDigest.Short())
	}
}

func TestSecondCheckpointReplacesFirst(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.submitN(0, 1, 1, 8)

	n := tc.node(2)
	if n.rs.stableSeq != 8 {
		t.Fatalf("stable at %d, want 8", n.rs.stableSeq)
	}
	if got := countKeys(t, n.store, prefixCheckpoint); got != 1 {
		t.Errorf("%d checkpoint records, want 1", got)
	}
	if _, ok := n.rs.snapshots.Get(snapshotKey(4)); ok {
		t.Error("superseded snapshot still cached")
	}
	if _, ok := n.rs.ownCheckpoints[4]; ok {
		t.Error("superseded own checkpoint still kept")
	}
}

func TestDivergentReplicaHalts(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.node(3).app.salt = []byte("diverged")

	tc.submitN(0, 1, 1, 4)

	var cf *ConsistencyFault
	if !errors.As(tc.node(3).rs.fault, &cf) {
		t.Fatalf("replica 3 fault = %v, want a consistency fault", tc.node(3).rs.fault)
	}
	if cf.Seq != 4 {
		t.Errorf("fault at checkpoint %d, want 4", cf.Seq)
	}
	if cf.Local == cf.Quorum {
		t.Error("fault reports equal digests")
	}
	for _, id := range []types.ReplicaID{0, 1, 2} {
		n := tc.node(id)
		if n.rs.fault != nil {
			t.Fatalf("replica %d halted: %v", id, n.rs.fault)
		}
		if n.rs.stableSeq != 4 {
			t.Errorf("replica %d stable at %d, want 4", id, n.rs.stableSeq)
		}
	}
}

func TestHaltedReplicaSendsNothing(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.node(3).app.salt = []byte("diverged")
	tc.submitN(0, 1, 1, 4)
	if tc.node(3).rs.fault == nil {
		t.Fatal("replica 3 did not halt")
	}

	sent := 0
	tc.filter = func(from, _ types.ReplicaID, _ types.Message) bool {
		if from == 3 {
			sent++
		}
		return true
	}
	tc.submitN(0, 1, 5, 2)
	if sent != 0 {
		t.Errorf("halted replica sent %d messages", sent)
	}
	tc.requireExecuted(6, 0, 1, 2)
}

func TestCheckpointVoteAtNonCheckpointSeqDropped(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	n := tc.node(0)

	n.rs.handleCheckpoint(tc.signedVote(1, types.VoteCheckpoint, 0, 3, types.HashBytes([]byte("x"))))
	if _, ok := n.rs.checkpoints[3]; ok {
		t.Error("vote for a non-checkpoint sequence was kept")
	}
	if got := n.rs.metrics.snapshot().DroppedMessages; got != 1 {
		t.Errorf("dropped %d messages, want 1", got)
	}
}

func TestLostCheckpointVotesResent(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.filter = func(_, _ types.ReplicaID, msg types.Message) bool {
		v, ok := msg.(*types.Vote)
		return !ok || v.Kind != types.VoteCheckpoint
	}
	tc.submitN(0, 1, 1, 4)
	for _, n := range tc.nodes {
		if n.rs.stableSeq != 0 {
			t.Fatalf("replica %d stable at %d with checkpoint votes lost", n.id, n.rs.stableSeq)
		}
	}

	tc.heal()
	for _, n := range tc.nodes {
		n.rs.resendCheckpoints()
		tc.flush(n)
	}
	tc.run()
	for _, n := range tc.nodes {
		if n.rs.stableSeq != 4 {
			t.Errorf("replica %d stable at %d after resend, want 4", n.id, n.rs.stableSeq)
		}
	}
}
