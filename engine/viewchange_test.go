package engine

import (
	"testing"
	"time"

	"github.com/AvishayYanay/concord-bft/privval"
	"github.com/AvishayYanay/concord-bft/types"
)

func batchPP(view types.View, seq types.SeqNum, reqs ...types.Request) *types.PrePrepare {
	return &types.PrePrepare{View: view, Seq: seq, Digest: types.BatchDigest(reqs), Requests: reqs}
}

func preparedEntry(pp *types.PrePrepare) types.PreparedEntry {
	return types.PreparedEntry{PrePrepare: pp}
}

func TestSelectNewView(t *testing.T) {
	reqA := testRequest(1, 1)
	reqB := testRequest(2, 1)
	reqC := testRequest(3, 1)

	cases := []struct {
		name string
		vcs  []*types.ViewChange
		want []types.Digest
	}{
		{
			name: "prepared beats fast group of the same view",
			vcs: []*types.ViewChange{
				{Replica: 0, Prepared: []types.PreparedEntry{preparedEntry(batchPP(1, 1, reqA))}},
				{Replica: 1, FastVoted: []*types.PrePrepare{batchPP(1, 1, reqB)}},
				{Replica: 2, FastVoted: []*types.PrePrepare{batchPP(1, 1, reqB)}},
			},
			want: []types.Digest{types.BatchDigest([]types.Request{reqA})},
		},
		{
			name: "fast group of a higher view beats prepared",
			vcs: []*types.ViewChange{
				{Replica: 0, Prepared: []types.PreparedEntry{preparedEntry(batchPP(1, 1, reqA))}},
				{Replica: 1, FastVoted: []*types.PrePrepare{batchPP(2, 1, reqB)}},
				{Replica: 2, FastVoted: []*types.PrePrepare{batchPP(2, 1, reqB)}},
			},
			want: []types.Digest{types.BatchDigest([]types.Request{reqB})},
		},
		{
			name: "higher view prepared wins",
			vcs: []*types.ViewChange{
				{Replica: 0, Prepared: []types.PreparedEntry{preparedEntry(batchPP(1, 1, reqA))}},
				{Replica: 1, Prepared: []types.PreparedEntry{preparedEntry(batchPP(3, 1, reqC))}},
			},
			want: []types.Digest{types.BatchDigest([]types.Request{reqC})},
		},
		{
			name: "too few fast reports do not beat prepared",
			vcs: []*types.ViewChange{
				{Replica: 0, Prepared: []types.PreparedEntry{preparedEntry(batchPP(1, 1, reqA))}},
				{Replica: 1, FastVoted: []*types.PrePrepare{batchPP(2, 1, reqB)}},
			},
			want: []types.Digest{types.BatchDigest([]types.Request{reqA})},
		},
		{
			name: "lone fast vote is re-proposed without other candidates",
			vcs: []*types.ViewChange{
				{Replica: 0, FastVoted: []*types.PrePrepare{batchPP(1, 1, reqB)}},
				{Replica: 1},
			},
			want: []types.Digest{types.BatchDigest([]types.Request{reqB})},
		},
		{
			name: "gaps are filled with the null batch",
			vcs: []*types.ViewChange{
				{Replica: 0, Prepared: []types.PreparedEntry{preparedEntry(batchPP(0, 3, reqA))}},
				{Replica: 1},
			},
			want: []types.Digest{types.NullDigest, types.NullDigest, types.BatchDigest([]types.Request{reqA})},
		},
		{
			name: "nothing reported",
			vcs:  []*types.ViewChange{{Replica: 0}, {Replica: 1}, {Replica: 2}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sel := selectNewView(tc.vcs, 2)
			if len(sel.Proposals) != len(tc.want) {
				t.Fatalf("got %d re-proposals, want %d", len(sel.Proposals), len(tc.want))
			}
			for i, p := range sel.Proposals {
				if p.Seq != types.SeqNum(i+1) {
					t.Errorf("re-proposal %d for seq %d", i, p.Seq)
				}
				if p.Digest != tc.want[i] {
					t.Errorf("seq %d: got %s, want %s", p.Seq, p.Digest.Short(), tc.want[i].Short())
				}
			}
		})
	}
}

func TestSelectNewViewUsesHighestCheckpoint(t *testing.T) {
	stable := types.HashBytes([]byte("cp8"))
	vcs := []*types.ViewChange{
		{Replica: 0, StableSeq: 4, StableDigest: types.HashBytes([]byte("cp4")),
			Prepared: []types.PreparedEntry{preparedEntry(batchPP(0, 6, testRequest(1, 1)))}},
		{Replica: 1, StableSeq: 8, StableDigest: stable,
			Prepared: []types.PreparedEntry{preparedEntry(batchPP(0, 10, testRequest(1, 2)))}},
		{Replica: 2, StableSeq: 8, StableDigest: stable},
	}

	sel := selectNewView(vcs, 2)
	if sel.StableSeq != 8 || sel.StableDigest != stable {
		t.Fatalf("checkpoint (%d, %s), want (8, %s)", sel.StableSeq, sel.StableDigest.Short(), stable.Short())
	}
	if sel.MaxSeq != 10 {
		t.Errorf("max seq %d, want 10", sel.MaxSeq)
	}
	if len(sel.Proposals) != 2 || sel.Proposals[0].Seq != 9 || sel.Proposals[0].Digest != types.NullDigest {
		t.Errorf("unexpected re-proposals %+v", sel.Proposals)
	}
}

func TestSelectNewViewIsOrderIndependent(t *testing.T) {
	a := batchPP(1, 1, testRequest(1, 1))
	b := batchPP(1, 1, testRequest(2, 1))
	vcs := []*types.ViewChange{
		{Replica: 0, Prepared: []types.PreparedEntry{preparedEntry(a)}},
		{Replica: 1, Prepared: []types.PreparedEntry{preparedEntry(b)}},
		{Replica: 2, FastVoted: []*types.PrePrepare{a}},
	}
	reversed := []*types.ViewChange{vcs[2], vcs[1], vcs[0]}

	x, y := selectNewView(vcs, 2), selectNewView(reversed, 2)
	if x.Proposals[0].Digest != y.Proposals[0].Digest {
		t.Fatalf("selection depends on view change order: %s vs %s",
			x.Proposals[0].Digest.Short(), y.Proposals[0].Digest.Short())
	}
	if err := x.matches([]*types.PrePrepare{{Seq: 1, Digest: y.Proposals[0].Digest}}); err != nil {
		t.Errorf("matches: %v", err)
	}
	if err := x.matches(nil); err == nil {
		t.Error("missing re-proposals accepted")
	}
}

func requireView(t *testing.T, tc *testCluster, view types.View, ids ...types.ReplicaID) {
	t.Helper()
	for _, id := range ids {
		rs := tc.node(id).rs
		if rs.view != view || rs.vcState != StateNormal {
			t.Fatalf("replica %d in view %d (%s), want %d", id, rs.view, rs.vcState, view)
		}
	}
}

func TestLeaderCrashTriggersViewChange(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.submitN(0, 1, 1, 2)
	tc.crash(0)

	req := testRequest(1, 3)
	for _, id := range []types.ReplicaID{1, 2, 3} {
		tc.submit(id, req)
	}
	tc.advance(tc.cfg.Timeouts.Request + time.Second)
	if fired := tc.fireAll(TimeoutRequest, 0); fired == 0 {
		t.Fatal("no request timer armed")
	}

	requireView(t, tc, 1, 1, 2, 3)
	tc.requireExecuted(3, 1, 2, 3)
	tc.requireSameState(1, 2, 3)
	for _, id := range []types.ReplicaID{1, 2, 3} {
		m := tc.node(id).rs.metrics.snapshot()
		if m.ViewChangeCount != 1 || m.LastAgreedView != 1 || m.CurrentActiveView != 1 {
			t.Errorf("replica %d metrics %+v", id, m)
		}
	}

	// the new leader orders new requests
	tc.submit(2, testRequest(1, 4))
	tc.requireExecuted(4, 1, 2, 3)
}

func TestSingleSuspicionDoesNotChangeView(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.node(1).rs.startViewChange(1, "test")
	tc.flush(tc.node(1))
	tc.run()

	requireView(t, tc, 0, 0, 2, 3)
	if tc.node(1).rs.vcState != StateViewChangePending {
		t.Fatalf("replica 1 is %s", tc.node(1).rs.vcState)
	}

	// f+1 suspicions pull everyone along
	tc.node(2).rs.startViewChange(1, "test")
	tc.flush(tc.node(2))
	tc.run()
	requireView(t, tc, 1, 0, 1, 2, 3)
}

func TestJoinPicksLowestOfHighestRequests(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.filter = func(_, to types.ReplicaID, _ types.Message) bool { return to == 3 }
	tc.node(1).rs.startViewChange(5, "test")
	tc.flush(tc.node(1))
	tc.node(2).rs.startViewChange(3, "test")
	tc.flush(tc.node(2))
	tc.run()

	rs := tc.node(3).rs
	if rs.vcState == StateNormal || rs.vc.target != 3 {
		t.Fatalf("replica 3 is %s towards %d, want view change to 3", rs.vcState, rs.vc.target)
	}
}

func TestNewViewReproposesPreparedBatch(t *testing.T) {
	cfg := testConfig(1, 0)
	cfg.FastPath.Enabled = false
	tc := newTestCluster(t, cfg, 0)
	tc.filter = func(_, _ types.ReplicaID, msg types.Message) bool {
		v, ok := msg.(*types.Vote)
		return !ok || v.Kind != types.VoteCommit
	}
	tc.submit(0, testRequest(1, 1))
	for _, n := range tc.nodes {
		s := n.rs.window.Get(1)
		if s == nil || s.Prepared == nil || s.IsCommitted() {
			t.Fatalf("replica %d: slot 1 not prepared-only", n.id)
		}
	}

	tc.heal()
	for _, id := range []types.ReplicaID{1, 2} {
		tc.node(id).rs.startViewChange(1, "test")
		tc.flush(tc.node(id))
		tc.run()
	}

	requireView(t, tc, 1, 0, 1, 2, 3)
	nv := tc.node(1).rs.vc.lastNewView
	if nv == nil || len(nv.PrePrepares) != 1 {
		t.Fatalf("new view re-proposes %v", nv)
	}
	if want := types.BatchDigest([]types.Request{testRequest(1, 1)}); nv.PrePrepares[0].Digest != want {
		t.Errorf("re-proposed %s, want %s", nv.PrePrepares[0].Digest.Short(), want.Short())
	}
	tc.requireExecuted(1)
	for _, n := range tc.nodes {
		if n.app.count != 1 {
			t.Errorf("replica %d executed %d requests, want 1", n.id, n.app.count)
		}
	}
}

func TestNewViewWithForgedReproposalRejected(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.filter = func(_, _ types.ReplicaID, msg types.Message) bool {
		_, nv := msg.(*types.NewView)
		return !nv
	}
	for _, id := range []types.ReplicaID{1, 2, 3} {
		tc.node(id).rs.startViewChange(1, "test")
		tc.flush(tc.node(id))
		tc.run()
	}
	built := tc.node(1).rs.vc.built[1]
	if built == nil {
		t.Fatal("leader of view 1 did not build a new view")
	}
	if tc.node(2).rs.vcState != StateNewViewPending {
		t.Fatalf("replica 2 is %s", tc.node(2).rs.vcState)
	}

	forged := &types.NewView{
		View:        1,
		Leader:      1,
		ViewChanges: built.ViewChanges,
		PrePrepares: []*types.PrePrepare{tc.signedPrePrepare(1, 1, testRequest(9, 1))},
	}
	if err := privval.NewMemPV(tc.keys[1]).SignNewView(tc.cfg.ClusterID, forged); err != nil {
		t.Fatalf("sign new view: %v", err)
	}
	tc.heal()
	tc.inject(2, forged)
	tc.run()
	if rs := tc.node(2).rs; rs.view != 0 || rs.vcState == StateNormal {
		t.Fatalf("forged new view installed: view %d %s", rs.view, rs.vcState)
	}

	tc.inject(2, built)
	tc.run()
	requireView(t, tc, 1, 2)
}

func TestViewChangeTimeoutEscalates(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.crash(1)
	for _, id := range []types.ReplicaID{0, 2, 3} {
		tc.node(id).rs.startViewChange(1, "test")
		tc.flush(tc.node(id))
		tc.run()
	}
	for _, id := range []types.ReplicaID{0, 2, 3} {
		if s := tc.node(id).rs.vcState; s != StateNewViewPending {
			t.Fatalf("replica %d is %s, want new view pending", id, s)
		}
	}

	tc.fireAll(TimeoutViewChange, 0)

	requireView(t, tc, 2, 0, 2, 3)
	if rs := tc.node(0).rs; rs.vc.timeout != tc.cfg.Timeouts.ViewChange {
		t.Errorf("view change timeout %v after install, want reset to %v", rs.vc.timeout, tc.cfg.Timeouts.ViewChange)
	}
	tc.submit(2, testRequest(1, 1))
	tc.requireExecuted(1, 0, 2, 3)
}

func TestLaggingReplicaGetsNewView(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.partition(3)
	for _, id := range []types.ReplicaID{0, 1, 2} {
		tc.node(id).rs.startViewChange(1, "test")
		tc.flush(tc.node(id))
		tc.run()
	}
	requireView(t, tc, 1, 0, 1, 2)
	tc.heal()

	// replica 3 asks for the view that is already installed
	tc.node(3).rs.startViewChange(1, "test")
	tc.flush(tc.node(3))
	tc.run()
	requireView(t, tc, 1, 3)
}

func TestIsolatedReplicaCatchesUpWithView(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.partition(3)
	for _, id := range []types.ReplicaID{1, 2} {
		tc.node(id).rs.startViewChange(1, "test")
		tc.flush(tc.node(id))
		tc.run()
	}
	requireView(t, tc, 1, 0, 1, 2)
	requireView(t, tc, 0, 3)
	tc.heal()

	// traffic of view 1 from f+1 replicas pulls replica 3 along
	tc.submit(1, testRequest(1, 1))
	requireView(t, tc, 1, 3)
}

func TestFastCommitReportedAsPrepared(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	tc.submit(0, testRequest(1, 1))

	for _, n := range tc.nodes {
		s := n.rs.window.Get(1)
		if s.Prepared == nil || !s.Prepared.Cert.IsFast() {
			t.Fatalf("replica %d: fast commit left no prepared proof", n.id)
		}
		// a committed fast slot is reported even without a prepared entry
		s.Prepared = nil
		vc := n.rs.buildViewChange(1)
		if len(vc.Prepared) != 1 {
			t.Fatalf("replica %d reports %d prepared slots, want 1", n.id, len(vc.Prepared))
		}
		pe := vc.Prepared[0]
		if !pe.Cert.ProvesPrepared() || pe.Cert.Digest != s.Committed.PrePrepare.Digest {
			t.Errorf("replica %d: prepared proof %s for %s", n.id, pe.Cert.Kind, pe.Cert.Digest.Short())
		}
		if err := n.rs.messages.VerifyPreparedEntry(&pe); err != nil {
			t.Errorf("replica %d: reported proof rejected: %v", n.id, err)
		}
	}
}

func TestConflictingPreparesForceViewChange(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0)
	// the leader shows replicas 2 and 3 a different batch for slot 1
	tc.filter = func(from, to types.ReplicaID, msg types.Message) bool {
		_, ok := msg.(*types.PrePrepare)
		return !ok || from != 0 || to < 2
	}
	tc.submit(0, testRequest(1, 1))
	other := tc.signedPrePrepare(0, 1, testRequest(2, 1))
	tc.inject(2, other)
	tc.inject(3, other.Copy())
	tc.run()
	tc.heal()

	for _, n := range tc.nodes {
		s := n.rs.window.Get(1)
		if s == nil || s.PrePrepare == nil {
			t.Fatalf("replica %d did not accept a proposal", n.id)
		}
		if s.Phase != PhasePrePrepared || s.Prepared != nil || s.IsCommitted() {
			t.Fatalf("replica %d: slot 1 is %s, prepared=%t", n.id, s.Phase, s.Prepared != nil)
		}
		if s.Path != PathSlow {
			t.Errorf("replica %d: split fast votes left the slot on the %s path", n.id, s.Path)
		}
	}

	tc.advance(tc.cfg.Timeouts.Request + time.Second)
	tc.fire(1, TimeoutRequest, 0)
	if rs := tc.node(1).rs; rs.vcState != StateViewChangePending || rs.vc.target != 1 {
		t.Fatalf("replica 1 is %s towards %d", rs.vcState, rs.vc.target)
	}
	requireView(t, tc, 0, 0, 2, 3)

	tc.fire(2, TimeoutRequest, 0)
	requireView(t, tc, 1, 0, 1, 2, 3)
	tc.requireSameState(0, 1, 2, 3)

	tc.submit(1, testRequest(1, 2))
	tc.requireSameState(0, 1, 2, 3)
	if got := tc.node(1).app.count; got == 0 {
		t.Error("nothing executed after the view change")
	}
}
