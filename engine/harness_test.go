package engine

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/evidence"
	"github.com/AvishayYanay/concord-bft/privval"
	"github.com/AvishayYanay/concord-bft/quorum"
	"github.com/AvishayYanay/concord-bft/storage"
	"github.com/AvishayYanay/concord-bft/types"
)

const maxHarnessSteps = 500000

// fakeTimers records armed timers; tests fire them by hand
type fakeTimers struct {
	armed map[timerKey]TimeoutInfo
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[timerKey]TimeoutInfo)}
}

func (ft *fakeTimers) ScheduleTimeout(ti TimeoutInfo) {
	ft.armed[timerKey{kind: ti.Kind, seq: ti.Seq}] = ti
}

func (ft *fakeTimers) CancelTimeout(kind TimeoutKind, seq types.SeqNum) {
	delete(ft.armed, timerKey{kind: kind, seq: seq})
}

func (ft *fakeTimers) isArmed(kind TimeoutKind, seq types.SeqNum) bool {
	_, ok := ft.armed[timerKey{kind: kind, seq: seq}]
	return ok
}

// counterApp hashes every payload into a running digest. A salt makes a
// replica diverge.
type counterApp struct {
	count  uint64
	digest types.Digest
	salt   []byte
}

func (a *counterApp) Execute(payload []byte, seq types.SeqNum) ([]byte, types.Digest) {
	a.count++
	a.digest = types.HashBytes(a.digest[:], a.salt, payload)
	return append([]byte("ok:"), payload...), a.digest
}

func (a *counterApp) Snapshot() ([]byte, types.Digest) {
	blob := make([]byte, 8+types.DigestSize)
	binary.BigEndian.PutUint64(blob, a.count)
	copy(blob[8:], a.digest[:])
	return blob, types.HashBytes(blob)
}

func (a *counterApp) InstallSnapshot(blob []byte) error {
	if len(blob) != 8+types.DigestSize {
		return errors.New("bad snapshot length")
	}
	a.count = binary.BigEndian.Uint64(blob)
	copy(a.digest[:], blob[8:])
	return nil
}

type testNode struct {
	id      types.ReplicaID
	rs      *ReplicaState
	exec    *Executor
	app     *counterApp
	store   *storage.MemStore
	timers  *fakeTimers
	signer  *privval.FilePV
	replies []types.Reply
	down    bool
}

type harnessEvent struct {
	to  types.ReplicaID
	msg types.Message
	res *execResult
}

// testCluster runs replicas synchronously on one goroutine. Messages travel
// encoded through a FIFO queue; executor jobs run inline.
type testCluster struct {
	t        *testing.T
	cfg      *Config
	replicas *types.ReplicaSet
	keys     []ed25519.PrivateKey
	nodes    []*testNode
	events   []harnessEvent
	clock    time.Time
	rejected int

	// filter drops a message when it returns false
	filter func(from, to types.ReplicaID, msg types.Message) bool
}

func testConfig(f, c int) *Config {
	cfg := DefaultConfig()
	cfg.ClusterID = "test"
	cfg.N = 3*f + 2*c + 1
	cfg.F = f
	cfg.C = c
	cfg.CheckpointInterval = 4
	cfg.WindowSize = 8
	cfg.Batch.MaxSize = 4
	cfg.Batch.Timeout = 0
	cfg.Batch.MaxOutstanding = 4
	cfg.Storage.Backend = storage.BackendMemory
	return cfg
}

func makeTestReplicaSet(t *testing.T, f, c, readOnly int) (*types.ReplicaSet, []ed25519.PrivateKey) {
	t.Helper()
	n := 3*f + 2*c + 1
	keys := make([]ed25519.PrivateKey, n+readOnly)
	pubs := make([]ed25519.PublicKey, n+readOnly)
	for i := range keys {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		keys[i], pubs[i] = priv, pub
	}
	set, err := types.NewReplicaSet(f, c, pubs[:n], pubs[n:])
	if err != nil {
		t.Fatalf("failed to create replica set: %v", err)
	}
	return set, keys
}

func newTestCluster(t *testing.T, cfg *Config, readOnly int) *testCluster {
	t.Helper()
	if err := cfg.ValidateBasic(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	set, keys := makeTestReplicaSet(t, cfg.F, cfg.C, readOnly)
	tc := &testCluster{
		t:        t,
		cfg:      cfg,
		replicas: set,
		keys:     keys,
		clock:    time.Unix(1700000000, 0),
	}
	for i := range keys {
		id := types.ReplicaID(i)
		tc.nodes = append(tc.nodes, tc.newNode(id, storage.NewMemStore(), privval.NewMemPV(keys[i])))
	}
	return tc
}

func (tc *testCluster) newNode(id types.ReplicaID, store *storage.MemStore, signer *privval.FilePV) *testNode {
	m, err := newMetrics(nil, id)
	if err != nil {
		tc.t.Fatalf("failed to create metrics: %v", err)
	}
	verifier := quorum.NewSigSetVerifier(tc.cfg.ClusterID, tc.replicas)
	n := &testNode{
		id:     id,
		app:    &counterApp{},
		store:  store,
		timers: newFakeTimers(),
		signer: signer,
	}
	n.rs = newReplicaState(tc.cfg, id, tc.replicas, replicaDeps{
		signer:    signer,
		verifier:  verifier,
		messages:  quorum.NewMessageVerifier(tc.cfg.ClusterID, tc.replicas, verifier, tc.cfg.FastQuorum()),
		evidence:  evidence.NewPool(evidence.DefaultConfig()),
		timers:    n.timers,
		metrics:   m,
		snapshots: cmap.New(),
		logger:    zerolog.Nop(),
	})
	n.rs.now = func() time.Time { return tc.clock }
	n.exec = NewExecutor(n.app, tc.cfg.CheckpointInterval, func(r types.Reply) {
		n.replies = append(n.replies, r)
	}, zerolog.Nop())
	return n
}

func (tc *testCluster) node(id types.ReplicaID) *testNode {
	return tc.nodes[id]
}

// restart replaces a node with a fresh replica over the same store and
// signer, replays it and delivers what replay produced
func (tc *testCluster) restart(id types.ReplicaID) (*testNode, *ReplayResult) {
	tc.t.Helper()
	old := tc.nodes[id]
	n := tc.newNode(id, old.store, old.signer)
	tc.nodes[id] = n
	res, err := n.rs.replay(n.store, n.exec)
	if err != nil {
		tc.t.Fatalf("replay of replica %d failed: %v", id, err)
	}
	tc.flush(n)
	tc.run()
	return n, res
}

func (tc *testCluster) enqueue(from, to types.ReplicaID, msg types.Message) {
	if tc.filter != nil && !tc.filter(from, to, msg) {
		return
	}
	data, err := types.Encode(msg)
	if err != nil {
		tc.t.Fatalf("encode %s: %v", msg.Type(), err)
	}
	decoded, err := types.Decode(data)
	if err != nil {
		tc.t.Fatalf("decode %s: %v", msg.Type(), err)
	}
	tc.events = append(tc.events, harnessEvent{to: to, msg: decoded})
}

// flush applies a node's effects the way the pipeline does
func (tc *testCluster) flush(n *testNode) {
	fx := n.rs.takeEffects()
	if n.rs.fault != nil || n.down {
		return
	}
	if err := n.store.Write(fx.batch); err != nil {
		tc.t.Fatalf("store write: %v", err)
	}
	for _, m := range fx.sends {
		if !m.broadcast {
			tc.enqueue(n.id, m.to, m.msg)
			continue
		}
		for _, other := range tc.nodes {
			if other.id != n.id {
				tc.enqueue(n.id, other.id, m.msg)
			}
		}
	}
	for _, job := range fx.jobs {
		res := n.exec.process(job)
		if res.kind == jobReply {
			continue
		}
		tc.events = append(tc.events, harnessEvent{to: n.id, res: &res})
	}
}

func (tc *testCluster) deliver(ev harnessEvent) {
	n := tc.nodes[ev.to]
	if n.down {
		return
	}
	if ev.res != nil {
		n.rs.handleExecResult(*ev.res)
	} else {
		if err := n.rs.messages.VerifyMessage(ev.msg); err != nil {
			tc.rejected++
			return
		}
		n.rs.handleMessage(ev.msg)
	}
	tc.flush(n)
}

// run delivers queued events until the cluster is quiet
func (tc *testCluster) run() {
	tc.t.Helper()
	for steps := 0; len(tc.events) > 0; steps++ {
		if steps > maxHarnessSteps {
			tc.t.Fatalf("cluster did not quiesce after %d steps", steps)
		}
		ev := tc.events[0]
		tc.events = tc.events[1:]
		tc.deliver(ev)
	}
}

func (tc *testCluster) submit(to types.ReplicaID, req types.Request) {
	tc.t.Helper()
	n := tc.nodes[to]
	n.rs.handleRequest(req, true)
	tc.flush(n)
	tc.run()
}

// fire triggers an armed timer on one node
func (tc *testCluster) fire(id types.ReplicaID, kind TimeoutKind, seq types.SeqNum) {
	tc.t.Helper()
	n := tc.nodes[id]
	key := timerKey{kind: kind, seq: seq}
	ti, ok := n.timers.armed[key]
	if !ok {
		tc.t.Fatalf("replica %d has no %s timer for seq %d", id, kind, seq)
	}
	delete(n.timers.armed, key)
	n.rs.handleTimeout(ti)
	tc.flush(n)
	tc.run()
}

// fireAll triggers the timer on every live node that has it armed
func (tc *testCluster) fireAll(kind TimeoutKind, seq types.SeqNum) int {
	fired := 0
	for _, n := range tc.nodes {
		if n.down || !n.timers.isArmed(kind, seq) {
			continue
		}
		tc.fire(n.id, kind, seq)
		fired++
	}
	return fired
}

func (tc *testCluster) advance(d time.Duration) {
	tc.clock = tc.clock.Add(d)
}

func (tc *testCluster) crash(id types.ReplicaID) {
	tc.nodes[id].down = true
}

// partition isolates ids from everyone else
func (tc *testCluster) partition(ids ...types.ReplicaID) {
	cut := make(map[types.ReplicaID]bool, len(ids))
	for _, id := range ids {
		cut[id] = true
	}
	tc.filter = func(from, to types.ReplicaID, _ types.Message) bool {
		return cut[from] == cut[to]
	}
}

func (tc *testCluster) heal() {
	tc.filter = nil
}

func testRequest(client, id uint64) types.Request {
	return types.Request{
		ClientID:  client,
		RequestID: id,
		Payload:   []byte(fmt.Sprintf("c%d-r%d", client, id)),
	}
}

// submitN submits n requests of one client to a replica, one per batch
func (tc *testCluster) submitN(to types.ReplicaID, client uint64, from, n int) {
	tc.t.Helper()
	for i := from; i < from+n; i++ {
		tc.submit(to, testRequest(client, uint64(i)))
	}
}

func (tc *testCluster) requireExecuted(seq types.SeqNum, ids ...types.ReplicaID) {
	tc.t.Helper()
	if len(ids) == 0 {
		for _, n := range tc.nodes {
			if !n.down {
				ids = append(ids, n.id)
			}
		}
	}
	for _, id := range ids {
		if got := tc.nodes[id].rs.lastExecuted; got < seq {
			tc.t.Fatalf("replica %d executed up to %d, want at least %d", id, got, seq)
		}
	}
}

// requireSameState checks that the listed replicas agree on the application
// state
func (tc *testCluster) requireSameState(ids ...types.ReplicaID) {
	tc.t.Helper()
	if len(ids) < 2 {
		return
	}
	want := tc.nodes[ids[0]].app
	for _, id := range ids[1:] {
		got := tc.nodes[id].app
		if got.count != want.count || got.digest != want.digest {
			tc.t.Fatalf("replica %d state (%d, %s) differs from replica %d (%d, %s)",
				id, got.count, got.digest.Short(), ids[0], want.count, want.digest.Short())
		}
	}
}

// signedVote signs a vote with a throwaway signer holding replica id's key,
// so tests can forge equivocations
func (tc *testCluster) signedVote(id types.ReplicaID, kind types.VoteKind, view types.View, seq types.SeqNum, d types.Digest) *types.Vote {
	tc.t.Helper()
	v := &types.Vote{Kind: kind, View: view, Seq: seq, Digest: d, Replica: id}
	if err := privval.NewMemPV(tc.keys[id]).SignVote(tc.cfg.ClusterID, v); err != nil {
		tc.t.Fatalf("sign vote: %v", err)
	}
	return v
}

// signedPrePrepare signs a proposal with a throwaway signer of the view's
// leader
func (tc *testCluster) signedPrePrepare(view types.View, seq types.SeqNum, reqs ...types.Request) *types.PrePrepare {
	tc.t.Helper()
	leader := tc.replicas.LeaderOf(view)
	pp := &types.PrePrepare{View: view, Seq: seq, Digest: types.BatchDigest(reqs), Requests: reqs, Leader: leader}
	if err := privval.NewMemPV(tc.keys[leader]).SignPrePrepare(tc.cfg.ClusterID, pp); err != nil {
		tc.t.Fatalf("sign pre-prepare: %v", err)
	}
	return pp
}

// inject queues a message for one replica as if the network delivered it
func (tc *testCluster) inject(to types.ReplicaID, msg types.Message) {
	tc.events = append(tc.events, harnessEvent{to: to, msg: msg})
}
