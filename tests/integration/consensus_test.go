package integration

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/engine"
	"github.com/AvishayYanay/concord-bft/privval"
	"github.com/AvishayYanay/concord-bft/storage"
	"github.com/AvishayYanay/concord-bft/transport"
	"github.com/AvishayYanay/concord-bft/types"
)

const waitTimeout = 15 * time.Second

// testApp hashes every payload into a running digest
type testApp struct {
	mu     sync.Mutex
	count  uint64
	digest types.Digest
}

func (a *testApp) Execute(payload []byte, seq types.SeqNum) ([]byte, types.Digest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	a.digest = types.HashBytes(a.digest[:], payload)
	return payload, a.digest
}

func (a *testApp) Snapshot() ([]byte, types.Digest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blob := make([]byte, 8+types.DigestSize)
	binary.BigEndian.PutUint64(blob, a.count)
	copy(blob[8:], a.digest[:])
	return blob, types.HashBytes(blob)
}

func (a *testApp) InstallSnapshot(blob []byte) error {
	if len(blob) != 8+types.DigestSize {
		return errors.New("bad snapshot")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count = binary.BigEndian.Uint64(blob)
	copy(a.digest[:], blob[8:])
	return nil
}

func (a *testApp) state() (uint64, types.Digest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, a.digest
}

// TestNode is one replica of a test cluster
type TestNode struct {
	ID      types.ReplicaID
	Engine  *engine.Engine
	App     *testApp
	Store   storage.Store
	PrivVal *privval.FilePV
	Replies atomic.Int64

	keyPath  string
	storeCfg storage.Config
}

// TestCluster wires replicas through an in-process network
type TestCluster struct {
	t        *testing.T
	Config   *engine.Config
	Net      *transport.Network
	Replicas *types.ReplicaSet
	Nodes    []*TestNode
}

func testConfig(f, c int) *engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ClusterID = "integration"
	cfg.N = 3*f + 2*c + 1
	cfg.F = f
	cfg.C = c
	cfg.CheckpointInterval = 4
	cfg.WindowSize = 8
	cfg.Batch.MaxSize = 4
	cfg.Batch.Timeout = 0
	cfg.Timeouts = engine.TimeoutConfig{
		Request:          400 * time.Millisecond,
		FastPath:         100 * time.Millisecond,
		ViewChange:       800 * time.Millisecond,
		ViewChangeResend: 200 * time.Millisecond,
		StateTransfer:    300 * time.Millisecond,
	}
	cfg.LogLevel = "error"
	cfg.VerifyWorkers = 2
	return cfg
}

func newTestCluster(t *testing.T, cfg *engine.Config, readOnly int, backend string) *TestCluster {
	t.Helper()
	dir := t.TempDir()
	total := cfg.N + readOnly

	nodes := make([]*TestNode, total)
	pubs := make([]ed25519.PublicKey, total)
	for i := range nodes {
		name := fmt.Sprintf("replica%d", i)
		keyPath := filepath.Join(dir, name+"_key.json")
		// sign state lives in the replica's store
		pv, err := privval.GenerateFilePV(keyPath, "")
		if err != nil {
			t.Fatalf("failed to create private validator: %v", err)
		}
		nodes[i] = &TestNode{
			ID:       types.ReplicaID(i),
			PrivVal:  pv,
			keyPath:  keyPath,
			storeCfg: storage.Config{Backend: backend, Path: filepath.Join(dir, name+"_log")},
		}
		pubs[i] = pv.PubKey()
	}

	set, err := types.NewReplicaSet(cfg.F, cfg.C, pubs[:cfg.N], pubs[cfg.N:])
	if err != nil {
		t.Fatalf("failed to create replica set: %v", err)
	}

	tc := &TestCluster{
		t:        t,
		Config:   cfg,
		Net:      transport.NewNetwork(),
		Replicas: set,
		Nodes:    nodes,
	}
	for _, n := range nodes {
		tc.start(n)
	}
	t.Cleanup(tc.close)
	return tc
}

// start opens the node's store and runs a fresh engine over it
func (tc *TestCluster) start(n *TestNode) {
	tc.t.Helper()
	store, err := storage.Open(n.storeCfg, zerolog.Nop())
	if errors.Is(err, storage.ErrSQLiteUnavailable) {
		tc.t.Skip("sqlite backend not built")
	}
	if err != nil {
		tc.t.Fatalf("failed to open store: %v", err)
	}
	ep, err := tc.Net.Register(n.ID)
	if err != nil {
		tc.t.Fatalf("failed to register replica %d: %v", n.ID, err)
	}

	n.App = &testApp{}
	n.Store = store
	eng, err := engine.NewEngine(tc.Config, n.ID, tc.Replicas, n.PrivVal, n.App, ep, store,
		engine.WithLogger(zerolog.Nop()),
		engine.WithReplyHandler(func(types.Reply) { n.Replies.Add(1) }),
	)
	if err != nil {
		tc.t.Fatalf("failed to create engine: %v", err)
	}
	ep.SetReceiver(eng.HandleMessage)
	if err := eng.Start(); err != nil {
		tc.t.Fatalf("failed to start engine: %v", err)
	}
	n.Engine = eng
}

// stop crashes a node: its engine stops and its store closes
func (tc *TestCluster) stop(n *TestNode) {
	tc.t.Helper()
	tc.Net.Unregister(n.ID)
	if n.Engine == nil {
		return
	}
	if err := n.Engine.Stop(); err != nil {
		tc.t.Errorf("failed to stop replica %d: %v", n.ID, err)
	}
	if err := n.Store.Close(); err != nil {
		tc.t.Errorf("failed to close store of replica %d: %v", n.ID, err)
	}
	n.Engine = nil
}

// restart brings a stopped node back with its key reloaded from disk
func (tc *TestCluster) restart(n *TestNode) {
	tc.t.Helper()
	pv, err := privval.NewFilePV(n.keyPath, "")
	if err != nil {
		tc.t.Fatalf("failed to reload private validator: %v", err)
	}
	n.PrivVal = pv
	tc.start(n)
}

func (tc *TestCluster) close() {
	for _, n := range tc.Nodes {
		tc.stop(n)
	}
	tc.Net.Close()
}

func request(client, id uint64) types.Request {
	return types.Request{ClientID: client, RequestID: id, Payload: []byte(fmt.Sprintf("c%d-r%d", client, id))}
}

// submit hands a request to the given replicas
func (tc *TestCluster) submit(req types.Request, ids ...types.ReplicaID) {
	tc.t.Helper()
	for _, id := range ids {
		if err := tc.Nodes[id].Engine.Submit(req); err != nil {
			tc.t.Fatalf("submit to replica %d: %v", id, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitExecuted waits until each listed replica's application ran count
// requests
func (tc *TestCluster) waitExecuted(count uint64, ids ...types.ReplicaID) {
	tc.t.Helper()
	for _, id := range ids {
		n := tc.Nodes[id]
		waitFor(tc.t, fmt.Sprintf("replica %d to execute %d requests", id, count), func() bool {
			c, _ := n.App.state()
			return c >= count
		})
	}
}

func (tc *TestCluster) requireSameState(ids ...types.ReplicaID) {
	tc.t.Helper()
	c0, d0 := tc.Nodes[ids[0]].App.state()
	for _, id := range ids[1:] {
		c, d := tc.Nodes[id].App.state()
		if c != c0 || d != d0 {
			tc.t.Fatalf("replica %d state (%d, %s) differs from replica %d (%d, %s)",
				id, c, d.Short(), ids[0], c0, d0.Short())
		}
	}
}

// submitSequential orders requests one at a time so every request gets its
// own sequence number
func (tc *TestCluster) submitSequential(to types.ReplicaID, client uint64, from, n int, watch ...types.ReplicaID) {
	tc.t.Helper()
	for i := from; i < from+n; i++ {
		tc.submit(request(client, uint64(i)), to)
		tc.waitExecuted(uint64(i), watch...)
	}
}

func (tc *TestCluster) status(id types.ReplicaID) engine.Status {
	tc.t.Helper()
	st, err := tc.Nodes[id].Engine.Status()
	if err != nil {
		tc.t.Fatalf("status of replica %d: %v", id, err)
	}
	return st
}

var all4 = []types.ReplicaID{0, 1, 2, 3}

func TestEngineLifecycle(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0, storage.BackendMemory)
	n := tc.Nodes[0]

	if err := n.Engine.Start(); !errors.Is(err, engine.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	st := tc.status(0)
	if st.View != 0 || st.Leader != 0 || st.ReadOnly || st.State != engine.StateNormal {
		t.Errorf("unexpected status %+v", st)
	}
	if n.Engine.ClusterID() != "integration" || n.Engine.ID() != 0 {
		t.Errorf("unexpected identity %q/%d", n.Engine.ClusterID(), n.Engine.ID())
	}

	eng := n.Engine
	tc.stop(n)
	if err := eng.Stop(); !errors.Is(err, engine.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted on second stop, got %v", err)
	}
	if err := eng.Submit(request(1, 1)); !errors.Is(err, engine.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted on submit, got %v", err)
	}
}

func TestEngineRejectsForeignSigner(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0, storage.BackendMemory)
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := transport.NewNetwork().Register(1)
	if err != nil {
		t.Fatal(err)
	}
	_, err = engine.NewEngine(tc.Config, 1, tc.Replicas, privval.NewMemPV(priv), &testApp{},
		ep, storage.NewMemStore())
	if !errors.Is(err, engine.ErrReplicaMismatch) {
		t.Errorf("expected ErrReplicaMismatch, got %v", err)
	}
}

func TestFastPathCommit(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0, storage.BackendMemory)

	for i := uint64(1); i <= 5; i++ {
		tc.submit(request(1, i), 0)
	}
	tc.waitExecuted(5, all4...)
	tc.requireSameState(all4...)

	var fast uint64
	for _, n := range tc.Nodes {
		fast += n.Engine.GetMetrics().FastPathCount
	}
	if fast == 0 {
		t.Error("nothing committed on the fast path")
	}
	waitFor(t, "replies", func() bool { return tc.Nodes[0].Replies.Load() >= 5 })
}

func TestSlowPathWithSilentReplica(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0, storage.BackendMemory)
	tc.Net.Isolate(3)

	tc.submitSequential(0, 1, 1, 3, 0, 1, 2)
	tc.requireSameState(0, 1, 2)

	if got := tc.Nodes[1].Engine.GetMetrics().SlowPathCount; got == 0 {
		t.Error("nothing committed on the slow path")
	}
}

func TestLeaderFailover(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0, storage.BackendMemory)
	tc.submitSequential(0, 1, 1, 2, all4...)

	tc.Net.Isolate(0)
	tc.submit(request(1, 3), 1, 2, 3)

	waitFor(t, "a new view", func() bool {
		for _, id := range []types.ReplicaID{1, 2, 3} {
			st := tc.status(id)
			if st.View == 0 || st.State != engine.StateNormal {
				return false
			}
		}
		return true
	})
	tc.waitExecuted(3, 1, 2, 3)
	tc.requireSameState(1, 2, 3)

	m := tc.Nodes[1].Engine.GetMetrics()
	if m.ViewChangeCount == 0 || m.LastAgreedView == 0 {
		t.Errorf("view change not reflected in metrics: %+v", m)
	}

	// the old leader catches up once it can hear the others again
	tc.Net.Heal()
	tc.submit(request(1, 4), 1, 2, 3)
	tc.waitExecuted(4, all4...)
	tc.requireSameState(all4...)
}

func TestReadOnlyReplica(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 1, storage.BackendMemory)
	ro := types.ReplicaID(4)

	if !tc.Nodes[ro].Engine.IsReadOnly() {
		t.Fatal("replica 4 should be read-only")
	}
	if err := tc.Nodes[ro].Engine.Submit(request(1, 1)); !errors.Is(err, engine.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}

	tc.submitSequential(0, 1, 1, 8, all4...)
	waitFor(t, "read-only replica to reach the checkpoint", func() bool {
		return tc.status(ro).StableSeq >= 8
	})
	tc.waitExecuted(8, ro)
	tc.requireSameState(0, ro)
}

func TestLaggingReplicaStateTransfer(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0, storage.BackendMemory)
	tc.Net.Isolate(3)
	tc.submitSequential(0, 1, 1, 12, 0, 1, 2)

	tc.Net.Heal()
	tc.submitSequential(0, 1, 13, 4, 0, 1, 2)

	waitFor(t, "replica 3 to transfer state", func() bool {
		return tc.status(3).LastExecuted >= 16
	})
	tc.waitExecuted(16, 3)
	tc.requireSameState(0, 3)
	if got := tc.Nodes[3].Engine.GetMetrics().ReceivedStateTransferMsgs; got == 0 {
		t.Error("no state transfer message counted")
	}
}

func TestEquivocationRecorded(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0, storage.BackendMemory)
	key := tc.Nodes[3].PrivVal.PrivKey()

	// two throwaway signers holding replica 3's key sign conflicting votes
	for _, payload := range []string{"a", "b"} {
		v := &types.Vote{
			Kind:    types.VotePrepare,
			View:    0,
			Seq:     1,
			Digest:  types.HashBytes([]byte(payload)),
			Replica: 3,
		}
		if err := privval.NewMemPV(key).SignVote(tc.Config.ClusterID, v); err != nil {
			t.Fatalf("sign vote: %v", err)
		}
		tc.Nodes[0].Engine.HandleMessage(v)
	}

	waitFor(t, "evidence", func() bool { return tc.Nodes[0].Engine.Evidence().Size() > 0 })
	if got := tc.Nodes[0].Engine.GetMetrics().Equivocations; got == 0 {
		t.Error("equivocation not counted")
	}
}

func TestCrashRestart(t *testing.T) {
	for _, backend := range []string{storage.BackendFile, storage.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			tc := newTestCluster(t, testConfig(1, 0), 0, backend)
			tc.submitSequential(0, 1, 1, 6, all4...)
			waitFor(t, "replica 2 to stabilize checkpoint 4", func() bool {
				return tc.status(2).StableSeq >= 4
			})

			n := tc.Nodes[2]
			tc.stop(n)
			tc.restart(n)

			rec := n.Engine.Recovered()
			if rec == nil || rec.StableSeq != 4 || rec.LastExecuted != 6 {
				t.Fatalf("unexpected recovery %+v", rec)
			}
			tc.requireSameState(0, 2)

			tc.submitSequential(0, 1, 7, 2, all4...)
			tc.requireSameState(all4...)
		})
	}
}

func TestFaultHandlerOnDivergence(t *testing.T) {
	tc := newTestCluster(t, testConfig(1, 0), 0, storage.BackendMemory)
	faults := make(chan error, 1)

	// replica 3 comes back with a corrupted application
	n := tc.Nodes[3]
	tc.stop(n)
	ep, err := tc.Net.Register(n.ID)
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.Open(n.storeCfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	n.Store = store
	n.App = &testApp{digest: types.HashBytes([]byte("corrupt"))}
	eng, err := engine.NewEngine(tc.Config, n.ID, tc.Replicas, n.PrivVal, n.App, ep, store,
		engine.WithLogger(zerolog.Nop()),
		engine.WithFaultHandler(func(err error) { faults <- err }),
	)
	if err != nil {
		t.Fatal(err)
	}
	ep.SetReceiver(eng.HandleMessage)
	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	n.Engine = eng

	tc.submitSequential(0, 1, 1, 4, 0, 1, 2)

	select {
	case err := <-faults:
		var cf *engine.ConsistencyFault
		if !errors.As(err, &cf) || cf.Seq != 4 {
			t.Errorf("expected a consistency fault at 4, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("divergent replica did not halt")
	}
	if !errors.Is(eng.Submit(request(2, 1)), engine.ErrHalted) {
		t.Error("halted replica accepted a request")
	}
}
