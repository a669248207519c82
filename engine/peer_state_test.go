package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/AvishayYanay/concord-bft/types"
)

func TestPeerState(t *testing.T) {
	ps := NewPeerState(2)

	info := ps.Info()
	if info.ID != 2 || info.View != 0 || info.CheckpointSeq != 0 {
		t.Errorf("unexpected initial state: %+v", info)
	}

	ps.applyView(3)
	ps.applyView(1) // views never regress
	if got := ps.Info().View; got != 3 {
		t.Errorf("expected view 3, got %d", got)
	}

	d8 := types.HashBytes([]byte("cp8"))
	ps.applyCheckpoint(8, d8)
	ps.applyCheckpoint(4, types.HashBytes([]byte("cp4")))
	info = ps.Info()
	if info.CheckpointSeq != 8 || info.CheckpointDigest != d8 {
		t.Errorf("expected checkpoint 8, got %d (%s)", info.CheckpointSeq, info.CheckpointDigest.Short())
	}
}

func TestPeerStateLastSeen(t *testing.T) {
	ps := NewPeerState(1)
	now := time.Unix(1000, 0)

	ps.seen(now)
	ps.seen(now.Add(-time.Second))
	if got := ps.Info().LastSeen; !got.Equal(now) {
		t.Errorf("last seen went back to %v", got)
	}
}

func TestPeerSet(t *testing.T) {
	ps := NewPeerSet()

	p1 := ps.AddPeer(1)
	if p1 == nil {
		t.Fatal("expected peer to be created")
	}
	if again := ps.AddPeer(1); again != p1 {
		t.Error("AddPeer should return the existing peer")
	}
	if ps.GetPeer(2) != nil {
		t.Error("unknown peer should be nil")
	}

	ps.SetView(3, 2)
	ps.SetCheckpoint(2, 4, types.HashBytes([]byte("cp")))
	if ps.Size() != 3 {
		t.Errorf("expected 3 peers, got %d", ps.Size())
	}

	all := ps.AllPeers()
	for i, want := range []types.ReplicaID{1, 2, 3} {
		if all[i].ID != want {
			t.Errorf("peer %d: expected %d, got %d", i, want, all[i].ID)
		}
	}
	if all[2].View != 2 {
		t.Errorf("expected peer 3 in view 2, got %d", all[2].View)
	}
}

func TestPeerSetCheckpoints(t *testing.T) {
	ps := NewPeerSet()
	ps.SetCheckpoint(0, 8, types.HashBytes([]byte("8")))
	ps.SetCheckpoint(1, 4, types.HashBytes([]byte("4")))
	ps.SetCheckpoint(2, 12, types.HashBytes([]byte("12")))
	ps.AddPeer(3)

	at := ps.PeersAtCheckpoint(8)
	if len(at) != 2 || at[0] != 0 || at[1] != 2 {
		t.Errorf("expected peers [0 2] at 8, got %v", at)
	}
	lagging := ps.LaggingPeers(8)
	if len(lagging) != 2 || lagging[0] != 1 || lagging[1] != 3 {
		t.Errorf("expected peers [1 3] lagging, got %v", lagging)
	}
}

func TestPeerSetSilentPeers(t *testing.T) {
	ps := NewPeerSet()
	now := time.Unix(1000, 0)

	ps.Seen(0, now)
	ps.Seen(1, now.Add(-time.Minute))
	ps.AddPeer(2)

	silent := ps.SilentPeers(now.Add(-time.Second))
	if len(silent) != 2 || silent[0] != 1 || silent[1] != 2 {
		t.Errorf("expected silent peers [1 2], got %v", silent)
	}
}

func TestPeerSetConcurrentAccess(t *testing.T) {
	ps := NewPeerSet()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id types.ReplicaID) {
			defer wg.Done()
			for v := types.View(0); v < 100; v++ {
				ps.SetView(id%4, v)
				ps.SetCheckpoint(id%4, types.SeqNum(v), types.NullDigest)
				_ = ps.AllPeers()
			}
		}(types.ReplicaID(i))
	}
	wg.Wait()

	for _, p := range ps.AllPeers() {
		if p.View != 99 || p.CheckpointSeq != 99 {
			t.Errorf("peer %d ended at view %d checkpoint %d", p.ID, p.View, p.CheckpointSeq)
		}
	}
}
