package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/AvishayYanay/concord-bft/types"
)

// PeerInfo is what a replica knows about another replica
type PeerInfo struct {
	ID types.ReplicaID
	// View is the highest view the peer was seen working in or moving to
	View types.View
	// CheckpointSeq and CheckpointDigest are the peer's highest checkpoint
	// attestation
	CheckpointSeq    types.SeqNum
	CheckpointDigest types.Digest
	LastSeen         time.Time
}

// PeerState tracks one peer
type PeerState struct {
	mu   sync.RWMutex
	info PeerInfo
}

// NewPeerState creates a PeerState for a replica
func NewPeerState(id types.ReplicaID) *PeerState {
	return &PeerState{info: PeerInfo{ID: id}}
}

// Info returns a copy of what is known about the peer
func (ps *PeerState) Info() PeerInfo {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.info
}

func (ps *PeerState) seen(now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if now.After(ps.info.LastSeen) {
		ps.info.LastSeen = now
	}
}

// applyView records a view the peer works in. Views never regress.
func (ps *PeerState) applyView(view types.View) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if view > ps.info.View {
		ps.info.View = view
	}
}

// applyCheckpoint records a checkpoint attestation. Older attestations are
// ignored.
func (ps *PeerState) applyCheckpoint(seq types.SeqNum, digest types.Digest) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if seq <= ps.info.CheckpointSeq {
		return
	}
	ps.info.CheckpointSeq = seq
	ps.info.CheckpointDigest = digest
}

// PeerSet tracks every replica this replica has heard from
type PeerSet struct {
	mu    sync.RWMutex
	peers map[types.ReplicaID]*PeerState
}

// NewPeerSet creates an empty PeerSet
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[types.ReplicaID]*PeerState)}
}

// AddPeer returns the peer's state, creating it when absent
func (ps *PeerSet) AddPeer(id types.ReplicaID) *PeerState {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if existing, ok := ps.peers[id]; ok {
		return existing
	}
	p := NewPeerState(id)
	ps.peers[id] = p
	return p
}

// GetPeer returns a peer's state, or nil
func (ps *PeerSet) GetPeer(id types.ReplicaID) *PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

// Size returns the number of known peers
func (ps *PeerSet) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Seen marks the peer as alive at now
func (ps *PeerSet) Seen(id types.ReplicaID, now time.Time) {
	ps.AddPeer(id).seen(now)
}

// SetView records the view a peer works in
func (ps *PeerSet) SetView(id types.ReplicaID, view types.View) {
	ps.AddPeer(id).applyView(view)
}

// SetCheckpoint records a peer's checkpoint attestation
func (ps *PeerSet) SetCheckpoint(id types.ReplicaID, seq types.SeqNum, digest types.Digest) {
	ps.AddPeer(id).applyCheckpoint(seq, digest)
}

// AllPeers returns every peer ordered by ID
func (ps *PeerSet) AllPeers() []PeerInfo {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeersAtCheckpoint returns, ordered by ID, the peers whose latest
// attestation is at or above seq. They can serve state at seq.
func (ps *PeerSet) PeersAtCheckpoint(seq types.SeqNum) []types.ReplicaID {
	var out []types.ReplicaID
	for _, p := range ps.AllPeers() {
		if p.CheckpointSeq >= seq {
			out = append(out, p.ID)
		}
	}
	return out
}

// LaggingPeers returns the peers whose latest attestation is below seq
func (ps *PeerSet) LaggingPeers(seq types.SeqNum) []types.ReplicaID {
	var out []types.ReplicaID
	for _, p := range ps.AllPeers() {
		if p.CheckpointSeq < seq {
			out = append(out, p.ID)
		}
	}
	return out
}

// SilentPeers returns the peers not heard from since before cutoff
func (ps *PeerSet) SilentPeers(cutoff time.Time) []types.ReplicaID {
	var out []types.ReplicaID
	for _, p := range ps.AllPeers() {
		if p.LastSeen.Before(cutoff) {
			out = append(out, p.ID)
		}
	}
	return out
}
