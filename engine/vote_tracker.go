package engine

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/AvishayYanay/concord-bft/types"
)

// VoteSet tracks votes of one kind for a single (view, seq). Checkpoint
// attestations use view 0.
type VoteSet struct {
	mu   sync.RWMutex
	kind types.VoteKind
	view types.View
	seq  types.SeqNum

	votes         map[types.ReplicaID]*types.Vote
	votesByDigest map[types.Digest]*digestVotes
}

type digestVotes struct {
	digest types.Digest
	votes  []*types.Vote
}

// NewVoteSet creates a new VoteSet for tracking votes
func NewVoteSet(kind types.VoteKind, view types.View, seq types.SeqNum) *VoteSet {
	return &VoteSet{
		kind:          kind,
		view:          view,
		seq:           seq,
		votes:         make(map[types.ReplicaID]*types.Vote),
		votesByDigest: make(map[types.Digest]*digestVotes),
	}
}

// AddVote adds a verified vote. It returns false for a duplicate and
// ErrConflictingVote when the replica already voted for another digest.
func (vs *VoteSet) AddVote(vote *types.Vote) (bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vote.Kind != vs.kind || vote.View != vs.view || vote.Seq != vs.seq {
		return false, ErrInvalidVote
	}

	if existing, ok := vs.votes[vote.Replica]; ok {
		if existing.Digest == vote.Digest {
			return false, nil
		}
		return false, ErrConflictingVote
	}

	voteCopy := vote.Copy()
	vs.votes[voteCopy.Replica] = voteCopy

	dv, ok := vs.votesByDigest[voteCopy.Digest]
	if !ok {
		dv = &digestVotes{digest: voteCopy.Digest}
		vs.votesByDigest[voteCopy.Digest] = dv
	}
	dv.votes = append(dv.votes, voteCopy)
	return true, nil
}

// Count returns the number of votes for digest
func (vs *VoteSet) Count(digest types.Digest) int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if dv, ok := vs.votesByDigest[digest]; ok {
		return len(dv.votes)
	}
	return 0
}

// Size returns the number of replicas that voted
func (vs *VoteSet) Size() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.votes)
}

// HasVoted returns true if the replica has voted
func (vs *VoteSet) HasVoted(id types.ReplicaID) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	_, ok := vs.votes[id]
	return ok
}

// Quorum returns the digest with at least threshold votes. When several
// qualify the lowest digest wins, so the answer is deterministic.
func (vs *VoteSet) Quorum(threshold int) (types.Digest, bool) {
	ds := vs.DigestsWith(threshold)
	if len(ds) == 0 {
		return types.Digest{}, false
	}
	return ds[0], true
}

// DigestsWith returns, in digest order, every digest with at least
// threshold votes
func (vs *VoteSet) DigestsWith(threshold int) []types.Digest {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	out := lo.FilterMap(lo.Values(vs.votesByDigest), func(dv *digestVotes, _ int) (types.Digest, bool) {
		return dv.digest, len(dv.votes) >= threshold
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Votes returns copies of the votes for digest ordered by replica
func (vs *VoteSet) Votes(digest types.Digest) []*types.Vote {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	dv, ok := vs.votesByDigest[digest]
	if !ok {
		return nil
	}
	out := lo.Map(dv.votes, func(v *types.Vote, _ int) *types.Vote { return v.Copy() })
	sort.Slice(out, func(i, j int) bool { return out[i].Replica < out[j].Replica })
	return out
}

// Voters returns the replicas that voted for digest in ascending order
func (vs *VoteSet) Voters(digest types.Digest) []types.ReplicaID {
	return lo.Map(vs.Votes(digest), func(v *types.Vote, _ int) types.ReplicaID { return v.Replica })
}

// GetVote returns a copy of the replica's vote, or nil
func (vs *VoteSet) GetVote(id types.ReplicaID) *types.Vote {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.votes[id].Copy()
}
