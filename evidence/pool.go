package evidence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AvishayYanay/concord-bft/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrInvalidVoteView   = errors.New("votes have different views")
	ErrInvalidVoteSeq    = errors.New("votes have different sequence numbers")
	ErrInvalidVoteKind   = errors.New("votes have different kinds")
	ErrInvalidReplica    = errors.New("votes from different replicas")
	ErrSameDigest        = errors.New("messages for the same digest are not equivocation")
)

// Type identifies the kind of misbehavior an Evidence proves
type Type uint8

const (
	TypeUnknown Type = iota
	// TypeDuplicateVote: one replica signed two digests for the same vote slot
	TypeDuplicateVote
	// TypeConflictingPrePrepare: a leader proposed two digests for one (view, seq)
	TypeConflictingPrePrepare
)

func (t Type) String() string {
	switch t {
	case TypeDuplicateVote:
		return "duplicate-vote"
	case TypeConflictingPrePrepare:
		return "conflicting-pre-prepare"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// MaxSeenVotes limits memory used for equivocation detection. Entries at or
// below the stable checkpoint are dropped first, so the limit only bites
// under a flood of distinct slots.
const MaxSeenVotes = 100000

// Config holds evidence pool configuration
type Config struct {
	// MaxAge is the maximum wall-clock age of pending evidence
	MaxAge time.Duration
	// MaxAgeSeqs drops evidence this many sequence numbers below the stable
	// checkpoint
	MaxAgeSeqs uint64
	// MaxBytes bounds PendingEvidence when the caller passes no limit
	MaxBytes int64
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAge:     48 * time.Hour,
		MaxAgeSeqs: 100000,
		MaxBytes:   1048576, // 1MB
	}
}

// Evidence is a serialized proof of misbehavior by Replica at (View, Seq)
type Evidence struct {
	Type    Type
	Replica types.ReplicaID
	View    types.View
	Seq     types.SeqNum
	Time    int64
	Data    []byte
}

// Verifier authenticates the signed messages inside evidence.
// *quorum.SigSetVerifier satisfies it.
type Verifier interface {
	ClusterID() string
	Verify(signer types.ReplicaID, msg, sig []byte) error
	VerifyVote(v *types.Vote) error
}

// Pool collects equivocation evidence
type Pool struct {
	mu     sync.RWMutex
	config Config

	pending  []*Evidence
	reported map[string]struct{}

	// key: replica/kind/view/seq
	seenVotes map[string]*types.Vote
	// key: view/seq
	seenProposals map[string]*types.PrePrepare

	stable      types.SeqNum
	currentTime time.Time
}

// NewPool creates a new evidence pool
func NewPool(config Config) *Pool {
	return &Pool{
		config:        config,
		reported:      make(map[string]struct{}),
		seenVotes:     make(map[string]*types.Vote),
		seenProposals: make(map[string]*types.PrePrepare),
	}
}

// Update records the stable checkpoint and the current time, and prunes
// what they make obsolete
func (p *Pool) Update(stable types.SeqNum, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if stable > p.stable {
		p.stable = stable
	}
	p.currentTime = now
	p.pruneExpired()
}

// CheckVote returns evidence when vote conflicts with an earlier vote of the
// same replica for the same slot. The caller must have verified vote.
func (p *Pool) CheckVote(vote *types.Vote) (*DuplicateVoteEvidence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vote.Seq <= p.stable {
		return nil, nil
	}
	key := voteKey(vote)
	if existing, ok := p.seenVotes[key]; ok {
		if existing.Digest == vote.Digest {
			return nil, nil
		}
		return &DuplicateVoteEvidence{
			VoteA:     existing.Copy(),
			VoteB:     vote.Copy(),
			Timestamp: time.Now().UnixNano(),
		}, nil
	}

	if len(p.seenVotes) >= MaxSeenVotes {
		p.pruneOldestVotes(MaxSeenVotes / 10)
	}
	p.seenVotes[key] = vote.Copy()
	return nil, nil
}

// CheckPrePrepare returns evidence when pp conflicts with an earlier
// proposal for the same (view, seq). The caller must have verified pp.
func (p *Pool) CheckPrePrepare(pp *types.PrePrepare) (*ConflictingPrePrepareEvidence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pp.Seq <= p.stable {
		return nil, nil
	}
	key := proposalKey(pp.View, pp.Seq)
	if existing, ok := p.seenProposals[key]; ok {
		if existing.Digest == pp.Digest {
			return nil, nil
		}
		return &ConflictingPrePrepareEvidence{
			A:         existing.Copy(),
			B:         headerOnly(pp),
			Timestamp: time.Now().UnixNano(),
		}, nil
	}
	p.seenProposals[key] = headerOnly(pp)
	return nil, nil
}

// AddEvidence adds verified evidence to the pool
func (p *Pool) AddEvidence(ev *Evidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := evidenceKey(ev)
	if _, ok := p.reported[key]; ok {
		return ErrDuplicateEvidence
	}
	for _, pending := range p.pending {
		if evidenceKey(pending) == key {
			return ErrDuplicateEvidence
		}
	}
	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}

	p.pending = append(p.pending, ev)
	return nil
}

// AddDuplicateVoteEvidence adds a DuplicateVoteEvidence to the pool
func (p *Pool) AddDuplicateVoteEvidence(dve *DuplicateVoteEvidence) error {
	return p.AddEvidence(&Evidence{
		Type:    TypeDuplicateVote,
		Replica: dve.VoteA.Replica,
		View:    dve.VoteA.View,
		Seq:     dve.VoteA.Seq,
		Time:    dve.Timestamp,
		Data:    dve.Marshal(),
	})
}

// AddConflictingPrePrepareEvidence adds a ConflictingPrePrepareEvidence to
// the pool
func (p *Pool) AddConflictingPrePrepareEvidence(cpe *ConflictingPrePrepareEvidence) error {
	return p.AddEvidence(&Evidence{
		Type:    TypeConflictingPrePrepare,
		Replica: cpe.A.Leader,
		View:    cpe.A.View,
		Seq:     cpe.A.Seq,
		Time:    cpe.Timestamp,
		Data:    cpe.Marshal(),
	})
}

// evidenceOverhead approximates the fixed fields of an Evidence:
// type 1, replica 4, view 8, seq 8, time 8, length prefix 4
const evidenceOverhead = 1 + 4 + 8 + 8 + 8 + 4

func evidenceSize(ev *Evidence) int64 {
	return int64(evidenceOverhead + len(ev.Data))
}

// PendingEvidence returns pending evidence in arrival order, up to maxBytes
func (p *Pool) PendingEvidence(maxBytes int64) []Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if maxBytes <= 0 {
		maxBytes = p.config.MaxBytes
	}

	var result []Evidence
	var totalSize int64
	for _, ev := range p.pending {
		evSize := evidenceSize(ev)
		if totalSize+evSize > maxBytes {
			break
		}
		result = append(result, *ev)
		totalSize += evSize
	}
	return result
}

// MarkReported removes evidence handed to accountability tooling. Reported
// evidence is not accepted again.
func (p *Pool) MarkReported(evidence []Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removeSet := make(map[string]struct{}, len(evidence))
	for i := range evidence {
		key := evidenceKey(&evidence[i])
		p.reported[key] = struct{}{}
		removeSet[key] = struct{}{}
	}

	var remaining []*Evidence
	for _, ev := range p.pending {
		if _, ok := removeSet[evidenceKey(ev)]; !ok {
			remaining = append(remaining, ev)
		}
	}
	p.pending = remaining
}

// Size returns the number of pending evidence items
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// VerifyDuplicateVoteEvidence checks that both votes are validly signed by
// the same replica for the same slot with different digests
func VerifyDuplicateVoteEvidence(dve *DuplicateVoteEvidence, verifier Verifier) error {
	a, b := dve.VoteA, dve.VoteB
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing vote", ErrInvalidEvidence)
	}
	if a.Kind != b.Kind {
		return ErrInvalidVoteKind
	}
	if a.View != b.View {
		return ErrInvalidVoteView
	}
	if a.Seq != b.Seq {
		return ErrInvalidVoteSeq
	}
	if a.Replica != b.Replica {
		return ErrInvalidReplica
	}
	if a.Digest == b.Digest {
		return ErrSameDigest
	}
	if err := verifier.VerifyVote(a); err != nil {
		return fmt.Errorf("invalid signature on vote A: %w", err)
	}
	if err := verifier.VerifyVote(b); err != nil {
		return fmt.Errorf("invalid signature on vote B: %w", err)
	}
	return nil
}

// VerifyConflictingPrePrepareEvidence checks that both proposals are validly
// signed by the leader for the same (view, seq) with different digests
func VerifyConflictingPrePrepareEvidence(cpe *ConflictingPrePrepareEvidence, verifier Verifier) error {
	a, b := cpe.A, cpe.B
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing pre-prepare", ErrInvalidEvidence)
	}
	if a.View != b.View {
		return ErrInvalidVoteView
	}
	if a.Seq != b.Seq {
		return ErrInvalidVoteSeq
	}
	if a.Leader != b.Leader {
		return ErrInvalidReplica
	}
	if a.Digest == b.Digest {
		return ErrSameDigest
	}
	// the batch is not signed, so evidence carries headers only
	for i, pp := range []*types.PrePrepare{a, b} {
		sb := types.PrePrepareSignBytes(verifier.ClusterID(), pp)
		if err := verifier.Verify(pp.Leader, sb, pp.Signature); err != nil {
			return fmt.Errorf("invalid signature on pre-prepare %d: %w", i, err)
		}
	}
	return nil
}

// pruneExpired removes expired evidence and slots at or below the stable
// checkpoint
func (p *Pool) pruneExpired() {
	var valid []*Evidence
	for _, ev := range p.pending {
		if !p.isExpired(ev) {
			valid = append(valid, ev)
		}
	}
	p.pending = valid

	for key, vote := range p.seenVotes {
		if vote.Seq <= p.stable {
			delete(p.seenVotes, key)
		}
	}
	for key, pp := range p.seenProposals {
		if pp.Seq <= p.stable {
			delete(p.seenProposals, key)
		}
	}
}

// pruneOldestVotes removes the n votes with the lowest sequence numbers.
// Caller must hold p.mu.
func (p *Pool) pruneOldestVotes(n int) {
	if n <= 0 || len(p.seenVotes) == 0 {
		return
	}

	keys := make([]string, 0, len(p.seenVotes))
	for key := range p.seenVotes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return p.seenVotes[keys[i]].Seq < p.seenVotes[keys[j]].Seq
	})
	if n > len(keys) {
		n = len(keys)
	}
	for _, key := range keys[:n] {
		delete(p.seenVotes, key)
	}
}

// isExpired checks if evidence is too old
func (p *Pool) isExpired(ev *Evidence) bool {
	if uint64(p.stable) > p.config.MaxAgeSeqs && uint64(ev.Seq) < uint64(p.stable)-p.config.MaxAgeSeqs {
		return true
	}
	if !p.currentTime.IsZero() && p.currentTime.Sub(time.Unix(0, ev.Time)) > p.config.MaxAge {
		return true
	}
	return false
}

// voteKey returns a unique key for a vote slot
func voteKey(vote *types.Vote) string {
	return fmt.Sprintf("%d/%d/%d/%d", vote.Replica, vote.Kind, vote.View, vote.Seq)
}

func proposalKey(view types.View, seq types.SeqNum) string {
	return fmt.Sprintf("%d/%d", view, seq)
}

// evidenceKey returns a unique key for evidence. It includes a hash of the
// data to tell apart evidence for the same slot.
func evidenceKey(ev *Evidence) string {
	h := types.HashBytes(ev.Data)
	return fmt.Sprintf("%d/%d/%d/%d/%x", ev.Type, ev.Replica, ev.View, ev.Seq, h[:8])
}

// headerOnly copies a pre-prepare without its batch
func headerOnly(pp *types.PrePrepare) *types.PrePrepare {
	c := pp.Copy()
	c.Requests = nil
	return c
}
