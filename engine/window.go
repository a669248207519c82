package engine

import (
	"fmt"
	"time"

	"github.com/AvishayYanay/concord-bft/types"
)

// SlotPhase is the progress of one sequence number
type SlotPhase uint8

const (
	PhaseEmpty SlotPhase = iota
	PhasePrePrepared
	PhasePrepared
	PhaseCommitted
	PhaseExecuted
)

func (p SlotPhase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhasePrePrepared:
		return "pre-prepared"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitted:
		return "committed"
	case PhaseExecuted:
		return "executed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// CommitPath is the path a slot may still commit on. A slot starts on the
// fast path and may be demoted to the slow path, never the reverse.
type CommitPath uint8

const (
	PathFast CommitPath = iota
	PathSlow
)

func (p CommitPath) String() string {
	if p == PathFast {
		return "fast"
	}
	return "slow"
}

// Slot is the consensus state of one sequence number. Vote sets belong to
// View; the certificates survive view changes.
type Slot struct {
	Seq   types.SeqNum
	View  types.View
	Phase SlotPhase
	Path  CommitPath

	// PrePrepare is the proposal accepted in View
	PrePrepare *types.PrePrepare
	// Prepared is the highest-view prepared certificate held
	Prepared *types.PreparedEntry
	// FastVoted is the highest-view proposal this replica cast a fast vote for
	FastVoted *types.PrePrepare
	// Committed is the proposal and the certificate that committed it
	Committed *types.CommitProof

	prepares  *VoteSet
	commits   *VoteSet
	fastVotes *VoteSet

	acceptedAt  time.Time
	sentPrepare bool
	sentCommit  bool
	sentFast    bool
	dispatched  bool
}

func newSlot(seq types.SeqNum, view types.View) *Slot {
	s := &Slot{Seq: seq}
	s.resetView(view)
	return s
}

// resetView moves the slot to a new view: fresh vote sets, no accepted
// proposal. Committed and executed slots keep their phase.
func (s *Slot) resetView(view types.View) {
	s.View = view
	s.PrePrepare = nil
	s.prepares = NewVoteSet(types.VotePrepare, view, s.Seq)
	s.commits = NewVoteSet(types.VoteCommit, view, s.Seq)
	s.fastVotes = NewVoteSet(types.VoteFast, view, s.Seq)
	s.sentPrepare, s.sentCommit, s.sentFast = false, false, false
	s.acceptedAt = time.Time{}
	if s.Phase < PhaseCommitted {
		s.Phase = PhaseEmpty
	}
}

func (s *Slot) votes(kind types.VoteKind) *VoteSet {
	switch kind {
	case types.VotePrepare:
		return s.prepares
	case types.VoteCommit:
		return s.commits
	case types.VoteFast:
		return s.fastVotes
	default:
		return nil
	}
}

// IsCommitted returns true once the slot's batch is decided
func (s *Slot) IsCommitted() bool {
	return s.Phase >= PhaseCommitted
}

// committedBatch returns the decided proposal
func (s *Slot) committedBatch() *types.PrePrepare {
	if s.Committed == nil {
		return nil
	}
	return s.Committed.PrePrepare
}

// Window is the working window of slots (base, base+size] above the stable
// checkpoint, kept in a ring indexed by seq mod size.
type Window struct {
	size  uint64
	base  types.SeqNum
	slots []*Slot
}

// NewWindow creates a window above the given stable checkpoint
func NewWindow(size uint64, base types.SeqNum) *Window {
	return &Window{
		size:  size,
		base:  base,
		slots: make([]*Slot, size),
	}
}

// Base returns the stable checkpoint the window starts after
func (w *Window) Base() types.SeqNum { return w.base }

// High returns the high watermark, the last sequence the window admits
func (w *Window) High() types.SeqNum { return w.base + types.SeqNum(w.size) }

// InRange reports whether seq lies in (base, base+size]
func (w *Window) InRange(seq types.SeqNum) bool {
	return seq > w.base && seq <= w.High()
}

// Get returns the slot for seq, or nil
func (w *Window) Get(seq types.SeqNum) *Slot {
	if !w.InRange(seq) {
		return nil
	}
	s := w.slots[uint64(seq)%w.size]
	if s == nil || s.Seq != seq {
		return nil
	}
	return s
}

// GetOrCreate returns the slot for seq, creating it in view when absent.
// It returns nil for sequences outside the window.
func (w *Window) GetOrCreate(seq types.SeqNum, view types.View) *Slot {
	if !w.InRange(seq) {
		return nil
	}
	idx := uint64(seq) % w.size
	if s := w.slots[idx]; s != nil && s.Seq == seq {
		return s
	}
	s := newSlot(seq, view)
	w.slots[idx] = s
	return s
}

// Advance moves the base to a new stable checkpoint and drops every slot
// at or below it
func (w *Window) Advance(base types.SeqNum) {
	if base <= w.base {
		return
	}
	for i, s := range w.slots {
		if s != nil && s.Seq <= base {
			w.slots[i] = nil
		}
	}
	w.base = base
}

// Range calls fn for every slot in ascending sequence order until fn
// returns false
func (w *Window) Range(fn func(s *Slot) bool) {
	for seq := w.base + 1; seq <= w.High(); seq++ {
		if s := w.Get(seq); s != nil {
			if !fn(s) {
				return
			}
		}
	}
}

// Len returns the number of live slots
func (w *Window) Len() int {
	n := 0
	for _, s := range w.slots {
		if s != nil {
			n++
		}
	}
	return n
}
