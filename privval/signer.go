package privval

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/AvishayYanay/concord-bft/types"
)

// Errors
var (
	ErrDoubleSign      = errors.New("double sign attempt")
	ErrViewRegression  = errors.New("view regression")
	ErrBelowCheckpoint = errors.New("sequence at or below stable checkpoint")
	ErrInvalidStep     = errors.New("invalid sign step")
)

// Signer signs protocol messages on behalf of one replica
type Signer interface {
	// PubKey returns the public key
	PubKey() ed25519.PublicKey

	// SignVote signs a prepare, commit, fast or checkpoint vote
	SignVote(clusterID string, vote *types.Vote) error

	// SignPrePrepare signs a proposal
	SignPrePrepare(clusterID string, pp *types.PrePrepare) error

	// SignViewChange signs a view change and raises the view floor to its
	// target view
	SignViewChange(clusterID string, vc *types.ViewChange) error

	// SignNewView signs a new view
	SignNewView(clusterID string, nv *types.NewView) error

	// Prune forgets sign records at or below a stable checkpoint
	Prune(stable types.SeqNum) error

	// TakeJournal returns the sign records made since the last call. The
	// caller makes them durable before it releases any of the signatures.
	TakeJournal() []SignRecord

	// Restore loads sign records that were made durable from the journal
	Restore(records []SignRecord)
}

// IsRefusal reports whether err is the signer refusing a statement, as
// opposed to the signer failing
func IsRefusal(err error) bool {
	return errors.Is(err, ErrDoubleSign) ||
		errors.Is(err, ErrViewRegression) ||
		errors.Is(err, ErrBelowCheckpoint)
}

// Step distinguishes the kinds of signed statements
type Step int8

// Step values for double-sign prevention
const (
	StepPrePrepare Step = iota + 1
	StepPrepare
	StepCommit
	StepFast
	StepCheckpoint
	StepViewChange
	StepNewView
)

// VoteStep returns the step value for a vote kind
func VoteStep(kind types.VoteKind) (Step, error) {
	switch kind {
	case types.VotePrepare:
		return StepPrepare, nil
	case types.VoteCommit:
		return StepCommit, nil
	case types.VoteFast:
		return StepFast, nil
	case types.VoteCheckpoint:
		return StepCheckpoint, nil
	default:
		return 0, fmt.Errorf("%w: vote kind %s", ErrInvalidStep, kind)
	}
}

// SignKey identifies one signing slot. A replica signs at most one digest
// per key.
type SignKey struct {
	Step Step         `json:"step"`
	View types.View   `json:"view"`
	Seq  types.SeqNum `json:"seq"`
}

// SignRecord is what was signed at a key
type SignRecord struct {
	SignKey
	Digest    types.Digest `json:"digest"`
	Signature []byte       `json:"signature"`
}

// LastSignState tracks signed statements inside the working window, plus the
// highest view this replica has asked to move to. Votes and proposals for
// views below that floor are refused.
type LastSignState struct {
	ViewFloor types.View
	Stable    types.SeqNum
	records   map[SignKey]SignRecord
	journal   []SignRecord
}

func newLastSignState() LastSignState {
	return LastSignState{records: make(map[SignKey]SignRecord)}
}

// Check returns the cached signature when the same digest was already signed
// at key, nil when signing is allowed, or an error.
func (lss *LastSignState) Check(key SignKey, digest types.Digest) ([]byte, error) {
	switch key.Step {
	case StepViewChange, StepNewView:
		if key.View < lss.ViewFloor {
			return nil, fmt.Errorf("%w: view %d below %d", ErrViewRegression, key.View, lss.ViewFloor)
		}
	case StepCheckpoint:
		if key.Seq <= lss.Stable {
			return nil, fmt.Errorf("%w: %d", ErrBelowCheckpoint, key.Seq)
		}
	default:
		if key.View < lss.ViewFloor {
			return nil, fmt.Errorf("%w: view %d below %d", ErrViewRegression, key.View, lss.ViewFloor)
		}
		if key.Seq <= lss.Stable {
			return nil, fmt.Errorf("%w: %d", ErrBelowCheckpoint, key.Seq)
		}
	}

	rec, ok := lss.records[key]
	if !ok {
		return nil, nil
	}
	if rec.Digest == digest {
		return rec.Signature, nil
	}
	return nil, fmt.Errorf("%w: step %d view %d seq %d", ErrDoubleSign, key.Step, key.View, key.Seq)
}

func (lss *LastSignState) record(key SignKey, digest types.Digest, sig []byte) {
	rec := SignRecord{SignKey: key, Digest: digest, Signature: sig}
	lss.restore(rec)
	lss.journal = append(lss.journal, rec)
}

func (lss *LastSignState) restore(rec SignRecord) {
	lss.records[rec.SignKey] = rec
	if rec.Step == StepViewChange && rec.View > lss.ViewFloor {
		lss.ViewFloor = rec.View
	}
}

// unrecord undoes the last record after its signature was withheld
func (lss *LastSignState) unrecord(key SignKey) {
	delete(lss.records, key)
	if n := len(lss.journal); n > 0 && lss.journal[n-1].SignKey == key {
		lss.journal = lss.journal[:n-1]
	}
}

func (lss *LastSignState) takeJournal() []SignRecord {
	out := lss.journal
	lss.journal = nil
	return out
}

// prune drops records that can no longer be re-signed
func (lss *LastSignState) prune(stable types.SeqNum) {
	if stable <= lss.Stable {
		return
	}
	lss.Stable = stable
	lss.journal = lo.Filter(lss.journal, func(rec SignRecord, _ int) bool {
		return rec.Step == StepViewChange || rec.Step == StepNewView || rec.Seq > stable
	})
	for key := range lss.records {
		switch key.Step {
		case StepViewChange, StepNewView:
			if key.View+1 < lss.ViewFloor {
				delete(lss.records, key)
			}
		default:
			if key.Seq <= stable {
				delete(lss.records, key)
			}
		}
	}
}

// Records returns the sign records in key order
func (lss *LastSignState) Records() []SignRecord {
	out := make([]SignRecord, 0, len(lss.records))
	for _, rec := range lss.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].SignKey, out[j].SignKey
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.View != b.View {
			return a.View < b.View
		}
		return a.Step < b.Step
	})
	return out
}
