package evidence

import (
	"fmt"

	"github.com/AvishayYanay/concord-bft/types"
)

// DuplicateVoteEvidence proves that a replica signed two different digests
// for the same (kind, view, seq)
type DuplicateVoteEvidence struct {
	VoteA     *types.Vote
	VoteB     *types.Vote
	Timestamp int64
}

// Marshal serializes the evidence
func (e *DuplicateVoteEvidence) Marshal() []byte {
	var enc types.Encoder
	enc.Nested(1, e.VoteA.Marshal())
	enc.Nested(2, e.VoteB.Marshal())
	enc.Uint(3, uint64(e.Timestamp))
	return enc.Bytes()
}

// Unmarshal deserializes the evidence
func (e *DuplicateVoteEvidence) Unmarshal(data []byte) error {
	return types.WalkFields(data, func(f types.Field) error {
		switch f.Num {
		case 1, 2:
			v := &types.Vote{}
			if err := v.Unmarshal(f.Data); err != nil {
				return err
			}
			if f.Num == 1 {
				e.VoteA = v
			} else {
				e.VoteB = v
			}
		case 3:
			e.Timestamp = int64(f.Value)
		}
		return nil
	})
}

// ConflictingPrePrepareEvidence proves that a leader signed two proposals
// for the same (view, seq). Batches are omitted; the signature covers only
// the header.
type ConflictingPrePrepareEvidence struct {
	A         *types.PrePrepare
	B         *types.PrePrepare
	Timestamp int64
}

// Marshal serializes the evidence
func (e *ConflictingPrePrepareEvidence) Marshal() []byte {
	var enc types.Encoder
	enc.Nested(1, headerOnly(e.A).Marshal())
	enc.Nested(2, headerOnly(e.B).Marshal())
	enc.Uint(3, uint64(e.Timestamp))
	return enc.Bytes()
}

// Unmarshal deserializes the evidence
func (e *ConflictingPrePrepareEvidence) Unmarshal(data []byte) error {
	return types.WalkFields(data, func(f types.Field) error {
		switch f.Num {
		case 1, 2:
			pp := &types.PrePrepare{}
			if err := pp.Unmarshal(f.Data); err != nil {
				return err
			}
			if f.Num == 1 {
				e.A = pp
			} else {
				e.B = pp
			}
		case 3:
			e.Timestamp = int64(f.Value)
		}
		return nil
	})
}

// Decode parses the payload of an Evidence into its typed form
func Decode(ev *Evidence) (any, error) {
	switch ev.Type {
	case TypeDuplicateVote:
		dve := &DuplicateVoteEvidence{}
		if err := dve.Unmarshal(ev.Data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
		}
		return dve, nil
	case TypeConflictingPrePrepare:
		cpe := &ConflictingPrePrepareEvidence{}
		if err := cpe.Unmarshal(ev.Data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
		}
		return cpe, nil
	default:
		return nil, fmt.Errorf("%w: type %s", ErrInvalidEvidence, ev.Type)
	}
}
