package engine

import (
	"errors"
	"fmt"

	"github.com/AvishayYanay/concord-bft/types"
)

// Consensus errors
var (
	ErrInvalidConfig      = errors.New("invalid config")
	ErrInvalidVote        = errors.New("invalid vote")
	ErrConflictingVote    = errors.New("conflicting vote (equivocation)")
	ErrInvalidNewView     = errors.New("new view does not follow from its view changes")
	ErrAlreadyStarted     = errors.New("consensus already started")
	ErrNotStarted         = errors.New("consensus not started")
	ErrStopped            = errors.New("consensus stopped")
	ErrHalted             = errors.New("replica halted")
	ErrReadOnly           = errors.New("read-only replica")
	ErrRequestQueueFull   = errors.New("request queue full")
	ErrUnknownMessageType = errors.New("unknown consensus message type")
	ErrReplicaMismatch    = errors.New("replica set does not match config")
	ErrPersist            = errors.New("persisting consensus state failed")
	ErrReplay             = errors.New("replaying consensus state failed")
	ErrSnapshotDigest     = errors.New("snapshot digest mismatch")
	ErrCorruptSnapshot    = errors.New("corrupt snapshot")
)

// ConsistencyFault reports that correct replicas disagree on the application
// state at a checkpoint. It is not recoverable: the replica halts.
type ConsistencyFault struct {
	Seq     types.SeqNum
	Local   types.Digest
	Quorum  types.Digest
	Signers []types.ReplicaID
}

func (f *ConsistencyFault) Error() string {
	return fmt.Sprintf("consistency fault at checkpoint %d: local state %s, attested %s by %v",
		f.Seq, f.Local.Short(), f.Quorum.Short(), f.Signers)
}
