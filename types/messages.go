package types

import (
	"bytes"
	"fmt"
)

// MsgType identifies a protocol message on the wire
type MsgType uint8

const (
	MsgTypeUnknown MsgType = iota
	MsgTypeRequest
	MsgTypePrePrepare
	MsgTypePrepare
	MsgTypeCommit
	MsgTypeFastVote
	MsgTypeCheckpoint
	MsgTypeCommitProof
	MsgTypeViewChange
	MsgTypeNewView
	MsgTypeStateRequest
	MsgTypeStateResponse
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "Request"
	case MsgTypePrePrepare:
		return "PrePrepare"
	case MsgTypePrepare:
		return "Prepare"
	case MsgTypeCommit:
		return "Commit"
	case MsgTypeFastVote:
		return "FastVote"
	case MsgTypeCheckpoint:
		return "Checkpoint"
	case MsgTypeCommitProof:
		return "CommitProof"
	case MsgTypeViewChange:
		return "ViewChange"
	case MsgTypeNewView:
		return "NewView"
	case MsgTypeStateRequest:
		return "StateRequest"
	case MsgTypeStateResponse:
		return "StateResponse"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Message is implemented by every protocol message
type Message interface {
	Type() MsgType
	// Sender is the replica that claims to have produced the message.
	// It is authenticated by signature verification, not by the transport.
	Sender() ReplicaID
}

// VoteKind distinguishes the signed votes that share the Vote layout
type VoteKind uint8

const (
	VoteUnknown VoteKind = iota
	VotePrepare
	VoteCommit
	VoteFast
	VoteCheckpoint
)

func (k VoteKind) String() string {
	switch k {
	case VotePrepare:
		return "prepare"
	case VoteCommit:
		return "commit"
	case VoteFast:
		return "fast"
	case VoteCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Vote is a replica's signed statement about a digest at (view, seq).
// Prepare, Commit and FastPathVote messages are votes of the matching kind.
// A checkpoint attestation is a vote of kind VoteCheckpoint with view 0 and
// the application state digest.
type Vote struct {
	Kind      VoteKind
	View      View
	Seq       SeqNum
	Digest    Digest
	Replica   ReplicaID
	Signature []byte
}

// Type implements Message
func (v *Vote) Type() MsgType {
	switch v.Kind {
	case VotePrepare:
		return MsgTypePrepare
	case VoteCommit:
		return MsgTypeCommit
	case VoteFast:
		return MsgTypeFastVote
	case VoteCheckpoint:
		return MsgTypeCheckpoint
	default:
		return MsgTypeUnknown
	}
}

// Sender implements Message
func (v *Vote) Sender() ReplicaID { return v.Replica }

// Copy returns a deep copy of the vote
func (v *Vote) Copy() *Vote {
	if v == nil {
		return nil
	}
	c := *v
	c.Signature = cloneBytes(v.Signature)
	return &c
}

// SameVote reports whether both votes carry the same signed content
func (v *Vote) SameVote(o *Vote) bool {
	return v.Kind == o.Kind && v.View == o.View && v.Seq == o.Seq &&
		v.Digest == o.Digest && v.Replica == o.Replica
}

// RequestMsg carries a client request forwarded between replicas
type RequestMsg struct {
	From    ReplicaID
	Request Request
}

// Type implements Message
func (m *RequestMsg) Type() MsgType { return MsgTypeRequest }

// Sender implements Message
func (m *RequestMsg) Sender() ReplicaID { return m.From }

// PrePrepare is the leader's proposal binding a batch to (view, seq)
type PrePrepare struct {
	View      View
	Seq       SeqNum
	Digest    Digest
	Requests  []Request
	Leader    ReplicaID
	Signature []byte
}

// Type implements Message
func (pp *PrePrepare) Type() MsgType { return MsgTypePrePrepare }

// Sender implements Message
func (pp *PrePrepare) Sender() ReplicaID { return pp.Leader }

// IsNull returns true for a null request proposal
func (pp *PrePrepare) IsNull() bool {
	return len(pp.Requests) == 0
}

// ValidateBasic checks that the digest binds the batch
func (pp *PrePrepare) ValidateBasic() error {
	if pp.Seq == 0 {
		return fmt.Errorf("%w: pre-prepare for sequence 0", ErrMalformedMessage)
	}
	if BatchDigest(pp.Requests) != pp.Digest {
		return fmt.Errorf("%w: batch digest mismatch at seq %d", ErrMalformedMessage, pp.Seq)
	}
	return nil
}

// Copy returns a deep copy of the pre-prepare
func (pp *PrePrepare) Copy() *PrePrepare {
	if pp == nil {
		return nil
	}
	c := *pp
	c.Requests = CopyRequests(pp.Requests)
	c.Signature = cloneBytes(pp.Signature)
	return &c
}

// Equal reports whether two pre-prepares carry identical signed content
func (pp *PrePrepare) Equal(o *PrePrepare) bool {
	if pp == nil || o == nil {
		return pp == o
	}
	return pp.View == o.View && pp.Seq == o.Seq && pp.Digest == o.Digest &&
		pp.Leader == o.Leader && bytes.Equal(pp.Signature, o.Signature)
}

// CommitProof announces that a slot committed: the accepted pre-prepare
// together with the commit or fast-path certificate proving it.
type CommitProof struct {
	From       ReplicaID
	PrePrepare *PrePrepare
	Cert       *QuorumCertificate
}

// Type implements Message
func (m *CommitProof) Type() MsgType { return MsgTypeCommitProof }

// Sender implements Message
func (m *CommitProof) Sender() ReplicaID { return m.From }

// PreparedEntry is a prepared certificate carried in a view change: the
// pre-prepare and the quorum proving that it prepared.
type PreparedEntry struct {
	PrePrepare *PrePrepare
	Cert       *QuorumCertificate
}

// ViewChange is a replica's request to move to NewView. It carries the
// replica's last stable checkpoint, every prepared certificate it holds above
// it and the pre-prepares it cast fast votes for.
type ViewChange struct {
	NewView      View
	Replica      ReplicaID
	StableSeq    SeqNum
	StableDigest Digest
	StableCert   *QuorumCertificate
	Prepared     []PreparedEntry
	FastVoted    []*PrePrepare
	Signature    []byte
}

// Type implements Message
func (vc *ViewChange) Type() MsgType { return MsgTypeViewChange }

// Sender implements Message
func (vc *ViewChange) Sender() ReplicaID { return vc.Replica }

// NewView installs a view. PrePrepares holds the re-proposal for every
// sequence above the selected checkpoint, computed from ViewChanges.
type NewView struct {
	View        View
	Leader      ReplicaID
	ViewChanges []*ViewChange
	PrePrepares []*PrePrepare
	Signature   []byte
}

// Type implements Message
func (nv *NewView) Type() MsgType { return MsgTypeNewView }

// Sender implements Message
func (nv *NewView) Sender() ReplicaID { return nv.Leader }

// StateRequest asks a replica for its stable checkpoint at or above Seq
type StateRequest struct {
	From ReplicaID
	Seq  SeqNum
}

// Type implements Message
func (m *StateRequest) Type() MsgType { return MsgTypeStateRequest }

// Sender implements Message
func (m *StateRequest) Sender() ReplicaID { return m.From }

// StateResponse carries a checkpoint snapshot and the certificate that made
// it stable
type StateResponse struct {
	From     ReplicaID
	Seq      SeqNum
	Digest   Digest
	Cert     *QuorumCertificate
	Snapshot []byte
}

// Type implements Message
func (m *StateResponse) Type() MsgType { return MsgTypeStateResponse }

// Sender implements Message
func (m *StateResponse) Sender() ReplicaID { return m.From }
