package quorum

import (
	"errors"
	"fmt"

	"github.com/AvishayYanay/concord-bft/types"
)

// Message verification errors
var (
	ErrWrongLeader       = errors.New("message not signed by the leader of its view")
	ErrCertificateKind   = errors.New("unexpected certificate kind")
	ErrCertificateTarget = errors.New("certificate does not match message")
	ErrInvalidViewChange = errors.New("invalid view change")
	ErrInvalidNewView    = errors.New("invalid new view")
	ErrInvalidVote       = errors.New("invalid vote")
)

// MessageVerifier checks complete protocol messages, including every nested
// pre-prepare and certificate.
type MessageVerifier struct {
	verifier   Verifier
	clusterID  string
	replicas   *types.ReplicaSet
	fastQuorum int
}

// NewMessageVerifier creates a MessageVerifier. fastQuorum is the number of
// fast votes that commit a slot.
func NewMessageVerifier(clusterID string, replicas *types.ReplicaSet, verifier Verifier, fastQuorum int) *MessageVerifier {
	return &MessageVerifier{
		verifier:   verifier,
		clusterID:  clusterID,
		replicas:   replicas,
		fastQuorum: fastQuorum,
	}
}

// VerifyMessage authenticates msg. Client requests and state requests carry
// no replica signature and are accepted as is.
func (mv *MessageVerifier) VerifyMessage(msg types.Message) error {
	switch m := msg.(type) {
	case *types.Vote:
		return mv.VerifyVote(m)
	case *types.PrePrepare:
		return mv.VerifyPrePrepare(m)
	case *types.CommitProof:
		return mv.VerifyCommitProof(m)
	case *types.ViewChange:
		return mv.VerifyViewChange(m)
	case *types.NewView:
		return mv.VerifyNewView(m)
	case *types.StateResponse:
		return mv.VerifyStateResponse(m)
	case *types.RequestMsg, *types.StateRequest:
		return nil
	default:
		return fmt.Errorf("%w: %T", types.ErrUnknownMessageType, msg)
	}
}

// VerifyVote checks a prepare, commit, fast or checkpoint vote
func (mv *MessageVerifier) VerifyVote(v *types.Vote) error {
	if v.Seq == 0 {
		return fmt.Errorf("%w: sequence 0", ErrInvalidVote)
	}
	if v.Kind == types.VoteCheckpoint && v.View != 0 {
		return fmt.Errorf("%w: checkpoint vote with view %d", ErrInvalidVote, v.View)
	}
	if v.Type() == types.MsgTypeUnknown {
		return fmt.Errorf("%w: kind %s", ErrInvalidVote, v.Kind)
	}
	if !mv.replicas.IsVoting(v.Replica) {
		return fmt.Errorf("%w: %d", ErrNonVotingSigner, v.Replica)
	}
	return mv.verifier.Verify(v.Replica, types.VoteSignBytes(mv.clusterID, v), v.Signature)
}

// VerifyPrePrepare checks the leader signature and that the digest binds
// the batch
func (mv *MessageVerifier) VerifyPrePrepare(pp *types.PrePrepare) error {
	if pp == nil {
		return fmt.Errorf("%w: missing pre-prepare", types.ErrMalformedMessage)
	}
	if pp.Leader != mv.replicas.LeaderOf(pp.View) {
		return fmt.Errorf("%w: replica %d in view %d", ErrWrongLeader, pp.Leader, pp.View)
	}
	if err := pp.ValidateBasic(); err != nil {
		return err
	}
	return mv.verifier.Verify(pp.Leader, types.PrePrepareSignBytes(mv.clusterID, pp), pp.Signature)
}

// VerifyCommitProof checks that cert commits the attached pre-prepare
func (mv *MessageVerifier) VerifyCommitProof(cp *types.CommitProof) error {
	if err := mv.VerifyPrePrepare(cp.PrePrepare); err != nil {
		return err
	}
	if cp.Cert == nil {
		return types.ErrEmptyCertificate
	}
	var threshold int
	switch cp.Cert.Kind {
	case types.VoteCommit:
		threshold = mv.replicas.SlowQuorum()
	case types.VoteFast:
		threshold = mv.fastQuorum
	default:
		return fmt.Errorf("%w: %s in commit proof", ErrCertificateKind, cp.Cert.Kind)
	}
	if err := matchCert(cp.Cert, cp.PrePrepare); err != nil {
		return err
	}
	return mv.verifier.VerifyAggregate(cp.Cert, threshold)
}

// VerifyPreparedEntry checks a prepared certificate carried in a view change
func (mv *MessageVerifier) VerifyPreparedEntry(pe *types.PreparedEntry) error {
	if err := mv.VerifyPrePrepare(pe.PrePrepare); err != nil {
		return err
	}
	if pe.Cert == nil {
		return types.ErrEmptyCertificate
	}
	if !pe.Cert.ProvesPrepared() {
		return fmt.Errorf("%w: %s as prepared proof", ErrCertificateKind, pe.Cert.Kind)
	}
	threshold := mv.replicas.SlowQuorum()
	if pe.Cert.IsFast() {
		threshold = mv.fastQuorum
	}
	if err := matchCert(pe.Cert, pe.PrePrepare); err != nil {
		return err
	}
	return mv.verifier.VerifyAggregate(pe.Cert, threshold)
}

// VerifyCheckpointCert checks a stable checkpoint certificate
func (mv *MessageVerifier) VerifyCheckpointCert(qc *types.QuorumCertificate, seq types.SeqNum, digest types.Digest) error {
	if qc == nil {
		return types.ErrEmptyCertificate
	}
	if qc.Kind != types.VoteCheckpoint {
		return fmt.Errorf("%w: %s as checkpoint", ErrCertificateKind, qc.Kind)
	}
	if qc.Seq != seq || qc.Digest != digest || qc.View != 0 {
		return fmt.Errorf("%w: checkpoint %d", ErrCertificateTarget, seq)
	}
	return mv.verifier.VerifyAggregate(qc, mv.replicas.SlowQuorum())
}

// VerifyViewChange checks the view change signature and every certificate
// it carries
func (mv *MessageVerifier) VerifyViewChange(vc *types.ViewChange) error {
	if vc.NewView == 0 {
		return fmt.Errorf("%w: target view 0", ErrInvalidViewChange)
	}
	if !mv.replicas.IsVoting(vc.Replica) {
		return fmt.Errorf("%w: %d", ErrNonVotingSigner, vc.Replica)
	}
	if vc.StableSeq > 0 {
		if err := mv.VerifyCheckpointCert(vc.StableCert, vc.StableSeq, vc.StableDigest); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidViewChange, err)
		}
	}
	seen := make(map[types.SeqNum]struct{}, len(vc.Prepared))
	for i := range vc.Prepared {
		pe := &vc.Prepared[i]
		if err := mv.VerifyPreparedEntry(pe); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidViewChange, err)
		}
		if err := mv.checkCarried(vc, pe.PrePrepare); err != nil {
			return err
		}
		if _, dup := seen[pe.PrePrepare.Seq]; dup {
			return fmt.Errorf("%w: two prepared entries for seq %d", ErrInvalidViewChange, pe.PrePrepare.Seq)
		}
		seen[pe.PrePrepare.Seq] = struct{}{}
	}
	clear(seen)
	for _, pp := range vc.FastVoted {
		if err := mv.VerifyPrePrepare(pp); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidViewChange, err)
		}
		if err := mv.checkCarried(vc, pp); err != nil {
			return err
		}
		if _, dup := seen[pp.Seq]; dup {
			return fmt.Errorf("%w: two fast votes for seq %d", ErrInvalidViewChange, pp.Seq)
		}
		seen[pp.Seq] = struct{}{}
	}

	sb, err := types.ViewChangeSignBytes(mv.clusterID, vc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidViewChange, err)
	}
	return mv.verifier.Verify(vc.Replica, sb, vc.Signature)
}

func (mv *MessageVerifier) checkCarried(vc *types.ViewChange, pp *types.PrePrepare) error {
	if pp.Seq <= vc.StableSeq {
		return fmt.Errorf("%w: entry for seq %d at or below checkpoint %d", ErrInvalidViewChange, pp.Seq, vc.StableSeq)
	}
	if pp.View >= vc.NewView {
		return fmt.Errorf("%w: entry from view %d in change to view %d", ErrInvalidViewChange, pp.View, vc.NewView)
	}
	return nil
}

// VerifyNewView checks the new view signature, the quorum of view changes it
// carries and the signatures of its re-proposals. Whether the re-proposals
// follow from the view changes is decided by the consensus core.
func (mv *MessageVerifier) VerifyNewView(nv *types.NewView) error {
	if nv.View == 0 {
		return fmt.Errorf("%w: view 0", ErrInvalidNewView)
	}
	if nv.Leader != mv.replicas.LeaderOf(nv.View) {
		return fmt.Errorf("%w: replica %d in view %d", ErrWrongLeader, nv.Leader, nv.View)
	}

	senders := make(map[types.ReplicaID]struct{}, len(nv.ViewChanges))
	for _, vc := range nv.ViewChanges {
		if vc.NewView != nv.View {
			return fmt.Errorf("%w: carries view change for view %d", ErrInvalidNewView, vc.NewView)
		}
		if _, dup := senders[vc.Replica]; dup {
			return fmt.Errorf("%w: duplicate view change from %d", ErrInvalidNewView, vc.Replica)
		}
		senders[vc.Replica] = struct{}{}
		if err := mv.VerifyViewChange(vc); err != nil {
			return err
		}
	}
	if len(senders) < mv.replicas.ViewChangeQuorum() {
		return fmt.Errorf("%w: %d view changes, need %d", ErrInsufficientQuorum, len(senders), mv.replicas.ViewChangeQuorum())
	}

	for _, pp := range nv.PrePrepares {
		if pp.View != nv.View {
			return fmt.Errorf("%w: re-proposal from view %d", ErrInvalidNewView, pp.View)
		}
		if err := mv.VerifyPrePrepare(pp); err != nil {
			return err
		}
	}

	sb, err := types.NewViewSignBytes(mv.clusterID, nv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNewView, err)
	}
	return mv.verifier.Verify(nv.Leader, sb, nv.Signature)
}

// VerifyStateResponse checks the checkpoint certificate of a snapshot. The
// snapshot contents are checked against the digest once installed.
func (mv *MessageVerifier) VerifyStateResponse(m *types.StateResponse) error {
	return mv.VerifyCheckpointCert(m.Cert, m.Seq, m.Digest)
}

func matchCert(qc *types.QuorumCertificate, pp *types.PrePrepare) error {
	if qc.View != pp.View || qc.Seq != pp.Seq || qc.Digest != pp.Digest {
		return fmt.Errorf("%w: cert (%d, %d, %s) for pre-prepare (%d, %d, %s)",
			ErrCertificateTarget, qc.View, qc.Seq, qc.Digest.Short(), pp.View, pp.Seq, pp.Digest.Short())
	}
	return nil
}
