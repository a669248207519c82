package quorum

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/AvishayYanay/concord-bft/types"
)

// Errors
var (
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrMissingSignature   = errors.New("missing signature")
	ErrUnknownSigner      = errors.New("unknown signer")
	ErrInsufficientQuorum = errors.New("insufficient quorum")
	ErrNonVotingSigner    = errors.New("signer is not a voting replica")
)

// Verifier authenticates signatures and certificates
type Verifier interface {
	// Verify checks one replica's signature over msg
	Verify(signer types.ReplicaID, msg, sig []byte) error

	// Aggregate combines matching, individually verified votes into a
	// certificate
	Aggregate(votes []*types.Vote) (*types.QuorumCertificate, error)

	// VerifyAggregate checks every signature in a certificate and that at
	// least threshold distinct voting replicas signed it
	VerifyAggregate(qc *types.QuorumCertificate, threshold int) error
}

// SigSetVerifier is a Verifier over ed25519 signature sets: a certificate
// carries each signer's individual signature.
type SigSetVerifier struct {
	clusterID string
	replicas  *types.ReplicaSet
}

// NewSigSetVerifier creates a verifier for the given cluster
func NewSigSetVerifier(clusterID string, replicas *types.ReplicaSet) *SigSetVerifier {
	return &SigSetVerifier{
		clusterID: clusterID,
		replicas:  replicas,
	}
}

// ClusterID returns the cluster identifier mixed into sign bytes
func (v *SigSetVerifier) ClusterID() string {
	return v.clusterID
}

// Verify implements Verifier
func (v *SigSetVerifier) Verify(signer types.ReplicaID, msg, sig []byte) error {
	if len(sig) == 0 {
		return ErrMissingSignature
	}
	pub, ok := v.replicas.PubKey(signer)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSigner, signer)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("%w: from replica %d", ErrInvalidSignature, signer)
	}
	return nil
}

// Aggregate implements Verifier
func (v *SigSetVerifier) Aggregate(votes []*types.Vote) (*types.QuorumCertificate, error) {
	for _, vote := range votes {
		if !v.replicas.IsVoting(vote.Replica) {
			return nil, fmt.Errorf("%w: %d", ErrNonVotingSigner, vote.Replica)
		}
	}
	return types.NewQuorumCertificate(votes)
}

// VerifyAggregate implements Verifier
func (v *SigSetVerifier) VerifyAggregate(qc *types.QuorumCertificate, threshold int) error {
	if qc == nil {
		return types.ErrEmptyCertificate
	}
	votes, err := qc.Votes()
	if err != nil {
		return err
	}
	if len(votes) < threshold {
		return fmt.Errorf("%w: %d signers, need %d", ErrInsufficientQuorum, len(votes), threshold)
	}
	for _, vote := range votes {
		if !v.replicas.IsVoting(vote.Replica) {
			return fmt.Errorf("%w: %d", ErrNonVotingSigner, vote.Replica)
		}
		if err := v.VerifyVote(vote); err != nil {
			return err
		}
	}
	return nil
}

// VerifyVote checks a single vote signature
func (v *SigSetVerifier) VerifyVote(vote *types.Vote) error {
	return v.Verify(vote.Replica, types.VoteSignBytes(v.clusterID, vote), vote.Signature)
}

var _ Verifier = (*SigSetVerifier)(nil)
