package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/filecoin-project/go-bitfield"
	rlepluslazy "github.com/filecoin-project/go-bitfield/rle"
)

// Certificate errors
var (
	ErrEmptyCertificate    = errors.New("certificate has no votes")
	ErrMismatchedVote      = errors.New("vote does not match certificate")
	ErrDuplicateSigner     = errors.New("duplicate signer in certificate")
	ErrCertificateMismatch = errors.New("signer count does not match signatures")
)

// QuorumCertificate is a set of matching signed votes for the same
// (kind, view, seq, digest). Signers is a bitfield of replica IDs and
// Signatures holds one signature per signer in ascending ID order.
type QuorumCertificate struct {
	Kind       VoteKind
	View       View
	Seq        SeqNum
	Digest     Digest
	Signers    bitfield.BitField
	Signatures [][]byte
}

// NewQuorumCertificate assembles a certificate from matching votes
func NewQuorumCertificate(votes []*Vote) (*QuorumCertificate, error) {
	if len(votes) == 0 {
		return nil, ErrEmptyCertificate
	}
	sorted := make([]*Vote, len(votes))
	copy(sorted, votes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Replica < sorted[j].Replica })

	first := sorted[0]
	ids := make([]uint64, 0, len(sorted))
	sigs := make([][]byte, 0, len(sorted))
	for i, v := range sorted {
		if v.Kind != first.Kind || v.View != first.View || v.Seq != first.Seq || v.Digest != first.Digest {
			return nil, fmt.Errorf("%w: replica %d", ErrMismatchedVote, v.Replica)
		}
		if i > 0 && sorted[i-1].Replica == v.Replica {
			return nil, fmt.Errorf("%w: replica %d", ErrDuplicateSigner, v.Replica)
		}
		ids = append(ids, uint64(v.Replica))
		sigs = append(sigs, cloneBytes(v.Signature))
	}

	signers, err := signerBitfield(ids)
	if err != nil {
		return nil, err
	}
	return &QuorumCertificate{
		Kind:       first.Kind,
		View:       first.View,
		Seq:        first.Seq,
		Digest:     first.Digest,
		Signers:    signers,
		Signatures: sigs,
	}, nil
}

func signerBitfield(ids []uint64) (bitfield.BitField, error) {
	ri, err := rlepluslazy.RunsFromSlice(ids)
	if err != nil {
		return bitfield.New(), err
	}
	return bitfield.NewFromIter(ri)
}

// SignerIDs returns the signers in ascending order
func (qc *QuorumCertificate) SignerIDs() ([]ReplicaID, error) {
	all, err := qc.Signers.All(uint64(len(qc.Signatures)) + 1)
	if err != nil {
		return nil, err
	}
	if len(all) != len(qc.Signatures) {
		return nil, fmt.Errorf("%w: %d signers, %d signatures", ErrCertificateMismatch, len(all), len(qc.Signatures))
	}
	ids := make([]ReplicaID, len(all))
	for i, id := range all {
		ids[i] = ReplicaID(id)
	}
	return ids, nil
}

// Size returns the number of signers
func (qc *QuorumCertificate) Size() int {
	if len(qc.Signatures) == 0 {
		return 0
	}
	n, err := qc.Signers.Count()
	if err != nil {
		return 0
	}
	return int(n)
}

// HasSigner reports whether a replica signed the certificate
func (qc *QuorumCertificate) HasSigner(id ReplicaID) bool {
	ok, err := qc.Signers.IsSet(uint64(id))
	return err == nil && ok
}

// Votes expands the certificate into its individual votes
func (qc *QuorumCertificate) Votes() ([]*Vote, error) {
	ids, err := qc.SignerIDs()
	if err != nil {
		return nil, err
	}
	votes := make([]*Vote, len(ids))
	for i, id := range ids {
		votes[i] = &Vote{
			Kind:      qc.Kind,
			View:      qc.View,
			Seq:       qc.Seq,
			Digest:    qc.Digest,
			Replica:   id,
			Signature: cloneBytes(qc.Signatures[i]),
		}
	}
	return votes, nil
}

// Copy returns a deep copy of the certificate
func (qc *QuorumCertificate) Copy() *QuorumCertificate {
	if qc == nil {
		return nil
	}
	c := *qc
	c.Signatures = make([][]byte, len(qc.Signatures))
	for i, s := range qc.Signatures {
		c.Signatures[i] = cloneBytes(s)
	}
	if signers, err := qc.Signers.Copy(); err == nil {
		c.Signers = signers
	}
	return &c
}

// IsFast reports whether the certificate was collected on the fast path
func (qc *QuorumCertificate) IsFast() bool {
	return qc.Kind == VoteFast
}

// ProvesPrepared reports whether the certificate is usable as a prepared
// proof in a view change: a slow-path prepare quorum or a fast-path quorum.
func (qc *QuorumCertificate) ProvesPrepared() bool {
	return qc.Kind == VotePrepare || qc.Kind == VoteFast
}

// FastPathCertificate is a quorum of fast votes. It commits a slot in one
// round and converts to a prepared proof for view changes.
type FastPathCertificate struct {
	cert *QuorumCertificate
}

// NewFastPathCertificate wraps a quorum of fast votes
func NewFastPathCertificate(qc *QuorumCertificate) (*FastPathCertificate, error) {
	if qc == nil || qc.Kind != VoteFast {
		return nil, fmt.Errorf("%w: not a fast-path quorum", ErrMismatchedVote)
	}
	return &FastPathCertificate{cert: qc}, nil
}

// Certificate returns the underlying quorum certificate
func (fc *FastPathCertificate) Certificate() *QuorumCertificate {
	return fc.cert
}

// AsPreparedProof returns the certificate in the form carried by a view
// change. A fast quorum contains a slow quorum of replicas that accepted the
// same pre-prepare, so it justifies the digest like a prepare certificate.
func (fc *FastPathCertificate) AsPreparedProof() *QuorumCertificate {
	return fc.cert.Copy()
}
