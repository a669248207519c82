package types

import (
	"fmt"
)

// Sign-bytes prefixes keep signatures of different message kinds apart
const (
	signDomainVote       = "concord/vote/"
	signDomainPrePrepare = "concord/preprepare/"
	signDomainViewChange = "concord/viewchange/"
	signDomainNewView    = "concord/newview/"
)

// VoteSignBytes returns the bytes to sign for a vote
func VoteSignBytes(clusterID string, v *Vote) []byte {
	return append([]byte(signDomainVote+clusterID), v.encode(false)...)
}

// PrePrepareSignBytes returns the bytes to sign for a pre-prepare. The batch
// itself is bound through the digest.
func PrePrepareSignBytes(clusterID string, pp *PrePrepare) []byte {
	return append([]byte(signDomainPrePrepare+clusterID), pp.encode(false, false)...)
}

// ViewChangeSignBytes returns the bytes to sign for a view change
func ViewChangeSignBytes(clusterID string, vc *ViewChange) ([]byte, error) {
	data, err := vc.encode(false)
	if err != nil {
		return nil, fmt.Errorf("view change sign bytes: %w", err)
	}
	return append([]byte(signDomainViewChange+clusterID), data...), nil
}

// NewViewSignBytes returns the bytes to sign for a new view
func NewViewSignBytes(clusterID string, nv *NewView) ([]byte, error) {
	data, err := nv.encode(false)
	if err != nil {
		return nil, fmt.Errorf("new view sign bytes: %w", err)
	}
	return append([]byte(signDomainNewView+clusterID), data...), nil
}
