package types

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxReplicas bounds the cluster size, voting and read-only together
const MaxReplicas = 1024

// Errors
var (
	ErrEmptyReplicaSet    = errors.New("empty replica set")
	ErrInvalidShape       = errors.New("replica count does not match 3f+2c+1")
	ErrInvalidPublicKey   = errors.New("invalid public key")
	ErrDuplicateReplica   = errors.New("duplicate replica key")
	ErrTooManyReplicas    = errors.New("too many replicas")
	ErrUnknownReplica     = errors.New("unknown replica")
	ErrNegativeThresholds = errors.New("fault thresholds must be non-negative")
)

// ReplicaInfo describes one cluster member
type ReplicaInfo struct {
	ID       ReplicaID
	PubKey   ed25519.PublicKey
	ReadOnly bool
}

// ReplicaSet is the static cluster membership: n = 3f+2c+1 voting replicas
// with IDs [0, n) followed by read-only replicas. It is immutable after
// construction and safe to share between goroutines.
type ReplicaSet struct {
	f, c     int
	voting   []ReplicaInfo
	readOnly []ReplicaInfo
	byID     map[ReplicaID]*ReplicaInfo
	hash     Digest
}

// NewReplicaSet creates a ReplicaSet. Voting replica i gets ID i; read-only
// replica j gets ID n+j.
func NewReplicaSet(f, c int, voting []ed25519.PublicKey, readOnly []ed25519.PublicKey) (*ReplicaSet, error) {
	if f < 0 || c < 0 {
		return nil, ErrNegativeThresholds
	}
	if len(voting) == 0 {
		return nil, ErrEmptyReplicaSet
	}
	if len(voting) != 3*f+2*c+1 {
		return nil, fmt.Errorf("%w: n=%d f=%d c=%d", ErrInvalidShape, len(voting), f, c)
	}
	if len(voting)+len(readOnly) > MaxReplicas {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyReplicas, len(voting)+len(readOnly), MaxReplicas)
	}

	rs := &ReplicaSet{
		f:        f,
		c:        c,
		voting:   make([]ReplicaInfo, 0, len(voting)),
		readOnly: make([]ReplicaInfo, 0, len(readOnly)),
		byID:     make(map[ReplicaID]*ReplicaInfo, len(voting)+len(readOnly)),
	}

	seen := make(map[string]struct{}, len(voting)+len(readOnly))
	add := func(key ed25519.PublicKey, ro bool) error {
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(key))
		}
		if _, dup := seen[string(key)]; dup {
			return ErrDuplicateReplica
		}
		seen[string(key)] = struct{}{}

		keyCopy := make(ed25519.PublicKey, len(key))
		copy(keyCopy, key)
		info := ReplicaInfo{
			ID:       ReplicaID(len(rs.voting) + len(rs.readOnly)),
			PubKey:   keyCopy,
			ReadOnly: ro,
		}
		if ro {
			rs.readOnly = append(rs.readOnly, info)
		} else {
			rs.voting = append(rs.voting, info)
		}
		return nil
	}

	for _, k := range voting {
		if err := add(k, false); err != nil {
			return nil, err
		}
	}
	for _, k := range readOnly {
		if err := add(k, true); err != nil {
			return nil, err
		}
	}
	for i := range rs.voting {
		rs.byID[rs.voting[i].ID] = &rs.voting[i]
	}
	for i := range rs.readOnly {
		rs.byID[rs.readOnly[i].ID] = &rs.readOnly[i]
	}
	rs.hash = rs.computeHash()
	return rs, nil
}

// N returns the number of voting replicas
func (rs *ReplicaSet) N() int { return len(rs.voting) }

// F returns the Byzantine fault threshold
func (rs *ReplicaSet) F() int { return rs.f }

// C returns the number of slow replicas tolerated by the fast path
func (rs *ReplicaSet) C() int { return rs.c }

// SlowQuorum is the prepare/commit/checkpoint quorum: 2f+c+1
func (rs *ReplicaSet) SlowQuorum() int { return 2*rs.f + rs.c + 1 }

// FastQuorum is the default fast-path quorum: 3f+c+1
func (rs *ReplicaSet) FastQuorum() int { return 3*rs.f + rs.c + 1 }

// ViewChangeQuorum is the number of view changes a new view needs: 2f+2c+1
func (rs *ReplicaSet) ViewChangeQuorum() int { return 2*rs.f + 2*rs.c + 1 }

// WeakQuorum guarantees at least one correct member: f+1
func (rs *ReplicaSet) WeakQuorum() int { return rs.f + 1 }

// FastReportQuorum is the number of matching fast-vote reports in a view
// change that justify re-proposing a digest: f+c+1
func (rs *ReplicaSet) FastReportQuorum() int { return rs.f + rs.c + 1 }

// LeaderOf returns the leader of a view
func (rs *ReplicaSet) LeaderOf(v View) ReplicaID {
	return ReplicaID(uint64(v) % uint64(len(rs.voting)))
}

// IsVoting reports whether id is a voting replica
func (rs *ReplicaSet) IsVoting(id ReplicaID) bool {
	return int(id) < len(rs.voting)
}

// IsReadOnly reports whether id is a read-only replica
func (rs *ReplicaSet) IsReadOnly(id ReplicaID) bool {
	info, ok := rs.byID[id]
	return ok && info.ReadOnly
}

// Contains reports whether id is a member of the cluster
func (rs *ReplicaSet) Contains(id ReplicaID) bool {
	_, ok := rs.byID[id]
	return ok
}

// PubKey returns the public key of a replica
func (rs *ReplicaSet) PubKey(id ReplicaID) (ed25519.PublicKey, bool) {
	info, ok := rs.byID[id]
	if !ok {
		return nil, false
	}
	return info.PubKey, true
}

// IDOf returns the ID registered for a public key
func (rs *ReplicaSet) IDOf(key ed25519.PublicKey) (ReplicaID, bool) {
	for _, info := range rs.byID {
		if info.PubKey.Equal(key) {
			return info.ID, true
		}
	}
	return 0, false
}

// VotingIDs returns the voting replica IDs in ascending order
func (rs *ReplicaSet) VotingIDs() []ReplicaID {
	ids := make([]ReplicaID, len(rs.voting))
	for i := range rs.voting {
		ids[i] = rs.voting[i].ID
	}
	return ids
}

// ReadOnlyIDs returns the read-only replica IDs in ascending order
func (rs *ReplicaSet) ReadOnlyIDs() []ReplicaID {
	ids := make([]ReplicaID, len(rs.readOnly))
	for i := range rs.readOnly {
		ids[i] = rs.readOnly[i].ID
	}
	return ids
}

// AllIDs returns every replica ID in ascending order
func (rs *ReplicaSet) AllIDs() []ReplicaID {
	return append(rs.VotingIDs(), rs.ReadOnlyIDs()...)
}

// Hash identifies the membership; replicas with different hashes cannot
// form a cluster together.
func (rs *ReplicaSet) Hash() Digest {
	return rs.hash
}

func (rs *ReplicaSet) computeHash() Digest {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(rs.f))
	binary.BigEndian.PutUint32(hdr[4:], uint32(rs.c))
	parts := [][]byte{[]byte("concord/replicas"), hdr[:]}
	for _, info := range rs.voting {
		parts = append(parts, info.PubKey)
	}
	parts = append(parts, []byte{0})
	for _, info := range rs.readOnly {
		parts = append(parts, info.PubKey)
	}
	return HashBytes(parts...)
}
