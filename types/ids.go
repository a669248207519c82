package types

import "strconv"

// ReplicaID identifies a replica. Voting replicas occupy [0, n); read-only
// replicas use IDs at or above n.
type ReplicaID uint32

// View numbers the leader epochs. The leader of view v is v mod n.
type View uint64

// SeqNum is the position of a request batch in the agreed order
type SeqNum uint64

func (id ReplicaID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (v View) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

func (s SeqNum) String() string {
	return strconv.FormatUint(uint64(s), 10)
}
