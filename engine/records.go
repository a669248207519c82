package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/AvishayYanay/concord-bft/privval"
	"github.com/AvishayYanay/concord-bft/types"
)

// Persisted key layout
var (
	keyMeta          = []byte("m/meta")
	prefixSlot       = []byte("s/")
	prefixCheckpoint = []byte("c/")
	keyViewChange    = []byte("v/vc")
	keyNewView       = []byte("v/nv")

	// signer journal: records bound to a sequence sort by sequence, view
	// change and new view records by view
	prefixSignSeq  = []byte("g/s/")
	prefixSignView = []byte("g/v/")
)

func seqKey(prefix []byte, seq types.SeqNum) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(seq))
	return key
}

func slotKey(seq types.SeqNum) []byte       { return seqKey(prefixSlot, seq) }
func checkpointKey(seq types.SeqNum) []byte { return seqKey(prefixCheckpoint, seq) }

func seqFromKey(prefix, key []byte) (types.SeqNum, error) {
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("%w: key %q", ErrReplay, key)
	}
	return types.SeqNum(binary.BigEndian.Uint64(key[len(prefix):])), nil
}

// signKey orders sign records so a stable checkpoint or an installed view
// can delete the ones it makes obsolete with one range
func signKey(k privval.SignKey) []byte {
	if k.Step == privval.StepViewChange || k.Step == privval.StepNewView {
		key := seqKey(prefixSignView, types.SeqNum(k.View))
		return append(key, byte(k.Step))
	}
	key := seqKey(prefixSignSeq, k.Seq)
	key = binary.BigEndian.AppendUint64(key, uint64(k.View))
	return append(key, byte(k.Step))
}

func marshalSignRecord(rec *privval.SignRecord) []byte {
	var e types.Encoder
	e.Uint(1, uint64(rec.Step))
	e.Uint(2, uint64(rec.View))
	e.Uint(3, uint64(rec.Seq))
	e.Digest(4, rec.Digest)
	e.Blob(5, rec.Signature)
	return e.Bytes()
}

func unmarshalSignRecord(data []byte) (privval.SignRecord, error) {
	var rec privval.SignRecord
	err := types.WalkFields(data, func(f types.Field) error {
		switch f.Num {
		case 1:
			rec.Step = privval.Step(f.Value)
		case 2:
			rec.View = types.View(f.Value)
		case 3:
			rec.Seq = types.SeqNum(f.Value)
		case 4:
			d, err := types.DigestField(f)
			if err != nil {
				return err
			}
			rec.Digest = d
		case 5:
			rec.Signature = types.CloneData(f)
		}
		return nil
	})
	if err == nil && len(rec.Signature) == 0 {
		err = fmt.Errorf("%w: sign record without signature", ErrReplay)
	}
	return rec, err
}

// metaRecord is the replica's position: view, stable checkpoint and
// execution progress
type metaRecord struct {
	View         types.View
	StableSeq    types.SeqNum
	StableDigest types.Digest
	StableCert   *types.QuorumCertificate
	LastExecuted types.SeqNum
}

func (m *metaRecord) marshal() ([]byte, error) {
	var e types.Encoder
	e.Uint(1, uint64(m.View))
	e.Uint(2, uint64(m.StableSeq))
	e.Digest(3, m.StableDigest)
	if m.StableCert != nil {
		cb, err := m.StableCert.Marshal()
		if err != nil {
			return nil, err
		}
		e.Nested(4, cb)
	}
	e.Uint(5, uint64(m.LastExecuted))
	return e.Bytes(), nil
}

func (m *metaRecord) unmarshal(data []byte) error {
	return types.WalkFields(data, func(f types.Field) error {
		switch f.Num {
		case 1:
			m.View = types.View(f.Value)
		case 2:
			m.StableSeq = types.SeqNum(f.Value)
		case 3:
			d, err := types.DigestField(f)
			if err != nil {
				return err
			}
			m.StableDigest = d
		case 4:
			qc := &types.QuorumCertificate{}
			if err := qc.Unmarshal(f.Data); err != nil {
				return err
			}
			m.StableCert = qc
		case 5:
			m.LastExecuted = types.SeqNum(f.Value)
		}
		return nil
	})
}

// slotRecord is the durable part of a Slot. Vote sets are not persisted:
// the signer remembers what this replica voted, and certificates carry the
// quorums that matter.
type slotRecord struct {
	Seq        types.SeqNum
	View       types.View
	Path       CommitPath
	PrePrepare *types.PrePrepare
	Prepared   *types.PreparedEntry
	FastVoted  *types.PrePrepare
	Committed  *types.CommitProof
}

func recordOf(s *Slot) *slotRecord {
	return &slotRecord{
		Seq:        s.Seq,
		View:       s.View,
		Path:       s.Path,
		PrePrepare: s.PrePrepare,
		Prepared:   s.Prepared,
		FastVoted:  s.FastVoted,
		Committed:  s.Committed,
	}
}

func (r *slotRecord) marshal() ([]byte, error) {
	var e types.Encoder
	e.Uint(1, uint64(r.Seq))
	e.Uint(2, uint64(r.View))
	e.Uint(3, uint64(r.Path))
	if r.PrePrepare != nil {
		e.Nested(4, r.PrePrepare.Marshal())
	}
	if r.Prepared != nil {
		cb, err := r.Prepared.Cert.Marshal()
		if err != nil {
			return nil, err
		}
		var pe types.Encoder
		pe.Nested(1, r.Prepared.PrePrepare.Marshal())
		pe.Nested(2, cb)
		e.Nested(5, pe.Bytes())
	}
	if r.FastVoted != nil {
		e.Nested(6, r.FastVoted.Marshal())
	}
	if r.Committed != nil {
		cb, err := r.Committed.Marshal()
		if err != nil {
			return nil, err
		}
		e.Nested(7, cb)
	}
	return e.Bytes(), nil
}

func (r *slotRecord) unmarshal(data []byte) error {
	return types.WalkFields(data, func(f types.Field) error {
		switch f.Num {
		case 1:
			r.Seq = types.SeqNum(f.Value)
		case 2:
			r.View = types.View(f.Value)
		case 3:
			r.Path = CommitPath(f.Value)
		case 4:
			pp := &types.PrePrepare{}
			if err := pp.Unmarshal(f.Data); err != nil {
				return err
			}
			r.PrePrepare = pp
		case 5:
			pe := &types.PreparedEntry{}
			err := types.WalkFields(f.Data, func(g types.Field) error {
				switch g.Num {
				case 1:
					pe.PrePrepare = &types.PrePrepare{}
					return pe.PrePrepare.Unmarshal(g.Data)
				case 2:
					pe.Cert = &types.QuorumCertificate{}
					return pe.Cert.Unmarshal(g.Data)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if pe.PrePrepare == nil || pe.Cert == nil {
				return fmt.Errorf("%w: incomplete prepared entry for seq %d", ErrReplay, r.Seq)
			}
			r.Prepared = pe
		case 6:
			pp := &types.PrePrepare{}
			if err := pp.Unmarshal(f.Data); err != nil {
				return err
			}
			r.FastVoted = pp
		case 7:
			cp := &types.CommitProof{}
			if err := cp.Unmarshal(f.Data); err != nil {
				return err
			}
			if cp.PrePrepare == nil || cp.Cert == nil {
				return fmt.Errorf("%w: incomplete commit proof for seq %d", ErrReplay, r.Seq)
			}
			r.Committed = cp
		}
		return nil
	})
}

// checkpointRecord is this replica's own snapshot at a checkpoint
type checkpointRecord struct {
	Digest   types.Digest
	Snapshot []byte
}

func (c *checkpointRecord) marshal() []byte {
	var e types.Encoder
	e.Digest(1, c.Digest)
	e.Blob(2, c.Snapshot)
	return e.Bytes()
}

func (c *checkpointRecord) unmarshal(data []byte) error {
	return types.WalkFields(data, func(f types.Field) error {
		switch f.Num {
		case 1:
			d, err := types.DigestField(f)
			if err != nil {
				return err
			}
			c.Digest = d
		case 2:
			c.Snapshot = types.CloneData(f)
		}
		return nil
	})
}
