package types

import (
	"errors"
	"fmt"

	"github.com/filecoin-project/go-bitfield"
	rlepluslazy "github.com/filecoin-project/go-bitfield/rle"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize bounds a single encoded protocol message
const MaxMessageSize = 64 * 1024 * 1024

// Codec errors
var (
	ErrEmptyMessage       = errors.New("empty message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrMessageTooLarge    = errors.New("message too large")
)

// Encoder appends protobuf wire-format fields. Zero scalars and empty byte
// strings are omitted; nested messages are always written so that presence
// survives a round trip.
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded buffer
func (e *Encoder) Bytes() []byte { return e.buf }

// Uint writes a varint field
func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// Bool writes a boolean field
func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.Uint(num, 1)
	}
}

// Blob writes a bytes field
func (e *Encoder) Blob(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

// Digest writes a digest field
func (e *Encoder) Digest(num protowire.Number, d Digest) {
	if d.IsZero() {
		return
	}
	e.Blob(num, d[:])
}

// Nested writes an embedded message, including an empty one
func (e *Encoder) Nested(num protowire.Number, b []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

// Field is one decoded wire field. Varint fields set Value; length-delimited
// fields set Data, which aliases the input buffer.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Value uint64
	Data  []byte
}

// WalkFields decodes data field by field, skipping unsupported wire types
func WalkFields(data []byte, fn func(f Field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(m))
			}
			data = data[m:]
			if err := fn(Field{Num: num, Type: typ, Value: v}); err != nil {
				return err
			}
		case protowire.BytesType:
			b, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(m))
			}
			data = data[m:]
			if err := fn(Field{Num: num, Type: typ, Data: b}); err != nil {
				return err
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return nil
}

// DigestField parses a digest carried in a bytes field
func DigestField(f Field) (Digest, error) {
	d, err := DigestFromBytes(f.Data)
	if err != nil {
		return d, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, f.Num, err)
	}
	return d, nil
}

// CloneData copies the data of a bytes field out of the input buffer
func CloneData(f Field) []byte {
	return cloneBytes(f.Data)
}

// --- Request ---

func appendRequest(b []byte, r *Request) []byte {
	e := Encoder{buf: b}
	e.Uint(1, r.ClientID)
	e.Uint(2, r.RequestID)
	e.Blob(3, r.Payload)
	return e.buf
}

// Marshal encodes the request
func (r *Request) Marshal() []byte {
	return appendRequest(nil, r)
}

// Unmarshal decodes the request
func (r *Request) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		switch f.Num {
		case 1:
			r.ClientID = f.Value
		case 2:
			r.RequestID = f.Value
		case 3:
			r.Payload = CloneData(f)
		}
		return nil
	})
}

// --- Vote ---

func (v *Vote) encode(withSig bool) []byte {
	var e Encoder
	e.Uint(1, uint64(v.Kind))
	e.Uint(2, uint64(v.View))
	e.Uint(3, uint64(v.Seq))
	e.Digest(4, v.Digest)
	e.Uint(5, uint64(v.Replica))
	if withSig {
		e.Blob(6, v.Signature)
	}
	return e.Bytes()
}

// Marshal encodes the vote
func (v *Vote) Marshal() []byte { return v.encode(true) }

// Unmarshal decodes the vote
func (v *Vote) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		var err error
		switch f.Num {
		case 1:
			v.Kind = VoteKind(f.Value)
		case 2:
			v.View = View(f.Value)
		case 3:
			v.Seq = SeqNum(f.Value)
		case 4:
			v.Digest, err = DigestField(f)
		case 5:
			v.Replica = ReplicaID(f.Value)
		case 6:
			v.Signature = CloneData(f)
		}
		return err
	})
}

// --- RequestMsg ---

// Marshal encodes the forwarded request
func (m *RequestMsg) Marshal() []byte {
	var e Encoder
	e.Uint(1, uint64(m.From))
	e.Nested(2, m.Request.Marshal())
	return e.Bytes()
}

// Unmarshal decodes the forwarded request
func (m *RequestMsg) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		switch f.Num {
		case 1:
			m.From = ReplicaID(f.Value)
		case 2:
			return m.Request.Unmarshal(f.Data)
		}
		return nil
	})
}

// --- PrePrepare ---

func (pp *PrePrepare) encode(withBatch, withSig bool) []byte {
	var e Encoder
	e.Uint(1, uint64(pp.View))
	e.Uint(2, uint64(pp.Seq))
	e.Digest(3, pp.Digest)
	if withBatch {
		for i := range pp.Requests {
			e.Nested(4, pp.Requests[i].Marshal())
		}
	}
	e.Uint(5, uint64(pp.Leader))
	if withSig {
		e.Blob(6, pp.Signature)
	}
	return e.Bytes()
}

// Marshal encodes the pre-prepare
func (pp *PrePrepare) Marshal() []byte { return pp.encode(true, true) }

// Unmarshal decodes the pre-prepare
func (pp *PrePrepare) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		var err error
		switch f.Num {
		case 1:
			pp.View = View(f.Value)
		case 2:
			pp.Seq = SeqNum(f.Value)
		case 3:
			pp.Digest, err = DigestField(f)
		case 4:
			var r Request
			if err = r.Unmarshal(f.Data); err == nil {
				pp.Requests = append(pp.Requests, r)
			}
		case 5:
			pp.Leader = ReplicaID(f.Value)
		case 6:
			pp.Signature = CloneData(f)
		}
		return err
	})
}

// --- QuorumCertificate ---

// Marshal encodes the certificate
func (qc *QuorumCertificate) Marshal() ([]byte, error) {
	var e Encoder
	e.Uint(1, uint64(qc.Kind))
	e.Uint(2, uint64(qc.View))
	e.Uint(3, uint64(qc.Seq))
	e.Digest(4, qc.Digest)
	if len(qc.Signatures) > 0 {
		rit, err := qc.Signers.RunIterator()
		if err != nil {
			return nil, fmt.Errorf("signer bitfield: %w", err)
		}
		signers, err := rlepluslazy.EncodeRuns(rit, nil)
		if err != nil {
			return nil, fmt.Errorf("signer bitfield: %w", err)
		}
		e.Blob(5, signers)
	}
	for _, sig := range qc.Signatures {
		e.Nested(6, sig)
	}
	return e.Bytes(), nil
}

// Unmarshal decodes the certificate
func (qc *QuorumCertificate) Unmarshal(data []byte) error {
	qc.Signers = bitfield.New()
	err := WalkFields(data, func(f Field) error {
		var err error
		switch f.Num {
		case 1:
			qc.Kind = VoteKind(f.Value)
		case 2:
			qc.View = View(f.Value)
		case 3:
			qc.Seq = SeqNum(f.Value)
		case 4:
			qc.Digest, err = DigestField(f)
		case 5:
			qc.Signers, err = bitfield.NewFromBytes(CloneData(f))
			if err != nil {
				err = fmt.Errorf("%w: signer bitfield: %v", ErrMalformedMessage, err)
			}
		case 6:
			qc.Signatures = append(qc.Signatures, CloneData(f))
		}
		return err
	})
	if err != nil {
		return err
	}
	if qc.Size() != len(qc.Signatures) {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, ErrCertificateMismatch)
	}
	return nil
}

func unmarshalCert(data []byte) (*QuorumCertificate, error) {
	qc := &QuorumCertificate{}
	if err := qc.Unmarshal(data); err != nil {
		return nil, err
	}
	return qc, nil
}

func unmarshalPrePrepare(data []byte) (*PrePrepare, error) {
	pp := &PrePrepare{}
	if err := pp.Unmarshal(data); err != nil {
		return nil, err
	}
	return pp, nil
}

// --- CommitProof ---

// Marshal encodes the commit proof
func (m *CommitProof) Marshal() ([]byte, error) {
	var e Encoder
	e.Uint(1, uint64(m.From))
	if m.PrePrepare != nil {
		e.Nested(2, m.PrePrepare.Marshal())
	}
	if m.Cert != nil {
		cert, err := m.Cert.Marshal()
		if err != nil {
			return nil, err
		}
		e.Nested(3, cert)
	}
	return e.Bytes(), nil
}

// Unmarshal decodes the commit proof
func (m *CommitProof) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		var err error
		switch f.Num {
		case 1:
			m.From = ReplicaID(f.Value)
		case 2:
			m.PrePrepare, err = unmarshalPrePrepare(f.Data)
		case 3:
			m.Cert, err = unmarshalCert(f.Data)
		}
		return err
	})
}

// --- PreparedEntry ---

func (pe *PreparedEntry) marshal() ([]byte, error) {
	var e Encoder
	if pe.PrePrepare != nil {
		e.Nested(1, pe.PrePrepare.Marshal())
	}
	if pe.Cert != nil {
		cert, err := pe.Cert.Marshal()
		if err != nil {
			return nil, err
		}
		e.Nested(2, cert)
	}
	return e.Bytes(), nil
}

func (pe *PreparedEntry) unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		var err error
		switch f.Num {
		case 1:
			pe.PrePrepare, err = unmarshalPrePrepare(f.Data)
		case 2:
			pe.Cert, err = unmarshalCert(f.Data)
		}
		return err
	})
}

// --- ViewChange ---

func (vc *ViewChange) encode(withSig bool) ([]byte, error) {
	var e Encoder
	e.Uint(1, uint64(vc.NewView))
	e.Uint(2, uint64(vc.Replica))
	e.Uint(3, uint64(vc.StableSeq))
	e.Digest(4, vc.StableDigest)
	if vc.StableCert != nil {
		cert, err := vc.StableCert.Marshal()
		if err != nil {
			return nil, err
		}
		e.Nested(5, cert)
	}
	for i := range vc.Prepared {
		entry, err := vc.Prepared[i].marshal()
		if err != nil {
			return nil, err
		}
		e.Nested(6, entry)
	}
	for _, pp := range vc.FastVoted {
		e.Nested(7, pp.Marshal())
	}
	if withSig {
		e.Blob(8, vc.Signature)
	}
	return e.Bytes(), nil
}

// Marshal encodes the view change
func (vc *ViewChange) Marshal() ([]byte, error) { return vc.encode(true) }

// Unmarshal decodes the view change
func (vc *ViewChange) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		var err error
		switch f.Num {
		case 1:
			vc.NewView = View(f.Value)
		case 2:
			vc.Replica = ReplicaID(f.Value)
		case 3:
			vc.StableSeq = SeqNum(f.Value)
		case 4:
			vc.StableDigest, err = DigestField(f)
		case 5:
			vc.StableCert, err = unmarshalCert(f.Data)
		case 6:
			var pe PreparedEntry
			if err = pe.unmarshal(f.Data); err == nil {
				vc.Prepared = append(vc.Prepared, pe)
			}
		case 7:
			var pp *PrePrepare
			if pp, err = unmarshalPrePrepare(f.Data); err == nil {
				vc.FastVoted = append(vc.FastVoted, pp)
			}
		case 8:
			vc.Signature = CloneData(f)
		}
		return err
	})
}

// --- NewView ---

func (nv *NewView) encode(withSig bool) ([]byte, error) {
	var e Encoder
	e.Uint(1, uint64(nv.View))
	e.Uint(2, uint64(nv.Leader))
	for _, vc := range nv.ViewChanges {
		b, err := vc.Marshal()
		if err != nil {
			return nil, err
		}
		e.Nested(3, b)
	}
	for _, pp := range nv.PrePrepares {
		e.Nested(4, pp.Marshal())
	}
	if withSig {
		e.Blob(5, nv.Signature)
	}
	return e.Bytes(), nil
}

// Marshal encodes the new view
func (nv *NewView) Marshal() ([]byte, error) { return nv.encode(true) }

// Unmarshal decodes the new view
func (nv *NewView) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		var err error
		switch f.Num {
		case 1:
			nv.View = View(f.Value)
		case 2:
			nv.Leader = ReplicaID(f.Value)
		case 3:
			vc := &ViewChange{}
			if err = vc.Unmarshal(f.Data); err == nil {
				nv.ViewChanges = append(nv.ViewChanges, vc)
			}
		case 4:
			var pp *PrePrepare
			if pp, err = unmarshalPrePrepare(f.Data); err == nil {
				nv.PrePrepares = append(nv.PrePrepares, pp)
			}
		case 5:
			nv.Signature = CloneData(f)
		}
		return err
	})
}

// --- State transfer ---

// Marshal encodes the state request
func (m *StateRequest) Marshal() []byte {
	var e Encoder
	e.Uint(1, uint64(m.From))
	e.Uint(2, uint64(m.Seq))
	return e.Bytes()
}

// Unmarshal decodes the state request
func (m *StateRequest) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		switch f.Num {
		case 1:
			m.From = ReplicaID(f.Value)
		case 2:
			m.Seq = SeqNum(f.Value)
		}
		return nil
	})
}

// Marshal encodes the state response
func (m *StateResponse) Marshal() ([]byte, error) {
	var e Encoder
	e.Uint(1, uint64(m.From))
	e.Uint(2, uint64(m.Seq))
	e.Digest(3, m.Digest)
	if m.Cert != nil {
		cert, err := m.Cert.Marshal()
		if err != nil {
			return nil, err
		}
		e.Nested(4, cert)
	}
	e.Blob(5, m.Snapshot)
	return e.Bytes(), nil
}

// Unmarshal decodes the state response
func (m *StateResponse) Unmarshal(data []byte) error {
	return WalkFields(data, func(f Field) error {
		var err error
		switch f.Num {
		case 1:
			m.From = ReplicaID(f.Value)
		case 2:
			m.Seq = SeqNum(f.Value)
		case 3:
			m.Digest, err = DigestField(f)
		case 4:
			m.Cert, err = unmarshalCert(f.Data)
		case 5:
			m.Snapshot = CloneData(f)
		}
		return err
	})
}

// --- Envelope ---

// Encode serializes a message with its single-byte type prefix
func Encode(msg Message) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch m := msg.(type) {
	case *Vote:
		payload = m.Marshal()
	case *RequestMsg:
		payload = m.Marshal()
	case *PrePrepare:
		payload = m.Marshal()
	case *CommitProof:
		payload, err = m.Marshal()
	case *ViewChange:
		payload, err = m.Marshal()
	case *NewView:
		payload, err = m.Marshal()
	case *StateRequest:
		payload = m.Marshal()
	case *StateResponse:
		payload, err = m.Marshal()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	if err != nil {
		return nil, err
	}
	t := msg.Type()
	if t == MsgTypeUnknown {
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out, nil
}

// Decode parses a message produced by Encode
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	t := MsgType(data[0])
	payload := data[1:]

	var (
		msg Message
		err error
	)
	switch t {
	case MsgTypePrepare, MsgTypeCommit, MsgTypeFastVote, MsgTypeCheckpoint:
		v := &Vote{}
		err = v.Unmarshal(payload)
		if err == nil && v.Type() != t {
			err = fmt.Errorf("%w: vote kind %s under type %s", ErrMalformedMessage, v.Kind, t)
		}
		msg = v
	case MsgTypeRequest:
		m := &RequestMsg{}
		err = m.Unmarshal(payload)
		msg = m
	case MsgTypePrePrepare:
		m := &PrePrepare{}
		err = m.Unmarshal(payload)
		msg = m
	case MsgTypeCommitProof:
		m := &CommitProof{}
		err = m.Unmarshal(payload)
		msg = m
	case MsgTypeViewChange:
		m := &ViewChange{}
		err = m.Unmarshal(payload)
		msg = m
	case MsgTypeNewView:
		m := &NewView{}
		err = m.Unmarshal(payload)
		msg = m
	case MsgTypeStateRequest:
		m := &StateRequest{}
		err = m.Unmarshal(payload)
		msg = m
	case MsgTypeStateResponse:
		m := &StateResponse{}
		err = m.Unmarshal(payload)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
