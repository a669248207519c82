package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/AvishayYanay/concord-bft/types"
)

// Errors
var (
	ErrNotFound          = errors.New("key not found")
	ErrStoreClosed       = errors.New("store is closed")
	ErrUnknownBackend    = errors.New("unknown storage backend")
	ErrSQLiteUnavailable = errors.New("sqlite backend requires cgo")
	ErrCorruptRecord     = errors.New("corrupt storage record")
)

// Store is a durable key/value store with atomic batches. A successful Write
// is durable: after a crash either all or none of a batch is visible.
type Store interface {
	// Get returns the value for key or ErrNotFound
	Get(key []byte) ([]byte, error)

	// Iterate calls fn for every key with the given prefix in ascending key
	// order. Returning an error from fn stops the iteration.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	// Write applies a batch atomically and durably
	Write(b *Batch) error

	// Close releases the store
	Close() error
}

type opKind uint8

const (
	opPut opKind = iota + 1
	opDelete
	opDeleteRange
)

type op struct {
	kind  opKind
	key   []byte
	value []byte // value for put, exclusive end for delete range
}

// Batch is an ordered set of mutations applied atomically
type Batch struct {
	ops []op
}

// NewBatch creates an empty batch
func NewBatch() *Batch {
	return &Batch{}
}

// Put sets key to value
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{kind: opPut, key: clone(key), value: clone(value)})
}

// Delete removes key
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{kind: opDelete, key: clone(key)})
}

// DeleteRange removes every key in [start, end)
func (b *Batch) DeleteRange(start, end []byte) {
	b.ops = append(b.ops, op{kind: opDeleteRange, key: clone(start), value: clone(end)})
}

// Len returns the number of mutations
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// Append adds the mutations of other after those of b
func (b *Batch) Append(other *Batch) {
	if other == nil {
		return
	}
	b.ops = append(b.ops, other.ops...)
}

// Marshal encodes the batch
func (b *Batch) Marshal() []byte {
	var e types.Encoder
	for _, o := range b.ops {
		var oe types.Encoder
		oe.Uint(1, uint64(o.kind))
		oe.Nested(2, o.key)
		oe.Blob(3, o.value)
		e.Nested(1, oe.Bytes())
	}
	return e.Bytes()
}

// Unmarshal decodes a batch
func (b *Batch) Unmarshal(data []byte) error {
	return types.WalkFields(data, func(f types.Field) error {
		if f.Num != 1 {
			return nil
		}
		var o op
		err := types.WalkFields(f.Data, func(g types.Field) error {
			switch g.Num {
			case 1:
				o.kind = opKind(g.Value)
			case 2:
				o.key = types.CloneData(g)
			case 3:
				o.value = types.CloneData(g)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if o.kind < opPut || o.kind > opDeleteRange {
			return fmt.Errorf("%w: op kind %d", ErrCorruptRecord, o.kind)
		}
		b.ops = append(b.ops, o)
		return nil
	})
}

// PrefixEnd returns the smallest key greater than every key with the prefix,
// or nil when no such key exists
func PrefixEnd(prefix []byte) []byte {
	end := clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// inRange reports whether key lies in [start, end); a nil end is unbounded
func inRange(key, start, end []byte) bool {
	return bytes.Compare(key, start) >= 0 && (end == nil || bytes.Compare(key, end) < 0)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
