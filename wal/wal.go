package wal

import (
	"errors"
	"fmt"

	"github.com/AvishayYanay/concord-bft/types"
)

// Errors
var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrWALCorrupted = errors.New("WAL is corrupted")
	ErrWALNotFound  = errors.New("WAL file not found")
)

// MessageType identifies the type of WAL message
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	// MsgTypeBatch is one atomic batch of key/value mutations
	MsgTypeBatch
	// MsgTypeSnapshot is a full image of the store; it starts an epoch
	MsgTypeSnapshot
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeBatch:
		return "batch"
	case MsgTypeSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one WAL record. Epoch counts snapshots: every record written
// after the snapshot of epoch e carries e.
type Message struct {
	Type  MessageType
	Epoch uint64
	Data  []byte
}

// Marshal serializes the message
func (m *Message) Marshal() []byte {
	var e types.Encoder
	e.Uint(1, uint64(m.Type))
	e.Uint(2, m.Epoch)
	e.Blob(3, m.Data)
	return e.Bytes()
}

// Unmarshal deserializes the message
func (m *Message) Unmarshal(data []byte) error {
	return types.WalkFields(data, func(f types.Field) error {
		switch f.Num {
		case 1:
			m.Type = MessageType(f.Value)
		case 2:
			m.Epoch = f.Value
		case 3:
			m.Data = types.CloneData(f)
		}
		return nil
	})
}

// WAL interface for write-ahead logging
type WAL interface {
	// Write writes a message to the WAL
	Write(msg *Message) error

	// WriteSync writes a message and ensures it's synced to disk
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// SearchForLastSnapshot returns the newest snapshot message and a Reader
	// positioned after it. With no snapshot in the log the message is nil and
	// the reader starts at the beginning.
	SearchForLastSnapshot() (*Message, Reader, error)

	// Rotate closes the current segment and starts a new one
	Rotate() error

	// Checkpoint deletes closed segments holding only epochs <= epoch
	Checkpoint(epoch uint64) error

	// Start starts the WAL
	Start() error

	// Stop stops the WAL
	Stop() error
}

// Reader interface for reading from WAL
type Reader interface {
	// Read reads the next message from the WAL
	Read() (*Message, error)

	// Close closes the reader
	Close() error
}

// Group represents a group of WAL files (for rotation)
type Group struct {
	Dir      string
	Prefix   string
	MaxSize  int64
	MinIndex int
	MaxIndex int
}

// NewBatchMessage creates a WAL message for an encoded batch
func NewBatchMessage(epoch uint64, data []byte) *Message {
	return &Message{
		Type:  MsgTypeBatch,
		Epoch: epoch,
		Data:  data,
	}
}

// NewSnapshotMessage creates a WAL message for an encoded store image
func NewSnapshotMessage(epoch uint64, data []byte) *Message {
	return &Message{
		Type:  MsgTypeSnapshot,
		Epoch: epoch,
		Data:  data,
	}
}
