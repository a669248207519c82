package storage

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/wal"
)

const defaultCompactBytes = 32 * 1024 * 1024

// FileStore is a Store backed by the segmented WAL. Each batch is one synced
// WAL record; the current contents live in memory. Once the records written
// since the last snapshot exceed a threshold, the store writes a full image as
// a snapshot record in a fresh segment and deletes the older segments.
type FileStore struct {
	mu sync.Mutex

	wal    *wal.FileWAL
	mem    *MemStore
	epoch  uint64
	since  int64 // bytes of batch records since the last snapshot
	limit  int64
	closed bool

	logger zerolog.Logger
}

// OpenFileStore opens or creates a FileStore in dir. compactBytes <= 0 uses
// the default threshold.
func OpenFileStore(dir string, compactBytes int64, logger zerolog.Logger) (*FileStore, error) {
	if compactBytes <= 0 {
		compactBytes = defaultCompactBytes
	}
	w, err := wal.NewFileWALWithOptions(dir, 0, logger)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}

	s := &FileStore{
		wal:    w,
		mem:    NewMemStore(),
		limit:  compactBytes,
		logger: logger.With().Str("component", "filestore").Logger(),
	}
	if err := s.load(); err != nil {
		w.Stop()
		return nil, err
	}
	return s, nil
}

// load rebuilds the image from the newest snapshot and the batches after it
func (s *FileStore) load() error {
	snap, r, err := s.wal.SearchForLastSnapshot()
	if err != nil {
		return fmt.Errorf("failed to search WAL: %w", err)
	}
	defer r.Close()

	if snap != nil {
		img := NewBatch()
		if err := img.Unmarshal(snap.Data); err != nil {
			return fmt.Errorf("%w: snapshot: %v", ErrCorruptRecord, err)
		}
		s.mem.reset(img)
		s.epoch = snap.Epoch
	}

	batches := 0
	for {
		msg, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to replay WAL: %w", err)
		}
		if msg.Type != wal.MsgTypeBatch {
			continue
		}
		b := NewBatch()
		if err := b.Unmarshal(msg.Data); err != nil {
			return fmt.Errorf("%w: batch: %v", ErrCorruptRecord, err)
		}
		s.mem.apply(b)
		s.since += int64(len(msg.Data))
		batches++
	}

	s.logger.Debug().
		Uint64("epoch", s.epoch).
		Int("batches", batches).
		Int("keys", s.mem.Len()).
		Msg("store loaded")
	return nil
}

// Get implements Store
func (s *FileStore) Get(key []byte) ([]byte, error) {
	return s.mem.Get(key)
}

// Iterate implements Store
func (s *FileStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return s.mem.Iterate(prefix, fn)
}

// Write implements Store
func (s *FileStore) Write(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if b.Len() == 0 {
		return nil
	}

	data := b.Marshal()
	if err := s.wal.WriteSync(wal.NewBatchMessage(s.epoch, data)); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	if err := s.mem.Write(b); err != nil {
		return err
	}

	s.since += int64(len(data))
	if s.since >= s.limit {
		if err := s.compact(); err != nil {
			return fmt.Errorf("failed to compact store: %w", err)
		}
	}
	return nil
}

// Compact forces a snapshot and drops the records it supersedes
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.compact()
}

func (s *FileStore) compact() error {
	if err := s.wal.Rotate(); err != nil {
		return err
	}
	next := s.epoch + 1
	img := s.mem.image()
	if err := s.wal.WriteSync(wal.NewSnapshotMessage(next, img.Marshal())); err != nil {
		return err
	}
	s.epoch = next
	s.since = 0
	if err := s.wal.Checkpoint(next - 1); err != nil {
		return err
	}
	s.logger.Debug().Uint64("epoch", next).Int("keys", img.Len()).Msg("store compacted")
	return nil
}

// Epoch returns the number of compactions so far
func (s *FileStore) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Close implements Store
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.mem.Close()
	return s.wal.Stop()
}

var _ Store = (*FileStore)(nil)
