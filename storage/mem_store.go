package storage

import (
	"bytes"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// MemStore keeps everything in memory. It is the image behind FileStore and
// the backend for tests that do not restart replicas.
type MemStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemStore creates an empty MemStore
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get implements Store
func (s *MemStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	v, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

// Iterate implements Store. It works on a copy of the matching entries, so fn
// may write to the store.
func (s *MemStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	keys := lo.Filter(lo.Keys(s.data), func(k string, _ int) bool {
		return bytes.HasPrefix([]byte(k), prefix)
	})
	sort.Strings(keys)
	values := lo.Map(keys, func(k string, _ int) []byte { return clone(s.data[k]) })
	s.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Write implements Store
func (s *MemStore) Write(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.apply(b)
	return nil
}

func (s *MemStore) apply(b *Batch) {
	for _, o := range b.ops {
		switch o.kind {
		case opPut:
			s.data[string(o.key)] = clone(o.value)
		case opDelete:
			delete(s.data, string(o.key))
		case opDeleteRange:
			for k := range s.data {
				if inRange([]byte(k), o.key, o.value) {
					delete(s.data, k)
				}
			}
		}
	}
}

// Len returns the number of keys
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// image encodes every entry in key order
func (s *MemStore) image() *Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := lo.Keys(s.data)
	sort.Strings(keys)
	b := NewBatch()
	for _, k := range keys {
		b.Put([]byte(k), s.data[k])
	}
	return b
}

// reset replaces the contents with an image
func (s *MemStore) reset(img *Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string][]byte, img.Len())
	s.apply(img)
}

// Close implements Store
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemStore)(nil)
