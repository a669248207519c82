//go:build !cgo

package storage

// SQLiteStore is unavailable without cgo
type SQLiteStore struct{}

// OpenSQLiteStore always fails without cgo
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	return nil, ErrSQLiteUnavailable
}

func (s *SQLiteStore) Get(key []byte) ([]byte, error) { return nil, ErrSQLiteUnavailable }
func (s *SQLiteStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return ErrSQLiteUnavailable
}
func (s *SQLiteStore) Write(b *Batch) error { return ErrSQLiteUnavailable }
func (s *SQLiteStore) Close() error         { return nil }

var _ Store = (*SQLiteStore)(nil)
