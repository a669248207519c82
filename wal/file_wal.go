package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// WAL file settings
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxMsgSize        = 128 * 1024 * 1024 // snapshots of the whole store
	defaultBufSize    = 64 * 1024         // 64KB buffer
	defaultMaxSegSize = 64 * 1024 * 1024  // 64MB default segment size

	defaultPoolBufSize = 4096
)

// Byte pool to reduce GC pressure in the decoder. Buffers are reused for
// reading record data, then copied for the final Message.
var decoderPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, defaultPoolBufSize)
		return &buf
	},
}

// FileWAL is a file-based WAL implementation
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	group        *Group
	started      bool
	segmentIndex int   // Current segment index
	segmentSize  int64 // Current segment size in bytes
	maxSegSize   int64 // Maximum segment size before rotation

	// highest epoch written to each segment
	segmentEpochs map[int]uint64

	logger zerolog.Logger
}

// NewFileWAL creates a new file-based WAL
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize, zerolog.Nop())
}

// NewFileWALWithOptions creates a new file-based WAL with custom max segment size
func NewFileWALWithOptions(dir string, maxSegSize int64, logger zerolog.Logger) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}

	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		group: &Group{
			Dir:     dir,
			Prefix:  "wal",
			MaxSize: maxSegSize,
		},
		logger: logger.With().Str("component", "wal").Logger(),
	}, nil
}

// Start opens the WAL for writing. A torn record at the end of the newest
// segment, left by a crash in the middle of a write, is cut off.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.segmentEpochs = make(map[int]uint64)

	segments := findSegments(w.dir)
	if len(segments) > 0 {
		w.group.MinIndex = segments[0]
		w.segmentIndex = segments[len(segments)-1]
	} else {
		w.group.MinIndex = 0
		w.segmentIndex = 0
	}
	w.group.MaxIndex = w.segmentIndex

	if err := w.buildIndex(segments); err != nil {
		return fmt.Errorf("failed to build WAL index: %w", err)
	}

	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

// buildIndex scans all segments, records the highest epoch in each and
// repairs a torn tail in the newest one
func (w *FileWAL) buildIndex(segments []int) error {
	for i, idx := range segments {
		last := i == len(segments)-1
		good, err := w.scanSegment(idx)
		if err == nil {
			continue
		}
		if !last {
			return fmt.Errorf("segment %d: %w", idx, err)
		}
		if err := w.truncateSegment(idx, good); err != nil {
			return err
		}
		w.logger.Warn().
			Int("segment", idx).
			Int64("offset", good).
			Err(err).
			Msg("truncated torn WAL tail")
	}
	return nil
}

// scanSegment decodes a segment and returns the offset after the last intact
// record. err is nil when the whole segment decodes.
func (w *FileWAL) scanSegment(idx int) (int64, error) {
	file, err := os.Open(w.segmentPath(idx))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	var good int64
	for {
		msg, n, err := dec.decode()
		if err == io.EOF {
			return good, nil
		}
		if err != nil {
			return good, err
		}
		good += int64(n)
		if msg.Epoch > w.segmentEpochs[idx] {
			w.segmentEpochs[idx] = msg.Epoch
		}
	}
}

func (w *FileWAL) truncateSegment(idx int, size int64) error {
	path := w.segmentPath(idx)
	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("failed to truncate WAL segment %d: %w", idx, err)
	}
	return nil
}

// segmentPath returns the file path for a segment index
func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%05d", index))
}

// openSegment opens a segment file for writing
func (w *FileWAL) openSegment(index int) error {
	path := w.segmentPath(index)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()

	return nil
}

// Stop closes the WAL file
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}

	w.started = false

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Write writes a message to the WAL (buffered)
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.write(msg)
}

func (w *FileWAL) write(msg *Message) error {
	if !w.started {
		return ErrWALClosed
	}

	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	n, err := w.enc.Encode(msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if msg.Epoch > w.segmentEpochs[w.segmentIndex] {
		w.segmentEpochs[w.segmentIndex] = msg.Epoch
	}
	return nil
}

// WriteSync writes a message and syncs to disk
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(msg); err != nil {
		return err
	}
	return w.flushAndSync()
}

// Rotate implements WAL
func (w *FileWAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.rotate()
}

// rotate closes the current segment and opens a new one
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	w.segmentIndex++
	w.group.MaxIndex = w.segmentIndex

	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk.
// Safe for concurrent use.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	return w.flushAndSync()
}

// flushAndSync is the internal version that assumes lock is held
func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForLastSnapshot implements WAL
func (w *FileWAL) SearchForLastSnapshot() (*Message, Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, nil, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, nil, err
	}

	// scan backwards for the newest snapshot
	var (
		snapshot    *Message
		snapSegment = w.group.MinIndex
		snapOrdinal = -1
	)
	for idx := w.group.MaxIndex; idx >= w.group.MinIndex && snapshot == nil; idx-- {
		msg, ordinal, err := w.lastSnapshotInSegment(idx)
		if err != nil {
			return nil, nil, err
		}
		if msg != nil {
			snapshot, snapSegment, snapOrdinal = msg, idx, ordinal
		}
	}

	segments := make([]int, 0, w.group.MaxIndex-snapSegment+1)
	for idx := snapSegment; idx <= w.group.MaxIndex; idx++ {
		segments = append(segments, idx)
	}
	reader := &multiSegmentReader{
		dir:      w.dir,
		segments: segments,
		current:  -1,
	}
	for i := 0; i <= snapOrdinal; i++ {
		if _, err := reader.Read(); err != nil {
			reader.Close()
			return nil, nil, fmt.Errorf("failed to skip to snapshot: %w", err)
		}
	}
	return snapshot, reader, nil
}

// lastSnapshotInSegment returns the last snapshot of a segment and its
// position among the segment's records
func (w *FileWAL) lastSnapshotInSegment(idx int) (*Message, int, error) {
	file, err := os.Open(w.segmentPath(idx))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, -1, nil
		}
		return nil, -1, err
	}
	defer file.Close()

	var (
		found   *Message
		ordinal = -1
	)
	dec := newDecoder(bufio.NewReader(file))
	for i := 0; ; i++ {
		msg, err := dec.Decode()
		if err == io.EOF {
			return found, ordinal, nil
		}
		if err != nil {
			return nil, -1, fmt.Errorf("segment %d: %w", idx, err)
		}
		if msg.Type == MsgTypeSnapshot {
			found, ordinal = msg, i
		}
	}
}

// Checkpoint deletes closed segments whose records all have epoch <= epoch.
// Call it once a snapshot of a later epoch is durable.
func (w *FileWAL) Checkpoint(epoch uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	segmentsToDelete := []int{}
	for idx := w.group.MinIndex; idx < w.group.MaxIndex; idx++ { // Never delete current segment
		if w.segmentEpochs[idx] > epoch {
			break
		}
		segmentsToDelete = append(segmentsToDelete, idx)
	}

	for _, idx := range segmentsToDelete {
		path := w.segmentPath(idx)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
		delete(w.segmentEpochs, idx)
	}

	if len(segmentsToDelete) > 0 {
		w.group.MinIndex = segmentsToDelete[len(segmentsToDelete)-1] + 1
		w.logger.Debug().
			Int("deleted", len(segmentsToDelete)).
			Uint64("epoch", epoch).
			Msg("WAL segments compacted")
	}
	return nil
}

// SegmentCount returns the number of segments
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.group.MaxIndex - w.group.MinIndex + 1
}

// Ensure FileWAL implements WAL
var _ WAL = (*FileWAL)(nil)

// encoder encodes messages to the WAL
type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		w:   w,
		buf: make([]byte, 8),
	}
}

// Encode writes a record as [4 bytes length][data][4 bytes CRC32] and
// returns the number of bytes written
func (e *encoder) Encode(msg *Message) (int, error) {
	data := msg.Marshal()
	if len(data) > maxMsgSize {
		return 0, fmt.Errorf("WAL record of %d bytes exceeds limit", len(data))
	}

	checksum := crc32.ChecksumIEEE(data)

	binary.BigEndian.PutUint32(e.buf[:4], uint32(len(data)))
	if _, err := e.w.Write(e.buf[:4]); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(e.buf[:4], checksum)
	if _, err := e.w.Write(e.buf[:4]); err != nil {
		return 0, err
	}

	return 4 + len(data) + 4, nil
}

// decoder decodes messages from the WAL
type decoder struct {
	r   io.Reader
	buf []byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{
		r:   r,
		buf: make([]byte, 4),
	}
}

// Decode reads the next record
func (d *decoder) Decode() (*Message, error) {
	msg, _, err := d.decode()
	return msg, err
}

// decode reads the next record and returns its size on disk. A record cut
// short by the end of the file is reported as ErrWALCorrupted.
func (d *decoder) decode() (*Message, int, error) {
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: truncated length prefix", ErrWALCorrupted)
		}
		return nil, 0, err
	}

	length := binary.BigEndian.Uint32(d.buf[:4])
	if length > maxMsgSize {
		return nil, 0, fmt.Errorf("%w: record length %d", ErrWALCorrupted, length)
	}

	poolBufPtr := decoderPool.Get().(*[]byte)
	poolBuf := *poolBufPtr
	defer func() {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
	}()

	if cap(poolBuf) < int(length) {
		poolBuf = make([]byte, length)
	} else {
		poolBuf = poolBuf[:length]
	}

	if _, err := io.ReadFull(d.r, poolBuf); err != nil {
		return nil, 0, fmt.Errorf("%w: truncated record: %v", ErrWALCorrupted, err)
	}
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return nil, 0, fmt.Errorf("%w: truncated checksum: %v", ErrWALCorrupted, err)
	}
	expectedCRC := binary.BigEndian.Uint32(d.buf[:4])
	actualCRC := crc32.ChecksumIEEE(poolBuf)
	if expectedCRC != actualCRC {
		return nil, 0, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expectedCRC, actualCRC)
	}

	// Unmarshal copies the payload out of the pooled buffer
	msg := &Message{}
	if err := msg.Unmarshal(poolBuf); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	return msg, 4 + int(length) + 4, nil
}

// fileReader reads messages from a WAL file
type fileReader struct {
	file *os.File
	dec  *decoder
}

func (r *fileReader) Read() (*Message, error) {
	return r.dec.Decode()
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

var _ Reader = (*fileReader)(nil)

// OpenWALForReading opens a WAL for reading from the beginning
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}

	return &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1, // Will be incremented to 0 on first read
	}, nil
}

// findSegments finds all WAL segment files in a directory and returns their indices
func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}

	sort.Ints(segments)
	return segments
}

// multiSegmentReader reads through multiple WAL segments
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	reader   *fileReader
}

func (r *multiSegmentReader) Read() (*Message, error) {
	for {
		if r.reader == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}

			path := filepath.Join(r.dir, fmt.Sprintf("wal-%05d", r.segments[r.current]))
			file, err := os.Open(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			r.reader = &fileReader{
				file: file,
				dec:  newDecoder(bufio.NewReader(file)),
			}
		}

		msg, err := r.reader.Read()
		if err == io.EOF {
			r.reader.Close()
			r.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
