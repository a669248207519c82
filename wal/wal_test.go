package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func startWAL(t *testing.T, dir string, segSize int64) *FileWAL {
	t.Helper()
	w, err := NewFileWALWithOptions(dir, segSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	return w
}

func readAll(t *testing.T, r Reader) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := r.Read()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		out = append(out, msg)
	}
}

func TestFileWALBasic(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)

	if err := w.Write(NewBatchMessage(0, []byte("one"))); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
	if err := w.WriteSync(NewBatchMessage(0, []byte("two"))); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "wal-00000")); os.IsNotExist(err) {
		t.Error("WAL segment file should exist")
	}

	r, err := OpenWALForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL: %v", err)
	}
	defer r.Close()

	msgs := readAll(t, r)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[1].Data) != "two" || msgs[1].Type != MsgTypeBatch {
		t.Errorf("unexpected message %+v", msgs[1])
	}
}

func TestFileWALClosed(t *testing.T) {
	w, err := NewFileWAL(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := w.Write(NewBatchMessage(0, nil)); err != ErrWALClosed {
		t.Errorf("expected ErrWALClosed, got %v", err)
	}
	if _, _, err := w.SearchForLastSnapshot(); err != ErrWALClosed {
		t.Errorf("expected ErrWALClosed, got %v", err)
	}
}

func TestFileWALRotation(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 64)
	defer w.Stop()

	payload := make([]byte, 40)
	for i := 0; i < 6; i++ {
		if err := w.Write(NewBatchMessage(0, payload)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	if w.SegmentCount() < 3 {
		t.Errorf("expected rotation, got %d segments", w.SegmentCount())
	}
}

func TestSearchForLastSnapshot(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)

	// no snapshot: reader starts at the beginning
	_ = w.Write(NewBatchMessage(0, []byte("b0")))
	snap, r, err := w.SearchForLastSnapshot()
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if snap != nil {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if got := readAll(t, r); len(got) != 1 {
		t.Errorf("expected 1 record, got %d", len(got))
	}
	r.Close()

	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	_ = w.Write(NewSnapshotMessage(1, []byte("image-1")))
	_ = w.Write(NewBatchMessage(1, []byte("b1")))
	_ = w.Write(NewSnapshotMessage(2, []byte("image-2")))
	_ = w.Write(NewBatchMessage(2, []byte("b2")))
	_ = w.Write(NewBatchMessage(2, []byte("b3")))

	snap, r, err = w.SearchForLastSnapshot()
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	defer r.Close()
	if snap == nil || string(snap.Data) != "image-2" || snap.Epoch != 2 {
		t.Fatalf("expected newest snapshot, got %+v", snap)
	}
	rest := readAll(t, r)
	if len(rest) != 2 || string(rest[0].Data) != "b2" || string(rest[1].Data) != "b3" {
		t.Errorf("unexpected records after snapshot: %d", len(rest))
	}
}

func TestCheckpointDeletesOldEpochs(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)
	defer w.Stop()

	_ = w.Write(NewBatchMessage(0, []byte("a")))
	_ = w.Rotate()
	_ = w.Write(NewBatchMessage(0, []byte("b")))
	_ = w.Rotate()
	_ = w.WriteSync(NewSnapshotMessage(1, []byte("image")))

	if err := w.Checkpoint(0); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if w.SegmentCount() != 1 {
		t.Errorf("expected 1 segment after checkpoint, got %d", w.SegmentCount())
	}
	if _, err := os.Stat(filepath.Join(dir, "wal-00000")); !os.IsNotExist(err) {
		t.Error("old segment should be deleted")
	}

	snap, r, err := w.SearchForLastSnapshot()
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	r.Close()
	if snap == nil || snap.Epoch != 1 {
		t.Errorf("snapshot lost by checkpoint")
	}
}

func TestTornTailRepair(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)
	_ = w.Write(NewBatchMessage(0, []byte("intact")))
	_ = w.WriteSync(NewBatchMessage(0, []byte("torn-record")))
	_ = w.Stop()

	path := filepath.Join(dir, "wal-00000")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	w = startWAL(t, dir, 0)
	if err := w.WriteSync(NewBatchMessage(0, []byte("after"))); err != nil {
		t.Fatalf("write after repair failed: %v", err)
	}
	_ = w.Stop()

	r, err := OpenWALForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL: %v", err)
	}
	defer r.Close()
	msgs := readAll(t, r)
	if len(msgs) != 2 || string(msgs[0].Data) != "intact" || string(msgs[1].Data) != "after" {
		t.Errorf("unexpected records after repair: %d", len(msgs))
	}
}

func TestCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)
	_ = w.WriteSync(NewBatchMessage(0, []byte("payload")))
	_ = w.Stop()

	path := filepath.Join(dir, "wal-00000")
	data, _ := os.ReadFile(path)
	data[6] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r, err := OpenWALForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL: %v", err)
	}
	defer r.Close()
	if _, err := r.Read(); !errors.Is(err, ErrWALCorrupted) {
		t.Errorf("expected ErrWALCorrupted, got %v", err)
	}
}

func TestMessageMarshal(t *testing.T) {
	m := NewSnapshotMessage(7, []byte("image"))
	var back Message
	if err := back.Unmarshal(m.Marshal()); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.Type != MsgTypeSnapshot || back.Epoch != 7 || string(back.Data) != "image" {
		t.Errorf("unexpected message %+v", back)
	}
	if MsgTypeBatch.String() != "batch" {
		t.Errorf("unexpected type name %q", MsgTypeBatch.String())
	}
}
