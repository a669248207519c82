// Package wal implements the segmented write-ahead log behind the file
// storage backend.
//
// The log holds two kinds of records. A batch record carries one atomic
// batch of key/value mutations; a snapshot record carries a full image of
// the store and starts a new epoch. Every record names the epoch it belongs
// to, so replay starts at the newest snapshot and applies the batches
// after it.
//
// # File Format
//
// Each record is encoded as:
//
//	[4 bytes: length][N bytes: protobuf wire encoded Message][4 bytes: CRC32]
//
// Segments are named by index:
//
//	wal-00000
//	wal-00001
//
// # Recovery
//
// Start scans every segment. A torn record at the end of the newest segment,
// left by a crash in the middle of a write, is cut off. Corruption anywhere
// else is reported as ErrWALCorrupted.
//
// # Compaction
//
// The store rotates to a new segment, writes a snapshot of the next epoch
// and then calls Checkpoint, which deletes closed segments holding only
// older epochs.
//
// # Usage Example
//
//	w, err := wal.NewFileWAL("./data/log")
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	err = w.WriteSync(wal.NewBatchMessage(epoch, batch.Marshal()))
//
//	snap, r, err := w.SearchForLastSnapshot()
//	for {
//	    msg, err := r.Read()
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
package wal
