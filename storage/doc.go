// Package storage provides the durable key/value store behind the replica
// log.
//
// Three backends implement Store:
//
//   - MemStore keeps everything in memory and does not survive a restart.
//   - FileStore appends each batch to the segmented WAL and compacts it into
//     snapshot records.
//   - SQLiteStore writes each batch in one SQLite transaction. It needs cgo.
//
// A Batch is applied atomically: after a crash a reader sees either every
// mutation of the batch or none of them.
package storage
