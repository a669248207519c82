// Package evidence detects and collects proof of Byzantine equivocation.
//
// Two kinds of equivocation are recognized:
//
//   - DuplicateVoteEvidence: a replica signed two prepare, commit, fast or
//     checkpoint votes for the same slot with different digests.
//   - ConflictingPrePrepareEvidence: a leader signed two proposals for the
//     same (view, seq).
//
// The consensus core feeds every verified vote and pre-prepare through
// CheckVote and CheckPrePrepare. The offending messages are discarded for
// that slot and the evidence is queued in the Pool, where external
// accountability tooling collects it with PendingEvidence and acknowledges it
// with MarkReported.
//
// Seen messages at or below the stable checkpoint are pruned by Update.
// Evidence older than MaxAgeSeqs below the checkpoint, or older than MaxAge,
// expires.
//
// The Pool is safe for concurrent use.
package evidence
