// Package privval implements the local replica signer with double-sign
// prevention.
//
// A replica signs pre-prepares, votes (prepare, commit, fast and checkpoint),
// view changes and new views. Signing two different digests for the same
// (step, view, sequence) is equivocation, so the signer remembers what it
// signed inside the working window and refuses conflicting requests. Re-signing
// an identical statement returns the cached signature.
//
// Signing a view change raises a view floor: once a replica has asked to
// leave view v it never signs a vote or proposal for a view below v+1.
//
// # Implementation
//
// FilePV keeps two files:
//
//	- key.json: Ed25519 key pair (written once)
//	- state.json: view floor, stable checkpoint and the sign records above it
//
// State is written with write-sync-rename before a signature is returned.
// Prune drops records at or below a stable checkpoint so the state file stays
// bounded by the window size. NewMemPV builds the same signer without files.
package privval
