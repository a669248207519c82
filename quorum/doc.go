// Package quorum verifies signatures and assembles quorum certificates.
//
// Verifier is the capability the protocol depends on. The signature scheme
// behind it is swappable: SigSetVerifier keeps one ed25519 signature per
// signer, and a threshold scheme can implement the same three methods.
//
// MessageVerifier checks a whole protocol message, including every nested
// pre-prepare and certificate, against the replica set and the configured
// quorum sizes. Pool runs MessageVerifier on worker goroutines and hands
// verified messages back on a single channel, so the consensus loop only
// ever sees authenticated input.
package quorum
