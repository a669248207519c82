package types

import (
	"errors"
	"testing"
)

func TestNewQuorumCertificate(t *testing.T) {
	d := HashBytes([]byte("batch"))
	qc := testCert(t, VotePrepare, 9, d, 5, 1, 3)

	if qc.Size() != 3 {
		t.Fatalf("expected 3 signers, got %d", qc.Size())
	}
	ids, err := qc.SignerIDs()
	if err != nil {
		t.Fatalf("SignerIDs failed: %v", err)
	}
	if ids[0] != 1 || ids[1] != 3 || ids[2] != 5 {
		t.Errorf("signers should be sorted, got %v", ids)
	}
	// signatures follow signer order
	if qc.Signatures[0][0] != 1 || qc.Signatures[2][0] != 5 {
		t.Error("signatures not in signer order")
	}
	if !qc.HasSigner(3) || qc.HasSigner(2) {
		t.Error("HasSigner mismatch")
	}

	votes, err := qc.Votes()
	if err != nil {
		t.Fatalf("Votes failed: %v", err)
	}
	if len(votes) != 3 || votes[1].Replica != 3 || votes[1].Digest != d {
		t.Errorf("unexpected expanded votes: %+v", votes)
	}
}

func TestNewQuorumCertificateErrors(t *testing.T) {
	if _, err := NewQuorumCertificate(nil); err != ErrEmptyCertificate {
		t.Errorf("expected ErrEmptyCertificate, got %v", err)
	}

	d := HashBytes([]byte("a"))
	votes := []*Vote{
		{Kind: VoteCommit, View: 1, Seq: 1, Digest: d, Replica: 0},
		{Kind: VoteCommit, View: 1, Seq: 1, Digest: HashBytes([]byte("b")), Replica: 1},
	}
	if _, err := NewQuorumCertificate(votes); !errors.Is(err, ErrMismatchedVote) {
		t.Errorf("expected ErrMismatchedVote, got %v", err)
	}

	votes[1].Digest = d
	votes[1].Replica = 0
	if _, err := NewQuorumCertificate(votes); !errors.Is(err, ErrDuplicateSigner) {
		t.Errorf("expected ErrDuplicateSigner, got %v", err)
	}
}

func TestQuorumCertificateCopy(t *testing.T) {
	qc := testCert(t, VoteCommit, 1, HashBytes([]byte("x")), 0, 1)
	c := qc.Copy()
	c.Signatures[0][0] = 0x99
	if qc.Signatures[0][0] == 0x99 {
		t.Error("copy shares signature storage")
	}
	if c.Size() != 2 {
		t.Errorf("copy lost signers")
	}
}

func TestFastPathCertificate(t *testing.T) {
	d := HashBytes([]byte("fast"))
	if _, err := NewFastPathCertificate(testCert(t, VotePrepare, 1, d, 0)); err == nil {
		t.Error("prepare quorum accepted as fast-path certificate")
	}

	fc, err := NewFastPathCertificate(testCert(t, VoteFast, 1, d, 0, 1, 2, 3))
	if err != nil {
		t.Fatalf("NewFastPathCertificate failed: %v", err)
	}
	proof := fc.AsPreparedProof()
	if !proof.ProvesPrepared() || proof.Digest != d {
		t.Error("fast certificate should prove the digest prepared")
	}
	if (&QuorumCertificate{Kind: VoteCommit}).ProvesPrepared() {
		t.Error("commit certificate should not be a prepared proof")
	}
}

func TestDigest(t *testing.T) {
	d := HashBytes([]byte("a"), []byte("b"))
	if d != HashBytes([]byte("ab")) {
		t.Error("HashBytes should hash the concatenation of its parts")
	}
	if d.IsZero() || !NullDigest.IsZero() {
		t.Error("IsZero mismatch")
	}
	if NullDigest.Short() != "null" {
		t.Errorf("unexpected null short form %q", NullDigest.Short())
	}

	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	var back Digest
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back != d {
		t.Error("text round trip mismatch")
	}
	if _, err := DigestFromBytes(make([]byte, 16)); err == nil {
		t.Error("expected error for short digest")
	}
}

func TestBatchDigest(t *testing.T) {
	if BatchDigest(nil) != NullDigest {
		t.Error("empty batch must have the null digest")
	}
	a := BatchDigest(testBatch())
	reordered := testBatch()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	if a == BatchDigest(reordered) {
		t.Error("batch digest must depend on order")
	}
}
