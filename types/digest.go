package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// DigestSize is the size of a digest in bytes
const DigestSize = 32

// Digest is a SHA3-256 digest of a request batch, a checkpoint state or a
// replica set. The zero digest identifies the null request.
type Digest [DigestSize]byte

// NullDigest is the digest proposed for a sequence with no justified value
var NullDigest Digest

// DigestFromBytes creates a Digest from bytes, returning error if invalid.
// Use for untrusted input (network, files).
func DigestFromBytes(data []byte) (Digest, error) {
	var d Digest
	if len(data) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(data))
	}
	copy(d[:], data)
	return d, nil
}

// HashBytes computes the SHA3-256 digest over the concatenation of parts
func HashBytes(parts ...[]byte) Digest {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// IsZero returns true for the null digest
func (d Digest) IsZero() bool {
	return d == NullDigest
}

// Bytes returns a copy of the digest bytes
func (d Digest) Bytes() []byte {
	b := make([]byte, DigestSize)
	copy(b, d[:])
	return b
}

// Compare orders digests bytewise
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

// String returns the hex-encoded digest
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 8 hex characters, used in log lines
func (d Digest) Short() string {
	if d.IsZero() {
		return "null"
	}
	return hex.EncodeToString(d[:4])
}

// MarshalText implements encoding.TextMarshaler
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Digest) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid digest hex: %w", err)
	}
	parsed, err := DigestFromBytes(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
