package types

import "fmt"

// Request is an opaque client payload. ClientID and RequestID suppress
// duplicates: a client's request IDs must increase.
type Request struct {
	ClientID  uint64
	RequestID uint64
	Payload   []byte
}

// Key returns a map key unique to the (client, request) pair
func (r *Request) Key() string {
	return fmt.Sprintf("%d/%d", r.ClientID, r.RequestID)
}

// Digest returns the digest of the request
func (r *Request) Digest() Digest {
	return HashBytes(appendRequest(nil, r))
}

// Copy returns a deep copy of the request
func (r *Request) Copy() Request {
	return Request{
		ClientID:  r.ClientID,
		RequestID: r.RequestID,
		Payload:   cloneBytes(r.Payload),
	}
}

// BatchDigest returns the digest of an ordered batch of requests.
// The empty batch is the null request and has the null digest.
func BatchDigest(reqs []Request) Digest {
	if len(reqs) == 0 {
		return NullDigest
	}
	parts := make([][]byte, 0, len(reqs)+1)
	parts = append(parts, []byte("concord/batch"))
	for i := range reqs {
		d := reqs[i].Digest()
		parts = append(parts, d[:])
	}
	return HashBytes(parts...)
}

// Reply is the result of executing a request
type Reply struct {
	ClientID  uint64
	RequestID uint64
	Seq       SeqNum
	Result    []byte
}

// CopyRequests deep copies a batch
func CopyRequests(reqs []Request) []Request {
	if reqs == nil {
		return nil
	}
	out := make([]Request, len(reqs))
	for i := range reqs {
		out[i] = reqs[i].Copy()
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
