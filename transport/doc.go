// Package transport moves protocol messages between replicas.
//
// Transport is the interface the engine sends through. Network is an
// in-process implementation used by tests and by embedders that run several
// replicas in one process. It round-trips every message through the wire
// codec and can inject the faults a real network exhibits: loss,
// duplication, reordering through random delays, partitions and arbitrary
// per-message filters.
package transport
