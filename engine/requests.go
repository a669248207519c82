package engine

import (
	"fmt"

	"github.com/AvishayYanay/concord-bft/types"
)

// handleRequest takes a client request. fromClient is false for requests
// forwarded by another replica.
func (rs *ReplicaState) handleRequest(req types.Request, fromClient bool) {
	if rs.readOnly {
		return
	}
	key := keyOf(&req)

	if last, ok := rs.executed[req.ClientID]; ok && req.RequestID <= last {
		if fromClient && req.RequestID == last {
			rs.fx.execute(execJob{kind: jobReply, requests: []types.Request{req.Copy()}})
		}
		return
	}

	if rs.isLeader() && rs.vcState == StateNormal {
		if fromClient {
			rs.waitFor(req)
		}
		rs.enqueue(req)
		rs.tryPropose(false)
		return
	}

	_, known := rs.waiting[key]
	rs.waitFor(req)
	if fromClient && !known && rs.vcState == StateNormal {
		rs.fx.send(rs.leader(), &types.RequestMsg{From: rs.id, Request: req.Copy()})
		rs.logger.Debug().
			Uint64("client", req.ClientID).
			Uint64("request", req.RequestID).
			Uint32("leader", uint32(rs.leader())).
			Msg("forwarded request to leader")
	}
}

// enqueue adds a request to the leader's proposal queue once. Requests
// already proposed in the window are not queued again.
func (rs *ReplicaState) enqueue(req types.Request) {
	key := keyOf(&req)
	if _, dup := rs.queued[key]; dup || rs.proposed(key) {
		return
	}
	rs.queued[key] = struct{}{}
	rs.pending = append(rs.pending, req.Copy())
}

func (rs *ReplicaState) proposed(key requestKey) bool {
	found := false
	rs.window.Range(func(s *Slot) bool {
		if s.PrePrepare == nil {
			return true
		}
		for i := range s.PrePrepare.Requests {
			if keyOf(&s.PrePrepare.Requests[i]) == key {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// waitFor remembers a request this replica expects the leader to order
func (rs *ReplicaState) waitFor(req types.Request) {
	key := keyOf(&req)
	if _, ok := rs.waiting[key]; ok {
		return
	}
	rs.waiting[key] = waitingRequest{req: req.Copy(), since: rs.now()}
	rs.armRequestTimer()
}

func (rs *ReplicaState) armRequestTimer() {
	if rs.requestTimer || rs.readOnly {
		return
	}
	rs.requestTimer = true
	rs.timers.ScheduleTimeout(TimeoutInfo{
		Duration: rs.cfg.Timeouts.Request,
		Kind:     TimeoutRequest,
		View:     rs.view,
	})
}

// onRequestTimeout suspects the leader when a request or an accepted
// proposal waited longer than the request timeout
func (rs *ReplicaState) onRequestTimeout() {
	rs.requestTimer = false
	if rs.vcState != StateNormal || rs.readOnly {
		return
	}
	rs.resendCheckpoints()

	cutoff := rs.now().Add(-rs.cfg.Timeouts.Request)
	stale, busy := false, len(rs.waiting) > 0
	for _, w := range rs.waiting {
		if w.since.Before(cutoff) {
			stale = true
			break
		}
	}
	if !stale {
		rs.window.Range(func(s *Slot) bool {
			if s.IsCommitted() || s.PrePrepare == nil {
				return true
			}
			busy = true
			if s.acceptedAt.Before(cutoff) {
				stale = true
				return false
			}
			return true
		})
	}

	if stale && rs.behindStable() {
		rs.armRequestTimer()
		return
	}
	if stale {
		rs.logger.Info().
			Uint64("view", uint64(rs.view)).
			Uint32("leader", uint32(rs.leader())).
			Int("waiting", len(rs.waiting)).
			Msg("leader unresponsive")
		rs.startViewChange(rs.view+1, "request timeout")
		return
	}
	if busy {
		rs.armRequestTimer()
	}
}

// markExecuted clears requests that were executed or superseded
func (rs *ReplicaState) markExecuted(keys []requestKey) {
	for _, k := range keys {
		if k.id > rs.executed[k.client] {
			rs.executed[k.client] = k.id
		}
		delete(rs.waiting, k)
		delete(rs.queued, k)
	}
	if len(keys) == 0 || len(rs.waiting) == 0 {
		return
	}
	for k := range rs.waiting {
		if k.id <= rs.executed[k.client] {
			delete(rs.waiting, k)
		}
	}
}

// outstanding counts the leader's proposals that are not yet committed
func (rs *ReplicaState) outstanding() int {
	n := 0
	rs.window.Range(func(s *Slot) bool {
		if s.Seq >= rs.nextSeq {
			return false
		}
		if !s.IsCommitted() {
			n++
		}
		return true
	})
	return n
}

// tryPropose turns queued requests into pre-prepares while the window and
// the outstanding bound allow. A partial batch waits for the batch timer
// unless force is set or nothing is in flight.
func (rs *ReplicaState) tryPropose(force bool) {
	if !rs.isLeader() || rs.vcState != StateNormal || rs.sync.IsSyncing() {
		return
	}
	rs.dropExecutedPending()

	for len(rs.pending) > 0 {
		if !rs.window.InRange(rs.nextSeq) {
			rs.logger.Debug().
				Uint64("next", uint64(rs.nextSeq)).
				Uint64("high", uint64(rs.window.High())).
				Msg("window full, holding requests")
			return
		}
		inflight := rs.outstanding()
		if inflight >= rs.cfg.Batch.MaxOutstanding {
			return
		}
		if len(rs.pending) < rs.cfg.Batch.MaxSize && !force && inflight > 0 && rs.cfg.Batch.Timeout > 0 {
			if !rs.batchTimer {
				rs.batchTimer = true
				rs.timers.ScheduleTimeout(TimeoutInfo{
					Duration: rs.cfg.Batch.Timeout,
					Kind:     TimeoutBatch,
					View:     rs.view,
				})
			}
			return
		}

		n := min(len(rs.pending), rs.cfg.Batch.MaxSize)
		batch := rs.pending[:n:n]
		rs.pending = rs.pending[n:]
		if !rs.propose(batch) {
			return
		}
	}
}

func (rs *ReplicaState) dropExecutedPending() {
	kept := rs.pending[:0]
	for _, req := range rs.pending {
		if req.RequestID <= rs.executed[req.ClientID] {
			delete(rs.queued, keyOf(&req))
			continue
		}
		kept = append(kept, req)
	}
	rs.pending = kept
}

// propose signs and sends a pre-prepare for the next sequence
func (rs *ReplicaState) propose(reqs []types.Request) bool {
	pp := &types.PrePrepare{
		View:     rs.view,
		Seq:      rs.nextSeq,
		Digest:   types.BatchDigest(reqs),
		Requests: reqs,
		Leader:   rs.id,
	}
	if err := rs.signer.SignPrePrepare(rs.cfg.ClusterID, pp); err != nil {
		rs.signFailed(err, fmt.Sprintf("pre-prepare view %d seq %d", pp.View, pp.Seq))
		return false
	}
	rs.nextSeq++

	rs.logger.Debug().
		Uint64("view", uint64(pp.View)).
		Uint64("seq", uint64(pp.Seq)).
		Int("requests", len(reqs)).
		Str("digest", pp.Digest.Short()).
		Msg("proposing")

	rs.fx.broadcast(pp)
	rs.acceptPrePrepare(pp)
	return true
}
