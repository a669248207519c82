package engine

import (
	"errors"
	"fmt"

	"github.com/AvishayYanay/concord-bft/evidence"
	"github.com/AvishayYanay/concord-bft/types"
)

// handlePrePrepare accepts the leader's proposal for a slot of the current
// view
func (rs *ReplicaState) handlePrePrepare(pp *types.PrePrepare) {
	if rs.readOnly {
		return
	}
	if pp.View > rs.view {
		rs.peers.SetView(pp.Leader, pp.View)
		rs.catchUpView()
	}
	if pp.View != rs.view || rs.vcState != StateNormal {
		rs.drop(pp, "not in view")
		return
	}
	if !rs.window.InRange(pp.Seq) {
		rs.drop(pp, "outside window")
		return
	}
	if rs.checkConflictingPrePrepare(pp) {
		rs.drop(pp, "conflicting pre-prepare")
		return
	}

	s := rs.window.GetOrCreate(pp.Seq, rs.view)
	if s.View != rs.view {
		s.resetView(rs.view)
	}
	if s.PrePrepare != nil {
		if s.PrePrepare.Digest != pp.Digest {
			rs.drop(pp, "slot already accepted another digest")
		}
		return
	}
	if cb := s.committedBatch(); cb != nil && cb.Digest != pp.Digest {
		rs.logger.Error().
			Uint64("seq", uint64(pp.Seq)).
			Str("committed", cb.Digest.Short()).
			Str("proposed", pp.Digest.Short()).
			Msg("proposal conflicts with committed batch")
		rs.drop(pp, "conflicts with committed batch")
		return
	}
	rs.acceptPrePrepare(pp)
}

// acceptPrePrepare installs pp in its slot and casts this replica's votes.
// The slot record reaches the store before the votes leave.
func (rs *ReplicaState) acceptPrePrepare(pp *types.PrePrepare) {
	s := rs.window.GetOrCreate(pp.Seq, pp.View)
	if s == nil {
		return
	}
	if s.View != pp.View {
		s.resetView(pp.View)
	}
	s.PrePrepare = pp
	if s.Phase < PhasePrePrepared {
		s.Phase = PhasePrePrepared
	}
	s.acceptedAt = rs.now()
	if !rs.cfg.FastPath.Enabled {
		s.Path = PathSlow
	}

	if !rs.readOnly {
		if v := rs.signVote(types.VotePrepare, pp.Seq, pp.Digest); v != nil {
			s.sentPrepare = true
			rs.fx.broadcast(v)
			rs.addVote(s, v)
		}
		if s.Path == PathFast {
			if v := rs.signVote(types.VoteFast, pp.Seq, pp.Digest); v != nil {
				s.sentFast = true
				s.FastVoted = pp
				rs.fx.broadcast(v)
				rs.addVote(s, v)
			}
			rs.timers.ScheduleTimeout(TimeoutInfo{
				Duration: rs.cfg.Timeouts.FastPath,
				Kind:     TimeoutFastPath,
				Seq:      pp.Seq,
				View:     pp.View,
			})
		}
	}

	rs.logger.Debug().
		Uint64("view", uint64(pp.View)).
		Uint64("seq", uint64(pp.Seq)).
		Str("digest", pp.Digest.Short()).
		Stringer("path", s.Path).
		Msg("accepted pre-prepare")

	rs.persistSlot(s)
	if !s.IsCommitted() {
		rs.armRequestTimer()
	}
	rs.checkSlot(s)
}

// handleVote counts a prepare, commit or fast vote of the current view
func (rs *ReplicaState) handleVote(v *types.Vote) {
	if rs.readOnly || v.Replica == rs.id {
		return
	}
	if v.View > rs.view {
		rs.peers.SetView(v.Replica, v.View)
		rs.catchUpView()
	}
	if v.View != rs.view || rs.vcState != StateNormal {
		rs.drop(v, "not in view")
		return
	}
	if !rs.window.InRange(v.Seq) {
		rs.drop(v, "outside window")
		return
	}

	s := rs.window.GetOrCreate(v.Seq, rs.view)
	if s.View != rs.view {
		s.resetView(rs.view)
	}
	if rs.checkEquivocation(v) {
		if v.Kind == types.VoteFast {
			rs.demote(s, "equivocating fast vote")
		}
		rs.drop(v, "equivocation")
		return
	}
	if rs.addVote(s, v) {
		rs.checkSlot(s)
	}
}

// addVote adds a vote to the slot and reports whether it was new
func (rs *ReplicaState) addVote(s *Slot, v *types.Vote) bool {
	vs := s.votes(v.Kind)
	if vs == nil {
		return false
	}
	added, err := vs.AddVote(v)
	if err != nil {
		if errors.Is(err, ErrConflictingVote) && v.Kind == types.VoteFast {
			rs.demote(s, "conflicting fast vote")
		}
		rs.logger.Debug().Err(err).
			Stringer("kind", v.Kind).
			Uint64("seq", uint64(v.Seq)).
			Uint32("replica", uint32(v.Replica)).
			Msg("vote rejected")
		return false
	}
	return added
}

// preparedInView reports whether the slot holds a prepared certificate of
// its current view
func preparedInView(s *Slot) bool {
	return s.Prepared != nil && s.Prepared.Cert.View == s.View
}

// checkSlot advances a slot as far as its votes allow
func (rs *ReplicaState) checkSlot(s *Slot) {
	if s.PrePrepare == nil || rs.fault != nil {
		return
	}
	pp := s.PrePrepare
	d := pp.Digest
	changed := false

	if s.Path == PathFast && !s.IsCommitted() {
		fq := rs.cfg.FastQuorum()
		if s.fastVotes.Count(d) >= fq {
			qc, err := rs.verifier.Aggregate(s.fastVotes.Votes(d))
			var fc *types.FastPathCertificate
			if err == nil {
				fc, err = types.NewFastPathCertificate(qc)
			}
			if err != nil {
				rs.logger.Error().Err(err).Uint64("seq", uint64(s.Seq)).Msg("failed to aggregate fast votes")
			} else {
				if !preparedInView(s) {
					s.Prepared = &types.PreparedEntry{PrePrepare: pp, Cert: fc.AsPreparedProof()}
				}
				rs.commit(s, pp, fc.Certificate())
				return
			}
		} else if s.fastVotes.Size()-s.fastVotes.Count(d) > rs.replicas.N()-fq {
			rs.demote(s, "fast quorum unreachable")
		}
	}

	if !preparedInView(s) && s.prepares.Count(d) >= rs.replicas.SlowQuorum() {
		qc, err := rs.verifier.Aggregate(s.prepares.Votes(d))
		if err != nil {
			rs.logger.Error().Err(err).Uint64("seq", uint64(s.Seq)).Msg("failed to aggregate prepares")
			return
		}
		s.Prepared = &types.PreparedEntry{PrePrepare: pp, Cert: qc}
		if s.Phase < PhasePrepared {
			s.Phase = PhasePrepared
		}
		changed = true
		rs.logger.Debug().
			Uint64("view", uint64(s.View)).
			Uint64("seq", uint64(s.Seq)).
			Msg("prepared")
	}

	if preparedInView(s) && !s.sentCommit && !rs.readOnly {
		if v := rs.signVote(types.VoteCommit, s.Seq, d); v != nil {
			s.sentCommit = true
			rs.fx.broadcast(v)
			rs.addVote(s, v)
		}
	}

	if !s.IsCommitted() && s.commits.Count(d) >= rs.replicas.SlowQuorum() {
		qc, err := rs.verifier.Aggregate(s.commits.Votes(d))
		if err != nil {
			rs.logger.Error().Err(err).Uint64("seq", uint64(s.Seq)).Msg("failed to aggregate commits")
			return
		}
		rs.commit(s, pp, qc)
		return
	}

	if changed {
		rs.persistSlot(s)
	}
}

// demote moves a slot to the slow path for good
func (rs *ReplicaState) demote(s *Slot, reason string) {
	if s.Path == PathSlow || s.IsCommitted() {
		return
	}
	s.Path = PathSlow
	rs.timers.CancelTimeout(TimeoutFastPath, s.Seq)
	rs.logger.Debug().
		Uint64("view", uint64(s.View)).
		Uint64("seq", uint64(s.Seq)).
		Str("reason", reason).
		Msg("slot demoted to slow path")
	rs.persistSlot(s)
}

// onFastPathTimeout gives up on the fast quorum of a slot
func (rs *ReplicaState) onFastPathTimeout(ti TimeoutInfo) {
	s := rs.window.Get(ti.Seq)
	if s == nil || s.View != ti.View {
		return
	}
	rs.demote(s, "fast path timeout")
}

// commit decides the slot with a commit or fast certificate
func (rs *ReplicaState) commit(s *Slot, pp *types.PrePrepare, qc *types.QuorumCertificate) {
	if s.IsCommitted() {
		return
	}
	s.Committed = &types.CommitProof{From: rs.id, PrePrepare: pp, Cert: qc}
	s.Phase = PhaseCommitted
	rs.timers.CancelTimeout(TimeoutFastPath, s.Seq)

	if qc.IsFast() {
		rs.metrics.incFastPath()
	} else {
		rs.metrics.incSlowPath()
	}
	rs.logger.Debug().
		Uint64("view", uint64(qc.View)).
		Uint64("seq", uint64(s.Seq)).
		Str("digest", pp.Digest.Short()).
		Bool("fast", qc.IsFast()).
		Msg("committed")

	rs.persistSlot(s)
	if rs.isLeader() {
		rs.fx.broadcast(s.Committed)
	}
	rs.dispatchExecution()
	rs.tryPropose(false)
}

// handleCommitProof commits a slot from a certificate another replica
// assembled. Read-only replicas learn every decision this way.
func (rs *ReplicaState) handleCommitProof(cp *types.CommitProof) {
	pp := cp.PrePrepare
	if !rs.window.InRange(pp.Seq) {
		rs.drop(cp, "outside window")
		return
	}
	s := rs.window.GetOrCreate(pp.Seq, rs.view)
	if s.IsCommitted() {
		return
	}
	if s.View == pp.View && s.PrePrepare == nil {
		s.PrePrepare = pp
	}
	if fc, err := types.NewFastPathCertificate(cp.Cert); err == nil && (s.Prepared == nil || s.Prepared.Cert.View < cp.Cert.View) {
		s.Prepared = &types.PreparedEntry{PrePrepare: pp, Cert: fc.AsPreparedProof()}
	}
	rs.commit(s, pp, cp.Cert)
}

// dispatchExecution hands committed slots to the executor in sequence
// order. It stops at the first slot that is not committed.
func (rs *ReplicaState) dispatchExecution() {
	if rs.sync.IsSyncing() || rs.fault != nil {
		return
	}
	for {
		seq := rs.lastDispatched + 1
		s := rs.window.Get(seq)
		if s == nil || s.Committed == nil {
			return
		}
		pp := s.Committed.PrePrepare
		s.dispatched = true
		rs.lastDispatched = seq
		rs.fx.execute(execJob{
			kind:     jobExecute,
			seq:      seq,
			requests: pp.Requests,
			digest:   pp.Digest,
		})
	}
}

// handleExecResult applies what the executor reported
func (rs *ReplicaState) handleExecResult(res execResult) {
	if rs.fault != nil {
		return
	}
	if res.err != nil {
		if res.kind == jobInstall {
			rs.sync.onInstallFailed(res.err)
			return
		}
		rs.halt(fmt.Errorf("execute seq %d: %w", res.seq, res.err))
		return
	}

	switch res.kind {
	case jobExecute:
		if res.seq <= rs.lastExecuted {
			return
		}
		rs.lastExecuted = res.seq
		rs.metrics.setExecuted(res.seq)
		if s := rs.window.Get(res.seq); s != nil {
			s.Phase = PhaseExecuted
		}
		rs.markExecuted(res.executed)
		if res.checkpoint != nil {
			rs.onCheckpointTaken(res.checkpoint)
		}
		rs.tryPropose(false)
	case jobInstall:
		rs.sync.onInstalled(res)
	}
}

// checkEquivocation records evidence when v conflicts with an earlier vote
// of the same replica
func (rs *ReplicaState) checkEquivocation(v *types.Vote) bool {
	ev, err := rs.evidence.CheckVote(v)
	if err != nil {
		rs.logger.Warn().Err(err).Msg("evidence check failed")
		return false
	}
	if ev == nil {
		return false
	}
	rs.metrics.incEquivocation()
	if err := rs.evidence.AddDuplicateVoteEvidence(ev); err != nil && !errors.Is(err, evidence.ErrDuplicateEvidence) {
		rs.logger.Warn().Err(err).Msg("failed to store evidence")
	}
	rs.logger.Error().
		Stringer("kind", v.Kind).
		Uint32("replica", uint32(v.Replica)).
		Uint64("view", uint64(v.View)).
		Uint64("seq", uint64(v.Seq)).
		Str("first", ev.VoteA.Digest.Short()).
		Str("second", ev.VoteB.Digest.Short()).
		Msg("equivocating vote")
	return true
}

// checkConflictingPrePrepare records evidence when the leader proposed two
// digests for one slot
func (rs *ReplicaState) checkConflictingPrePrepare(pp *types.PrePrepare) bool {
	ev, err := rs.evidence.CheckPrePrepare(pp)
	if err != nil {
		rs.logger.Warn().Err(err).Msg("evidence check failed")
		return false
	}
	if ev == nil {
		return false
	}
	rs.metrics.incEquivocation()
	if err := rs.evidence.AddConflictingPrePrepareEvidence(ev); err != nil && !errors.Is(err, evidence.ErrDuplicateEvidence) {
		rs.logger.Warn().Err(err).Msg("failed to store evidence")
	}
	rs.logger.Error().
		Uint32("leader", uint32(pp.Leader)).
		Uint64("view", uint64(pp.View)).
		Uint64("seq", uint64(pp.Seq)).
		Str("first", ev.A.Digest.Short()).
		Str("second", ev.B.Digest.Short()).
		Msg("conflicting pre-prepare")
	return true
}
