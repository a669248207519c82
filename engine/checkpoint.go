package engine

import (
	"fmt"
	"sort"

	"github.com/AvishayYanay/concord-bft/types"
)

// storeOwnCheckpoint keeps this replica's snapshot at a checkpoint so it
// can be served to others and installed again after a restart
func (rs *ReplicaState) storeOwnCheckpoint(cp *checkpointData) {
	if cp == nil {
		return
	}
	rs.ownCheckpoints[cp.seq] = cp
	rs.snapshots.Set(snapshotKey(cp.seq), cp)
	rec := &checkpointRecord{Digest: cp.digest, Snapshot: cp.snapshot}
	rs.fx.batch.Put(checkpointKey(cp.seq), rec.marshal())
}

// onCheckpointTaken attests the state the executor reached at a checkpoint
func (rs *ReplicaState) onCheckpointTaken(cp *checkpointData) {
	if cp.seq <= rs.stableSeq {
		return
	}
	rs.storeOwnCheckpoint(cp)
	if !rs.readOnly {
		if v := rs.signVote(types.VoteCheckpoint, cp.seq, cp.digest); v != nil {
			rs.fx.broadcast(v)
			rs.addCheckpointVote(v)
		}
	}
	rs.logger.Debug().
		Uint64("seq", uint64(cp.seq)).
		Str("digest", cp.digest.Short()).
		Msg("checkpoint taken")
	rs.tryStabilize(cp.seq)
}

// resendCheckpoints broadcasts again the attestations of checkpoints that
// are not stable yet. Lost checkpoint votes would otherwise hold the window.
func (rs *ReplicaState) resendCheckpoints() {
	if rs.readOnly {
		return
	}
	seqs := make([]types.SeqNum, 0, len(rs.ownCheckpoints))
	for seq := range rs.ownCheckpoints {
		if seq > rs.stableSeq {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		if v := rs.signVote(types.VoteCheckpoint, seq, rs.ownCheckpoints[seq].digest); v != nil {
			rs.fx.broadcast(v)
		}
	}
}

// handleCheckpoint collects another replica's checkpoint attestation
func (rs *ReplicaState) handleCheckpoint(v *types.Vote) {
	if v.Replica == rs.id {
		return
	}
	rs.peers.SetCheckpoint(v.Replica, v.Seq, v.Digest)
	if v.Seq <= rs.stableSeq {
		return
	}
	if uint64(v.Seq)%rs.cfg.CheckpointInterval != 0 {
		rs.drop(v, "not a checkpoint sequence")
		return
	}
	if rs.checkEquivocation(v) {
		rs.drop(v, "equivocation")
		return
	}

	if v.Seq > rs.window.High() {
		if prev := rs.ahead[v.Replica]; prev == nil || prev.Seq < v.Seq {
			rs.ahead[v.Replica] = v.Copy()
		}
		rs.checkLag()
		return
	}
	rs.addCheckpointVote(v)
	rs.tryStabilize(v.Seq)
}

func (rs *ReplicaState) addCheckpointVote(v *types.Vote) {
	vs, ok := rs.checkpoints[v.Seq]
	if !ok {
		vs = NewVoteSet(types.VoteCheckpoint, 0, v.Seq)
		rs.checkpoints[v.Seq] = vs
	}
	if _, err := vs.AddVote(v); err != nil {
		rs.logger.Debug().Err(err).
			Uint64("seq", uint64(v.Seq)).
			Uint32("replica", uint32(v.Replica)).
			Msg("checkpoint vote rejected")
	}
}

// tryStabilize makes the checkpoint at seq stable once a quorum attests
// the digest this replica computed. Attestations that disagree with each
// other or with the local state are a consistency fault.
func (rs *ReplicaState) tryStabilize(seq types.SeqNum) {
	if seq <= rs.stableSeq || rs.fault != nil {
		return
	}
	vs := rs.checkpoints[seq]
	if vs == nil {
		return
	}

	weak := rs.replicas.WeakQuorum()
	if ds := vs.DigestsWith(weak); len(ds) > 1 {
		rs.consistencyFault(seq, ds[0], ds[1], vs.Voters(ds[1]))
		return
	}
	digest, ok := vs.Quorum(rs.replicas.SlowQuorum())
	if !ok {
		return
	}
	own := rs.ownCheckpoints[seq]
	if own != nil && own.digest != digest {
		rs.consistencyFault(seq, own.digest, digest, vs.Voters(digest))
		return
	}

	cert, err := rs.verifier.Aggregate(vs.Votes(digest))
	if err != nil {
		rs.logger.Error().Err(err).Uint64("seq", uint64(seq)).Msg("failed to aggregate checkpoint")
		return
	}
	if own != nil {
		rs.advanceStable(seq, digest, cert)
		return
	}
	if seq > rs.lastDispatched && rs.hasGap(seq) {
		rs.sync.Start(seq, digest, vs.Voters(digest))
	}
}

// hasGap reports whether some slot up to seq cannot be executed from the
// local window
func (rs *ReplicaState) hasGap(seq types.SeqNum) bool {
	for q := rs.lastDispatched + 1; q <= seq; q++ {
		s := rs.window.Get(q)
		if s == nil || (s.PrePrepare == nil && s.Committed == nil) {
			return true
		}
	}
	return false
}

// behindStable starts state transfer when a quorum certified a checkpoint
// this replica has not reached by executing. It reports whether it did.
func (rs *ReplicaState) behindStable() bool {
	seqs := make([]types.SeqNum, 0, len(rs.checkpoints))
	for seq := range rs.checkpoints {
		if seq > rs.lastDispatched {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	for _, seq := range seqs {
		vs := rs.checkpoints[seq]
		if d, ok := vs.Quorum(rs.replicas.SlowQuorum()); ok {
			rs.sync.Start(seq, d, vs.Voters(d))
			return true
		}
	}
	return false
}

// checkLag starts state transfer when f+1 replicas attest checkpoints
// beyond this replica's window. The target is the highest sequence that
// f+1 of them reached.
func (rs *ReplicaState) checkLag() {
	weak := rs.replicas.WeakQuorum()
	if len(rs.ahead) < weak {
		return
	}
	votes := make([]*types.Vote, 0, len(rs.ahead))
	for _, v := range rs.ahead {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool {
		if votes[i].Seq != votes[j].Seq {
			return votes[i].Seq > votes[j].Seq
		}
		return votes[i].Replica < votes[j].Replica
	})
	target := votes[weak-1]
	if target.Seq <= rs.window.High() {
		return
	}
	sources := make([]types.ReplicaID, 0, len(votes))
	for _, v := range votes {
		if v.Seq >= target.Seq {
			sources = append(sources, v.Replica)
		}
	}
	rs.logger.Info().
		Uint64("target", uint64(target.Seq)).
		Uint64("high", uint64(rs.window.High())).
		Int("attestors", len(sources)).
		Msg("fell behind the cluster")
	rs.sync.Start(target.Seq, target.Digest, sources)
}

// advanceStable makes seq the stable checkpoint: the window moves up and
// everything at or below seq is garbage collected
func (rs *ReplicaState) advanceStable(seq types.SeqNum, digest types.Digest, cert *types.QuorumCertificate) {
	if seq <= rs.stableSeq {
		return
	}
	rs.stableSeq, rs.stableDigest, rs.stableCert = seq, digest, cert
	rs.window.Advance(seq)

	for s := range rs.checkpoints {
		if s <= seq {
			delete(rs.checkpoints, s)
		}
	}
	for s := range rs.ownCheckpoints {
		if s < seq {
			delete(rs.ownCheckpoints, s)
		}
	}
	for _, key := range rs.snapshots.Keys() {
		if v, ok := rs.snapshots.Get(key); ok && v.(*checkpointData).seq < seq {
			rs.snapshots.Remove(key)
		}
	}
	if rs.nextSeq <= seq {
		rs.nextSeq = seq + 1
	}

	rs.fx.batch.DeleteRange(slotKey(0), slotKey(seq+1))
	rs.fx.batch.DeleteRange(checkpointKey(0), checkpointKey(seq))
	rs.fx.batch.DeleteRange(seqKey(prefixSignSeq, 0), seqKey(prefixSignSeq, seq+1))
	rs.persistMeta()

	rs.evidence.Update(seq, rs.now())
	if err := rs.signer.Prune(seq); err != nil {
		rs.signFailed(err, fmt.Sprintf("prune at %d", seq))
	}
	rs.metrics.setStable(seq)

	rs.logger.Info().
		Uint64("seq", uint64(seq)).
		Str("digest", digest.Short()).
		Uint64("high", uint64(rs.window.High())).
		Int("lagging_peers", len(rs.peers.LaggingPeers(seq))).
		Msg("checkpoint stable")

	// attestations the new window now covers
	var covered []types.SeqNum
	for id, v := range rs.ahead {
		if v.Seq <= seq {
			delete(rs.ahead, id)
			continue
		}
		if v.Seq <= rs.window.High() {
			delete(rs.ahead, id)
			rs.addCheckpointVote(v)
			covered = append(covered, v.Seq)
		}
	}
	for _, s := range covered {
		rs.tryStabilize(s)
	}

	rs.tryPropose(false)
	rs.dispatchExecution()
}

// consistencyFault halts the replica: correct replicas disagree on the
// state at seq
func (rs *ReplicaState) consistencyFault(seq types.SeqNum, local, quorum types.Digest, signers []types.ReplicaID) {
	fault := &ConsistencyFault{Seq: seq, Local: local, Quorum: quorum, Signers: signers}
	rs.logger.Error().
		Uint64("seq", uint64(seq)).
		Str("local", local.Short()).
		Str("quorum", quorum.Short()).
		Msg("checkpoint digests disagree")
	rs.halt(fault)
}
