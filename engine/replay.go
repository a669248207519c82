package engine

import (
	"errors"
	"fmt"

	"github.com/AvishayYanay/concord-bft/privval"
	"github.com/AvishayYanay/concord-bft/storage"
	"github.com/AvishayYanay/concord-bft/types"
)

// ReplayResult describes the state recovered from the store
type ReplayResult struct {
	// View recovered to
	View types.View
	// StableSeq is the installed stable checkpoint
	StableSeq types.SeqNum
	// LastExecuted is the sequence execution reached again
	LastExecuted types.SeqNum
	// Slots rebuilt from slot records
	Slots int
	// Reexecuted counts committed slots executed again
	Reexecuted int
	// ViewChange is true when the replica was moving to a new view
	ViewChange bool
	// SignRecords handed back to the signer
	SignRecords int
}

// replay rebuilds the replica from the store before the loop starts. The
// executor runs synchronously here: the own stable snapshot is installed
// and the committed slots above it are executed again, in order. The
// application must be fresh.
func (rs *ReplicaState) replay(store storage.Store, x *Executor) (*ReplayResult, error) {
	res := &ReplayResult{}

	data, err := store.Get(keyMeta)
	if errors.Is(err, storage.ErrNotFound) {
		if err := rs.replaySignState(store, 0, res); err != nil {
			return nil, err
		}
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read meta: %v", ErrReplay, err)
	}
	var meta metaRecord
	if err := meta.unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: decode meta: %v", ErrReplay, err)
	}
	if err := rs.replaySignState(store, meta.StableSeq, res); err != nil {
		return nil, err
	}

	rs.view = meta.View
	rs.vc.target = meta.View
	rs.metrics.setAgreedView(meta.View)
	rs.metrics.setActiveView(meta.View)

	if meta.StableSeq > 0 {
		if err := rs.replayCheckpoint(store, x, &meta); err != nil {
			return nil, err
		}
	}

	maxSeq, err := rs.replaySlots(store, res)
	if err != nil {
		return nil, err
	}
	rs.nextSeq = max(maxSeq, rs.stableSeq) + 1

	if err := rs.replayViewChange(store, res); err != nil {
		return nil, err
	}

	for {
		s := rs.window.Get(rs.lastDispatched + 1)
		if s == nil || s.Committed == nil {
			break
		}
		pp := s.Committed.PrePrepare
		s.dispatched = true
		rs.lastDispatched = s.Seq
		out := x.process(execJob{kind: jobExecute, seq: s.Seq, requests: pp.Requests, digest: pp.Digest})
		rs.handleExecResult(out)
		if rs.fault != nil {
			return nil, fmt.Errorf("%w: %v", ErrReplay, rs.fault)
		}
		res.Reexecuted++
	}

	// proposals of the current view are voted again; the signer returns the
	// signatures it already gave
	if rs.vcState == StateNormal {
		var open []*types.PrePrepare
		rs.window.Range(func(s *Slot) bool {
			if !s.IsCommitted() && s.PrePrepare != nil && s.View == rs.view {
				open = append(open, s.PrePrepare)
			}
			return true
		})
		for _, pp := range open {
			rs.acceptPrePrepare(pp)
		}
	}

	res.View = rs.view
	res.StableSeq = rs.stableSeq
	res.LastExecuted = rs.lastExecuted

	rs.logger.Info().
		Uint64("view", uint64(res.View)).
		Uint64("stable", uint64(res.StableSeq)).
		Uint64("last_executed", uint64(res.LastExecuted)).
		Int("slots", res.Slots).
		Int("reexecuted", res.Reexecuted).
		Bool("view_change", res.ViewChange).
		Msg("replayed persisted state")
	return res, nil
}

// replaySignState hands the journaled sign records back to the signer
// before anything is signed again
func (rs *ReplicaState) replaySignState(store storage.Store, stable types.SeqNum, res *ReplayResult) error {
	if stable > 0 {
		if err := rs.signer.Prune(stable); err != nil {
			return fmt.Errorf("%w: prune sign state: %v", ErrReplay, err)
		}
	}
	var recs []privval.SignRecord
	collect := func(key, value []byte) error {
		rec, err := unmarshalSignRecord(value)
		if err != nil {
			return fmt.Errorf("%w: sign record %x: %v", ErrReplay, key, err)
		}
		recs = append(recs, rec)
		return nil
	}
	if err := store.Iterate(prefixSignSeq, collect); err != nil {
		return fmt.Errorf("%w: sign records: %v", ErrReplay, err)
	}
	if err := store.Iterate(prefixSignView, collect); err != nil {
		return fmt.Errorf("%w: sign records: %v", ErrReplay, err)
	}
	rs.signer.Restore(recs)
	res.SignRecords = len(recs)
	return nil
}

// replayCheckpoint installs the own snapshot at the stable checkpoint
func (rs *ReplicaState) replayCheckpoint(store storage.Store, x *Executor, meta *metaRecord) error {
	seq := meta.StableSeq
	data, err := store.Get(checkpointKey(seq))
	if err != nil {
		return fmt.Errorf("%w: checkpoint %d: %v", ErrReplay, seq, err)
	}
	var rec checkpointRecord
	if err := rec.unmarshal(data); err != nil {
		return fmt.Errorf("%w: decode checkpoint %d: %v", ErrReplay, seq, err)
	}
	if rec.Digest != meta.StableDigest {
		return fmt.Errorf("%w: checkpoint %d digest %s, stable %s", ErrReplay, seq, rec.Digest.Short(), meta.StableDigest.Short())
	}

	out := x.process(execJob{kind: jobInstall, seq: seq, digest: rec.Digest, snapshot: rec.Snapshot})
	if out.err != nil {
		return fmt.Errorf("%w: install checkpoint %d: %v", ErrReplay, seq, out.err)
	}

	rs.stableSeq, rs.stableDigest, rs.stableCert = seq, meta.StableDigest, meta.StableCert
	rs.window = NewWindow(rs.cfg.WindowSize, seq)
	rs.lastExecuted, rs.lastDispatched = seq, seq
	rs.markExecuted(out.executed)
	rs.ownCheckpoints[seq] = out.checkpoint
	rs.snapshots.Set(snapshotKey(seq), out.checkpoint)

	rs.evidence.Update(seq, rs.now())
	rs.metrics.setStable(seq)
	rs.metrics.setExecuted(seq)
	return nil
}

// replaySlots rebuilds the window from slot records and returns the
// highest sequence seen
func (rs *ReplicaState) replaySlots(store storage.Store, res *ReplayResult) (types.SeqNum, error) {
	var maxSeq types.SeqNum
	err := store.Iterate(prefixSlot, func(key, value []byte) error {
		seq, err := seqFromKey(prefixSlot, key)
		if err != nil {
			return err
		}
		if !rs.window.InRange(seq) {
			return nil
		}
		var rec slotRecord
		if err := rec.unmarshal(value); err != nil {
			return fmt.Errorf("%w: decode slot %d: %v", ErrReplay, seq, err)
		}

		s := rs.window.GetOrCreate(seq, rs.view)
		s.Path = rec.Path
		s.Prepared = rec.Prepared
		s.FastVoted = rec.FastVoted
		s.Committed = rec.Committed
		if rec.View == rs.view && rec.PrePrepare != nil {
			s.PrePrepare = rec.PrePrepare
			s.Phase = PhasePrePrepared
			if preparedInView(s) {
				s.Phase = PhasePrepared
			}
		}
		if s.Committed != nil {
			s.Phase = PhaseCommitted
		}
		res.Slots++
		maxSeq = max(maxSeq, seq)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: slots: %v", ErrReplay, err)
	}
	return maxSeq, nil
}

// replayViewChange restores the new view that installed the current view
// and resumes a view change that was in progress
func (rs *ReplicaState) replayViewChange(store storage.Store, res *ReplayResult) error {
	data, err := store.Get(keyNewView)
	switch {
	case err == nil:
		nv := &types.NewView{}
		if err := nv.Unmarshal(data); err != nil {
			return fmt.Errorf("%w: decode new view: %v", ErrReplay, err)
		}
		if nv.View == rs.view {
			rs.vc.lastNewView = nv
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: read new view: %v", ErrReplay, err)
	}

	data, err = store.Get(keyViewChange)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read view change: %v", ErrReplay, err)
	}
	vc := &types.ViewChange{}
	if err := vc.Unmarshal(data); err != nil {
		return fmt.Errorf("%w: decode view change: %v", ErrReplay, err)
	}
	if vc.NewView <= rs.view || vc.Replica != rs.id {
		return nil
	}

	rs.vcState = StateViewChangePending
	rs.vc.target = vc.NewView
	rs.vc.own = vc
	rs.vc.add(vc)
	rs.metrics.setActiveView(vc.NewView)
	rs.fx.broadcast(vc)
	rs.armViewChangeTimers()
	res.ViewChange = true

	rs.logger.Info().
		Uint64("view", uint64(rs.view)).
		Uint64("target", uint64(vc.NewView)).
		Msg("resuming view change")
	return nil
}
