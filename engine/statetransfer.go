package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/AvishayYanay/concord-bft/types"
)

// State transfer tuning
const (
	// maxSyncBackoffShift caps the retry timeout at 8x the configured
	// state transfer timeout
	maxSyncBackoffShift = 3
)

// State transfer errors
var (
	ErrNoSyncSource  = errors.New("no replica to transfer state from")
	ErrStaleSnapshot = errors.New("snapshot below the transfer target")
)

// SyncState is the progress of a state transfer
type SyncState uint8

const (
	// SyncIdle - no transfer in progress
	SyncIdle SyncState = iota
	// SyncRequesting - waiting for a snapshot from a source
	SyncRequesting
	// SyncInstalling - a snapshot is being installed by the executor
	SyncInstalling
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRequesting:
		return "requesting"
	case SyncInstalling:
		return "installing"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// StateSyncer fetches a certified checkpoint snapshot when the replica has
// fallen behind the cluster. It runs on the consensus loop: requests leave
// through the effects, replies come back as StateResponse messages and
// installation completes through the executor.
type StateSyncer struct {
	rs *ReplicaState

	state   SyncState
	target  types.SeqNum
	digest  types.Digest
	sources []types.ReplicaID
	next    int

	// current request
	source    types.ReplicaID
	requestAt time.Time
	attempts  int

	// accepted response being installed
	installing *types.StateResponse
}

// NewStateSyncer creates an idle syncer for rs
func NewStateSyncer(rs *ReplicaState) *StateSyncer {
	return &StateSyncer{rs: rs}
}

// IsSyncing returns true while a transfer is in progress
func (ss *StateSyncer) IsSyncing() bool {
	return ss.state != SyncIdle
}

// State returns the transfer state
func (ss *StateSyncer) State() SyncState {
	return ss.state
}

// Target returns the checkpoint being fetched
func (ss *StateSyncer) Target() types.SeqNum {
	return ss.target
}

// Start begins a transfer of the checkpoint at target. digest is the
// digest the sources attested, sources the replicas that attested it. A
// transfer already aiming at or above target only learns the new sources.
func (ss *StateSyncer) Start(target types.SeqNum, digest types.Digest, sources []types.ReplicaID) {
	rs := ss.rs
	sources = ss.filterSources(sources)
	if ss.IsSyncing() && ss.target >= target {
		ss.addSources(sources)
		return
	}
	if ss.state == SyncInstalling {
		// picked up once the install finishes
		ss.target, ss.digest = target, digest
		ss.addSources(sources)
		return
	}

	ss.state = SyncRequesting
	ss.target = target
	ss.digest = digest
	ss.sources = sources
	ss.next = 0
	ss.attempts = 0

	rs.logger.Info().
		Uint64("target", uint64(target)).
		Str("digest", digest.Short()).
		Int("sources", len(sources)).
		Uint64("last_executed", uint64(rs.lastExecuted)).
		Msg("starting state transfer")

	ss.request()
}

func (ss *StateSyncer) filterSources(ids []types.ReplicaID) []types.ReplicaID {
	out := make([]types.ReplicaID, 0, len(ids))
	for _, id := range ids {
		if id != ss.rs.id {
			out = append(out, id)
		}
	}
	return out
}

func (ss *StateSyncer) addSources(ids []types.ReplicaID) {
	for _, id := range ids {
		known := false
		for _, s := range ss.sources {
			if s == id {
				known = true
				break
			}
		}
		if !known {
			ss.sources = append(ss.sources, id)
		}
	}
}

// request asks the next source for the target and arms the retry timer
func (ss *StateSyncer) request() {
	rs := ss.rs
	if len(ss.sources) == 0 {
		ss.sources = ss.filterSources(rs.peers.PeersAtCheckpoint(ss.target))
	}
	if len(ss.sources) == 0 {
		rs.logger.Warn().Err(ErrNoSyncSource).Uint64("target", uint64(ss.target)).Msg("state transfer waiting")
		ss.arm()
		return
	}

	ss.source = ss.sources[ss.next%len(ss.sources)]
	ss.next++
	ss.attempts++
	ss.requestAt = rs.now()

	rs.fx.send(ss.source, &types.StateRequest{From: rs.id, Seq: ss.target})
	rs.logger.Debug().
		Uint64("target", uint64(ss.target)).
		Uint32("source", uint32(ss.source)).
		Int("attempt", ss.attempts).
		Msg("requested state")
	ss.arm()
}

// arm schedules the retry timer. The timeout doubles with every attempt
// on the current target.
func (ss *StateSyncer) arm() {
	shift := min(max(ss.attempts-1, 0), maxSyncBackoffShift)
	ss.rs.timers.ScheduleTimeout(TimeoutInfo{
		Duration: ss.rs.cfg.Timeouts.StateTransfer << shift,
		Kind:     TimeoutStateTransfer,
	})
}

// onTimeout rotates to the next source
func (ss *StateSyncer) onTimeout() {
	if ss.state != SyncRequesting {
		return
	}
	ss.rs.logger.Debug().
		Uint64("target", uint64(ss.target)).
		Uint32("source", uint32(ss.source)).
		Dur("waited", ss.rs.now().Sub(ss.requestAt)).
		Msg("state request timed out")
	ss.request()
}

// handleResponse accepts a verified snapshot that covers the target and
// hands it to the executor
func (ss *StateSyncer) handleResponse(m *types.StateResponse) error {
	rs := ss.rs
	if ss.state != SyncRequesting {
		return nil
	}
	if m.Seq < ss.target {
		return fmt.Errorf("%w: got %d, want %d", ErrStaleSnapshot, m.Seq, ss.target)
	}

	ss.state = SyncInstalling
	ss.installing = m
	rs.timers.CancelTimeout(TimeoutStateTransfer, 0)
	rs.fx.execute(execJob{kind: jobInstall, seq: m.Seq, digest: m.Digest, snapshot: m.Snapshot})

	rs.logger.Info().
		Uint64("seq", uint64(m.Seq)).
		Uint32("source", uint32(m.From)).
		Int("bytes", len(m.Snapshot)).
		Msg("received state, installing")
	return nil
}

// onInstalled finishes a transfer once the executor has installed the
// snapshot
func (ss *StateSyncer) onInstalled(res execResult) {
	rs := ss.rs
	m := ss.installing
	if m == nil || m.Seq != res.seq {
		rs.halt(fmt.Errorf("%w: unexpected install of seq %d", ErrReplay, res.seq))
		return
	}
	ss.installing = nil
	ss.state = SyncIdle
	target := ss.target

	rs.markExecuted(res.executed)
	if res.seq > rs.lastExecuted {
		rs.lastExecuted = res.seq
		rs.metrics.setExecuted(res.seq)
	}
	if res.seq > rs.lastDispatched {
		rs.lastDispatched = res.seq
	}
	rs.storeOwnCheckpoint(res.checkpoint)
	rs.advanceStable(m.Seq, m.Digest, m.Cert)

	rs.logger.Info().
		Uint64("seq", uint64(m.Seq)).
		Int("attempts", ss.attempts).
		Msg("state transfer complete")

	// the cluster may have moved on while this transfer ran
	if target > m.Seq {
		ss.Start(target, ss.digest, ss.sources)
		return
	}
	rs.checkLag()
	rs.dispatchExecution()
}

// onInstallFailed drops a bad snapshot and asks the next source
func (ss *StateSyncer) onInstallFailed(err error) {
	rs := ss.rs
	rs.logger.Warn().Err(err).
		Uint64("target", uint64(ss.target)).
		Uint32("source", uint32(ss.source)).
		Msg("snapshot install failed")
	ss.installing = nil
	ss.state = SyncRequesting
	ss.request()
}

// handleStateRequest serves the stable checkpoint to a replica that asked
// for a sequence at or below it
func (rs *ReplicaState) handleStateRequest(m *types.StateRequest) {
	if m.From == rs.id {
		return
	}
	if rs.stableSeq == 0 || rs.stableSeq < m.Seq || rs.stableCert == nil {
		rs.logger.Debug().
			Uint32("from", uint32(m.From)).
			Uint64("seq", uint64(m.Seq)).
			Uint64("stable", uint64(rs.stableSeq)).
			Msg("cannot serve state request")
		return
	}
	v, ok := rs.snapshots.Get(snapshotKey(rs.stableSeq))
	if !ok {
		rs.logger.Warn().Uint64("stable", uint64(rs.stableSeq)).Msg("stable snapshot missing")
		return
	}
	cp := v.(*checkpointData)
	rs.fx.send(m.From, &types.StateResponse{
		From:     rs.id,
		Seq:      rs.stableSeq,
		Digest:   rs.stableDigest,
		Cert:     rs.stableCert.Copy(),
		Snapshot: cp.snapshot,
	})
	rs.logger.Debug().
		Uint32("to", uint32(m.From)).
		Uint64("seq", uint64(rs.stableSeq)).
		Msg("served state")
}

func (rs *ReplicaState) handleStateResponse(m *types.StateResponse) {
	rs.metrics.incStateMsg()
	if err := rs.sync.handleResponse(m); err != nil {
		rs.drop(m, err.Error())
	}
}
