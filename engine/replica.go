package engine

import (
	"fmt"
	"strconv"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/evidence"
	"github.com/AvishayYanay/concord-bft/privval"
	"github.com/AvishayYanay/concord-bft/quorum"
	"github.com/AvishayYanay/concord-bft/types"
)

// ViewChangeState is the view-change state machine of a replica
type ViewChangeState uint8

const (
	// StateNormal: the view is installed and ordering proceeds
	StateNormal ViewChangeState = iota
	// StateViewChangePending: a ViewChange was sent, waiting for a quorum
	StateViewChangePending
	// StateNewViewPending: a quorum of ViewChanges exists, waiting for the
	// NewView of the target view
	StateNewViewPending
)

func (s ViewChangeState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateViewChangePending:
		return "view-change-pending"
	case StateNewViewPending:
		return "new-view-pending"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// requestKey identifies a client request
type requestKey struct {
	client uint64
	id     uint64
}

func keyOf(r *types.Request) requestKey {
	return requestKey{client: r.ClientID, id: r.RequestID}
}

type waitingRequest struct {
	req   types.Request
	since time.Time
}

// replicaDeps are the collaborators of a ReplicaState
type replicaDeps struct {
	signer    privval.Signer
	verifier  quorum.Verifier
	messages  *quorum.MessageVerifier
	evidence  *evidence.Pool
	timers    timeoutScheduler
	metrics   *metrics
	snapshots cmap.ConcurrentMap
	logger    zerolog.Logger
}

// ReplicaState is the consensus core of one replica. It is owned by a
// single goroutine: every method runs on the consensus loop, and side
// effects are collected into an effects value for the pipeline.
type ReplicaState struct {
	cfg      *Config
	id       types.ReplicaID
	replicas *types.ReplicaSet
	readOnly bool

	signer    privval.Signer
	verifier  quorum.Verifier
	messages  *quorum.MessageVerifier
	evidence  *evidence.Pool
	timers    timeoutScheduler
	metrics   *metrics
	snapshots cmap.ConcurrentMap // seq -> *checkpointData
	logger    zerolog.Logger
	now       func() time.Time

	view    types.View
	vcState ViewChangeState
	window  *Window

	stableSeq    types.SeqNum
	stableDigest types.Digest
	stableCert   *types.QuorumCertificate

	lastExecuted   types.SeqNum
	lastDispatched types.SeqNum
	nextSeq        types.SeqNum

	// leader request queue
	pending []types.Request
	queued  map[requestKey]struct{}

	// requests this replica waits to see executed
	waiting      map[requestKey]waitingRequest
	executed     map[uint64]uint64
	requestTimer bool
	batchTimer   bool

	checkpoints    map[types.SeqNum]*VoteSet
	ownCheckpoints map[types.SeqNum]*checkpointData
	ahead          map[types.ReplicaID]*types.Vote

	vc    viewChangeTracker
	peers *PeerSet
	sync  *StateSyncer

	fx    *effects
	fault error
}

func newReplicaState(cfg *Config, id types.ReplicaID, replicas *types.ReplicaSet, deps replicaDeps) *ReplicaState {
	rs := &ReplicaState{
		cfg:            cfg,
		id:             id,
		replicas:       replicas,
		readOnly:       replicas.IsReadOnly(id),
		signer:         deps.signer,
		verifier:       deps.verifier,
		messages:       deps.messages,
		evidence:       deps.evidence,
		timers:         deps.timers,
		metrics:        deps.metrics,
		snapshots:      deps.snapshots,
		logger:         deps.logger,
		now:            time.Now,
		window:         NewWindow(cfg.WindowSize, 0),
		nextSeq:        1,
		queued:         make(map[requestKey]struct{}),
		waiting:        make(map[requestKey]waitingRequest),
		executed:       make(map[uint64]uint64),
		checkpoints:    make(map[types.SeqNum]*VoteSet),
		ownCheckpoints: make(map[types.SeqNum]*checkpointData),
		ahead:          make(map[types.ReplicaID]*types.Vote),
		peers:          NewPeerSet(),
		fx:             newEffects(),
	}
	rs.vc = newViewChangeTracker(cfg.Timeouts.ViewChange)
	rs.sync = NewStateSyncer(rs)
	return rs
}

// takeEffects returns what the last events produced and starts a new set.
// The signer journal joins the batch, so every sign record is durable
// before the pipeline sends the message carrying the signature.
func (rs *ReplicaState) takeEffects() *effects {
	fx := rs.fx
	for _, rec := range rs.signer.TakeJournal() {
		fx.batch.Put(signKey(rec.SignKey), marshalSignRecord(&rec))
	}
	rs.fx = newEffects()
	return fx
}

// leader returns the leader of the current view
func (rs *ReplicaState) leader() types.ReplicaID {
	return rs.replicas.LeaderOf(rs.view)
}

func (rs *ReplicaState) isLeader() bool {
	return !rs.readOnly && rs.leader() == rs.id
}

// handleMessage dispatches one verified message
func (rs *ReplicaState) handleMessage(msg types.Message) {
	if rs.fault != nil {
		return
	}
	rs.peers.Seen(msg.Sender(), rs.now())

	switch m := msg.(type) {
	case *types.RequestMsg:
		rs.handleRequest(m.Request, false)
	case *types.PrePrepare:
		rs.handlePrePrepare(m)
	case *types.Vote:
		if m.Kind == types.VoteCheckpoint {
			rs.handleCheckpoint(m)
		} else {
			rs.handleVote(m)
		}
	case *types.CommitProof:
		rs.handleCommitProof(m)
	case *types.ViewChange:
		rs.handleViewChange(m)
	case *types.NewView:
		rs.handleNewView(m)
	case *types.StateRequest:
		rs.handleStateRequest(m)
	case *types.StateResponse:
		rs.handleStateResponse(m)
	default:
		rs.logger.Debug().Str("type", fmt.Sprintf("%T", msg)).Msg("unknown message")
		rs.metrics.incDropped()
	}
}

// handleTimeout dispatches one current timer event
func (rs *ReplicaState) handleTimeout(ti TimeoutInfo) {
	if rs.fault != nil {
		return
	}
	switch ti.Kind {
	case TimeoutRequest:
		rs.onRequestTimeout()
	case TimeoutBatch:
		rs.batchTimer = false
		rs.tryPropose(true)
	case TimeoutFastPath:
		rs.onFastPathTimeout(ti)
	case TimeoutViewChange:
		rs.onViewChangeTimeout(ti)
	case TimeoutViewChangeResend:
		rs.onViewChangeResend(ti)
	case TimeoutStateTransfer:
		rs.sync.onTimeout()
	}
}

// halt stops the replica after an unrecoverable fault
func (rs *ReplicaState) halt(err error) {
	if rs.fault != nil {
		return
	}
	rs.fault = err
	rs.logger.Error().Err(err).Msg("replica halted")
}

func (rs *ReplicaState) drop(msg types.Message, reason string) {
	rs.metrics.incDropped()
	rs.logger.Debug().
		Stringer("type", msg.Type()).
		Uint32("from", uint32(msg.Sender())).
		Str("reason", reason).
		Msg("dropped message")
}

// signVote signs a vote of kind for seq and digest in the current view.
// Checkpoint votes carry view 0.
func (rs *ReplicaState) signVote(kind types.VoteKind, seq types.SeqNum, digest types.Digest) *types.Vote {
	view := rs.view
	if kind == types.VoteCheckpoint {
		view = 0
	}
	vote := &types.Vote{Kind: kind, View: view, Seq: seq, Digest: digest, Replica: rs.id}
	if err := rs.signer.SignVote(rs.cfg.ClusterID, vote); err != nil {
		rs.signFailed(err, fmt.Sprintf("%s vote view %d seq %d", kind, view, seq))
		return nil
	}
	return vote
}

// signFailed handles a signer error. A refusal leaves the replica running
// without the statement; any other failure means the sign state may not be
// durable, and the replica halts.
func (rs *ReplicaState) signFailed(err error, what string) {
	if privval.IsRefusal(err) {
		rs.logger.Error().Err(err).Str("statement", what).Msg("signer refused")
		return
	}
	rs.halt(fmt.Errorf("%w: sign state: %s: %v", ErrPersist, what, err))
}

// persistSlot queues the durable state of a slot
func (rs *ReplicaState) persistSlot(s *Slot) {
	data, err := recordOf(s).marshal()
	if err != nil {
		rs.halt(fmt.Errorf("%w: slot %d: %v", ErrPersist, s.Seq, err))
		return
	}
	rs.fx.batch.Put(slotKey(s.Seq), data)
}

// persistMeta queues the replica's position
func (rs *ReplicaState) persistMeta() {
	m := &metaRecord{
		View:         rs.view,
		StableSeq:    rs.stableSeq,
		StableDigest: rs.stableDigest,
		StableCert:   rs.stableCert,
		LastExecuted: rs.lastExecuted,
	}
	data, err := m.marshal()
	if err != nil {
		rs.halt(fmt.Errorf("%w: meta: %v", ErrPersist, err))
		return
	}
	rs.fx.batch.Put(keyMeta, data)
}

func snapshotKey(seq types.SeqNum) string {
	return strconv.FormatUint(uint64(seq), 10)
}

// Status is a read-only summary of the replica's position
type Status struct {
	ID           types.ReplicaID
	View         types.View
	State        ViewChangeState
	Leader       types.ReplicaID
	ReadOnly     bool
	StableSeq    types.SeqNum
	LastExecuted types.SeqNum
	NextSeq      types.SeqNum
	Syncing      bool
	Pending      int
	Waiting      int
}

func (rs *ReplicaState) status() Status {
	return Status{
		ID:           rs.id,
		View:         rs.view,
		State:        rs.vcState,
		Leader:       rs.leader(),
		ReadOnly:     rs.readOnly,
		StableSeq:    rs.stableSeq,
		LastExecuted: rs.lastExecuted,
		NextSeq:      rs.nextSeq,
		Syncing:      rs.sync.IsSyncing(),
		Pending:      len(rs.pending),
		Waiting:      len(rs.waiting),
	}
}
