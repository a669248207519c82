package engine

import (
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/AvishayYanay/concord-bft/evidence"
	"github.com/AvishayYanay/concord-bft/privval"
	"github.com/AvishayYanay/concord-bft/quorum"
	"github.com/AvishayYanay/concord-bft/storage"
	"github.com/AvishayYanay/concord-bft/transport"
	"github.com/AvishayYanay/concord-bft/types"
)

// Option configures an Engine
type Option func(*engineOptions)

type engineOptions struct {
	logger        *zerolog.Logger
	onReply       func(types.Reply)
	onFault       func(error)
	meterProvider metric.MeterProvider
	evidence      evidence.Config
}

// WithLogger sets the base logger. The default logs at the configured level
// to stderr.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *engineOptions) { o.logger = &logger }
}

// WithReplyHandler receives a reply for every executed client request. It
// runs on the executor goroutine and must not block.
func WithReplyHandler(fn func(types.Reply)) Option {
	return func(o *engineOptions) { o.onReply = fn }
}

// WithFaultHandler is told once when the replica halts: a persistence
// failure, or a *ConsistencyFault when replicas disagree on a checkpoint.
func WithFaultHandler(fn func(error)) Option {
	return func(o *engineOptions) { o.onFault = fn }
}

// WithMeterProvider sets the OpenTelemetry meter provider. The default is
// the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *engineOptions) { o.meterProvider = mp }
}

// WithEvidenceConfig configures the equivocation evidence pool
func WithEvidenceConfig(cfg evidence.Config) Option {
	return func(o *engineOptions) { o.evidence = cfg }
}

// Engine is one replica of the replicated state machine. Clients submit
// requests; the transport delivers protocol messages to HandleMessage;
// committed requests are executed on the Application in the agreed order.
type Engine struct {
	mu sync.RWMutex

	config   *Config
	id       types.ReplicaID
	replicas *types.ReplicaSet
	readOnly bool

	state    *ConsensusState
	evidence *evidence.Pool
	metrics  *metrics

	started bool
}

// NewEngine creates a replica. The store holds the durable consensus state
// and is replayed on Start; app must be fresh.
func NewEngine(
	config *Config,
	id types.ReplicaID,
	replicas *types.ReplicaSet,
	signer privval.Signer,
	app Application,
	tr transport.Transport,
	store storage.Store,
	opts ...Option,
) (*Engine, error) {
	o := engineOptions{evidence: evidence.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if replicas.N() != config.N || replicas.F() != config.F || replicas.C() != config.C {
		return nil, fmt.Errorf("%w: set has n=%d f=%d c=%d, config n=%d f=%d c=%d",
			ErrReplicaMismatch, replicas.N(), replicas.F(), replicas.C(), config.N, config.F, config.C)
	}
	pub, ok := replicas.PubKey(id)
	if !ok {
		return nil, fmt.Errorf("%w: replica %d is not a member", ErrReplicaMismatch, id)
	}
	if !pub.Equal(signer.PubKey()) {
		return nil, fmt.Errorf("%w: signer key is not replica %d's key", ErrReplicaMismatch, id)
	}

	base := NewLogger(config.LogLevel, nil)
	if o.logger != nil {
		base = *o.logger
	}

	m, err := newMetrics(o.meterProvider, id)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	verifier := quorum.NewSigSetVerifier(config.ClusterID, replicas)
	messages := quorum.NewMessageVerifier(config.ClusterID, replicas, verifier, config.FastQuorum())
	ev := evidence.NewPool(o.evidence)
	ticker := NewTimeoutTicker()

	rs := newReplicaState(config, id, replicas, replicaDeps{
		signer:    signer,
		verifier:  verifier,
		messages:  messages,
		evidence:  ev,
		timers:    ticker,
		metrics:   m,
		snapshots: cmap.New(),
		logger:    replicaLogger(base, id, "consensus"),
	})

	cs := &ConsensusState{
		rs:         rs,
		store:      store,
		ticker:     ticker,
		logger:     replicaLogger(base, id, "engine"),
		verifiedCh: make(chan types.Message, config.VerifyQueue),
		requestCh:  make(chan types.Request, requestChannelSize),
		execCh:     make(chan execResult, execChannelSize),
		queryCh:    make(chan func(*ReplicaState)),
		fatalCh:    make(chan error, 1),
		onFault:    o.onFault,
	}
	cs.pool = quorum.NewPool(messages, config.VerifyWorkers, config.VerifyQueue, cs.verifiedCh, replicaLogger(base, id, "verifier"))
	cs.pool.SetRejectHandler(func(types.Message, error) { m.incDropped() })
	cs.executor = NewExecutor(app, config.CheckpointInterval, o.onReply, replicaLogger(base, id, "executor"))
	cs.pipeline = newPipeline(store, tr, cs.executor, cs.fatal, replicaLogger(base, id, "pipeline"))

	return &Engine{
		config:   config,
		id:       id,
		replicas: replicas,
		readOnly: replicas.IsReadOnly(id),
		state:    cs,
		evidence: ev,
		metrics:  m,
	}, nil
}

// Start replays the store and starts the replica
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if err := e.state.Start(); err != nil {
		return fmt.Errorf("failed to start consensus state: %w", err)
	}
	e.started = true
	return nil
}

// Stop stops the replica. The store is left open for the caller to close.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	e.started = false
	if err := e.state.Stop(); err != nil {
		return fmt.Errorf("failed to stop consensus state: %w", err)
	}
	return nil
}

// Submit hands a client request to the replica. Non-leaders forward it to
// the leader and watch that it executes.
func (e *Engine) Submit(req types.Request) error {
	if e.readOnly {
		return ErrReadOnly
	}
	return e.state.AddRequest(req)
}

// HandleMessage accepts a protocol message from the transport. It never
// blocks; messages that fail verification or overflow the queue are
// dropped.
func (e *Engine) HandleMessage(msg types.Message) {
	e.state.AddMessage(msg)
}

// Status returns the replica's position
func (e *Engine) Status() (Status, error) {
	var st Status
	err := e.state.query(func(rs *ReplicaState) { st = rs.status() })
	return st, err
}

// Recovered returns what Start replayed from the store
func (e *Engine) Recovered() *ReplayResult {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.replay
}

// GetMetrics returns current consensus metrics
func (e *Engine) GetMetrics() *Metrics {
	return e.metrics.snapshot()
}

// Err returns the fault that halted the replica, or nil
func (e *Engine) Err() error {
	return e.state.Err()
}

// Evidence returns the pool of equivocation evidence collected so far
func (e *Engine) Evidence() *evidence.Pool {
	return e.evidence
}

// ID returns the replica's id
func (e *Engine) ID() types.ReplicaID {
	return e.id
}

// IsReadOnly returns true for replicas that observe without voting
func (e *Engine) IsReadOnly() bool {
	return e.readOnly
}

// ClusterID returns the cluster id
func (e *Engine) ClusterID() string {
	return e.config.ClusterID
}
