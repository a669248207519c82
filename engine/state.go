package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/quorum"
	"github.com/AvishayYanay/concord-bft/storage"
	"github.com/AvishayYanay/concord-bft/types"
)

const (
	requestChannelSize = 1024
	execChannelSize    = 256
)

// ConsensusState runs the consensus loop of one replica. The loop is the
// only goroutine that touches the ReplicaState. After every event the
// effects it produced go to the pipeline.
type ConsensusState struct {
	mu sync.Mutex

	rs       *ReplicaState
	store    storage.Store
	ticker   *TimeoutTicker
	pool     *quorum.Pool
	executor *Executor
	pipeline *pipeline
	logger   zerolog.Logger

	verifiedCh chan types.Message
	requestCh  chan types.Request
	execCh     chan execResult
	queryCh    chan func(*ReplicaState)
	fatalCh    chan error

	onFault func(error)
	err     error
	replay  *ReplayResult

	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Start replays the persisted state and starts the loop
func (cs *ConsensusState) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.started {
		return ErrAlreadyStarted
	}
	if cs.stopped {
		return ErrStopped
	}

	cs.ticker.Start()
	res, err := cs.rs.replay(cs.store, cs.executor)
	if err != nil {
		cs.ticker.Stop()
		return err
	}
	cs.replay = res

	if err := cs.pool.Start(); err != nil {
		cs.ticker.Stop()
		return err
	}

	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.executor.start(cs.ctx, cs.execCh)
	cs.pipeline.start(cs.ctx)
	cs.flush()

	cs.started = true
	cs.wg.Add(1)
	go cs.receiveRoutine()

	cs.logger.Info().
		Uint64("view", uint64(res.View)).
		Uint64("stable", uint64(res.StableSeq)).
		Bool("read_only", cs.rs.readOnly).
		Msg("consensus started")
	return nil
}

// Stop stops the loop and every worker. Pending effects are discarded: what
// was not written is replayed from the last durable state on restart.
func (cs *ConsensusState) Stop() error {
	cs.mu.Lock()
	if !cs.started {
		cs.mu.Unlock()
		return ErrNotStarted
	}
	cs.started = false
	cs.stopped = true
	cs.mu.Unlock()

	cs.pool.Stop()
	cs.cancel()
	cs.ticker.Stop()
	cs.wg.Wait()
	cs.pipeline.wait()
	cs.executor.wait()

	cs.logger.Info().Msg("consensus stopped")
	return nil
}

func (cs *ConsensusState) isRunning() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.started
}

// AddRequest queues a client request without blocking
func (cs *ConsensusState) AddRequest(req types.Request) error {
	if !cs.isRunning() {
		return ErrNotStarted
	}
	if err := cs.Err(); err != nil {
		return ErrHalted
	}
	select {
	case cs.requestCh <- req:
		return nil
	default:
		return ErrRequestQueueFull
	}
}

// AddMessage hands an inbound message to the verification pool
func (cs *ConsensusState) AddMessage(msg types.Message) {
	if err := cs.pool.Submit(msg); err != nil {
		cs.rs.metrics.incDropped()
		cs.logger.Debug().Err(err).
			Stringer("type", msg.Type()).
			Uint32("from", uint32(msg.Sender())).
			Msg("message not queued for verification")
	}
}

// query runs fn on the loop and waits for it
func (cs *ConsensusState) query(fn func(*ReplicaState)) error {
	if !cs.isRunning() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	wrapped := func(rs *ReplicaState) {
		fn(rs)
		close(done)
	}
	select {
	case cs.queryCh <- wrapped:
	case <-cs.ctx.Done():
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-cs.ctx.Done():
		return ErrStopped
	}
}

// Err returns the fault that halted the replica, if any
func (cs *ConsensusState) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.err
}

// fatal is called by the pipeline when persisting fails
func (cs *ConsensusState) fatal(err error) {
	select {
	case cs.fatalCh <- err:
	default:
	}
}

// receiveRoutine is the main event loop
func (cs *ConsensusState) receiveRoutine() {
	defer cs.wg.Done()
	rs := cs.rs

	for {
		select {
		case <-cs.ctx.Done():
			return

		case msg := <-cs.verifiedCh:
			rs.handleMessage(msg)

		case req := <-cs.requestCh:
			rs.handleRequest(req, true)

		case res := <-cs.execCh:
			rs.handleExecResult(res)

		case ti := <-cs.ticker.Chan():
			if !cs.ticker.Current(ti) {
				continue
			}
			rs.handleTimeout(ti)

		case fn := <-cs.queryCh:
			fn(rs)

		case err := <-cs.fatalCh:
			rs.halt(err)
		}
		cs.flush()
	}
}

// flush hands the effects of the last event to the pipeline. A halted
// replica sends and writes nothing more.
func (cs *ConsensusState) flush() {
	fx := cs.rs.takeEffects()
	if fault := cs.rs.fault; fault != nil {
		cs.reportFault(fault)
		return
	}
	cs.pipeline.submit(fx)
}

func (cs *ConsensusState) reportFault(fault error) {
	cs.mu.Lock()
	if cs.err != nil {
		cs.mu.Unlock()
		return
	}
	cs.err = fault
	cs.mu.Unlock()

	cs.logger.Error().Err(fault).Msg("replica stopped participating")
	if cs.onFault != nil {
		cs.onFault(fault)
	}
}
