package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/storage"
	"github.com/AvishayYanay/concord-bft/transport"
	"github.com/AvishayYanay/concord-bft/types"
)

// outMsg is a message waiting for its state to become durable
type outMsg struct {
	to        types.ReplicaID
	broadcast bool
	msg       types.Message
}

// effects is everything one consensus event produced. The pipeline applies
// them in order: the batch is written durably, then the messages leave,
// then execution jobs start. A message therefore never announces state
// that a crash could lose.
type effects struct {
	batch *storage.Batch
	sends []outMsg
	jobs  []execJob
}

func newEffects() *effects {
	return &effects{batch: storage.NewBatch()}
}

func (fx *effects) empty() bool {
	return fx.batch.Len() == 0 && len(fx.sends) == 0 && len(fx.jobs) == 0
}

func (fx *effects) broadcast(msg types.Message) {
	fx.sends = append(fx.sends, outMsg{broadcast: true, msg: msg})
}

func (fx *effects) send(to types.ReplicaID, msg types.Message) {
	fx.sends = append(fx.sends, outMsg{to: to, msg: msg})
}

func (fx *effects) execute(job execJob) {
	fx.jobs = append(fx.jobs, job)
}

// pipeline drains effects on its own goroutine so the consensus loop never
// waits on disk
type pipeline struct {
	store    storage.Store
	tr       transport.Transport
	executor *Executor
	onFatal  func(error)
	logger   zerolog.Logger

	q  *queue[*effects]
	wg sync.WaitGroup
}

func newPipeline(store storage.Store, tr transport.Transport, executor *Executor, onFatal func(error), logger zerolog.Logger) *pipeline {
	return &pipeline{
		store:    store,
		tr:       tr,
		executor: executor,
		onFatal:  onFatal,
		logger:   logger,
		q:        newQueue[*effects](),
	}
}

func (p *pipeline) submit(fx *effects) {
	if fx == nil || fx.empty() {
		return
	}
	p.q.push(fx)
}

func (p *pipeline) start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *pipeline) wait() {
	p.wg.Wait()
}

func (p *pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.q.ready():
			for _, fx := range p.q.drain() {
				if err := p.apply(fx); err != nil {
					p.logger.Error().Err(err).Msg("persistence failed, halting")
					p.onFatal(err)
					return
				}
			}
		}
	}
}

// apply writes, then sends, then schedules execution
func (p *pipeline) apply(fx *effects) error {
	if fx.batch.Len() > 0 {
		if err := p.store.Write(fx.batch); err != nil {
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}
	for _, m := range fx.sends {
		var err error
		if m.broadcast {
			err = p.tr.Broadcast(m.msg)
		} else {
			err = p.tr.Send(m.to, m.msg)
		}
		if err != nil {
			p.logger.Debug().Err(err).Stringer("type", m.msg.Type()).Msg("send failed")
		}
	}
	if len(fx.jobs) > 0 {
		p.executor.submit(fx.jobs...)
	}
	return nil
}
