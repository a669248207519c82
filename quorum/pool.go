package quorum

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/types"
)

// Pool errors
var (
	ErrPoolStopped   = errors.New("verification pool stopped")
	ErrPoolStarted   = errors.New("verification pool already started")
	ErrPoolQueueFull = errors.New("verification queue full")
)

// RejectFunc observes messages that failed verification
type RejectFunc func(msg types.Message, err error)

// Pool verifies messages on a fixed set of worker goroutines. Messages that
// pass are delivered to the output channel in completion order; the transport
// already reorders, so no ordering is preserved.
type Pool struct {
	mu sync.Mutex

	verifier *MessageVerifier
	workers  int
	in       chan types.Message
	out      chan<- types.Message
	onReject RejectFunc
	logger   zerolog.Logger

	verified atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool creates a pool with the given number of workers and queue depth
func NewPool(verifier *MessageVerifier, workers, queue int, out chan<- types.Message, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	return &Pool{
		verifier: verifier,
		workers:  workers,
		in:       make(chan types.Message, queue),
		out:      out,
		logger:   logger.With().Str("component", "verifier").Logger(),
	}
}

// SetRejectHandler installs a callback for messages that fail verification.
// Must be called before Start.
func (p *Pool) SetRejectHandler(fn RejectFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReject = fn
}

// Start launches the workers
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

// Stop halts the workers and waits for them to exit. Queued messages are
// discarded.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Submit queues a message for verification without blocking
func (p *Pool) Submit(msg types.Message) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrPoolStopped
	}

	select {
	case p.in <- msg:
		return nil
	default:
		p.dropped.Add(1)
		return ErrPoolQueueFull
	}
}

// Stats returns the number of verified, rejected and dropped messages
func (p *Pool) Stats() (verified, rejected, dropped uint64) {
	return p.verified.Load(), p.rejected.Load(), p.dropped.Load()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.in:
			if err := p.verifier.VerifyMessage(msg); err != nil {
				p.rejected.Add(1)
				p.logger.Debug().
					Str("type", msg.Type().String()).
					Uint32("from", uint32(msg.Sender())).
					Err(err).
					Msg("dropping unverified message")
				if p.onReject != nil {
					p.onReject(msg, err)
				}
				continue
			}
			p.verified.Add(1)
			select {
			case p.out <- msg:
			case <-p.ctx.Done():
				return
			}
		}
	}
}
