package transport

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/types"
)

// Errors
var (
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrNetworkClosed     = errors.New("network is closed")
	ErrAlreadyRegistered = errors.New("replica already registered")
)

// Transport delivers protocol messages to other replicas. Delivery is
// best effort: messages may be lost, duplicated or reordered.
type Transport interface {
	// Send delivers msg to one replica
	Send(to types.ReplicaID, msg types.Message) error
	// Broadcast delivers msg to every other replica
	Broadcast(msg types.Message) error
}

// Receiver consumes an inbound message. It must not block.
type Receiver func(msg types.Message)

// Filter decides whether a message from one replica to another is
// delivered. Returning false drops it.
type Filter func(from, to types.ReplicaID, msg types.Message) bool

// Stats counts network activity
type Stats struct {
	Sent       uint64
	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
}

// Network is an in-process message bus between replicas. Every delivered
// message is encoded and decoded, so receivers never share memory with the
// sender. Loss, duplication, delay, partitions and filters can be injected.
type Network struct {
	endpoints cmap.ConcurrentMap // replica id -> *Endpoint

	mu         sync.Mutex
	rng        *rand.Rand
	loss       float64
	duplicate  float64
	maxDelay   time.Duration
	partitions map[types.ReplicaID]int
	filter     Filter

	sent       atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	duplicated atomic.Uint64

	closed atomic.Bool
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// Option configures a Network
type Option func(*Network)

// WithLoss drops each message with probability p
func WithLoss(p float64) Option {
	return func(n *Network) { n.loss = p }
}

// WithDuplication delivers each message twice with probability p
func WithDuplication(p float64) Option {
	return func(n *Network) { n.duplicate = p }
}

// WithDelay delays each delivery by a random duration up to max, which
// reorders messages
func WithDelay(max time.Duration) Option {
	return func(n *Network) { n.maxDelay = max }
}

// WithSeed seeds the fault injection randomness
func WithSeed(seed int64) Option {
	return func(n *Network) { n.rng = rand.New(rand.NewSource(seed)) }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(n *Network) { n.logger = logger.With().Str("component", "network").Logger() }
}

// NewNetwork creates an empty network
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		endpoints:  cmap.New(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		partitions: make(map[types.ReplicaID]int),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func peerKey(id types.ReplicaID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Register creates the endpoint of a replica
func (n *Network) Register(id types.ReplicaID) (*Endpoint, error) {
	if n.closed.Load() {
		return nil, ErrNetworkClosed
	}
	ep := &Endpoint{id: id, net: n}
	if !n.endpoints.SetIfAbsent(peerKey(id), ep) {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyRegistered, id)
	}
	return ep, nil
}

// Unregister removes a replica. Messages to it are dropped.
func (n *Network) Unregister(id types.ReplicaID) {
	n.endpoints.Remove(peerKey(id))
}

// Endpoint returns the endpoint of a registered replica
func (n *Network) Endpoint(id types.ReplicaID) (*Endpoint, bool) {
	v, ok := n.endpoints.Get(peerKey(id))
	if !ok {
		return nil, false
	}
	return v.(*Endpoint), true
}

// Partition splits the replicas into groups; messages only flow within a
// group. Replicas not named form one more group together.
func (n *Network) Partition(groups ...[]types.ReplicaID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.partitions = make(map[types.ReplicaID]int)
	for i, g := range groups {
		for _, id := range g {
			n.partitions[id] = i + 1
		}
	}
}

// Isolate cuts one replica off from everyone else
func (n *Network) Isolate(id types.ReplicaID) {
	n.Partition([]types.ReplicaID{id})
}

// Heal removes all partitions
func (n *Network) Heal() {
	n.Partition()
}

// SetFilter installs a delivery filter; nil removes it
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// SetLoss changes the loss probability
func (n *Network) SetLoss(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loss = p
}

// Stats returns the network counters
func (n *Network) Stats() Stats {
	return Stats{
		Sent:       n.sent.Load(),
		Delivered:  n.delivered.Load(),
		Dropped:    n.dropped.Load(),
		Duplicated: n.duplicated.Load(),
	}
}

// Close stops all deliveries and waits for delayed ones to finish
func (n *Network) Close() {
	n.closed.Store(true)
	n.wg.Wait()
}

// plan decides the fate of one message: how many copies and their delays
func (n *Network) plan(from, to types.ReplicaID, msg types.Message) []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.partitions[from] != n.partitions[to] {
		return nil
	}
	if n.filter != nil && !n.filter(from, to, msg) {
		return nil
	}
	if n.loss > 0 && n.rng.Float64() < n.loss {
		return nil
	}
	copies := 1
	if n.duplicate > 0 && n.rng.Float64() < n.duplicate {
		copies = 2
		n.duplicated.Add(1)
	}
	delays := make([]time.Duration, copies)
	if n.maxDelay > 0 {
		for i := range delays {
			delays[i] = time.Duration(n.rng.Int63n(int64(n.maxDelay)))
		}
	}
	return delays
}

func (n *Network) send(from, to types.ReplicaID, data []byte, msg types.Message) {
	n.sent.Add(1)
	if n.closed.Load() {
		n.dropped.Add(1)
		return
	}
	v, ok := n.endpoints.Get(peerKey(to))
	if !ok {
		n.dropped.Add(1)
		return
	}
	ep := v.(*Endpoint)

	delays := n.plan(from, to, msg)
	if len(delays) == 0 {
		n.dropped.Add(1)
		n.logger.Debug().
			Uint32("from", uint32(from)).
			Uint32("to", uint32(to)).
			Str("type", msg.Type().String()).
			Msg("message dropped")
		return
	}
	for _, d := range delays {
		if d == 0 {
			n.deliver(ep, data)
			continue
		}
		n.wg.Add(1)
		time.AfterFunc(d, func() {
			defer n.wg.Done()
			if !n.closed.Load() {
				n.deliver(ep, data)
			}
		})
	}
}

func (n *Network) deliver(ep *Endpoint, data []byte) {
	recv := ep.receiver()
	if recv == nil {
		n.dropped.Add(1)
		return
	}
	msg, err := types.Decode(data)
	if err != nil {
		n.dropped.Add(1)
		n.logger.Warn().Err(err).Msg("undecodable message")
		return
	}
	n.delivered.Add(1)
	recv(msg)
}

// Endpoint is one replica's attachment to a Network. It implements
// Transport.
type Endpoint struct {
	id  types.ReplicaID
	net *Network

	mu   sync.RWMutex
	recv Receiver
}

// ID returns the replica ID of the endpoint
func (e *Endpoint) ID() types.ReplicaID {
	return e.id
}

// SetReceiver installs the inbound message handler
func (e *Endpoint) SetReceiver(fn Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recv = fn
}

func (e *Endpoint) receiver() Receiver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recv
}

// Send implements Transport
func (e *Endpoint) Send(to types.ReplicaID, msg types.Message) error {
	if e.net.closed.Load() {
		return ErrNetworkClosed
	}
	if !e.net.endpoints.Has(peerKey(to)) {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	data, err := types.Encode(msg)
	if err != nil {
		return err
	}
	e.net.send(e.id, to, data, msg)
	return nil
}

// Broadcast implements Transport
func (e *Endpoint) Broadcast(msg types.Message) error {
	if e.net.closed.Load() {
		return ErrNetworkClosed
	}
	data, err := types.Encode(msg)
	if err != nil {
		return err
	}
	for item := range e.net.endpoints.IterBuffered() {
		peer := item.Val.(*Endpoint)
		if peer.id == e.id {
			continue
		}
		e.net.send(e.id, peer.id, data, msg)
	}
	return nil
}

var _ Transport = (*Endpoint)(nil)
