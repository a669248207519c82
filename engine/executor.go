package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/AvishayYanay/concord-bft/types"
)

// Application is the replicated state machine. It must be deterministic:
// replicas executing the same requests in the same order report identical
// state digests.
type Application interface {
	// Execute applies one request payload at sequence seq
	Execute(payload []byte, seq types.SeqNum) (result []byte, stateDigest types.Digest)

	// Snapshot returns an immutable copy of the state and its digest
	Snapshot() (blob []byte, stateDigest types.Digest)

	// InstallSnapshot replaces the state with a snapshot blob
	InstallSnapshot(blob []byte) error
}

type execJobKind uint8

const (
	jobExecute execJobKind = iota + 1
	jobInstall
	jobReply
)

// execJob is work for the executor, queued in sequence order
type execJob struct {
	kind     execJobKind
	seq      types.SeqNum
	requests []types.Request
	digest   types.Digest
	snapshot []byte
}

// execResult reports a finished job back to the consensus loop
type execResult struct {
	kind       execJobKind
	seq        types.SeqNum
	executed   []requestKey
	checkpoint *checkpointData
	err        error
}

// checkpointData is the executor's view of the state at a checkpoint:
// its digest and the snapshot envelope that reproduces it
type checkpointData struct {
	seq      types.SeqNum
	digest   types.Digest
	snapshot []byte
}

type clientEntry struct {
	requestID uint64
	seq       types.SeqNum
	result    []byte
}

// Executor applies committed batches to the application on its own
// goroutine, strictly in sequence order. It owns the client table, which is
// part of the replicated state.
type Executor struct {
	app      Application
	interval uint64
	onReply  func(types.Reply)
	logger   zerolog.Logger

	clients map[uint64]clientEntry
	lastSeq types.SeqNum

	jobs *queue[execJob]
	out  chan<- execResult
	wg   sync.WaitGroup
}

// NewExecutor creates an executor that takes a snapshot every interval
// sequences
func NewExecutor(app Application, interval uint64, onReply func(types.Reply), logger zerolog.Logger) *Executor {
	if onReply == nil {
		onReply = func(types.Reply) {}
	}
	return &Executor{
		app:      app,
		interval: interval,
		onReply:  onReply,
		logger:   logger,
		clients:  make(map[uint64]clientEntry),
		jobs:     newQueue[execJob](),
	}
}

// start runs the executor until ctx is done, reporting to out
func (x *Executor) start(ctx context.Context, out chan<- execResult) {
	x.out = out
	x.wg.Add(1)
	go x.run(ctx)
}

func (x *Executor) wait() {
	x.wg.Wait()
}

func (x *Executor) submit(jobs ...execJob) {
	x.jobs.push(jobs...)
}

func (x *Executor) run(ctx context.Context) {
	defer x.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-x.jobs.ready():
			for _, job := range x.jobs.drain() {
				res := x.process(job)
				if res.kind == jobReply {
					continue
				}
				select {
				case x.out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// process runs one job to completion
func (x *Executor) process(job execJob) execResult {
	switch job.kind {
	case jobExecute:
		return x.execute(job)
	case jobInstall:
		return x.install(job)
	case jobReply:
		for i := range job.requests {
			x.replyCached(&job.requests[i])
		}
		return execResult{kind: jobReply}
	default:
		return execResult{kind: job.kind, seq: job.seq, err: fmt.Errorf("unknown job kind %d", job.kind)}
	}
}

func (x *Executor) execute(job execJob) execResult {
	res := execResult{kind: jobExecute, seq: job.seq}
	if job.seq != x.lastSeq+1 {
		res.err = fmt.Errorf("execution out of order: seq %d after %d", job.seq, x.lastSeq)
		return res
	}

	for i := range job.requests {
		req := &job.requests[i]
		entry, seen := x.clients[req.ClientID]
		switch {
		case seen && req.RequestID < entry.requestID:
			// superseded; the client already moved on
		case seen && req.RequestID == entry.requestID:
			x.onReply(types.Reply{ClientID: req.ClientID, RequestID: req.RequestID, Seq: entry.seq, Result: entry.result})
		default:
			result, digest := x.app.Execute(req.Payload, job.seq)
			x.logger.Debug().
				Uint64("seq", uint64(job.seq)).
				Uint64("client", req.ClientID).
				Uint64("request", req.RequestID).
				Str("state", digest.Short()).
				Msg("executed request")
			x.clients[req.ClientID] = clientEntry{requestID: req.RequestID, seq: job.seq, result: result}
			x.onReply(types.Reply{ClientID: req.ClientID, RequestID: req.RequestID, Seq: job.seq, Result: result})
		}
		res.executed = append(res.executed, keyOf(req))
	}
	x.lastSeq = job.seq

	if uint64(job.seq)%x.interval == 0 {
		blob, appDigest := x.app.Snapshot()
		env := &snapshotEnvelope{AppDigest: appDigest, AppState: blob, Clients: x.clientRecords()}
		res.checkpoint = &checkpointData{
			seq:      job.seq,
			digest:   env.digest(job.seq),
			snapshot: env.marshal(),
		}
		x.logger.Debug().Uint64("seq", uint64(job.seq)).Str("digest", res.checkpoint.digest.Short()).Msg("took checkpoint snapshot")
	}
	return res
}

func (x *Executor) install(job execJob) execResult {
	res := execResult{kind: jobInstall, seq: job.seq}

	env, err := unmarshalSnapshotEnvelope(job.snapshot)
	if err != nil {
		res.err = err
		return res
	}
	if d := env.digest(job.seq); d != job.digest {
		res.err = fmt.Errorf("%w: snapshot %s, certified %s", ErrSnapshotDigest, d.Short(), job.digest.Short())
		return res
	}
	if err := x.app.InstallSnapshot(env.AppState); err != nil {
		res.err = fmt.Errorf("install snapshot: %w", err)
		return res
	}
	if _, d := x.app.Snapshot(); d != env.AppDigest {
		res.err = fmt.Errorf("%w: installed state %s, expected %s", ErrSnapshotDigest, d.Short(), env.AppDigest.Short())
		return res
	}

	x.clients = make(map[uint64]clientEntry, len(env.Clients))
	for _, c := range env.Clients {
		x.clients[c.ClientID] = clientEntry{requestID: c.RequestID, seq: c.Seq, result: c.Result}
		res.executed = append(res.executed, requestKey{client: c.ClientID, id: c.RequestID})
	}
	x.lastSeq = job.seq
	res.checkpoint = &checkpointData{seq: job.seq, digest: job.digest, snapshot: job.snapshot}
	x.logger.Info().Uint64("seq", uint64(job.seq)).Str("digest", job.digest.Short()).Msg("installed snapshot")
	return res
}

func (x *Executor) replyCached(req *types.Request) {
	entry, ok := x.clients[req.ClientID]
	if ok && entry.requestID == req.RequestID {
		x.onReply(types.Reply{ClientID: req.ClientID, RequestID: req.RequestID, Seq: entry.seq, Result: entry.result})
	}
}

func (x *Executor) clientRecords() []clientRecord {
	ids := lo.Keys(x.clients)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return lo.Map(ids, func(id uint64, _ int) clientRecord {
		e := x.clients[id]
		return clientRecord{ClientID: id, RequestID: e.requestID, Seq: e.seq, Result: e.result}
	})
}

// clientRecord is one client table row inside a snapshot
type clientRecord struct {
	ClientID  uint64
	RequestID uint64
	Seq       types.SeqNum
	Result    []byte
}

// snapshotEnvelope is what a checkpoint snapshot holds: the application
// snapshot and the client table
type snapshotEnvelope struct {
	AppDigest types.Digest
	AppState  []byte
	Clients   []clientRecord
}

func (env *snapshotEnvelope) clientBytes() []byte {
	var e types.Encoder
	for _, c := range env.Clients {
		var ce types.Encoder
		ce.Uint(1, c.ClientID)
		ce.Uint(2, c.RequestID)
		ce.Uint(3, uint64(c.Seq))
		ce.Blob(4, c.Result)
		e.Nested(1, ce.Bytes())
	}
	return e.Bytes()
}

// digest is the checkpoint digest: it binds the sequence, the application
// state digest and the client table
func (env *snapshotEnvelope) digest(seq types.SeqNum) types.Digest {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(seq))
	return types.HashBytes([]byte("concord/checkpoint"), seqBytes[:], env.AppDigest[:], env.clientBytes())
}

func (env *snapshotEnvelope) marshal() []byte {
	var e types.Encoder
	e.Digest(1, env.AppDigest)
	e.Blob(2, env.AppState)
	e.Nested(3, env.clientBytes())
	return e.Bytes()
}

func unmarshalSnapshotEnvelope(data []byte) (*snapshotEnvelope, error) {
	env := &snapshotEnvelope{}
	err := types.WalkFields(data, func(f types.Field) error {
		switch f.Num {
		case 1:
			d, err := types.DigestField(f)
			if err != nil {
				return err
			}
			env.AppDigest = d
		case 2:
			env.AppState = types.CloneData(f)
		case 3:
			return types.WalkFields(f.Data, func(g types.Field) error {
				if g.Num != 1 {
					return nil
				}
				var c clientRecord
				err := types.WalkFields(g.Data, func(h types.Field) error {
					switch h.Num {
					case 1:
						c.ClientID = h.Value
					case 2:
						c.RequestID = h.Value
					case 3:
						c.Seq = types.SeqNum(h.Value)
					case 4:
						c.Result = types.CloneData(h)
					}
					return nil
				})
				env.Clients = append(env.Clients, c)
				return err
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return env, nil
}
