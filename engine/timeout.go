package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/AvishayYanay/concord-bft/types"
)

const (
	// timeoutChannelSize is the buffer size for the fired timeout channel
	timeoutChannelSize = 256
)

// TimeoutKind names a protocol timer
type TimeoutKind uint8

const (
	TimeoutRequest TimeoutKind = iota + 1
	TimeoutFastPath
	TimeoutViewChange
	TimeoutViewChangeResend
	TimeoutStateTransfer
	TimeoutBatch
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutRequest:
		return "request"
	case TimeoutFastPath:
		return "fast-path"
	case TimeoutViewChange:
		return "view-change"
	case TimeoutViewChangeResend:
		return "view-change-resend"
	case TimeoutStateTransfer:
		return "state-transfer"
	case TimeoutBatch:
		return "batch"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// TimeoutInfo represents a timeout event. Timers are keyed by (Kind, Seq):
// scheduling a key again replaces the pending timer.
type TimeoutInfo struct {
	Duration time.Duration
	Kind     TimeoutKind
	Seq      types.SeqNum
	View     types.View

	gen uint64
}

type timerKey struct {
	kind TimeoutKind
	seq  types.SeqNum
}

type pendingTimer struct {
	gen   uint64
	timer *time.Timer
}

// timeoutScheduler is the part of the ticker the consensus core uses
type timeoutScheduler interface {
	ScheduleTimeout(ti TimeoutInfo)
	CancelTimeout(kind TimeoutKind, seq types.SeqNum)
}

// TimeoutTicker manages the keyed timers of the consensus state machine
type TimeoutTicker struct {
	mu sync.Mutex

	timers  map[timerKey]pendingTimer
	gen     uint64
	tockCh  chan TimeoutInfo
	stopCh  chan struct{}
	running bool
}

// NewTimeoutTicker creates a new TimeoutTicker
func NewTimeoutTicker() *TimeoutTicker {
	return &TimeoutTicker{
		timers: make(map[timerKey]pendingTimer),
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
		stopCh: make(chan struct{}),
	}
}

// Start starts the timeout ticker
func (tt *TimeoutTicker) Start() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.running = true
}

// Stop stops the timeout ticker and every pending timer
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if !tt.running {
		return
	}
	tt.running = false

	close(tt.stopCh)
	for key, p := range tt.timers {
		p.timer.Stop()
		delete(tt.timers, key)
	}
}

// Chan returns the channel that delivers timeout events. Check each event
// with Current before acting on it.
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// ScheduleTimeout arms the timer for (ti.Kind, ti.Seq), replacing any
// pending one
func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if !tt.running {
		return
	}
	key := timerKey{kind: ti.Kind, seq: ti.Seq}
	if p, ok := tt.timers[key]; ok {
		p.timer.Stop()
	}
	tt.gen++
	ti.gen = tt.gen
	tiCopy := ti
	t := time.AfterFunc(ti.Duration, func() {
		select {
		case tt.tockCh <- tiCopy:
		case <-tt.stopCh:
		}
	})
	tt.timers[key] = pendingTimer{gen: ti.gen, timer: t}
}

// CancelTimeout disarms the timer for (kind, seq)
func (tt *TimeoutTicker) CancelTimeout(kind TimeoutKind, seq types.SeqNum) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	key := timerKey{kind: kind, seq: seq}
	if p, ok := tt.timers[key]; ok {
		p.timer.Stop()
		delete(tt.timers, key)
	}
}

// Current reports whether a fired event is the latest schedule of its key
// and consumes it. Events superseded by a later ScheduleTimeout or removed by
// CancelTimeout return false.
func (tt *TimeoutTicker) Current(ti TimeoutInfo) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	key := timerKey{kind: ti.Kind, seq: ti.Seq}
	p, ok := tt.timers[key]
	if !ok || p.gen != ti.gen {
		return false
	}
	delete(tt.timers, key)
	return true
}

// Pending returns the number of armed timers
func (tt *TimeoutTicker) Pending() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.timers)
}
