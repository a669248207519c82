package engine

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AvishayYanay/concord-bft/types"
)

const meterName = "github.com/AvishayYanay/concord-bft/engine"

// Metrics is a point-in-time snapshot of a replica's counters and gauges
type Metrics struct {
	SlowPathCount             uint64
	FastPathCount             uint64
	ViewChangeCount           uint64
	ReceivedStateTransferMsgs uint64
	DroppedMessages           uint64
	Equivocations             uint64

	LastExecutedSeqNum types.SeqNum
	LastStableSeqNum   types.SeqNum
	LastAgreedView     types.View
	CurrentActiveView  types.View
}

// metrics keeps the counters in atomics for GetMetrics and mirrors them to
// OpenTelemetry instruments. Written by the consensus loop only.
type metrics struct {
	slowPath      atomic.Uint64
	fastPath      atomic.Uint64
	viewChanges   atomic.Uint64
	stateMsgs     atomic.Uint64
	dropped       atomic.Uint64
	equivocations atomic.Uint64

	lastExecuted atomic.Uint64
	lastStable   atomic.Uint64
	agreedView   atomic.Uint64
	activeView   atomic.Uint64

	attrs         metric.MeasurementOption
	slowPathC     metric.Int64Counter
	fastPathC     metric.Int64Counter
	viewChangeC   metric.Int64Counter
	stateMsgC     metric.Int64Counter
	droppedC      metric.Int64Counter
	equivocationC metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, replica types.ReplicaID) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &metrics{
		attrs: metric.WithAttributes(attribute.Int64("replica", int64(replica))),
	}

	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	m.slowPathC = counter("slowPathCount", "slots committed on the slow path")
	m.fastPathC = counter("fastPathCount", "slots committed on the fast path")
	m.viewChangeC = counter("viewChangeCount", "views installed after a view change")
	m.stateMsgC = counter("receivedStateTransferMsgs", "state transfer responses received")
	m.droppedC = counter("droppedMessages", "messages dropped by the consensus core")
	m.equivocationC = counter("equivocations", "equivocations detected")
	if err != nil {
		return nil, err
	}

	gauge := func(name, desc string, v *atomic.Uint64) {
		if err != nil {
			return
		}
		_, err = meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(v.Load()), m.attrs)
				return nil
			}))
	}
	gauge("lastExecutedSeqNum", "highest executed sequence", &m.lastExecuted)
	gauge("lastStableSeqNum", "stable checkpoint sequence", &m.lastStable)
	gauge("lastAgreedView", "last view installed by a new view", &m.agreedView)
	gauge("currentActiveView", "current view", &m.activeView)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) add(v *atomic.Uint64, c metric.Int64Counter) {
	v.Add(1)
	c.Add(context.TODO(), 1, m.attrs)
}

func (m *metrics) incSlowPath() { m.add(&m.slowPath, m.slowPathC) }
func (m *metrics) incFastPath() { m.add(&m.fastPath, m.fastPathC) }
func (m *metrics) incViewChange() { m.add(&m.viewChanges, m.viewChangeC) }
func (m *metrics) incStateMsg() { m.add(&m.stateMsgs, m.stateMsgC) }
func (m *metrics) incDropped() { m.add(&m.dropped, m.droppedC) }
func (m *metrics) incEquivocation() { m.add(&m.equivocations, m.equivocationC) }
func (m *metrics) setExecuted(s types.SeqNum) { m.lastExecuted.Store(uint64(s)) }
func (m *metrics) setStable(s types.SeqNum) { m.lastStable.Store(uint64(s)) }
func (m *metrics) setAgreedView(v types.View) { m.agreedView.Store(uint64(v)) }
func (m *metrics) setActiveView(v types.View) { m.activeView.Store(uint64(v)) }

func (m *metrics) snapshot() *Metrics {
	return &Metrics{
		SlowPathCount:             m.slowPath.Load(),
		FastPathCount:             m.fastPath.Load(),
		ViewChangeCount:           m.viewChanges.Load(),
		ReceivedStateTransferMsgs: m.stateMsgs.Load(),
		DroppedMessages:           m.dropped.Load(),
		Equivocations:             m.equivocations.Load(),
		LastExecutedSeqNum:        types.SeqNum(m.lastExecuted.Load()),
		LastStableSeqNum:          types.SeqNum(m.lastStable.Load()),
		LastAgreedView:            types.View(m.agreedView.Load()),
		CurrentActiveView:         types.View(m.activeView.Load()),
	}
}
