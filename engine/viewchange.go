package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/AvishayYanay/concord-bft/types"
)

const (
	// maxViewAhead bounds how far above its own target a replica tracks
	// view changes of others
	maxViewAhead = 16
)

// viewChangeTracker holds the view-change state of a replica
type viewChangeTracker struct {
	// target is the view being moved to; it equals the current view in
	// normal operation
	target types.View
	// timeout is the current new-view timeout, doubled on every escalation
	timeout time.Duration
	base    time.Duration

	// own is this replica's signed view change for target
	own *types.ViewChange
	// received holds the view changes of every replica per target view
	received map[types.View]map[types.ReplicaID]*types.ViewChange
	// latest is the highest target each replica asked for
	latest map[types.ReplicaID]types.View

	// built is the new view this replica signed as leader, at most one per
	// view
	built map[types.View]*types.NewView
	// lastNewView is the new view that installed the current view
	lastNewView *types.NewView
}

func newViewChangeTracker(timeout time.Duration) viewChangeTracker {
	return viewChangeTracker{
		timeout:  timeout,
		base:     timeout,
		received: make(map[types.View]map[types.ReplicaID]*types.ViewChange),
		latest:   make(map[types.ReplicaID]types.View),
		built:    make(map[types.View]*types.NewView),
	}
}

// add stores a verified view change
func (t *viewChangeTracker) add(vc *types.ViewChange) {
	set, ok := t.received[vc.NewView]
	if !ok {
		set = make(map[types.ReplicaID]*types.ViewChange)
		t.received[vc.NewView] = set
	}
	set[vc.Replica] = vc
	if vc.NewView > t.latest[vc.Replica] {
		t.latest[vc.Replica] = vc.NewView
	}
}

// quorum returns the view changes for view ordered by replica
func (t *viewChangeTracker) quorum(view types.View) []*types.ViewChange {
	set := t.received[view]
	vcs := lo.Values(set)
	sort.Slice(vcs, func(i, j int) bool { return vcs[i].Replica < vcs[j].Replica })
	return vcs
}

// installed resets the tracker once view is installed
func (t *viewChangeTracker) installed(view types.View, nv *types.NewView) {
	t.target = view
	t.timeout = t.base
	t.own = nil
	t.lastNewView = nv
	for v := range t.received {
		if v <= view {
			delete(t.received, v)
		}
	}
	for v := range t.built {
		if v < view {
			delete(t.built, v)
		}
	}
}

// startViewChange abandons the current view and asks for target
func (rs *ReplicaState) startViewChange(target types.View, reason string) {
	if rs.readOnly || target <= rs.view {
		return
	}
	if rs.vcState != StateNormal && target <= rs.vc.target {
		return
	}

	vc := rs.buildViewChange(target)
	if err := rs.signer.SignViewChange(rs.cfg.ClusterID, vc); err != nil {
		rs.signFailed(err, fmt.Sprintf("view change to %d", target))
		return
	}
	data, err := vc.Marshal()
	if err != nil {
		rs.logger.Error().Err(err).Uint64("target", uint64(target)).Msg("failed to encode view change")
		return
	}

	rs.vcState = StateViewChangePending
	rs.vc.target = target
	rs.vc.own = vc
	rs.vc.add(vc)

	rs.requestTimer, rs.batchTimer = false, false
	rs.timers.CancelTimeout(TimeoutRequest, 0)
	rs.timers.CancelTimeout(TimeoutBatch, 0)

	rs.fx.batch.Put(keyViewChange, data)
	rs.fx.broadcast(vc)
	rs.metrics.setActiveView(target)
	rs.armViewChangeTimers()

	rs.logger.Info().
		Uint64("view", uint64(rs.view)).
		Uint64("target", uint64(target)).
		Str("reason", reason).
		Int("prepared", len(vc.Prepared)).
		Int("fast_voted", len(vc.FastVoted)).
		Int("silent_peers", len(rs.peers.SilentPeers(rs.now().Add(-rs.cfg.Timeouts.Request)))).
		Msg("starting view change")

	rs.checkViewChangeQuorum(target)
}

func (rs *ReplicaState) armViewChangeTimers() {
	rs.timers.ScheduleTimeout(TimeoutInfo{
		Duration: rs.vc.timeout,
		Kind:     TimeoutViewChange,
		View:     rs.vc.target,
	})
	rs.timers.ScheduleTimeout(TimeoutInfo{
		Duration: rs.cfg.Timeouts.ViewChangeResend,
		Kind:     TimeoutViewChangeResend,
		View:     rs.vc.target,
	})
}

// buildViewChange reports the stable checkpoint and every prepared or fast
// voted slot above it
func (rs *ReplicaState) buildViewChange(target types.View) *types.ViewChange {
	vc := &types.ViewChange{
		NewView:      target,
		Replica:      rs.id,
		StableSeq:    rs.stableSeq,
		StableDigest: rs.stableDigest,
	}
	if rs.stableCert != nil {
		vc.StableCert = rs.stableCert.Copy()
	}
	rs.window.Range(func(s *Slot) bool {
		prepared := s.Prepared
		if prepared == nil && s.Committed != nil {
			if fc, err := types.NewFastPathCertificate(s.Committed.Cert); err == nil {
				prepared = &types.PreparedEntry{PrePrepare: s.Committed.PrePrepare, Cert: fc.AsPreparedProof()}
			}
		}
		if prepared != nil && prepared.PrePrepare.View < target {
			vc.Prepared = append(vc.Prepared, types.PreparedEntry{
				PrePrepare: prepared.PrePrepare.Copy(),
				Cert:       prepared.Cert.Copy(),
			})
		}
		if s.FastVoted != nil && s.FastVoted.View < target {
			vc.FastVoted = append(vc.FastVoted, s.FastVoted.Copy())
		}
		return true
	})
	return vc
}

// handleViewChange collects a view change of another replica
func (rs *ReplicaState) handleViewChange(vc *types.ViewChange) {
	if rs.readOnly || vc.Replica == rs.id {
		return
	}
	rs.peers.SetView(vc.Replica, vc.NewView)

	if vc.NewView <= rs.view {
		// the sender missed the new view of a view it asks for
		if vc.NewView == rs.view && rs.vcState == StateNormal && rs.vc.lastNewView != nil &&
			rs.vc.lastNewView.View == rs.view {
			rs.fx.send(vc.Replica, rs.vc.lastNewView)
		}
		return
	}
	if vc.NewView > rs.vc.target+maxViewAhead {
		rs.drop(vc, "view too far ahead")
		return
	}

	rs.vc.add(vc)
	rs.logger.Debug().
		Uint32("replica", uint32(vc.Replica)).
		Uint64("target", uint64(vc.NewView)).
		Int("have", len(rs.vc.received[vc.NewView])).
		Msg("view change received")

	rs.checkJoin()
	rs.checkViewChangeQuorum(vc.NewView)
}

// checkJoin moves to a higher view once f+1 replicas ask for views above
// the own target: at least one of them is correct. The view joined is the
// smallest among the f+1 highest requests.
func (rs *ReplicaState) checkJoin() {
	floor := rs.view
	if rs.vcState != StateNormal {
		floor = rs.vc.target
	}
	targets := make([]types.View, 0, len(rs.vc.latest))
	for id, v := range rs.vc.latest {
		if id != rs.id && v > floor {
			targets = append(targets, v)
		}
	}
	weak := rs.replicas.WeakQuorum()
	if len(targets) < weak {
		return
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] > targets[j] })
	rs.startViewChange(targets[weak-1], "joining view change")
}

// catchUpView asks for the view f+1 peers were seen working in when it is
// above the own. Replicas that installed it answer with their new view.
func (rs *ReplicaState) catchUpView() {
	floor := rs.view
	if rs.vcState != StateNormal {
		floor = rs.vc.target
	}
	var views []types.View
	for _, p := range rs.peers.AllPeers() {
		if p.ID != rs.id && p.View > floor {
			views = append(views, p.View)
		}
	}
	weak := rs.replicas.WeakQuorum()
	if len(views) < weak {
		return
	}
	sort.Slice(views, func(i, j int) bool { return views[i] > views[j] })
	rs.startViewChange(views[weak-1], "peers moved to a higher view")
}

// checkViewChangeQuorum moves to new-view-pending once a quorum of view
// changes for the own target exists, and lets the next leader build its
// new view
func (rs *ReplicaState) checkViewChangeQuorum(view types.View) {
	if rs.vcState == StateNormal || view != rs.vc.target {
		return
	}
	if len(rs.vc.received[view]) < rs.replicas.ViewChangeQuorum() {
		return
	}
	if rs.vcState == StateViewChangePending {
		rs.vcState = StateNewViewPending
		rs.logger.Info().
			Uint64("target", uint64(view)).
			Int("view_changes", len(rs.vc.received[view])).
			Msg("view change quorum, waiting for new view")
	}
	if rs.replicas.LeaderOf(view) == rs.id {
		rs.buildNewView(view)
	}
}

// buildNewView signs and installs the new view as leader of view
func (rs *ReplicaState) buildNewView(view types.View) {
	if rs.vc.built[view] != nil {
		return
	}
	vcs := rs.vc.quorum(view)
	sel := selectNewView(vcs, rs.replicas.FastReportQuorum())

	pps := make([]*types.PrePrepare, 0, len(sel.Proposals))
	for _, p := range sel.Proposals {
		pp := &types.PrePrepare{
			View:     view,
			Seq:      p.Seq,
			Digest:   p.Digest,
			Requests: types.CopyRequests(p.Requests),
			Leader:   rs.id,
		}
		if err := rs.signer.SignPrePrepare(rs.cfg.ClusterID, pp); err != nil {
			rs.signFailed(err, fmt.Sprintf("re-proposal view %d seq %d", view, p.Seq))
			return
		}
		pps = append(pps, pp)
	}
	nv := &types.NewView{View: view, Leader: rs.id, ViewChanges: vcs, PrePrepares: pps}
	if err := rs.signer.SignNewView(rs.cfg.ClusterID, nv); err != nil {
		rs.signFailed(err, fmt.Sprintf("new view %d", view))
		return
	}
	rs.vc.built[view] = nv

	rs.logger.Info().
		Uint64("view", uint64(view)).
		Int("view_changes", len(vcs)).
		Int("reproposals", len(pps)).
		Uint64("stable", uint64(sel.StableSeq)).
		Msg("built new view")

	rs.fx.broadcast(nv)
	rs.enterNewView(nv, sel)
}

// handleNewView installs a new view after checking that its re-proposals
// follow from the view changes it carries
func (rs *ReplicaState) handleNewView(nv *types.NewView) {
	if rs.readOnly {
		return
	}
	rs.peers.SetView(nv.Leader, nv.View)
	if nv.View < rs.view || (nv.View == rs.view && rs.vcState == StateNormal) {
		return
	}
	if rs.vcState != StateNormal && nv.View < rs.vc.target {
		rs.drop(nv, "older than view change target")
		return
	}

	sel := selectNewView(nv.ViewChanges, rs.replicas.FastReportQuorum())
	if err := sel.matches(nv.PrePrepares); err != nil {
		rs.logger.Warn().Err(err).
			Uint64("view", uint64(nv.View)).
			Uint32("leader", uint32(nv.Leader)).
			Msg("rejected new view")
		rs.drop(nv, "re-proposals do not follow from view changes")
		return
	}
	rs.enterNewView(nv, sel)
}

// enterNewView installs nv: adopts its checkpoint, resets every slot to the
// new view and accepts the re-proposals
func (rs *ReplicaState) enterNewView(nv *types.NewView, sel *newViewSelection) {
	prev := rs.view
	rs.view = nv.View
	rs.vcState = StateNormal
	rs.vc.installed(nv.View, nv)
	rs.timers.CancelTimeout(TimeoutViewChange, 0)
	rs.timers.CancelTimeout(TimeoutViewChangeResend, 0)
	rs.timers.CancelTimeout(TimeoutBatch, 0)
	rs.requestTimer, rs.batchTimer = false, false

	if sel.StableSeq > rs.stableSeq {
		own := rs.ownCheckpoints[sel.StableSeq]
		switch {
		case own != nil && own.digest == sel.StableDigest:
			rs.advanceStable(sel.StableSeq, sel.StableDigest, sel.StableCert)
		case own != nil:
			rs.consistencyFault(sel.StableSeq, own.digest, sel.StableDigest, nil)
			return
		case sel.StableSeq > rs.lastDispatched:
			signers, _ := sel.StableCert.SignerIDs()
			rs.sync.Start(sel.StableSeq, sel.StableDigest, signers)
		}
	}

	rs.window.Range(func(s *Slot) bool {
		s.resetView(nv.View)
		return true
	})
	if next := max(sel.MaxSeq, rs.stableSeq) + 1; next > rs.nextSeq || rs.isLeader() {
		rs.nextSeq = next
	}

	for _, pp := range nv.PrePrepares {
		if !rs.window.InRange(pp.Seq) {
			continue
		}
		if s := rs.window.Get(pp.Seq); s != nil {
			if cb := s.committedBatch(); cb != nil && cb.Digest != pp.Digest {
				rs.logger.Error().
					Uint64("seq", uint64(pp.Seq)).
					Str("committed", cb.Digest.Short()).
					Str("reproposed", pp.Digest.Short()).
					Msg("new view re-proposes a different batch for a committed slot")
				continue
			}
		}
		rs.acceptPrePrepare(pp)
	}

	rs.requeueWaiting()

	rs.metrics.incViewChange()
	rs.metrics.setAgreedView(nv.View)
	rs.metrics.setActiveView(nv.View)

	if data, err := nv.Marshal(); err == nil {
		rs.fx.batch.Put(keyNewView, data)
	} else {
		rs.logger.Error().Err(err).Msg("failed to encode new view")
	}
	rs.fx.batch.Delete(keyViewChange)
	if nv.View > 1 {
		rs.fx.batch.DeleteRange(seqKey(prefixSignView, 0), seqKey(prefixSignView, types.SeqNum(nv.View-1)))
	}
	rs.persistMeta()

	rs.logger.Info().
		Uint64("from", uint64(prev)).
		Uint64("view", uint64(nv.View)).
		Uint32("leader", uint32(nv.Leader)).
		Int("reproposals", len(nv.PrePrepares)).
		Uint64("next_seq", uint64(rs.nextSeq)).
		Msg("entered new view")

	rs.dispatchExecution()
	rs.tryPropose(false)
}

// requeueWaiting hands the requests this replica waits for to the new
// leader: the leader queues them, every other replica forwards them
func (rs *ReplicaState) requeueWaiting() {
	rs.pending = nil
	rs.queued = make(map[requestKey]struct{})

	keys := lo.Keys(rs.waiting)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].client != keys[j].client {
			return keys[i].client < keys[j].client
		}
		return keys[i].id < keys[j].id
	})
	now := rs.now()
	leader := rs.leader()
	for _, k := range keys {
		w := rs.waiting[k]
		w.since = now
		rs.waiting[k] = w
		if rs.isLeader() {
			rs.enqueue(w.req)
		} else {
			rs.fx.send(leader, &types.RequestMsg{From: rs.id, Request: w.req.Copy()})
		}
	}
	if len(rs.waiting) > 0 {
		rs.armRequestTimer()
	}
}

// onViewChangeTimeout escalates when no new view arrived in time after a
// quorum of view changes. Before the quorum the view change is re-sent.
func (rs *ReplicaState) onViewChangeTimeout(ti TimeoutInfo) {
	if rs.vcState == StateNormal || ti.View != rs.vc.target {
		return
	}
	if rs.vcState == StateNewViewPending {
		rs.vc.timeout *= 2
		rs.logger.Info().
			Uint64("target", uint64(rs.vc.target)).
			Dur("next_timeout", rs.vc.timeout).
			Msg("new view timed out")
		rs.startViewChange(rs.vc.target+1, "new view timeout")
		return
	}
	rs.resendViewChange()
	rs.armViewChangeTimers()
}

// onViewChangeResend re-broadcasts the own view change periodically
func (rs *ReplicaState) onViewChangeResend(ti TimeoutInfo) {
	if rs.vcState == StateNormal || ti.View != rs.vc.target {
		return
	}
	rs.resendViewChange()
	rs.timers.ScheduleTimeout(TimeoutInfo{
		Duration: rs.cfg.Timeouts.ViewChangeResend,
		Kind:     TimeoutViewChangeResend,
		View:     rs.vc.target,
	})
}

func (rs *ReplicaState) resendViewChange() {
	if rs.vc.own == nil {
		return
	}
	rs.fx.broadcast(rs.vc.own)
	rs.logger.Debug().Uint64("target", uint64(rs.vc.target)).Msg("re-sent view change")
}

// reproposal is what a new view proposes for one sequence
type reproposal struct {
	Seq      types.SeqNum
	Digest   types.Digest
	Requests []types.Request
}

// newViewSelection is the deterministic outcome of a quorum of view
// changes
type newViewSelection struct {
	StableSeq    types.SeqNum
	StableDigest types.Digest
	StableCert   *types.QuorumCertificate
	// MaxSeq is the highest sequence any view change reported
	MaxSeq types.SeqNum
	// Proposals covers (StableSeq, MaxSeq] in order
	Proposals []reproposal
}

// matches checks signed re-proposals against the selection
func (sel *newViewSelection) matches(pps []*types.PrePrepare) error {
	if len(pps) != len(sel.Proposals) {
		return fmt.Errorf("%w: %d re-proposals, expected %d", ErrInvalidNewView, len(pps), len(sel.Proposals))
	}
	for i, p := range sel.Proposals {
		pp := pps[i]
		if pp.Seq != p.Seq || pp.Digest != p.Digest {
			return fmt.Errorf("%w: seq %d proposes %s, expected seq %d with %s",
				ErrInvalidNewView, pp.Seq, pp.Digest.Short(), p.Seq, p.Digest.Short())
		}
	}
	return nil
}

type fastGroupKey struct {
	view   types.View
	digest types.Digest
}

type fastGroup struct {
	pp      *types.PrePrepare
	view    types.View
	digest  types.Digest
	reports int
}

// selectNewView derives the checkpoint and the re-proposals of a new view
// from a quorum of view changes. Every replica computes the same result
// from the same view changes.
//
// Per sequence the candidates are prepared certificates and groups of at
// least fastReports matching fast-vote reports. The highest view wins; at
// equal view a prepared certificate beats a fast group, then more reports
// win, then the lower digest. A sequence without candidates re-proposes
// the highest-view fast-voted batch reported for it, else the null batch.
func selectNewView(vcs []*types.ViewChange, fastReports int) *newViewSelection {
	sel := &newViewSelection{}
	for _, vc := range vcs {
		if vc.StableSeq > sel.StableSeq {
			sel.StableSeq = vc.StableSeq
			sel.StableDigest = vc.StableDigest
			sel.StableCert = vc.StableCert
		}
	}

	prepared := make(map[types.SeqNum]*types.PreparedEntry)
	groups := make(map[types.SeqNum]map[fastGroupKey]*fastGroup)
	for _, vc := range vcs {
		for i := range vc.Prepared {
			pe := &vc.Prepared[i]
			seq := pe.PrePrepare.Seq
			if seq <= sel.StableSeq {
				continue
			}
			sel.MaxSeq = max(sel.MaxSeq, seq)
			if cur, ok := prepared[seq]; !ok || betterPrepared(pe, cur) {
				prepared[seq] = pe
			}
		}
		reported := make(map[types.SeqNum]struct{}, len(vc.FastVoted))
		for _, pp := range vc.FastVoted {
			if pp.Seq <= sel.StableSeq {
				continue
			}
			if _, dup := reported[pp.Seq]; dup {
				continue
			}
			reported[pp.Seq] = struct{}{}
			sel.MaxSeq = max(sel.MaxSeq, pp.Seq)
			byKey, ok := groups[pp.Seq]
			if !ok {
				byKey = make(map[fastGroupKey]*fastGroup)
				groups[pp.Seq] = byKey
			}
			key := fastGroupKey{view: pp.View, digest: pp.Digest}
			g, ok := byKey[key]
			if !ok {
				g = &fastGroup{pp: pp, view: pp.View, digest: pp.Digest}
				byKey[key] = g
			}
			g.reports++
		}
	}

	for seq := sel.StableSeq + 1; seq <= sel.MaxSeq; seq++ {
		var best, fallback *fastGroup
		for _, g := range groups[seq] {
			if fallback == nil || betterFastGroup(g, fallback, false) {
				fallback = g
			}
			if g.reports >= fastReports && (best == nil || betterFastGroup(g, best, true)) {
				best = g
			}
		}

		p := reproposal{Seq: seq, Digest: types.NullDigest}
		pe := prepared[seq]
		switch {
		case pe != nil && (best == nil || pe.PrePrepare.View >= best.view):
			p.Digest, p.Requests = pe.PrePrepare.Digest, pe.PrePrepare.Requests
		case best != nil:
			p.Digest, p.Requests = best.digest, best.pp.Requests
		case fallback != nil:
			p.Digest, p.Requests = fallback.digest, fallback.pp.Requests
		}
		sel.Proposals = append(sel.Proposals, p)
	}
	return sel
}

// betterPrepared orders prepared certificates: higher view, then lower
// digest
func betterPrepared(a, b *types.PreparedEntry) bool {
	if a.PrePrepare.View != b.PrePrepare.View {
		return a.PrePrepare.View > b.PrePrepare.View
	}
	return a.PrePrepare.Digest.Compare(b.PrePrepare.Digest) < 0
}

// betterFastGroup orders fast-vote groups: higher view, then more reports
// when byReports is set, then lower digest
func betterFastGroup(a, b *fastGroup, byReports bool) bool {
	if a.view != b.view {
		return a.view > b.view
	}
	if byReports && a.reports != b.reports {
		return a.reports > b.reports
	}
	return a.digest.Compare(b.digest) < 0
}
