package replica

import (
	"sort"

	"go.uber.org/zap"

	"bft2f/hashchain"
	"bft2f/message"
	"bft2f/signing"
)

// startViewChange abandons the current view and votes for target. The
// replica stops accepting normal protocol messages until a valid
// NEW-VIEW arrives.
func (e *Engine) startViewChange(target message.View) {
	if target <= e.view {
		return
	}
	if e.status == StatusViewChanging && e.vcTarget >= target {
		return
	}

	e.metrics.ViewChangesStarted++
	e.status = StatusViewChanging
	e.vcTarget = target

	// Outstanding request timers belong to the abandoned view.
	for d, token := range e.requestTimers {
		delete(e.requestTimers, d)
		e.cancelToken(token)
	}
	e.cancelToken(e.vcToken)

	vc := &message.ViewChange{
		NewView:         target,
		LastStable:      e.lastStable,
		CheckpointProof: e.stableProof,
		Prepared:        e.collectPreparedProofs(),
		HCV:             e.hcv,
		Replica:         e.cfg.ID,
	}
	vc.Sig = e.cfg.KeyRing.Sign(vc.SigningBytes())
	e.recordVote(vc)

	e.broadcast(&message.Envelope{
		Tag:    message.TagViewChange,
		View:   target,
		Sender: uint64(e.cfg.ID),
		Body:   vc,
	})

	// Escalate to target+1 if the new primary stalls; repeated view
	// changes back off geometrically.
	e.vcToken = e.scheduleToken(e.vcBackoff.NextBackOff(),
		timerPurpose{kind: timerViewChange, view: target})

	e.logger.Info("view change started", zap.Uint64("target", uint64(target)))
	e.tryAssembleNewView(target)
}

func (e *Engine) collectPreparedProofs() []message.PreparedProof {
	var proofs []message.PreparedProof
	seqs := make([]message.SeqNo, 0, len(e.log))
	for n := range e.log {
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, n := range seqs {
		ent := e.log[n]
		if n <= e.lastStable || ent.status < entryPrepared {
			continue
		}
		if proof := ent.preparedProof(e.f); proof != nil {
			proofs = append(proofs, *proof)
		}
	}
	return proofs
}

func (e *Engine) recordVote(vc *message.ViewChange) {
	votes := e.votes[vc.NewView]
	if votes == nil {
		votes = make(map[message.ReplicaID]*message.ViewChange)
		e.votes[vc.NewView] = votes
	}
	votes[vc.Replica] = vc
}

// onViewChange records a peer's vote, applies the f+1 catch-up rule,
// and assembles a NEW-VIEW when this replica is the prospective
// primary with a quorum.
func (e *Engine) onViewChange(env *message.Envelope, vc *message.ViewChange) {
	if vc.NewView <= e.view {
		e.metrics.StaleViewDropped++
		return
	}
	e.recordVote(vc)

	// Catch-up: f+1 distinct replicas voting for higher views move
	// this replica to the smallest of them even before its own timer
	// fires.
	current := e.view
	if e.status == StatusViewChanging && e.vcTarget > current {
		current = e.vcTarget
	}
	highest := make(map[message.ReplicaID]message.View)
	for v, votes := range e.votes {
		if v <= current {
			continue
		}
		for r := range votes {
			if v > highest[r] {
				highest[r] = v
			}
		}
	}
	if len(highest) >= e.f+1 {
		smallest := message.View(0)
		for _, v := range highest {
			if smallest == 0 || v < smallest {
				smallest = v
			}
		}
		e.startViewChange(smallest)
	}

	e.tryAssembleNewView(vc.NewView)
}

// validViewChange checks a vote's embedded evidence: the checkpoint
// proof and every prepared certificate.
func (e *Engine) validViewChange(vc *message.ViewChange) bool {
	if vc.LastStable > 0 {
		agreeing := make(map[message.ReplicaID]bool)
		for _, sc := range vc.CheckpointProof {
			cp := sc.Checkpoint
			if cp.Seq != vc.LastStable {
				continue
			}
			if e.cfg.KeyRing.Verify(uint64(cp.Replica), cp.SigningBytes(), sc.Sig) != nil {
				continue
			}
			agreeing[cp.Replica] = true
		}
		if len(agreeing) < e.cfg.Cluster.Quorum() {
			return false
		}
	}
	for i := range vc.Prepared {
		if !e.validPreparedProof(&vc.Prepared[i]) {
			return false
		}
	}
	return true
}

func (e *Engine) validPreparedProof(proof *message.PreparedProof) bool {
	pp := proof.PrePrepare.PrePrepare
	ppPrimary := e.cfg.Cluster.Primary(pp.View)
	if e.cfg.KeyRing.Verify(uint64(ppPrimary), pp.SigningBytes(), proof.PrePrepare.Sig) != nil {
		return false
	}
	if pp.Digest != signing.RequestDigest(&pp.Request) {
		return false
	}
	matching := make(map[message.ReplicaID]bool)
	for _, sp := range proof.Prepares {
		p := sp.Prepare
		if p.View != pp.View || p.Seq != pp.Seq || p.Digest != pp.Digest {
			continue
		}
		if p.Replica == ppPrimary {
			continue
		}
		if e.cfg.KeyRing.Verify(uint64(p.Replica), p.SigningBytes(), sp.Sig) != nil {
			continue
		}
		matching[p.Replica] = true
	}
	return len(matching) >= 2*e.f
}

// selection is one slot of the reconstructed new-view range.
type selection struct {
	seq     message.SeqNo
	digest  message.Digest
	request message.Request
	view    message.View
}

// computeNewViewSet applies the selection rule over a set of valid
// votes: for each contested sequence take the request prepared in the
// highest view; unclaimed sequences become no-ops.
func computeNewViewSet(vcs []*message.ViewChange) (message.SeqNo, []selection) {
	var minS, maxS message.SeqNo
	byStats := make(map[message.SeqNo]selection)
	for _, vc := range vcs {
		if vc.LastStable > minS {
			minS = vc.LastStable
		}
		for i := range vc.Prepared {
			pp := vc.Prepared[i].PrePrepare.PrePrepare
			if pp.Seq > maxS {
				maxS = pp.Seq
			}
			prev, ok := byStats[pp.Seq]
			if !ok || pp.View > prev.view {
				byStats[pp.Seq] = selection{
					seq:     pp.Seq,
					digest:  pp.Digest,
					request: pp.Request,
					view:    pp.View,
				}
			}
		}
	}
	var out []selection
	for n := minS + 1; n <= maxS; n++ {
		sel, ok := byStats[n]
		if !ok {
			noop := message.NoOpRequest()
			sel = selection{
				seq:     n,
				digest:  signing.RequestDigest(&noop),
				request: noop,
			}
		}
		out = append(out, sel)
	}
	return minS, out
}

// tryAssembleNewView emits a NEW-VIEW once this replica is the
// prospective primary of target and holds 2f+1 valid votes.
func (e *Engine) tryAssembleNewView(target message.View) {
	if e.cfg.Cluster.Primary(target) != e.cfg.ID {
		return
	}
	if e.status != StatusViewChanging || e.vcTarget != target {
		return
	}
	var valid []*message.ViewChange
	ids := make([]message.ReplicaID, 0, len(e.votes[target]))
	for r := range e.votes[target] {
		ids = append(ids, r)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, r := range ids {
		vc := e.votes[target][r]
		if e.validViewChange(vc) {
			valid = append(valid, vc)
		}
	}
	if len(valid) < e.cfg.Cluster.Quorum() {
		return
	}
	valid = valid[:e.cfg.Cluster.Quorum()]

	_, selections := computeNewViewSet(valid)
	pps := make([]message.SignedPrePrepare, 0, len(selections))
	proj := e.hcv
	for _, sel := range selections {
		pp := message.PrePrepare{
			View:    target,
			Seq:     sel.seq,
			Digest:  sel.digest,
			Request: sel.request,
		}
		proj = hashchain.Extend(proj, sel.digest, uint64(sel.seq), uint64(target))
		pp.PrimaryHCV = proj
		pps = append(pps, message.SignedPrePrepare{
			PrePrepare: pp,
			Sig:        e.cfg.KeyRing.Sign(pp.SigningBytes()),
		})
	}

	nv := &message.NewView{
		NewView:     target,
		PrePrepares: pps,
		Replica:     e.cfg.ID,
	}
	for _, vc := range valid {
		nv.ViewChanges = append(nv.ViewChanges, *vc)
	}
	nv.Sig = e.cfg.KeyRing.Sign(nv.SigningBytes())

	e.broadcast(&message.Envelope{
		Tag:    message.TagNewView,
		View:   target,
		Sender: uint64(e.cfg.ID),
		Body:   nv,
	})
	e.logger.Info("new view announced",
		zap.Uint64("view", uint64(target)),
		zap.Int("carried", len(pps)))
	e.enterView(target, pps)
}

// onNewView validates the announcement against its embedded votes and
// enters the view. The implied pre-prepare set is recomputed locally;
// nothing is taken from the new primary on trust.
func (e *Engine) onNewView(env *message.Envelope, nv *message.NewView) {
	if nv.NewView <= e.view {
		e.metrics.StaleViewDropped++
		return
	}
	if e.cfg.Cluster.Primary(nv.NewView) != nv.Replica {
		e.suspect(nv.Replica)
		return
	}

	seen := make(map[message.ReplicaID]bool)
	var valid []*message.ViewChange
	for i := range nv.ViewChanges {
		vc := &nv.ViewChanges[i]
		if vc.NewView != nv.NewView || seen[vc.Replica] {
			continue
		}
		if e.cfg.KeyRing.Verify(uint64(vc.Replica), vc.SigningBytes(), vc.Sig) != nil {
			continue
		}
		if !e.validViewChange(vc) {
			continue
		}
		seen[vc.Replica] = true
		valid = append(valid, vc)
	}
	if len(valid) < e.cfg.Cluster.Quorum() {
		e.suspect(nv.Replica)
		return
	}

	_, selections := computeNewViewSet(valid)
	if len(selections) != len(nv.PrePrepares) {
		e.suspect(nv.Replica)
		return
	}
	for i, sel := range selections {
		pp := nv.PrePrepares[i].PrePrepare
		if pp.View != nv.NewView || pp.Seq != sel.seq || pp.Digest != sel.digest ||
			signing.RequestDigest(&pp.Request) != sel.digest {
			e.suspect(nv.Replica)
			return
		}
		if e.cfg.KeyRing.Verify(uint64(nv.Replica), pp.SigningBytes(), nv.PrePrepares[i].Sig) != nil {
			e.suspect(nv.Replica)
			return
		}
	}

	e.enterView(nv.NewView, nv.PrePrepares)
}

// enterView installs a new active view and processes the implied
// pre-prepares. Each replica extends its own chain at execution time,
// so the HCV over the carried requests is recomputed deterministically
// everywhere.
func (e *Engine) enterView(target message.View, pps []message.SignedPrePrepare) {
	e.view = target
	e.status = StatusActive
	e.vcTarget = 0
	e.cancelToken(e.vcToken)
	e.metrics.ViewsEntered++
	e.assigned = make(map[message.Digest]message.SeqNo)
	e.projected = e.hcv
	e.nextSeq = e.lastStable
	if e.lastExecuted > e.nextSeq {
		e.nextSeq = e.lastExecuted
	}

	for v := range e.votes {
		if v <= target {
			delete(e.votes, v)
		}
	}

	e.logger.Info("entered view",
		zap.Uint64("view", uint64(target)),
		zap.Int("carried", len(pps)))

	for i := range pps {
		pp := pps[i].PrePrepare
		if pp.Seq <= e.lastExecuted {
			continue
		}
		if pp.Seq > e.nextSeq {
			e.nextSeq = pp.Seq
		}
		ent := e.entryAt(pp.Seq)
		if ent.status == entryExecuted {
			continue
		}
		if ent.view < target {
			ent.reset(target)
		}
		ent.digest = pp.Digest
		ent.digestKnown = true
		req := pp.Request
		ent.request = &req
		ppCopy := pp
		ent.prePrepare = &ppCopy
		ent.prePrepareSig = pps[i].Sig
		if ent.status < entryPrePrepared {
			ent.status = entryPrePrepared
		}
		e.assigned[pp.Digest] = pp.Seq

		if !e.isPrimary() {
			p := &message.Prepare{
				View:    target,
				Seq:     pp.Seq,
				Digest:  pp.Digest,
				HCV:     e.hcv,
				Replica: e.cfg.ID,
			}
			sig := e.cfg.KeyRing.Sign(p.SigningBytes())
			ent.prepares[e.cfg.ID] = p
			ent.prepareSigs[e.cfg.ID] = sig
			e.broadcast(&message.Envelope{
				Tag:    message.TagPrepare,
				View:   target,
				Sender: uint64(e.cfg.ID),
				Body:   p,
				Sig:    sig,
			})
		}
		e.maybeAdvance(ent)
	}

	// Recompute the primary's projection over everything now assigned.
	e.projected = e.hcv
	for n := e.lastExecuted + 1; n <= e.nextSeq; n++ {
		if ent, ok := e.log[n]; ok && ent.digestKnown {
			e.projected = hashchain.Extend(e.projected, ent.digest, uint64(n), uint64(target))
		}
	}
}
