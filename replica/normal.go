package replica

import (
	"go.uber.org/zap"

	"bft2f/hashchain"
	"bft2f/message"
	"bft2f/signing"
)

// onRequest handles a client REQUEST, either direct or forwarded by a
// backup.
func (e *Engine) onRequest(env *message.Envelope, req *message.Request) {
	rec := e.clients[req.Client]
	if rec != nil && req.Timestamp <= rec.lastTimestamp {
		// At-most-once: a stale timestamp is answered by replaying the
		// last reply, never by re-executing.
		if rec.lastReplyRaw != nil {
			e.cfg.Transport.Send(uint64(req.Client), rec.lastReplyRaw)
			e.metrics.ReplayedReplies++
		}
		return
	}

	digest := signing.RequestDigest(req)

	if !e.isPrimary() {
		// Forward to the primary and start the timer that guards
		// against a dead or silent one.
		fwd := &message.Envelope{
			Tag:    message.TagRequest,
			View:   e.view,
			Sender: uint64(e.cfg.ID),
			Body:   req,
		}
		e.send(uint64(e.primary()), fwd)
		if _, ok := e.requestTimers[digest]; !ok {
			token := e.scheduleToken(e.cfg.Cluster.RequestTimeout.Std(),
				timerPurpose{kind: timerRequest, digest: digest, view: e.view})
			e.requestTimers[digest] = token
		}
		return
	}

	if seq, ok := e.assigned[digest]; ok {
		// Already sequenced and in flight. Re-send the pre-prepare so
		// backups that dropped it can still prepare.
		if ent, ok := e.log[seq]; ok && ent.status < entryExecuted && ent.prePrepareRaw != nil {
			e.cfg.Transport.Broadcast(ent.prePrepareRaw)
		}
		return
	}

	n := e.nextSeq + 1
	if !e.inWatermarks(n) {
		// The window is full; the client will retransmit once
		// checkpoints advance it.
		e.metrics.OutOfRangeDropped++
		return
	}
	e.nextSeq = n
	e.assigned[digest] = n

	// Extrapolate the chain assuming this request executes next after
	// everything already assigned.
	e.projected = hashchain.Extend(e.projected, digest, uint64(n), uint64(e.view))

	pp := &message.PrePrepare{
		View:       e.view,
		Seq:        n,
		Digest:     digest,
		PrimaryHCV: e.projected,
		Request:    *req,
	}
	sig := e.cfg.KeyRing.Sign(pp.SigningBytes())
	out := &message.Envelope{
		Tag:    message.TagPrePrepare,
		View:   e.view,
		Sender: uint64(e.cfg.ID),
		Body:   pp,
		Sig:    sig,
	}
	raw := e.seal(out, e.otherReplicas())

	ent := e.entryAt(n)
	if ent.status != entryEmpty && ent.digestKnown && ent.digest != pp.Digest {
		e.halt("assigning a sequence number that is already bound",
			zap.Uint64("seq", uint64(n)))
		return
	}
	ent.view = e.view
	ent.digest = pp.Digest
	ent.digestKnown = true
	ent.request = &pp.Request
	ent.prePrepare = pp
	ent.prePrepareSig = sig
	ent.prePrepareRaw = raw
	if ent.status < entryPrePrepared {
		ent.status = entryPrePrepared
	}

	e.logger.Debug("assigned sequence",
		zap.Uint64("seq", uint64(n)),
		zap.Uint64("view", uint64(e.view)))
	e.cfg.Transport.Broadcast(raw)
	e.maybeAdvance(ent)
}

// onPrePrepare handles the primary's sequence assignment at a backup.
func (e *Engine) onPrePrepare(env *message.Envelope, pp *message.PrePrepare) {
	if message.ReplicaID(env.Sender) != e.primary() {
		e.suspect(message.ReplicaID(env.Sender))
		return
	}
	if pp.View != e.view {
		e.metrics.StaleViewDropped++
		return
	}

	ent := e.entryAt(pp.Seq)
	if ent.status == entryExecuted {
		return
	}
	if ent.prePrepare != nil && ent.view == pp.View {
		if ent.prePrepare.Digest != pp.Digest {
			// Two digests at the same (v, n) from the primary: proof of
			// equivocation.
			e.recordEquivocation(ent.prePrepareRaw, env.Raw, message.ReplicaID(env.Sender))
			e.startViewChange(e.view + 1)
			return
		}
		// Duplicate delivery.
		return
	}
	if ent.digestKnown && ent.digest != pp.Digest {
		// The slot is already bound by a commit certificate for a
		// different digest.
		e.suspect(message.ReplicaID(env.Sender))
		return
	}

	ent.view = pp.View
	ent.digest = pp.Digest
	ent.digestKnown = true
	ent.request = &pp.Request
	ent.prePrepare = pp
	ent.prePrepareSig = env.Sig
	ent.prePrepareRaw = env.Raw
	if ent.status < entryPrePrepared {
		ent.status = entryPrePrepared
	}

	if !e.isPrimary() {
		p := &message.Prepare{
			View:    e.view,
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
			View:   e.view,
			Sender: uint64(e.cfg.ID),
			Body:   p,
			Sig:    sig,
		})
	}
	e.maybeAdvance(ent)
}

// onPrepare records a backup's agreement.
func (e *Engine) onPrepare(env *message.Envelope, p *message.Prepare) {
	if p.View != e.view {
		e.metrics.StaleViewDropped++
		return
	}
	if p.Replica == e.primary() {
		// The primary's pre-prepare stands in for its prepare; a
		// prepare claiming to be from it is misbehavior.
		e.suspect(p.Replica)
		return
	}

	ent := e.entryAt(p.Seq)
	if ent.digestKnown && p.Digest != ent.digest {
		// Contradicts the accepted pre-prepare: dropped, but counted.
		e.suspect(p.Replica)
		return
	}
	if prev, ok := ent.prepares[p.Replica]; ok {
		if prev.Digest != p.Digest {
			e.suspect(p.Replica)
		}
		// Idempotent otherwise.
		return
	}
	ent.prepares[p.Replica] = p
	ent.prepareSigs[p.Replica] = env.Sig
	e.maybeAdvance(ent)
}

// onCommit records a commit vote. Commits may arrive before the
// pre-prepare; they are retained and re-examined when evidence
// arrives.
func (e *Engine) onCommit(env *message.Envelope, c *message.Commit) {
	if c.View != e.view {
		e.metrics.StaleViewDropped++
		return
	}
	ent := e.entryAt(c.Seq)
	if prev, ok := ent.commits[c.Replica]; ok {
		if prev.Digest != c.Digest {
			e.suspect(c.Replica)
		}
		return
	}
	if ent.digestKnown && c.Digest != ent.digest {
		e.suspect(c.Replica)
		return
	}
	ent.commits[c.Replica] = c
	e.maybeAdvance(ent)
}

// maybeAdvance moves an entry through prepared and committed as
// certificates complete, then executes everything ready in sequence
// order.
func (e *Engine) maybeAdvance(ent *entry) {
	if ent.status < entryPrepared && ent.prepared(e.f) {
		ent.status = entryPrepared
		c := &message.Commit{
			View:    ent.view,
			Seq:     ent.seq,
			Digest:  ent.digest,
			HCV:     e.hcv,
			Replica: e.cfg.ID,
		}
		ent.commits[e.cfg.ID] = c
		e.broadcast(&message.Envelope{
			Tag:    message.TagCommit,
			View:   ent.view,
			Sender: uint64(e.cfg.ID),
			Body:   c,
		})
	}

	if ent.status < entryCommitted && ent.committed(e.f) {
		if !ent.digestKnown {
			// Catch-up: a commit certificate arrived before the earlier
			// phases and binds the digest.
			d, _ := ent.commitCount()
			ent.digest = d
			ent.digestKnown = true
		}
		ent.status = entryCommitted
	}

	e.executeReady()
}

// executeReady applies committed operations strictly in sequence
// order. An entry committed via catch-up without its request blocks
// execution until the request arrives.
func (e *Engine) executeReady() {
	for {
		n := e.lastExecuted + 1
		ent, ok := e.log[n]
		if !ok || ent.status != entryCommitted || ent.request == nil {
			return
		}
		e.execute(ent)
	}
}

func (e *Engine) execute(ent *entry) {
	var result []byte
	if !ent.request.IsNoOp() {
		result = e.cfg.App.Apply(ent.request.Op)
	}

	e.hcv = hashchain.Extend(e.hcv, ent.digest, uint64(ent.seq), uint64(ent.view))
	ent.hcv = e.hcv
	ent.status = entryExecuted
	e.lastExecuted = ent.seq
	e.metrics.Executed++

	// The chain made progress; view-change escalation starts over.
	e.vcBackoff.Reset()

	if ent.seq >= e.nextSeq {
		e.nextSeq = ent.seq
		e.projected = e.hcv
	}

	if token, ok := e.requestTimers[ent.digest]; ok {
		delete(e.requestTimers, ent.digest)
		e.cancelToken(token)
	}

	if !ent.request.IsNoOp() {
		rec := e.clients[ent.request.Client]
		if rec == nil {
			rec = &clientRecord{}
			e.clients[ent.request.Client] = rec
		}
		if ent.request.Timestamp > rec.lastTimestamp {
			rec.lastTimestamp = ent.request.Timestamp
			reply := &message.Reply{
				View:      ent.view,
				Timestamp: ent.request.Timestamp,
				Client:    ent.request.Client,
				Replica:   e.cfg.ID,
				Result:    result,
				HCV:       e.hcv,
			}
			out := &message.Envelope{
				Tag:    message.TagReply,
				View:   ent.view,
				Sender: uint64(e.cfg.ID),
				Body:   reply,
			}
			raw := e.seal(out, []uint64{uint64(ent.request.Client)})
			rec.lastReplyRaw = raw
			e.cfg.Transport.Send(uint64(ent.request.Client), raw)
			e.metrics.RepliesSent++
		}
	}

	e.logger.Debug("executed",
		zap.Uint64("seq", uint64(ent.seq)),
		zap.Uint64("view", uint64(ent.view)),
		zap.Stringer("hcv", e.hcv))

	e.maybeCheckpoint(ent.seq)
}
