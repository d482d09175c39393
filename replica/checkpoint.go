package replica

import (
	"go.uber.org/zap"

	"bft2f/message"
)

// maybeCheckpoint emits a CHECKPOINT every K executed sequences.
func (e *Engine) maybeCheckpoint(n message.SeqNo) {
	k := message.SeqNo(e.cfg.Cluster.CheckpointInterval)
	if n == 0 || n%k != 0 {
		return
	}
	cp := &message.Checkpoint{
		Seq:         n,
		StateDigest: message.Digest(e.cfg.App.Digest()),
		HCV:         e.hcv,
		Replica:     e.cfg.ID,
	}
	sig := e.cfg.KeyRing.Sign(cp.SigningBytes())
	out := &message.Envelope{
		Tag:    message.TagCheckpoint,
		View:   e.view,
		Sender: uint64(e.cfg.ID),
		Body:   cp,
		Sig:    sig,
	}
	raw := e.seal(out, e.otherReplicas())
	e.recordCheckpoint(cp, sig, raw)
	e.cfg.Transport.Broadcast(raw)
}

// onCheckpoint records a peer's checkpoint claim and advances the
// stable checkpoint when a 2f+1 quorum agrees.
func (e *Engine) onCheckpoint(env *message.Envelope, cp *message.Checkpoint) {
	if cp.Seq <= e.lastStable {
		return
	}
	e.recordCheckpoint(cp, env.Sig, env.Raw)
}

func (e *Engine) recordCheckpoint(cp *message.Checkpoint, sig, raw []byte) {
	witnesses := e.checkpoints[cp.Seq]
	if witnesses == nil {
		witnesses = make(map[message.ReplicaID]*checkpointWitness)
		e.checkpoints[cp.Seq] = witnesses
	}
	if prev, ok := witnesses[cp.Replica]; ok {
		// Two conflicting HCVs from the same peer at the same position
		// are a proof of misbehavior; agreement is just a duplicate.
		if prev.cp.HCV != cp.HCV || prev.cp.StateDigest != cp.StateDigest {
			e.recordEquivocation(prev.raw, raw, cp.Replica)
		}
		return
	}
	witnesses[cp.Replica] = &checkpointWitness{cp: cp, sig: sig, raw: raw}

	// Count the quorum agreeing with this witness exactly.
	agreeing := make([]message.SignedCheckpoint, 0, len(witnesses))
	for _, w := range witnesses {
		if w.cp.StateDigest == cp.StateDigest && w.cp.HCV == cp.HCV {
			agreeing = append(agreeing, message.SignedCheckpoint{Checkpoint: *w.cp, Sig: w.sig})
		}
	}
	if len(agreeing) < e.cfg.Cluster.Quorum() {
		return
	}
	e.stabilize(cp, agreeing)
}

// stabilize installs a proven checkpoint: watermarks advance and the
// log below it is discarded.
func (e *Engine) stabilize(cp *message.Checkpoint, proof []message.SignedCheckpoint) {
	if cp.Seq <= e.lastStable {
		return
	}
	e.lastStable = cp.Seq
	e.stableDigest = cp.StateDigest
	e.stableProof = proof
	e.metrics.CheckpointsStable++

	for n, ent := range e.log {
		if n <= cp.Seq {
			if ent.digestKnown {
				delete(e.assigned, ent.digest)
			}
			delete(e.log, n)
		}
	}
	for n := range e.checkpoints {
		if n <= cp.Seq {
			delete(e.checkpoints, n)
		}
	}
	if e.nextSeq < cp.Seq {
		e.nextSeq = cp.Seq
	}

	e.logger.Info("checkpoint stable",
		zap.Uint64("seq", uint64(cp.Seq)),
		zap.Stringer("hcv", cp.HCV))

	if e.cfg.Store != nil {
		if err := e.persist(); err != nil {
			e.logger.Warn("persist failed", zap.Error(err))
		}
	}
}
