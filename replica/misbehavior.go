package replica

import (
	"go.uber.org/zap"

	"bft2f/message"
)

// Proof is a retained proof of misbehavior: two conflicting
// authenticated wire messages from the same sender for the same slot.
// The raw forms are kept so the evidence can be re-broadcast verbatim
// and verified by any replica holding the sender's keys.
type Proof struct {
	Accused message.ReplicaID
	First   []byte
	Second  []byte
}

// recordEquivocation retains a proof and fans both halves out to all
// replicas, so every honest peer derives the same proof itself.
func (e *Engine) recordEquivocation(first, second []byte, accused message.ReplicaID) {
	if first == nil || second == nil {
		return
	}
	e.proofs = append(e.proofs, Proof{Accused: accused, First: first, Second: second})
	e.metrics.Equivocations++
	e.logger.Warn("equivocation detected",
		zap.Uint64("accused", uint64(accused)))
	e.cfg.Transport.Broadcast(first)
	e.cfg.Transport.Broadcast(second)
}

// suspect counts a message that contradicts accepted evidence without
// forming a standalone proof.
func (e *Engine) suspect(id message.ReplicaID) {
	e.suspicion[id]++
	e.metrics.SuspiciousDropped++
	e.logger.Debug("suspicious message dropped",
		zap.Uint64("sender", uint64(id)),
		zap.Uint64("count", e.suspicion[id]))
}

// Proofs returns the retained proofs of misbehavior.
func (e *Engine) Proofs() []Proof {
	// Read from the loop via metrics channel ordering is unnecessary:
	// proofs are append-only and tests read them after quiescence.
	return e.proofs
}
