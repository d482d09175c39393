package replica

import (
	"bft2f/hashchain"
	"bft2f/message"
)

// entryStatus is a log entry's position in the per-entry state machine
// empty -> pre-prepared -> prepared -> committed -> executed, with the
// shortcut empty -> committed when a commit certificate arrives before
// the earlier phases.
type entryStatus int

const (
	entryEmpty entryStatus = iota
	entryPrePrepared
	entryPrepared
	entryCommitted
	entryExecuted
)

func (s entryStatus) String() string {
	switch s {
	case entryEmpty:
		return "empty"
	case entryPrePrepared:
		return "pre-prepared"
	case entryPrepared:
		return "prepared"
	case entryCommitted:
		return "committed"
	case entryExecuted:
		return "executed"
	}
	return "invalid"
}

// entry is the log slot for one sequence number. It is created on
// first evidence (a valid PRE-PREPARE, PREPARE, or COMMIT) and
// discarded once below the stable checkpoint.
type entry struct {
	view   message.View
	seq    message.SeqNo
	digest message.Digest
	// digestKnown is false until a pre-prepare binds the digest; until
	// then commits accumulate per claimed digest.
	digestKnown bool

	request       *message.Request
	prePrepare    *message.PrePrepare
	prePrepareSig []byte
	prePrepareRaw []byte

	prepares    map[message.ReplicaID]*message.Prepare
	prepareSigs map[message.ReplicaID][]byte
	commits     map[message.ReplicaID]*message.Commit

	status entryStatus
	hcv    hashchain.HCV
}

func newEntry(v message.View, n message.SeqNo) *entry {
	return &entry{
		view:        v,
		seq:         n,
		prepares:    make(map[message.ReplicaID]*message.Prepare),
		prepareSigs: make(map[message.ReplicaID][]byte),
		commits:     make(map[message.ReplicaID]*message.Commit),
	}
}

// matchingPrepares counts prepares from distinct senders agreeing with
// the bound digest.
func (e *entry) matchingPrepares() int {
	if !e.digestKnown {
		return 0
	}
	n := 0
	for _, p := range e.prepares {
		if p.Digest == e.digest {
			n++
		}
	}
	return n
}

// prepared reports whether the entry holds a prepared certificate: the
// pre-prepare plus 2f matching prepares from distinct replicas.
func (e *entry) prepared(f int) bool {
	return e.prePrepare != nil && e.matchingPrepares() >= 2*f
}

// commitCount returns the largest agreeing commit group and its
// digest. When the entry's own digest is known only that group
// counts.
func (e *entry) commitCount() (message.Digest, int) {
	if e.digestKnown {
		n := 0
		for _, c := range e.commits {
			if c.Digest == e.digest {
				n++
			}
		}
		return e.digest, n
	}
	counts := make(map[message.Digest]int)
	var best message.Digest
	bestN := 0
	for _, c := range e.commits {
		counts[c.Digest]++
		if counts[c.Digest] > bestN {
			best, bestN = c.Digest, counts[c.Digest]
		}
	}
	return best, bestN
}

// committed reports whether the entry holds a committed certificate:
// 2f+1 matching commits from distinct replicas.
func (e *entry) committed(f int) bool {
	_, n := e.commitCount()
	return n >= 2*f+1
}

// preparedProof assembles the prepared certificate for view-change
// evidence. It returns nil when the entry is not prepared or the
// signatures are incomplete.
func (e *entry) preparedProof(f int) *message.PreparedProof {
	if !e.prepared(f) || e.prePrepareSig == nil {
		return nil
	}
	proof := &message.PreparedProof{
		PrePrepare: message.SignedPrePrepare{PrePrepare: *e.prePrepare, Sig: e.prePrepareSig},
	}
	for id, p := range e.prepares {
		sig, ok := e.prepareSigs[id]
		if !ok || p.Digest != e.digest {
			continue
		}
		proof.Prepares = append(proof.Prepares, message.SignedPrepare{Prepare: *p, Sig: sig})
	}
	if len(proof.Prepares) < 2*f {
		return nil
	}
	return proof
}

// reset clears agreement evidence when an entry is re-bound in a newer
// view. Executed entries are never reset.
func (e *entry) reset(v message.View) {
	e.view = v
	e.digest = message.Digest{}
	e.digestKnown = false
	e.request = nil
	e.prePrepare = nil
	e.prePrepareSig = nil
	e.prePrepareRaw = nil
	e.prepares = make(map[message.ReplicaID]*message.Prepare)
	e.prepareSigs = make(map[message.ReplicaID][]byte)
	e.commits = make(map[message.ReplicaID]*message.Commit)
	e.status = entryEmpty
}
