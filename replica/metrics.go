package replica

import "bft2f/hashchain"

// Metrics is a snapshot of the engine's protocol counters, following
// the error taxonomy: malformed and out-of-range inputs are dropped
// and counted, equivocation is retained as evidence, timeouts escalate
// into view changes.
type Metrics struct {
	// View, LastExecuted, and HCV describe the engine's position when
	// the snapshot was taken.
	View         uint64
	LastExecuted uint64
	HCV          hashchain.HCV

	MalformedDropped   uint64
	OutOfRangeDropped  uint64
	StaleViewDropped   uint64
	SuspiciousDropped  uint64
	Equivocations      uint64
	ViewChangesStarted uint64
	ViewsEntered       uint64
	Executed           uint64
	RepliesSent        uint64
	ReplayedReplies    uint64
	CheckpointsStable  uint64
}
