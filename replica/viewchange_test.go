package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft2f/message"
	"bft2f/signing"
)

func proofAt(seq message.SeqNo, view message.View, op string) message.PreparedProof {
	req := message.Request{
		Client:    message.ClientIDFloor,
		Timestamp: message.Timestamp(seq),
		Op:        []byte(op),
		Sig:       []byte("sig"),
	}
	return message.PreparedProof{
		PrePrepare: message.SignedPrePrepare{
			PrePrepare: message.PrePrepare{
				View:    view,
				Seq:     seq,
				Digest:  signing.RequestDigest(&req),
				Request: req,
			},
		},
	}
}

func TestComputeNewViewSetPicksHighestPreparedView(t *testing.T) {
	// The same sequence number was prepared under view 0 at one
	// replica and re-prepared under view 1 at another; the view-1
	// binding wins.
	vcs := []*message.ViewChange{
		{NewView: 2, LastStable: 0, Prepared: []message.PreparedProof{proofAt(1, 0, "old")}},
		{NewView: 2, LastStable: 0, Prepared: []message.PreparedProof{proofAt(1, 1, "new")}},
		{NewView: 2, LastStable: 0},
	}
	minS, selections := computeNewViewSet(vcs)
	assert.Equal(t, message.SeqNo(0), minS)
	require.Len(t, selections, 1)
	assert.Equal(t, []byte("new"), selections[0].request.Op)
}

func TestComputeNewViewSetFillsGapsWithNoOps(t *testing.T) {
	vcs := []*message.ViewChange{
		{NewView: 1, LastStable: 0, Prepared: []message.PreparedProof{
			proofAt(1, 0, "one"),
			proofAt(3, 0, "three"),
		}},
	}
	_, selections := computeNewViewSet(vcs)
	require.Len(t, selections, 3)
	assert.Equal(t, []byte("one"), selections[0].request.Op)
	assert.True(t, selections[1].request.IsNoOp(), "unclaimed sequence becomes a no-op")
	assert.Equal(t, []byte("three"), selections[2].request.Op)
}

func TestComputeNewViewSetStartsAboveHighestStableCheckpoint(t *testing.T) {
	vcs := []*message.ViewChange{
		{NewView: 1, LastStable: 16, Prepared: []message.PreparedProof{proofAt(18, 0, "op")}},
		{NewView: 1, LastStable: 8, Prepared: []message.PreparedProof{proofAt(10, 0, "stale")}},
	}
	minS, selections := computeNewViewSet(vcs)
	assert.Equal(t, message.SeqNo(16), minS)
	require.Len(t, selections, 2)
	// Sequence 10 is below the checkpoint and does not reappear.
	assert.True(t, selections[0].request.IsNoOp())
	assert.Equal(t, []byte("op"), selections[1].request.Op)
}

func TestComputeNewViewSetEmptyVotes(t *testing.T) {
	vcs := []*message.ViewChange{
		{NewView: 1, LastStable: 0},
		{NewView: 1, LastStable: 0},
		{NewView: 1, LastStable: 0},
	}
	minS, selections := computeNewViewSet(vcs)
	assert.Equal(t, message.SeqNo(0), minS)
	assert.Empty(t, selections)
}
