package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft2f/hashchain"
)

func sampleRequest() Request {
	return Request{
		Client:    ClientIDFloor,
		Timestamp: 7,
		Op:        []byte("set user alice"),
		Sig:       []byte("client-signature"),
	}
}

func TestCanonicalEncodingDeterministic(t *testing.T) {
	req := sampleRequest()
	env := &Envelope{
		Tag:    TagRequest,
		View:   3,
		Sender: uint64(req.Client),
		Body:   &req,
		Auth:   []MACEntry{{Recipient: 0, MAC: []byte("mac-bytes")}},
	}
	assert.Equal(t, Marshal(env), Marshal(env))
}

func TestRequestSigningBytesExcludeSignature(t *testing.T) {
	a := sampleRequest()
	b := sampleRequest()
	b.Sig = []byte("a different signature")
	assert.Equal(t, a.SigningBytes(), b.SigningBytes())

	c := sampleRequest()
	c.Op = []byte("set user bob")
	assert.NotEqual(t, a.SigningBytes(), c.SigningBytes())
}

func roundTrip(t *testing.T, env *Envelope) *Envelope {
	t.Helper()
	data := Marshal(env)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	got.Raw = nil
	return got
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := sampleRequest()
	var d Digest
	copy(d[:], "request-digest")
	hcv := hashchain.Genesis

	pp := PrePrepare{View: 1, Seq: 9, Digest: d, PrimaryHCV: hcv, Request: req}
	prepare := Prepare{View: 1, Seq: 9, Digest: d, HCV: hcv, Replica: 2}
	checkpoint := Checkpoint{Seq: 16, StateDigest: d, HCV: hcv, Replica: 3}

	vc := ViewChange{
		NewView:    2,
		LastStable: 16,
		CheckpointProof: []SignedCheckpoint{
			{Checkpoint: checkpoint, Sig: []byte("cp-sig")},
		},
		Prepared: []PreparedProof{
			{
				PrePrepare: SignedPrePrepare{PrePrepare: pp, Sig: []byte("pp-sig")},
				Prepares: []SignedPrepare{
					{Prepare: prepare, Sig: []byte("p-sig")},
				},
			},
		},
		HCV:     hcv,
		Replica: 1,
		Sig:     []byte("vc-sig"),
	}

	cases := []struct {
		name string
		env  *Envelope
	}{
		{"request", &Envelope{Tag: TagRequest, View: 0, Sender: uint64(req.Client), Body: &req}},
		{"preprepare", &Envelope{Tag: TagPrePrepare, View: 1, Sender: 0, Body: &pp, Sig: []byte("s")}},
		{"prepare", &Envelope{Tag: TagPrepare, View: 1, Sender: 2, Body: &prepare, Sig: []byte("s")}},
		{"commit", &Envelope{Tag: TagCommit, View: 1, Sender: 2, Body: &Commit{View: 1, Seq: 9, Digest: d, HCV: hcv, Replica: 2}}},
		{"reply", &Envelope{Tag: TagReply, View: 1, Sender: 2, Body: &Reply{View: 1, Timestamp: 7, Client: req.Client, Replica: 2, Result: []byte("ok"), HCV: hcv}}},
		{"checkpoint", &Envelope{Tag: TagCheckpoint, View: 1, Sender: 3, Body: &checkpoint, Sig: []byte("s")}},
		{"viewchange", &Envelope{Tag: TagViewChange, View: 2, Sender: 1, Body: &vc}},
		{"newview", &Envelope{Tag: TagNewView, View: 2, Sender: 1, Body: &NewView{
			NewView:     2,
			ViewChanges: []ViewChange{vc},
			PrePrepares: []SignedPrePrepare{{PrePrepare: pp, Sig: []byte("pp-sig")}},
			Replica:     1,
			Sig:         []byte("nv-sig"),
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.env.Auth = []MACEntry{{Recipient: 5, MAC: []byte("mac")}}
			got := roundTrip(t, tc.env)
			assert.Equal(t, tc.env, got)
		})
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0xFF},
		[]byte("not a protocol message at all"),
	}
	for _, data := range cases {
		_, err := Unmarshal(data)
		assert.Error(t, err)
	}
}

func TestUnmarshalRejectsTruncation(t *testing.T) {
	req := sampleRequest()
	env := &Envelope{Tag: TagRequest, View: 0, Sender: uint64(req.Client), Body: &req}
	data := Marshal(env)
	for _, cut := range []int{1, len(data) / 2, len(data) - 1} {
		_, err := Unmarshal(data[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	req := sampleRequest()
	data := Marshal(&Envelope{Tag: TagRequest, Sender: uint64(req.Client), Body: &req})
	_, err := Unmarshal(append(data, 0x00))
	assert.Error(t, err)
}

func TestAuthenticatedBytesExcludeMACVector(t *testing.T) {
	req := sampleRequest()
	env := &Envelope{Tag: TagRequest, Sender: uint64(req.Client), Body: &req}
	bare := Marshal(env)
	env.Auth = []MACEntry{{Recipient: 1, MAC: []byte("mac")}}
	full := Marshal(env)

	gotBare, ok := AuthenticatedBytes(bare)
	require.True(t, ok)
	gotFull, ok := AuthenticatedBytes(full)
	require.True(t, ok)
	assert.Equal(t, gotBare, gotFull)
}

func TestTagTotality(t *testing.T) {
	bodies := []Body{
		&Request{}, &PrePrepare{}, &Prepare{}, &Commit{},
		&Reply{}, &Checkpoint{}, &ViewChange{}, &NewView{},
	}
	seen := make(map[Tag]bool)
	for _, b := range bodies {
		seen[b.Tag()] = true
	}
	assert.Len(t, seen, 8)
}
