package message

import (
	"bft2f/hashchain"
)

// Tag identifies a protocol message variant. The set is closed: every
// dispatch site switches over all tags.
type Tag uint8

const (
	TagRequest Tag = iota + 1
	TagPrePrepare
	TagPrepare
	TagCommit
	TagReply
	TagCheckpoint
	TagViewChange
	TagNewView
)

func (t Tag) String() string {
	switch t {
	case TagRequest:
		return "REQUEST"
	case TagPrePrepare:
		return "PRE-PREPARE"
	case TagPrepare:
		return "PREPARE"
	case TagCommit:
		return "COMMIT"
	case TagReply:
		return "REPLY"
	case TagCheckpoint:
		return "CHECKPOINT"
	case TagViewChange:
		return "VIEW-CHANGE"
	case TagNewView:
		return "NEW-VIEW"
	}
	return "UNKNOWN"
}

// ReplicaID is a stable replica identity in [0, N).
type ReplicaID uint64

// ClientID identifies a client. Client ids start at ClientIDFloor so
// they never collide with replica ids in key rings.
type ClientID uint64

// ClientIDFloor is the lowest valid client id.
const ClientIDFloor ClientID = 4096

// View is a protocol view (epoch). The primary of view v is v mod N.
type View uint64

// SeqNo is a log sequence number assigned by the primary.
type SeqNo uint64

// Timestamp is a monotonic per-client counter used for deduplication
// and reply matching.
type Timestamp uint64

// DigestSize is the width of a request digest.
const DigestSize = hashchain.Size

// Digest is a collision-resistant hash over the canonical encoding of a
// request.
type Digest [DigestSize]byte

// Request is a client operation. Sig covers the canonical encoding of
// the other three fields with the client's key.
type Request struct {
	Client    ClientID
	Timestamp Timestamp
	Op        []byte
	Sig       []byte
}

// IsNoOp reports whether r is the null request inserted by a new-view
// for an unclaimed sequence number.
func (r *Request) IsNoOp() bool {
	return r.Client == 0 && r.Timestamp == 0 && len(r.Op) == 0
}

// NoOpRequest returns the null request.
func NoOpRequest() Request {
	return Request{}
}

// PrePrepare is the primary's sequence-number assignment for a request.
// PrimaryHCV is the primary's extrapolated chain value assuming the
// request executes at Seq.
type PrePrepare struct {
	View       View
	Seq        SeqNo
	Digest     Digest
	PrimaryHCV hashchain.HCV
	Request    Request
}

// Prepare is a backup's agreement to the (view, seq, digest) binding.
// HCV is the sender's chain value at its highest executed sequence.
type Prepare struct {
	View    View
	Seq     SeqNo
	Digest  Digest
	HCV     hashchain.HCV
	Replica ReplicaID
}

// Commit is a replica's statement that it holds a prepared certificate
// for (view, seq, digest).
type Commit struct {
	View    View
	Seq     SeqNo
	Digest  Digest
	HCV     hashchain.HCV
	Replica ReplicaID
}

// Reply is a replica's post-execution answer to a client.
type Reply struct {
	View      View
	Timestamp Timestamp
	Client    ClientID
	Replica   ReplicaID
	Result    []byte
	HCV       hashchain.HCV
}

// Checkpoint advertises a replica's application state digest and HCV at
// a checkpoint sequence number.
type Checkpoint struct {
	Seq         SeqNo
	StateDigest Digest
	HCV         hashchain.HCV
	Replica     ReplicaID
}

// SignedPrePrepare pairs a pre-prepare with the primary's signature over
// its canonical encoding, so it can convince third parties inside
// view-change evidence.
type SignedPrePrepare struct {
	PrePrepare PrePrepare
	Sig        []byte
}

// SignedPrepare pairs a prepare with its sender's signature.
type SignedPrepare struct {
	Prepare Prepare
	Sig     []byte
}

// SignedCheckpoint pairs a checkpoint with its sender's signature.
type SignedCheckpoint struct {
	Checkpoint Checkpoint
	Sig        []byte
}

// PreparedProof is a prepared certificate: a signed pre-prepare plus 2f
// matching signed prepares from distinct replicas.
type PreparedProof struct {
	PrePrepare SignedPrePrepare
	Prepares   []SignedPrepare
}

// ViewChange is a replica's signed vote to move to view NewView,
// carrying its latest stable checkpoint with proof, the prepared
// certificates above it, and its current HCV.
type ViewChange struct {
	NewView         View
	LastStable      SeqNo
	CheckpointProof []SignedCheckpoint
	Prepared        []PreparedProof
	HCV             hashchain.HCV
	Replica         ReplicaID
	Sig             []byte
}

// NewView is the prospective primary's announcement of view NewView:
// the 2f+1 view-changes it collected and the pre-prepares that carry
// over prepared requests (or no-ops) into the new view.
type NewView struct {
	NewView     View
	ViewChanges []ViewChange
	PrePrepares []SignedPrePrepare
	Replica     ReplicaID
	Sig         []byte
}

// Body is one protocol message variant.
type Body interface {
	Tag() Tag
}

func (*Request) Tag() Tag    { return TagRequest }
func (*PrePrepare) Tag() Tag { return TagPrePrepare }
func (*Prepare) Tag() Tag    { return TagPrepare }
func (*Commit) Tag() Tag     { return TagCommit }
func (*Reply) Tag() Tag      { return TagReply }
func (*Checkpoint) Tag() Tag { return TagCheckpoint }
func (*ViewChange) Tag() Tag { return TagViewChange }
func (*NewView) Tag() Tag    { return TagNewView }

// MACEntry is the authenticator for one intended recipient.
type MACEntry struct {
	Recipient uint64
	MAC       []byte
}

// Envelope is the wire unit: a fixed preamble, one variant payload, an
// optional signature over the canonical payload bytes, and a trailing
// MAC vector with one entry per intended recipient.
//
// Sig carries the sender's signature for PRE-PREPARE, PREPARE, and
// CHECKPOINT. REQUEST, VIEW-CHANGE, and NEW-VIEW carry their signature
// inside the payload instead; per-hop MACs alone authenticate COMMIT
// and REPLY.
type Envelope struct {
	Tag    Tag
	View   View
	Sender uint64
	Body   Body
	Sig    []byte
	Auth   []MACEntry

	// Raw is the wire form this envelope was decoded from. It is not
	// part of the canonical encoding; receivers keep it so
	// authenticated evidence can be re-broadcast verbatim.
	Raw []byte
}

// SeqBearing reports whether the tag carries a sequence number. The
// replica engine checks the sequence numbers of PRE-PREPARE, PREPARE,
// and COMMIT against its watermarks on receipt; CHECKPOINT is exempt.
func SeqBearing(t Tag) bool {
	switch t {
	case TagPrePrepare, TagPrepare, TagCommit, TagCheckpoint:
		return true
	case TagRequest, TagReply, TagViewChange, TagNewView:
		return false
	}
	return false
}

// Seq extracts the sequence number of a sequence-bearing body. The
// second return is false for tags without one.
func Seq(b Body) (SeqNo, bool) {
	switch m := b.(type) {
	case *PrePrepare:
		return m.Seq, true
	case *Prepare:
		return m.Seq, true
	case *Commit:
		return m.Seq, true
	case *Checkpoint:
		return m.Seq, true
	case *Request, *Reply, *ViewChange, *NewView:
		return 0, false
	}
	return 0, false
}
