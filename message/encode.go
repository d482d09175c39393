package message

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"bft2f/hashchain"
)

// Canonical wire format: integers in fixed big-endian widths,
// variable-length fields prefixed with a uint32 length, fields in
// declaration order, no padding. Digests are computed over the
// canonical request payload only, never over transport framing.

const maxFieldLen = 1 << 24

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) digest(d Digest)     { w.buf = append(w.buf, d[:]...) }
func (w *writer) hcv(h hashchain.HCV) { w.buf = append(w.buf, h[:]...) }

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = errors.Errorf("truncated %s at offset %d", what, r.off)
	}
}

func (r *reader) u8(what string) uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail(what)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u32(what string) uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64(what string) uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes(what string) []byte {
	n := r.u32(what)
	if r.err != nil {
		return nil
	}
	if uint64(n) > maxFieldLen || r.off+int(n) > len(r.buf) {
		r.fail(what)
		return nil
	}
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b
}

func (r *reader) digest(what string) Digest {
	var d Digest
	if r.err != nil || r.off+DigestSize > len(r.buf) {
		r.fail(what)
		return d
	}
	copy(d[:], r.buf[r.off:])
	r.off += DigestSize
	return d
}

func (r *reader) hcv(what string) hashchain.HCV {
	var h hashchain.HCV
	if r.err != nil || r.off+hashchain.Size > len(r.buf) {
		r.fail(what)
		return h
	}
	copy(h[:], r.buf[r.off:])
	r.off += hashchain.Size
	return h
}

// SigningBytes returns the canonical bytes a client signs and the bytes
// request digests are computed over: client id, timestamp, operation.
// The signature itself is excluded so re-signing an identical request
// keeps its digest.
func (m *Request) SigningBytes() []byte {
	w := &writer{}
	w.u8(uint8(TagRequest))
	w.u64(uint64(m.Client))
	w.u64(uint64(m.Timestamp))
	w.bytes(m.Op)
	return w.buf
}

func encodeRequest(w *writer, m *Request) {
	w.u64(uint64(m.Client))
	w.u64(uint64(m.Timestamp))
	w.bytes(m.Op)
	w.bytes(m.Sig)
}

func decodeRequest(r *reader) *Request {
	m := &Request{}
	m.Client = ClientID(r.u64("request.client"))
	m.Timestamp = Timestamp(r.u64("request.timestamp"))
	m.Op = r.bytes("request.op")
	m.Sig = r.bytes("request.sig")
	return m
}

// SigningBytes returns the canonical pre-prepare bytes the primary
// signs. The piggybacked request is included so the certificate binds
// digest and request together.
func (m *PrePrepare) SigningBytes() []byte {
	w := &writer{}
	w.u8(uint8(TagPrePrepare))
	encodePrePrepare(w, m)
	return w.buf
}

func encodePrePrepare(w *writer, m *PrePrepare) {
	w.u64(uint64(m.View))
	w.u64(uint64(m.Seq))
	w.digest(m.Digest)
	w.hcv(m.PrimaryHCV)
	encodeRequest(w, &m.Request)
}

func decodePrePrepare(r *reader) *PrePrepare {
	m := &PrePrepare{}
	m.View = View(r.u64("preprepare.view"))
	m.Seq = SeqNo(r.u64("preprepare.seq"))
	m.Digest = r.digest("preprepare.digest")
	m.PrimaryHCV = r.hcv("preprepare.hcv")
	m.Request = *decodeRequest(r)
	return m
}

// SigningBytes returns the canonical prepare bytes the sender signs.
func (m *Prepare) SigningBytes() []byte {
	w := &writer{}
	w.u8(uint8(TagPrepare))
	encodePrepare(w, m)
	return w.buf
}

func encodePrepare(w *writer, m *Prepare) {
	w.u64(uint64(m.View))
	w.u64(uint64(m.Seq))
	w.digest(m.Digest)
	w.hcv(m.HCV)
	w.u64(uint64(m.Replica))
}

func decodePrepare(r *reader) *Prepare {
	m := &Prepare{}
	m.View = View(r.u64("prepare.view"))
	m.Seq = SeqNo(r.u64("prepare.seq"))
	m.Digest = r.digest("prepare.digest")
	m.HCV = r.hcv("prepare.hcv")
	m.Replica = ReplicaID(r.u64("prepare.replica"))
	return m
}

func encodeCommit(w *writer, m *Commit) {
	w.u64(uint64(m.View))
	w.u64(uint64(m.Seq))
	w.digest(m.Digest)
	w.hcv(m.HCV)
	w.u64(uint64(m.Replica))
}

func decodeCommit(r *reader) *Commit {
	m := &Commit{}
	m.View = View(r.u64("commit.view"))
	m.Seq = SeqNo(r.u64("commit.seq"))
	m.Digest = r.digest("commit.digest")
	m.HCV = r.hcv("commit.hcv")
	m.Replica = ReplicaID(r.u64("commit.replica"))
	return m
}

func encodeReply(w *writer, m *Reply) {
	w.u64(uint64(m.View))
	w.u64(uint64(m.Timestamp))
	w.u64(uint64(m.Client))
	w.u64(uint64(m.Replica))
	w.bytes(m.Result)
	w.hcv(m.HCV)
}

func decodeReply(r *reader) *Reply {
	m := &Reply{}
	m.View = View(r.u64("reply.view"))
	m.Timestamp = Timestamp(r.u64("reply.timestamp"))
	m.Client = ClientID(r.u64("reply.client"))
	m.Replica = ReplicaID(r.u64("reply.replica"))
	m.Result = r.bytes("reply.result")
	m.HCV = r.hcv("reply.hcv")
	return m
}

// SigningBytes returns the canonical checkpoint bytes the sender signs.
func (m *Checkpoint) SigningBytes() []byte {
	w := &writer{}
	w.u8(uint8(TagCheckpoint))
	encodeCheckpoint(w, m)
	return w.buf
}

func encodeCheckpoint(w *writer, m *Checkpoint) {
	w.u64(uint64(m.Seq))
	w.digest(m.StateDigest)
	w.hcv(m.HCV)
	w.u64(uint64(m.Replica))
}

func decodeCheckpoint(r *reader) *Checkpoint {
	m := &Checkpoint{}
	m.Seq = SeqNo(r.u64("checkpoint.seq"))
	m.StateDigest = r.digest("checkpoint.digest")
	m.HCV = r.hcv("checkpoint.hcv")
	m.Replica = ReplicaID(r.u64("checkpoint.replica"))
	return m
}

func encodeSignedPrePrepare(w *writer, m *SignedPrePrepare) {
	inner := &writer{}
	encodePrePrepare(inner, &m.PrePrepare)
	w.bytes(inner.buf)
	w.bytes(m.Sig)
}

func decodeSignedPrePrepare(r *reader) SignedPrePrepare {
	var m SignedPrePrepare
	inner := &reader{buf: r.bytes("signedpreprepare.body")}
	if r.err == nil {
		m.PrePrepare = *decodePrePrepare(inner)
		if inner.err != nil && r.err == nil {
			r.err = inner.err
		}
	}
	m.Sig = r.bytes("signedpreprepare.sig")
	return m
}

func encodeSignedPrepare(w *writer, m *SignedPrepare) {
	inner := &writer{}
	encodePrepare(inner, &m.Prepare)
	w.bytes(inner.buf)
	w.bytes(m.Sig)
}

func decodeSignedPrepare(r *reader) SignedPrepare {
	var m SignedPrepare
	inner := &reader{buf: r.bytes("signedprepare.body")}
	if r.err == nil {
		m.Prepare = *decodePrepare(inner)
		if inner.err != nil && r.err == nil {
			r.err = inner.err
		}
	}
	m.Sig = r.bytes("signedprepare.sig")
	return m
}

func encodeSignedCheckpoint(w *writer, m *SignedCheckpoint) {
	inner := &writer{}
	encodeCheckpoint(inner, &m.Checkpoint)
	w.bytes(inner.buf)
	w.bytes(m.Sig)
}

func decodeSignedCheckpoint(r *reader) SignedCheckpoint {
	var m SignedCheckpoint
	inner := &reader{buf: r.bytes("signedcheckpoint.body")}
	if r.err == nil {
		m.Checkpoint = *decodeCheckpoint(inner)
		if inner.err != nil && r.err == nil {
			r.err = inner.err
		}
	}
	m.Sig = r.bytes("signedcheckpoint.sig")
	return m
}

func encodePreparedProof(w *writer, m *PreparedProof) {
	encodeSignedPrePrepare(w, &m.PrePrepare)
	w.u32(uint32(len(m.Prepares)))
	for i := range m.Prepares {
		encodeSignedPrepare(w, &m.Prepares[i])
	}
}

func decodePreparedProof(r *reader) PreparedProof {
	var m PreparedProof
	m.PrePrepare = decodeSignedPrePrepare(r)
	n := r.u32("preparedproof.count")
	if uint64(n) > maxFieldLen {
		r.fail("preparedproof.count")
		return m
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Prepares = append(m.Prepares, decodeSignedPrepare(r))
	}
	return m
}

// SigningBytes returns the canonical view-change bytes the sender
// signs: everything but the signature field itself.
func (m *ViewChange) SigningBytes() []byte {
	w := &writer{}
	w.u8(uint8(TagViewChange))
	encodeViewChangeBody(w, m)
	return w.buf
}

func encodeViewChangeBody(w *writer, m *ViewChange) {
	w.u64(uint64(m.NewView))
	w.u64(uint64(m.LastStable))
	w.u32(uint32(len(m.CheckpointProof)))
	for i := range m.CheckpointProof {
		encodeSignedCheckpoint(w, &m.CheckpointProof[i])
	}
	w.u32(uint32(len(m.Prepared)))
	for i := range m.Prepared {
		encodePreparedProof(w, &m.Prepared[i])
	}
	w.hcv(m.HCV)
	w.u64(uint64(m.Replica))
}

func encodeViewChange(w *writer, m *ViewChange) {
	encodeViewChangeBody(w, m)
	w.bytes(m.Sig)
}

func decodeViewChange(r *reader) *ViewChange {
	m := &ViewChange{}
	m.NewView = View(r.u64("viewchange.newview"))
	m.LastStable = SeqNo(r.u64("viewchange.laststable"))
	cp := r.u32("viewchange.checkpointproof.count")
	if uint64(cp) > maxFieldLen {
		r.fail("viewchange.checkpointproof.count")
		return m
	}
	for i := uint32(0); i < cp && r.err == nil; i++ {
		m.CheckpointProof = append(m.CheckpointProof, decodeSignedCheckpoint(r))
	}
	pp := r.u32("viewchange.prepared.count")
	if uint64(pp) > maxFieldLen {
		r.fail("viewchange.prepared.count")
		return m
	}
	for i := uint32(0); i < pp && r.err == nil; i++ {
		m.Prepared = append(m.Prepared, decodePreparedProof(r))
	}
	m.HCV = r.hcv("viewchange.hcv")
	m.Replica = ReplicaID(r.u64("viewchange.replica"))
	m.Sig = r.bytes("viewchange.sig")
	return m
}

// SigningBytes returns the canonical new-view bytes the prospective
// primary signs.
func (m *NewView) SigningBytes() []byte {
	w := &writer{}
	w.u8(uint8(TagNewView))
	encodeNewViewBody(w, m)
	return w.buf
}

func encodeNewViewBody(w *writer, m *NewView) {
	w.u64(uint64(m.NewView))
	w.u32(uint32(len(m.ViewChanges)))
	for i := range m.ViewChanges {
		inner := &writer{}
		encodeViewChange(inner, &m.ViewChanges[i])
		w.bytes(inner.buf)
	}
	w.u32(uint32(len(m.PrePrepares)))
	for i := range m.PrePrepares {
		encodeSignedPrePrepare(w, &m.PrePrepares[i])
	}
	w.u64(uint64(m.Replica))
}

func encodeNewView(w *writer, m *NewView) {
	encodeNewViewBody(w, m)
	w.bytes(m.Sig)
}

func decodeNewView(r *reader) *NewView {
	m := &NewView{}
	m.NewView = View(r.u64("newview.newview"))
	vc := r.u32("newview.viewchanges.count")
	if uint64(vc) > maxFieldLen {
		r.fail("newview.viewchanges.count")
		return m
	}
	for i := uint32(0); i < vc && r.err == nil; i++ {
		inner := &reader{buf: r.bytes("newview.viewchange")}
		if r.err != nil {
			break
		}
		v := decodeViewChange(inner)
		if inner.err != nil {
			r.err = inner.err
			break
		}
		m.ViewChanges = append(m.ViewChanges, *v)
	}
	pp := r.u32("newview.preprepares.count")
	if uint64(pp) > maxFieldLen {
		r.fail("newview.preprepares.count")
		return m
	}
	for i := uint32(0); i < pp && r.err == nil; i++ {
		m.PrePrepares = append(m.PrePrepares, decodeSignedPrePrepare(r))
	}
	m.Replica = ReplicaID(r.u64("newview.replica"))
	m.Sig = r.bytes("newview.sig")
	return m
}

func encodeBody(w *writer, b Body) {
	switch m := b.(type) {
	case *Request:
		encodeRequest(w, m)
	case *PrePrepare:
		encodePrePrepare(w, m)
	case *Prepare:
		encodePrepare(w, m)
	case *Commit:
		encodeCommit(w, m)
	case *Reply:
		encodeReply(w, m)
	case *Checkpoint:
		encodeCheckpoint(w, m)
	case *ViewChange:
		encodeViewChange(w, m)
	case *NewView:
		encodeNewView(w, m)
	}
}

func decodeBody(t Tag, r *reader) (Body, error) {
	var b Body
	switch t {
	case TagRequest:
		b = decodeRequest(r)
	case TagPrePrepare:
		b = decodePrePrepare(r)
	case TagPrepare:
		b = decodePrepare(r)
	case TagCommit:
		b = decodeCommit(r)
	case TagReply:
		b = decodeReply(r)
	case TagCheckpoint:
		b = decodeCheckpoint(r)
	case TagViewChange:
		b = decodeViewChange(r)
	case TagNewView:
		b = decodeNewView(r)
	default:
		return nil, errors.Errorf("unknown message tag %d", t)
	}
	return b, r.err
}

// Marshal encodes an envelope to its canonical wire form.
func Marshal(e *Envelope) []byte {
	w := &writer{}
	w.u8(uint8(e.Tag))
	w.u64(uint64(e.View))
	w.u64(e.Sender)
	body := &writer{}
	encodeBody(body, e.Body)
	w.bytes(body.buf)
	w.bytes(e.Sig)
	w.u32(uint32(len(e.Auth)))
	for _, a := range e.Auth {
		w.u64(a.Recipient)
		w.bytes(a.MAC)
	}
	return w.buf
}

// AuthenticatedBytes returns the prefix of the wire form covered by the
// MAC vector: everything up to but excluding the trailing authenticator.
func AuthenticatedBytes(data []byte) ([]byte, bool) {
	r := &reader{buf: data}
	r.u8("tag")
	r.u64("view")
	r.u64("sender")
	r.bytes("body")
	r.bytes("sig")
	if r.err != nil {
		return nil, false
	}
	return data[:r.off], true
}

// Unmarshal decodes a canonical wire form back into an envelope. It
// performs structural checks only; authentication is the caller's job.
func Unmarshal(data []byte) (*Envelope, error) {
	r := &reader{buf: data}
	e := &Envelope{}
	e.Tag = Tag(r.u8("tag"))
	e.View = View(r.u64("view"))
	e.Sender = r.u64("sender")
	bodyBytes := r.bytes("body")
	if r.err != nil {
		return nil, r.err
	}
	body, err := decodeBody(e.Tag, &reader{buf: bodyBytes})
	if err != nil {
		return nil, err
	}
	e.Body = body
	e.Sig = r.bytes("sig")
	n := r.u32("auth.count")
	if uint64(n) > maxFieldLen {
		r.fail("auth.count")
		return nil, r.err
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		var a MACEntry
		a.Recipient = r.u64("auth.recipient")
		a.MAC = r.bytes("auth.mac")
		e.Auth = append(e.Auth, a)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, errors.Errorf("trailing %d bytes after envelope", len(data)-r.off)
	}
	return e, nil
}
