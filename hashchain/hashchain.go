package hashchain

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Size is the width of an HCV in bytes.
const Size = blake2b.Size256

// HCV is a hash-chain version: a digest summarizing the executed prefix
// of a replica's log. Two replicas that executed the same prefix publish
// identical HCVs; any divergence at the same position is detectable.
type HCV [Size]byte

// Genesis is the well-known chain head shared by every replica before
// any operation has executed.
var Genesis = HCV(blake2b.Sum256([]byte("bft2f/hcv/genesis")))

// Link is one step of the chain: the request digest executed at a
// sequence number under a view.
type Link struct {
	Digest [Size]byte
	Seq    uint64
	View   uint64
}

// Extend computes the successor HCV for executing a request with the
// given digest at (seq, view): H(prev || digest || seq || view).
func Extend(prev HCV, digest [Size]byte, seq, view uint64) HCV {
	var buf [Size + Size + 16]byte
	copy(buf[:Size], prev[:])
	copy(buf[Size:2*Size], digest[:])
	binary.BigEndian.PutUint64(buf[2*Size:], seq)
	binary.BigEndian.PutUint64(buf[2*Size+8:], view)
	return HCV(blake2b.Sum256(buf[:]))
}

// Recompute folds a sequence of links over a starting HCV. Replicas use
// this to rebuild the chain implied by a new-view order instead of
// trusting the value a new primary advertises.
func Recompute(start HCV, links []Link) HCV {
	h := start
	for _, l := range links {
		h = Extend(h, l.Digest, l.Seq, l.View)
	}
	return h
}

// IsZero reports whether h is the zero value (no HCV attached).
func (h HCV) IsZero() bool {
	return h == HCV{}
}

// String returns the short hex form used in logs.
func (h HCV) String() string {
	return hex.EncodeToString(h[:8])
}
