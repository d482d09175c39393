// Package signing provides the three cryptographic capabilities the
// protocol consumes: request digests, per-recipient MAC authenticator
// vectors, and public-key signatures for messages that must convince
// any future recipient.
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"bft2f/message"
)

// Digest hashes arbitrary canonical bytes to the fixed protocol width.
func Digest(data []byte) message.Digest {
	return message.Digest(blake2b.Sum256(data))
}

// RequestDigest computes the digest of a request over its canonical
// signing bytes. The client signature is excluded.
func RequestDigest(r *message.Request) message.Digest {
	return Digest(r.SigningBytes())
}

// KeyPair is a node's ed25519 identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// DeriveKeyPair deterministically derives an identity from a cluster
// secret and a node id. Tests and every CLI command (replica, client,
// sim) derive identities this way so every process agrees; there is no
// path for loading separately generated keys.
func DeriveKeyPair(secret []byte, id uint64) KeyPair {
	mac := hmac.New(sha256.New, secret)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	mac.Write([]byte("bft2f/identity"))
	mac.Write(buf[:])
	seed := mac.Sum(nil)[:ed25519.SeedSize]
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}
}

// KeyRing maps node ids (replicas and clients) to public keys and holds
// this node's private key.
type KeyRing struct {
	self    uint64
	priv    ed25519.PrivateKey
	publics map[uint64]ed25519.PublicKey
}

// NewKeyRing builds a key ring for the node self.
func NewKeyRing(self uint64, priv ed25519.PrivateKey, publics map[uint64]ed25519.PublicKey) *KeyRing {
	return &KeyRing{self: self, priv: priv, publics: publics}
}

// Sign signs canonical bytes with this node's key.
func (k *KeyRing) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// Verify checks a signature against the claimed signer's public key.
func (k *KeyRing) Verify(signer uint64, data, sig []byte) error {
	pub, ok := k.publics[signer]
	if !ok {
		return errors.Errorf("no public key for node %d", signer)
	}
	if !ed25519.Verify(pub, data, sig) {
		return errors.Errorf("bad signature from node %d", signer)
	}
	return nil
}

// MACSize is the width of one authenticator entry.
const MACSize = 16

// Authenticator produces and checks per-hop MAC vectors. Pairwise
// session keys are derived from the shared cluster secret and the
// unordered node pair, so both ends compute the same key.
type Authenticator struct {
	self   uint64
	secret []byte
}

// NewAuthenticator builds an authenticator for the node self.
func NewAuthenticator(self uint64, secret []byte) *Authenticator {
	return &Authenticator{self: self, secret: secret}
}

func (a *Authenticator) pairKey(peer uint64) []byte {
	lo, hi := a.self, peer
	if lo > hi {
		lo, hi = hi, lo
	}
	mac := hmac.New(sha256.New, a.secret)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], lo)
	binary.BigEndian.PutUint64(buf[8:], hi)
	mac.Write([]byte("bft2f/session"))
	mac.Write(buf[:])
	return mac.Sum(nil)
}

func (a *Authenticator) mac(peer uint64, data []byte) []byte {
	mac := hmac.New(sha256.New, a.pairKey(peer))
	mac.Write(data)
	return mac.Sum(nil)[:MACSize]
}

// Authenticate produces one MAC entry per intended recipient over the
// authenticated portion of a wire message.
func (a *Authenticator) Authenticate(data []byte, recipients []uint64) []message.MACEntry {
	entries := make([]message.MACEntry, 0, len(recipients))
	for _, rcpt := range recipients {
		entries = append(entries, message.MACEntry{
			Recipient: rcpt,
			MAC:       a.mac(rcpt, data),
		})
	}
	return entries
}

// Check verifies the MAC addressed to this node in the envelope's
// authenticator vector. Sender is the claimed sender from the preamble.
func (a *Authenticator) Check(sender uint64, data []byte, auth []message.MACEntry) error {
	for _, entry := range auth {
		if entry.Recipient != a.self {
			continue
		}
		want := a.mac(sender, data)
		if hmac.Equal(entry.MAC, want) {
			return nil
		}
		return errors.Errorf("bad MAC from node %d", sender)
	}
	return errors.Errorf("no MAC entry addressed to node %d", a.self)
}
