package signing

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft2f/message"
)

var secret = []byte("test-cluster-secret")

func ringFor(t *testing.T, self uint64, ids ...uint64) *KeyRing {
	t.Helper()
	publics := make(map[uint64]ed25519.PublicKey)
	for _, id := range ids {
		publics[id] = DeriveKeyPair(secret, id).Public
	}
	return NewKeyRing(self, DeriveKeyPair(secret, self).Private, publics)
}

func TestDeriveKeyPairDeterministic(t *testing.T) {
	a := DeriveKeyPair(secret, 1)
	b := DeriveKeyPair(secret, 1)
	assert.Equal(t, a.Public, b.Public)
	assert.NotEqual(t, a.Public, DeriveKeyPair(secret, 2).Public)
}

func TestSignVerify(t *testing.T) {
	ring0 := ringFor(t, 0, 0, 1)
	ring1 := ringFor(t, 1, 0, 1)

	data := []byte("canonical bytes")
	sig := ring0.Sign(data)
	require.NoError(t, ring1.Verify(0, data, sig))

	assert.Error(t, ring1.Verify(1, data, sig), "wrong signer must fail")
	assert.Error(t, ring1.Verify(0, []byte("other bytes"), sig), "wrong data must fail")
	assert.Error(t, ring1.Verify(9, data, sig), "unknown signer must fail")
}

func TestRequestDigestIgnoresSignature(t *testing.T) {
	req := message.Request{Client: message.ClientIDFloor, Timestamp: 1, Op: []byte("op")}
	d1 := RequestDigest(&req)
	req.Sig = []byte("whatever")
	assert.Equal(t, d1, RequestDigest(&req))

	req.Op = []byte("other op")
	assert.NotEqual(t, d1, RequestDigest(&req))
}

func TestAuthenticatorVector(t *testing.T) {
	sender := NewAuthenticator(0, secret)
	r1 := NewAuthenticator(1, secret)
	r2 := NewAuthenticator(2, secret)

	data := []byte("wire prefix")
	auth := sender.Authenticate(data, []uint64{1, 2})
	require.Len(t, auth, 2)

	assert.NoError(t, r1.Check(0, data, auth))
	assert.NoError(t, r2.Check(0, data, auth))

	// A recipient without an entry rejects.
	r3 := NewAuthenticator(3, secret)
	assert.Error(t, r3.Check(0, data, auth))

	// Tampered data rejects.
	assert.Error(t, r1.Check(0, []byte("tampered"), auth))

	// A different claimed sender rejects.
	assert.Error(t, r1.Check(2, data, auth))
}

func TestAuthenticatorPairSymmetry(t *testing.T) {
	a := NewAuthenticator(1, secret)
	b := NewAuthenticator(2, secret)
	data := []byte("payload")

	// a -> b and b -> a use the same pairwise key, so either end can
	// authenticate the other.
	assert.NoError(t, b.Check(1, data, a.Authenticate(data, []uint64{2})))
	assert.NoError(t, a.Check(2, data, b.Authenticate(data, []uint64{1})))
}
