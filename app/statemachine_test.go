package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKVStoreOperations(t *testing.T) {
	s := NewKVStore()

	assert.Equal(t, []byte("ok"), s.Apply([]byte("set user alice")))
	assert.Equal(t, []byte("alice"), s.Apply([]byte("get user")))
	assert.Equal(t, []byte("nil"), s.Apply([]byte("get missing")))
	assert.Equal(t, []byte("ok"), s.Apply([]byte("del user")))
	assert.Equal(t, []byte("nil"), s.Apply([]byte("get user")))
	assert.Equal(t, []byte("err"), s.Apply([]byte("bogus")))
}

func TestKVStoreValueWithSpaces(t *testing.T) {
	s := NewKVStore()
	assert.Equal(t, []byte("ok"), s.Apply([]byte("set greeting hello there world")))
	assert.Equal(t, []byte("hello there world"), s.Apply([]byte("get greeting")))
}

func TestDigestDeterministicAcrossInsertionOrder(t *testing.T) {
	a := NewKVStore()
	a.Apply([]byte("set x 1"))
	a.Apply([]byte("set y 2"))

	b := NewKVStore()
	b.Apply([]byte("set y 2"))
	b.Apply([]byte("set x 1"))

	assert.Equal(t, a.Digest(), b.Digest())

	b.Apply([]byte("set z 3"))
	assert.NotEqual(t, a.Digest(), b.Digest())
}
