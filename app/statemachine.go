// Package app defines the application state machine contract the
// replica engine drives, plus a small deterministic key/value store
// used by tests and the sim command.
package app

import (
	"bytes"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// StateMachine is the external collaborator committed operations are
// applied to. Apply must be deterministic and pure over the committed
// sequence: two replicas applying the same operations in the same
// order produce the same results and the same state digest.
type StateMachine interface {
	// Apply executes one committed operation and returns its result.
	Apply(op []byte) []byte

	// Digest summarizes the current state for checkpoints.
	Digest() [32]byte
}

// KVStore is a deterministic in-memory key/value state machine.
// Operations are "set <key> <value>", "get <key>", and "del <key>";
// anything else answers "err".
type KVStore struct {
	data map[string]string
}

// NewKVStore creates an empty store.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]string)}
}

// Apply implements StateMachine.
func (s *KVStore) Apply(op []byte) []byte {
	fields := bytes.SplitN(op, []byte(" "), 3)
	switch {
	case len(fields) == 3 && string(fields[0]) == "set":
		s.data[string(fields[1])] = string(fields[2])
		return []byte("ok")
	case len(fields) == 2 && string(fields[0]) == "get":
		v, ok := s.data[string(fields[1])]
		if !ok {
			return []byte("nil")
		}
		return []byte(v)
	case len(fields) == 2 && string(fields[0]) == "del":
		delete(s.data, string(fields[1]))
		return []byte("ok")
	}
	return []byte("err")
}

// Digest implements StateMachine: a hash over the sorted key/value
// pairs, so replicas with equal state agree byte for byte.
func (s *KVStore) Digest() [32]byte {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h, _ := blake2b.New256(nil)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(s.data[k]))
		h.Write([]byte{0})
	}
	var d [32]byte
	h.Sum(d[:0])
	return d
}
