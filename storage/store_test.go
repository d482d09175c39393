package storage

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft2f/hashchain"
)

func TestLoadWithoutSnapshot(t *testing.T) {
	store := New(afero.NewMemMapFs(), "/state")
	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := New(afero.NewMemMapFs(), "/state")

	snap := &Snapshot{
		View:            3,
		LastExecuted:    17,
		StableSeq:       16,
		StableDigest:    []byte("state-digest"),
		CheckpointProof: [][]byte{[]byte("cp-0"), []byte("cp-1"), []byte("cp-2")},
		LogSuffix:       [][]byte{[]byte("pp-17")},
	}
	var h hashchain.HCV
	copy(h[:], "some-chain-value")
	snap.SetHCV(h)

	require.NoError(t, store.Save(snap))

	got, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, got)
	assert.Equal(t, h, got.CurrentHCV())
}

func TestSaveOverwrites(t *testing.T) {
	store := New(afero.NewMemMapFs(), "/state")
	require.NoError(t, store.Save(&Snapshot{View: 1}))
	require.NoError(t, store.Save(&Snapshot{View: 2}))

	got, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.View)
}
