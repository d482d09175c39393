// Package storage persists the minimal replica state that must survive
// a restart: current view, highest executed sequence and its HCV, the
// last stable checkpoint with its proof, and the log suffix above it.
package storage

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"bft2f/hashchain"
)

const snapshotFile = "replica-state.yaml"

// Snapshot is the persisted replica state. Raw wire encodings are kept
// for the proof and log suffix so signatures stay verifiable after a
// reload.
type Snapshot struct {
	View            uint64   `yaml:"view"`
	LastExecuted    uint64   `yaml:"last_executed"`
	HCV             []byte   `yaml:"hcv"`
	StableSeq       uint64   `yaml:"stable_seq"`
	StableDigest    []byte   `yaml:"stable_digest"`
	CheckpointProof [][]byte `yaml:"checkpoint_proof"`
	LogSuffix       [][]byte `yaml:"log_suffix"`
}

// CurrentHCV decodes the persisted chain value.
func (s *Snapshot) CurrentHCV() hashchain.HCV {
	var h hashchain.HCV
	copy(h[:], s.HCV)
	return h
}

// SetHCV stores a chain value.
func (s *Snapshot) SetHCV(h hashchain.HCV) {
	s.HCV = append([]byte(nil), h[:]...)
}

// Store reads and writes snapshots under one directory. The filesystem
// is abstracted so tests run against an in-memory fs.
type Store struct {
	fs  afero.Fs
	dir string
}

// New creates a store rooted at dir.
func New(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// Save writes the snapshot to a temp file and renames it into place.
// Where the backend refuses to rename over an existing file, the old
// snapshot is removed first, so that path is not atomic.
func (s *Store) Save(snap *Snapshot) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	tmp := filepath.Join(s.dir, snapshotFile+".tmp")
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	dst := filepath.Join(s.dir, snapshotFile)
	if err := s.fs.Rename(tmp, dst); err != nil {
		// Some backends refuse to rename over an existing file.
		s.fs.Remove(dst)
		if err := s.fs.Rename(tmp, dst); err != nil {
			return errors.Wrap(err, "commit snapshot")
		}
	}
	return nil
}

// Load reads the latest snapshot. The boolean is false when no
// snapshot exists yet.
func (s *Store) Load() (*Snapshot, bool, error) {
	path := filepath.Join(s.dir, snapshotFile)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, false, errors.Wrap(err, "probe snapshot")
	}
	if !exists {
		return nil, false, nil
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, false, errors.Wrap(err, "read snapshot")
	}
	snap := &Snapshot{}
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, false, errors.Wrap(err, "decode snapshot")
	}
	return snap, true, nil
}
