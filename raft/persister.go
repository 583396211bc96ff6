package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// HardState is the per-term state that must survive a restart
type HardState struct {
	Term     uint64 // Latest term this node has seen
	VotedFor string // Candidate voted for in Term, empty if none
}

// Snapshot captures the applied state view up to and including Index
type Snapshot struct {
	Index   uint64            // Last log index covered
	Term    uint64            // Term of that entry
	Members map[string]string // Membership in effect at Index
	Data    []byte            // Encoded state view
}

// Persister stores hard state and the latest snapshot
type Persister interface {
	SaveHardState(hs HardState) error
	ReadHardState() (HardState, error)
	SaveSnapshot(snap Snapshot) error
	// ReadSnapshot reports false when no snapshot has been saved
	ReadSnapshot() (Snapshot, bool, error)
}

// FilePersister implements the Persister interface using the local filesystem
type FilePersister struct {
	mu           sync.Mutex
	stateFile    string
	snapshotFile string
}

// NewFilePersister creates a new file-based persister in dataDir
func NewFilePersister(dataDir string) (*FilePersister, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &FilePersister{
		stateFile:    filepath.Join(dataDir, "raft-state"),
		snapshotFile: filepath.Join(dataDir, "raft-snapshot"),
	}, nil
}

// SaveHardState writes term and vote durably
func (fp *FilePersister) SaveHardState(hs HardState) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	data, err := encodeGob(hs)
	if err != nil {
		return err
	}
	return writeFileSync(fp.stateFile, data)
}

// ReadHardState returns the saved hard state, or the zero value if none exists
func (fp *FilePersister) ReadHardState() (HardState, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var hs HardState
	data, err := os.ReadFile(fp.stateFile)
	if os.IsNotExist(err) {
		return hs, nil
	}
	if err != nil {
		return hs, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&hs); err != nil {
		return hs, fmt.Errorf("%w: hard state: %v", ErrLogCorrupted, err)
	}
	return hs, nil
}

// SaveSnapshot writes the snapshot durably, replacing any previous one
func (fp *FilePersister) SaveSnapshot(snap Snapshot) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	data, err := encodeGob(snap)
	if err != nil {
		return err
	}
	return writeFileSync(fp.snapshotFile, data)
}

// ReadSnapshot returns the saved snapshot
func (fp *FilePersister) ReadSnapshot() (Snapshot, bool, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	var snap Snapshot
	data, err := os.ReadFile(fp.snapshotFile)
	if os.IsNotExist(err) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return snap, false, fmt.Errorf("%w: snapshot: %v", ErrLogCorrupted, err)
	}
	return snap, true, nil
}

// MemoryPersister is an in-memory implementation of the Persister interface
// Useful for testing and debugging
type MemoryPersister struct {
	mu       sync.Mutex
	state    HardState
	snapshot *Snapshot
}

// NewMemoryPersister creates a new in-memory persister
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (mp *MemoryPersister) SaveHardState(hs HardState) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.state = hs
	return nil
}

func (mp *MemoryPersister) ReadHardState() (HardState, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state, nil
}

func (mp *MemoryPersister) SaveSnapshot(snap Snapshot) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	snap.Data = clone(snap.Data)
	snap.Members = cloneMembers(snap.Members)
	mp.snapshot = &snap
	return nil
}

func (mp *MemoryPersister) ReadSnapshot() (Snapshot, bool, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.snapshot == nil {
		return Snapshot{}, false, nil
	}
	snap := *mp.snapshot
	snap.Data = clone(snap.Data)
	snap.Members = cloneMembers(snap.Members)
	return snap, true, nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrStorage, err)
	}
	return buf.Bytes(), nil
}

// writeFileSync replaces path with data via a synced temp file and rename
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// clone makes a deep copy of a byte slice
func clone(original []byte) []byte {
	if original == nil {
		return nil
	}
	clone := make([]byte, len(original))
	copy(clone, original)
	return clone
}
