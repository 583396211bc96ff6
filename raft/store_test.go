package raft

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries(term uint64, payloads ...string) []LogEntry {
	out := make([]LogEntry, len(payloads))
	for i, p := range payloads {
		out[i] = LogEntry{Term: term, LeaderID: "n1", Payload: json.RawMessage(`"` + p + `"`)}
	}
	return out
}

// storeFactories lets every behavioural test run against both implementations
func storeFactories(t *testing.T) map[string]func() LogStore {
	return map[string]func() LogStore{
		"memory": func() LogStore { return NewMemoryStore() },
		"file": func() LogStore {
			s, err := OpenFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreAppendAssignsIndices(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			assert.Equal(t, uint64(0), s.LastIndex())
			assert.Equal(t, uint64(0), s.LastTerm())

			indices, err := s.Append(testEntries(1, "a", "b"))
			require.NoError(t, err)
			assert.Equal(t, []uint64{1, 2}, indices)

			indices, err = s.Append(testEntries(2, "c"))
			require.NoError(t, err)
			assert.Equal(t, []uint64{3}, indices)
			assert.Equal(t, uint64(3), s.LastIndex())
			assert.Equal(t, uint64(2), s.LastTerm())

			e, ok := s.Entry(2)
			require.True(t, ok)
			assert.Equal(t, uint64(2), e.Index)
			assert.Equal(t, json.RawMessage(`"b"`), e.Payload)
			assert.Equal(t, "n1", e.LeaderID)
		})
	}
}

func TestStoreAppendRejectsBadBatch(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			_, err := s.Append(testEntries(2, "a"))
			require.NoError(t, err)

			// Terms never decrease along the log
			_, err = s.Append(testEntries(1, "b"))
			assert.ErrorIs(t, err, ErrInvariantViolation)

			// A preset index must be the next one
			_, err = s.Append([]LogEntry{{Index: 5, Term: 2}})
			assert.ErrorIs(t, err, ErrInvariantViolation)
			assert.Equal(t, uint64(1), s.LastIndex())
		})
	}
}

func TestStoreEntriesClipsRange(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			_, err := s.Append(testEntries(1, "a", "b", "c", "d"))
			require.NoError(t, err)

			got := s.Entries(2, 3)
			require.Len(t, got, 2)
			assert.Equal(t, uint64(2), got[0].Index)
			assert.Equal(t, uint64(3), got[1].Index)

			assert.Len(t, s.Entries(0, 100), 4)
			assert.Len(t, s.Entries(3, 100), 2)
			assert.Empty(t, s.Entries(5, 10))
			assert.Empty(t, s.Entries(3, 2))
		})
	}
}

func TestStoreTruncate(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			_, err := s.Append(testEntries(1, "a", "b", "c", "d"))
			require.NoError(t, err)
			s.Commit(2)

			// Committed entries cannot be removed
			err = s.TruncateFrom(2)
			assert.ErrorIs(t, err, ErrInvariantViolation)
			assert.Equal(t, uint64(4), s.LastIndex())

			require.NoError(t, s.TruncateFrom(3))
			assert.Equal(t, uint64(2), s.LastIndex())
			assert.Equal(t, uint64(1), s.LastTerm())

			// Appending continues right after the truncation point
			indices, err := s.Append(testEntries(2, "x"))
			require.NoError(t, err)
			assert.Equal(t, []uint64{3}, indices)

			// Truncating past the end is a no-op
			require.NoError(t, s.TruncateFrom(10))
			assert.Equal(t, uint64(3), s.LastIndex())
		})
	}
}

func TestStoreCompaction(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			_, err := s.Append(testEntries(1, "a", "b"))
			require.NoError(t, err)
			_, err = s.Append(testEntries(2, "c", "d"))
			require.NoError(t, err)

			// Only committed entries can be compacted
			assert.ErrorIs(t, s.CompactTo(3), ErrInvariantViolation)

			s.Commit(3)
			require.NoError(t, s.CompactTo(3))
			assert.Equal(t, uint64(4), s.FirstIndex())
			assert.Equal(t, uint64(4), s.LastIndex())

			term, ok := s.Term(3)
			require.True(t, ok, "term at the snapshot boundary stays known")
			assert.Equal(t, uint64(2), term)
			_, ok = s.Entry(3)
			assert.False(t, ok)
			assert.Len(t, s.Entries(1, 4), 1)

			assert.ErrorIs(t, s.TruncateFrom(3), ErrInvariantViolation)

			indices, err := s.Append(testEntries(2, "e"))
			require.NoError(t, err)
			assert.Equal(t, []uint64{5}, indices)
		})
	}
}

func TestStoreReset(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			_, err := s.Append(testEntries(1, "a", "b"))
			require.NoError(t, err)

			require.NoError(t, s.Reset(10, 3))
			assert.Equal(t, uint64(11), s.FirstIndex())
			assert.Equal(t, uint64(10), s.LastIndex())
			assert.Equal(t, uint64(3), s.LastTerm())

			indices, err := s.Append(testEntries(3, "z"))
			require.NoError(t, err)
			assert.Equal(t, []uint64{11}, indices)
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)

	_, err = s.Append(testEntries(1, "a", "b", "c"))
	require.NoError(t, err)
	s.Commit(3)
	require.NoError(t, s.TruncateFrom(4))
	_, err = s.Append(testEntries(2, "d"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint64(4), s.LastIndex())
	assert.Equal(t, uint64(2), s.LastTerm())
	e, ok := s.Entry(4)
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`"d"`), e.Payload)
}

func TestFileStoreReopenAfterCompaction(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)

	_, err = s.Append(testEntries(1, "a", "b", "c", "d"))
	require.NoError(t, err)
	s.Commit(2)
	require.NoError(t, s.CompactTo(2))
	require.NoError(t, s.Close())

	s, err = OpenFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint64(3), s.FirstIndex())
	assert.Equal(t, uint64(4), s.LastIndex())
	term, ok := s.Term(2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), term)

	_, err = s.Append(testEntries(1, "e"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), s.LastIndex())
}

func TestFileStoreDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	_, err = s.Append(testEntries(1, "a", "b"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash in the middle of writing a third record
	var rec bytes.Buffer
	_, err = writeRecord(&rec, LogEntry{Index: 3, Term: 1, Payload: json.RawMessage(`"c"`)})
	require.NoError(t, err)
	path := filepath.Join(dir, "raft-log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(rec.Bytes()[:rec.Len()-3])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenFileStore(dir)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(2), s.LastIndex())

	indices, err := s.Append(testEntries(1, "c"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, indices)
}

func TestFileStoreDropsZeroFilledTail(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	_, err = s.Append(testEntries(1, "a", "b"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "raft-log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenFileStore(dir)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(2), s.LastIndex())
}

func TestFileStoreRejectsCorruption(t *testing.T) {
	// A damaged length would otherwise look like a record running past the end
	tests := map[string]func(data []byte){
		"first length header":   func(data []byte) { data[0] = 0x7f },
		"first header checksum": func(data []byte) { data[9] ^= 0xff },
		"first body":            func(data []byte) { data[recordHeaderSize+1] ^= 0xff },
		"middle body":           func(data []byte) { data[len(data)/2] ^= 0xff },
	}
	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s, err := OpenFileStore(dir)
			require.NoError(t, err)
			_, err = s.Append(testEntries(1, "alpha", "bravo", "charlie"))
			require.NoError(t, err)
			s.Commit(3)
			require.NoError(t, s.Close())

			path := filepath.Join(dir, "raft-log")
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			corrupt(data)
			require.NoError(t, os.WriteFile(path, data, 0644))

			_, err = OpenFileStore(dir)
			assert.ErrorIs(t, err, ErrLogCorrupted)

			// The committed records are still on disk for inspection
			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, data, after)
		})
	}
}

func TestReadRecordLimitsSize(t *testing.T) {
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], maxRecordSize+1)
	binary.BigEndian.PutUint32(hdr[8:12], crc32.ChecksumIEEE(hdr[0:8]))

	_, _, err := readRecord(bytes.NewReader(hdr[:]))
	assert.ErrorIs(t, err, ErrLogCorrupted)
}

func TestRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records")
	f, err := os.Create(path)
	require.NoError(t, err)

	in := LogEntry{Index: 7, Term: 3, LeaderID: "n2", Kind: EntryConfig, Payload: json.RawMessage(`{"members":{"n1":"a:1"}}`)}
	_, err = writeRecord(f, in)
	require.NoError(t, err)
	_, err = writeRecord(f, LogEntry{Index: 8, Term: 3, Kind: EntryNoop})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	out, _, err := readRecord(f)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	noop, _, err := readRecord(f)
	require.NoError(t, err)
	assert.Equal(t, EntryNoop, noop.Kind)
	assert.Empty(t, noop.Payload)
}
