package raft

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// entryBase marks the first record of a compacted log file. Its index and
// term describe the snapshot the log continues from.
const entryBase EntryKind = 0xff

// FileStore is a durable LogStore backed by a single append-only file of
// checksummed protobuf records. Every Append is fsynced before it
// returns. Entries are also cached in memory, so reads never touch disk.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	size    int64   // Byte length of the valid part of the file
	offsets []int64 // Start offset of each retained entry
	log     entryLog
}

// OpenFileStore opens or creates the log file in dataDir. A partially
// written record at the tail, left by a crash during append, is discarded.
// Damage anywhere else fails with ErrLogCorrupted.
func OpenFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	fs := &FileStore{path: filepath.Join(dataDir, "raft-log")}
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	fs.file = f

	if err := fs.load(); err != nil {
		f.Close()
		return nil, err
	}
	return fs, nil
}

// load rebuilds the in-memory cache from the file.
func (fs *FileStore) load() error {
	if _, err := fs.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	r := bufio.NewReader(fs.file)
	var offset int64
	first := true
	for {
		e, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrLogCorrupted) {
			zero, zerr := fs.zeroFrom(offset)
			if zerr != nil {
				return fmt.Errorf("%w: %v", ErrStorage, zerr)
			}
			if !zero {
				return fmt.Errorf("record at offset %d: %w", offset, err)
			}
			// Zero-filled space left by a crash after the file grew
			err = errTornRecord
		}
		if errors.Is(err, errTornRecord) {
			// Torn tail: drop the unfinished record.
			if err := fs.file.Truncate(offset); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}

		if first && e.Kind == entryBase {
			fs.log.snapIndex = e.Index
			fs.log.snapTerm = e.Term
			fs.log.committed = e.Index
		} else {
			if want := fs.log.lastIndex() + 1; e.Index != want {
				return fmt.Errorf("%w: found index %d where %d was expected", ErrLogCorrupted, e.Index, want)
			}
			fs.log.entries = append(fs.log.entries, e)
			fs.offsets = append(fs.offsets, offset)
		}
		first = false
		offset += int64(n)
	}
	fs.size = offset
	return nil
}

// zeroFrom reports whether every byte from offset to the end of the file is zero
func (fs *FileStore) zeroFrom(offset int64) (bool, error) {
	r := bufio.NewReader(io.NewSectionReader(fs.file, offset, 1<<62))
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if b != 0 {
			return false, nil
		}
	}
}

func (fs *FileStore) Append(entries []LogEntry) ([]uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	stamped, indices, err := fs.log.prepare(entries)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	offsets := make([]int64, len(stamped))
	for i, e := range stamped {
		offsets[i] = fs.size + int64(buf.Len())
		if _, err := writeRecord(&buf, e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	if _, err := fs.file.WriteAt(buf.Bytes(), fs.size); err != nil {
		fs.file.Truncate(fs.size)
		return nil, fmt.Errorf("%w: write: %v", ErrStorage, err)
	}
	if err := fs.file.Sync(); err != nil {
		fs.file.Truncate(fs.size)
		return nil, fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}

	fs.size += int64(buf.Len())
	fs.offsets = append(fs.offsets, offsets...)
	fs.log.entries = append(fs.log.entries, stamped...)
	return indices, nil
}

func (fs *FileStore) Entries(from, to uint64) []LogEntry {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.log.slice(from, to)
}

func (fs *FileStore) Entry(index uint64) (LogEntry, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.log.entry(index)
}

func (fs *FileStore) Term(index uint64) (uint64, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.log.term(index)
}

func (fs *FileStore) TruncateFrom(index uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.log.checkTruncate(index); err != nil {
		return err
	}
	if index > fs.log.lastIndex() {
		return nil
	}

	pos := index - fs.log.firstIndex()
	offset := fs.offsets[pos]
	if err := fs.file.Truncate(offset); err != nil {
		return fmt.Errorf("%w: truncate: %v", ErrStorage, err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}

	fs.size = offset
	fs.offsets = fs.offsets[:pos]
	fs.log.truncate(index)
	return nil
}

func (fs *FileStore) Commit(index uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if index > fs.log.committed {
		fs.log.committed = index
	}
}

func (fs *FileStore) CompactTo(index uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.log.checkCompact(index); err != nil {
		return err
	}
	if index <= fs.log.snapIndex {
		return nil
	}

	next := fs.log
	next.entries = append([]LogEntry(nil), fs.log.entries...)
	next.compact(index)
	return fs.rewrite(next)
}

func (fs *FileStore) Reset(index, term uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	next := fs.log
	next.reset(index, term)
	return fs.rewrite(next)
}

// rewrite replaces the file with the contents of next, atomically via rename.
func (fs *FileStore) rewrite(next entryLog) error {
	tmpPath := fs.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	w := bufio.NewWriter(tmp)
	var offset int64
	n, err := writeRecord(w, LogEntry{Index: next.snapIndex, Term: next.snapTerm, Kind: entryBase})
	if err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	offset += int64(n)

	offsets := make([]int64, len(next.entries))
	for i, e := range next.entries {
		offsets[i] = offset
		n, err := writeRecord(w, e)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		offset += int64(n)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	fs.file.Close()
	fs.file = tmp
	fs.size = offset
	fs.offsets = offsets
	fs.log = next
	return nil
}

func (fs *FileStore) FirstIndex() uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.log.firstIndex()
}

func (fs *FileStore) LastIndex() uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.log.lastIndex()
}

func (fs *FileStore) LastTerm() uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.log.lastTerm()
}

// Close releases the log file.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
