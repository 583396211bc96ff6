package raft

import (
	"fmt"
	"sync"
)

// LogStore is the indexed sequence of log entries behind an Agent.
//
// Indices start at 1. Entries at or below the snapshot index have been
// compacted away; Term still answers for the snapshot index itself so
// consistency checks work across the boundary.
type LogStore interface {
	// Append assigns contiguous indices starting at LastIndex()+1 and makes
	// the entries durable before returning. Entries that already carry an
	// index must carry exactly the one they would be assigned.
	Append(entries []LogEntry) ([]uint64, error)

	// Entries returns the retained entries in [from, to], clipped to what exists.
	Entries(from, to uint64) []LogEntry

	// Entry returns the entry at index if it is retained.
	Entry(index uint64) (LogEntry, bool)

	// Term returns the term at index, including the snapshot boundary.
	Term(index uint64) (uint64, bool)

	// TruncateFrom removes index and everything after it. Truncating
	// committed entries fails with ErrInvariantViolation and changes nothing.
	TruncateFrom(index uint64) error

	// Commit raises the index below which truncation is refused.
	Commit(index uint64)

	// CompactTo drops entries up to and including index, which must be committed.
	CompactTo(index uint64) error

	// Reset discards every entry and restarts the log after a snapshot.
	Reset(index, term uint64) error

	FirstIndex() uint64
	LastIndex() uint64
	LastTerm() uint64
	Close() error
}

// entryLog is the in-memory bookkeeping shared by the store implementations.
// It is not safe for concurrent use on its own.
type entryLog struct {
	entries   []LogEntry
	snapIndex uint64
	snapTerm  uint64
	committed uint64
}

func (l *entryLog) firstIndex() uint64 { return l.snapIndex + 1 }

func (l *entryLog) lastIndex() uint64 {
	if len(l.entries) == 0 {
		return l.snapIndex
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *entryLog) lastTerm() uint64 {
	if len(l.entries) == 0 {
		return l.snapTerm
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *entryLog) entry(index uint64) (LogEntry, bool) {
	if index <= l.snapIndex || index > l.lastIndex() {
		return LogEntry{}, false
	}
	return l.entries[index-l.snapIndex-1], true
}

func (l *entryLog) term(index uint64) (uint64, bool) {
	if index == l.snapIndex {
		return l.snapTerm, true
	}
	e, ok := l.entry(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

func (l *entryLog) slice(from, to uint64) []LogEntry {
	if from < l.firstIndex() {
		from = l.firstIndex()
	}
	if last := l.lastIndex(); to > last {
		to = last
	}
	if from > to {
		return nil
	}
	out := make([]LogEntry, to-from+1)
	copy(out, l.entries[from-l.snapIndex-1:to-l.snapIndex])
	return out
}

// prepare validates and stamps indices on a batch without modifying the log.
func (l *entryLog) prepare(entries []LogEntry) ([]LogEntry, []uint64, error) {
	next := l.lastIndex() + 1
	prevTerm := l.lastTerm()
	out := make([]LogEntry, len(entries))
	indices := make([]uint64, len(entries))
	for i, e := range entries {
		want := next + uint64(i)
		if e.Index != 0 && e.Index != want {
			return nil, nil, fmt.Errorf("%w: entry carries index %d, next index is %d",
				ErrInvariantViolation, e.Index, want)
		}
		if e.Term < prevTerm {
			return nil, nil, fmt.Errorf("%w: term %d at index %d precedes term %d",
				ErrInvariantViolation, e.Term, want, prevTerm)
		}
		e.Index = want
		prevTerm = e.Term
		out[i] = e
		indices[i] = want
	}
	return out, indices, nil
}

func (l *entryLog) checkTruncate(index uint64) error {
	if index <= l.committed {
		return fmt.Errorf("%w: truncate from %d would remove committed entries up to %d",
			ErrInvariantViolation, index, l.committed)
	}
	if index <= l.snapIndex {
		return fmt.Errorf("%w: truncate from %d is inside the snapshot ending at %d",
			ErrInvariantViolation, index, l.snapIndex)
	}
	return nil
}

func (l *entryLog) truncate(index uint64) {
	if index > l.lastIndex() {
		return
	}
	l.entries = l.entries[:index-l.snapIndex-1]
}

func (l *entryLog) checkCompact(index uint64) error {
	if index > l.committed {
		return fmt.Errorf("%w: compact to %d beyond commit index %d",
			ErrInvariantViolation, index, l.committed)
	}
	if index > l.lastIndex() {
		return fmt.Errorf("%w: compact to %d beyond last index %d",
			ErrInvariantViolation, index, l.lastIndex())
	}
	return nil
}

func (l *entryLog) compact(index uint64) {
	if index <= l.snapIndex {
		return
	}
	term, _ := l.term(index)
	rest := l.entries[index-l.snapIndex:]
	l.entries = append(make([]LogEntry, 0, len(rest)), rest...)
	l.snapIndex = index
	l.snapTerm = term
}

func (l *entryLog) reset(index, term uint64) {
	l.entries = nil
	l.snapIndex = index
	l.snapTerm = term
	if l.committed < index {
		l.committed = index
	}
}

// MemoryStore is a LogStore kept entirely in memory.
// Useful for tests and for nodes configured without durability.
type MemoryStore struct {
	mu  sync.RWMutex
	log entryLog
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(entries []LogEntry) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamped, indices, err := s.log.prepare(entries)
	if err != nil {
		return nil, err
	}
	s.log.entries = append(s.log.entries, stamped...)
	return indices, nil
}

func (s *MemoryStore) Entries(from, to uint64) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.slice(from, to)
}

func (s *MemoryStore) Entry(index uint64) (LogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.entry(index)
}

func (s *MemoryStore) Term(index uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.term(index)
}

func (s *MemoryStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.log.checkTruncate(index); err != nil {
		return err
	}
	s.log.truncate(index)
	return nil
}

func (s *MemoryStore) Commit(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.log.committed {
		s.log.committed = index
	}
}

func (s *MemoryStore) CompactTo(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.log.checkCompact(index); err != nil {
		return err
	}
	s.log.compact(index)
	return nil
}

func (s *MemoryStore) Reset(index, term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.reset(index, term)
	return nil
}

func (s *MemoryStore) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.firstIndex()
}

func (s *MemoryStore) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.lastIndex()
}

func (s *MemoryStore) LastTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.lastTerm()
}

func (s *MemoryStore) Close() error { return nil }
