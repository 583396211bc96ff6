package agency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/goyalg325/agency/raft"
)

var null = []byte("null")

// Store is the applied state view: a flat map from key to JSON value.
// It is the state machine behind the consensus agent.
type Store struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewStore creates an empty state view
func NewStore() *Store {
	return &Store{data: make(map[string]json.RawMessage)}
}

// ParseOperation validates a write operation: a JSON object whose members
// set keys, with null deleting the key
func ParseOperation(op json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(op)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, protocolErrorf("operation must be a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, protocolErrorf("operation: %v", err)
	}
	for key := range fields {
		if key == "" {
			return nil, protocolErrorf("operation has an empty key")
		}
	}
	return fields, nil
}

// ParseQuery validates a read query: a JSON array of keys or a single key
func ParseQuery(q json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(q)
	if len(trimmed) == 0 {
		return nil, protocolErrorf("empty query")
	}
	switch trimmed[0] {
	case '"':
		var key string
		if err := json.Unmarshal(trimmed, &key); err != nil {
			return nil, protocolErrorf("query: %v", err)
		}
		return []string{key}, nil
	case '[':
		var keys []string
		if err := json.Unmarshal(trimmed, &keys); err != nil {
			return nil, protocolErrorf("query must list keys: %v", err)
		}
		return keys, nil
	default:
		return nil, protocolErrorf("query must be a key or an array of keys")
	}
}

// Apply applies one committed write operation
func (s *Store) Apply(entry raft.LogEntry) error {
	fields, err := ParseOperation(entry.Payload)
	if err != nil {
		return fmt.Errorf("entry %d: %w", entry.Index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range fields {
		if bytes.Equal(bytes.TrimSpace(value), null) {
			delete(s.data, key)
			continue
		}
		s.data[key] = compact(value)
	}
	return nil
}

// Get returns the present keys among keys
func (s *Store) Get(keys []string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if v, ok := s.data[key]; ok {
			out[key] = v
		}
	}
	return out
}

// Keys returns every key in sorted order
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot encodes the whole view
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.data)
}

// Restore replaces the view with a snapshot; empty data clears it
func (s *Store) Restore(data []byte) error {
	next := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &next); err != nil {
			return fmt.Errorf("restore state view: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = next
	return nil
}

func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return append(json.RawMessage(nil), v...)
	}
	return buf.Bytes()
}
