package raft

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// EntryKind distinguishes client data from entries the agent itself appends.
type EntryKind uint8

const (
	// EntryData carries a client operation.
	EntryData EntryKind = iota
	// EntryConfig carries a membership table.
	EntryConfig
	// EntryNoop is appended by a new leader to commit an entry of its own term.
	EntryNoop
)

func (k EntryKind) String() string {
	switch k {
	case EntryData:
		return "data"
	case EntryConfig:
		return "config"
	case EntryNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// LogEntry is a single entry in the replicated log
type LogEntry struct {
	Index    uint64          // Position in the log, assigned at append time
	Term     uint64          // Term of the leader that created the entry
	LeaderID string          // Leader that accepted the entry
	Kind     EntryKind       // What the payload holds
	Payload  json.RawMessage // Opaque structured value
}

// Protobuf wire field numbers of an encoded entry.
const (
	fieldIndex    protowire.Number = 1
	fieldTerm     protowire.Number = 2
	fieldLeaderID protowire.Number = 3
	fieldKind     protowire.Number = 4
	fieldPayload  protowire.Number = 5
)

// marshalEntry encodes an entry as protobuf wire fields.
func marshalEntry(e LogEntry) []byte {
	b := make([]byte, 0, 32+len(e.LeaderID)+len(e.Payload))
	b = protowire.AppendTag(b, fieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Index)
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Term)
	b = protowire.AppendTag(b, fieldLeaderID, protowire.BytesType)
	b = protowire.AppendString(b, e.LeaderID)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// unmarshalEntry decodes the output of marshalEntry. Unknown fields are skipped.
func unmarshalEntry(b []byte) (LogEntry, error) {
	var e LogEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return LogEntry{}, fmt.Errorf("%w: %v", ErrLogCorrupted, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return LogEntry{}, fmt.Errorf("%w: index: %v", ErrLogCorrupted, protowire.ParseError(n))
			}
			e.Index = v
			b = b[n:]
		case num == fieldTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return LogEntry{}, fmt.Errorf("%w: term: %v", ErrLogCorrupted, protowire.ParseError(n))
			}
			e.Term = v
			b = b[n:]
		case num == fieldLeaderID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return LogEntry{}, fmt.Errorf("%w: leader: %v", ErrLogCorrupted, protowire.ParseError(n))
			}
			e.LeaderID = v
			b = b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return LogEntry{}, fmt.Errorf("%w: kind: %v", ErrLogCorrupted, protowire.ParseError(n))
			}
			e.Kind = EntryKind(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return LogEntry{}, fmt.Errorf("%w: payload: %v", ErrLogCorrupted, protowire.ParseError(n))
			}
			e.Payload = append(json.RawMessage(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return LogEntry{}, fmt.Errorf("%w: field %d: %v", ErrLogCorrupted, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Record header: body length, CRC32 of the body, CRC32 of the first eight header bytes.
const (
	recordHeaderSize = 12
	maxRecordSize    = 64 << 20
)

// errTornRecord reports a record cut short by the end of the file
var errTornRecord = errors.New("raft: torn record")

// writeRecord writes the record header followed by the encoded entry.
func writeRecord(w io.Writer, e LogEntry) (int, error) {
	body := marshalEntry(e)
	buf := make([]byte, recordHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(body))
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[0:8]))
	copy(buf[recordHeaderSize:], body)
	return w.Write(buf)
}

// readRecord reads one record written by writeRecord and returns the entry
// and the number of bytes consumed. It returns io.EOF at a clean end,
// errTornRecord when the file ends inside a record whose header is intact
// or inside the header itself, and ErrLogCorrupted on any checksum or
// decoding failure.
func readRecord(r io.Reader) (LogEntry, int, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return LogEntry{}, 0, errTornRecord
		}
		return LogEntry{}, 0, err
	}
	if crc32.ChecksumIEEE(hdr[0:8]) != binary.BigEndian.Uint32(hdr[8:12]) {
		return LogEntry{}, 0, fmt.Errorf("%w: header checksum mismatch", ErrLogCorrupted)
	}
	size := binary.BigEndian.Uint32(hdr[0:4])
	if size > maxRecordSize {
		return LogEntry{}, 0, fmt.Errorf("%w: record of %d bytes exceeds limit", ErrLogCorrupted, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return LogEntry{}, 0, errTornRecord
		}
		return LogEntry{}, 0, err
	}
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(hdr[4:8]) {
		return LogEntry{}, 0, fmt.Errorf("%w: body checksum mismatch", ErrLogCorrupted)
	}
	e, err := unmarshalEntry(body)
	if err != nil {
		return LogEntry{}, 0, err
	}
	return e, recordHeaderSize + int(size), nil
}
