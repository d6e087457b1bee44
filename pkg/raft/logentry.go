package raft

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
)

// ClientHandle is an opaque, transport-specific reference to whoever
// should receive a command/query reply. It is never interpreted by
// the core; it only ever round-trips through Comm.Reply.
type ClientHandle string

// CommandPayload is carried by a KindCommand entry.
type CommandPayload struct {
	Client ClientHandle
	Arg    []byte
	ID     string
}

// QueryPayload is carried by a KindQuery entry (logged only when the
// leader lease was invalid at the time of the request).
type QueryPayload struct {
	Client ClientHandle
	Arg    []byte
}

// ConfigPatch is the replicated subset of Config: the tunables, not
// the process-local plug-in bindings (DataOps/Comm/LeaderHook are
// bound once at construction per replica, never over the wire).
type ConfigPatch struct {
	HeartbeatTimeoutMS       int64
	ElectionTimeoutMS        int64
	MaxRetainedCommittedLogs int
	MaxRetainedCommandResults int
}

// LeaderElectedPayload is carried by a KindLeaderElected entry.
type LeaderElectedPayload struct {
	Leader PeerID
}

// MembershipPayload is carried by KindAddFollower/KindRemoveFollower.
type MembershipPayload struct {
	Peer PeerID
}

// LogEntry is a single tagged record in the replicated log.
type LogEntry struct {
	Term    TermNumber
	Index   LogIndex
	Kind    EntryKind
	Payload []byte // opaque to the codec; decoded with DecodePayload
}

func init() {
	gob.Register(CommandPayload{})
	gob.Register(QueryPayload{})
	gob.Register(ConfigPatch{})
	gob.Register(LeaderElectedPayload{})
	gob.Register(MembershipPayload{})
}

func encodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(b []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// NewCommandEntry builds a KindCommand entry at index with an encoded
// CommandPayload. index/term are assigned by the caller (Logs).
func NewCommandEntry(term TermNumber, index LogIndex, p CommandPayload) (LogEntry, error) {
	return newEntry(term, index, KindCommand, p)
}

// NewQueryEntry builds a KindQuery entry.
func NewQueryEntry(term TermNumber, index LogIndex, p QueryPayload) (LogEntry, error) {
	return newEntry(term, index, KindQuery, p)
}

// NewChangeConfigEntry builds a KindChangeConfig entry.
func NewChangeConfigEntry(term TermNumber, index LogIndex, p ConfigPatch) (LogEntry, error) {
	return newEntry(term, index, KindChangeConfig, p)
}

// NewLeaderElectedEntry builds a KindLeaderElected entry.
func NewLeaderElectedEntry(term TermNumber, index LogIndex, p LeaderElectedPayload) (LogEntry, error) {
	return newEntry(term, index, KindLeaderElected, p)
}

// NewAddFollowerEntry builds a KindAddFollower entry.
func NewAddFollowerEntry(term TermNumber, index LogIndex, p MembershipPayload) (LogEntry, error) {
	return newEntry(term, index, KindAddFollower, p)
}

// NewRemoveFollowerEntry builds a KindRemoveFollower entry.
func NewRemoveFollowerEntry(term TermNumber, index LogIndex, p MembershipPayload) (LogEntry, error) {
	return newEntry(term, index, KindRemoveFollower, p)
}

func newEntry(term TermNumber, index LogIndex, kind EntryKind, payload interface{}) (LogEntry, error) {
	b, err := encodePayload(payload)
	if err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Term: term, Index: index, Kind: kind, Payload: b}, nil
}

// DecodePayload decodes e.Payload back into the payload struct it was
// built from; the concrete type travels in the gob encoding, so e.Kind
// is not consulted.
func (e LogEntry) DecodePayload() (interface{}, error) {
	return decodePayload(e.Payload)
}

// ToBinary serializes an entry per the wire format:
// term:64 | index:64 | kind_tag:8 | payload_len:64 | payload_bytes
// (all big-endian, unsigned).
func (e LogEntry) ToBinary() []byte {
	buf := make([]byte, 8+8+1+8+len(e.Payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Term))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Index))
	buf[16] = byte(e.Kind)
	binary.BigEndian.PutUint64(buf[17:25], uint64(len(e.Payload)))
	copy(buf[25:], e.Payload)
	return buf
}

const entryHeaderLen = 8 + 8 + 1 + 8

// ExtractFromBinary parses one entry off the front of b, returning the
// entry and the remaining bytes, or (LogEntry{}, nil, false) if b does
// not start with a well-formed entry (short header, unknown kind tag,
// payload-length overflow, or a payload shorter than claimed).
func ExtractFromBinary(b []byte) (LogEntry, []byte, bool) {
	if len(b) < entryHeaderLen {
		return LogEntry{}, nil, false
	}
	term := binary.BigEndian.Uint64(b[0:8])
	index := binary.BigEndian.Uint64(b[8:16])
	kind := EntryKind(b[16])
	if kind > KindRemoveFollower {
		return LogEntry{}, nil, false
	}
	plen := binary.BigEndian.Uint64(b[17:25])
	rest := b[entryHeaderLen:]
	if plen > uint64(len(rest)) {
		return LogEntry{}, nil, false
	}
	payload := make([]byte, plen)
	copy(payload, rest[:plen])
	return LogEntry{
		Term:    TermNumber(term),
		Index:   LogIndex(index),
		Kind:    kind,
		Payload: payload,
	}, rest[plen:], true
}
