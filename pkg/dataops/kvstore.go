// Package dataops provides example DataOps plug-ins for pkg/raft.
package dataops

import (
	"bytes"
	"encoding/gob"
	"errors"

	"github.com/vzdtic/raftval/pkg/raft"
)

// OpType tags a KVStore command.
type OpType int

const (
	OpSet OpType = iota
	OpDelete
)

// Op is the wire encoding of a KVStore command argument.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

// Query is the wire encoding of a KVStore query argument.
type Query struct {
	Key string
}

func init() {
	gob.Register(Op{})
	gob.Register(Query{})
	gob.Register(&kvState{})
}

// EncodeOp encodes a set/delete command for Server.SubmitCommand.
func EncodeOp(op Op) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeQuery encodes a get query for Server.SubmitQuery.
func EncodeQuery(q Query) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(q); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ErrNotFound describes an absent key. Query does not return it: an
// absent key yields a nil reply.
var ErrNotFound = errors.New("dataops: key not found")

// kvState is the data held by a replica between Command/Query calls.
// It is only ever touched from the single raft event-loop goroutine,
// so it carries no locking of its own. Values must stay exported: a
// Server.data held in an InstallSnapshot travels through the gob codec
// on pkg/transport/grpc.go's real network path, and gob silently skips
// unexported fields rather than erroring, so an unexported map here
// would cross the wire empty.
type kvState struct {
	Values map[string][]byte
}

// KVStore is a deterministic set/delete/get state machine, grounded on
// the in-memory key-value store the consensus layer replicates.
type KVStore struct{}

var _ raft.DataOps = KVStore{}

// New returns the zero-value state: an empty key space.
func (KVStore) New() interface{} {
	return &kvState{Values: make(map[string][]byte)}
}

// Command applies a set or delete and reports success.
func (KVStore) Command(data interface{}, arg []byte) ([]byte, interface{}) {
	st := data.(*kvState)
	var op Op
	if err := gob.NewDecoder(bytes.NewReader(arg)).Decode(&op); err != nil {
		return []byte("error: " + err.Error()), st
	}
	switch op.Type {
	case OpSet:
		st.Values[op.Key] = op.Value
	case OpDelete:
		delete(st.Values, op.Key)
	}
	return []byte("ok"), st
}

// Query looks up a key, returning nil when absent.
func (KVStore) Query(data interface{}, arg []byte) []byte {
	st := data.(*kvState)
	var q Query
	if err := gob.NewDecoder(bytes.NewReader(arg)).Decode(&q); err != nil {
		return nil
	}
	v, ok := st.Values[q.Key]
	if !ok {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
