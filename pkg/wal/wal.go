// Package wal adapts raft.PersistHook onto a single CRC-checked file
// that every Persist call overwrites, the on-disk format grounded on
// the key-value store's original write-ahead log.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vzdtic/raftval/pkg/raft"
)

const (
	fileName         = "raft.wal"
	recordHeaderSize = 8 // 4 bytes CRC + 4 bytes length
)

// FileWAL persists current_term, voted_for and the full log to a
// single file on every call, overwriting the previous record. It
// implements raft.PersistHook.
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
}

var _ raft.PersistHook = (*FileWAL)(nil)

// Open creates dir if needed and opens (or creates) the WAL file
// inside it, ready to accept Persist calls.
func Open(dir string) (*FileWAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}
	return &FileWAL{dir: dir, file: f}, nil
}

// encode produces the gob-free on-disk layout: term (8 bytes),
// voted_for length (2 bytes) and bytes, then each entry via
// LogEntry.ToBinary.
func encode(term raft.TermNumber, votedFor raft.PeerID, log []raft.LogEntry) []byte {
	var buf bytes.Buffer
	var head [8 + 2]byte
	binary.BigEndian.PutUint64(head[0:8], uint64(term))
	binary.BigEndian.PutUint16(head[8:10], uint16(len(votedFor)))
	buf.Write(head[:])
	buf.WriteString(string(votedFor))
	for _, e := range log {
		buf.Write(e.ToBinary())
	}
	return buf.Bytes()
}

func decode(data []byte) (raft.TermNumber, raft.PeerID, []raft.LogEntry, error) {
	if len(data) < 10 {
		return 0, "", nil, fmt.Errorf("wal: truncated header")
	}
	term := raft.TermNumber(binary.BigEndian.Uint64(data[0:8]))
	vlen := binary.BigEndian.Uint16(data[8:10])
	rest := data[10:]
	if int(vlen) > len(rest) {
		return 0, "", nil, fmt.Errorf("wal: truncated voted_for")
	}
	votedFor := raft.PeerID(rest[:vlen])
	rest = rest[vlen:]

	var log []raft.LogEntry
	for len(rest) > 0 {
		entry, tail, ok := raft.ExtractFromBinary(rest)
		if !ok {
			return 0, "", nil, fmt.Errorf("wal: corrupt log entry")
		}
		log = append(log, entry)
		rest = tail
	}
	return term, votedFor, log, nil
}

// Persist overwrites the WAL file with the given state. It satisfies
// raft.PersistHook; the Server calls it before sending any RPC whose
// correctness depends on current_term/voted_for/the log having
// survived a crash.
func (w *FileWAL) Persist(term raft.TermNumber, votedFor raft.PeerID, log []raft.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := encode(term, votedFor, log)
	crc := crc32.ChecksumIEEE(data)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Write(header[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("wal: write data: %w", err)
	}
	return w.file.Sync()
}

// Load reads back the most recently persisted state, or
// (0, "", nil, nil) if the WAL file is empty.
func (w *FileWAL) Load() (raft.TermNumber, raft.PeerID, []raft.LogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return 0, "", nil, fmt.Errorf("wal: seek: %w", err)
	}
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(w.file, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, "", nil, nil
		}
		return 0, "", nil, fmt.Errorf("wal: read header: %w", err)
	}
	crc := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(w.file, data); err != nil {
		return 0, "", nil, fmt.Errorf("wal: read data: %w", err)
	}
	if crc32.ChecksumIEEE(data) != crc {
		return 0, "", nil, fmt.Errorf("wal: crc mismatch")
	}
	return decode(data)
}

// Close releases the underlying file handle.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
