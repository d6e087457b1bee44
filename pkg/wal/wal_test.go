package wal

import (
	"testing"

	"github.com/vzdtic/raftval/pkg/raft"
)

func TestFileWALEmptyLoad(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	term, votedFor, log, err := w.Load()
	if err != nil {
		t.Fatalf("Load on empty wal: %v", err)
	}
	if term != 0 || votedFor != "" || len(log) != 0 {
		t.Fatalf("expected zero state, got term=%d votedFor=%q log=%v", term, votedFor, log)
	}
}

func TestFileWALPersistAndLoad(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	e1, _ := raft.NewCommandEntry(1, 1, raft.CommandPayload{ID: "a"})
	e2, _ := raft.NewCommandEntry(2, 2, raft.CommandPayload{ID: "b"})

	if err := w.Persist(2, "B", []raft.LogEntry{e1, e2}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	term, votedFor, log, err := w.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if term != 2 || votedFor != "B" {
		t.Fatalf("expected term=2 votedFor=B, got term=%d votedFor=%q", term, votedFor)
	}
	if len(log) != 2 || log[0].Index != 1 || log[1].Index != 2 {
		t.Fatalf("unexpected log after reload: %+v", log)
	}
}

func TestFileWALPersistOverwritesPreviousRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	e1, _ := raft.NewCommandEntry(1, 1, raft.CommandPayload{ID: "a"})
	if err := w.Persist(1, "A", []raft.LogEntry{e1, e1, e1}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := w.Persist(2, "B", nil); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	term, votedFor, log, err := w.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if term != 2 || votedFor != "B" || len(log) != 0 {
		t.Fatalf("expected the shorter record to fully replace the longer one, got term=%d votedFor=%q log=%v", term, votedFor, log)
	}
}

func TestFileWALSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e1, _ := raft.NewCommandEntry(3, 1, raft.CommandPayload{ID: "a"})
	if err := w1.Persist(3, "C", []raft.LogEntry{e1}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	w1.Close()

	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	term, votedFor, log, err := w2.Load()
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if term != 3 || votedFor != "C" || len(log) != 1 {
		t.Fatalf("state did not survive reopen: term=%d votedFor=%q log=%v", term, votedFor, log)
	}
}
