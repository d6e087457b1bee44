package raft

import "testing"

func TestCommandResultsFetchMiss(t *testing.T) {
	c := NewCommandResults()
	if _, ok := c.Fetch("missing"); ok {
		t.Fatalf("expected miss on empty cache")
	}
}

func TestCommandResultsPutAndFetch(t *testing.T) {
	c := NewCommandResults()
	c.Put("id-1", []byte("result-1"), 10)
	v, ok := c.Fetch("id-1")
	if !ok || string(v) != "result-1" {
		t.Fatalf("expected hit with result-1, got %q (ok=%v)", v, ok)
	}
}

func TestCommandResultsEvictsOldestOverCapacity(t *testing.T) {
	c := NewCommandResults()
	c.Put("a", []byte("1"), 2)
	c.Put("b", []byte("2"), 2)
	c.Put("c", []byte("3"), 2)

	if _, ok := c.Fetch("a"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := c.Fetch("b"); !ok {
		t.Fatalf("b should still be cached")
	}
	if _, ok := c.Fetch("c"); !ok {
		t.Fatalf("c should still be cached")
	}
}

func TestCommandResultsSnapshotRestore(t *testing.T) {
	c := NewCommandResults()
	c.Put("a", []byte("1"), 10)
	c.Put("b", []byte("2"), 10)

	snap := c.Snapshot()

	c2 := NewCommandResults()
	c2.Restore(snap)

	if v, ok := c2.Fetch("a"); !ok || string(v) != "1" {
		t.Fatalf("restored cache missing a: %q (ok=%v)", v, ok)
	}
	if v, ok := c2.Fetch("b"); !ok || string(v) != "2" {
		t.Fatalf("restored cache missing b: %q (ok=%v)", v, ok)
	}
}
