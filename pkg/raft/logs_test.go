package raft

import "testing"

func threeMemberLeader() (*Logs, *Members) {
	members := NewForLonelyLeader("A")
	members.set["B"] = true
	members.set["C"] = true
	logs := NewLogs(-1)
	logs.ElectedLeader(members, 1)
	return logs, members
}

func TestLogsAppendEntriesAdvancesCommit(t *testing.T) {
	logs := NewLogs(-1)
	members := NewForLonelyLeader("A")

	e1, _ := NewCommandEntry(1, 1, CommandPayload{ID: "1"})
	e2, _ := NewCommandEntry(1, 2, CommandPayload{ID: "2"})

	applicable := logs.AppendEntries(members, []LogEntry{e1, e2}, 2)
	if len(applicable) != 2 {
		t.Fatalf("expected 2 applicable entries, got %d", len(applicable))
	}
	if logs.CommitIndex() != 2 {
		t.Fatalf("expected commit index 2, got %d", logs.CommitIndex())
	}
}

func TestLogsAppendEntriesTruncatesOnTermMismatch(t *testing.T) {
	logs := NewLogs(-1)
	members := NewForLonelyLeader("A")

	e1, _ := NewCommandEntry(1, 1, CommandPayload{ID: "1"})
	e2Stale, _ := NewCommandEntry(1, 2, CommandPayload{ID: "stale"})
	logs.AppendEntries(members, []LogEntry{e1, e2Stale}, 0)

	e2New, _ := NewCommandEntry(2, 2, CommandPayload{ID: "new"})
	logs.AppendEntries(members, []LogEntry{e2New}, 2)

	last := logs.LastEntry()
	if last.Term != 2 || last.Index != 2 {
		t.Fatalf("expected truncated tail to be replaced, got %+v", last)
	}
}

func TestLogsSetFollowerIndexRequiresCurrentTermMajority(t *testing.T) {
	members := NewForLonelyLeader("A")
	for _, p := range []PeerID{"B", "C", "D", "E"} {
		members.set[p] = true
	}
	logs := NewLogs(-1)
	logs.ElectedLeader(members, 1)

	cmd, _ := NewCommandEntry(1, 0, CommandPayload{ID: "1"})
	logs.AddEntry(func(index LogIndex) LogEntry { cmd.Index = index; return cmd })
	target := logs.LastIndex()

	// 5 voters (self+4): self+B is only 2, short of the quorum of 3.
	applicable := logs.SetFollowerIndex(members, 1, "B", target)
	if len(applicable) != 0 {
		t.Fatalf("expected no commit before a real majority acks, got %d applicable", len(applicable))
	}
}

func TestLogsSetFollowerIndexCommitsOnQuorum(t *testing.T) {
	logs, members := threeMemberLeader()

	cmd, _ := NewCommandEntry(1, 0, CommandPayload{ID: "1"})
	logs.AddEntry(func(index LogIndex) LogEntry { cmd.Index = index; return cmd })
	target := logs.LastIndex()

	// Nothing was committed before, so the leader_elected entry at index
	// 1 commits together with the command at index 2.
	applicable := logs.SetFollowerIndex(members, 1, "B", target)
	if len(applicable) != 2 {
		t.Fatalf("expected the leader_elected and command entries to commit once a quorum (self+B) acks, got %d applicable", len(applicable))
	}
}

func TestLogsMakeAppendEntriesReqTooOldTriggersSnapshot(t *testing.T) {
	logs, members := threeMemberLeader()
	for i := 0; i < 5; i++ {
		cmd, _ := NewCommandEntry(1, 0, CommandPayload{ID: "x"})
		logs.AddEntry(func(index LogIndex) LogEntry { cmd.Index = index; return cmd })
	}
	logs.SetFollowerIndex(members, 1, "B", logs.LastIndex())
	logs.SetFollowerIndex(members, 1, "C", logs.LastIndex())

	logs.maxRetainedCommittedLogs = 1
	logs.compact()

	logs.nextIndex["B"] = 1
	_, tooOld, err := logs.MakeAppendEntriesReq(members, 1, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tooOld {
		t.Fatalf("expected tooOld=true once next_index precedes the retained window")
	}
}

func TestLogsMakeAppendEntriesReqUnknownFollower(t *testing.T) {
	logs, members := threeMemberLeader()
	_, _, err := logs.MakeAppendEntriesReq(members, 1, "Z")
	if err != ErrUnknownFollower {
		t.Fatalf("expected ErrUnknownFollower, got %v", err)
	}
}

func TestLogsContainGivenPrevLog(t *testing.T) {
	logs := NewLogs(-1)
	members := NewForLonelyLeader("A")
	e1, _ := NewCommandEntry(1, 1, CommandPayload{})
	logs.AppendEntries(members, []LogEntry{e1}, 0)

	if !logs.ContainGivenPrevLog(0, 0) {
		t.Fatalf("index 0 should always match")
	}
	if !logs.ContainGivenPrevLog(1, 1) {
		t.Fatalf("existing entry should match its own term")
	}
	if logs.ContainGivenPrevLog(2, 1) {
		t.Fatalf("mismatched term should not match")
	}
	if logs.ContainGivenPrevLog(1, 2) {
		t.Fatalf("missing index should not match")
	}
}

func TestLogsCandidateLogUpToDate(t *testing.T) {
	logs := NewLogs(-1)
	members := NewForLonelyLeader("A")
	e1, _ := NewCommandEntry(2, 1, CommandPayload{})
	logs.AppendEntries(members, []LogEntry{e1}, 0)

	if !logs.CandidateLogUpToDate(PrevLog{Term: 2, Index: 1}) {
		t.Fatalf("identical (term,index) should be up to date")
	}
	if !logs.CandidateLogUpToDate(PrevLog{Term: 3, Index: 0}) {
		t.Fatalf("newer term should be up to date regardless of index")
	}
	if logs.CandidateLogUpToDate(PrevLog{Term: 1, Index: 99}) {
		t.Fatalf("older term should never be up to date")
	}
	if logs.CandidateLogUpToDate(PrevLog{Term: 2, Index: 0}) {
		t.Fatalf("same term but shorter log should not be up to date")
	}
}
