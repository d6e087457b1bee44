package raft

import "testing"

func TestMembersLonelyLeader(t *testing.T) {
	m := NewForLonelyLeader("A")
	if m.Leader() != "A" || m.Self() != "A" || m.Count() != 1 || m.Quorum() != 1 {
		t.Fatalf("unexpected lonely leader state: leader=%s self=%s count=%d quorum=%d",
			m.Leader(), m.Self(), m.Count(), m.Quorum())
	}
}

func TestMembersQuorumSizes(t *testing.T) {
	cases := []struct {
		size   int
		quorum int
	}{{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}}
	for _, tc := range cases {
		m := NewForLonelyLeader("A")
		for i := 1; i < tc.size; i++ {
			m.set[PeerID(string(rune('B'+i-1)))] = true
		}
		if got := m.Quorum(); got != tc.quorum {
			t.Fatalf("size %d: expected quorum %d, got %d", tc.size, tc.quorum, got)
		}
	}
}

func TestMembersStartAddingFollowerRejectsConcurrentChange(t *testing.T) {
	m := NewForLonelyLeader("A")
	if err := m.StartAddingFollower(1, "B"); err != nil {
		t.Fatalf("first add should succeed: %v", err)
	}
	if !m.Contains("B") {
		t.Fatalf("B should be a voting member immediately")
	}
	if err := m.StartAddingFollower(2, "C"); err != ErrUncommittedMembership {
		t.Fatalf("expected ErrUncommittedMembership, got %v", err)
	}
}

func TestMembersMembershipChangeCommittedClearsOnlyMatchingIndex(t *testing.T) {
	m := NewForLonelyLeader("A")
	m.StartAddingFollower(5, "B")

	m.MembershipChangeCommitted(4)
	if _, pending := m.UncommittedChange(); !pending {
		t.Fatalf("change at a different index should not clear")
	}
	m.MembershipChangeCommitted(5)
	if _, pending := m.UncommittedChange(); pending {
		t.Fatalf("change at the matching index should clear")
	}
}

func TestMembersStartReplacingLeaderRequiresVotingMember(t *testing.T) {
	m := NewForLonelyLeader("A")
	if err := m.StartReplacingLeader("B"); err != ErrUnknownFollower {
		t.Fatalf("expected ErrUnknownFollower for a non-member target, got %v", err)
	}
	m.set["B"] = true
	if err := m.StartReplacingLeader("B"); err != nil {
		t.Fatalf("expected success for a voting member target: %v", err)
	}
	target, pending := m.PendingLeaderChange()
	if !pending || target != "B" {
		t.Fatalf("expected pending change to B, got target=%s pending=%v", target, pending)
	}
	if err := m.StartReplacingLeader(""); err != nil {
		t.Fatalf("clearing should succeed: %v", err)
	}
	if _, pending := m.PendingLeaderChange(); pending {
		t.Fatalf("expected no pending change after clearing")
	}
}
