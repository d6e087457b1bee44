package raft

// Members tracks the voting set, the current leader pointer, and the
// single in-flight membership change / leader-replacement target.
type Members struct {
	self PeerID
	set  map[PeerID]bool

	leader PeerID // "" when unknown

	uncommittedChange      *MembershipChange
	pendingLeaderChange    PeerID
	hasPendingLeaderChange bool
}

// MembershipChange records the single in-flight add/remove entry.
type MembershipChange struct {
	Index  LogIndex
	Adding bool // true = add_follower, false = remove_follower
	Peer   PeerID
}

// NewForLonelyLeader initializes members = {self}, leader = self.
func NewForLonelyLeader(self PeerID) *Members {
	m := &Members{self: self, set: map[PeerID]bool{self: true}}
	m.leader = self
	return m
}

// NewForFollower initializes an empty voting set containing at least
// self; the real set arrives via InstallSnapshot or AppendEntries
// membership entries.
func NewForFollower(self PeerID, initial []PeerID) *Members {
	m := &Members{self: self, set: make(map[PeerID]bool)}
	m.set[self] = true
	for _, p := range initial {
		m.set[p] = true
	}
	return m
}

// PutLeader sets (or clears, with "") the known leader.
func (m *Members) PutLeader(p PeerID) { m.leader = p }

// Leader returns the known leader, or "" if unknown.
func (m *Members) Leader() PeerID { return m.leader }

// Self returns this replica's identity.
func (m *Members) Self() PeerID { return m.self }

// All returns every voting member including self.
func (m *Members) All() []PeerID {
	out := make([]PeerID, 0, len(m.set))
	for p := range m.set {
		out = append(out, p)
	}
	return out
}

// OtherMembers excludes self.
func (m *Members) OtherMembers() []PeerID {
	out := make([]PeerID, 0, len(m.set))
	for p := range m.set {
		if p != m.self {
			out = append(out, p)
		}
	}
	return out
}

// Contains reports whether p is a current voting member.
func (m *Members) Contains(p PeerID) bool { return m.set[p] }

// Count returns the size of the voting set.
func (m *Members) Count() int { return len(m.set) }

// Quorum returns strictly more than half of the current voting set.
func (m *Members) Quorum() int { return len(m.set)/2 + 1 }

// UncommittedChange returns the in-flight membership change, if any.
func (m *Members) UncommittedChange() (MembershipChange, bool) {
	if m.uncommittedChange == nil {
		return MembershipChange{}, false
	}
	return *m.uncommittedChange, true
}

// StartAddingFollower adopts entry as the pending add, and makes the
// peer a voting member immediately (Raft single-server change: the
// new configuration takes effect as soon as its entry is in the log).
// Fails with ErrUncommittedMembership if one is already pending.
func (m *Members) StartAddingFollower(index LogIndex, peer PeerID) error {
	if m.uncommittedChange != nil {
		return ErrUncommittedMembership
	}
	m.uncommittedChange = &MembershipChange{Index: index, Adding: true, Peer: peer}
	m.ApplyAddToSet(peer)
	return nil
}

// StartRemovingFollower adopts entry as the pending remove, and drops
// the peer from the voting set immediately.
func (m *Members) StartRemovingFollower(index LogIndex, peer PeerID) error {
	if m.uncommittedChange != nil {
		return ErrUncommittedMembership
	}
	m.uncommittedChange = &MembershipChange{Index: index, Adding: false, Peer: peer}
	m.ApplyRemoveFromSet(peer)
	return nil
}

// ApplyAddToSet makes peer a voting member immediately. The leader
// calls this itself from StartAddingFollower at propose time; a
// follower calls it as soon as the add_follower entry reaches its log
// via Logs.AppendEntries, so every replica's voting set (and the
// quorum size it computes) tracks the new configuration the instant
// the entry is appended rather than waiting for it to commit.
func (m *Members) ApplyAddToSet(peer PeerID) { m.set[peer] = true }

// ApplyRemoveFromSet drops peer from the voting set immediately, the
// removal counterpart of ApplyAddToSet.
func (m *Members) ApplyRemoveFromSet(peer PeerID) { delete(m.set, peer) }

// MembershipChangeCommitted clears the pending entry if it matches index.
func (m *Members) MembershipChangeCommitted(index LogIndex) {
	if m.uncommittedChange != nil && m.uncommittedChange.Index == index {
		m.uncommittedChange = nil
	}
}

// ClearUncommittedChange discards the pending entry unconditionally
// (used when the log is truncated past it).
func (m *Members) ClearUncommittedChange() {
	m.uncommittedChange = nil
}

// StartReplacingLeader sets/clears pending_leader_change. newLeader =
// "" clears it. Requires newLeader to be a current voting member.
func (m *Members) StartReplacingLeader(newLeader PeerID) error {
	if newLeader == "" {
		m.hasPendingLeaderChange = false
		m.pendingLeaderChange = ""
		return nil
	}
	if !m.set[newLeader] {
		return ErrUnknownFollower
	}
	m.pendingLeaderChange = newLeader
	m.hasPendingLeaderChange = true
	return nil
}

// PendingLeaderChange returns the target of an in-flight leader
// replacement, if any.
func (m *Members) PendingLeaderChange() (PeerID, bool) {
	return m.pendingLeaderChange, m.hasPendingLeaderChange
}
