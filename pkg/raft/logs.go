package raft

// Logs holds the replicated log: a retained window of entries, the
// (term,index) of the last committed entry, and, for a leader, the
// per-follower next_index/match_index used to drive replication.
//
// Entries older than the retained window (commit point minus
// maxRetainedCommittedLogs) are discarded; a follower whose
// next_index precedes the window must be caught up via
// InstallSnapshot instead of AppendEntries.
type Logs struct {
	maxRetainedCommittedLogs int

	entries       []LogEntry // entries[i].Index == firstIndex + i
	firstIndex    LogIndex   // index of entries[0], or lastCommittedIndex+1 when empty
	precedingTerm TermNumber // term of the (possibly compacted) entry at firstIndex-1

	lastCommittedIndex LogIndex
	lastCommittedTerm  TermNumber

	nextIndex  map[PeerID]LogIndex
	matchIndex map[PeerID]LogIndex
}

// NewLogs returns an empty log retaining at most maxRetainedCommittedLogs
// committed entries past the commit point.
func NewLogs(maxRetainedCommittedLogs int) *Logs {
	return &Logs{
		maxRetainedCommittedLogs: maxRetainedCommittedLogs,
		firstIndex:               1,
		nextIndex:                make(map[PeerID]LogIndex),
		matchIndex:               make(map[PeerID]LogIndex),
	}
}

func (l *Logs) entryAt(index LogIndex) (LogEntry, bool) {
	if index < l.firstIndex {
		return LogEntry{}, false
	}
	i := int(index - l.firstIndex)
	if i >= len(l.entries) {
		return LogEntry{}, false
	}
	return l.entries[i], true
}

func (l *Logs) termAt(index LogIndex) (TermNumber, bool) {
	if index == 0 {
		return 0, true
	}
	if index == l.firstIndex-1 {
		return l.precedingTerm, true
	}
	e, ok := l.entryAt(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

func (l *Logs) lastIndex() LogIndex {
	if len(l.entries) == 0 {
		return l.firstIndex - 1
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *Logs) lastTerm() TermNumber {
	if len(l.entries) == 0 {
		return l.precedingTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// LastIndex returns the index of the newest entry, committed or not.
func (l *Logs) LastIndex() LogIndex { return l.lastIndex() }

// LastLog returns the (term,index) of the newest entry, committed or not.
func (l *Logs) LastLog() PrevLog {
	return PrevLog{Term: l.lastTerm(), Index: l.lastIndex()}
}

// LastEntry returns the newest entry including uncommitted ones. Its
// zero value (Index 0) means the log is completely empty.
func (l *Logs) LastEntry() LogEntry {
	if len(l.entries) == 0 {
		return LogEntry{Term: l.precedingTerm, Index: l.firstIndex - 1}
	}
	return l.entries[len(l.entries)-1]
}

// LastCommittedEntry returns the newest committed entry. If it has
// been compacted out of the retained window, only Term/Index survive.
func (l *Logs) LastCommittedEntry() LogEntry {
	if e, ok := l.entryAt(l.lastCommittedIndex); ok {
		return e
	}
	return LogEntry{Term: l.lastCommittedTerm, Index: l.lastCommittedIndex}
}

// CommitIndex returns the current commit index.
func (l *Logs) CommitIndex() LogIndex { return l.lastCommittedIndex }

// ContainGivenPrevLog reports whether index==0 or the log holds an
// entry at index whose term matches.
func (l *Logs) ContainGivenPrevLog(term TermNumber, index LogIndex) bool {
	if index == 0 {
		return true
	}
	t, ok := l.termAt(index)
	return ok && t == term
}

// CandidateLogUpToDate reports whether candidate is at least as
// up-to-date as this log, per Raft §5.4.1: compare (term,index)
// lexicographically.
func (l *Logs) CandidateLogUpToDate(candidate PrevLog) bool {
	our := l.LastLog()
	if candidate.Term != our.Term {
		return candidate.Term > our.Term
	}
	return candidate.Index >= our.Index
}

// AppendEntries is the follower-side log-matching algorithm: truncate
// on term mismatch, append the new tail, advance the commit index to
// min(leaderCommit, lastIndexAfterAppend), and return the newly
// committed-but-not-yet-applied entries in ascending order. If
// truncation removes the pending membership-change entry, members'
// uncommitted change is cleared.
func (l *Logs) AppendEntries(members *Members, entries []LogEntry, leaderCommit LogIndex) []LogEntry {
	for _, e := range entries {
		existingTerm, ok := l.termAt(e.Index)
		if ok && e.Index >= l.firstIndex && existingTerm != e.Term {
			l.truncateFrom(members, e.Index)
		}
		if e.Index > l.lastIndex() {
			l.entries = append(l.entries, e)
			l.adoptMembershipEffect(members, e)
		}
	}

	oldCommit := l.lastCommittedIndex
	newCommit := leaderCommit
	if last := l.lastIndex(); newCommit > last {
		newCommit = last
	}
	if newCommit > oldCommit {
		l.lastCommittedIndex = newCommit
		if t, ok := l.termAt(newCommit); ok {
			l.lastCommittedTerm = t
		}
	}

	applicable := l.applicableSince(oldCommit)
	l.compact()
	return applicable
}

// truncateFrom drops every retained entry with Index >= from. Any
// add_follower/remove_follower entries among the discarded ones have
// their immediate voting-set effect undone (the mirror image of
// adoptMembershipEffect), and if the pending membership-change entry
// falls in the truncated range, it is cleared from members too.
func (l *Logs) truncateFrom(members *Members, from LogIndex) {
	var truncated []LogEntry
	if from < l.firstIndex {
		truncated = l.entries
		l.entries = nil
	} else {
		i := int(from - l.firstIndex)
		if i < len(l.entries) {
			truncated = l.entries[i:]
			l.entries = l.entries[:i]
		}
	}
	l.revertMembershipEffects(members, truncated)
	if change, ok := members.UncommittedChange(); ok && change.Index >= from {
		members.ClearUncommittedChange()
	}
}

// adoptMembershipEffect mutates the voting set as a membership-change
// entry enters the log, matching the leader's own immediate-effect
// semantics at propose time (Members.StartAddingFollower /
// StartRemovingFollower).
func (l *Logs) adoptMembershipEffect(members *Members, e LogEntry) {
	payload, err := e.DecodePayload()
	if err != nil {
		return
	}
	switch e.Kind {
	case KindAddFollower:
		members.ApplyAddToSet(payload.(MembershipPayload).Peer)
	case KindRemoveFollower:
		members.ApplyRemoveFromSet(payload.(MembershipPayload).Peer)
	}
}

// revertMembershipEffects undoes adoptMembershipEffect for entries
// that are being truncated away before they ever committed.
func (l *Logs) revertMembershipEffects(members *Members, entries []LogEntry) {
	for _, e := range entries {
		payload, err := e.DecodePayload()
		if err != nil {
			continue
		}
		switch e.Kind {
		case KindAddFollower:
			members.ApplyRemoveFromSet(payload.(MembershipPayload).Peer)
		case KindRemoveFollower:
			members.ApplyAddToSet(payload.(MembershipPayload).Peer)
		}
	}
}

func (l *Logs) applicableSince(oldCommit LogIndex) []LogEntry {
	var out []LogEntry
	for idx := oldCommit + 1; idx <= l.lastCommittedIndex; idx++ {
		if e, ok := l.entryAt(idx); ok {
			out = append(out, e)
		}
	}
	return out
}

// compact drops retained committed entries past maxRetainedCommittedLogs.
func (l *Logs) compact() {
	if l.maxRetainedCommittedLogs < 0 {
		return
	}
	if l.lastCommittedIndex <= LogIndex(l.maxRetainedCommittedLogs) {
		return
	}
	keepFrom := l.lastCommittedIndex - LogIndex(l.maxRetainedCommittedLogs)
	if keepFrom <= l.firstIndex {
		return
	}
	if keepFrom > l.lastIndex()+1 {
		keepFrom = l.lastIndex() + 1
	}
	t, ok := l.termAt(keepFrom - 1)
	if !ok {
		return
	}
	i := int(keepFrom - l.firstIndex)
	if i < 0 {
		i = 0
	}
	if i > len(l.entries) {
		i = len(l.entries)
	}
	l.entries = l.entries[i:]
	l.firstIndex = keepFrom
	l.precedingTerm = t
}

// AddEntry appends one leader-authored entry at lastIndex()+1.
func (l *Logs) AddEntry(build func(index LogIndex) LogEntry) LogEntry {
	e := build(l.lastIndex() + 1)
	l.entries = append(l.entries, e)
	return e
}

// ElectedLeader appends a leader_elected entry and (re)initializes
// per-follower next_index/match_index for every other voting member.
func (l *Logs) ElectedLeader(members *Members, term TermNumber) (LogEntry, error) {
	e := l.AddEntry(func(index LogIndex) LogEntry {
		entry, err := NewLeaderElectedEntry(term, index, LeaderElectedPayload{Leader: members.Self()})
		if err != nil {
			panic(err) // encoding a small struct cannot fail
		}
		return entry
	})
	l.nextIndex = make(map[PeerID]LogIndex)
	l.matchIndex = make(map[PeerID]LogIndex)
	for _, p := range members.OtherMembers() {
		l.nextIndex[p] = l.lastIndex() + 1
		l.matchIndex[p] = 0
	}
	return e, nil
}

// PrepareToAddFollower appends an add_follower entry. Fails if another
// uncommitted membership change is already pending.
func (l *Logs) PrepareToAddFollower(members *Members, term TermNumber, peer PeerID) (LogEntry, error) {
	if _, pending := members.UncommittedChange(); pending {
		return LogEntry{}, ErrUncommittedMembership
	}
	e := l.AddEntry(func(index LogIndex) LogEntry {
		entry, err := NewAddFollowerEntry(term, index, MembershipPayload{Peer: peer})
		if err != nil {
			panic(err)
		}
		return entry
	})
	l.nextIndex[peer] = l.lastIndex() + 1
	l.matchIndex[peer] = 0
	return e, nil
}

// PrepareToRemoveFollower appends a remove_follower entry. Fails if
// another uncommitted membership change is already pending.
func (l *Logs) PrepareToRemoveFollower(members *Members, term TermNumber, peer PeerID) (LogEntry, error) {
	if _, pending := members.UncommittedChange(); pending {
		return LogEntry{}, ErrUncommittedMembership
	}
	e := l.AddEntry(func(index LogIndex) LogEntry {
		entry, err := NewRemoveFollowerEntry(term, index, MembershipPayload{Peer: peer})
		if err != nil {
			panic(err)
		}
		return entry
	})
	return e, nil
}

// SetFollowerIndex raises match_index[from] monotonically and advances
// the commit index to the highest N such that the entry at N was
// written in the current term and a majority of the full voting
// membership (self implicit) has match_index >= N. Returns the newly
// applicable entries.
func (l *Logs) SetFollowerIndex(members *Members, term TermNumber, from PeerID, iReplicated LogIndex) []LogEntry {
	if iReplicated > l.matchIndex[from] {
		l.matchIndex[from] = iReplicated
	}
	if n, ok := l.nextIndex[from]; !ok || iReplicated+1 > n {
		l.nextIndex[from] = iReplicated + 1
	}

	quorum := members.Quorum()
	oldCommit := l.lastCommittedIndex
	best := oldCommit
	for n := l.lastIndex(); n > oldCommit; n-- {
		t, ok := l.termAt(n)
		if !ok || t != term {
			continue
		}
		count := 1 // self
		for _, p := range members.OtherMembers() {
			if l.matchIndex[p] >= n {
				count++
			}
		}
		if count >= quorum {
			best = n
			break
		}
	}
	if best > oldCommit {
		l.lastCommittedIndex = best
		if t, ok := l.termAt(best); ok {
			l.lastCommittedTerm = t
		}
	}
	applicable := l.applicableSince(oldCommit)
	l.compact()
	return applicable
}

// DecrementNextIndexOfFollower decrements next_index[from], floored at 1.
func (l *Logs) DecrementNextIndexOfFollower(from PeerID) {
	if n := l.nextIndex[from]; n > 1 {
		l.nextIndex[from] = n - 1
	} else {
		l.nextIndex[from] = 1
	}
}

// CommitToLatest is used by a lonely leader (no other voting members):
// commit straight up to the last log index.
func (l *Logs) CommitToLatest() []LogEntry {
	oldCommit := l.lastCommittedIndex
	last := l.lastIndex()
	if last > oldCommit {
		l.lastCommittedIndex = last
		l.lastCommittedTerm = l.lastTerm()
	}
	applicable := l.applicableSince(oldCommit)
	l.compact()
	return applicable
}

// MakeAppendEntriesReq builds the AppendEntries request for follower,
// or reports tooOld=true when the caller should send InstallSnapshot
// instead (and reset next_index[follower] to commitIndex+1). Returns
// ErrUnknownFollower if follower has already been removed.
func (l *Logs) MakeAppendEntriesReq(members *Members, term TermNumber, follower PeerID) (req AppendEntriesRequest, tooOld bool, err error) {
	next, known := l.nextIndex[follower]
	if !known {
		return AppendEntriesRequest{}, false, ErrUnknownFollower
	}
	if next < l.firstIndex {
		return AppendEntriesRequest{}, true, nil
	}
	prevIndex := next - 1
	prevTerm, ok := l.termAt(prevIndex)
	if !ok {
		return AppendEntriesRequest{}, true, nil
	}
	var entries []LogEntry
	for idx := next; idx <= l.lastIndex(); idx++ {
		e, ok := l.entryAt(idx)
		if !ok {
			return AppendEntriesRequest{}, true, nil
		}
		entries = append(entries, e)
	}
	return AppendEntriesRequest{
		Term:         term,
		LeaderID:     members.Self(),
		PrevLog:      PrevLog{Term: prevTerm, Index: prevIndex},
		Entries:      entries,
		LeaderCommit: l.lastCommittedIndex,
	}, false, nil
}

// ResetFollowerAfterSnapshot sets next_index[follower] to
// commitIndex+1 after an InstallSnapshot has been sent.
func (l *Logs) ResetFollowerAfterSnapshot(follower PeerID) {
	l.nextIndex[follower] = l.lastCommittedIndex + 1
	l.matchIndex[follower] = l.lastCommittedIndex
}

// RemoveFollowerTracking drops next_index/match_index bookkeeping for
// a removed peer.
func (l *Logs) RemoveFollowerTracking(peer PeerID) {
	delete(l.nextIndex, peer)
	delete(l.matchIndex, peer)
}

// MatchIndex returns the leader's view of a follower's match index.
func (l *Logs) MatchIndex(peer PeerID) LogIndex { return l.matchIndex[peer] }

// Entries returns the retained window, oldest first. For tests/snapshotting.
func (l *Logs) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// RestoreFromSnapshot resets the log to start right after a snapshot's
// last included entry, discarding everything retained so far.
func (l *Logs) RestoreFromSnapshot(lastIncluded LogEntry) {
	l.entries = nil
	l.firstIndex = lastIncluded.Index + 1
	l.precedingTerm = lastIncluded.Term
	l.lastCommittedIndex = lastIncluded.Index
	l.lastCommittedTerm = lastIncluded.Term
}
