package raft

import (
	"math/rand"
	"time"
)

// Election holds per-term vote state and the bookkeeping needed to
// decide when a new election may safely start (the leader lease /
// pre-vote-like guard from spec §4.7).
type Election struct {
	votedFor      *PeerID
	votesGranted  map[PeerID]bool
	lastLeaderMsg time.Time // zero means "never heard from a leader"

	timer *time.Timer // election timer handle, owned for cancel+rearm
}

// NewElection returns an empty Election (no vote cast, no timer).
// Callers arm the timer separately via Server once the replica enters
// follower or candidate state.
func NewElection() *Election {
	return &Election{}
}

// VotedFor returns the candidate this replica voted for this term, if any.
func (e *Election) VotedFor() (PeerID, bool) {
	if e.votedFor == nil {
		return "", false
	}
	return *e.votedFor, true
}

// VoteFor records a vote.
func (e *Election) VoteFor(candidate PeerID) {
	e.votedFor = &candidate
}

// UpdateForCandidate clears voted_for, then votes for self and resets
// the per-term vote-granted set (self pre-counted).
func (e *Election) UpdateForCandidate(self PeerID) {
	e.votedFor = nil
	e.VoteFor(self)
	e.votesGranted = map[PeerID]bool{self: true}
}

// UpdateForFollower clears the leader-timestamp (so a stale lease is
// not carried into the new role) and the vote-granted set.
func (e *Election) UpdateForFollower() {
	e.lastLeaderMsg = time.Time{}
	e.votesGranted = nil
}

// GainVote records a granted vote from "from" and reports whether a
// majority of the current voting membership (self implicit) has now
// granted a vote.
func (e *Election) GainVote(members *Members, from PeerID) bool {
	if e.votesGranted == nil {
		e.votesGranted = map[PeerID]bool{members.Self(): true}
	}
	e.votesGranted[from] = true
	return len(e.votesGranted) >= members.Quorum()
}

// RecordLeaderMessage timestamps a valid message from the current leader.
func (e *Election) RecordLeaderMessage(now time.Time) {
	e.lastLeaderMsg = now
}

// MinimumTimeoutElapsedSinceLastLeaderMessage is true iff at least
// election_timeout has elapsed since the last leader message (or none
// was ever received). Used to decide whether RequestVote may be
// granted during what would otherwise be a valid lease.
func (e *Election) MinimumTimeoutElapsedSinceLastLeaderMessage(cfg *Config, now time.Time) bool {
	if e.lastLeaderMsg.IsZero() {
		return true
	}
	return now.Sub(e.lastLeaderMsg) >= cfg.ElectionTimeout
}

// RandomElectionTimeout draws a duration uniformly from
// [election_timeout, 2*election_timeout).
func (e *Election) RandomElectionTimeout(cfg *Config) time.Duration {
	base := cfg.ElectionTimeout
	return base + time.Duration(rand.Int63n(int64(base)))
}

// ArmTimer installs t as the election timer handle, stopping any
// previous one first (rearm cancels the pending fire).
func (e *Election) ArmTimer(t *time.Timer) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = t
}

// StopTimer cancels the election timer, e.g. on becoming leader.
func (e *Election) StopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
