package raft

import "encoding/gob"

// Wire messages, all implicitly carrying a term via their Term field,
// per spec §6.

func init() {
	gob.Register(AppendEntriesRequest{})
	gob.Register(AppendEntriesResponse{})
	gob.Register(RequestVoteRequest{})
	gob.Register(RequestVoteResponse{})
	gob.Register(InstallSnapshot{})
	gob.Register(TimeoutNow{})
	gob.Register(RemoveFollowerCompleted{})
}

type PrevLog struct {
	Term  TermNumber
	Index LogIndex
}

type AppendEntriesRequest struct {
	Term         TermNumber
	LeaderID     PeerID
	PrevLog      PrevLog
	Entries      []LogEntry
	LeaderCommit LogIndex
}

type AppendEntriesResponse struct {
	From         PeerID
	Term         TermNumber
	Success      bool
	IReplicated  LogIndex // only meaningful when Success
}

type RequestVoteRequest struct {
	Term            TermNumber
	CandidateID     PeerID
	LastLog         PrevLog
	ReplacingLeader bool
}

type RequestVoteResponse struct {
	From        PeerID
	Term        TermNumber
	VoteGranted bool
}

// InstallSnapshot is the bulk state transfer used for a new member
// joining or a follower that has fallen behind the retained window.
type InstallSnapshot struct {
	LeaderID            PeerID
	Members             []PeerID
	Term                TermNumber
	LastCommittedEntry  LogEntry
	Data                interface{} // opaque DataOps state
	CommandResults      map[string][]byte
	Config              ConfigPatch
}

// RemoveFollowerCompleted notifies a removed peer that its removal has
// committed, so it can stop participating (spec §4.7 Follower behavior:
// follower | remove_follower_completed -> terminated).
type RemoveFollowerCompleted struct{}

// TimeoutNow instructs a follower to immediately start a
// replacing-leader election, piggybacking the latest AppendEntries the
// leader would otherwise have sent.
type TimeoutNow struct {
	AppendEntriesReq AppendEntriesRequest
}
