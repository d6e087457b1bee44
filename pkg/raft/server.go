package raft

import (
	"errors"
	"time"
)

// cannotReachQuorumFactor is how many election timeouts a leader will
// tolerate without refreshing its quorum timestamp before stepping
// down (spec transition: "leader | cannot_reach_quorum -> follower").
const cannotReachQuorumFactor = 2

// Status is the reply to the synchronous "status" client request.
type Status struct {
	From                  PeerID
	Members               []PeerID
	Leader                PeerID
	UnresponsiveFollowers []PeerID
	CurrentTerm           TermNumber
	StateName             string
	Config                ConfigPatch
	LastApplied           LogIndex
}

// Server is the per-replica role state machine orchestrating Logs,
// Members, Election, Leadership and CommandResults. It is a
// single-threaded cooperative state machine (spec §5): every public
// entry point hands a closure to the loop goroutine and nothing ever
// mutates Server state from any other goroutine.
type Server struct {
	cfg *Config

	role        Role
	currentTerm TermNumber
	election    *Election
	leadership  *Leadership // non-nil only while role == RoleLeader
	members     *Members
	logs        *Logs
	results     *CommandResults
	data        interface{}
	lastApplied LogIndex

	replacingLeader bool // this replica is a candidate because of TimeoutNow

	electionGen int // bumped on every (re)arm, to drop stale timer fires

	inCh   chan func()
	stopCh chan struct{}

	terminated bool
}

func newServer(cfg *Config) *Server {
	return &Server{
		cfg:      cfg,
		election: NewElection(),
		logs:     NewLogs(cfg.MaxRetainedCommittedLogs),
		results:  NewCommandResults(),
		data:     cfg.DataOps.New(),
		inCh:     make(chan func(), 64),
		stopCh:   make(chan struct{}),
	}
}

// NewLonelyLeader boots a brand-new single-member consensus group with
// this replica as leader at term 0 (spec §6 create_new_consensus_group).
func NewLonelyLeader(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := newServer(cfg)
	s.members = NewForLonelyLeader(cfg.Self)
	s.bootLonelyLeader()
	return s, nil
}

// JoinAttempt is how JoinExistingConsensusGroup asks a transport to
// perform the add_follower RPC against target. err should wrap
// *NotLeaderError (with Leader set) on redirect, or ErrNoProc if
// target could not be reached at all.
type JoinAttempt func(target PeerID) (snapshot InstallSnapshot, err error)

// JoinExistingConsensusGroup implements spec §6's join_existing_consensus_group:
// send {:add_follower, self} to peers in turn, retrying a redirected
// leader first, skipping unreachable peers on noproc, failing once the
// list is exhausted.
func JoinExistingConsensusGroup(cfg *Config, peers []PeerID, attempt JoinAttempt) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, ErrEmptyPeerList
	}

	queue := append([]PeerID{}, peers...)
	tried := make(map[PeerID]bool)

	for len(queue) > 0 {
		target := queue[0]
		queue = queue[1:]
		if tried[target] {
			continue
		}
		tried[target] = true

		snap, err := attempt(target)
		if err == nil {
			return newFollowerFromSnapshot(cfg, snap)
		}

		var nle *NotLeaderError
		if errors.As(err, &nle) && nle.Leader != "" && !tried[nle.Leader] {
			queue = append([]PeerID{nle.Leader}, queue...)
			continue
		}
		// ErrNoProc, or any other failure: try the next candidate.
	}
	return nil, ErrEmptyPeerList
}

func newFollowerFromSnapshot(cfg *Config, snap InstallSnapshot) (*Server, error) {
	s := newServer(cfg)
	s.members = NewForFollower(cfg.Self, snap.Members)
	s.installSnapshotLocked(snap)
	s.role = RoleFollower
	return s, nil
}

// Run starts the event loop in its own goroutine and arms the initial
// election timer if this replica begins as a follower, or the heartbeat
// timer if it begins as leader.
func (s *Server) Run() {
	go s.loop()
	if s.role == RoleFollower {
		s.send(func() { s.armElectionTimer() })
	}
	if s.role == RoleLeader {
		s.send(func() { s.armHeartbeatTimer() })
	}
}

func (s *Server) loop() {
	for {
		select {
		case <-s.stopCh:
			return
		case f := <-s.inCh:
			f()
			if s.terminated {
				return
			}
		}
	}
}

// send delivers f to the loop, but never blocks past shutdown (timer
// fires arriving after Stop must not leak a goroutine).
func (s *Server) send(f func()) {
	select {
	case s.inCh <- f:
	case <-s.stopCh:
	}
}

// Stop halts the event loop and cancels all timers.
func (s *Server) Stop() {
	select {
	case <-s.stopCh:
		return // already stopped
	default:
	}
	s.send(func() {
		s.election.StopTimer()
		if s.leadership != nil {
			s.leadership.StopTimers()
		}
	})
	close(s.stopCh)
}

// call runs f inside the event loop and returns its result
// synchronously (spec §6's synchronous client requests).
func (s *Server) call(f func() (interface{}, error)) (interface{}, error) {
	type result struct {
		v   interface{}
		err error
	}
	rc := make(chan result, 1)
	s.send(func() {
		v, err := f()
		rc <- result{v, err}
	})
	select {
	case r := <-rc:
		return r.v, r.err
	case <-s.stopCh:
		return nil, errors.New("raft: server stopped")
	}
}

// Deliver feeds one inbound wire message (request or response) to the
// FSM. It never blocks on anything except handing off to the loop.
func (s *Server) Deliver(msg interface{}) {
	s.send(func() { s.dispatch(msg) })
}

func (s *Server) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case AppendEntriesRequest:
		s.handleAppendEntries(m)
	case AppendEntriesResponse:
		s.handleAppendEntriesResponse(m)
	case RequestVoteRequest:
		s.handleRequestVote(m)
	case RequestVoteResponse:
		s.handleRequestVoteResponse(m)
	case InstallSnapshot:
		s.handleInstallSnapshot(m)
	case TimeoutNow:
		s.handleTimeoutNow(m)
	case RemoveFollowerCompleted:
		s.terminate()
	default:
		s.cfg.Logger.Printf("raft[%s]: dropping unknown message type %T", s.cfg.Self, msg)
	}
}

// ---- timers ----

func (s *Server) armElectionTimer() {
	s.election.StopTimer()
	s.electionGen++
	gen := s.electionGen
	d := s.election.RandomElectionTimeout(s.cfg)
	s.election.ArmTimer(time.AfterFunc(d, func() {
		s.send(func() { s.onElectionTimeout(gen) })
	}))
}

func (s *Server) armHeartbeatTimer() {
	if s.leadership == nil {
		return
	}
	d := s.cfg.HeartbeatTimeout
	s.leadership.ArmHeartbeatTimer(time.AfterFunc(d, func() {
		s.send(func() { s.onHeartbeatTimeout() })
	}))
}

func (s *Server) onElectionTimeout(gen int) {
	if gen != s.electionGen {
		return // stale fire from a timer that was already rearmed
	}
	switch s.role {
	case RoleFollower, RoleCandidate:
		s.becomeCandidate(false)
	case RoleLeader:
		// leader never keeps an election timer armed; ignore.
	}
}

func (s *Server) onHeartbeatTimeout() {
	if s.role != RoleLeader {
		return
	}
	now := time.Now()
	if s.members.Count() > 1 && s.leadership.CannotReachQuorum(s.cfg, now, cannotReachQuorumFactor) {
		s.stepDownToFollower()
		return
	}
	if s.members.Count() == 1 {
		s.applyEntries(s.logs.CommitToLatest())
	} else {
		s.broadcastAppendEntries()
	}
	s.armHeartbeatTimer()
}

// ---- role transitions ----

// stepDownIfNewerTerm implements "any RPC with term > current_term ->
// follower (term <- rpc.term, voted_for <- nil) then reprocess RPC".
func (s *Server) stepDownIfNewerTerm(term TermNumber) {
	if term <= s.currentTerm {
		return
	}
	s.currentTerm = term
	s.election = NewElection()
	s.replacingLeader = false
	wasLeaderOrCandidate := s.role != RoleFollower
	if s.leadership != nil {
		s.leadership.StopTimers()
		s.leadership = nil
	}
	s.role = RoleFollower
	if wasLeaderOrCandidate {
		s.armElectionTimer()
	}
}

func (s *Server) stepDownToFollower() {
	if s.leadership != nil {
		s.leadership.StopTimers()
		s.leadership = nil
	}
	s.role = RoleFollower
	s.members.PutLeader("")
	s.election.UpdateForFollower()
	s.armElectionTimer()
}

func (s *Server) becomeCandidate(replacingLeader bool) {
	s.role = RoleCandidate
	s.currentTerm++
	s.election.UpdateForCandidate(s.cfg.Self)
	s.replacingLeader = replacingLeader
	s.armElectionTimer()
	s.persist()

	if len(s.election.votesGranted) >= s.members.Quorum() {
		// lonely candidate: self-vote already constitutes a majority.
		s.becomeLeader()
		return
	}
	s.broadcastRequestVote()
}

func (s *Server) broadcastRequestVote() {
	last := s.logs.LastLog()
	req := RequestVoteRequest{
		Term:            s.currentTerm,
		CandidateID:     s.cfg.Self,
		LastLog:         last,
		ReplacingLeader: s.replacingLeader,
	}
	for _, p := range s.members.OtherMembers() {
		s.cfg.Comm.SendEvent(p, req)
	}
}

func (s *Server) becomeLeader() {
	s.election.StopTimer()
	s.role = RoleLeader
	s.leadership = NewLeadership(time.Now())
	s.members.PutLeader(s.cfg.Self)
	s.replacingLeader = false

	s.logs.ElectedLeader(s.members, s.currentTerm)
	s.persist()

	if s.members.Count() == 1 {
		s.applyEntries(s.logs.CommitToLatest())
	}
	s.armHeartbeatTimer()
	s.broadcastAppendEntries()
}

func (s *Server) bootLonelyLeader() {
	s.currentTerm = 0
	s.role = RoleLeader
	s.leadership = NewLeadership(time.Now())
	s.members.PutLeader(s.cfg.Self)
	s.logs.ElectedLeader(s.members, s.currentTerm)
	s.applyEntries(s.logs.CommitToLatest())
}

// persist durably records current_term, voted_for and the log before
// any outbound RPC that depends on them surviving a crash (spec §9
// open question: Config.Persist is the optional decoration point; the
// core itself stays in-memory when it is nil).
func (s *Server) persist() {
	if s.cfg.Persist == nil {
		return
	}
	votedFor, _ := s.election.VotedFor()
	if err := s.cfg.Persist.Persist(s.currentTerm, votedFor, s.logs.Entries()); err != nil {
		s.cfg.Logger.Printf("raft[%s]: persist failed: %v", s.cfg.Self, err)
	}
}

func (s *Server) terminate() {
	s.election.StopTimer()
	if s.leadership != nil {
		s.leadership.StopTimers()
	}
	s.terminated = true
}

// ---- peer RPC handlers ----

func (s *Server) handleAppendEntries(req AppendEntriesRequest) {
	if req.Term < s.currentTerm {
		s.cfg.Comm.SendEvent(req.LeaderID, AppendEntriesResponse{
			From: s.cfg.Self, Term: s.currentTerm, Success: false,
		})
		return
	}
	s.stepDownIfNewerTerm(req.Term)
	if s.role == RoleCandidate {
		// candidate | AppendEntriesRequest from current term -> follower
		s.role = RoleFollower
		s.armElectionTimer()
	}
	if s.role == RoleLeader {
		s.cfg.Logger.Printf("raft[%s]: ignoring AppendEntries from %s at our own term %d", s.cfg.Self, req.LeaderID, s.currentTerm)
		return
	}

	s.members.PutLeader(req.LeaderID)
	s.election.RecordLeaderMessage(time.Now())
	s.armElectionTimer()

	if !s.logs.ContainGivenPrevLog(req.PrevLog.Term, req.PrevLog.Index) {
		term := req.Term
		if s.currentTerm > term {
			term = s.currentTerm
		}
		s.cfg.Comm.SendEvent(req.LeaderID, AppendEntriesResponse{
			From: s.cfg.Self, Term: term, Success: false,
		})
		return
	}

	applicable := s.logs.AppendEntries(s.members, req.Entries, req.LeaderCommit)
	s.persist()
	s.applyEntries(applicable)

	s.cfg.Comm.SendEvent(req.LeaderID, AppendEntriesResponse{
		From: s.cfg.Self, Term: s.currentTerm, Success: true, IReplicated: s.logs.LastIndex(),
	})
}

func (s *Server) handleAppendEntriesResponse(resp AppendEntriesResponse) {
	s.stepDownIfNewerTerm(resp.Term)
	if s.role != RoleLeader || resp.Term != s.currentTerm {
		return
	}
	if !resp.Success {
		s.logs.DecrementNextIndexOfFollower(resp.From)
		s.sendAppendEntriesTo(resp.From)
		return
	}

	s.leadership.FollowerResponded(s.members, resp.From, time.Now(), s.cfg)
	applicable := s.logs.SetFollowerIndex(s.members, s.currentTerm, resp.From, resp.IReplicated)
	s.applyEntries(applicable)
	s.maybeHandoffLeadership(resp.From)
}

func (s *Server) handleRequestVote(req RequestVoteRequest) {
	if req.Term < s.currentTerm {
		s.cfg.Comm.SendEvent(req.CandidateID, RequestVoteResponse{
			From: s.cfg.Self, Term: s.currentTerm, VoteGranted: false,
		})
		return
	}
	s.stepDownIfNewerTerm(req.Term)

	grant := false
	votedFor, hasVoted := s.election.VotedFor()
	logUpToDate := s.logs.CandidateLogUpToDate(req.LastLog)
	leaseLapsed := s.leaseExpired(time.Now())

	if (!hasVoted || votedFor == req.CandidateID) && logUpToDate && (req.ReplacingLeader || leaseLapsed) {
		s.election.VoteFor(req.CandidateID)
		s.armElectionTimer()
		s.persist()
		grant = true
	}

	s.cfg.Comm.SendEvent(req.CandidateID, RequestVoteResponse{
		From: s.cfg.Self, Term: s.currentTerm, VoteGranted: grant,
	})
}

func (s *Server) leaseExpired(now time.Time) bool {
	if s.role == RoleLeader {
		return s.leadership.MinimumTimeoutElapsedSinceQuorumResponded(s.cfg, now)
	}
	return s.election.MinimumTimeoutElapsedSinceLastLeaderMessage(s.cfg, now)
}

func (s *Server) handleRequestVoteResponse(resp RequestVoteResponse) {
	s.stepDownIfNewerTerm(resp.Term)
	if s.role != RoleCandidate || resp.Term != s.currentTerm || !resp.VoteGranted {
		return
	}
	if s.election.GainVote(s.members, resp.From) {
		s.becomeLeader()
	}
}

func (s *Server) handleInstallSnapshot(snap InstallSnapshot) {
	if snap.Term < s.currentTerm {
		return
	}
	s.stepDownIfNewerTerm(snap.Term)
	s.installSnapshotLocked(snap)
	s.cfg.Comm.SendEvent(snap.LeaderID, AppendEntriesResponse{
		From: s.cfg.Self, Term: s.currentTerm, Success: true, IReplicated: s.logs.LastIndex(),
	})
}

func (s *Server) installSnapshotLocked(snap InstallSnapshot) {
	s.currentTerm = snap.Term
	if s.members == nil {
		s.members = NewForFollower(s.cfg.Self, snap.Members)
	} else {
		s.members = NewForFollower(s.cfg.Self, snap.Members)
	}
	s.cfg.applyPatch(snap.Config)
	s.logs = NewLogs(s.cfg.MaxRetainedCommittedLogs)
	s.logs.RestoreFromSnapshot(snap.LastCommittedEntry)
	s.data = snap.Data
	s.lastApplied = snap.LastCommittedEntry.Index
	s.results.Restore(snap.CommandResults)
}

func (s *Server) handleTimeoutNow(req TimeoutNow) {
	success := s.processAppendEntriesForHandoff(req.AppendEntriesReq)
	if success {
		s.becomeCandidate(true)
	}
}

// processAppendEntriesForHandoff applies the piggybacked AppendEntries
// without sending a reply (this replica is about to become a
// candidate regardless of outcome tracking by the old leader).
func (s *Server) processAppendEntriesForHandoff(req AppendEntriesRequest) bool {
	s.stepDownIfNewerTerm(req.Term)
	if req.Term < s.currentTerm {
		return false
	}
	if !s.logs.ContainGivenPrevLog(req.PrevLog.Term, req.PrevLog.Index) {
		return false
	}
	applicable := s.logs.AppendEntries(s.members, req.Entries, req.LeaderCommit)
	s.applyEntries(applicable)
	return true
}

// ---- leader client-facing operations ----

func (s *Server) notLeaderErr() error {
	return &NotLeaderError{Leader: s.members.Leader()}
}

// SubmitCommand enqueues a linearizable command. The eventual result
// is delivered via Config.Comm.Reply(client, result), not the return
// value here (spec §5: the call blocks only until the state change is
// enqueued).
func (s *Server) SubmitCommand(client ClientHandle, arg []byte, id string) error {
	_, err := s.call(func() (interface{}, error) {
		if s.role != RoleLeader {
			return nil, s.notLeaderErr()
		}
		entry, err := NewCommandEntry(s.currentTerm, 0, CommandPayload{Client: client, Arg: arg, ID: id})
		if err != nil {
			return nil, err
		}
		s.logs.AddEntry(func(index LogIndex) LogEntry { entry.Index = index; return entry })
		s.commitSoloOrBroadcast()
		return nil, nil
	})
	return err
}

// SubmitQuery enqueues or immediately answers (lease fast path) a query.
func (s *Server) SubmitQuery(client ClientHandle, arg []byte) error {
	_, err := s.call(func() (interface{}, error) {
		if s.role != RoleLeader {
			return nil, s.notLeaderErr()
		}
		if !s.leadership.MinimumTimeoutElapsedSinceQuorumResponded(s.cfg, time.Now()) {
			result := s.cfg.DataOps.Query(s.data, arg)
			s.cfg.Comm.Reply(client, result)
			s.safeHook(func() { s.cfg.LeaderHook.OnQueryAnswered(arg, result) })
			return nil, nil
		}
		entry, err := NewQueryEntry(s.currentTerm, 0, QueryPayload{Client: client, Arg: arg})
		if err != nil {
			return nil, err
		}
		s.logs.AddEntry(func(index LogIndex) LogEntry { entry.Index = index; return entry })
		s.commitSoloOrBroadcast()
		return nil, nil
	})
	return err
}

// SubmitChangeConfig enqueues a configuration change, applied on commit.
func (s *Server) SubmitChangeConfig(patch ConfigPatch) error {
	_, err := s.call(func() (interface{}, error) {
		if s.role != RoleLeader {
			return nil, s.notLeaderErr()
		}
		entry, err := NewChangeConfigEntry(s.currentTerm, 0, patch)
		if err != nil {
			return nil, err
		}
		s.logs.AddEntry(func(index LogIndex) LogEntry { entry.Index = index; return entry })
		s.commitSoloOrBroadcast()
		return nil, nil
	})
	return err
}

// SubmitAddFollower proposes adding peer and returns the InstallSnapshot
// the new member should bootstrap from.
func (s *Server) SubmitAddFollower(peer PeerID) (InstallSnapshot, error) {
	v, err := s.call(func() (interface{}, error) {
		if s.role != RoleLeader {
			return InstallSnapshot{}, s.notLeaderErr()
		}
		entry, err := s.logs.PrepareToAddFollower(s.members, s.currentTerm, peer)
		if err != nil {
			return InstallSnapshot{}, err
		}
		if err := s.members.StartAddingFollower(entry.Index, peer); err != nil {
			return InstallSnapshot{}, err
		}
		snap := InstallSnapshot{
			LeaderID:           s.cfg.Self,
			Members:            s.members.All(),
			Term:               s.currentTerm,
			LastCommittedEntry: s.logs.LastCommittedEntry(),
			Data:               s.data,
			CommandResults:     s.results.Snapshot(),
			Config:             s.cfg.toPatch(),
		}
		s.commitSoloOrBroadcast()
		return snap, nil
	})
	if err != nil {
		return InstallSnapshot{}, err
	}
	return v.(InstallSnapshot), nil
}

// SubmitRemoveFollower proposes removing peer.
func (s *Server) SubmitRemoveFollower(peer PeerID) error {
	_, err := s.call(func() (interface{}, error) {
		if s.role != RoleLeader {
			return nil, s.notLeaderErr()
		}
		if !s.leadership.CanSafelyRemove(s.members, peer, s.cfg, time.Now()) {
			return nil, ErrWillBreakQuorum
		}
		entry, err := s.logs.PrepareToRemoveFollower(s.members, s.currentTerm, peer)
		if err != nil {
			return nil, err
		}
		if err := s.members.StartRemovingFollower(entry.Index, peer); err != nil {
			return nil, err
		}
		s.leadership.RemoveFollowerResponseTimeEntry(peer)
		s.logs.RemoveFollowerTracking(peer)
		s.commitSoloOrBroadcast()
		return nil, nil
	})
	return err
}

// SubmitReplaceLeader records a cooperative leader-handoff target
// (peer == "" clears a pending one).
func (s *Server) SubmitReplaceLeader(peer PeerID) error {
	_, err := s.call(func() (interface{}, error) {
		if s.role != RoleLeader {
			return nil, s.notLeaderErr()
		}
		if peer != "" {
			unresponsive := s.leadership.UnresponsiveFollowers(s.members, s.cfg, time.Now())
			for _, p := range unresponsive {
				if p == peer {
					return nil, ErrNewLeaderUnresponsive
				}
			}
		}
		return nil, s.members.StartReplacingLeader(peer)
	})
	return err
}

// QueryStatus returns the replica's status snapshot.
func (s *Server) QueryStatus() Status {
	v, _ := s.call(func() (interface{}, error) {
		var unresponsive []PeerID
		if s.role == RoleLeader {
			unresponsive = s.leadership.UnresponsiveFollowers(s.members, s.cfg, time.Now())
		}
		return Status{
			From:                  s.cfg.Self,
			Members:               s.members.All(),
			Leader:                s.members.Leader(),
			UnresponsiveFollowers: unresponsive,
			CurrentTerm:           s.currentTerm,
			StateName:             s.role.String(),
			Config:                s.cfg.toPatch(),
			LastApplied:           s.lastApplied,
		}, nil
	})
	return v.(Status)
}

func (s *Server) commitSoloOrBroadcast() {
	s.persist()
	if s.members.Count() == 1 {
		s.applyEntries(s.logs.CommitToLatest())
		return
	}
	s.broadcastAppendEntries()
}

// ---- replication fan-out ----

func (s *Server) broadcastAppendEntries() {
	for _, p := range s.members.OtherMembers() {
		s.sendAppendEntriesTo(p)
	}
}

func (s *Server) sendAppendEntriesTo(peer PeerID) {
	req, tooOld, err := s.logs.MakeAppendEntriesReq(s.members, s.currentTerm, peer)
	if err != nil {
		return // peer already removed
	}
	if tooOld {
		snap := InstallSnapshot{
			LeaderID:           s.cfg.Self,
			Members:            s.members.All(),
			Term:               s.currentTerm,
			LastCommittedEntry: s.logs.LastCommittedEntry(),
			Data:               s.data,
			CommandResults:     s.results.Snapshot(),
			Config:             s.cfg.toPatch(),
		}
		s.cfg.Comm.SendEvent(peer, snap)
		s.logs.ResetFollowerAfterSnapshot(peer)
		return
	}
	s.cfg.Comm.SendEvent(peer, req)
}

// maybeHandoffLeadership completes a cooperative leader replacement
// once the target follower's log has fully caught up.
func (s *Server) maybeHandoffLeadership(from PeerID) {
	target, pending := s.members.PendingLeaderChange()
	if !pending || from != target {
		return
	}
	if s.logs.MatchIndex(target) != s.logs.LastIndex() {
		return
	}
	req, tooOld, err := s.logs.MakeAppendEntriesReq(s.members, s.currentTerm, target)
	if err != nil || tooOld {
		return
	}
	s.cfg.Comm.SendEvent(target, TimeoutNow{AppendEntriesReq: req})
	s.members.StartReplacingLeader("")
	s.role = RoleFollower
	if s.leadership != nil {
		s.leadership.StopTimers()
		s.leadership = nil
	}
	s.members.PutLeader(target)
	s.armElectionTimer()
}

// ---- apply ----

func (s *Server) applyEntries(entries []LogEntry) {
	for _, e := range entries {
		s.applyOne(e)
		s.lastApplied = e.Index
	}
}

func (s *Server) applyOne(e LogEntry) {
	payload, err := e.DecodePayload()
	if err != nil {
		s.cfg.Logger.Printf("raft[%s]: dropping entry %d with undecodable payload: %v", s.cfg.Self, e.Index, err)
		return
	}

	switch e.Kind {
	case KindCommand:
		p := payload.(CommandPayload)
		if cached, hit := s.results.Fetch(p.ID); hit {
			if s.role == RoleLeader {
				s.cfg.Comm.Reply(p.Client, cached)
			}
			return
		}
		result, next := s.cfg.DataOps.Command(s.data, p.Arg)
		s.data = next
		s.results.Put(p.ID, result, s.cfg.MaxRetainedCommandResults)
		if s.role == RoleLeader {
			s.cfg.Comm.Reply(p.Client, result)
			s.safeHook(func() { s.cfg.LeaderHook.OnCommandCommitted(p.ID, result) })
		}

	case KindQuery:
		p := payload.(QueryPayload)
		if s.role == RoleLeader {
			result := s.cfg.DataOps.Query(s.data, p.Arg)
			s.cfg.Comm.Reply(p.Client, result)
			s.safeHook(func() { s.cfg.LeaderHook.OnQueryAnswered(p.Arg, result) })
		}

	case KindChangeConfig:
		p := payload.(ConfigPatch)
		s.cfg.applyPatch(p)

	case KindLeaderElected:
		p := payload.(LeaderElectedPayload)
		if p.Leader == s.cfg.Self {
			s.safeHook(func() { s.cfg.LeaderHook.OnElected(e.Term) })
		}

	case KindAddFollower:
		p := payload.(MembershipPayload)
		s.members.MembershipChangeCommitted(e.Index)
		s.safeHook(func() { s.cfg.LeaderHook.OnFollowerAdded(p.Peer) })

	case KindRemoveFollower:
		p := payload.(MembershipPayload)
		s.members.MembershipChangeCommitted(e.Index)
		s.logs.RemoveFollowerTracking(p.Peer)
		s.safeHook(func() { s.cfg.LeaderHook.OnFollowerRemoved(p.Peer) })
		if p.Peer == s.cfg.Self {
			s.terminate()
		} else {
			s.cfg.Comm.SendEvent(p.Peer, RemoveFollowerCompleted{})
		}
	}
}

// safeHook runs a best-effort observer callback; a panic is logged and
// swallowed so it never corrupts replica state (spec §7).
func (s *Server) safeHook(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Printf("raft[%s]: leader hook panicked: %v", s.cfg.Self, r)
		}
	}()
	f()
}
