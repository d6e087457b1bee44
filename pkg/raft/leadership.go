package raft

import "time"

// Leadership is the leader-only bookkeeping backing the heartbeat
// timer and the leader lease used to answer queries without
// replication (spec §4.5).
type Leadership struct {
	lastResponseTime map[PeerID]time.Time
	quorumTimestamp  time.Time

	heartbeatTimer *time.Timer
}

// NewLeadership schedules the initial quorum timestamp to now (a
// freshly elected leader is presumed to have quorum as of the moment
// it counted its own majority of votes).
func NewLeadership(now time.Time) *Leadership {
	return &Leadership{
		lastResponseTime: make(map[PeerID]time.Time),
		quorumTimestamp:  now,
	}
}

// FollowerResponded updates last_response_time[from] and, if a
// majority of voters have now responded within the last
// election_timeout window, refreshes the quorum timestamp (the lease).
func (ld *Leadership) FollowerResponded(members *Members, from PeerID, now time.Time, cfg *Config) {
	ld.lastResponseTime[from] = now

	count := 1 // self
	for _, p := range members.OtherMembers() {
		if t, ok := ld.lastResponseTime[p]; ok && now.Sub(t) < cfg.ElectionTimeout {
			count++
		}
	}
	if count >= members.Quorum() {
		ld.quorumTimestamp = now
	}
}

// MinimumTimeoutElapsedSinceQuorumResponded is true once the lease has
// expired: at least election_timeout has passed since quorum was last
// confirmed.
func (ld *Leadership) MinimumTimeoutElapsedSinceQuorumResponded(cfg *Config, now time.Time) bool {
	return now.Sub(ld.quorumTimestamp) >= cfg.ElectionTimeout
}

// CannotReachQuorum is true once factor*election_timeout has passed
// since quorum was last confirmed: a much harder failure than the
// lease merely lapsing, used to force a leader that has lost touch
// with the cluster back to follower rather than serve stale reads
// forever.
func (ld *Leadership) CannotReachQuorum(cfg *Config, now time.Time, factor int) bool {
	return now.Sub(ld.quorumTimestamp) >= time.Duration(factor)*cfg.ElectionTimeout
}

// UnresponsiveFollowers lists peers whose last response predates
// election_timeout (or who have never responded).
func (ld *Leadership) UnresponsiveFollowers(members *Members, cfg *Config, now time.Time) []PeerID {
	var out []PeerID
	for _, p := range members.OtherMembers() {
		t, ok := ld.lastResponseTime[p]
		if !ok || now.Sub(t) >= cfg.ElectionTimeout {
			out = append(out, p)
		}
	}
	return out
}

// CanSafelyRemove reports whether removing pid would still leave a
// responsive majority of the remaining voting membership.
func (ld *Leadership) CanSafelyRemove(members *Members, pid PeerID, cfg *Config, now time.Time) bool {
	remaining := 0
	responsive := 1 // self always counts as responsive and always remains
	for _, p := range members.OtherMembers() {
		if p == pid {
			continue
		}
		remaining++
		if t, ok := ld.lastResponseTime[p]; ok && now.Sub(t) < cfg.ElectionTimeout {
			responsive++
		}
	}
	quorum := (remaining+1)/2 + 1
	return responsive >= quorum
}

// RemoveFollowerResponseTimeEntry drops bookkeeping for a removed peer.
func (ld *Leadership) RemoveFollowerResponseTimeEntry(pid PeerID) {
	delete(ld.lastResponseTime, pid)
}

// ArmHeartbeatTimer installs t as the heartbeat timer handle.
func (ld *Leadership) ArmHeartbeatTimer(t *time.Timer) {
	if ld.heartbeatTimer != nil {
		ld.heartbeatTimer.Stop()
	}
	ld.heartbeatTimer = t
}

// StopTimers cancels the heartbeat timer on step-down.
func (ld *Leadership) StopTimers() {
	if ld.heartbeatTimer != nil {
		ld.heartbeatTimer.Stop()
		ld.heartbeatTimer = nil
	}
}
