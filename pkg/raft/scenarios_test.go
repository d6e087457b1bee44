package raft_test

import (
	"testing"
	"time"

	"github.com/vzdtic/raftval/pkg/dataops"
	"github.com/vzdtic/raftval/pkg/raft"
	"github.com/vzdtic/raftval/pkg/transport"
)

// counterOps is a minimal DataOps used to verify at-most-once command
// application directly (dataops.KVStore's Set is naturally idempotent
// and would not expose a double-apply bug).
type counterOps struct{}

func (counterOps) New() interface{} { return 0 }

func (counterOps) Command(data interface{}, arg []byte) ([]byte, interface{}) {
	next := data.(int) + 1
	return []byte{byte(next)}, next
}

func (counterOps) Query(data interface{}, arg []byte) []byte {
	return []byte{byte(data.(int))}
}

// cluster is a small in-process harness wiring raft.Server instances
// together over a transport.Local, used by the scenario tests below.
type cluster struct {
	t       *testing.T
	local   *transport.Local
	servers map[raft.PeerID]*raft.Server
}

func newCluster(t *testing.T, dataOps raft.DataOps, followers ...raft.PeerID) *cluster {
	t.Helper()
	c := &cluster{
		t:       t,
		local:   transport.NewLocal(),
		servers: make(map[raft.PeerID]*raft.Server),
	}

	leaderCfg := raft.DefaultConfig("A", dataOps)
	leaderCfg.HeartbeatTimeout = 20 * time.Millisecond
	leaderCfg.ElectionTimeout = 100 * time.Millisecond
	leaderCfg.Comm = c.local.PerPeer("A")

	leader, err := raft.NewLonelyLeader(leaderCfg)
	if err != nil {
		t.Fatalf("NewLonelyLeader: %v", err)
	}
	c.servers["A"] = leader
	c.local.Register("A", leader)
	leader.Run()

	for _, id := range followers {
		c.join(id, dataOps)
	}
	return c
}

func (c *cluster) join(id raft.PeerID, dataOps raft.DataOps) {
	c.t.Helper()
	cfg := raft.DefaultConfig(id, dataOps)
	cfg.HeartbeatTimeout = 20 * time.Millisecond
	cfg.ElectionTimeout = 100 * time.Millisecond
	cfg.Comm = c.local.PerPeer(id)

	known := c.knownIDs()
	server, err := raft.JoinExistingConsensusGroup(cfg, known, func(target raft.PeerID) (raft.InstallSnapshot, error) {
		t, ok := c.servers[target]
		if !ok {
			return raft.InstallSnapshot{}, raft.ErrNoProc
		}
		return t.SubmitAddFollower(id)
	})
	if err != nil {
		c.t.Fatalf("join %s: %v", id, err)
	}
	c.servers[id] = server
	c.local.Register(id, server)
	server.Run()

	// The leader rejects a new membership change while this one is
	// uncommitted. The add_follower entry is the only entry past the
	// snapshot here, so wait until the new replica applies it.
	joinedAt := server.QueryStatus().LastApplied
	deadline := time.Now().Add(time.Second)
	for server.QueryStatus().LastApplied <= joinedAt {
		if time.Now().After(deadline) {
			c.t.Fatalf("join %s: add_follower entry never committed", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *cluster) knownIDs() []raft.PeerID {
	ids := make([]raft.PeerID, 0, len(c.servers))
	for id := range c.servers {
		ids = append(ids, id)
	}
	return ids
}

func (c *cluster) stop() {
	for _, s := range c.servers {
		s.Stop()
	}
}

// awaitReply registers handle, runs submit, and blocks for the result
// or fails the test after timeout.
func (c *cluster) awaitReply(handle raft.ClientHandle, timeout time.Duration, submit func() error) []byte {
	c.t.Helper()
	replyCh := c.local.Await(handle)
	defer c.local.Forget(handle)

	if err := submit(); err != nil {
		c.t.Fatalf("submit failed: %v", err)
	}
	select {
	case v := <-replyCh:
		if v == nil {
			return nil
		}
		return v.([]byte)
	case <-time.After(timeout):
		c.t.Fatalf("timed out waiting for reply")
		return nil
	}
}

func TestScenarioThreeNodeCommitAndDedup(t *testing.T) {
	c := newCluster(t, counterOps{}, "B", "C")
	defer c.stop()

	leader := c.servers["A"]

	first := c.awaitReply("client-1", time.Second, func() error {
		return leader.SubmitCommand("client-1", nil, "r1")
	})
	if len(first) != 1 || first[0] != 1 {
		t.Fatalf("expected counter to become 1, got %v", first)
	}

	retry := c.awaitReply("client-1", time.Second, func() error {
		return leader.SubmitCommand("client-1", nil, "r1")
	})
	if len(retry) != 1 || retry[0] != 1 {
		t.Fatalf("retry with the same command id must not re-apply: expected 1, got %v", retry)
	}

	statusB := c.servers["B"].QueryStatus()
	if statusB.Leader != "A" {
		t.Fatalf("expected B to recognize A as leader, got %s", statusB.Leader)
	}
}

func TestScenarioLeaseFastQueryDoesNotAppendLog(t *testing.T) {
	c := newCluster(t, dataops.KVStore{}, "B", "C")
	defer c.stop()

	leader := c.servers["A"]
	setArg, _ := dataops.EncodeOp(dataops.Op{Type: dataops.OpSet, Key: "k", Value: []byte("v1")})
	c.awaitReply("writer", time.Second, func() error {
		return leader.SubmitCommand("writer", setArg, "set-1")
	})

	time.Sleep(80 * time.Millisecond) // let a heartbeat round refresh the lease

	before := leader.QueryStatus()

	getArg, _ := dataops.EncodeQuery(dataops.Query{Key: "k"})
	result := c.awaitReply("reader", time.Second, func() error {
		return leader.SubmitQuery("reader", getArg)
	})
	if string(result) != "v1" {
		t.Fatalf("expected lease-fast query to return v1, got %q", result)
	}

	after := leader.QueryStatus()
	if before.CurrentTerm != after.CurrentTerm {
		t.Fatalf("lease-fast query should not involve a term change")
	}
	if before.LastApplied != after.LastApplied {
		t.Fatalf("lease-fast query should not append a log entry: last applied moved from %d to %d", before.LastApplied, after.LastApplied)
	}
}

func TestScenarioMembershipAddRejectsConcurrentChange(t *testing.T) {
	c := newCluster(t, dataops.KVStore{}, "B")
	defer c.stop()

	leader := c.servers["A"]

	if _, err := leader.SubmitAddFollower("C"); err != nil {
		t.Fatalf("first add_follower should succeed: %v", err)
	}
	if _, err := leader.SubmitAddFollower("D"); err != raft.ErrUncommittedMembership {
		t.Fatalf("expected ErrUncommittedMembership while C's addition is still uncommitted, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		status := leader.QueryStatus()
		found := false
		for _, m := range status.Members {
			if m == "C" {
				found = true
			}
		}
		if found && len(status.Members) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected C to become a voting member of a 3-node cluster")
}

// TestScenarioFollowerAdoptsMembershipChangeFromLog verifies that an
// existing follower updates its own voting set as soon as the
// add_follower entry reaches its log over AppendEntries, not only once
// the leader tells everyone it committed. A follower stuck on the old
// 2-member set would compute Quorum() from the wrong denominator and
// could win an election on stale membership.
func TestScenarioFollowerAdoptsMembershipChangeFromLog(t *testing.T) {
	c := newCluster(t, dataops.KVStore{}, "B")
	defer c.stop()

	if _, err := c.servers["A"].SubmitAddFollower("C"); err != nil {
		t.Fatalf("add_follower should succeed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("B never adopted C into its voting set")
		}
		status := c.servers["B"].QueryStatus()
		found := false
		for _, m := range status.Members {
			if m == "C" {
				found = true
			}
		}
		if found && len(status.Members) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// awaitNewLeader polls every server in the cluster until one of them
// other than exclude reports itself leader at a term strictly greater
// than minTerm, or the deadline elapses.
func (c *cluster) awaitNewLeader(t *testing.T, exclude raft.PeerID, minTerm raft.TermNumber, timeout time.Duration) raft.PeerID {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for id, s := range c.servers {
			if id == exclude {
				continue
			}
			status := s.QueryStatus()
			if status.StateName == "leader" && status.CurrentTerm > minTerm {
				return id
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no new leader elected above term %d within %v", minTerm, timeout)
	return ""
}

func TestScenarioElectionAfterLeaderStop(t *testing.T) {
	c := newCluster(t, dataops.KVStore{}, "B", "C")
	defer c.stop()

	c.servers["A"].Stop()

	newLeader := c.awaitNewLeader(t, "A", 0, 2*time.Second)
	if newLeader != "B" && newLeader != "C" {
		t.Fatalf("expected B or C to take over, got %s", newLeader)
	}
}

func TestScenarioLogMatchingRepairAfterPartition(t *testing.T) {
	c := newCluster(t, dataops.KVStore{}, "B", "C")
	defer c.stop()

	c.local.Partition("A")

	newLeader := c.awaitNewLeader(t, "A", 0, 2*time.Second)

	setArg, _ := dataops.EncodeOp(dataops.Op{Type: dataops.OpSet, Key: "k", Value: []byte("post-partition")})
	c.awaitReply("writer", time.Second, func() error {
		return c.servers[newLeader].SubmitCommand("writer", setArg, "repair-1")
	})

	c.local.Heal("A")

	wantApplied := c.servers[newLeader].QueryStatus().LastApplied

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("A never converged on the post-partition committed entry")
		}
		if c.servers["A"].QueryStatus().LastApplied >= wantApplied {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestScenarioLeaderReplacement(t *testing.T) {
	c := newCluster(t, dataops.KVStore{}, "B", "C")
	defer c.stop()

	if err := c.servers["A"].SubmitReplaceLeader("B"); err != nil {
		t.Fatalf("replace_leader should be accepted: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("leadership never handed off to B")
		}
		status := c.servers["B"].QueryStatus()
		if status.StateName == "leader" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("A and C never recognized B as the new leader")
		}
		if c.servers["A"].QueryStatus().Leader == "B" && c.servers["C"].QueryStatus().Leader == "B" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
