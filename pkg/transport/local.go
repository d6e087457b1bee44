// Package transport provides Comm implementations for pkg/raft.
package transport

import (
	"sync"
	"time"

	"github.com/vzdtic/raftval/pkg/raft"
)

// deliverer is the subset of *raft.Server the local transport depends
// on, so tests can register fakes without a full Server.
type deliverer interface {
	Deliver(msg interface{})
}

// Local is an in-memory, in-process Comm for tests and simulations. It
// supports injected latency and simulated disconnects/partitions,
// grounded on the teacher's in-memory test transport.
type Local struct {
	mu       sync.RWMutex
	nodes    map[raft.PeerID]deliverer
	disabled map[raft.PeerID]map[raft.PeerID]bool
	latency  time.Duration

	repliesMu sync.Mutex
	replies   map[raft.ClientHandle]chan interface{}
}

var _ raft.Comm = (*Local)(nil)

// NewLocal returns an empty local transport.
func NewLocal() *Local {
	return &Local{
		nodes:    make(map[raft.PeerID]deliverer),
		disabled: make(map[raft.PeerID]map[raft.PeerID]bool),
		replies:  make(map[raft.ClientHandle]chan interface{}),
	}
}

// Register makes node reachable as id.
func (t *Local) Register(id raft.PeerID, node deliverer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[raft.PeerID]bool)
	}
}

// SetLatency adds artificial delay before every delivered message.
func (t *Local) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect drops messages sent from -> to, one direction only.
func (t *Local) Disconnect(from, to raft.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[raft.PeerID]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores a direction dropped by Disconnect.
func (t *Local) Connect(from, to raft.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates id from every other registered node, both directions.
func (t *Local) Partition(id raft.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for other := range t.nodes {
		if other == id {
			continue
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[raft.PeerID]bool)
		}
		if t.disabled[other] == nil {
			t.disabled[other] = make(map[raft.PeerID]bool)
		}
		t.disabled[id][other] = true
		t.disabled[other][id] = true
	}
}

// Heal clears every disconnect/partition touching id.
func (t *Local) Heal(id raft.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[raft.PeerID]bool)
	for other := range t.disabled {
		delete(t.disabled[other], id)
	}
}

func (t *Local) connected(from, to raft.PeerID) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

// SendEvent delivers msg to dest asynchronously, honoring configured
// latency but ignoring per-direction Disconnect/Partition state (it
// has no sender identity to check against). Servers should bind to a
// Comm built with PerPeer instead, which enforces connectivity.
func (t *Local) SendEvent(dest raft.PeerID, msg interface{}) {
	t.mu.RLock()
	node, ok := t.nodes[dest]
	latency := t.latency
	t.mu.RUnlock()
	if !ok {
		return
	}
	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		node.Deliver(msg)
	}()
}

// Reply delivers value on the channel that Await(to) returned.
// A reply with no waiter is dropped (the client gave up or was never
// registered), matching Comm's fire-and-forget contract.
func (t *Local) Reply(to raft.ClientHandle, value interface{}) {
	t.repliesMu.Lock()
	ch, ok := t.replies[to]
	t.repliesMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- value:
	default:
	}
}

// Await registers a one-shot reply channel for handle and returns it
// without blocking; the channel receives the value of the next
// Reply(handle, ...) until Forget releases it.
func (t *Local) Await(handle raft.ClientHandle) <-chan interface{} {
	ch := make(chan interface{}, 1)
	t.repliesMu.Lock()
	t.replies[handle] = ch
	t.repliesMu.Unlock()
	return ch
}

// Forget releases the reply channel registered for handle.
func (t *Local) Forget(handle raft.ClientHandle) {
	t.repliesMu.Lock()
	delete(t.replies, handle)
	t.repliesMu.Unlock()
}

// PerPeer returns a Comm bound to self's identity, so SendEvent's
// connectivity checks (Disconnect/Partition) are evaluated from self's
// point of view rather than the destination's.
func (t *Local) PerPeer(self raft.PeerID) raft.Comm {
	return &perPeer{local: t, self: self}
}

type perPeer struct {
	local *Local
	self  raft.PeerID
}

func (p *perPeer) SendEvent(dest raft.PeerID, msg interface{}) {
	p.local.mu.RLock()
	node, ok := p.local.nodes[dest]
	latency := p.local.latency
	connected := p.local.connected(p.self, dest)
	p.local.mu.RUnlock()
	if !ok || !connected {
		return
	}
	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		node.Deliver(msg)
	}()
}

func (p *perPeer) Reply(to raft.ClientHandle, value interface{}) {
	p.local.Reply(to, value)
}
