// Package hook provides LeaderHook implementations for pkg/raft.
package hook

import (
	"log"

	"github.com/vzdtic/raftval/pkg/raft"
)

// Logging is a LeaderHook that reports every leadership event through
// a standard library logger.
type Logging struct {
	Logger *log.Logger
}

var _ raft.LeaderHook = Logging{}

// NewLogging returns a Logging hook writing to l, or log.Default() if
// l is nil.
func NewLogging(l *log.Logger) Logging {
	if l == nil {
		l = log.Default()
	}
	return Logging{Logger: l}
}

func (h Logging) OnElected(term raft.TermNumber) {
	h.Logger.Printf("raft: elected leader for term %d", term)
}

func (h Logging) OnCommandCommitted(id string, result []byte) {
	h.Logger.Printf("raft: command %s committed, result %d bytes", id, len(result))
}

func (h Logging) OnQueryAnswered(arg []byte, result []byte) {
	h.Logger.Printf("raft: query answered, arg %d bytes, result %d bytes", len(arg), len(result))
}

func (h Logging) OnFollowerAdded(peer raft.PeerID) {
	h.Logger.Printf("raft: follower %s added", peer)
}

func (h Logging) OnFollowerRemoved(peer raft.PeerID) {
	h.Logger.Printf("raft: follower %s removed", peer)
}
