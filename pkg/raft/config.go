package raft

import (
	"fmt"
	"log"
	"time"
)

// Config holds the tunables (replicated via ConfigPatch on
// change_config) plus the process-local plug-in bindings (never
// replicated; bound once at construction, per spec §4.7 design notes).
type Config struct {
	Self PeerID

	HeartbeatTimeout          time.Duration
	ElectionTimeout           time.Duration
	MaxRetainedCommittedLogs  int
	MaxRetainedCommandResults int

	DataOps    DataOps
	Comm       Comm
	LeaderHook LeaderHook
	Persist    PersistHook // optional, may be nil

	Logger *log.Logger
}

// DefaultConfig returns a Config with the documented defaults from
// spec §6. DataOps must still be set by the caller; Comm defaults to
// nil (caller must supply a transport), LeaderHook defaults to a no-op
// and Logger to log.Default().
func DefaultConfig(self PeerID, dataOps DataOps) *Config {
	return &Config{
		Self:                      self,
		HeartbeatTimeout:          200 * time.Millisecond,
		ElectionTimeout:           1000 * time.Millisecond,
		MaxRetainedCommittedLogs:  100,
		MaxRetainedCommandResults: 100,
		DataOps:                   dataOps,
		LeaderHook:                NoOpHook{},
		Logger:                    log.Default(),
	}
}

// Validate fails construction if required collaborators are missing.
func (c *Config) Validate() error {
	if c.Self == "" {
		return fmt.Errorf("raft: Config.Self is required")
	}
	if c.DataOps == nil {
		return fmt.Errorf("raft: Config.DataOps is required")
	}
	if c.Comm == nil {
		return fmt.Errorf("raft: Config.Comm is required")
	}
	if c.HeartbeatTimeout <= 0 || c.ElectionTimeout <= 0 {
		return fmt.Errorf("raft: timeouts must be positive")
	}
	if c.HeartbeatTimeout >= c.ElectionTimeout {
		return fmt.Errorf("raft: HeartbeatTimeout must be smaller than ElectionTimeout")
	}
	if c.LeaderHook == nil {
		c.LeaderHook = NoOpHook{}
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// applyPatch replaces the replicated tunables from a committed
// change_config entry.
func (c *Config) applyPatch(p ConfigPatch) {
	c.HeartbeatTimeout = time.Duration(p.HeartbeatTimeoutMS) * time.Millisecond
	c.ElectionTimeout = time.Duration(p.ElectionTimeoutMS) * time.Millisecond
	c.MaxRetainedCommittedLogs = p.MaxRetainedCommittedLogs
	c.MaxRetainedCommandResults = p.MaxRetainedCommandResults
}

func (c *Config) toPatch() ConfigPatch {
	return ConfigPatch{
		HeartbeatTimeoutMS:        c.HeartbeatTimeout.Milliseconds(),
		ElectionTimeoutMS:         c.ElectionTimeout.Milliseconds(),
		MaxRetainedCommittedLogs:  c.MaxRetainedCommittedLogs,
		MaxRetainedCommandResults: c.MaxRetainedCommandResults,
	}
}
