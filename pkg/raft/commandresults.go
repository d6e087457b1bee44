package raft

// CommandResults is a bounded, insertion-ordered command-id -> result
// cache used to make command application idempotent (spec invariant
// 7: a command with a given id is applied at most once per replica).
type CommandResults struct {
	order   []string
	results map[string][]byte
}

// NewCommandResults returns an empty cache.
func NewCommandResults() *CommandResults {
	return &CommandResults{results: make(map[string][]byte)}
}

// Fetch returns the cached result for id, if any.
func (c *CommandResults) Fetch(id string) ([]byte, bool) {
	v, ok := c.results[id]
	return v, ok
}

// Put inserts id -> result, evicting the oldest entry if this would
// grow the cache past max. A repeated Put for an id already present is
// a no-op on ordering (the id keeps its original insertion position).
func (c *CommandResults) Put(id string, result []byte, max int) {
	if _, exists := c.results[id]; exists {
		c.results[id] = result
		return
	}
	c.order = append(c.order, id)
	c.results[id] = result
	for len(c.order) > max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.results, oldest)
	}
}

// Snapshot returns a copy of the cache contents, for InstallSnapshot.
func (c *CommandResults) Snapshot() map[string][]byte {
	out := make(map[string][]byte, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Restore replaces the cache contents from a snapshot. Ordering
// information for eviction is not preserved across a snapshot install
// (acceptable: the cache is a best-effort dedup window, not a
// durability guarantee).
func (c *CommandResults) Restore(m map[string][]byte) {
	c.results = make(map[string][]byte, len(m))
	c.order = make([]string, 0, len(m))
	for k, v := range m {
		c.results[k] = v
		c.order = append(c.order, k)
	}
}
