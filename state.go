package consumer

import (
	"context"

	"github.com/bdna/kinesis-consumer-group/lock"
)

// State is where a shard is in its ownership lifecycle on this instance.
type State int

const (
	Unclaimed State = iota
	Claiming
	Owned
	Releasing
)

func (s State) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Claiming:
		return "claiming"
	case Owned:
		return "owned"
	case Releasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// shardState is the coordinator's record of a shard it is claiming or owns.
// Shards without a record are Unclaimed. Fields are guarded by the
// coordinator's mutex.
type shardState struct {
	state  State
	lock   *lock.Lock
	cancel context.CancelFunc
	done   chan struct{}
	misses int
}

// ShardState returns the state of shardID on this instance.
func (c *Coordinator) ShardState(shardID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.shards[shardID]; ok {
		return st.state
	}
	return Unclaimed
}

// OwnedShards returns the ids of the shards this instance currently owns.
func (c *Coordinator) OwnedShards() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, st := range c.shards {
		if st.state == Owned {
			ids = append(ids, id)
		}
	}
	return ids
}

// claimable reports whether the discovery pass should offer shardID.
func (c *Coordinator) claimable(shardID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished[shardID] {
		return false
	}
	_, tracked := c.shards[shardID]
	return !tracked
}

// beginClaim moves shardID from Unclaimed to Claiming.
func (c *Coordinator) beginClaim(shardID string) (*shardState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, tracked := c.shards[shardID]; tracked || c.finished[shardID] {
		return nil, false
	}
	st := &shardState{state: Claiming}
	c.shards[shardID] = st
	return st, true
}

// abandonClaim returns a shard that could not be claimed to Unclaimed.
func (c *Coordinator) abandonClaim(shardID string, st *shardState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shards[shardID] == st {
		delete(c.shards, shardID)
	}
}

// owned snapshots the shards in the Owned state.
func (c *Coordinator) owned() map[string]*shardState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*shardState, len(c.shards))
	for id, st := range c.shards {
		if st.state == Owned {
			out[id] = st
		}
	}
	return out
}
