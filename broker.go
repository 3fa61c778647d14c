package consumer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/bdna/kinesis-consumer-group/stream"
)

// broker runs the discovery pass. It re-lists the stream's shards on every
// tick and offers each claimable shard on shardc, parents ahead of children.
type broker struct {
	list      func(ctx context.Context) ([]stream.Shard, error)
	claimable func(shardID string) bool
	interval  time.Duration
	clock     clockwork.Clock
	logger    Logger

	shardc chan<- stream.Shard

	shardMu  *sync.Mutex
	shards   map[string]stream.Shard
	children map[string][]string
}

func newBroker(c *Coordinator, shardc chan<- stream.Shard) *broker {
	return &broker{
		list: func(ctx context.Context) ([]stream.Shard, error) {
			ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
			return c.provisioner.ListShards(ctx, c.streamName)
		},
		claimable: c.claimable,
		interval:  c.discoveryInterval,
		clock:     c.clock,
		logger:    c.logger,
		shardc:    shardc,
		shardMu:   &sync.Mutex{},
		shards:    make(map[string]stream.Shard),
		children:  make(map[string][]string),
	}
}

// start runs discovery passes until ctx is done. It only fails when the
// stream itself is gone.
func (b *broker) start(ctx context.Context) error {
	if err := b.findShards(ctx); err != nil {
		return err
	}

	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	// Shards freed by lease loss, handler failure or another instance
	// going away are picked up on a later tick.
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := b.findShards(ctx); err != nil {
				return err
			}
		}
	}
}

func (b *broker) findShards(ctx context.Context) error {
	shards, err := b.list(ctx)
	if errors.Cause(err) == stream.ErrStreamNotFound {
		return errors.Wrap(err, "discovery")
	}
	if err != nil {
		if ctx.Err() == nil {
			b.logger.WithError(err).Warn("shard discovery failed")
		}
		return nil
	}

	for _, s := range b.order(shards) {
		if !b.claimable(s.ID) {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case b.shardc <- s:
		}
	}
	return nil
}

// order caches newly seen shards, records their parent edges and returns
// shards sorted so that every parent comes before its children.
func (b *broker) order(shards []stream.Shard) []stream.Shard {
	b.shardMu.Lock()
	defer b.shardMu.Unlock()

	listed := make(map[string]stream.Shard, len(shards))
	for _, s := range shards {
		listed[s.ID] = s
		if _, ok := b.shards[s.ID]; ok {
			continue
		}
		b.shards[s.ID] = s
		for _, e := range s.Edges() {
			b.children[e.ParentID] = append(b.children[e.ParentID], s.ID)
			b.logger.WithFields(log.Fields{
				"shard_id": s.ID,
				"parent":   e.ParentID,
				"edge":     e.Kind.String(),
			}).Debug("shard lineage")
		}
		b.logger.WithField("shard_id", s.ID).Debug("new shard")
	}

	depth := make(map[string]int, len(shards))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		depth[id] = 0
		d := 0
		for _, e := range listed[id].Edges() {
			if _, ok := listed[e.ParentID]; ok {
				if pd := depthOf(e.ParentID) + 1; pd > d {
					d = pd
				}
			}
		}
		depth[id] = d
		return d
	}

	ordered := append([]stream.Shard(nil), shards...)
	for _, s := range ordered {
		depthOf(s.ID)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return depth[ordered[i].ID] < depth[ordered[j].ID]
	})
	return ordered
}

// childrenOf returns the shards known to descend from parentID.
func (b *broker) childrenOf(parentID string) []string {
	b.shardMu.Lock()
	defer b.shardMu.Unlock()
	return append([]string(nil), b.children[parentID]...)
}
