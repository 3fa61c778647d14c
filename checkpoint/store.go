// Package checkpoint persists the last processed position of each shard.
package checkpoint

import (
	"context"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/bdna/kinesis-consumer-group/internal"
	"github.com/bdna/kinesis-consumer-group/tablestore"
)

// DefaultTable is the checkpoint table used when WithTable is not given.
const DefaultTable = "kinesis_checkpoints"

const (
	positionAttr  = "position"
	streamAttr    = "streamName"
	shardAttr     = "shardId"
	updatedAtAttr = "updatedAt"
)

// Store reads and writes checkpoints in a table. It only writes what it is
// told to; the caller is responsible for holding the shard's lock.
type Store struct {
	store tablestore.Store
	table string
	group string
	ttl   time.Duration

	readCapacity  int64
	writeCapacity int64
	createRetries int
	createDelay   time.Duration

	clock  clockwork.Clock
	logger log.Interface
}

// New returns a checkpoint Store backed by store.
func New(store tablestore.Store, opts ...Option) *Store {
	s := &Store{
		store:         store,
		table:         DefaultTable,
		readCapacity:  1,
		writeCapacity: 1,
		createRetries: 25,
		createDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = internal.DiscardLogger()
	}
	return s
}

// Init makes sure the checkpoint table exists, retrying the readiness check
// a bounded number of times. A table that never becomes ready yields
// tablestore.ErrStoreInitialization.
func (s *Store) Init(ctx context.Context) error {
	spec := tablestore.TableSpec{
		Name:          s.table,
		ReadCapacity:  s.readCapacity,
		WriteCapacity: s.writeCapacity,
		TimeToLive:    s.ttl > 0,
	}
	if err := tablestore.EnsureTable(ctx, s.store, spec, s.createRetries, s.createDelay); err != nil {
		return errors.Wrap(err, "checkpoint store")
	}
	return nil
}

// Get returns the last recorded position for the shard, or an empty string
// when no checkpoint exists yet.
func (s *Store) Get(ctx context.Context, streamName, shardID string) (string, error) {
	item, err := s.store.Get(ctx, s.table, s.key(streamName, shardID))
	if errors.Cause(err) == tablestore.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get checkpoint %s/%s", streamName, shardID)
	}
	return item.Attr(positionAttr), nil
}

// Set records position for the shard, overwriting the previous checkpoint.
func (s *Store) Set(ctx context.Context, streamName, shardID, position string) error {
	now := s.clock.Now()
	item := tablestore.Item{
		Key: s.key(streamName, shardID),
		Attributes: map[string]string{
			positionAttr:  position,
			streamAttr:    streamName,
			shardAttr:     shardID,
			updatedAtAttr: now.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.ttl > 0 {
		item.ExpiresAt = now.Add(s.ttl)
	}

	if _, err := s.store.Put(ctx, s.table, item); err != nil {
		return errors.Wrapf(err, "set checkpoint %s/%s", streamName, shardID)
	}
	s.logger.WithFields(log.Fields{
		"stream":   streamName,
		"shard_id": shardID,
		"position": position,
	}).Debug("checkpoint stored")
	return nil
}

func (s *Store) key(streamName, shardID string) string {
	parts := []string{streamName, shardID}
	if s.group != "" {
		parts = append([]string{s.group}, parts...)
	}
	return strings.Join(parts, ":")
}
