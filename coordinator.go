// Package consumer runs a consumer group over a sharded stream. Every
// instance runs a Coordinator; the instances share a lock registry and a
// checkpoint store and never talk to each other directly. Each shard is
// consumed by the one instance holding its lock, and resumes from its last
// checkpoint when it changes hands.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bdna/kinesis-consumer-group/internal"
	"github.com/bdna/kinesis-consumer-group/lock"
	"github.com/bdna/kinesis-consumer-group/provision"
	"github.com/bdna/kinesis-consumer-group/stream"
	"github.com/bdna/kinesis-consumer-group/tablestore"
)

// maxMissedHeartbeats is how many renewals in a row may fail with an error
// other than lock.ErrLeaseLost before the shard is given up.
const maxMissedHeartbeats = 2

// ErrHandlerFailure is returned for a shard whose batch kept failing after
// all handler retries.
var ErrHandlerFailure = errors.New("consumer: handler failed")

// Handler processes one batch of records from a shard. A returned error
// makes the coordinator retry the same batch.
type Handler func(ctx context.Context, shardID string, records []stream.Record) error

// LockRegistry is the shared lease store shards are claimed through.
type LockRegistry interface {
	Acquire(ctx context.Context, key, owner string, lease time.Duration) (*lock.Lock, error)
	Renew(ctx context.Context, l *lock.Lock) (*lock.Lock, error)
	Release(ctx context.Context, l *lock.Lock) error
}

// Provisioner makes sure the stream exists and lists its shards.
type Provisioner interface {
	EnsureStream(ctx context.Context, name string, desiredShardCount int64) (*provision.Descriptor, error)
	ListShards(ctx context.Context, name string) ([]stream.Shard, error)
}

// initializer is implemented by stores that must prepare their tables.
type initializer interface {
	Init(ctx context.Context) error
}

// Coordinator claims, consumes and releases the shards of one stream.
type Coordinator struct {
	streamName string
	group      string
	instanceID string

	svc         stream.Service
	provisioner Provisioner
	locks       LockRegistry
	checkpoint  Checkpoint

	shardCount        int64
	initialPosition   stream.PositionType
	leaseDuration     time.Duration
	heartbeatPeriod   time.Duration
	discoveryInterval time.Duration
	pollInterval      time.Duration
	maxRecords        int64
	handlerRetries    int
	handlerRetryDelay time.Duration
	gracePeriod       time.Duration
	callTimeout       time.Duration
	claimRetryPeriod  time.Duration

	clock      clockwork.Clock
	logger     Logger
	metrics    *metrics
	registerer prometheus.Registerer

	broker   *broker
	mu       sync.Mutex
	shards   map[string]*shardState
	finished map[string]bool
	retrying map[string]bool
	wg       sync.WaitGroup
}

// New returns a Coordinator for the stream called streamName. If no options
// are passed the Coordinator reads from Kinesis with the default AWS session,
// locks shards in process memory and keeps no checkpoints. Use the Option
// functions to share a lock registry and checkpoint store between instances.
func New(streamName string, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		streamName:        streamName,
		shardCount:        1,
		initialPosition:   stream.Latest,
		leaseDuration:     20 * time.Second,
		heartbeatPeriod:   5 * time.Second,
		discoveryInterval: 30 * time.Second,
		pollInterval:      time.Second,
		maxRecords:        1000,
		handlerRetries:    3,
		handlerRetryDelay: time.Second,
		gracePeriod:       10 * time.Second,
		callTimeout:       10 * time.Second,
		shards:            make(map[string]*shardState),
		finished:          make(map[string]bool),
		retrying:          make(map[string]bool),
	}

	for _, opt := range opts {
		opt(c)
	}

	if streamName == "" {
		return nil, errors.New("consumer: stream name is required")
	}
	if c.heartbeatPeriod <= 0 || c.heartbeatPeriod >= c.leaseDuration {
		return nil, errors.Errorf("consumer: heartbeat period %s must be positive and shorter than lease duration %s", c.heartbeatPeriod, c.leaseDuration)
	}

	if c.instanceID == "" {
		c.instanceID = uuid.New().String()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = internal.DiscardLogger()
	}
	fields := log.Fields{
		"stream":   streamName,
		"instance": c.instanceID,
	}
	if c.group != "" {
		fields["group"] = c.group
	}
	c.logger = c.logger.WithFields(fields)

	if c.svc == nil {
		svc, err := stream.NewKinesisService()
		if err != nil {
			return nil, err
		}
		c.svc = svc
	}
	if c.provisioner == nil {
		c.provisioner = provision.New(c.svc, provision.WithLogger(c.logger), provision.WithClock(c.clock))
	}
	if c.locks == nil {
		store := tablestore.NewMemoryStore(tablestore.WithMemoryClock(c.clock))
		c.locks = lock.NewRegistry(store, lock.WithClock(c.clock), lock.WithLogger(c.logger))
	}
	if c.checkpoint == nil {
		c.checkpoint = &internal.NoopCheckpoint{}
	}

	c.metrics = newMetrics(streamName)
	if c.registerer != nil {
		if err := c.metrics.register(c.registerer); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return c, nil
}

// Run prepares the lock and checkpoint tables, ensures the stream is active
// and then consumes every shard this instance can claim, calling fn for each
// batch. It blocks until ctx is done, releases all held shards and returns
// nil. Startup failures are returned before any shard is claimed.
func (c *Coordinator) Run(ctx context.Context, fn Handler) error {
	if err := c.start(ctx); err != nil {
		return err
	}

	shardc := make(chan stream.Shard)
	c.broker = newBroker(c, shardc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.broker.start(gctx)
	})
	g.Go(func() error {
		c.renewLoop(gctx)
		return nil
	})
	g.Go(func() error {
		c.claimLoop(gctx, shardc, fn)
		return nil
	})
	err := g.Wait()

	c.shutdown()
	c.logger.Info("[STOP]")
	return err
}

// Init prepares the tables of the lock registry and the checkpoint store.
// Run calls it before anything else.
func (c *Coordinator) Init(ctx context.Context) error {
	for _, dep := range []interface{}{c.locks, c.checkpoint} {
		if i, ok := dep.(initializer); ok {
			if err := i.Init(ctx); err != nil {
				return errors.Wrap(err, "consumer startup")
			}
		}
	}
	return nil
}

func (c *Coordinator) start(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	d, err := c.provisioner.EnsureStream(ctx, c.streamName, c.shardCount)
	if err != nil {
		return errors.Wrap(err, "consumer startup")
	}
	if d.ShardCountMismatch() {
		c.logger.WithFields(log.Fields{
			"open":    len(d.OpenShards()),
			"desired": d.DesiredShardCount,
		}).Warn("stream shard count differs from configuration")
	}

	c.logger.WithFields(log.Fields{
		"arn":    d.ARN,
		"shards": len(d.Shards),
	}).Info("[START]")
	return nil
}

func (c *Coordinator) claimLoop(ctx context.Context, shardc <-chan stream.Shard, fn Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-shardc:
			c.claim(ctx, s.ID, fn)
		}
	}
}

// claim tries to take the lock of shardID and starts consuming it. A shard
// held by another instance stays Unclaimed and is tried again after the
// claim retry period, or on the next discovery pass.
func (c *Coordinator) claim(ctx context.Context, shardID string, fn Handler) {
	st, ok := c.beginClaim(shardID)
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	l, err := c.locks.Acquire(callCtx, c.lockKey(shardID), c.instanceID, c.leaseDuration)
	cancel()

	switch {
	case errors.Cause(err) == lock.ErrBusy:
		c.metrics.claims.WithLabelValues("busy").Inc()
		c.logger.WithField("shard_id", shardID).Debug("shard busy")
		c.abandonClaim(shardID, st)
		c.retryClaim(ctx, shardID, fn)
		return
	case err != nil:
		c.metrics.claims.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			c.logger.WithError(err).WithField("shard_id", shardID).Warn("claim failed")
		}
		c.abandonClaim(shardID, st)
		return
	}
	c.metrics.claims.WithLabelValues("acquired").Inc()

	shardCtx, stop := context.WithCancel(ctx)
	c.mu.Lock()
	st.state = Owned
	st.lock = l
	st.cancel = stop
	st.done = make(chan struct{})
	c.mu.Unlock()
	c.metrics.ownedShards.Inc()

	c.logger.WithFields(log.Fields{
		"shard_id": shardID,
		"expiry":   l.Expiry,
	}).Info("shard claimed")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		finished, err := c.scanShard(shardCtx, shardID, fn)
		close(st.done)
		if err != nil {
			c.logger.WithError(err).WithField("shard_id", shardID).Error("shard consumer stopped")
		}
		c.release(shardID, st, finished)
	}()
}

// retryClaim schedules one more claim of a busy shard. At most one retry
// per shard is pending at a time.
func (c *Coordinator) retryClaim(ctx context.Context, shardID string, fn Handler) {
	if c.claimRetryPeriod <= 0 {
		return
	}
	c.mu.Lock()
	if c.retrying[shardID] {
		c.mu.Unlock()
		return
	}
	c.retrying[shardID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-c.clock.After(c.claimRetryPeriod):
		}
		c.mu.Lock()
		delete(c.retrying, shardID)
		c.mu.Unlock()
		if ctx.Err() == nil {
			c.claim(ctx, shardID, fn)
		}
	}()
}

func (c *Coordinator) renewLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.renewAll(ctx)
		}
	}
}

// renewAll renews every owned shard concurrently.
func (c *Coordinator) renewAll(ctx context.Context) {
	var g errgroup.Group
	for id, st := range c.owned() {
		g.Go(func() error {
			c.renew(ctx, id, st)
			return nil
		})
	}
	_ = g.Wait()
}

// renew extends the lease of an owned shard. A lost lease, or too many
// failed renewals in a row, releases the shard right away.
func (c *Coordinator) renew(ctx context.Context, shardID string, st *shardState) {
	c.mu.Lock()
	if st.state != Owned {
		c.mu.Unlock()
		return
	}
	current := st.lock
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	renewed, err := c.locks.Renew(callCtx, current)
	cancel()

	fields := log.Fields{"shard_id": shardID}
	if err == nil {
		c.mu.Lock()
		if st.state == Owned {
			st.lock = renewed
			st.misses = 0
		}
		c.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		return
	}

	if errors.Cause(err) == lock.ErrLeaseLost {
		c.metrics.leaseLost.Inc()
		c.logger.WithError(err).WithFields(fields).Warn("lease lost")
		c.releaseAsync(shardID, st)
		return
	}

	c.mu.Lock()
	st.misses++
	misses := st.misses
	c.mu.Unlock()
	fields["misses"] = misses
	c.logger.WithError(err).WithFields(fields).Warn("missed heartbeat")

	if misses >= maxMissedHeartbeats || current.Expired(c.clock.Now()) {
		c.metrics.leaseLost.Inc()
		c.logger.WithFields(fields).Warn("lease given up")
		c.releaseAsync(shardID, st)
	}
}

func (c *Coordinator) releaseAsync(shardID string, st *shardState) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.release(shardID, st, false)
	}()
}

// release stops the shard's consumer, waits for its in-flight batch for up
// to the grace period, gives the lock back and returns the shard to
// Unclaimed. Only the first caller for a given claim does anything.
func (c *Coordinator) release(shardID string, st *shardState, finished bool) {
	c.mu.Lock()
	if c.shards[shardID] != st || st.state != Owned {
		c.mu.Unlock()
		return
	}
	st.state = Releasing
	c.mu.Unlock()

	st.cancel()
	select {
	case <-st.done:
	case <-c.clock.After(c.gracePeriod):
		c.logger.WithField("shard_id", shardID).Warn("in-flight batch abandoned after grace period")
	}

	c.mu.Lock()
	held := st.lock
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	if err := c.locks.Release(ctx, held); err != nil {
		c.logger.WithError(err).WithField("shard_id", shardID).Warn("lock release failed")
	}
	cancel()

	c.mu.Lock()
	delete(c.shards, shardID)
	if finished {
		c.finished[shardID] = true
	}
	c.mu.Unlock()
	c.metrics.ownedShards.Dec()

	c.logger.WithFields(log.Fields{
		"shard_id": shardID,
		"finished": finished,
	}).Info("shard released")
}

// shutdown releases every held shard and waits for all shard goroutines.
func (c *Coordinator) shutdown() {
	for id, st := range c.owned() {
		c.releaseAsync(id, st)
	}
	c.wg.Wait()
}

func (c *Coordinator) lockKey(shardID string) string {
	if c.group != "" {
		return c.group + ":" + c.streamName + ":" + shardID
	}
	return c.streamName + ":" + shardID
}
