package consumer

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bdna/kinesis-consumer-group/stream"
)

// Option is used to override default values when creating a new Coordinator
type Option func(*Coordinator)

// WithCheckpoint overrides the default checkpoint
func WithCheckpoint(checkpoint Checkpoint) Option {
	return func(c *Coordinator) {
		c.checkpoint = checkpoint
	}
}

// WithLockRegistry overrides the default in-process lock registry. Instances
// only coordinate with each other through a shared registry.
func WithLockRegistry(locks LockRegistry) Option {
	return func(c *Coordinator) {
		c.locks = locks
	}
}

// WithStreamService overrides the default Kinesis service
func WithStreamService(svc stream.Service) Option {
	return func(c *Coordinator) {
		c.svc = svc
	}
}

// WithProvisioner overrides the provisioner built around the stream service
func WithProvisioner(p Provisioner) Option {
	return func(c *Coordinator) {
		c.provisioner = p
	}
}

// WithLogger overrides the default logger
func WithLogger(logger Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock overrides the clock driving tickers and waits
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithInstanceID sets the owner identity written into shard locks
func WithInstanceID(id string) Option {
	return func(c *Coordinator) {
		c.instanceID = id
	}
}

// WithShardCount sets the shard count used when the stream has to be created
func WithShardCount(n int64) Option {
	return func(c *Coordinator) {
		c.shardCount = n
	}
}

// WithLeaseDuration sets how long a shard lock is held without renewal
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Coordinator) {
		c.leaseDuration = d
	}
}

// WithHeartbeatPeriod sets how often held locks are renewed. It must be
// shorter than the lease duration.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		c.heartbeatPeriod = d
	}
}

// WithDiscoveryInterval sets how often the shard list is refreshed
func WithDiscoveryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.discoveryInterval = d
	}
}

// WithPollInterval sets the wait after an empty batch
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.pollInterval = d
	}
}

// WithMaxRecords caps the records requested per batch
func WithMaxRecords(n int64) Option {
	return func(c *Coordinator) {
		c.maxRecords = n
	}
}

// WithHandlerRetries sets how many times a failed batch is retried before
// the shard is given up
func WithHandlerRetries(retries int, delay time.Duration) Option {
	return func(c *Coordinator) {
		c.handlerRetries = retries
		c.handlerRetryDelay = delay
	}
}

// WithInitialPosition overrides where shards without a checkpoint start
func WithInitialPosition(t stream.PositionType) Option {
	return func(c *Coordinator) {
		c.initialPosition = t
	}
}

// WithGracePeriod bounds how long a released shard's in-flight batch may run
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		c.gracePeriod = d
	}
}

// WithCallTimeout bounds every stream and table call
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.callTimeout = d
	}
}

// WithRegisterer registers the coordinator's metrics
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.registerer = r
	}
}

// WithGroup sets the consumer group. Groups on the same stream lock shards
// independently of each other.
func WithGroup(group string) Option {
	return func(c *Coordinator) {
		c.group = group
	}
}

// WithClaimRetryPeriod sets how often a shard held by another instance is
// tried again. Zero leaves busy shards to the next discovery pass.
func WithClaimRetryPeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		c.claimRetryPeriod = d
	}
}
