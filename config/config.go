// Package config loads the coordinator's INI configuration file.
//
// A minimal file only names the stream:
//
//	[stream]
//	name = orders
//
// Everything else has a default matching a single-shard Kinesis stream with
// DynamoDB backed locks and checkpoints.
package config

import (
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"

	"github.com/bdna/kinesis-consumer-group/checkpoint"
	"github.com/bdna/kinesis-consumer-group/lock"
	"github.com/bdna/kinesis-consumer-group/stream"
)

// Backend types.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Stream sources.
const (
	SourceKinesis  = "kinesis"
	SourceDynamoDB = "dynamodb"
)

// Config is the whole configuration file.
type Config struct {
	Stream     Stream     `ini:"stream"`
	Locks      Locks      `ini:"locks"`
	Checkpoint Checkpoint `ini:"checkpoint"`
	Consumer   Consumer   `ini:"consumer"`
	Backend    Backend    `ini:"backend"`
}

// Stream is the [stream] section.
type Stream struct {
	Name             string        `ini:"name"`
	ShardCount       int64         `ini:"shard_count"`
	AutoAddShards    bool          `ini:"auto_add_shards"`
	InitialPosition  string        `ini:"initial_position"`
	ProvisionRetries int           `ini:"provision_retries"`
	ProvisionDelay   time.Duration `ini:"provision_delay"`
}

// Locks is the [locks] section. RefreshPeriod is the wait between attempts
// to acquire a shard held by another instance; zero leaves busy shards to the
// next discovery pass.
type Locks struct {
	Table           string        `ini:"table"`
	KeyPrefix       string        `ini:"key_prefix"`
	LeaseDuration   time.Duration `ini:"lease_duration"`
	HeartbeatPeriod time.Duration `ini:"heartbeat_period"`
	RefreshPeriod   time.Duration `ini:"refresh_period"`
	CreateRetries   int           `ini:"create_retries"`
	CreateDelay     time.Duration `ini:"create_delay"`
	ReadCapacity    int64         `ini:"read_capacity"`
	WriteCapacity   int64         `ini:"write_capacity"`
}

// Checkpoint is the [checkpoint] section. Group namespaces both checkpoints
// and shard locks. A zero TimeToLive keeps checkpoints forever.
type Checkpoint struct {
	Table         string        `ini:"table"`
	Group         string        `ini:"group"`
	ReadCapacity  int64         `ini:"read_capacity"`
	WriteCapacity int64         `ini:"write_capacity"`
	CreateRetries int           `ini:"create_retries"`
	CreateDelay   time.Duration `ini:"create_delay"`
	TimeToLive    time.Duration `ini:"time_to_live"`
}

// Consumer is the [consumer] section. An empty InstanceID is replaced by a
// random one at startup.
type Consumer struct {
	InstanceID        string        `ini:"instance_id"`
	DiscoveryInterval time.Duration `ini:"discovery_interval"`
	PollInterval      time.Duration `ini:"poll_interval"`
	MaxRecords        int64         `ini:"max_records"`
	HandlerRetries    int           `ini:"handler_retries"`
	HandlerRetryDelay time.Duration `ini:"handler_retry_delay"`
	GracePeriod       time.Duration `ini:"grace_period"`
	CallTimeout       time.Duration `ini:"call_timeout"`
}

// Backend is the [backend] section.
type Backend struct {
	Type         string `ini:"type"`
	StreamSource string `ini:"stream_source"`
	Region       string `ini:"region"`
	Endpoint     string `ini:"endpoint"`
	RedisAddr    string `ini:"redis_addr"`
	RedisDB      int    `ini:"redis_db"`
	PostgresDSN  string `ini:"postgres_dsn"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Stream: Stream{
			ShardCount:       1,
			InitialPosition:  string(stream.Latest),
			ProvisionRetries: 50,
			ProvisionDelay:   time.Second,
		},
		Locks: Locks{
			Table:           lock.DefaultTable,
			LeaseDuration:   20 * time.Second,
			HeartbeatPeriod: 5 * time.Second,
			RefreshPeriod:   time.Second,
			CreateRetries:   25,
			CreateDelay:     time.Second,
			ReadCapacity:    1,
			WriteCapacity:   1,
		},
		Checkpoint: Checkpoint{
			Table:         checkpoint.DefaultTable,
			ReadCapacity:  1,
			WriteCapacity: 1,
			CreateRetries: 25,
			CreateDelay:   time.Second,
		},
		Consumer: Consumer{
			DiscoveryInterval: 30 * time.Second,
			PollInterval:      time.Second,
			MaxRecords:        1000,
			HandlerRetries:    3,
			HandlerRetryDelay: time.Second,
			GracePeriod:       10 * time.Second,
			CallTimeout:       10 * time.Second,
		},
		Backend: Backend{
			Type:         BackendDynamoDB,
			StreamSource: SourceKinesis,
		},
	}
}

// Load reads the INI file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %q", path)
	}
	return parse(f)
}

// LoadBytes is Load for configuration held in memory.
func LoadBytes(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return parse(f)
}

func parse(f *ini.File) (*Config, error) {
	c := Default()
	if err := f.MapTo(c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first setting the coordinator could not run with.
func (c *Config) Validate() error {
	switch {
	case c.Stream.Name == "":
		return errors.New("config: [stream] name is required")
	case c.Stream.ShardCount < 1:
		return errors.Errorf("config: [stream] shard_count must be at least 1, got %d", c.Stream.ShardCount)
	case c.Stream.ProvisionRetries < 1:
		return errors.Errorf("config: [stream] provision_retries must be at least 1, got %d", c.Stream.ProvisionRetries)
	case c.Locks.LeaseDuration <= 0:
		return errors.Errorf("config: [locks] lease_duration must be positive, got %s", c.Locks.LeaseDuration)
	case c.Locks.HeartbeatPeriod <= 0 || c.Locks.HeartbeatPeriod >= c.Locks.LeaseDuration:
		return errors.Errorf("config: [locks] heartbeat_period %s must be positive and shorter than lease_duration %s",
			c.Locks.HeartbeatPeriod, c.Locks.LeaseDuration)
	case c.Locks.RefreshPeriod < 0:
		return errors.Errorf("config: [locks] refresh_period must not be negative, got %s", c.Locks.RefreshPeriod)
	case c.Locks.CreateRetries < 1:
		return errors.Errorf("config: [locks] create_retries must be at least 1, got %d", c.Locks.CreateRetries)
	case c.Checkpoint.CreateRetries < 1:
		return errors.Errorf("config: [checkpoint] create_retries must be at least 1, got %d", c.Checkpoint.CreateRetries)
	case c.Consumer.HandlerRetries < 0:
		return errors.Errorf("config: [consumer] handler_retries must not be negative, got %d", c.Consumer.HandlerRetries)
	case c.Consumer.MaxRecords < 1:
		return errors.Errorf("config: [consumer] max_records must be at least 1, got %d", c.Consumer.MaxRecords)
	}

	switch stream.PositionType(c.Stream.InitialPosition) {
	case stream.Latest, stream.TrimHorizon:
	default:
		return errors.Errorf("config: [stream] initial_position must be %s or %s, got %q",
			stream.TrimHorizon, stream.Latest, c.Stream.InitialPosition)
	}

	switch c.Backend.StreamSource {
	case SourceKinesis, SourceDynamoDB:
	default:
		return errors.Errorf("config: unknown [backend] stream_source %q", c.Backend.StreamSource)
	}

	switch c.Backend.Type {
	case BackendDynamoDB, BackendMemory:
	case BackendRedis:
		if c.Backend.RedisAddr == "" {
			return errors.New("config: [backend] redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Backend.PostgresDSN == "" {
			return errors.New("config: [backend] postgres_dsn is required for the postgres backend")
		}
	default:
		return errors.Errorf("config: unknown [backend] type %q", c.Backend.Type)
	}
	return nil
}

// InitialPosition returns where shards without a checkpoint start.
func (c *Config) InitialPosition() stream.PositionType {
	return stream.PositionType(c.Stream.InitialPosition)
}
