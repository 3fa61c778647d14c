package checkpoint

import (
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// Option is used to override default values when creating a new Store
type Option func(*Store)

// WithTable overrides the checkpoint table name
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// WithGroup namespaces checkpoints by consumer group
func WithGroup(group string) Option {
	return func(s *Store) {
		s.group = group
	}
}

// WithTimeToLive lets the table store expire checkpoints that were not
// updated for ttl. Zero disables expiry.
func WithTimeToLive(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithCapacity sets the read and write capacity requested at table creation
func WithCapacity(read, write int64) Option {
	return func(s *Store) {
		s.readCapacity = read
		s.writeCapacity = write
	}
}

// WithCreateRetries bounds how long Init waits for the checkpoint table
func WithCreateRetries(retries int, delay time.Duration) Option {
	return func(s *Store) {
		s.createRetries = retries
		s.createDelay = delay
	}
}

// WithClock overrides the clock used for timestamps and expiry
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithLogger overrides the default logger
func WithLogger(logger log.Interface) Option {
	return func(s *Store) {
		s.logger = logger
	}
}
