package lock

import (
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// Option is used to override default values when creating a new Registry
type Option func(*Registry)

// WithTable overrides the lock table name
func WithTable(table string) Option {
	return func(r *Registry) {
		r.table = table
	}
}

// WithKeyPrefix namespaces every lock key, e.g. per consumer group
func WithKeyPrefix(prefix string) Option {
	return func(r *Registry) {
		r.prefix = prefix
	}
}

// WithCapacity sets the read and write capacity requested at table creation
func WithCapacity(read, write int64) Option {
	return func(r *Registry) {
		r.readCapacity = read
		r.writeCapacity = write
	}
}

// WithCreateRetries bounds how long Init waits for the lock table
func WithCreateRetries(retries int, delay time.Duration) Option {
	return func(r *Registry) {
		r.createRetries = retries
		r.createDelay = delay
	}
}

// WithClock overrides the clock used for lease expiry
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithLogger overrides the default logger
func WithLogger(logger log.Interface) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}
