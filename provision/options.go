package provision

import (
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// Option is used to override default values when creating a new Provisioner
type Option func(*Provisioner)

// WithRetries sets how many times the stream status is polled before giving up
func WithRetries(retries int) Option {
	return func(p *Provisioner) {
		p.retries = retries
	}
}

// WithDelay sets the wait between status polls
func WithDelay(delay time.Duration) Option {
	return func(p *Provisioner) {
		p.delay = delay
	}
}

// WithExponentialBackoff grows the wait between polls, starting from the delay
func WithExponentialBackoff() Option {
	return func(p *Provisioner) {
		p.exponential = true
	}
}

// WithAutoAddShards lets EnsureStream reshard a stream that has fewer open
// shards than desired
func WithAutoAddShards(enabled bool) Option {
	return func(p *Provisioner) {
		p.autoAddShards = enabled
	}
}

// WithClock overrides the clock used between polls
func WithClock(clock clockwork.Clock) Option {
	return func(p *Provisioner) {
		p.clock = clock
	}
}

// WithLogger overrides the default logger
func WithLogger(logger log.Interface) Option {
	return func(p *Provisioner) {
		p.logger = logger
	}
}
