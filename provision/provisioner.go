// Package provision makes sure a stream exists and is active before it is
// consumed, and lists its shards.
package provision

import (
	"context"
	"iter"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/bdna/kinesis-consumer-group/internal"
	"github.com/bdna/kinesis-consumer-group/stream"
)

// ErrProvisioningTimeout is returned by EnsureStream when the stream did not
// become active within the retry budget.
var ErrProvisioningTimeout = errors.New("provision: stream did not become active")

// Descriptor is the provisioned state of a stream.
type Descriptor struct {
	Name              string
	ARN               string
	Status            stream.Status
	Shards            []stream.Shard
	DesiredShardCount int64
}

// OpenShards returns the shards that still accept records.
func (d *Descriptor) OpenShards() []stream.Shard {
	var open []stream.Shard
	for _, s := range d.Shards {
		if !s.Closed() {
			open = append(open, s)
		}
	}
	return open
}

// ShardCountMismatch reports whether the number of open shards differs from
// the desired shard count.
func (d *Descriptor) ShardCountMismatch() bool {
	return d.DesiredShardCount > 0 && int64(len(d.OpenShards())) != d.DesiredShardCount
}

// Provisioner ensures streams exist on a stream.Service.
type Provisioner struct {
	svc stream.Service

	retries       int
	delay         time.Duration
	exponential   bool
	autoAddShards bool

	clock  clockwork.Clock
	logger log.Interface
}

// New returns a Provisioner for svc.
func New(svc stream.Service, opts ...Option) *Provisioner {
	p := &Provisioner{
		svc:     svc,
		retries: 50,
		delay:   time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.logger == nil {
		p.logger = internal.DiscardLogger()
	}
	return p
}

// EnsureStream makes sure the stream called name exists and is active. An
// absent stream is created with desiredShardCount shards. A stream in any
// transitional state is polled until active, or until the retry budget runs
// out with ErrProvisioningTimeout. A shard count that differs from
// desiredShardCount is reported on the Descriptor and only acted on when
// WithAutoAddShards is set and the stream has too few open shards.
func (p *Provisioner) EnsureStream(ctx context.Context, name string, desiredShardCount int64) (*Descriptor, error) {
	if desiredShardCount < 1 {
		return nil, errors.Errorf("ensure stream %q: shard count must be positive, got %d", name, desiredShardCount)
	}

	status, err := p.status(ctx, name)
	if err != nil {
		return nil, err
	}

	switch status {
	case stream.StatusAbsent:
		p.logger.WithFields(log.Fields{
			"stream": name,
			"shards": desiredShardCount,
		}).Info("creating stream")
		if err := p.svc.CreateStream(ctx, name, desiredShardCount); err != nil {
			return nil, errors.Wrapf(err, "create stream %q", name)
		}
		if err := p.waitActive(ctx, name); err != nil {
			return nil, err
		}
	case stream.StatusCreating, stream.StatusUpdating:
		if err := p.waitActive(ctx, name); err != nil {
			return nil, err
		}
	case stream.StatusFailed:
		return nil, errors.Errorf("ensure stream %q: stream is in a failed state", name)
	}

	d, err := p.describe(ctx, name, desiredShardCount)
	if err != nil {
		return nil, err
	}
	if !d.ShardCountMismatch() {
		return d, nil
	}

	open := int64(len(d.OpenShards()))
	fields := log.Fields{
		"stream":  name,
		"open":    open,
		"desired": desiredShardCount,
	}
	if !p.autoAddShards || open > desiredShardCount {
		p.logger.WithFields(fields).Warn("shard count does not match")
		return d, nil
	}

	p.logger.WithFields(fields).Info("adding shards")
	if err := p.svc.UpdateShardCount(ctx, name, desiredShardCount); err != nil {
		return nil, errors.Wrapf(err, "update shard count of %q", name)
	}
	if err := p.waitActive(ctx, name); err != nil {
		return nil, err
	}
	return p.describe(ctx, name, desiredShardCount)
}

// Shards returns the current shards of the stream, fetching one page of the
// description at a time as the sequence is consumed. Each call starts from
// the first page, so ranging again observes topology changes.
func (p *Provisioner) Shards(ctx context.Context, name string) iter.Seq2[stream.Shard, error] {
	return func(yield func(stream.Shard, error) bool) {
		for page, err := range p.pages(ctx, name) {
			if err != nil {
				yield(stream.Shard{}, err)
				return
			}
			for _, s := range page.Shards {
				if !yield(s, nil) {
					return
				}
			}
		}
	}
}

// ListShards collects Shards into a slice.
func (p *Provisioner) ListShards(ctx context.Context, name string) ([]stream.Shard, error) {
	var shards []stream.Shard
	for s, err := range p.Shards(ctx, name) {
		if err != nil {
			return nil, err
		}
		shards = append(shards, s)
	}
	return shards, nil
}

func (p *Provisioner) status(ctx context.Context, name string) (stream.Status, error) {
	desc, err := p.svc.DescribeStream(ctx, name, "")
	if errors.Cause(err) == stream.ErrStreamNotFound {
		return stream.StatusAbsent, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "describe stream %q", name)
	}
	return desc.Status, nil
}

// waitActive polls the stream status until it is active.
func (p *Provisioner) waitActive(ctx context.Context, name string) error {
	b := p.backOff()
	for attempt := 1; ; attempt++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			return errors.Wrapf(ErrProvisioningTimeout, "%q after %d polls", name, attempt-1)
		}
		if err := internal.Sleep(ctx, p.clock, next); err != nil {
			return err
		}

		status, err := p.status(ctx, name)
		if err != nil && !internal.Transient(err) {
			return err
		}
		p.logger.WithFields(log.Fields{
			"stream":  name,
			"status":  status,
			"attempt": attempt,
		}).Debug("waiting for stream")

		switch status {
		case stream.StatusActive:
			return nil
		case stream.StatusFailed:
			return errors.Errorf("stream %q failed while provisioning", name)
		}
	}
}

func (p *Provisioner) backOff() backoff.BackOff {
	if !p.exponential {
		return internal.NewFixedBackOff(p.delay, p.retries)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.delay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.retries))
}

func (p *Provisioner) describe(ctx context.Context, name string, desired int64) (*Descriptor, error) {
	d := &Descriptor{
		Name:              name,
		DesiredShardCount: desired,
	}
	for page, err := range p.pages(ctx, name) {
		if err != nil {
			return nil, err
		}
		if d.Status == "" {
			d.ARN = page.ARN
			d.Status = page.Status
		}
		d.Shards = append(d.Shards, page.Shards...)
	}
	return d, nil
}

// pages walks the stream description page by page.
func (p *Provisioner) pages(ctx context.Context, name string) iter.Seq2[*stream.Description, error] {
	return func(yield func(*stream.Description, error) bool) {
		start := ""
		for {
			desc, err := p.svc.DescribeStream(ctx, name, start)
			if err != nil {
				yield(nil, errors.Wrapf(err, "describe stream %q", name))
				return
			}
			if !yield(desc, nil) {
				return
			}
			if !desc.HasMoreShards || len(desc.Shards) == 0 {
				return
			}
			start = desc.Shards[len(desc.Shards)-1].ID
		}
	}
}
