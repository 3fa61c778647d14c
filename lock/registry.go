// Package lock implements a lease-based lock registry over a tablestore.Store.
//
// A lock is a table item holding the owner and the lease expiry. Every
// acquisition and renewal is a conditional write against the item's version
// token, so two instances racing for the same key cannot both win, and an
// owner whose lease was captured by someone else finds out on its next renew.
package lock

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/bdna/kinesis-consumer-group/internal"
	"github.com/bdna/kinesis-consumer-group/tablestore"
)

// DefaultTable is the lock table used when WithTable is not given.
const DefaultTable = "kinesis_lock_registry"

const (
	ownerAttr  = "owner"
	expiryAttr = "leaseExpiry"
)

var (
	// ErrBusy is returned by Acquire when another owner holds a live lease.
	ErrBusy = errors.New("lock: held by another owner")

	// ErrLeaseLost is returned by Renew when the lease expired or another
	// owner acquired the lock. The caller must stop working on the resource.
	ErrLeaseLost = errors.New("lock: lease lost")
)

// Lock is a held lease. Version is the fencing token of the last successful
// write; it changes on every renewal.
type Lock struct {
	Key     string
	Owner   string
	Expiry  time.Time
	Version string
	Lease   time.Duration
}

// Expired reports whether the lease has run out at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.Expiry)
}

// Registry acquires, renews and releases locks.
type Registry struct {
	store  tablestore.Store
	table  string
	prefix string

	readCapacity  int64
	writeCapacity int64
	createRetries int
	createDelay   time.Duration

	clock  clockwork.Clock
	logger log.Interface
}

// NewRegistry returns a Registry storing locks in store.
func NewRegistry(store tablestore.Store, opts ...Option) *Registry {
	r := &Registry{
		store:         store,
		table:         DefaultTable,
		readCapacity:  1,
		writeCapacity: 1,
		createRetries: 25,
		createDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.logger == nil {
		r.logger = internal.DiscardLogger()
	}
	return r
}

// Init makes sure the lock table exists and is ready.
func (r *Registry) Init(ctx context.Context) error {
	spec := tablestore.TableSpec{
		Name:          r.table,
		ReadCapacity:  r.readCapacity,
		WriteCapacity: r.writeCapacity,
	}
	return tablestore.EnsureTable(ctx, r.store, spec, r.createRetries, r.createDelay)
}

// Acquire claims key for owner for the lease duration. It succeeds when no
// lock exists, when the stored lease has expired, or when owner already holds
// it. Otherwise it returns ErrBusy, including when another instance wins a
// concurrent attempt.
func (r *Registry) Acquire(ctx context.Context, key, owner string, lease time.Duration) (*Lock, error) {
	if lease <= 0 {
		return nil, errors.Errorf("acquire %q: lease must be positive, got %s", key, lease)
	}

	now := r.clock.Now()
	expected := ""
	current, err := r.store.Get(ctx, r.table, r.key(key))
	switch {
	case errors.Cause(err) == tablestore.ErrNotFound:
	case err != nil:
		return nil, errors.Wrapf(err, "acquire %q", key)
	default:
		holder := current.Attr(ownerAttr)
		if expiry, perr := parseExpiry(current); perr == nil && now.Before(expiry) && holder != owner {
			return nil, errors.Wrapf(ErrBusy, "%q held by %q until %s", key, holder, expiry.Format(time.RFC3339))
		}
		expected = current.Version
	}

	l := &Lock{
		Key:    key,
		Owner:  owner,
		Expiry: now.Add(lease),
		Lease:  lease,
	}
	version, err := r.store.ConditionalPut(ctx, r.table, r.item(l), expected)
	if errors.Cause(err) == tablestore.ErrVersionConflict {
		return nil, errors.Wrapf(ErrBusy, "%q captured concurrently", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "acquire %q", key)
	}
	l.Version = version

	r.logger.WithFields(log.Fields{
		"key":    key,
		"owner":  owner,
		"expiry": l.Expiry,
	}).Debug("lock acquired")
	return l, nil
}

// Renew extends the lease of l. It returns the renewed lock, which carries a
// new version token, or ErrLeaseLost if l expired or was captured. Any other
// error leaves ownership undecided and the caller may retry before expiry.
func (r *Registry) Renew(ctx context.Context, l *Lock) (*Lock, error) {
	now := r.clock.Now()
	if l.Expired(now) {
		return nil, errors.Wrapf(ErrLeaseLost, "%q expired at %s", l.Key, l.Expiry.Format(time.RFC3339))
	}

	renewed := *l
	renewed.Expiry = now.Add(l.Lease)
	version, err := r.store.ConditionalPut(ctx, r.table, r.item(&renewed), l.Version)
	if errors.Cause(err) == tablestore.ErrVersionConflict {
		return nil, errors.Wrapf(ErrLeaseLost, "%q was acquired by another owner", l.Key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "renew %q", l.Key)
	}
	renewed.Version = version
	return &renewed, nil
}

// Release deletes l if it is still the current lock. Releasing a lock that is
// gone or owned by someone else is a no-op.
func (r *Registry) Release(ctx context.Context, l *Lock) error {
	err := r.store.Delete(ctx, r.table, r.key(l.Key), l.Version)
	if errors.Cause(err) == tablestore.ErrVersionConflict {
		r.logger.WithField("key", l.Key).Debug("lock already taken over, nothing to release")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "release %q", l.Key)
	}
	return nil
}

func (r *Registry) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *Registry) item(l *Lock) tablestore.Item {
	return tablestore.Item{
		Key: r.key(l.Key),
		Attributes: map[string]string{
			ownerAttr:  l.Owner,
			expiryAttr: l.Expiry.UTC().Format(time.RFC3339Nano),
		},
	}
}

// parseExpiry reads the lease expiry of a stored lock. Unreadable records are
// treated as expired by the caller.
func parseExpiry(item *tablestore.Item) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, item.Attr(expiryAttr))
}
