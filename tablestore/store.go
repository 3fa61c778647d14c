// Package tablestore is the key-value store backing shard locks and
// checkpoints. Every backend offers the same conditional-write contract: an
// item carries a version token that is replaced on each write, and a write
// that names an expected version only succeeds while the stored token still
// matches.
package tablestore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/bdna/kinesis-consumer-group/internal"
)

var (
	// ErrNotFound is returned by Get when the key is absent or its TTL passed.
	ErrNotFound = errors.New("tablestore: item not found")

	// ErrVersionConflict is returned when the stored version token does not
	// match the expected one.
	ErrVersionConflict = errors.New("tablestore: version conflict")

	// ErrStoreInitialization is returned when a backing table is still not
	// ready after the configured number of retries.
	ErrStoreInitialization = errors.New("tablestore: table not ready")
)

// Item is a single record in a table.
type Item struct {
	Key        string
	Attributes map[string]string
	Version    string

	// ExpiresAt is the time-to-live deadline. Zero means the item never expires.
	ExpiresAt time.Time
}

// Attr returns the named attribute or an empty string.
func (i *Item) Attr(name string) string {
	if i == nil || i.Attributes == nil {
		return ""
	}
	return i.Attributes[name]
}

// TableSpec holds the table creation parameters. Capacities are passed
// through to backends that understand them.
type TableSpec struct {
	Name          string
	ReadCapacity  int64
	WriteCapacity int64
	TimeToLive    bool
}

// Store is a generic conditional key-value store over named tables.
type Store interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, table, key string) (*Item, error)

	// ConditionalPut writes item only if the stored version equals
	// expectedVersion. An empty expectedVersion requires the key to be absent.
	// It returns the new version token or ErrVersionConflict.
	ConditionalPut(ctx context.Context, table string, item Item, expectedVersion string) (string, error)

	// Put is an unconditional upsert.
	Put(ctx context.Context, table string, item Item) (string, error)

	// Delete removes key. A non-empty expectedVersion makes the delete
	// conditional. Deleting an absent key is not an error.
	Delete(ctx context.Context, table, key, expectedVersion string) error

	// CreateTable requests table creation. An existing table is not an error.
	CreateTable(ctx context.Context, spec TableSpec) error

	// TableReady reports whether the table exists and accepts reads and writes.
	TableReady(ctx context.Context, table string) (bool, error)
}

// TimeToLiveEnabler is implemented by backends where item expiry has to be
// switched on per table.
type TimeToLiveEnabler interface {
	EnableTimeToLive(ctx context.Context, table string) error
}

// EnsureTable creates the table if needed and polls until it is ready,
// waiting delay between at most retries readiness checks.
func EnsureTable(ctx context.Context, s Store, spec TableSpec, retries int, delay time.Duration) error {
	return ensureTable(ctx, s, spec, retries, delay, clockwork.NewRealClock())
}

func ensureTable(ctx context.Context, s Store, spec TableSpec, retries int, delay time.Duration, clock clockwork.Clock) error {
	if err := s.CreateTable(ctx, spec); err != nil {
		return errors.Wrapf(err, "create table %q", spec.Name)
	}

	b := internal.NewFixedBackOff(delay, retries)
	for {
		ready, err := s.TableReady(ctx, spec.Name)
		if err != nil && !internal.Transient(err) {
			return errors.Wrapf(err, "describe table %q", spec.Name)
		}
		if ready {
			break
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return errors.Wrapf(ErrStoreInitialization, "table %q after %d retries", spec.Name, retries)
		}
		if err := internal.Sleep(ctx, clock, next); err != nil {
			return err
		}
	}

	if !spec.TimeToLive {
		return nil
	}
	if ttl, ok := s.(TimeToLiveEnabler); ok {
		if err := ttl.EnableTimeToLive(ctx, spec.Name); err != nil {
			return errors.Wrapf(err, "enable time to live on %q", spec.Name)
		}
	}
	return nil
}

func newVersion() string {
	return uuid.New().String()
}
