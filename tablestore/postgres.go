package tablestore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgresStore is a Store over PostgreSQL. Each named table is a SQL table
// with attributes kept as two parallel text arrays.
type PostgresStore struct {
	db    *sql.DB
	clock clockwork.Clock
}

// PostgresOption overrides PostgresStore defaults.
type PostgresOption func(*PostgresStore)

// WithPostgresClock overrides the clock used for item expiry.
func WithPostgresClock(clock clockwork.Clock) PostgresOption {
	return func(p *PostgresStore) {
		p.clock = clock
	}
}

// NewPostgresStore opens a connection pool for dsn using the lib/pq driver.
func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return NewPostgresStoreFromDB(db, opts...), nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	p := &PostgresStore{db: db}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	return p
}

// Close closes the underlying pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Get(ctx context.Context, table, key string) (*Item, error) {
	var (
		names, values []string
		expiresAt     pq.NullTime
		item          = &Item{Key: key}
	)
	row := p.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT attr_names, attr_values, version, expires_at FROM %s WHERE key = $1`,
		pq.QuoteIdentifier(table),
	), key)
	err := row.Scan(pq.Array(&names), pq.Array(&values), &item.Version, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %q from %q", key, table)
	}

	item.Attributes = make(map[string]string, len(names))
	for i, name := range names {
		if i < len(values) {
			item.Attributes[name] = values[i]
		}
	}
	if expiresAt.Valid {
		item.ExpiresAt = expiresAt.Time
		if !p.clock.Now().Before(item.ExpiresAt) {
			return nil, ErrNotFound
		}
	}
	return item, nil
}

func (p *PostgresStore) ConditionalPut(ctx context.Context, table string, item Item, expectedVersion string) (string, error) {
	names, values := splitAttributes(item.Attributes)
	version := newVersion()
	t := pq.QuoteIdentifier(table)

	var (
		res sql.Result
		err error
	)
	if expectedVersion == "" {
		// An expired row counts as absent.
		res, err = p.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s AS t (key, attr_names, attr_values, version, expires_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO UPDATE SET attr_names = EXCLUDED.attr_names, attr_values = EXCLUDED.attr_values,
			version = EXCLUDED.version, expires_at = EXCLUDED.expires_at
			WHERE t.expires_at IS NOT NULL AND t.expires_at <= $6`, t),
			item.Key, pq.Array(names), pq.Array(values), version, nullTime(item.ExpiresAt), p.clock.Now(),
		)
	} else {
		res, err = p.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET attr_names = $2, attr_values = $3, version = $4, expires_at = $5 WHERE key = $1 AND version = $6`, t),
			item.Key, pq.Array(names), pq.Array(values), version, nullTime(item.ExpiresAt), expectedVersion,
		)
	}
	if err != nil {
		return "", errors.Wrapf(err, "conditional put %q into %q", item.Key, table)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", errors.Wrapf(err, "conditional put %q into %q", item.Key, table)
	}
	if n == 0 {
		return "", ErrVersionConflict
	}
	return version, nil
}

func (p *PostgresStore) Put(ctx context.Context, table string, item Item) (string, error) {
	names, values := splitAttributes(item.Attributes)
	version := newVersion()

	_, err := p.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, attr_names, attr_values, version, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET attr_names = EXCLUDED.attr_names, attr_values = EXCLUDED.attr_values,
		version = EXCLUDED.version, expires_at = EXCLUDED.expires_at`, pq.QuoteIdentifier(table)),
		item.Key, pq.Array(names), pq.Array(values), version, nullTime(item.ExpiresAt),
	)
	if err != nil {
		return "", errors.Wrapf(err, "put %q into %q", item.Key, table)
	}
	return version, nil
}

func (p *PostgresStore) Delete(ctx context.Context, table, key, expectedVersion string) error {
	t := pq.QuoteIdentifier(table)
	if expectedVersion == "" {
		_, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t), key)
		return errors.Wrapf(err, "delete %q from %q", key, table)
	}

	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND version = $2`, t), key, expectedVersion)
	if err != nil {
		return errors.Wrapf(err, "delete %q from %q", key, table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "delete %q from %q", key, table)
	}
	if n > 0 {
		return nil
	}

	// Nothing deleted: either the row is gone or its version moved on.
	var exists bool
	err = p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1)`, t), key).Scan(&exists)
	if err != nil {
		return errors.Wrapf(err, "delete %q from %q", key, table)
	}
	if exists {
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) CreateTable(ctx context.Context, spec TableSpec) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key         TEXT PRIMARY KEY,
		attr_names  TEXT[] NOT NULL,
		attr_values TEXT[] NOT NULL,
		version     TEXT NOT NULL,
		expires_at  TIMESTAMPTZ
	)`, pq.QuoteIdentifier(spec.Name)))
	return err
}

func (p *PostgresStore) TableReady(ctx context.Context, table string) (bool, error) {
	var ready bool
	err := p.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, pq.QuoteIdentifier(table)).Scan(&ready)
	if err != nil {
		return false, err
	}
	return ready, nil
}

func splitAttributes(attrs map[string]string) ([]string, []string) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, len(names))
	for i, name := range names {
		values[i] = attrs[name]
	}
	return names, values
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
