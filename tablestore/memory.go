package tablestore

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// MemoryStore is an in-process Store. It backs single-instance deployments
// and tests; instances in different processes do not see each other's items.
type MemoryStore struct {
	clock clockwork.Clock

	mu     sync.Mutex
	tables map[string]map[string]Item
}

// MemoryOption overrides MemoryStore defaults.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used to expire items.
func WithMemoryClock(clock clockwork.Clock) MemoryOption {
	return func(m *MemoryStore) {
		m.clock = clock
	}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tables: make(map[string]map[string]Item),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	return m
}

// lookup returns the live item under key. Expired items are dropped.
// m.mu must be held.
func (m *MemoryStore) lookup(table, key string) (map[string]Item, Item, bool, error) {
	t, ok := m.tables[table]
	if !ok {
		return nil, Item{}, false, errors.Errorf("table %q does not exist", table)
	}
	item, ok := t[key]
	if ok && !item.ExpiresAt.IsZero() && !m.clock.Now().Before(item.ExpiresAt) {
		delete(t, key)
		return t, Item{}, false, nil
	}
	return t, item, ok, nil
}

func (m *MemoryStore) Get(_ context.Context, table, key string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, item, ok, err := m.lookup(table, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(item), nil
}

func (m *MemoryStore) ConditionalPut(_ context.Context, table string, item Item, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, current, ok, err := m.lookup(table, item.Key)
	if err != nil {
		return "", err
	}
	if expectedVersion == "" && ok {
		return "", ErrVersionConflict
	}
	if expectedVersion != "" && (!ok || current.Version != expectedVersion) {
		return "", ErrVersionConflict
	}
	return m.store(t, item), nil
}

func (m *MemoryStore) Put(_ context.Context, table string, item Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, _, _, err := m.lookup(table, item.Key)
	if err != nil {
		return "", err
	}
	return m.store(t, item), nil
}

func (m *MemoryStore) Delete(_ context.Context, table, key, expectedVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, current, ok, err := m.lookup(table, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if expectedVersion != "" && current.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(t, key)
	return nil
}

func (m *MemoryStore) CreateTable(_ context.Context, spec TableSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[spec.Name]; !ok {
		m.tables[spec.Name] = make(map[string]Item)
	}
	return nil
}

func (m *MemoryStore) TableReady(_ context.Context, table string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tables[table]
	return ok, nil
}

func (m *MemoryStore) store(t map[string]Item, item Item) string {
	stored := *copyItem(item)
	stored.Version = newVersion()
	t[item.Key] = stored
	return stored.Version
}

func copyItem(item Item) *Item {
	c := item
	if item.Attributes != nil {
		c.Attributes = make(map[string]string, len(item.Attributes))
		for k, v := range item.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
