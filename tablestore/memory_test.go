package tablestore

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "locks"

func newTestMemoryStore(t *testing.T, clock clockwork.Clock) *MemoryStore {
	t.Helper()
	m := NewMemoryStore(WithMemoryClock(clock))
	require.NoError(t, m.CreateTable(context.Background(), TableSpec{Name: testTable}))
	return m
}

func TestMemoryStore_ConditionalPut(t *testing.T) {
	ctx := context.Background()
	m := newTestMemoryStore(t, clockwork.NewFakeClock())

	v1, err := m.ConditionalPut(ctx, testTable, Item{Key: "k", Attributes: map[string]string{"owner": "a"}}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, v1)

	// Create-if-absent fails once the key exists.
	_, err = m.ConditionalPut(ctx, testTable, Item{Key: "k"}, "")
	assert.Equal(t, ErrVersionConflict, err)

	// A stale token is rejected.
	_, err = m.ConditionalPut(ctx, testTable, Item{Key: "k"}, "stale")
	assert.Equal(t, ErrVersionConflict, err)

	v2, err := m.ConditionalPut(ctx, testTable, Item{Key: "k", Attributes: map[string]string{"owner": "b"}}, v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	item, err := m.Get(ctx, testTable, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", item.Attr("owner"))
	assert.Equal(t, v2, item.Version)

	// The old token cannot be reused after it was superseded.
	_, err = m.ConditionalPut(ctx, testTable, Item{Key: "k"}, v1)
	assert.Equal(t, ErrVersionConflict, err)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := newTestMemoryStore(t, clockwork.NewFakeClock())

	_, err := m.Put(ctx, testTable, Item{Key: "k", Attributes: map[string]string{"position": "1"}})
	require.NoError(t, err)

	item, err := m.Get(ctx, testTable, "k")
	require.NoError(t, err)
	item.Attributes["position"] = "mutated"

	item, err = m.Get(ctx, testTable, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", item.Attr("position"))
}

func TestMemoryStore_TimeToLive(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := newTestMemoryStore(t, clock)

	_, err := m.Put(ctx, testTable, Item{Key: "k", ExpiresAt: clock.Now().Add(time.Minute)})
	require.NoError(t, err)

	_, err = m.Get(ctx, testTable, "k")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = m.Get(ctx, testTable, "k")
	assert.Equal(t, ErrNotFound, err)

	// An expired item no longer blocks create-if-absent.
	_, err = m.ConditionalPut(ctx, testTable, Item{Key: "k"}, "")
	assert.NoError(t, err)
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	m := newTestMemoryStore(t, clockwork.NewFakeClock())

	assert.NoError(t, m.Delete(ctx, testTable, "missing", "any"))

	v, err := m.Put(ctx, testTable, Item{Key: "k"})
	require.NoError(t, err)

	assert.Equal(t, ErrVersionConflict, m.Delete(ctx, testTable, "k", "stale"))
	assert.NoError(t, m.Delete(ctx, testTable, "k", v))
	assert.NoError(t, m.Delete(ctx, testTable, "k", v))

	_, err = m.Get(ctx, testTable, "k")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemoryStore_UnknownTable(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Get(context.Background(), "nope", "k")
	assert.Error(t, err)
	assert.NotEqual(t, ErrNotFound, err)

	ready, err := m.TableReady(context.Background(), "nope")
	assert.NoError(t, err)
	assert.False(t, ready)
}

// slowTable reports the table as not ready for the first notReady checks.
type slowTable struct {
	*MemoryStore
	notReady   int
	checks     int
	ttlEnabled bool
}

func (s *slowTable) TableReady(ctx context.Context, table string) (bool, error) {
	s.checks++
	if s.checks <= s.notReady {
		return false, nil
	}
	return s.MemoryStore.TableReady(ctx, table)
}

func (s *slowTable) EnableTimeToLive(context.Context, string) error {
	s.ttlEnabled = true
	return nil
}

func TestEnsureTable(t *testing.T) {
	testCases := []struct {
		desc      string
		notReady  int
		retries   int
		ttl       bool
		expChecks int
		expErr    error
	}{
		{desc: "ready immediately", notReady: 0, retries: 3, expChecks: 1},
		{desc: "ready on the last retry", notReady: 3, retries: 3, ttl: true, expChecks: 4},
		{desc: "never ready", notReady: 10, retries: 2, expChecks: 3, expErr: ErrStoreInitialization},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			s := &slowTable{MemoryStore: NewMemoryStore(), notReady: tc.notReady}
			err := EnsureTable(context.Background(), s, TableSpec{Name: testTable, TimeToLive: tc.ttl}, tc.retries, time.Millisecond)

			if tc.expErr != nil {
				assert.Equal(t, tc.expErr, errors.Cause(err))
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.expChecks, s.checks)
			assert.Equal(t, tc.ttl && tc.expErr == nil, s.ttlEnabled)
		})
	}
}
