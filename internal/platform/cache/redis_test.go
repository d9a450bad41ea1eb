package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-auth/internal/shared"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func TestStoreGetSetDelete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, store.SetWithTTL(ctx, "k", "v", time.Minute))
	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "k"))
	ok, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreRejectsNonPositiveTTL(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.SetWithTTL(context.Background(), "k", "v", 0)
	require.ErrorIs(t, err, shared.ErrInvariantViolation)
}

func TestStoreSets(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	members, err := store.SetMembers(ctx, "set")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, store.AddToSet(ctx, "set", "a"))
	require.NoError(t, store.AddToSet(ctx, "set", "b"))
	require.NoError(t, store.AddToSet(ctx, "set", "a"))
	members, err = store.SetMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, store.RemoveFromSet(ctx, "set", "a"))
	members, err = store.SetMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestStoreTTLAndExpire(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ttl, err := store.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Less(t, ttl, time.Duration(0))

	require.NoError(t, store.AddToSet(ctx, "set", "a"))
	ttl, err = store.TTL(ctx, "set")
	require.NoError(t, err)
	assert.Less(t, ttl, time.Duration(0))

	require.NoError(t, store.Expire(ctx, "set", time.Hour))
	ttl, err = store.TTL(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)
}

func TestStoreReportsUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "k")
	require.ErrorIs(t, err, shared.ErrStoreUnavailable)
	_, err = store.Exists(context.Background(), "k")
	require.ErrorIs(t, err, shared.ErrStoreUnavailable)
}
