package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uncovering-world/track-your-regions/internal/region"
)

func TestMemoryStoreLastWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const h = region.HierarchyID(7)

	require.NoError(t, store.Put(ctx, &Record{HierarchyID: h, Status: StatusStarting}))
	require.NoError(t, store.Put(ctx, &Record{HierarchyID: h, Status: StatusComputing, Processed: 3}))

	rec, err := store.Get(ctx, h)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusComputing, rec.Status)
	assert.Equal(t, 3, rec.Processed)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	rec, err := store.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStoreCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const h = region.HierarchyID(1)

	found, err := store.RequestCancel(ctx, h)
	require.NoError(t, err)
	assert.False(t, found, "cancel without a record reports not found")

	require.NoError(t, store.Put(ctx, &Record{HierarchyID: h, Status: StatusComputing}))
	found, err = store.RequestCancel(ctx, h)
	require.NoError(t, err)
	assert.True(t, found)

	rec, err := store.Get(ctx, h)
	require.NoError(t, err)
	assert.True(t, rec.CancelRequested)

	// Cancel after completion is a no-op, not an error.
	require.NoError(t, store.Put(ctx, &Record{HierarchyID: h, Status: StatusComplete}))
	found, err = store.RequestCancel(ctx, h)
	require.NoError(t, err)
	assert.True(t, found)
	rec, err = store.Get(ctx, h)
	require.NoError(t, err)
	assert.False(t, rec.CancelRequested)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const h = region.HierarchyID(2)

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Put(ctx, &Record{HierarchyID: h, Status: StatusComplete}))
	require.NoError(t, store.ExpireAfter(ctx, h, 30*time.Second))

	// Still visible inside the grace period.
	rec, err := store.Get(ctx, h)
	require.NoError(t, err)
	require.NotNil(t, rec)

	now = now.Add(31 * time.Second)
	rec, err = store.Get(ctx, h)
	require.NoError(t, err)
	assert.Nil(t, rec, "record evicted after the grace period")
}

func TestMemoryStorePutResetsExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const h = region.HierarchyID(3)

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Put(ctx, &Record{HierarchyID: h, Status: StatusComplete}))
	require.NoError(t, store.ExpireAfter(ctx, h, time.Second))

	// A fresh batch record for the same hierarchy must not inherit the
	// scheduled eviction.
	require.NoError(t, store.Put(ctx, &Record{HierarchyID: h, Status: StatusStarting}))
	now = now.Add(time.Minute)
	rec, err := store.Get(ctx, h)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusStarting, rec.Status)
}
