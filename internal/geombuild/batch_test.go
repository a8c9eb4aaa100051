package geombuild

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uncovering-world/track-your-regions/internal/geomengine/enginetest"
	"github.com/uncovering-world/track-your-regions/internal/geombuild/progress"
	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
)

func newTestDriver(t *testing.T, store *region.MemoryStore, engine *enginetest.Fake) (*BatchDriver, progress.Store) {
	t.Helper()
	builder := newTestBuilder(t, store, engine)
	prog := progress.NewMemoryStore()
	driver, err := NewBatchDriver(store, builder, prog)
	require.NoError(t, err)
	return driver, prog
}

func waitTerminal(t *testing.T, driver *BatchDriver, id region.HierarchyID) *progress.Record {
	t.Helper()
	var rec *progress.Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = driver.Status(context.Background(), id)
		return err == nil && rec != nil && rec.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return rec
}

func TestBatchComputesWholeHierarchy(t *testing.T) {
	store := region.NewMemoryStore()
	root, a, b, a1, a2 := buildTree(store)

	driver, _ := newTestDriver(t, store, enginetest.NewFake())
	rec, err := driver.Start(context.Background(), 1, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Total)

	final := waitTerminal(t, driver, 1)
	assert.Equal(t, progress.StatusComplete, final.Status)
	assert.Equal(t, 5, final.Processed)
	assert.Equal(t, 5, final.Computed)
	assert.Zero(t, final.Errors)

	for _, id := range []region.RegionID{root, a, b, a1, a2} {
		assert.True(t, hasGeometry(t, store, id), "region %d", id)
	}
}

func TestBatchResumesWhereItLeftOff(t *testing.T) {
	store := region.NewMemoryStore()
	_, a, _, a1, a2 := buildTree(store)

	ctx := context.Background()
	require.NoError(t, store.WriteGeometry(ctx, a, square(0, 0, 2)))
	require.NoError(t, store.WriteGeometry(ctx, a1, square(0, 0, 1)))
	require.NoError(t, store.WriteGeometry(ctx, a2, square(1, 0, 1)))

	driver, _ := newTestDriver(t, store, enginetest.NewFake())
	rec, err := driver.Start(ctx, 1, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Total, "only root and B still need geometry")

	final := waitTerminal(t, driver, 1)
	assert.Equal(t, 2, final.Computed)
}

func TestBatchForceRecomputesEverything(t *testing.T) {
	store := region.NewMemoryStore()
	_, a, _, _, _ := buildTree(store)
	require.NoError(t, store.WriteGeometry(context.Background(), a, square(0, 0, 2)))

	driver, _ := newTestDriver(t, store, enginetest.NewFake())
	rec, err := driver.Start(context.Background(), 1, BatchOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Total)

	waitTerminal(t, driver, 1)
}

func TestBatchSingleFlightPerHierarchy(t *testing.T) {
	store := region.NewMemoryStore()
	buildTree(store)

	engine := enginetest.NewFake()
	engine.OpDelay = 30 * time.Millisecond
	driver, _ := newTestDriver(t, store, engine)

	_, err := driver.Start(context.Background(), 1, BatchOptions{})
	require.NoError(t, err)

	_, err = driver.Start(context.Background(), 1, BatchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, dErrors.Is(err, dErrors.CodeConflict))

	require.NoError(t, driver.Cancel(context.Background(), 1))
	waitTerminal(t, driver, 1)

	// A terminal record no longer blocks a fresh start.
	_, err = driver.Start(context.Background(), 1, BatchOptions{})
	require.NoError(t, err)
	waitTerminal(t, driver, 1)
}

func TestBatchCancellationStopsAtRegionBoundary(t *testing.T) {
	store := region.NewMemoryStore()
	buildTree(store)

	engine := enginetest.NewFake()
	engine.OpDelay = 30 * time.Millisecond
	driver, _ := newTestDriver(t, store, engine)

	_, err := driver.Start(context.Background(), 1, BatchOptions{})
	require.NoError(t, err)

	// Let at least one region finish, then cancel.
	require.Eventually(t, func() bool {
		rec, err := driver.Status(context.Background(), 1)
		return err == nil && rec != nil && rec.Processed >= 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, driver.Cancel(context.Background(), 1))

	final := waitTerminal(t, driver, 1)
	assert.Equal(t, progress.StatusCancelled, final.Status)
	assert.Less(t, final.Processed, final.Total)
}

func TestBatchCancelWithoutBatch(t *testing.T) {
	store := region.NewMemoryStore()
	driver, _ := newTestDriver(t, store, enginetest.NewFake())

	err := driver.Cancel(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, dErrors.Is(err, dErrors.CodeNotFound))
}

func TestBatchPerRegionFailureContinues(t *testing.T) {
	store := region.NewMemoryStore()
	buildTree(store)

	engine := enginetest.NewFake()
	engine.Err = assert.AnError
	driver, _ := newTestDriver(t, store, engine)

	_, err := driver.Start(context.Background(), 1, BatchOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, driver, 1)
	assert.Equal(t, progress.StatusComplete, final.Status, "failures do not abort the batch")
	assert.Equal(t, final.Total, final.Processed)
	assert.NotZero(t, final.Errors)
}

func TestBatchOrdersDeepestFirst(t *testing.T) {
	store := region.NewMemoryStore()
	buildTree(store)

	regions, err := store.HierarchyRegionsByDepth(context.Background(), 1, true)
	require.NoError(t, err)
	require.Len(t, regions, 5)

	for i := 1; i < len(regions); i++ {
		assert.GreaterOrEqual(t, regions[i-1].Depth, regions[i].Depth,
			"work list must be depth-descending")
	}
}

func TestBatchStatusUnknownHierarchy(t *testing.T) {
	store := region.NewMemoryStore()
	driver, _ := newTestDriver(t, store, enginetest.NewFake())

	rec, err := driver.Status(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBatchStartBlockedWhileCancelPending(t *testing.T) {
	store := region.NewMemoryStore()
	buildTree(store)
	driver, prog := newTestDriver(t, store, enginetest.NewFake())

	// A driver is mid-flight: its record is not terminal yet and a cancel
	// has been requested but not yet honored at a region boundary.
	ctx := context.Background()
	require.NoError(t, prog.Put(ctx, &progress.Record{
		HierarchyID:     1,
		Status:          progress.StatusComputing,
		CancelRequested: true,
		Total:           5,
		Processed:       2,
	}))

	// Accepting a start here would overwrite the shared record and lose
	// the cancel flag, leaving the old batch to run to completion.
	_, err := driver.Start(ctx, 1, BatchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	rec, err := driver.Status(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.CancelRequested, "rejected start must not clear the cancel flag")
	assert.Equal(t, 2, rec.Processed, "rejected start must not reset progress")

	// Once the old driver writes its terminal snapshot the hierarchy is
	// free again.
	require.NoError(t, prog.Put(ctx, &progress.Record{
		HierarchyID:     1,
		Status:          progress.StatusCancelled,
		CancelRequested: true,
	}))
	_, err = driver.Start(ctx, 1, BatchOptions{})
	require.NoError(t, err)
	final := waitTerminal(t, driver, 1)
	assert.Equal(t, progress.StatusComplete, final.Status)
}

func TestBatchCancelThenImmediateRestart(t *testing.T) {
	store := region.NewMemoryStore()
	buildTree(store)

	engine := enginetest.NewFake()
	engine.OpDelay = 30 * time.Millisecond
	driver, _ := newTestDriver(t, store, engine)

	ctx := context.Background()
	_, err := driver.Start(ctx, 1, BatchOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := driver.Status(ctx, 1)
		return err == nil && rec != nil && rec.Processed >= 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, driver.Cancel(ctx, 1))

	// A restart races the draining batch. It is rejected with a conflict
	// until the cancelled record turns terminal, then accepted; the
	// cancel must never be silently dropped along the way.
	require.Eventually(t, func() bool {
		_, err := driver.Start(ctx, 1, BatchOptions{})
		if err != nil {
			assert.ErrorIs(t, err, ErrAlreadyRunning)
			rec, serr := driver.Status(ctx, 1)
			require.NoError(t, serr)
			require.NotNil(t, rec)
			assert.True(t, rec.CancelRequested || rec.Terminal())
			return false
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	final := waitTerminal(t, driver, 1)
	assert.Equal(t, progress.StatusComplete, final.Status)
	assert.Zero(t, final.Errors)
}
