package geombuild

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uncovering-world/track-your-regions/internal/geomengine/enginetest"
	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
)

// buildTree creates root -> (a, b), a -> (a1, a2) with divisions on the
// leaves so every build has sources.
func buildTree(store *region.MemoryStore) (root, a, b, a1, a2 region.RegionID) {
	root = store.AddRegion(&region.Region{Name: "Root", HierarchyID: 1})
	a = store.AddRegion(&region.Region{Name: "A", HierarchyID: 1, ParentID: &root})
	b = store.AddRegion(&region.Region{Name: "B", HierarchyID: 1, ParentID: &root})
	a1 = store.AddRegion(&region.Region{Name: "A1", HierarchyID: 1, ParentID: &a})
	a2 = store.AddRegion(&region.Region{Name: "A2", HierarchyID: 1, ParentID: &a})

	div := func(id region.DivisionID, owner region.RegionID, x float64) {
		store.AddDivision(id, square(x, 0, 1))
		d := id
		store.AddMember(region.Member{RegionID: owner, DivisionID: &d})
	}
	div(1, a1, 0)
	div(2, a2, 1)
	div(3, b, 2)
	return
}

func TestEnsureSubtreeComputedBuildsLeavesFirst(t *testing.T) {
	store := region.NewMemoryStore()
	root, a, b, a1, a2 := buildTree(store)

	builder := newTestBuilder(t, store, enginetest.NewFake())
	n, err := builder.EnsureSubtreeComputed(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, id := range []region.RegionID{a, b, a1, a2} {
		r, err := store.GetRegion(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, r.HasGeometry, "region %d should be built", id)
	}

	// The recursor resolves descendants only; the root itself is the
	// caller's build.
	r, err := store.GetRegion(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, r.HasGeometry)
}

func TestEnsureSubtreeComputedSkipsCached(t *testing.T) {
	store := region.NewMemoryStore()
	root, a, _, a1, a2 := buildTree(store)

	// A cached subtree root terminates the walk: its children are not
	// rebuilt even when missing geometry.
	require.NoError(t, store.WriteGeometry(context.Background(), a, square(0, 0, 2)))

	builder := newTestBuilder(t, store, enginetest.NewFake())
	n, err := builder.EnsureSubtreeComputed(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only B needed building")

	for _, id := range []region.RegionID{a1, a2} {
		r, err := store.GetRegion(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, r.HasGeometry)
	}
}

func TestEnsureSubtreeComputedSkipsCustomBoundaries(t *testing.T) {
	store := region.NewMemoryStore()
	root, a, _, _, _ := buildTree(store)
	require.NoError(t, store.SetCustomBoundary(context.Background(), a, true))

	engine := enginetest.NewFake()
	builder := newTestBuilder(t, store, engine)
	n, err := builder.EnsureSubtreeComputed(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only B; the custom subtree is final")
}

func TestEnsureSubtreeComputedNotFound(t *testing.T) {
	builder := newTestBuilder(t, region.NewMemoryStore(), enginetest.NewFake())
	_, err := builder.EnsureSubtreeComputed(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, dErrors.Is(err, dErrors.CodeNotFound))
}
