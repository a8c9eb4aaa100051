//go:build integration

package region_test

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uncovering-world/track-your-regions/internal/region"
	"github.com/uncovering-world/track-your-regions/pkg/testutil/containers"
)

func square(x, y, d float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{
		{x, y}, {x + d, y}, {x + d, y + d}, {x, y + d}, {x, y},
	}}}
}

func insertRegion(t *testing.T, pg *containers.PostgresContainer, name string, hierarchy int64, parent *int64) region.RegionID {
	t.Helper()
	var id int64
	err := pg.Pool.QueryRow(context.Background(),
		`INSERT INTO regions (hierarchy_id, name, parent_id) VALUES ($1, $2, $3) RETURNING id`,
		hierarchy, name, parent).Scan(&id)
	require.NoError(t, err)
	return region.RegionID(id)
}

func TestPostgresStore(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	store := region.NewPostgresStore(pg.Pool)
	ctx := context.Background()

	t.Run("write and read geometry with derived columns", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx))
		id := insertRegion(t, pg, "Benelux", 1, nil)

		require.NoError(t, store.WriteGeometry(ctx, id, square(0, 0, 2)))

		g, err := store.Geometry(ctx, id, region.ResolutionFull)
		require.NoError(t, err)
		require.NotNil(t, g)

		for _, res := range []region.Resolution{region.ResolutionMedium, region.ResolutionLow} {
			g, err := store.Geometry(ctx, id, res)
			require.NoError(t, err)
			assert.NotNil(t, g, "projection %s", res)
		}

		r, err := store.GetRegion(ctx, id)
		require.NoError(t, err)
		assert.True(t, r.HasGeometry)
		require.NotNil(t, r.AreaKm2)
		assert.Greater(t, *r.AreaKm2, 0.0)
		assert.NotNil(t, r.AnchorPoint)
	})

	t.Run("clear geometry resets the row", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx))
		id := insertRegion(t, pg, "Benelux", 1, nil)
		require.NoError(t, store.WriteGeometry(ctx, id, square(0, 0, 2)))
		require.NoError(t, store.SetCustomBoundary(ctx, id, true))

		require.NoError(t, store.ClearGeometry(ctx, id))

		g, err := store.Geometry(ctx, id, region.ResolutionFull)
		require.NoError(t, err)
		assert.Nil(t, g)

		r, err := store.GetRegion(ctx, id)
		require.NoError(t, err)
		assert.False(t, r.IsCustomBoundary)
		assert.Nil(t, r.AreaKm2)
	})

	t.Run("clear geometry reports lock conflicts", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx))
		id := insertRegion(t, pg, "Benelux", 1, nil)
		require.NoError(t, store.WriteGeometry(ctx, id, square(0, 0, 2)))

		tx, err := pg.Pool.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		_, err = tx.Exec(ctx, `SELECT * FROM regions WHERE id = $1 FOR UPDATE`, id)
		require.NoError(t, err)

		err = store.ClearGeometry(ctx, id)
		assert.ErrorIs(t, err, region.ErrLockConflict)
	})

	t.Run("members and divisions round trip", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx))
		id := insertRegion(t, pg, "Mixed", 1, nil)

		var divID int64
		require.NoError(t, pg.Pool.QueryRow(ctx, `
			INSERT INTO administrative_divisions (name, geom)
			VALUES ('Division', ST_SetSRID(ST_GeomFromText('MULTIPOLYGON(((0 0,1 0,1 1,0 1,0 0)))'), 4326))
			RETURNING id`).Scan(&divID))
		_, err := pg.Pool.Exec(ctx, `
			INSERT INTO region_members (region_id, division_id) VALUES ($1, $2)`, id, divID)
		require.NoError(t, err)
		_, err = pg.Pool.Exec(ctx, `
			INSERT INTO region_members (region_id, custom_geom, custom_name)
			VALUES ($1, ST_SetSRID(ST_GeomFromText('POLYGON((2 0,3 0,3 1,2 1,2 0))'), 4326), 'Sketch')`, id)
		require.NoError(t, err)

		members, err := store.GetMembers(ctx, id)
		require.NoError(t, err)
		require.Len(t, members, 2)
		require.NotNil(t, members[0].DivisionID)
		assert.Nil(t, members[0].CustomGeometry)
		assert.Nil(t, members[1].DivisionID)
		assert.NotNil(t, members[1].CustomGeometry)
		assert.Equal(t, "Sketch", members[1].CustomName)

		g, err := store.DivisionGeometry(ctx, region.DivisionID(divID))
		require.NoError(t, err)
		assert.NotNil(t, g)
	})

	t.Run("hierarchy regions ordered deepest first", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx))
		root := insertRegion(t, pg, "Root", 1, nil)
		rootID := int64(root)
		child := insertRegion(t, pg, "Child", 1, &rootID)
		childID := int64(child)
		grand := insertRegion(t, pg, "Grand", 1, &childID)

		regions, err := store.HierarchyRegionsByDepth(ctx, 1, false)
		require.NoError(t, err)
		require.Len(t, regions, 3)
		assert.Equal(t, grand, regions[0].Region.ID)
		assert.Equal(t, child, regions[1].Region.ID)
		assert.Equal(t, root, regions[2].Region.ID)

		// onlyMissing drops cached rows.
		require.NoError(t, store.WriteGeometry(ctx, grand, square(0, 0, 1)))
		regions, err = store.HierarchyRegionsByDepth(ctx, 1, true)
		require.NoError(t, err)
		require.Len(t, regions, 2)
	})

	t.Run("hull round trip", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx))
		id := insertRegion(t, pg, "Archipelago", 1, nil)

		p, err := store.HullParams(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, p)

		params := region.HullParams{BufferDistance: 0.5, Concavity: 0.4, SimplifyTolerance: 0.05}
		require.NoError(t, store.WriteHull(ctx, id, square(0, 0, 3), params))

		p, err = store.HullParams(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, params, *p)

		g, err := store.Hull(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, g)

		require.NoError(t, store.ClearHull(ctx, id))
		g, err = store.Hull(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, g)
	})

	t.Run("stats", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx))
		a := insertRegion(t, pg, "A", 1, nil)
		insertRegion(t, pg, "B", 1, nil)
		require.NoError(t, store.WriteGeometry(ctx, a, square(0, 0, 1)))

		st, err := store.HierarchyStats(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, st.TotalRegions)
		assert.Equal(t, 1, st.WithGeometry)
		assert.Equal(t, 1, st.MissingGeometry)
		assert.Greater(t, st.TotalPoints, int64(0))
	})
}
