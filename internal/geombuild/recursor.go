package geombuild

import (
	"context"
	"errors"

	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
)

// maxRecursionDepth caps subtree walks. The data model forbids cycles, but a
// corrupted parent chain must not take the process down.
const maxRecursionDepth = 64

// EnsureSubtreeComputed walks the subtree under regionID depth-first,
// building every descendant that lacks cached geometry, children before
// parents. Descendants that are custom-boundary or already cached terminate
// the walk. Returns the number of regions built.
func (b *Builder) EnsureSubtreeComputed(ctx context.Context, regionID region.RegionID) (int, error) {
	if _, err := b.store.GetRegion(ctx, regionID); err != nil {
		if errors.Is(err, region.ErrNotFound) {
			return 0, dErrors.Newf(dErrors.CodeNotFound, "region %d not found", regionID)
		}
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "load region")
	}

	visited := map[region.RegionID]bool{regionID: true}
	return b.ensureChildren(ctx, regionID, visited, 0)
}

func (b *Builder) ensureChildren(ctx context.Context, id region.RegionID, visited map[region.RegionID]bool, depth int) (int, error) {
	if depth >= maxRecursionDepth {
		return 0, dErrors.Newf(dErrors.CodeInternal,
			"region %d subtree exceeds depth cap %d; hierarchy may be corrupted", id, maxRecursionDepth)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	children, err := b.store.GetChildren(ctx, id)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "load children")
	}

	built := 0
	for _, child := range children {
		if visited[child.ID] {
			continue
		}
		visited[child.ID] = true

		// Custom boundaries are already final, and a cached child needs no
		// recursion: its own subtree was resolved when it was built.
		if child.IsCustomBoundary || child.HasGeometry {
			continue
		}

		n, err := b.ensureChildren(ctx, child.ID, visited, depth+1)
		built += n
		if err != nil {
			return built, err
		}

		res, err := b.Build(ctx, child.ID, DefaultBuildOptions())
		if err != nil {
			return built, err
		}
		if res.Computed {
			built++
		}
	}
	return built, nil
}
