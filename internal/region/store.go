package region

import (
	"context"
	"errors"

	"github.com/paulmach/orb"
)

// Store errors. The postgres and memory implementations both return these so
// callers never switch on driver error types.
var (
	// ErrNotFound is returned when a region or division does not exist.
	ErrNotFound = errors.New("region: not found")
	// ErrLockConflict is returned when a row is locked by a concurrent
	// computation. Invalidation treats it as a lost, harmless race.
	ErrLockConflict = errors.New("region: row locked")
)

// Store is the region tree and its cached geometry columns. All calls are
// synchronous; long-running geometry work happens above this interface.
type Store interface {
	// GetRegion returns region metadata, ErrNotFound if absent.
	GetRegion(ctx context.Context, id RegionID) (*Region, error)
	// GetChildren returns the direct children of a region.
	GetChildren(ctx context.Context, parentID RegionID) ([]*Region, error)
	// GetMembers returns the member rows of a region.
	GetMembers(ctx context.Context, regionID RegionID) ([]Member, error)

	// DivisionGeometry returns a base division's boundary, ErrNotFound if
	// the division does not exist.
	DivisionGeometry(ctx context.Context, id DivisionID) (orb.Geometry, error)

	// Geometry returns the cached merged boundary at the requested
	// resolution, or nil when it has not been computed.
	Geometry(ctx context.Context, id RegionID, res Resolution) (orb.Geometry, error)
	// WriteGeometry stores the merged boundary and recomputes the derived
	// columns (simplified projections, area, anchor point).
	WriteGeometry(ctx context.Context, id RegionID, g orb.Geometry) error
	// ClearGeometry nulls the cached geometry, its derived columns, and the
	// custom-boundary flag for one region. Returns ErrLockConflict when the
	// row is held by an in-flight build.
	ClearGeometry(ctx context.Context, id RegionID) error
	// SetCustomBoundary flips the custom-boundary flag.
	SetCustomBoundary(ctx context.Context, id RegionID, custom bool) error

	// HierarchyRegionsByDepth lists every non-custom-boundary region of a
	// hierarchy ordered deepest first. With onlyMissing set, regions that
	// already have geometry are excluded so interrupted batches resume.
	HierarchyRegionsByDepth(ctx context.Context, id HierarchyID, onlyMissing bool) ([]DepthRegion, error)
	// HierarchyStats summarizes geometry coverage for a hierarchy.
	HierarchyStats(ctx context.Context, id HierarchyID) (Stats, error)

	// HullParams returns the persisted hull parameters, or nil when the
	// region has no saved alternate shape.
	HullParams(ctx context.Context, id RegionID) (*HullParams, error)
	// WriteHull stores the alternate shape together with the parameters
	// that produced it.
	WriteHull(ctx context.Context, id RegionID, g orb.Geometry, p HullParams) error
	// Hull returns the persisted alternate shape, or nil.
	Hull(ctx context.Context, id RegionID) (orb.Geometry, error)
	// ClearHull removes the alternate shape and its parameters.
	ClearHull(ctx context.Context, id RegionID) error
}
