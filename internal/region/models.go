package region

import (
	"github.com/paulmach/orb"
)

// RegionID identifies a user-defined region row.
type RegionID int64

// HierarchyID identifies one region tree ("world view").
type HierarchyID int64

// DivisionID identifies an immutable base administrative division.
type DivisionID int64

// Region is a node in the hierarchy. Geometry columns are not loaded here;
// they are fetched separately because merged boundaries run to megabytes.
type Region struct {
	ID          RegionID
	HierarchyID HierarchyID
	Name        string
	Color       string
	ParentID    *RegionID

	// IsCustomBoundary marks geometry supplied directly by a user; the
	// builder must never overwrite it unless explicitly forced.
	IsCustomBoundary bool
	// NeedsAlternateShape drives the enclosing-hull subsystem.
	NeedsAlternateShape bool

	// HasGeometry reports whether the cached merged geometry is present.
	// False means the next read must recompute.
	HasGeometry bool
	// HasHull reports whether a persisted alternate shape is present.
	HasHull bool

	// Derived scalars, recomputed on every geometry write.
	AreaKm2     *float64
	AnchorPoint *orb.Point
}

// Member is an edge from a region to either a base division or a
// directly-attached custom polygon. Exactly one of DivisionID and
// CustomGeometry is set; the mutation layer enforces that.
type Member struct {
	RegionID       RegionID
	DivisionID     *DivisionID
	CustomGeometry orb.Geometry
	CustomName     string
}

// HullParams reproduce the last saved alternate shape without user input.
type HullParams struct {
	// BufferDistance expands fragments before hulling, in degrees.
	BufferDistance float64 `json:"bufferDistance"`
	// Concavity controls how tightly the hull follows the points;
	// higher is looser.
	Concavity float64 `json:"concavity"`
	// SimplifyTolerance smooths the hull after construction, in degrees.
	SimplifyTolerance float64 `json:"simplifyTolerance"`
}

// Resolution selects which cached geometry column to read.
type Resolution string

const (
	ResolutionFull   Resolution = "full"
	ResolutionMedium Resolution = "medium"
	ResolutionLow    Resolution = "low"
)

// Valid reports whether r names a stored resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionFull, ResolutionMedium, ResolutionLow:
		return true
	}
	return false
}

// DepthRegion pairs a region with its depth in the hierarchy, used by the
// batch driver to order work deepest-first.
type DepthRegion struct {
	Region *Region
	Depth  int
}

// Stats summarizes geometry coverage for one hierarchy.
type Stats struct {
	TotalRegions    int   `json:"totalRegions"`
	WithGeometry    int   `json:"withGeometry"`
	MissingGeometry int   `json:"missingGeometry"`
	CustomBoundary  int   `json:"customBoundary"`
	TotalPoints     int64 `json:"totalPoints"`
}
