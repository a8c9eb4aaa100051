// Package geomengine wraps the external geometry engine behind a small
// contract: pure, deterministic functions over polygonal values. Callers treat
// every operation as total over well-formed input; inputs of dubious validity
// go through RepairValidity first.
package geomengine

import (
	"context"

	"github.com/paulmach/orb"
)

// Engine is the geometry computation collaborator. Implementations must be
// safe for concurrent use and deterministic: the same inputs always produce
// the same output geometry.
type Engine interface {
	// RepairValidity fixes self-intersections and degenerate parts.
	RepairValidity(ctx context.Context, g orb.Geometry) (orb.Geometry, error)
	// Union merges all inputs into one shape.
	Union(ctx context.Context, gs []orb.Geometry) (orb.Geometry, error)
	// Snap moves vertices of g onto nearby vertices of reference, within
	// tolerance, so shared borders union without slivers.
	Snap(ctx context.Context, g, reference orb.Geometry, tolerance float64) (orb.Geometry, error)
	// SimplifyPreservingTopology reduces vertex count without introducing
	// self-intersections or collapsing rings.
	SimplifyPreservingTopology(ctx context.Context, g orb.Geometry, tolerance float64) (orb.Geometry, error)
	// ConcaveHull builds an enclosing hull over the input's vertices.
	// Concavity in [0,1]: 0 follows the points tightly, 1 is the convex hull.
	ConcaveHull(ctx context.Context, g orb.Geometry, concavity float64) (orb.Geometry, error)
	// Buffer expands a shape by a distance in coordinate units.
	Buffer(ctx context.Context, g orb.Geometry, distance float64) (orb.Geometry, error)
}
