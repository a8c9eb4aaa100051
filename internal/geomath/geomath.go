// Package geomath holds pure measurements over orb geometries used by the
// build pipeline and the hull subsystem. Everything here is deterministic and
// needs no geometry engine.
package geomath

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// PointCount returns the total number of coordinates in a geometry.
func PointCount(g orb.Geometry) int {
	switch g := g.(type) {
	case nil:
		return 0
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(g)
	case orb.LineString:
		return len(g)
	case orb.MultiLineString:
		n := 0
		for _, ls := range g {
			n += len(ls)
		}
		return n
	case orb.Ring:
		return len(g)
	case orb.Polygon:
		n := 0
		for _, r := range g {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range g {
			n += PointCount(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, c := range g {
			n += PointCount(c)
		}
		return n
	case orb.Bound:
		return 2
	}
	return 0
}

// RingAreaKm2 returns the unsigned spherical area of a ring in km².
func RingAreaKm2(r orb.Ring) float64 {
	return math.Abs(geo.Area(r)) / 1e6
}

// RingPerimeterKm returns the perimeter of a ring in km.
func RingPerimeterKm(r orb.Ring) float64 {
	if len(r) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(r); i++ {
		total += geo.Distance(r[i-1], r[i])
	}
	// Rings are closed by convention but guard against an open one.
	if r[0] != r[len(r)-1] {
		total += geo.Distance(r[len(r)-1], r[0])
	}
	return total / 1000
}

// Thinness is perimeter / sqrt(area). Compact shapes score low (a circle
// scores ~3.5); slivers produced by snapping score high.
func Thinness(r orb.Ring) float64 {
	area := RingAreaKm2(r)
	if area <= 0 {
		return math.Inf(1)
	}
	return RingPerimeterKm(r) / math.Sqrt(area)
}

// CrossesAntimeridian reports whether a shape's bounding box indicates a
// crossing of the ±180° meridian. Coordinates are not unwrapped, so a crossing
// shape appears to span nearly the whole globe, or to pin both extremes.
func CrossesAntimeridian(g orb.Geometry) bool {
	if g == nil {
		return false
	}
	b := g.Bound()
	minLon, maxLon := b.Min[0], b.Max[0]
	if maxLon-minLon > 180 {
		return true
	}
	return minLon < -170 && maxLon > 170
}
