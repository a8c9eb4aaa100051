package geomengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-geos"
)

// bufferQuadSegs controls arc fidelity of buffered corners.
const bufferQuadSegs = 8

// GEOSEngine implements Engine over libgeos. A geos.Context is not safe for
// concurrent use, so all operations serialize on one mutex; the build pipeline
// is sequential anyway and ad-hoc requests are rare.
type GEOSEngine struct {
	mu  sync.Mutex
	ctx *geos.Context
}

// NewGEOSEngine creates a GEOS-backed geometry engine.
func NewGEOSEngine() *GEOSEngine {
	return &GEOSEngine{ctx: geos.NewContext()}
}

func (e *GEOSEngine) RepairValidity(ctx context.Context, g orb.Geometry) (orb.Geometry, error) {
	return e.run(ctx, "repair validity", g, func(gg *geos.Geom) *geos.Geom {
		return gg.MakeValid()
	})
}

func (e *GEOSEngine) Union(ctx context.Context, gs []orb.Geometry) (orb.Geometry, error) {
	if len(gs) == 0 {
		return nil, nil
	}
	if len(gs) == 1 {
		return gs[0], nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out orb.Geometry
	err := e.recovering("union", func() error {
		geoms := make([]*geos.Geom, 0, len(gs))
		for _, g := range gs {
			gg, err := e.toGeos(g)
			if err != nil {
				return err
			}
			geoms = append(geoms, gg)
		}
		// The collection takes ownership of its elements; destroying it
		// releases everything.
		coll := e.ctx.NewCollection(geos.TypeIDGeometryCollection, geoms)
		defer coll.Destroy()
		merged := coll.UnaryUnion()
		defer merged.Destroy()
		var err error
		out, err = e.fromGeos(merged)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *GEOSEngine) Snap(ctx context.Context, g, reference orb.Geometry, tolerance float64) (orb.Geometry, error) {
	if reference == nil {
		return g, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out orb.Geometry
	err := e.recovering("snap", func() error {
		gg, err := e.toGeos(g)
		if err != nil {
			return err
		}
		defer gg.Destroy()
		ref, err := e.toGeos(reference)
		if err != nil {
			return err
		}
		defer ref.Destroy()
		snapped := gg.Snap(ref, tolerance)
		defer snapped.Destroy()
		out, err = e.fromGeos(snapped)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *GEOSEngine) SimplifyPreservingTopology(ctx context.Context, g orb.Geometry, tolerance float64) (orb.Geometry, error) {
	return e.run(ctx, "simplify", g, func(gg *geos.Geom) *geos.Geom {
		return gg.TopologyPreserveSimplify(tolerance)
	})
}

func (e *GEOSEngine) ConcaveHull(ctx context.Context, g orb.Geometry, concavity float64) (orb.Geometry, error) {
	return e.run(ctx, "concave hull", g, func(gg *geos.Geom) *geos.Geom {
		return gg.ConcaveHull(concavity, 0)
	})
}

func (e *GEOSEngine) Buffer(ctx context.Context, g orb.Geometry, distance float64) (orb.Geometry, error) {
	return e.run(ctx, "buffer", g, func(gg *geos.Geom) *geos.Geom {
		return gg.Buffer(distance, bufferQuadSegs)
	})
}

// run applies one unary GEOS operation with conversion, locking, and panic
// recovery. GEOS reports failures by panicking through the Go bindings.
func (e *GEOSEngine) run(ctx context.Context, op string, g orb.Geometry, f func(*geos.Geom) *geos.Geom) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out orb.Geometry
	err := e.recovering(op, func() error {
		gg, err := e.toGeos(g)
		if err != nil {
			return err
		}
		defer gg.Destroy()
		result := f(gg)
		defer result.Destroy()
		out, err = e.fromGeos(result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *GEOSEngine) recovering(op string, f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("geos %s: %v", op, r)
		}
	}()
	return f()
}

func (e *GEOSEngine) toGeos(g orb.Geometry) (*geos.Geom, error) {
	data, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	gg, err := e.ctx.NewGeomFromGeoJSON(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse geometry: %w", err)
	}
	return gg, nil
}

func (e *GEOSEngine) fromGeos(gg *geos.Geom) (orb.Geometry, error) {
	if gg == nil || gg.IsEmpty() {
		return nil, nil
	}
	parsed, err := geojson.UnmarshalGeometry([]byte(gg.ToGeoJSON(-1)))
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	return parsed.Geometry(), nil
}
