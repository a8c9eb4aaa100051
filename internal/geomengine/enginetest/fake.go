// Package enginetest provides a deterministic in-memory Engine for unit
// tests: no boolean geometry, just predictable shapes and call recording.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/uncovering-world/track-your-regions/internal/geomengine"
)

// Fake implements geomengine.Engine with structure-preserving stand-ins for
// the real operations. Union concatenates polygons, snap and repair are
// identity, simplify is identity but counted. Tests assert on the recorded
// calls rather than on geometry coordinates.
type Fake struct {
	mu    sync.Mutex
	calls []string

	// SimplifyCalls counts SimplifyPreservingTopology invocations.
	SimplifyCalls int
	// SnapCalls counts Snap invocations.
	SnapCalls int

	// Err, when set, is returned by every operation.
	Err error
	// OpDelay makes every operation sleep, for exercising deadlines.
	OpDelay time.Duration
}

var _ geomengine.Engine = (*Fake)(nil)

// NewFake creates a fake engine.
func NewFake() *Fake {
	return &Fake{}
}

// Calls returns the recorded operation names in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	if op == "simplify" {
		f.SimplifyCalls++
	}
	if op == "snap" {
		f.SnapCalls++
	}
	delay := f.OpDelay
	err := f.Err
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (f *Fake) RepairValidity(ctx context.Context, g orb.Geometry) (orb.Geometry, error) {
	if err := f.begin(ctx, "repair"); err != nil {
		return nil, err
	}
	return g, nil
}

func (f *Fake) Union(ctx context.Context, gs []orb.Geometry) (orb.Geometry, error) {
	if err := f.begin(ctx, "union"); err != nil {
		return nil, err
	}
	var out orb.MultiPolygon
	for _, g := range gs {
		switch g := g.(type) {
		case orb.Polygon:
			out = append(out, g)
		case orb.MultiPolygon:
			out = append(out, g...)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func (f *Fake) Snap(ctx context.Context, g, _ orb.Geometry, _ float64) (orb.Geometry, error) {
	if err := f.begin(ctx, "snap"); err != nil {
		return nil, err
	}
	return g, nil
}

func (f *Fake) SimplifyPreservingTopology(ctx context.Context, g orb.Geometry, _ float64) (orb.Geometry, error) {
	if err := f.begin(ctx, "simplify"); err != nil {
		return nil, err
	}
	return g, nil
}

func (f *Fake) ConcaveHull(ctx context.Context, g orb.Geometry, _ float64) (orb.Geometry, error) {
	if err := f.begin(ctx, "hull"); err != nil {
		return nil, err
	}
	return boundPolygon(g), nil
}

func (f *Fake) Buffer(ctx context.Context, g orb.Geometry, distance float64) (orb.Geometry, error) {
	if err := f.begin(ctx, "buffer"); err != nil {
		return nil, err
	}
	b := g.Bound()
	b.Min[0] -= distance
	b.Min[1] -= distance
	b.Max[0] += distance
	b.Max[1] += distance
	return b.ToPolygon(), nil
}

func boundPolygon(g orb.Geometry) orb.Geometry {
	if g == nil {
		return nil
	}
	return g.Bound().ToPolygon()
}
