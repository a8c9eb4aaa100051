// Package geombuild derives and caches merged boundary polygons for
// user-defined regions: one region at a time, bottom-up across a subtree, or
// as a whole-hierarchy batch with progress and cancellation.
package geombuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/uncovering-world/track-your-regions/internal/geomath"
	"github.com/uncovering-world/track-your-regions/internal/geombuild/events"
	"github.com/uncovering-world/track-your-regions/internal/geomengine"
	"github.com/uncovering-world/track-your-regions/internal/platform/logger"
	"github.com/uncovering-world/track-your-regions/internal/platform/metrics"
	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
)

// Pipeline tunables. Tolerances are in degrees (EPSG:4326).
const (
	// preSimplifyPointThreshold is the combined input size above which every
	// candidate is simplified before union, trading precision for
	// tractability on very large inputs.
	preSimplifyPointThreshold = 300_000
	preSimplifyTolerance      = 0.01

	// snapTolerance bounds how far a child boundary moves to meet a sibling.
	snapTolerance = 0.001

	// finalSimplifyTolerance is the fixed post-union cleanup pass.
	finalSimplifyTolerance = 0.0005

	// Interior rings below minHoleAreaKm2, or with thinness at or above
	// maxHoleThinness, are treated as noise and dropped.
	minHoleAreaKm2  = 10.0
	maxHoleThinness = 25.0

	// defaultBuildTimeout is the wall-clock ceiling per region.
	defaultBuildTimeout = 5 * time.Minute
)

// BuildOptions tune one build invocation.
type BuildOptions struct {
	// SkipSnapping disables sibling-boundary snapping, the O(children²)
	// step that dominates on hierarchies with many fine-grained children.
	SkipSnapping bool
	// AllowSimplifyAboveThreshold permits the pre-union simplification of
	// oversized inputs. Disabling it preserves full precision at the risk
	// of hitting the build timeout.
	AllowSimplifyAboveThreshold bool
	// Force recomputes even a custom boundary, discarding the user-drawn
	// shape. Destructive and hard to undo.
	Force bool
	// Observer, when set, receives a step event per pipeline stage.
	Observer StepObserver
}

// DefaultBuildOptions are what the batch driver and HTTP handlers start from.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{AllowSimplifyAboveThreshold: true}
}

// BuildResult reports one build's outcome. Expected conditions (no sources,
// timeout) come back here rather than as errors; only unexpected engine or
// store failures surface through the error return.
type BuildResult struct {
	// Computed is true when the region now has final geometry, including
	// the preserved-custom-boundary case.
	Computed bool `json:"computed"`
	// Skipped is true when the region had no geometry sources to merge.
	Skipped bool `json:"skipped"`
	// TimedOut is true when the build hit its wall-clock ceiling.
	TimedOut bool `json:"timedOut"`
	// PointCount is the vertex count of the stored geometry.
	PointCount int `json:"pointCount,omitempty"`
	// Message explains skips and timeouts in caller-renderable terms.
	Message string `json:"message,omitempty"`
}

// Builder computes one region's merged geometry from its direct member
// geometries and its children's cached geometries.
type Builder struct {
	store   region.Store
	engine  geomengine.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	timeout time.Duration
	hulls   HullRegenerator
	events  *events.Publisher
}

// HullRegenerator rebuilds a region's alternate shape from its saved
// parameters after the true geometry changed.
type HullRegenerator interface {
	Regenerate(ctx context.Context, id region.RegionID) error
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLogger sets the builder's logger.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// WithMetrics sets the builder's metrics.
func WithMetrics(m *metrics.Metrics) BuilderOption {
	return func(b *Builder) { b.metrics = m }
}

// WithTimeout overrides the per-build wall-clock ceiling.
func WithTimeout(d time.Duration) BuilderOption {
	return func(b *Builder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithHullRegenerator wires the alternate-shape subsystem so archipelago
// regions get their hull refreshed after each geometry write.
func WithHullRegenerator(h HullRegenerator) BuilderOption {
	return func(b *Builder) { b.hulls = h }
}

// WithEvents sets the event publisher. A nil publisher is fine.
func WithEvents(p *events.Publisher) BuilderOption {
	return func(b *Builder) { b.events = p }
}

// NewBuilder creates a Builder.
func NewBuilder(store region.Store, engine geomengine.Engine, opts ...BuilderOption) (*Builder, error) {
	if store == nil {
		return nil, fmt.Errorf("region store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("geometry engine is required")
	}
	b := &Builder{
		store:   store,
		engine:  engine,
		logger:  logger.Discard(),
		tracer:  otel.Tracer("geombuild"),
		timeout: defaultBuildTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Build computes and persists one region's merged geometry.
func (b *Builder) Build(ctx context.Context, id region.RegionID, opts BuildOptions) (BuildResult, error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "geombuild.Build",
		trace.WithAttributes(attribute.Int64("region.id", int64(id))))
	defer span.End()

	emitter := newStepEmitter(opts.Observer, start)

	res, err := b.build(ctx, id, opts, emitter)
	switch {
	case err != nil:
		b.metrics.ObserveBuild("error", time.Since(start))
		emitter.error(err)
	case res.TimedOut:
		b.metrics.ObserveBuild("timeout", time.Since(start))
		emitter.error(errors.New(res.Message))
	case res.Skipped:
		b.metrics.ObserveBuild("skipped", time.Since(start))
		emitter.complete(res)
	default:
		b.metrics.ObserveBuild("computed", time.Since(start))
		emitter.complete(res)
	}
	return res, err
}

func (b *Builder) build(parent context.Context, id region.RegionID, opts BuildOptions, emit *stepEmitter) (BuildResult, error) {
	r, err := b.store.GetRegion(parent, id)
	if errors.Is(err, region.ErrNotFound) {
		return BuildResult{}, dErrors.Newf(dErrors.CodeNotFound, "region %d not found", id)
	}
	if err != nil {
		return BuildResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "load region")
	}

	members, err := b.store.GetMembers(parent, id)
	if err != nil {
		return BuildResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "load members")
	}

	if r.IsCustomBoundary {
		if !opts.Force && !hasCustomOverride(members) {
			// The user-drawn shape is the final geometry.
			return BuildResult{Computed: true, Message: "custom boundary preserved"}, nil
		}
		if opts.Force {
			b.logger.WarnContext(parent, "discarding custom boundary for forced recompute",
				"region_id", id, "region", r.Name)
			if err := b.store.SetCustomBoundary(parent, id, false); err != nil {
				return BuildResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "clear custom boundary flag")
			}
		}
	}

	// Hard wall-clock ceiling for the geometry work of this one region.
	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	// Collect candidate geometries: member divisions or their custom
	// overrides, plus children's cached geometry.
	emit.step("collect")
	candidates, childGeoms, err := b.collect(ctx, id, members)
	if to, terr := b.classify(err); to || terr != nil {
		return b.timeoutResult(r, to), terr
	}
	if len(candidates) == 0 {
		return BuildResult{
			Skipped: true,
			Message: "no geometry sources: region has no member geometry and no child geometry",
		}, nil
	}

	// Oversized inputs get simplified before merging.
	emit.step("analyze")
	totalPoints := 0
	for _, c := range candidates {
		totalPoints += geomath.PointCount(c)
	}
	if totalPoints > preSimplifyPointThreshold && opts.AllowSimplifyAboveThreshold {
		b.logger.InfoContext(ctx, "input above point threshold, simplifying candidates before union",
			"region_id", id, "points", totalPoints)
		for i, c := range candidates {
			simplified, err := b.engine.SimplifyPreservingTopology(ctx, c, preSimplifyTolerance)
			if to, terr := b.classify(err); to || terr != nil {
				return b.timeoutResult(r, to), terr
			}
			candidates[i] = simplified
		}
	}

	// Snap children to their near siblings so shared borders union cleanly.
	emit.step("snap")
	if !opts.SkipSnapping && len(childGeoms) >= 1 {
		if err := b.snapSiblings(ctx, candidates, childGeoms); err != nil {
			if to, terr := b.classify(err); to || terr != nil {
				return b.timeoutResult(r, to), terr
			}
		}
	}

	emit.step("union")
	merged, err := b.engine.Union(ctx, candidates)
	if to, terr := b.classify(err); to || terr != nil {
		return b.timeoutResult(r, to), terr
	}
	merged, err = b.engine.RepairValidity(ctx, merged)
	if to, terr := b.classify(err); to || terr != nil {
		return b.timeoutResult(r, to), terr
	}

	emit.step("clean")
	cleaned := dropNoiseHoles(merged)
	cleaned, err = b.engine.SimplifyPreservingTopology(ctx, cleaned, finalSimplifyTolerance)
	if to, terr := b.classify(err); to || terr != nil {
		return b.timeoutResult(r, to), terr
	}

	emit.step("save")
	if err := b.store.WriteGeometry(ctx, id, cleaned); err != nil {
		return BuildResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist geometry")
	}

	if r.NeedsAlternateShape && b.hulls != nil {
		if err := b.hulls.Regenerate(parent, id); err != nil {
			// The true geometry is saved; a stale hull is refreshable.
			b.logger.WarnContext(parent, "hull regeneration failed",
				"region_id", id, "error", err)
		}
	}

	points := geomath.PointCount(cleaned)
	b.logger.InfoContext(parent, "region geometry built",
		"region_id", id,
		"region", r.Name,
		"sources", len(candidates),
		"points", points,
	)
	if b.metrics != nil {
		b.metrics.BuildPoints.Observe(float64(points))
	}
	b.events.Publish(parent, events.Event{
		Type:        events.TypeRegionBuilt,
		RegionID:    id,
		HierarchyID: r.HierarchyID,
		PointCount:  points,
	})
	return BuildResult{Computed: true, PointCount: points}, nil
}

// collect gathers the candidate list. childGeoms indexes the candidates that
// came from children, for the snapping pass.
func (b *Builder) collect(ctx context.Context, id region.RegionID, members []region.Member) (candidates []orb.Geometry, childGeoms []int, err error) {
	for _, m := range members {
		switch {
		case m.CustomGeometry != nil:
			candidates = append(candidates, m.CustomGeometry)
		case m.DivisionID != nil:
			g, err := b.store.DivisionGeometry(ctx, *m.DivisionID)
			if errors.Is(err, region.ErrNotFound) {
				// The reference dataset changed under us; a missing
				// division is not fatal to the merge.
				b.logger.WarnContext(ctx, "member division missing",
					"region_id", id, "division_id", *m.DivisionID)
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			if g != nil {
				candidates = append(candidates, g)
			}
		}
	}

	children, err := b.store.GetChildren(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	for _, child := range children {
		g, err := b.store.Geometry(ctx, child.ID, region.ResolutionFull)
		if err != nil {
			return nil, nil, err
		}
		if g != nil {
			childGeoms = append(childGeoms, len(candidates))
			candidates = append(candidates, g)
		}
	}
	return candidates, childGeoms, nil
}

// snapSiblings replaces each child candidate with a copy snapped to the union
// of its touching or near siblings. Pairwise adjacency makes this O(n²) in
// the child count.
func (b *Builder) snapSiblings(ctx context.Context, candidates []orb.Geometry, childGeoms []int) error {
	bounds := make(map[int]orb.Bound, len(childGeoms))
	for _, i := range childGeoms {
		bounds[i] = candidates[i].Bound().Pad(snapTolerance)
	}

	snapped := make(map[int]orb.Geometry, len(childGeoms))
	for _, i := range childGeoms {
		var near []orb.Geometry
		for _, j := range childGeoms {
			if i == j {
				continue
			}
			if bounds[i].Intersects(bounds[j]) {
				near = append(near, candidates[j])
			}
		}
		if len(near) == 0 {
			continue
		}
		reference, err := b.engine.Union(ctx, near)
		if err != nil {
			return err
		}
		g, err := b.engine.Snap(ctx, candidates[i], reference, snapTolerance)
		if err != nil {
			return err
		}
		snapped[i] = g
	}
	// Snap against original neighbors, then swap all results in at once so
	// ordering does not change the outcome.
	for i, g := range snapped {
		candidates[i] = g
	}
	return nil
}

// dropNoiseHoles removes interior rings that are too small to matter or too
// thin to be real: both kinds are artifacts of snapping and union.
func dropNoiseHoles(g orb.Geometry) orb.Geometry {
	filterPolygon := func(p orb.Polygon) orb.Polygon {
		if len(p) <= 1 {
			return p
		}
		out := orb.Polygon{p[0]}
		for _, hole := range p[1:] {
			if geomath.RingAreaKm2(hole) < minHoleAreaKm2 {
				continue
			}
			if geomath.Thinness(hole) >= maxHoleThinness {
				continue
			}
			out = append(out, hole)
		}
		return out
	}

	switch g := g.(type) {
	case orb.Polygon:
		return filterPolygon(g)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(g))
		for _, p := range g {
			out = append(out, filterPolygon(p))
		}
		return out
	default:
		return g
	}
}

// classify splits an engine/store error into (timed out, fatal). Deadline
// exhaustion is an expected, reported condition; everything else propagates.
func (b *Builder) classify(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, nil
	}
	return false, dErrors.Wrap(err, dErrors.CodeInternal, "geometry engine failure")
}

func (b *Builder) timeoutResult(r *region.Region, timedOut bool) BuildResult {
	if !timedOut {
		return BuildResult{}
	}
	return BuildResult{
		TimedOut: true,
		Message: fmt.Sprintf(
			"region %q is too large to merge within %s; consider the enclosing-shape path instead",
			r.Name, b.timeout),
	}
}

func hasCustomOverride(members []region.Member) bool {
	for _, m := range members {
		if m.CustomGeometry != nil {
			return true
		}
	}
	return false
}
