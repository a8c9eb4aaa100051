// Package hull computes enclosing alternate shapes for regions whose true
// boundary is too noisy to render at small scale, typically multi-island
// territories. A hull is derived from the region's cached geometry by
// buffering, concave-hull construction and smoothing, and is persisted with
// the parameters that produced it so it can be regenerated unattended.
package hull

import (
	"context"
	"errors"
	"log/slog"

	"github.com/paulmach/orb"

	"github.com/uncovering-world/track-your-regions/internal/geomath"
	"github.com/uncovering-world/track-your-regions/internal/geombuild/events"
	"github.com/uncovering-world/track-your-regions/internal/geomengine"
	"github.com/uncovering-world/track-your-regions/internal/platform/metrics"
	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
)

// DefaultParams are the starting point offered to interactive preview
// callers. They suit archipelagos at country scale.
func DefaultParams() region.HullParams {
	return region.HullParams{
		BufferDistance:    0.5,
		Concavity:         0.4,
		SimplifyTolerance: 0.05,
	}
}

// SaveResult reports a persisted hull.
type SaveResult struct {
	Generated bool `json:"generated"`
	// CrossesAntimeridian is set when the shape spans the ±180° meridian.
	// Coordinates are not unwrapped, so renderers must split the shape
	// themselves.
	CrossesAntimeridian bool `json:"crossesAntimeridian"`
	PointCount          int  `json:"pointCount"`
}

// Service computes, previews and persists alternate shapes.
type Service struct {
	store   region.Store
	engine  geomengine.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Publisher
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEvents sets the event publisher. A nil publisher is fine.
func WithEvents(p *events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// NewService creates a hull service over the given store and engine.
func NewService(store region.Store, engine geomengine.Engine, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("hull: store is required")
	}
	if engine == nil {
		return nil, errors.New("hull: engine is required")
	}
	s := &Service{store: store, engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Preview computes a candidate shape without persisting it.
func (s *Service) Preview(ctx context.Context, id region.RegionID, p region.HullParams) (orb.Geometry, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	return s.compute(ctx, id, p)
}

// Save computes the shape, persists it together with the parameters that
// produced it, and reports whether it crosses the antimeridian.
func (s *Service) Save(ctx context.Context, id region.RegionID, p region.HullParams) (SaveResult, error) {
	if err := validateParams(p); err != nil {
		return SaveResult{}, err
	}
	g, err := s.compute(ctx, id, p)
	if err != nil {
		return SaveResult{}, err
	}
	if err := s.store.WriteHull(ctx, id, g, p); err != nil {
		return SaveResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist hull")
	}
	if s.metrics != nil {
		s.metrics.HullsGenerated.Inc()
	}
	s.events.Publish(ctx, events.Event{
		Type:       events.TypeHullGenerated,
		RegionID:   id,
		PointCount: geomath.PointCount(g),
	})
	return SaveResult{
		Generated:           true,
		CrossesAntimeridian: geomath.CrossesAntimeridian(g),
		PointCount:          geomath.PointCount(g),
	}, nil
}

// SavedParams returns the parameters of the last saved hull, or nil when the
// region has none.
func (s *Service) SavedParams(ctx context.Context, id region.RegionID) (*region.HullParams, error) {
	p, err := s.store.HullParams(ctx, id)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read hull params")
	}
	return p, nil
}

// Saved returns the persisted alternate shape, or nil when there is none.
func (s *Service) Saved(ctx context.Context, id region.RegionID) (orb.Geometry, error) {
	g, err := s.store.Hull(ctx, id)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read hull")
	}
	return g, nil
}

// ClearStale removes a persisted shape and its parameters. Called when a
// region's needs-alternate-shape flag turns false so stale hulls never leak
// into rendering.
func (s *Service) ClearStale(ctx context.Context, id region.RegionID) error {
	if err := s.store.ClearHull(ctx, id); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "clear hull")
	}
	return nil
}

// Regenerate rebuilds the hull from its saved parameters after the region's
// true geometry changed. A region without saved parameters is left alone.
func (s *Service) Regenerate(ctx context.Context, id region.RegionID) error {
	p, err := s.store.HullParams(ctx, id)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "read hull params")
	}
	if p == nil {
		return nil
	}
	res, err := s.Save(ctx, id, *p)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "hull regenerated",
		slog.Int64("region_id", int64(id)),
		slog.Int("points", res.PointCount),
		slog.Bool("crosses_antimeridian", res.CrossesAntimeridian))
	return nil
}

func (s *Service) compute(ctx context.Context, id region.RegionID, p region.HullParams) (orb.Geometry, error) {
	if _, err := s.store.GetRegion(ctx, id); err != nil {
		if errors.Is(err, region.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "region %d not found", id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load region")
	}

	src, err := s.store.Geometry(ctx, id, region.ResolutionFull)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load geometry")
	}
	if src == nil {
		return nil, dErrors.Newf(dErrors.CodeBadRequest,
			"region %d has no computed geometry; build it before generating an enclosing shape", id)
	}

	g := src
	if p.BufferDistance > 0 {
		g, err = s.engine.Buffer(ctx, g, p.BufferDistance)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "buffer")
		}
	}
	g, err = s.engine.ConcaveHull(ctx, g, p.Concavity)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "concave hull")
	}
	if p.SimplifyTolerance > 0 {
		g, err = s.engine.SimplifyPreservingTopology(ctx, g, p.SimplifyTolerance)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "simplify hull")
		}
	}
	g, err = s.engine.RepairValidity(ctx, g)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "repair hull")
	}
	if g == nil {
		return nil, dErrors.Newf(dErrors.CodeInternal, "hull construction produced an empty shape for region %d", id)
	}
	return g, nil
}

func validateParams(p region.HullParams) error {
	if p.BufferDistance < 0 {
		return dErrors.New(dErrors.CodeBadRequest, "buffer distance must be non-negative")
	}
	if p.Concavity < 0 || p.Concavity > 1 {
		return dErrors.New(dErrors.CodeBadRequest, "concavity must be between 0 and 1")
	}
	if p.SimplifyTolerance < 0 {
		return dErrors.New(dErrors.CodeBadRequest, "simplify tolerance must be non-negative")
	}
	return nil
}
