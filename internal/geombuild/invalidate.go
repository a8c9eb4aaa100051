package geombuild

import (
	"context"
	"errors"
	"log/slog"

	"github.com/uncovering-world/track-your-regions/internal/geombuild/events"
	"github.com/uncovering-world/track-your-regions/internal/platform/metrics"
	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
)

// Invalidator clears cached geometry from a region up the ancestor chain so
// the next read is forced to recompute. It never touches siblings or
// descendants.
type Invalidator struct {
	store   region.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Publisher
}

// InvalidatorOption configures an Invalidator.
type InvalidatorOption func(*Invalidator)

// WithInvalidatorLogger sets the logger.
func WithInvalidatorLogger(l *slog.Logger) InvalidatorOption {
	return func(i *Invalidator) { i.logger = l }
}

// WithInvalidatorMetrics sets the metrics sink.
func WithInvalidatorMetrics(m *metrics.Metrics) InvalidatorOption {
	return func(i *Invalidator) { i.metrics = m }
}

// WithInvalidatorEvents sets the event publisher. A nil publisher is fine.
func WithInvalidatorEvents(p *events.Publisher) InvalidatorOption {
	return func(i *Invalidator) { i.events = p }
}

// NewInvalidator creates an Invalidator over the given store.
func NewInvalidator(store region.Store, opts ...InvalidatorOption) (*Invalidator, error) {
	if store == nil {
		return nil, errors.New("invalidator: store is required")
	}
	inv := &Invalidator{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// Invalidate clears the cached geometry of regionID and of every ancestor up
// to the root. Derived values and the custom-boundary flag go with it; the
// affected rows revert to "must recompute".
//
// A lock conflict on any row means a build currently holds that row. The
// build will write a geometry consistent with the new state, so the conflict
// is logged and the walk continues rather than failing the caller.
func (i *Invalidator) Invalidate(ctx context.Context, regionID region.RegionID) error {
	id := regionID
	visited := make(map[region.RegionID]bool, 8)
	for depth := 0; ; depth++ {
		if depth >= maxRecursionDepth {
			return dErrors.Newf(dErrors.CodeInternal,
				"ancestor chain of region %d exceeds depth cap %d; hierarchy may be corrupted", regionID, maxRecursionDepth)
		}
		if visited[id] {
			return dErrors.Newf(dErrors.CodeInternal,
				"ancestor chain of region %d revisits region %d", regionID, id)
		}
		visited[id] = true

		r, err := i.store.GetRegion(ctx, id)
		if errors.Is(err, region.ErrNotFound) {
			if id == regionID {
				return dErrors.Newf(dErrors.CodeNotFound, "region %d not found", id)
			}
			// A parent deleted mid-walk ends the chain early.
			return nil
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "load region")
		}

		if err := i.store.ClearGeometry(ctx, id); err != nil {
			if errors.Is(err, region.ErrLockConflict) {
				i.logger.WarnContext(ctx, "invalidation skipped locked region",
					slog.Int64("region_id", int64(id)))
			} else {
				return dErrors.Wrap(err, dErrors.CodeInternal, "clear geometry")
			}
		} else {
			if i.metrics != nil {
				i.metrics.Invalidations.Inc()
			}
			i.events.Publish(ctx, events.Event{
				Type:        events.TypeRegionCleared,
				RegionID:    id,
				HierarchyID: r.HierarchyID,
			})
		}

		if r.ParentID == nil {
			return nil
		}
		id = *r.ParentID
	}
}
