package geombuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/uncovering-world/track-your-regions/internal/geombuild/events"
	"github.com/uncovering-world/track-your-regions/internal/geombuild/progress"
	"github.com/uncovering-world/track-your-regions/internal/platform/metrics"
	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
)

// ErrAlreadyRunning is returned by Start when a batch for the same hierarchy
// is still in flight.
var ErrAlreadyRunning = dErrors.New(dErrors.CodeConflict, "a computation for this hierarchy is already running")

// BatchOptions tune one hierarchy batch.
type BatchOptions struct {
	// Force recomputes regions that already have geometry. Custom
	// boundaries are still preserved; Force at the batch level widens the
	// work list, it does not discard user-drawn shapes.
	Force bool
	// SkipSnapping is passed through to every per-region build.
	SkipSnapping bool
}

// BatchDriver runs the builder over every region of a hierarchy, deepest
// first, tracking a single shared progress record per hierarchy. One batch
// per hierarchy at a time; a concurrent start is rejected, not queued.
type BatchDriver struct {
	store    region.Store
	builder  *Builder
	progress progress.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   *events.Publisher
	tracer   trace.Tracer

	// terminalTTL is how long a finished record stays visible so a final
	// poll still sees the outcome.
	terminalTTL time.Duration

	// startMu serializes the check-then-create on the progress store. The
	// store itself only guarantees last-write-wins, so without this two
	// concurrent starts for the same hierarchy could both pass the
	// already-running check.
	startMu sync.Mutex
}

// BatchOption configures a BatchDriver.
type BatchOption func(*BatchDriver)

// WithBatchLogger sets the logger.
func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(d *BatchDriver) { d.logger = l }
}

// WithBatchMetrics sets the metrics sink.
func WithBatchMetrics(m *metrics.Metrics) BatchOption {
	return func(d *BatchDriver) { d.metrics = m }
}

// WithBatchEvents sets the event publisher. A nil publisher is fine.
func WithBatchEvents(p *events.Publisher) BatchOption {
	return func(d *BatchDriver) { d.events = p }
}

// WithTerminalTTL sets how long a terminal progress record stays visible.
func WithTerminalTTL(ttl time.Duration) BatchOption {
	return func(d *BatchDriver) { d.terminalTTL = ttl }
}

// NewBatchDriver creates a driver over the given store, builder and progress
// store.
func NewBatchDriver(store region.Store, builder *Builder, prog progress.Store, opts ...BatchOption) (*BatchDriver, error) {
	if store == nil {
		return nil, errors.New("batch driver: store is required")
	}
	if builder == nil {
		return nil, errors.New("batch driver: builder is required")
	}
	if prog == nil {
		return nil, errors.New("batch driver: progress store is required")
	}
	d := &BatchDriver{
		store:       store,
		builder:     builder,
		progress:    prog,
		logger:      slog.Default(),
		tracer:      otel.Tracer("geombuild"),
		terminalTTL: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches a batch for the hierarchy and returns as soon as the work
// list is known. The batch itself runs in the background and survives the
// caller's request context.
func (d *BatchDriver) Start(ctx context.Context, hierarchyID region.HierarchyID, opts BatchOptions) (*progress.Record, error) {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	existing, err := d.progress.Get(ctx, hierarchyID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read progress")
	}
	// A cancel-requested record still blocks: the old driver is finishing
	// its in-flight region and will re-read this key at the next boundary.
	// Writing a fresh record now would drop the cancel flag and leave two
	// batches interleaving writes on the same hierarchy. The record turns
	// terminal within one region, at which point a new start is accepted.
	if existing != nil && !existing.Terminal() {
		return nil, ErrAlreadyRunning
	}

	regions, err := d.store.HierarchyRegionsByDepth(ctx, hierarchyID, !opts.Force)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list hierarchy regions")
	}

	now := time.Now()
	rec := &progress.Record{
		HierarchyID: hierarchyID,
		Status:      progress.StatusStarting,
		StatusText:  "preparing work list",
		Total:       len(regions),
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.progress.Put(ctx, rec); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "write progress")
	}

	if d.metrics != nil {
		d.metrics.BatchesStarted.Inc()
		d.metrics.BatchesActive.Inc()
	}

	// The batch must not die with the HTTP request that started it.
	bg := context.WithoutCancel(ctx)
	go d.run(bg, hierarchyID, regions, opts)

	out := *rec
	return &out, nil
}

// Status returns the current progress record, or nil when no batch is known.
func (d *BatchDriver) Status(ctx context.Context, hierarchyID region.HierarchyID) (*progress.Record, error) {
	rec, err := d.progress.Get(ctx, hierarchyID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read progress")
	}
	return rec, nil
}

// Cancel requests cooperative cancellation. The running batch stops before
// starting its next region; the in-flight region finishes. Returns NotFound
// when no batch is known for the hierarchy.
func (d *BatchDriver) Cancel(ctx context.Context, hierarchyID region.HierarchyID) error {
	found, err := d.progress.RequestCancel(ctx, hierarchyID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "request cancel")
	}
	if !found {
		return dErrors.Newf(dErrors.CodeNotFound, "no computation is running for hierarchy %d", hierarchyID)
	}
	return nil
}

func (d *BatchDriver) run(ctx context.Context, hierarchyID region.HierarchyID, regions []region.DepthRegion, opts BatchOptions) {
	ctx, span := d.tracer.Start(ctx, "geombuild.Batch",
		trace.WithAttributes(
			attribute.Int64("hierarchy.id", int64(hierarchyID)),
			attribute.Int("regions", len(regions)),
		))
	defer span.End()
	defer func() {
		if d.metrics != nil {
			d.metrics.BatchesActive.Dec()
		}
	}()

	log := d.logger.With(slog.Int64("hierarchy_id", int64(hierarchyID)))
	log.InfoContext(ctx, "hierarchy batch started",
		slog.Int("regions", len(regions)), slog.Bool("force", opts.Force))

	rec := &progress.Record{
		HierarchyID: hierarchyID,
		Status:      progress.StatusComputing,
		Total:       len(regions),
		StartedAt:   time.Now(),
	}

	buildOpts := DefaultBuildOptions()
	buildOpts.SkipSnapping = opts.SkipSnapping

	cancelled := false
	lastDepth := -1
	for _, dr := range regions {
		if d.cancelRequested(ctx, hierarchyID) {
			cancelled = true
			break
		}

		if dr.Depth != lastDepth {
			lastDepth = dr.Depth
			rec.StatusText = fmt.Sprintf("computing level %d", dr.Depth)
		}
		rec.CurrentItem = dr.Region.Name
		d.put(ctx, rec)

		res, err := d.builder.Build(ctx, dr.Region.ID, buildOpts)
		rec.Processed++
		switch {
		case err != nil:
			rec.Errors++
			log.ErrorContext(ctx, "region build failed",
				slog.Int64("region_id", int64(dr.Region.ID)),
				slog.String("region", dr.Region.Name),
				slog.String("error", err.Error()))
		case res.TimedOut:
			rec.Errors++
			log.WarnContext(ctx, "region build timed out",
				slog.Int64("region_id", int64(dr.Region.ID)),
				slog.String("region", dr.Region.Name))
		case res.Skipped:
			rec.Skipped++
		default:
			rec.Computed++
		}
		d.put(ctx, rec)
	}

	if cancelled {
		rec.Status = progress.StatusCancelled
		rec.StatusText = "cancelled"
		rec.CancelRequested = true
	} else {
		rec.Status = progress.StatusComplete
		rec.StatusText = "complete"
	}
	rec.CurrentItem = ""
	d.put(ctx, rec)

	if err := d.progress.ExpireAfter(ctx, hierarchyID, d.terminalTTL); err != nil {
		log.WarnContext(ctx, "failed to schedule progress eviction", slog.String("error", err.Error()))
	}

	d.events.Publish(ctx, events.Event{
		Type:        events.TypeBatchFinished,
		HierarchyID: hierarchyID,
		Detail: fmt.Sprintf("status=%s computed=%d skipped=%d errors=%d",
			rec.Status, rec.Computed, rec.Skipped, rec.Errors),
	})

	log.InfoContext(ctx, "hierarchy batch finished",
		slog.String("status", string(rec.Status)),
		slog.Int("computed", rec.Computed),
		slog.Int("skipped", rec.Skipped),
		slog.Int("errors", rec.Errors))
}

// cancelRequested re-reads the shared record so a cancel issued from another
// process (or the redis-backed store) is honored.
func (d *BatchDriver) cancelRequested(ctx context.Context, hierarchyID region.HierarchyID) bool {
	rec, err := d.progress.Get(ctx, hierarchyID)
	if err != nil {
		d.logger.WarnContext(ctx, "progress read failed during batch", slog.String("error", err.Error()))
		return false
	}
	return rec != nil && rec.CancelRequested
}

func (d *BatchDriver) put(ctx context.Context, rec *progress.Record) {
	rec.UpdatedAt = time.Now()
	// Carry over a cancel flag set between our writes; last write wins on
	// the store, so dropping it here would lose the request.
	if cur, err := d.progress.Get(ctx, rec.HierarchyID); err == nil && cur != nil && cur.CancelRequested {
		rec.CancelRequested = true
	}
	snapshot := *rec
	if err := d.progress.Put(ctx, &snapshot); err != nil {
		d.logger.WarnContext(ctx, "progress write failed", slog.String("error", err.Error()))
	}
}
