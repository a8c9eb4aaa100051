// Package handler wires geometry computation endpoints to the build services.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uncovering-world/track-your-regions/internal/geombuild"
	"github.com/uncovering-world/track-your-regions/internal/geombuild/progress"
	"github.com/uncovering-world/track-your-regions/internal/platform/middleware"
	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
	"github.com/uncovering-world/track-your-regions/pkg/platform/httputil"
)

// statusPollInterval is how often the streaming status variant re-reads the
// progress record.
const statusPollInterval = time.Second

// Builder is the single-region build surface the handler needs.
type Builder interface {
	Build(ctx context.Context, id region.RegionID, opts geombuild.BuildOptions) (geombuild.BuildResult, error)
	EnsureSubtreeComputed(ctx context.Context, id region.RegionID) (int, error)
}

// Batches is the hierarchy batch surface the handler needs.
type Batches interface {
	Start(ctx context.Context, id region.HierarchyID, opts geombuild.BatchOptions) (*progress.Record, error)
	Status(ctx context.Context, id region.HierarchyID) (*progress.Record, error)
	Cancel(ctx context.Context, id region.HierarchyID) error
}

// Invalidator clears cached geometry up the ancestor chain.
type Invalidator interface {
	Invalidate(ctx context.Context, id region.RegionID) error
}

// Handler wires computation endpoints to the build services.
type Handler struct {
	builder     Builder
	batches     Batches
	invalidator Invalidator
	store       region.Store
	logger      *slog.Logger
}

// New constructs a computation handler with its dependencies.
func New(builder Builder, batches Batches, invalidator Invalidator, store region.Store, logger *slog.Logger) *Handler {
	return &Handler{
		builder:     builder,
		batches:     batches,
		invalidator: invalidator,
		store:       store,
		logger:      logger,
	}
}

// Register mounts computation endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/regions/{regionID}/geometry", h.HandleBuild)
	r.Delete("/regions/{regionID}/geometry", h.HandleReset)
	r.Post("/regions/{regionID}/invalidate", h.HandleInvalidate)

	r.Post("/hierarchies/{hierarchyID}/geometry", h.HandleBatchStart)
	r.Get("/hierarchies/{hierarchyID}/geometry/status", h.HandleBatchStatus)
	r.Post("/hierarchies/{hierarchyID}/geometry/cancel", h.HandleBatchCancel)
	r.Get("/hierarchies/{hierarchyID}/geometry/stats", h.HandleStats)
}

// buildRequest is the body of POST /regions/{regionID}/geometry.
type buildRequest struct {
	SkipSnapping bool `json:"skipSnapping"`
	Force        bool `json:"force"`
}

// HandleBuild handles POST /regions/{regionID}/geometry. The region's
// subtree is resolved bottom-up first so the build always sees its children's
// geometry. With Accept: text/event-stream the pipeline steps are streamed as
// SSE events instead of a single JSON response.
func (h *Handler) HandleBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := regionParam(w, r)
	if !ok {
		return
	}

	var req buildRequest
	if r.Body != nil && r.ContentLength != 0 {
		if req, ok = httputil.Decode[buildRequest](w, r); !ok {
			return
		}
	}

	opts := geombuild.DefaultBuildOptions()
	opts.SkipSnapping = req.SkipSnapping
	opts.Force = req.Force

	if wantsEventStream(r) {
		h.buildStreaming(w, r, id, opts)
		return
	}

	if _, err := h.builder.EnsureSubtreeComputed(ctx, id); err != nil {
		h.logger.ErrorContext(ctx, "subtree computation failed",
			"request_id", requestID,
			"region_id", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	res, err := h.builder.Build(ctx, id, opts)
	if err != nil {
		h.logger.ErrorContext(ctx, "region build failed",
			"request_id", requestID,
			"region_id", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, res)
}

// buildStreaming runs the same build but emits each pipeline step as an SSE
// event. The terminal event is always complete or error, never both.
func (h *Handler) buildStreaming(w http.ResponseWriter, r *http.Request, id region.RegionID, opts geombuild.BuildOptions) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev geombuild.StepEvent) {
		writeSSE(w, ev.Type, ev)
		flusher.Flush()
	}

	if _, err := h.builder.EnsureSubtreeComputed(ctx, id); err != nil {
		emit(geombuild.StepEvent{Type: geombuild.StepEventError, Data: map[string]string{"error": dErrors.MessageOf(err)}})
		return
	}

	opts.Observer = geombuild.StepObserver(emit)
	if _, err := h.builder.Build(ctx, id, opts); err != nil {
		h.logger.ErrorContext(ctx, "streaming region build failed",
			"request_id", middleware.GetRequestID(ctx),
			"region_id", id,
			"error", err,
		)
	}
}

// HandleReset handles DELETE /regions/{regionID}/geometry. The region
// reverts to computed: its custom boundary flag and cached geometry are
// cleared, and ancestors are invalidated so they recompute from the fresh
// result.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := regionParam(w, r)
	if !ok {
		return
	}

	if err := h.invalidator.Invalidate(ctx, id); err != nil {
		h.logger.ErrorContext(ctx, "reset failed",
			"request_id", middleware.GetRequestID(ctx),
			"region_id", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleInvalidate handles POST /regions/{regionID}/invalidate. Exposed for
// the mutation layer to call after membership or structural changes.
func (h *Handler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := regionParam(w, r)
	if !ok {
		return
	}

	if err := h.invalidator.Invalidate(ctx, id); err != nil {
		h.logger.ErrorContext(ctx, "invalidation failed",
			"request_id", middleware.GetRequestID(ctx),
			"region_id", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"invalidated": true})
}

// batchRequest is the body of POST /hierarchies/{hierarchyID}/geometry.
type batchRequest struct {
	Force        bool `json:"force"`
	SkipSnapping bool `json:"skipSnapping"`
}

// HandleBatchStart handles POST /hierarchies/{hierarchyID}/geometry.
func (h *Handler) HandleBatchStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := hierarchyParam(w, r)
	if !ok {
		return
	}

	var req batchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if req, ok = httputil.Decode[batchRequest](w, r); !ok {
			return
		}
	}

	rec, err := h.batches.Start(ctx, id, geombuild.BatchOptions{
		Force:        req.Force,
		SkipSnapping: req.SkipSnapping,
	})
	if err != nil {
		if !errors.Is(err, geombuild.ErrAlreadyRunning) {
			h.logger.ErrorContext(ctx, "batch start failed",
				"request_id", requestID,
				"hierarchy_id", id,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "hierarchy batch accepted",
		"request_id", requestID,
		"hierarchy_id", id,
		"total", rec.Total,
		"force", req.Force,
	)

	httputil.WriteJSON(w, http.StatusAccepted, statusResponse(rec))
}

// HandleBatchStatus handles GET /hierarchies/{hierarchyID}/geometry/status.
// With Accept: text/event-stream the record is streamed until it reaches a
// terminal state.
func (h *Handler) HandleBatchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := hierarchyParam(w, r)
	if !ok {
		return
	}

	if wantsEventStream(r) {
		h.statusStreaming(w, r, id)
		return
	}

	rec, err := h.batches.Status(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse(rec))
}

// statusStreaming pushes the progress record over SSE until the batch is
// terminal or the record has been evicted.
func (h *Handler) statusStreaming(w http.ResponseWriter, r *http.Request, id region.HierarchyID) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		rec, err := h.batches.Status(ctx, id)
		if err != nil {
			writeSSE(w, "error", map[string]string{"error": dErrors.MessageOf(err)})
			flusher.Flush()
			return
		}

		writeSSE(w, "status", statusResponse(rec))
		flusher.Flush()

		if rec == nil || rec.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HandleBatchCancel handles POST /hierarchies/{hierarchyID}/geometry/cancel.
func (h *Handler) HandleBatchCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := hierarchyParam(w, r)
	if !ok {
		return
	}

	if err := h.batches.Cancel(ctx, id); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "hierarchy batch cancellation requested",
		"request_id", middleware.GetRequestID(ctx),
		"hierarchy_id", id,
	)

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"cancelRequested": true})
}

// HandleStats handles GET /hierarchies/{hierarchyID}/geometry/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := hierarchyParam(w, r)
	if !ok {
		return
	}

	stats, err := h.store.HierarchyStats(ctx, id)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "read stats"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// statusResponse wraps a progress record so "no batch known" serializes as
// {"running": false} instead of a 404, keeping the poll loop on the client
// unconditional.
func statusResponse(rec *progress.Record) map[string]any {
	if rec == nil {
		return map[string]any{"running": false}
	}
	return map[string]any{
		"running":  !rec.Terminal(),
		"percent":  rec.Percent(),
		"progress": rec,
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func regionParam(w http.ResponseWriter, r *http.Request) (region.RegionID, bool) {
	raw := chi.URLParam(r, "regionID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "invalid region id %q", raw))
		return 0, false
	}
	return region.RegionID(id), true
}

func hierarchyParam(w http.ResponseWriter, r *http.Request) (region.HierarchyID, bool) {
	raw := chi.URLParam(r, "hierarchyID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "invalid hierarchy id %q", raw))
		return 0, false
	}
	return region.HierarchyID(id), true
}
