// Package handler wires hull endpoints to the hull service.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/uncovering-world/track-your-regions/internal/hull"
	"github.com/uncovering-world/track-your-regions/internal/platform/middleware"
	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
	"github.com/uncovering-world/track-your-regions/pkg/platform/httputil"
)

// Service is the hull surface the handler needs.
type Service interface {
	Preview(ctx context.Context, id region.RegionID, p region.HullParams) (orb.Geometry, error)
	Save(ctx context.Context, id region.RegionID, p region.HullParams) (hull.SaveResult, error)
	Saved(ctx context.Context, id region.RegionID) (orb.Geometry, error)
	SavedParams(ctx context.Context, id region.RegionID) (*region.HullParams, error)
	ClearStale(ctx context.Context, id region.RegionID) error
}

// Handler wires hull endpoints to the hull service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a hull handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts hull endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/regions/{regionID}/hull/preview", h.HandlePreview)
	r.Put("/regions/{regionID}/hull", h.HandleSave)
	r.Get("/regions/{regionID}/hull", h.HandleGet)
	r.Get("/regions/{regionID}/hull/params", h.HandleParams)
	r.Delete("/regions/{regionID}/hull", h.HandleClear)
}

// paramsRequest carries hull parameters; zero-value fields fall back to the
// defaults so a bare preview request works.
type paramsRequest struct {
	BufferDistance    *float64 `json:"bufferDistance"`
	Concavity         *float64 `json:"concavity"`
	SimplifyTolerance *float64 `json:"simplifyTolerance"`
}

func (p paramsRequest) resolve() region.HullParams {
	out := hull.DefaultParams()
	if p.BufferDistance != nil {
		out.BufferDistance = *p.BufferDistance
	}
	if p.Concavity != nil {
		out.Concavity = *p.Concavity
	}
	if p.SimplifyTolerance != nil {
		out.SimplifyTolerance = *p.SimplifyTolerance
	}
	return out
}

// HandlePreview handles POST /regions/{regionID}/hull/preview.
func (h *Handler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := regionParam(w, r)
	if !ok {
		return
	}

	var req paramsRequest
	if r.Body != nil && r.ContentLength != 0 {
		if req, ok = httputil.Decode[paramsRequest](w, r); !ok {
			return
		}
	}
	params := req.resolve()

	g, err := h.service.Preview(ctx, id, params)
	if err != nil {
		h.logger.ErrorContext(ctx, "hull preview failed",
			"request_id", middleware.GetRequestID(ctx),
			"region_id", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"geometry": geojson.NewGeometry(g),
		"params":   params,
	})
}

// HandleSave handles PUT /regions/{regionID}/hull.
func (h *Handler) HandleSave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, ok := regionParam(w, r)
	if !ok {
		return
	}

	var req paramsRequest
	if r.Body != nil && r.ContentLength != 0 {
		if req, ok = httputil.Decode[paramsRequest](w, r); !ok {
			return
		}
	}
	params := req.resolve()

	res, err := h.service.Save(ctx, id, params)
	if err != nil {
		h.logger.ErrorContext(ctx, "hull save failed",
			"request_id", requestID,
			"region_id", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "hull saved",
		"request_id", requestID,
		"region_id", id,
		"points", res.PointCount,
		"crosses_antimeridian", res.CrossesAntimeridian,
	)

	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleGet handles GET /regions/{regionID}/hull.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := regionParam(w, r)
	if !ok {
		return
	}

	g, err := h.service.Saved(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if g == nil {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeNotFound, "region %d has no saved enclosing shape", id))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, geojson.NewGeometry(g))
}

// HandleParams handles GET /regions/{regionID}/hull/params.
func (h *Handler) HandleParams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := regionParam(w, r)
	if !ok {
		return
	}

	p, err := h.service.SavedParams(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if p == nil {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeNotFound, "region %d has no saved hull parameters", id))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, p)
}

// HandleClear handles DELETE /regions/{regionID}/hull.
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := regionParam(w, r)
	if !ok {
		return
	}

	if err := h.service.ClearStale(ctx, id); err != nil {
		h.logger.ErrorContext(ctx, "hull clear failed",
			"request_id", middleware.GetRequestID(ctx),
			"region_id", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
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
