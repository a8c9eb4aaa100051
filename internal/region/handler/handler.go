// Package handler serves cached region geometry.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/geojson"

	"github.com/uncovering-world/track-your-regions/internal/region"
	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
	"github.com/uncovering-world/track-your-regions/pkg/platform/httputil"
)

// Handler serves read-only geometry endpoints.
type Handler struct {
	store  region.Store
	logger *slog.Logger
}

// New constructs a region geometry handler.
func New(store region.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Register mounts geometry read endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/regions/{regionID}/geometry", h.HandleGeometry)
}

// HandleGeometry handles GET /regions/{regionID}/geometry. The resolution
// query parameter selects which cached projection to serve; a region whose
// geometry has not been computed yet answers 204.
func (h *Handler) HandleGeometry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := chi.URLParam(r, "regionID")
	id64, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id64 <= 0 {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "invalid region id %q", raw))
		return
	}
	id := region.RegionID(id64)

	res := region.Resolution(r.URL.Query().Get("resolution"))
	if res == "" {
		res = region.ResolutionFull
	}
	if !res.Valid() {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "unknown resolution %q", res))
		return
	}

	if _, err := h.store.GetRegion(ctx, id); err != nil {
		if errors.Is(err, region.ErrNotFound) {
			httputil.WriteError(w, dErrors.Newf(dErrors.CodeNotFound, "region %d not found", id))
			return
		}
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "load region"))
		return
	}

	g, err := h.store.Geometry(ctx, id, res)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "load geometry"))
		return
	}
	if g == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, geojson.NewGeometry(g))
}
