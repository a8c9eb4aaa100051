package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uncovering-world/track-your-regions/internal/geombuild"
	"github.com/uncovering-world/track-your-regions/internal/geombuild/progress"
	"github.com/uncovering-world/track-your-regions/internal/geomengine/enginetest"
	"github.com/uncovering-world/track-your-regions/internal/platform/logger"
	"github.com/uncovering-world/track-your-regions/internal/region"
)

type fixture struct {
	store  *region.MemoryStore
	router chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := region.NewMemoryStore()
	engine := enginetest.NewFake()
	log := logger.Discard()

	builder, err := geombuild.NewBuilder(store, engine)
	require.NoError(t, err)
	invalidator, err := geombuild.NewInvalidator(store)
	require.NoError(t, err)
	batches, err := geombuild.NewBatchDriver(store, builder, progress.NewMemoryStore())
	require.NoError(t, err)

	r := chi.NewRouter()
	New(builder, batches, invalidator, store, log).Register(r)
	return &fixture{store: store, router: r}
}

func (f *fixture) addRegionWithDivision(t *testing.T, name string) region.RegionID {
	t.Helper()
	id := f.store.AddRegion(&region.Region{Name: name, HierarchyID: 1})
	div := region.DivisionID(id * 100)
	f.store.AddDivision(div, orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}})
	f.store.AddMember(region.Member{RegionID: id, DivisionID: &div})
	return id
}

func TestHandleBuild(t *testing.T) {
	f := newFixture(t)
	id := f.addRegionWithDivision(t, "Benelux")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/regions/1/geometry", strings.NewReader(`{"skipSnapping":true}`))
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res geombuild.BuildResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, res.Computed)

	r, err := f.store.GetRegion(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, r.HasGeometry)
}

func TestHandleBuildStreaming(t *testing.T) {
	f := newFixture(t)
	f.addRegionWithDivision(t, "Benelux")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/regions/1/geometry", nil)
	req.Header.Set("Accept", "text/event-stream")
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"step":"union"`)
}

func TestHandleBuildUnknownRegion(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/regions/42/geometry", nil)
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleBuildBadID(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/regions/abc/geometry", nil)
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleReset(t *testing.T) {
	f := newFixture(t)
	id := f.addRegionWithDivision(t, "Custom")
	require.NoError(t, f.store.WriteGeometry(context.Background(), id, orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}))
	require.NoError(t, f.store.SetCustomBoundary(context.Background(), id, true))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/regions/1/geometry", nil)
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)

	r, err := f.store.GetRegion(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, r.IsCustomBoundary)
	assert.False(t, r.HasGeometry)
}

func TestHandleBatchLifecycle(t *testing.T) {
	f := newFixture(t)
	f.addRegionWithDivision(t, "A")
	f.addRegionWithDivision(t, "B")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hierarchies/1/geometry", strings.NewReader(`{"force":false}`))
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/hierarchies/1/geometry/status", nil)
		f.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		var body struct {
			Running  bool             `json:"running"`
			Progress *progress.Record `json:"progress"`
		}
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			return false
		}
		return !body.Running && body.Progress != nil && body.Progress.Status == progress.StatusComplete
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleBatchStatusUnknown(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/hierarchies/9/geometry/status", nil)
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, false, body["running"])
}

func TestHandleBatchCancelWithoutBatch(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hierarchies/9/geometry/cancel", nil)
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStats(t *testing.T) {
	f := newFixture(t)
	id := f.addRegionWithDivision(t, "A")
	f.addRegionWithDivision(t, "B")
	require.NoError(t, f.store.WriteGeometry(context.Background(), id, orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/hierarchies/1/geometry/stats", nil)
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats region.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 2, stats.TotalRegions)
	assert.Equal(t, 1, stats.WithGeometry)
	assert.Equal(t, 1, stats.MissingGeometry)
}
