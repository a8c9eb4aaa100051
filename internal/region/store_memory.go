package region

import (
	"context"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/uncovering-world/track-your-regions/internal/geomath"
)

// MemoryStore is an in-memory Store used by unit tests and local development.
// It mirrors the postgres implementation's behavior, including derived-column
// maintenance, so the build pipeline can be exercised without a database.
type MemoryStore struct {
	mu sync.RWMutex

	regions   map[RegionID]*Region
	members   map[RegionID][]Member
	divisions map[DivisionID]orb.Geometry

	geometries map[RegionID]orb.Geometry
	simplified map[RegionID]map[Resolution]orb.Geometry
	hulls      map[RegionID]orb.Geometry
	hullParams map[RegionID]HullParams

	// locked simulates rows held by a concurrent transaction.
	locked map[RegionID]bool

	nextID RegionID
}

// NewMemoryStore creates an empty in-memory region store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regions:    make(map[RegionID]*Region),
		members:    make(map[RegionID][]Member),
		divisions:  make(map[DivisionID]orb.Geometry),
		geometries: make(map[RegionID]orb.Geometry),
		simplified: make(map[RegionID]map[Resolution]orb.Geometry),
		hulls:      make(map[RegionID]orb.Geometry),
		hullParams: make(map[RegionID]HullParams),
		locked:     make(map[RegionID]bool),
		nextID:     1,
	}
}

// AddRegion inserts a region and returns its assigned ID.
func (s *MemoryStore) AddRegion(r *Region) RegionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextID
	}
	if r.ID >= s.nextID {
		s.nextID = r.ID + 1
	}
	cp := *r
	s.regions[cp.ID] = &cp
	return cp.ID
}

// AddDivision registers a base division boundary.
func (s *MemoryStore) AddDivision(id DivisionID, g orb.Geometry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.divisions[id] = g
}

// AddMember attaches a member row to a region.
func (s *MemoryStore) AddMember(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.RegionID] = append(s.members[m.RegionID], m)
}

// LockRegion marks a row as held by a concurrent transaction so tests can
// exercise the invalidation race path.
func (s *MemoryStore) LockRegion(id RegionID, locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked[id] = locked
}

func (s *MemoryStore) GetRegion(_ context.Context, id RegionID) (*Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetChildren(_ context.Context, parentID RegionID) ([]*Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Region
	for _, r := range s.regions {
		if r.ParentID != nil && *r.ParentID == parentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetMembers(_ context.Context, regionID RegionID) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Member(nil), s.members[regionID]...), nil
}

func (s *MemoryStore) DivisionGeometry(_ context.Context, id DivisionID) (orb.Geometry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.divisions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

func (s *MemoryStore) Geometry(_ context.Context, id RegionID, res Resolution) (orb.Geometry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.regions[id]; !ok {
		return nil, ErrNotFound
	}
	if res != ResolutionFull {
		if g, ok := s.simplified[id][res]; ok {
			return g, nil
		}
		// Fall through to full when no simplified column exists yet.
	}
	return s.geometries[id], nil
}

func (s *MemoryStore) WriteGeometry(_ context.Context, id RegionID, g orb.Geometry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[id]
	if !ok {
		return ErrNotFound
	}
	s.geometries[id] = g
	// The postgres store recomputes simplified projections in SQL; here the
	// full geometry stands in for both resolutions.
	s.simplified[id] = map[Resolution]orb.Geometry{
		ResolutionMedium: g,
		ResolutionLow:    g,
	}
	area := geo.Area(g) / 1e6
	anchor, _ := planar.CentroidArea(g)
	r.HasGeometry = true
	r.AreaKm2 = &area
	r.AnchorPoint = &anchor
	return nil
}

func (s *MemoryStore) ClearGeometry(_ context.Context, id RegionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[id]
	if !ok {
		return ErrNotFound
	}
	if s.locked[id] {
		return ErrLockConflict
	}
	delete(s.geometries, id)
	delete(s.simplified, id)
	r.HasGeometry = false
	r.IsCustomBoundary = false
	r.AreaKm2 = nil
	r.AnchorPoint = nil
	return nil
}

func (s *MemoryStore) SetCustomBoundary(_ context.Context, id RegionID, custom bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[id]
	if !ok {
		return ErrNotFound
	}
	r.IsCustomBoundary = custom
	return nil
}

func (s *MemoryStore) HierarchyRegionsByDepth(_ context.Context, id HierarchyID, onlyMissing bool) ([]DepthRegion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depths := make(map[RegionID]int)
	var depthOf func(r *Region) int
	depthOf = func(r *Region) int {
		if d, ok := depths[r.ID]; ok {
			return d
		}
		d := 0
		if r.ParentID != nil {
			if p, ok := s.regions[*r.ParentID]; ok {
				d = depthOf(p) + 1
			}
		}
		depths[r.ID] = d
		return d
	}

	var out []DepthRegion
	for _, r := range s.regions {
		if r.HierarchyID != id || r.IsCustomBoundary {
			continue
		}
		if onlyMissing && r.HasGeometry {
			continue
		}
		cp := *r
		out = append(out, DepthRegion{Region: &cp, Depth: depthOf(r)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth > out[j].Depth
		}
		return out[i].Region.ID < out[j].Region.ID
	})
	return out, nil
}

func (s *MemoryStore) HierarchyStats(_ context.Context, id HierarchyID) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, r := range s.regions {
		if r.HierarchyID != id {
			continue
		}
		st.TotalRegions++
		if r.HasGeometry {
			st.WithGeometry++
			st.TotalPoints += int64(geomath.PointCount(s.geometries[r.ID]))
		} else {
			st.MissingGeometry++
		}
		if r.IsCustomBoundary {
			st.CustomBoundary++
		}
	}
	return st, nil
}

func (s *MemoryStore) HullParams(_ context.Context, id RegionID) (*HullParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.regions[id]; !ok {
		return nil, ErrNotFound
	}
	p, ok := s.hullParams[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (s *MemoryStore) WriteHull(_ context.Context, id RegionID, g orb.Geometry, p HullParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[id]
	if !ok {
		return ErrNotFound
	}
	s.hulls[id] = g
	s.hullParams[id] = p
	r.HasHull = true
	return nil
}

func (s *MemoryStore) Hull(_ context.Context, id RegionID) (orb.Geometry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.regions[id]; !ok {
		return nil, ErrNotFound
	}
	return s.hulls[id], nil
}

func (s *MemoryStore) ClearHull(_ context.Context, id RegionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.hulls, id)
	delete(s.hullParams, id)
	r.HasHull = false
	return nil
}
