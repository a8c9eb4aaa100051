package region

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Simplification tolerances for the derived projection columns, in degrees.
// Medium feeds the default map view, low feeds zoomed-out overviews.
const (
	simplifyMediumTolerance = 0.005
	simplifyLowTolerance    = 0.03
)

// pgLockNotAvailable is the SQLSTATE raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

// PostgresStore implements Store over PostGIS. Geometry crosses the wire as
// GeoJSON; heavy derived columns (simplified projections, area, anchor point)
// are computed inside the database on write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostGIS-backed region store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const regionColumns = `
	id, hierarchy_id, name, COALESCE(color, ''), parent_id,
	is_custom_boundary, needs_alternate_shape,
	geom IS NOT NULL, hull_geom IS NOT NULL,
	area_km2, ST_AsGeoJSON(anchor_point)
`

func (s *PostgresStore) GetRegion(ctx context.Context, id RegionID) (*Region, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+regionColumns+` FROM regions WHERE id = $1`, id)
	r, err := scanRegion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get region %d: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) GetChildren(ctx context.Context, parentID RegionID) ([]*Region, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+regionColumns+` FROM regions WHERE parent_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children of %d: %w", parentID, err)
	}
	defer rows.Close()

	var out []*Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child region: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetMembers(ctx context.Context, regionID RegionID) ([]Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT region_id, division_id, ST_AsGeoJSON(custom_geom), COALESCE(custom_name, '')
		FROM region_members
		WHERE region_id = $1
		ORDER BY id`, regionID)
	if err != nil {
		return nil, fmt.Errorf("query members of %d: %w", regionID, err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m       Member
			divID   *int64
			rawGeom *string
		)
		if err := rows.Scan(&m.RegionID, &divID, &rawGeom, &m.CustomName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if divID != nil {
			d := DivisionID(*divID)
			m.DivisionID = &d
		}
		if rawGeom != nil {
			g, err := decodeGeoJSON(*rawGeom)
			if err != nil {
				return nil, fmt.Errorf("decode member geometry: %w", err)
			}
			m.CustomGeometry = g
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DivisionGeometry(ctx context.Context, id DivisionID) (orb.Geometry, error) {
	var raw *string
	err := s.pool.QueryRow(ctx,
		`SELECT ST_AsGeoJSON(geom) FROM administrative_divisions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get division %d geometry: %w", id, err)
	}
	if raw == nil {
		return nil, nil
	}
	return decodeGeoJSON(*raw)
}

func (s *PostgresStore) Geometry(ctx context.Context, id RegionID, res Resolution) (orb.Geometry, error) {
	col := "geom"
	switch res {
	case ResolutionMedium:
		col = "COALESCE(geom_simplified_medium, geom)"
	case ResolutionLow:
		col = "COALESCE(geom_simplified_low, geom)"
	}
	var raw *string
	err := s.pool.QueryRow(ctx,
		`SELECT ST_AsGeoJSON(`+col+`) FROM regions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get region %d geometry: %w", id, err)
	}
	if raw == nil {
		return nil, nil
	}
	return decodeGeoJSON(*raw)
}

// WriteGeometry stores the merged boundary and recomputes every derived
// column in one statement so readers never observe a half-updated row.
func (s *PostgresStore) WriteGeometry(ctx context.Context, id RegionID, g orb.Geometry) error {
	raw, err := encodeGeoJSON(g)
	if err != nil {
		return fmt.Errorf("encode geometry: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		WITH incoming AS (
			SELECT ST_Multi(ST_MakeValid(ST_SetSRID(ST_GeomFromGeoJSON($2), 4326))) AS geom
		)
		UPDATE regions SET
			geom = incoming.geom,
			geom_simplified_medium = ST_SimplifyPreserveTopology(incoming.geom, $3),
			geom_simplified_low = ST_SimplifyPreserveTopology(incoming.geom, $4),
			area_km2 = ST_Area(incoming.geom::geography) / 1e6,
			anchor_point = ST_PointOnSurface(incoming.geom),
			geometry_updated_at = now()
		FROM incoming
		WHERE regions.id = $1`,
		id, raw, simplifyMediumTolerance, simplifyLowTolerance)
	if err != nil {
		return fmt.Errorf("write region %d geometry: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearGeometry nulls the cached columns without waiting on row locks: an
// in-flight build holding the row will overwrite them anyway.
func (s *PostgresStore) ClearGeometry(ctx context.Context, id RegionID) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '500ms'`); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE regions SET
				geom = NULL,
				geom_simplified_medium = NULL,
				geom_simplified_low = NULL,
				area_km2 = NULL,
				anchor_point = NULL,
				is_custom_boundary = FALSE
			WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return ErrLockConflict
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("clear region %d geometry: %w", id, err)
	}
	return err
}

func (s *PostgresStore) SetCustomBoundary(ctx context.Context, id RegionID, custom bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE regions SET is_custom_boundary = $2 WHERE id = $1`, id, custom)
	if err != nil {
		return fmt.Errorf("set custom boundary on %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HierarchyRegionsByDepth orders every region of a hierarchy deepest first so
// the batch driver never processes a parent before its children.
func (s *PostgresStore) HierarchyRegionsByDepth(ctx context.Context, id HierarchyID, onlyMissing bool) ([]DepthRegion, error) {
	query := `
		WITH RECURSIVE region_depth AS (
			SELECT id, 0 AS depth
			FROM regions
			WHERE hierarchy_id = $1 AND parent_id IS NULL

			UNION ALL

			SELECT r.id, rd.depth + 1
			FROM regions r
			INNER JOIN region_depth rd ON r.parent_id = rd.id
		)
		SELECT ` + regionColumns + `, rd.depth
		FROM region_depth rd
		INNER JOIN regions ON regions.id = rd.id
		WHERE NOT regions.is_custom_boundary
		  AND ($2 = FALSE OR regions.geom IS NULL)
		ORDER BY rd.depth DESC, regions.id`
	rows, err := s.pool.Query(ctx, query, id, onlyMissing)
	if err != nil {
		return nil, fmt.Errorf("query hierarchy %d by depth: %w", id, err)
	}
	defer rows.Close()

	var out []DepthRegion
	for rows.Next() {
		var dr DepthRegion
		r, err := scanRegionDepth(rows, &dr.Depth)
		if err != nil {
			return nil, fmt.Errorf("scan hierarchy region: %w", err)
		}
		dr.Region = r
		out = append(out, dr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HierarchyStats(ctx context.Context, id HierarchyID) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE geom IS NOT NULL),
			COUNT(*) FILTER (WHERE geom IS NULL),
			COUNT(*) FILTER (WHERE is_custom_boundary),
			COALESCE(SUM(ST_NPoints(geom)), 0)
		FROM regions
		WHERE hierarchy_id = $1`, id).
		Scan(&st.TotalRegions, &st.WithGeometry, &st.MissingGeometry, &st.CustomBoundary, &st.TotalPoints)
	if err != nil {
		return Stats{}, fmt.Errorf("hierarchy %d stats: %w", id, err)
	}
	return st, nil
}

func (s *PostgresStore) HullParams(ctx context.Context, id RegionID) (*HullParams, error) {
	var buffer, concavity, simplify *float64
	err := s.pool.QueryRow(ctx, `
		SELECT hull_buffer_distance, hull_concavity, hull_simplify_tolerance
		FROM regions WHERE id = $1`, id).
		Scan(&buffer, &concavity, &simplify)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hull params for %d: %w", id, err)
	}
	if buffer == nil || concavity == nil || simplify == nil {
		return nil, nil
	}
	return &HullParams{
		BufferDistance:    *buffer,
		Concavity:         *concavity,
		SimplifyTolerance: *simplify,
	}, nil
}

func (s *PostgresStore) WriteHull(ctx context.Context, id RegionID, g orb.Geometry, p HullParams) error {
	raw, err := encodeGeoJSON(g)
	if err != nil {
		return fmt.Errorf("encode hull: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE regions SET
			hull_geom = ST_SetSRID(ST_GeomFromGeoJSON($2), 4326),
			hull_buffer_distance = $3,
			hull_concavity = $4,
			hull_simplify_tolerance = $5
		WHERE id = $1`,
		id, raw, p.BufferDistance, p.Concavity, p.SimplifyTolerance)
	if err != nil {
		return fmt.Errorf("write hull for %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Hull(ctx context.Context, id RegionID) (orb.Geometry, error) {
	var raw *string
	err := s.pool.QueryRow(ctx,
		`SELECT ST_AsGeoJSON(hull_geom) FROM regions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hull for %d: %w", id, err)
	}
	if raw == nil {
		return nil, nil
	}
	return decodeGeoJSON(*raw)
}

func (s *PostgresStore) ClearHull(ctx context.Context, id RegionID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE regions SET
			hull_geom = NULL,
			hull_buffer_distance = NULL,
			hull_concavity = NULL,
			hull_simplify_tolerance = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear hull for %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegion(row rowScanner) (*Region, error) {
	return scanRegionDepth(row, nil)
}

func scanRegionDepth(row rowScanner, depth *int) (*Region, error) {
	var (
		r         Region
		parentID  *int64
		anchorRaw *string
	)
	dest := []any{
		&r.ID, &r.HierarchyID, &r.Name, &r.Color, &parentID,
		&r.IsCustomBoundary, &r.NeedsAlternateShape,
		&r.HasGeometry, &r.HasHull,
		&r.AreaKm2, &anchorRaw,
	}
	if depth != nil {
		dest = append(dest, depth)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if parentID != nil {
		p := RegionID(*parentID)
		r.ParentID = &p
	}
	if anchorRaw != nil {
		g, err := decodeGeoJSON(*anchorRaw)
		if err != nil {
			return nil, fmt.Errorf("decode anchor point: %w", err)
		}
		if pt, ok := g.(orb.Point); ok {
			r.AnchorPoint = &pt
		}
	}
	return &r, nil
}

func encodeGeoJSON(g orb.Geometry) (string, error) {
	data, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeGeoJSON(raw string) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry([]byte(raw))
	if err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}
