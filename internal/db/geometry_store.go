package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trip-replay/internal/geometry"
	"trip-replay/internal/obs"
	"trip-replay/internal/trip"
)

// GeometryStore persists resolved route geometry so restarts do not
// re-query the directions service.
type GeometryStore struct {
	db  *DB
	now func() time.Time
}

func NewGeometryStore(db *DB) *GeometryStore {
	return &GeometryStore{db: db, now: time.Now}
}

func (s *GeometryStore) Get(ctx context.Context, roadID trip.RoadID) (_ []trip.Coord, _ bool, err error) {
	defer obs.Time(ctx, "geometry.store.Get")(&err)

	if s.db == nil {
		return nil, false, errors.New("geometry store: db is nil")
	}

	var raw string
	q := rebind(s.db.Driver, `SELECT path FROM route_geometry WHERE road_id = ?`)
	err = s.db.QueryRowContext(ctx, q, string(roadID)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get route geometry road=%s: %w", roadID, err)
	}
	path, err := geometry.DecodePath([]byte(raw))
	if err != nil {
		return nil, false, fmt.Errorf("get route geometry road=%s: %w", roadID, err)
	}
	return path, true, nil
}

func (s *GeometryStore) Put(ctx context.Context, roadID trip.RoadID, path []trip.Coord) error {
	if s.db == nil {
		return errors.New("geometry store: db is nil")
	}
	if strings.TrimSpace(string(roadID)) == "" {
		return fmt.Errorf("insert route geometry: empty road id")
	}
	b, err := geometry.EncodePath(path)
	if err != nil {
		return fmt.Errorf("insert route geometry road=%s: %w", roadID, err)
	}

	q := rebind(s.db.Driver, `
	INSERT INTO route_geometry (road_id, path, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT (road_id) DO UPDATE
	SET path = EXCLUDED.path,
		updated_at = EXCLUDED.updated_at;
	`)
	if _, err := s.db.ExecContext(ctx, q, string(roadID), string(b), s.now().Unix()); err != nil {
		return fmt.Errorf("insert route geometry road=%s: %w", roadID, err)
	}
	return nil
}

// Count returns how many roads are persisted.
func (s *GeometryStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM route_geometry`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count route geometry: %w", err)
	}
	return n, nil
}
