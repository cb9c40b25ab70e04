package geometry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"trip-replay/internal/trip"
)

// Store persists resolved paths by road id. Entries are only ever added or
// overwritten with the same geometry; nothing is evicted.
type Store interface {
	Get(ctx context.Context, roadID trip.RoadID) (path []trip.Coord, ok bool, err error)
	Put(ctx context.Context, roadID trip.RoadID, path []trip.Coord) error
}

// MemoryStore is the in-process map that fronts every lookup.
type MemoryStore struct {
	mu    sync.RWMutex
	paths map[trip.RoadID][]trip.Coord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{paths: make(map[trip.RoadID][]trip.Coord)}
}

func (m *MemoryStore) Get(_ context.Context, roadID trip.RoadID) ([]trip.Coord, bool, error) {
	m.mu.RLock()
	p, ok := m.paths[roadID]
	m.mu.RUnlock()
	return p, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, roadID trip.RoadID, path []trip.Coord) error {
	if roadID == "" {
		return errors.New("memory store: empty road id")
	}
	m.mu.Lock()
	m.paths[roadID] = path
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.paths)
}

func (m *MemoryStore) reset() {
	m.mu.Lock()
	m.paths = make(map[trip.RoadID][]trip.Coord)
	m.mu.Unlock()
}

// Chain reads from the first store that has the road and writes to all of them.
type Chain []Store

func (c Chain) Get(ctx context.Context, roadID trip.RoadID) ([]trip.Coord, bool, error) {
	var errs []error
	for _, s := range c {
		p, ok, err := s.Get(ctx, roadID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return p, true, nil
		}
	}
	return nil, false, errors.Join(errs...)
}

func (c Chain) Put(ctx context.Context, roadID trip.RoadID, path []trip.Coord) error {
	var errs []error
	for _, s := range c {
		if err := s.Put(ctx, roadID, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EncodePath stores a path as a GeoJSON LineString geometry.
func EncodePath(path []trip.Coord) ([]byte, error) {
	return geojson.NewGeometry(orb.LineString(path)).MarshalJSON()
}

func DecodePath(b []byte) ([]trip.Coord, error) {
	g, err := geojson.UnmarshalGeometry(b)
	if err != nil {
		return nil, fmt.Errorf("decode path: %w", err)
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("decode path: unexpected geometry %s", g.Type)
	}
	return []trip.Coord(ls), nil
}
