package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"trip-replay/internal/merge"
	"trip-replay/internal/trip"
)

// Source is the paginated trip backend.
type Source interface {
	FetchTrips(ctx context.Context, q trip.Query) (trip.Page, error)
	FetchAnomalyTrips(ctx context.Context, q trip.Query) (trip.Page, error)
}

type Metrics interface {
	TripsFetched(op string, n int)
	TripFetchFailed(op string)
	StaleDiscarded(op string)
}

const (
	OpLoad = "load"
	OpMore = "more"
	OpSide = "side"
)

// Key identifies what a page was requested for. A response whose key no
// longer matches the store's is stale.
type Key struct {
	DatasetID int64
	Tab       trip.Tab
	Filters   trip.Filters
}

// Snapshot is a consistent read of the store. Items must be treated as read-only.
type Snapshot struct {
	Key          Key
	Items        []trip.MergedTrip
	Cursor       string
	Loading      bool
	FetchingMore bool
	Err          error
}

func (s Snapshot) HasMore() bool { return s.Cursor != "" }

// Store holds the trip page for the active dataset, tab and filters.
// Every response is checked against a generation counter and the request
// key before it is applied.
type Store struct {
	src      Source
	resolver merge.Resolver
	limit    int
	timeout  time.Duration
	metrics  Metrics
	onChange func()

	mu           sync.Mutex
	key          Key
	gen          uint64
	items        []trip.MergedTrip
	cursor       string
	loading      bool
	fetchingMore bool
	err          error
}

type Option func(*Store)

func WithLimit(n int) Option { return func(s *Store) { s.limit = n } }

// WithTimeout bounds each page fetch including geometry resolution.
func WithTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

func WithMetrics(m Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithOnChange registers a callback invoked after every state transition, outside the lock.
func WithOnChange(fn func()) Option { return func(s *Store) { s.onChange = fn } }

func New(src Source, resolver merge.Resolver, opts ...Option) *Store {
	s := &Store{
		src:      src,
		resolver: resolver,
		limit:    50,
		items:    []trip.MergedTrip{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type fetchFunc func(ctx context.Context, q trip.Query) (trip.Page, error)

// fetcher maps a tab onto its server collection. Tabs without a list have none.
func (s *Store) fetcher(tab trip.Tab) (fetchFunc, bool) {
	switch tab {
	case trip.TabAll:
		return s.src.FetchTrips, true
	case trip.TabAnomalies:
		return s.src.FetchAnomalyTrips, true
	}
	return nil, false
}

// Load replaces the page with the first page for key. Errors are recorded
// in the snapshot and never returned.
func (s *Store) Load(ctx context.Context, key Key) {
	fetch, ok := s.fetcher(key.Tab)
	if !ok {
		return
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.key = key
	s.loading = true
	s.mu.Unlock()
	s.changed()

	q := trip.Query{DatasetID: key.DatasetID, Filters: key.Filters, Limit: s.limit}
	merged, page, err := s.fetchMerged(ctx, fetch, q, gen, key)

	s.mu.Lock()
	if !s.current(gen, key) {
		s.mu.Unlock()
		s.stale(OpLoad, key)
		return
	}
	s.loading = false
	if err != nil {
		s.items = []trip.MergedTrip{}
		s.cursor = ""
		s.err = err
		s.mu.Unlock()
		s.failed(OpLoad, err)
		s.changed()
		return
	}
	s.items = dedupe(merged)
	s.cursor = page.NextCursor
	s.err = nil
	n := len(s.items)
	s.mu.Unlock()

	s.fetched(OpLoad, n)
	s.changed()
}

// LoadMore appends the next page. It is a no-op when there is no cursor,
// a load is in progress, or another LoadMore is already in flight.
func (s *Store) LoadMore(ctx context.Context) {
	s.mu.Lock()
	fetch, ok := s.fetcher(s.key.Tab)
	if !ok || s.cursor == "" || s.fetchingMore || s.loading {
		s.mu.Unlock()
		return
	}
	s.fetchingMore = true
	gen, key, cursor := s.gen, s.key, s.cursor
	s.mu.Unlock()
	s.changed()

	q := trip.Query{DatasetID: key.DatasetID, Filters: key.Filters, Cursor: cursor, Limit: s.limit}
	merged, page, err := s.fetchMerged(ctx, fetch, q, gen, key)

	s.mu.Lock()
	s.fetchingMore = false
	if !s.current(gen, key) {
		s.mu.Unlock()
		s.stale(OpMore, key)
		s.changed()
		return
	}
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.failed(OpMore, err)
		s.changed()
		return
	}
	s.err = nil
	if len(page.Trips) == 0 {
		// an empty page ends pagination whatever cursor the server sent
		s.cursor = ""
	} else {
		s.items = appendPage(s.items, dedupe(merged))
		s.cursor = page.NextCursor
	}
	s.mu.Unlock()

	s.fetched(OpMore, len(merged))
	s.changed()
}

// Pin replaces the page with the single trip t under key and returns the
// generation that FillAround must still match.
func (s *Store) Pin(key Key, t trip.MergedTrip) uint64 {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.key = key
	s.items = []trip.MergedTrip{t}
	s.cursor = ""
	s.loading = false
	s.err = nil
	s.mu.Unlock()
	s.changed()
	return gen
}

// FillAround fetches the first page for the pinned key and places the pinned
// trip in front of it, dropping the server's copy of the same road.
func (s *Store) FillAround(ctx context.Context, gen uint64, pinned trip.MergedTrip) {
	s.mu.Lock()
	key := s.key
	if s.gen != gen {
		s.mu.Unlock()
		s.stale(OpSide, key)
		return
	}
	s.mu.Unlock()

	fetch, ok := s.fetcher(key.Tab)
	if !ok {
		return
	}
	q := trip.Query{DatasetID: key.DatasetID, Filters: key.Filters, Limit: s.limit}
	merged, page, err := s.fetchMerged(ctx, fetch, q, gen, key)

	s.mu.Lock()
	if !s.current(gen, key) {
		s.mu.Unlock()
		s.stale(OpSide, key)
		return
	}
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.failed(OpSide, err)
		s.changed()
		return
	}
	items := make([]trip.MergedTrip, 0, len(merged)+1)
	items = append(items, pinned)
	for _, t := range dedupe(merged) {
		if pinned.RoadID != "" && t.RoadID == pinned.RoadID {
			continue
		}
		items = append(items, t)
	}
	s.items = items
	s.cursor = page.NextCursor
	s.err = nil
	s.mu.Unlock()

	s.fetched(OpSide, len(merged))
	s.changed()
}

// Contains reports whether a trip with roadID is in the current page.
func (s *Store) Contains(roadID trip.RoadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.items {
		if t.RoadID == roadID {
			return true
		}
	}
	return false
}

// Reset empties the store and invalidates every in-flight request.
func (s *Store) Reset() {
	s.mu.Lock()
	s.gen++
	s.key = Key{}
	s.items = []trip.MergedTrip{}
	s.cursor = ""
	s.loading = false
	s.err = nil
	s.mu.Unlock()
	s.changed()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:          s.key,
		Items:        s.items,
		Cursor:       s.cursor,
		Loading:      s.loading,
		FetchingMore: s.fetchingMore,
		Err:          s.err,
	}
}

// fetchMerged fetches one page and merges it. The staleness check between
// the two steps skips geometry resolution for responses nobody will use.
func (s *Store) fetchMerged(ctx context.Context, fetch fetchFunc, q trip.Query, gen uint64, key Key) ([]trip.MergedTrip, trip.Page, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	page, err := fetch(ctx, q)
	if err != nil {
		return nil, trip.Page{}, err
	}
	s.mu.Lock()
	ok := s.current(gen, key)
	s.mu.Unlock()
	if !ok {
		return nil, page, nil
	}
	return merge.Merge(ctx, page.Trips, s.resolver), page, nil
}

// current must be called with mu held.
func (s *Store) current(gen uint64, key Key) bool {
	return s.gen == gen && s.key == key
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Store) stale(op string, key Key) {
	log.Printf("trips: discarded stale %s response %s", op, key)
	if s.metrics != nil {
		s.metrics.StaleDiscarded(op)
	}
}

func (s *Store) failed(op string, err error) {
	log.Printf("trips: %s failed: %v", op, err)
	if s.metrics != nil {
		s.metrics.TripFetchFailed(op)
	}
}

func (s *Store) fetched(op string, n int) {
	if s.metrics != nil {
		s.metrics.TripsFetched(op, n)
	}
}

// dedupe keeps the first trip per road id. Trips without a road id are kept.
func dedupe(items []trip.MergedTrip) []trip.MergedTrip {
	seen := make(map[trip.RoadID]struct{}, len(items))
	out := make([]trip.MergedTrip, 0, len(items))
	for _, t := range items {
		if t.RoadID != "" {
			if _, ok := seen[t.RoadID]; ok {
				continue
			}
			seen[t.RoadID] = struct{}{}
		}
		out = append(out, t)
	}
	return out
}

// appendPage copies into a fresh slice so earlier snapshots stay valid.
func appendPage(items, page []trip.MergedTrip) []trip.MergedTrip {
	out := make([]trip.MergedTrip, 0, len(items)+len(page))
	out = append(out, items...)
	return append(out, page...)
}

func (k Key) String() string {
	return fmt.Sprintf("fileId=%d tab=%s", k.DatasetID, k.Tab)
}
