package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-replay/internal/trip"
)

type fetchFn func(ctx context.Context, q trip.Query) (trip.Page, error)

type fakeSource struct {
	trips     fetchFn
	anomalies fetchFn

	tripCalls    atomic.Int32
	anomalyCalls atomic.Int32
}

func (f *fakeSource) FetchTrips(ctx context.Context, q trip.Query) (trip.Page, error) {
	f.tripCalls.Add(1)
	return f.trips(ctx, q)
}

func (f *fakeSource) FetchAnomalyTrips(ctx context.Context, q trip.Query) (trip.Page, error) {
	f.anomalyCalls.Add(1)
	return f.anomalies(ctx, q)
}

func ptr[T any](v T) *T { return &v }

func raw(id string) trip.RawTrip {
	return trip.RawTrip{
		RoadID: trip.RoadID(id),
		From:   trip.TripEndpoint{ScanLocation: "A", Coord: ptr(trip.Coord{127, 37}), EventTime: ptr(int64(100))},
		To:     trip.TripEndpoint{ScanLocation: "B", Coord: ptr(trip.Coord{128, 36}), EventTime: ptr(int64(200))},
	}
}

func raws(ids ...string) []trip.RawTrip {
	out := make([]trip.RawTrip, len(ids))
	for i, id := range ids {
		out[i] = raw(id)
	}
	return out
}

func roadIDs(items []trip.MergedTrip) []string {
	out := make([]string, len(items))
	for i, t := range items {
		out[i] = string(t.RoadID)
	}
	return out
}

// gate blocks a fetch until released and reports when it has started.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitStarted(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}
}

var allKey = Key{DatasetID: 42, Tab: trip.TabAll}

func TestLoadThenEmptyPageStopsPagination(t *testing.T) {
	src := &fakeSource{trips: func(_ context.Context, q trip.Query) (trip.Page, error) {
		if q.Cursor == "p2" {
			return trip.Page{NextCursor: "p3"}, nil
		}
		return trip.Page{Trips: raws("A"), NextCursor: "p2"}, nil
	}}
	s := New(src, nil)
	ctx := context.Background()

	s.Load(ctx, allKey)
	snap := s.Snapshot()
	assert.Len(t, snap.Items, 1)
	assert.Equal(t, "p2", snap.Cursor)
	assert.False(t, snap.Loading)

	s.LoadMore(ctx)
	snap = s.Snapshot()
	assert.Len(t, snap.Items, 1)
	assert.Equal(t, "", snap.Cursor)
	assert.False(t, snap.HasMore())

	// exhausted: further calls do nothing
	s.LoadMore(ctx)
	assert.Equal(t, int32(2), src.tripCalls.Load())
}

func TestLoadMoreAppendsInServerOrder(t *testing.T) {
	var gotLimit, gotCursor atomic.Value
	src := &fakeSource{trips: func(_ context.Context, q trip.Query) (trip.Page, error) {
		if q.Cursor == "c1" {
			gotCursor.Store(q.Cursor)
			gotLimit.Store(q.Limit)
			return trip.Page{Trips: raws("3", "4", "5"), NextCursor: "c2"}, nil
		}
		return trip.Page{Trips: raws("1", "2"), NextCursor: "c1"}, nil
	}}
	s := New(src, nil, WithLimit(25))
	ctx := context.Background()

	s.Load(ctx, allKey)
	before := s.Snapshot().Items
	s.LoadMore(ctx)

	snap := s.Snapshot()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, roadIDs(snap.Items))
	assert.Equal(t, "c2", snap.Cursor)
	assert.Equal(t, 25, gotLimit.Load())
	// earlier snapshot untouched
	assert.Equal(t, []string{"1", "2"}, roadIDs(before))
}

func TestLoadMoreIgnoresReentrantCalls(t *testing.T) {
	g := newGate()
	src := &fakeSource{trips: func(ctx context.Context, q trip.Query) (trip.Page, error) {
		if q.Cursor == "c1" {
			if err := g.wait(ctx); err != nil {
				return trip.Page{}, err
			}
			return trip.Page{Trips: raws("2")}, nil
		}
		return trip.Page{Trips: raws("1"), NextCursor: "c1"}, nil
	}}
	s := New(src, nil)
	ctx := context.Background()
	s.Load(ctx, allKey)

	done := make(chan struct{})
	go func() {
		s.LoadMore(ctx)
		close(done)
	}()
	waitStarted(t, g)
	assert.True(t, s.Snapshot().FetchingMore)

	s.LoadMore(ctx) // returns immediately
	close(g.release)
	<-done

	assert.Equal(t, int32(2), src.tripCalls.Load())
	assert.Equal(t, []string{"1", "2"}, roadIDs(s.Snapshot().Items))
	assert.False(t, s.Snapshot().FetchingMore)
}

func TestStaleLoadMoreIsDiscarded(t *testing.T) {
	g := newGate()
	src := &fakeSource{
		trips: func(ctx context.Context, q trip.Query) (trip.Page, error) {
			if q.Cursor == "c1" {
				if err := g.wait(ctx); err != nil {
					return trip.Page{}, err
				}
				return trip.Page{Trips: raws("late")}, nil
			}
			return trip.Page{Trips: raws("1"), NextCursor: "c1"}, nil
		},
		anomalies: func(context.Context, trip.Query) (trip.Page, error) {
			return trip.Page{Trips: raws("x", "y")}, nil
		},
	}
	s := New(src, nil)
	ctx := context.Background()
	s.Load(ctx, allKey)

	done := make(chan struct{})
	go func() {
		s.LoadMore(ctx)
		close(done)
	}()
	waitStarted(t, g)

	s.Load(ctx, Key{DatasetID: 42, Tab: trip.TabAnomalies})
	close(g.release)
	<-done

	snap := s.Snapshot()
	assert.Equal(t, []string{"x", "y"}, roadIDs(snap.Items))
	assert.Equal(t, trip.TabAnomalies, snap.Key.Tab)
	assert.False(t, snap.FetchingMore)
}

func TestStaleLoadDoesNotOverwriteNewer(t *testing.T) {
	g := newGate()
	src := &fakeSource{trips: func(ctx context.Context, q trip.Query) (trip.Page, error) {
		if q.Filters.EPCCode == "slow" {
			if err := g.wait(ctx); err != nil {
				return trip.Page{}, err
			}
			return trip.Page{Trips: raws("old")}, nil
		}
		return trip.Page{Trips: raws("new")}, nil
	}}
	s := New(src, nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		s.Load(ctx, Key{DatasetID: 1, Tab: trip.TabAll, Filters: trip.Filters{EPCCode: "slow"}})
		close(done)
	}()
	waitStarted(t, g)

	s.Load(ctx, Key{DatasetID: 1, Tab: trip.TabAll})
	close(g.release)
	<-done

	snap := s.Snapshot()
	assert.Equal(t, []string{"new"}, roadIDs(snap.Items))
	assert.False(t, snap.Loading)
}

func TestLoadFailureResetsToEmpty(t *testing.T) {
	fail := false
	src := &fakeSource{trips: func(context.Context, trip.Query) (trip.Page, error) {
		if fail {
			return trip.Page{}, errors.New("502 bad gateway")
		}
		return trip.Page{Trips: raws("1"), NextCursor: "c1"}, nil
	}}
	s := New(src, nil)
	ctx := context.Background()
	s.Load(ctx, allKey)

	fail = true
	s.Load(ctx, allKey)

	snap := s.Snapshot()
	assert.Empty(t, snap.Items)
	assert.NotNil(t, snap.Items)
	assert.Equal(t, "", snap.Cursor)
	assert.False(t, snap.Loading)
	assert.EqualError(t, snap.Err, "502 bad gateway")
}

func TestLoadMoreFailureKeepsItems(t *testing.T) {
	src := &fakeSource{trips: func(_ context.Context, q trip.Query) (trip.Page, error) {
		if q.Cursor != "" {
			return trip.Page{}, errors.New("timeout")
		}
		return trip.Page{Trips: raws("1"), NextCursor: "c1"}, nil
	}}
	s := New(src, nil)
	ctx := context.Background()
	s.Load(ctx, allKey)
	s.LoadMore(ctx)

	snap := s.Snapshot()
	assert.Equal(t, []string{"1"}, roadIDs(snap.Items))
	assert.Equal(t, "c1", snap.Cursor)
	assert.Error(t, snap.Err)
}

func TestLoadSelectsCollectionByTab(t *testing.T) {
	src := &fakeSource{
		trips:     func(context.Context, trip.Query) (trip.Page, error) { return trip.Page{Trips: raws("t")}, nil },
		anomalies: func(context.Context, trip.Query) (trip.Page, error) { return trip.Page{Trips: raws("a")}, nil },
	}
	s := New(src, nil)
	ctx := context.Background()

	s.Load(ctx, Key{DatasetID: 1, Tab: trip.TabAnomalies})
	assert.Equal(t, []string{"a"}, roadIDs(s.Snapshot().Items))

	s.Load(ctx, Key{DatasetID: 1, Tab: trip.TabHeatmap})
	assert.Equal(t, []string{"a"}, roadIDs(s.Snapshot().Items))
	assert.Equal(t, int32(0), src.tripCalls.Load())
	assert.Equal(t, int32(1), src.anomalyCalls.Load())
}

func TestLoadDeduplicatesWithinPage(t *testing.T) {
	src := &fakeSource{trips: func(context.Context, trip.Query) (trip.Page, error) {
		return trip.Page{Trips: raws("1", "2", "1", "3")}, nil
	}}
	s := New(src, nil)
	s.Load(context.Background(), allKey)
	assert.Equal(t, []string{"1", "2", "3"}, roadIDs(s.Snapshot().Items))
}

func TestLoadMoreWaitsForLoad(t *testing.T) {
	g := newGate()
	src := &fakeSource{trips: func(ctx context.Context, q trip.Query) (trip.Page, error) {
		if q.Filters.EPCCode == "slow" {
			if err := g.wait(ctx); err != nil {
				return trip.Page{}, err
			}
		}
		return trip.Page{Trips: raws("1"), NextCursor: "c1"}, nil
	}}
	s := New(src, nil)
	ctx := context.Background()
	s.Load(ctx, allKey)

	done := make(chan struct{})
	go func() {
		s.Load(ctx, Key{DatasetID: 42, Tab: trip.TabAll, Filters: trip.Filters{EPCCode: "slow"}})
		close(done)
	}()
	waitStarted(t, g)

	s.LoadMore(ctx)
	close(g.release)
	<-done
	assert.Equal(t, int32(2), src.tripCalls.Load())
}

func TestPinAndFillAround(t *testing.T) {
	src := &fakeSource{trips: func(context.Context, trip.Query) (trip.Page, error) {
		return trip.Page{Trips: raws("1", "B", "2"), NextCursor: "n1"}, nil
	}}
	var changes atomic.Int32
	s := New(src, nil, WithOnChange(func() { changes.Add(1) }))
	ctx := context.Background()

	pinned := trip.MergedTrip{RawTrip: raw("B"), Path: []trip.Coord{{127, 37}, {128, 36}}, Timestamps: []float64{100, 200}}
	pinned.EPCCode = "pinned"
	gen := s.Pin(allKey, pinned)

	snap := s.Snapshot()
	assert.Equal(t, []string{"B"}, roadIDs(snap.Items))
	assert.True(t, s.Contains("B"))

	s.FillAround(ctx, gen, pinned)
	snap = s.Snapshot()
	assert.Equal(t, []string{"B", "1", "2"}, roadIDs(snap.Items))
	assert.Equal(t, "pinned", snap.Items[0].EPCCode)
	assert.Equal(t, "n1", snap.Cursor)
	assert.GreaterOrEqual(t, changes.Load(), int32(2))
}

func TestFillAroundDiscardedAfterReset(t *testing.T) {
	src := &fakeSource{trips: func(context.Context, trip.Query) (trip.Page, error) {
		return trip.Page{Trips: raws("1")}, nil
	}}
	s := New(src, nil)
	pinned := trip.MergedTrip{RawTrip: raw("B")}
	gen := s.Pin(allKey, pinned)
	s.Reset()

	s.FillAround(context.Background(), gen, pinned)
	assert.Empty(t, s.Snapshot().Items)
	assert.Equal(t, int32(0), src.tripCalls.Load())
}

func TestLoadTimeout(t *testing.T) {
	src := &fakeSource{trips: func(ctx context.Context, q trip.Query) (trip.Page, error) {
		<-ctx.Done()
		return trip.Page{}, ctx.Err()
	}}
	s := New(src, nil, WithTimeout(20*time.Millisecond))

	s.Load(context.Background(), allKey)
	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.ErrorIs(t, snap.Err, context.DeadlineExceeded)
}

type recordingMetrics struct {
	mu      sync.Mutex
	fetched map[string]int
	failed  map[string]int
	stale   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{fetched: map[string]int{}, failed: map[string]int{}, stale: map[string]int{}}
}

func (m *recordingMetrics) TripsFetched(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched[op] += n
}

func (m *recordingMetrics) TripFetchFailed(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[op]++
}

func (m *recordingMetrics) StaleDiscarded(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale[op]++
}

func TestMetricsReported(t *testing.T) {
	src := &fakeSource{trips: func(_ context.Context, q trip.Query) (trip.Page, error) {
		if q.Cursor != "" {
			return trip.Page{}, errors.New("boom")
		}
		return trip.Page{Trips: raws("1", "2"), NextCursor: "c"}, nil
	}}
	m := newRecordingMetrics()
	s := New(src, nil, WithMetrics(m))
	ctx := context.Background()

	s.Load(ctx, allKey)
	s.LoadMore(ctx)
	require.Equal(t, 2, m.fetched[OpLoad])
	assert.Equal(t, 1, m.failed[OpMore])
}
