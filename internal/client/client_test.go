package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-replay/internal/httpx"
	"trip-replay/internal/trip"
)

const tripJSON = `{"roadId": 3, "from": {"scanLocation": "A", "coord": [127, 37], "eventTime": 100},
	"to": {"scanLocation": "B", "coord": [128, 36], "eventTime": 200}, "epcCode": "E1", "anomalyTypeList": ["fake"]}`

func newBackend(t *testing.T) (*Client, *url.URL) {
	t.Helper()
	last := &url.URL{}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			*last = *req.URL
			if req.Header.Get("Authorization") != "Bearer secret" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/manager/nodes", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"hubType":"HWS","scanLocation":"Seoul WMS","businessStep":"WMS","coord":[127.0,37.5]}]`))
	})
	r.Get("/api/manager/trips", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("cursor") == "p2" {
			_, _ = w.Write([]byte(`{"data":[],"nextCursor":null}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[` + tripJSON + `],"nextCursor":"p2"}`))
	})
	r.Get("/api/manager/anomalies", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[` + tripJSON + `],"nextCursor":null}`))
	})
	r.Get("/api/manager/trips/filter", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"scanLocations":["A","B"],"eventTimeRange":["2025-01-01","2025-02-01"],"anomalyTypes":["fake","clone"]}`))
	})
	r.Get("/api/manager/allanomalies", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[` + tripJSON + `,` + tripJSON + `]}`))
	})
	r.Get("/api/manager/trips/from", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("scanLocation") == "nowhere" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"toLocation":["B","C"]}`))
	})
	r.Get("/static/all-routes-geometry.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"1":{"path":[[127,37],[127.5,36.5],[128,36]]},"2":{"path":[[1,1]]}}`))
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/api/", "secret", time.Second,
		WithGeometryURL(srv.URL+"/static/all-routes-geometry.json"),
		WithRetrier(httpx.Retrier{Client: srv.Client(), MaxAttempts: 2, Backoff: time.Millisecond}),
	)
	require.NoError(t, err)
	return c, last
}

func TestFetchTripsSendsQueryAndDecodesPage(t *testing.T) {
	c, last := newBackend(t)
	ctx := context.Background()

	page, err := c.FetchTrips(ctx, trip.Query{
		DatasetID: 42,
		Limit:     50,
		Filters:   trip.Filters{FromScanLocation: "A", EventType: "shipping"},
	})
	require.NoError(t, err)

	q := last.Query()
	assert.Equal(t, "/api/manager/trips", last.Path)
	assert.Equal(t, "42", q.Get("fileId"))
	assert.Equal(t, "50", q.Get("limit"))
	assert.Equal(t, "A", q.Get("fromScanLocation"))
	assert.Equal(t, "shipping", q.Get("eventType"))
	assert.Empty(t, q.Get("cursor"))

	require.Len(t, page.Trips, 1)
	assert.Equal(t, trip.RoadID("3"), page.Trips[0].RoadID)
	assert.Equal(t, "p2", page.NextCursor)

	page, err = c.FetchTrips(ctx, trip.Query{DatasetID: 42, Cursor: "p2"})
	require.NoError(t, err)
	assert.Empty(t, page.Trips)
	assert.Equal(t, "", page.NextCursor)
}

func TestFetchAnomalyTripsUsesAnomalyCollection(t *testing.T) {
	c, last := newBackend(t)

	page, err := c.FetchAnomalyTrips(context.Background(), trip.Query{DatasetID: 7})
	require.NoError(t, err)
	assert.Equal(t, "/api/manager/anomalies", last.Path)
	require.Len(t, page.Trips, 1)
	assert.Equal(t, "", page.NextCursor)
}

func TestFetchNodesAndFilterOptions(t *testing.T) {
	c, last := newBackend(t)
	ctx := context.Background()

	nodes, err := c.FetchNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, trip.Coord{127.0, 37.5}, nodes[0].Coord)

	opts, err := c.FetchFilterOptions(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "9", last.Query().Get("fileId"))
	assert.Equal(t, []string{"A", "B"}, opts.ScanLocations)
	assert.Equal(t, [2]string{"2025-01-01", "2025-02-01"}, opts.EventTimeRange)
	assert.Equal(t, []trip.AnomalyType{trip.AnomalyFake, trip.AnomalyClone}, opts.AnomalyTypes)
}

func TestFetchAllAnomaliesAndToLocations(t *testing.T) {
	c, last := newBackend(t)
	ctx := context.Background()

	all, err := c.FetchAllAnomalies(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	to, err := c.FetchToLocations(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", last.Query().Get("scanLocation"))
	assert.Equal(t, []string{"B", "C"}, to)

	to, err = c.FetchToLocations(ctx, "nowhere")
	require.NoError(t, err)
	assert.Equal(t, []string{}, to)
}

func TestLoadBulkSkipsDegeneratePaths(t *testing.T) {
	c, _ := newBackend(t)

	paths, err := c.LoadBulk(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Len(t, paths["1"], 3)
}

func TestUnauthorizedSurfacesStatusError(t *testing.T) {
	c, _ := newBackend(t)
	c.token = "wrong"

	_, err := c.FetchNodes(context.Background())
	var se *httpx.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	_, err := New(" ", "", time.Second)
	assert.Error(t, err)
}
