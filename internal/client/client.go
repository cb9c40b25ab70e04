package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trip-replay/internal/httpx"
	"trip-replay/internal/obs"
	"trip-replay/internal/trip"
)

// Client talks to the dashboard backend (/api/manager/...) and the static
// route geometry resource.
type Client struct {
	retry       httpx.Retrier
	baseURL     string
	token       string
	geometryURL string
}

type Option func(*Client)

func WithRetrier(r httpx.Retrier) Option { return func(c *Client) { c.retry = r } }

// WithGeometryURL points LoadBulk at the all-routes geometry JSON.
func WithGeometryURL(u string) Option { return func(c *Client) { c.geometryURL = u } }

func New(baseURL, token string, timeout time.Duration, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: base url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("client: invalid base url: %w", err)
	}
	c := &Client{
		retry:   httpx.NewRetrier(timeout),
		baseURL: baseURL,
		token:   token,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) newRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	resp, err := c.retry.Do(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, endpoint, params)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) FetchNodes(ctx context.Context) (_ []trip.LocationNode, err error) {
	defer obs.Time(ctx, "client.FetchNodes")(&err)

	var nodes []trip.LocationNode
	if err := c.getJSON(ctx, c.baseURL+"/manager/nodes", nil, &nodes); err != nil {
		return nil, fmt.Errorf("fetch nodes: %w", err)
	}
	return nodes, nil
}

type pageResponse struct {
	Data       []trip.RawTrip `json:"data"`
	NextCursor *string        `json:"nextCursor"`
}

func (c *Client) fetchPage(ctx context.Context, path string, q trip.Query) (trip.Page, error) {
	var resp pageResponse
	if err := c.getJSON(ctx, c.baseURL+path, q.Values(), &resp); err != nil {
		return trip.Page{}, err
	}
	page := trip.Page{Trips: resp.Data}
	if resp.NextCursor != nil {
		page.NextCursor = *resp.NextCursor
	}
	return page, nil
}

func (c *Client) FetchTrips(ctx context.Context, q trip.Query) (_ trip.Page, err error) {
	defer obs.Time(ctx, "client.FetchTrips")(&err)

	page, err := c.fetchPage(ctx, "/manager/trips", q)
	if err != nil {
		return trip.Page{}, fmt.Errorf("fetch trips fileId=%d: %w", q.DatasetID, err)
	}
	return page, nil
}

// FetchAnomalyTrips pages the collection pre-scoped to anomalous trips.
func (c *Client) FetchAnomalyTrips(ctx context.Context, q trip.Query) (_ trip.Page, err error) {
	defer obs.Time(ctx, "client.FetchAnomalyTrips")(&err)

	page, err := c.fetchPage(ctx, "/manager/anomalies", q)
	if err != nil {
		return trip.Page{}, fmt.Errorf("fetch anomaly trips fileId=%d: %w", q.DatasetID, err)
	}
	return page, nil
}

func fileParams(datasetID int64) url.Values {
	return url.Values{"fileId": {strconv.FormatInt(datasetID, 10)}}
}

func (c *Client) FetchFilterOptions(ctx context.Context, datasetID int64) (_ trip.FilterOptions, err error) {
	defer obs.Time(ctx, "client.FetchFilterOptions")(&err)

	var opts trip.FilterOptions
	if err := c.getJSON(ctx, c.baseURL+"/manager/trips/filter", fileParams(datasetID), &opts); err != nil {
		return trip.FilterOptions{}, fmt.Errorf("fetch filter options fileId=%d: %w", datasetID, err)
	}
	return opts, nil
}

// FetchAllAnomalies returns every anomalous trip of a dataset in one unpaginated response.
func (c *Client) FetchAllAnomalies(ctx context.Context, datasetID int64) (_ []trip.RawTrip, err error) {
	defer obs.Time(ctx, "client.FetchAllAnomalies")(&err)

	var resp struct {
		Data []trip.RawTrip `json:"data"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/manager/allanomalies", fileParams(datasetID), &resp); err != nil {
		return nil, fmt.Errorf("fetch all anomalies fileId=%d: %w", datasetID, err)
	}
	return resp.Data, nil
}

// FetchToLocations lists destinations reachable from a scan location.
func (c *Client) FetchToLocations(ctx context.Context, from string) (_ []string, err error) {
	defer obs.Time(ctx, "client.FetchToLocations")(&err)

	var resp struct {
		ToLocation []string `json:"toLocation"`
	}
	params := url.Values{"scanLocation": {from}}
	if err := c.getJSON(ctx, c.baseURL+"/manager/trips/from", params, &resp); err != nil {
		return nil, fmt.Errorf("fetch to-locations from=%q: %w", from, err)
	}
	if resp.ToLocation == nil {
		return []string{}, nil
	}
	return resp.ToLocation, nil
}

// LoadBulk fetches the all-routes geometry resource: {"<roadId>": {"path": [[lon,lat],...]}}.
// Entries with fewer than two vertices are skipped.
func (c *Client) LoadBulk(ctx context.Context) (_ map[trip.RoadID][]trip.Coord, err error) {
	defer obs.Time(ctx, "client.LoadBulk")(&err)

	if c.geometryURL == "" {
		return nil, errors.New("load bulk geometry: no geometry url configured")
	}
	var raw map[string]struct {
		Path [][]float64 `json:"path"`
	}
	if err := c.getJSON(ctx, c.geometryURL, nil, &raw); err != nil {
		return nil, fmt.Errorf("load bulk geometry: %w", err)
	}

	out := make(map[trip.RoadID][]trip.Coord, len(raw))
	for id, g := range raw {
		path := make([]trip.Coord, 0, len(g.Path))
		for _, p := range g.Path {
			if len(p) < 2 {
				continue
			}
			path = append(path, trip.Coord{p[0], p[1]})
		}
		if len(path) < 2 {
			continue
		}
		out[trip.RoadID(id)] = path
	}
	return out, nil
}
