package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/twpayne/go-polyline"

	"trip-replay/internal/httpx"
	"trip-replay/internal/obs"
	"trip-replay/internal/trip"
)

// ErrNoRoute is returned when the service answers but has no route between the points.
var ErrNoRoute = errors.New("directions: no route")

const (
	GeometryGeoJSON   = "geojson"
	GeometryPolyline6 = "polyline6"
)

// Client resolves driving routes through the Mapbox Directions API.
// It is safe for concurrent use.
type Client struct {
	retry      httpx.Retrier
	token      string
	baseURL    string
	profile    string
	geometries string
	simplify   int
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

func WithProfile(p string) Option {
	return func(c *Client) {
		if p != "" {
			c.profile = p
		}
	}
}

// WithGeometries selects the response geometry encoding: geojson or polyline6.
func WithGeometries(g string) Option {
	return func(c *Client) {
		if g != "" {
			c.geometries = g
		}
	}
}

// WithSimplify keeps at most n evenly spaced vertices of every route. n < 2 disables it.
func WithSimplify(n int) Option { return func(c *Client) { c.simplify = n } }

func WithRetrier(r httpx.Retrier) Option { return func(c *Client) { c.retry = r } }

func New(token string, timeout time.Duration, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.New("directions: access token is empty")
	}
	c := &Client{
		retry:      httpx.NewRetrier(timeout),
		token:      token,
		baseURL:    "https://api.mapbox.com",
		profile:    "driving",
		geometries: GeometryGeoJSON,
		simplify:   5,
	}
	for _, o := range opts {
		o(c)
	}
	if c.geometries != GeometryGeoJSON && c.geometries != GeometryPolyline6 {
		return nil, fmt.Errorf("directions: unsupported geometries %q", c.geometries)
	}
	return c, nil
}

type routeResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry json.RawMessage `json:"geometry"`
		Distance float64         `json:"distance"`
		Duration float64         `json:"duration"`
	} `json:"routes"`
}

// Route returns the first route between from and to.
func (c *Client) Route(ctx context.Context, from, to trip.Coord) (_ []trip.Coord, err error) {
	defer obs.Time(ctx, "directions.Route")(&err)

	endpoint := fmt.Sprintf("%s/directions/v5/mapbox/%s/%s;%s",
		c.baseURL, url.PathEscape(c.profile), lonLat(from), lonLat(to))

	resp, err := c.retry.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("geometries", c.geometries)
		q.Set("overview", "full")
		q.Set("access_token", c.token)
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("directions request: %w", err)
	}
	defer resp.Body.Close()

	var out routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode directions response: %w", err)
	}
	if len(out.Routes) == 0 {
		return nil, ErrNoRoute
	}

	path, err := c.decodeGeometry(out.Routes[0].Geometry)
	if err != nil {
		return nil, err
	}
	if len(path) < 2 {
		return nil, ErrNoRoute
	}
	return Simplify(path, c.simplify), nil
}

func (c *Client) decodeGeometry(raw json.RawMessage) ([]trip.Coord, error) {
	if c.geometries == GeometryPolyline6 {
		var enc string
		if err := json.Unmarshal(raw, &enc); err != nil {
			return nil, fmt.Errorf("decode polyline geometry: %w", err)
		}
		return DecodePolyline6(enc)
	}

	var g struct {
		Coordinates [][]float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode geojson geometry: %w", err)
	}
	path := make([]trip.Coord, 0, len(g.Coordinates))
	for _, c := range g.Coordinates {
		if len(c) < 2 {
			continue
		}
		path = append(path, trip.Coord{c[0], c[1]})
	}
	return path, nil
}

// DecodePolyline6 decodes a precision-6 encoded polyline into [lon, lat] coordinates.
func DecodePolyline6(s string) ([]trip.Coord, error) {
	codec := polyline.Codec{Dim: 2, Scale: 1e6}
	coords, _, err := codec.DecodeCoords([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode polyline6: %w", err)
	}
	path := make([]trip.Coord, len(coords))
	for i, c := range coords {
		// polyline order is lat,lng
		path[i] = trip.Coord{c[1], c[0]}
	}
	return path, nil
}

// Simplify keeps n vertices evenly spaced by index, always including both ends.
func Simplify(path []trip.Coord, n int) []trip.Coord {
	if n < 2 || len(path) <= n {
		return path
	}
	interval := float64(len(path)-1) / float64(n-1)
	out := make([]trip.Coord, n)
	for i := 0; i < n; i++ {
		out[i] = path[int(math.Round(float64(i)*interval))]
	}
	return out
}

func lonLat(c trip.Coord) string {
	return strconv.FormatFloat(c[0], 'f', -1, 64) + "," + strconv.FormatFloat(c[1], 'f', -1, 64)
}
