package trip

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Coord is a [lon, lat] pair.
type Coord = orb.Point

// RoadID correlates a trip with a pre-computed or resolvable route.
// The dashboard API emits it either as a number or as a string.
type RoadID string

func (r *RoadID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*r = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*r = RoadID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("roadId: %w", err)
	}
	*r = RoadID(n.String())
	return nil
}

type AnomalyType string

const (
	AnomalyFake   AnomalyType = "fake"
	AnomalyTamper AnomalyType = "tamper"
	AnomalyClone  AnomalyType = "clone"
	AnomalyOther  AnomalyType = "other"
)

func (a AnomalyType) Valid() bool {
	switch a {
	case AnomalyFake, AnomalyTamper, AnomalyClone, AnomalyOther:
		return true
	}
	return false
}

// ParseAnomalyType accepts "" (no filter) or one of the known anomaly types.
func ParseAnomalyType(s string) (AnomalyType, error) {
	a := AnomalyType(strings.ToLower(strings.TrimSpace(s)))
	if a == "" || a.Valid() {
		return a, nil
	}
	return "", fmt.Errorf("invalid anomaly type: %q", s)
}

// Tab is the dashboard view that decides which server collection backs the trip list.
type Tab string

const (
	TabHeatmap   Tab = "heatmap"
	TabAll       Tab = "all"
	TabAnomalies Tab = "anomalies"
)

func ParseTab(s string) (Tab, error) {
	switch t := Tab(strings.ToLower(strings.TrimSpace(s))); t {
	case TabHeatmap, TabAll, TabAnomalies:
		return t, nil
	}
	return "", fmt.Errorf("invalid tab: %q", s)
}

// IsList reports whether the tab is backed by a paginated trip collection.
func (t Tab) IsList() bool { return t == TabAll || t == TabAnomalies }

type TripEndpoint struct {
	ScanLocation string `json:"scanLocation"`
	Coord        *Coord `json:"coord,omitempty"`
	EventTime    *int64 `json:"eventTime,omitempty"` // unix seconds
	BusinessStep string `json:"businessStep"`
}

type RawTrip struct {
	RoadID          RoadID        `json:"roadId"`
	From            TripEndpoint  `json:"from"`
	To              TripEndpoint  `json:"to"`
	EPCCode         string        `json:"epcCode"`
	ProductName     string        `json:"productName"`
	EPCLot          string        `json:"epcLot"`
	EventType       string        `json:"eventType"`
	AnomalyTypeList []AnomalyType `json:"anomalyTypeList"`
}

// HasCoords reports whether both endpoints carry a coordinate.
func (t RawTrip) HasCoords() bool { return t.From.Coord != nil && t.To.Coord != nil }

func (t RawTrip) HasAnomaly(a AnomalyType) bool {
	for _, x := range t.AnomalyTypeList {
		if x == a {
			return true
		}
	}
	return false
}

// MergedTrip is a RawTrip plus its rendering path and per-vertex timestamps.
type MergedTrip struct {
	RawTrip
	Path       []Coord   `json:"path"`
	Timestamps []float64 `json:"timestamps"`
}

type LocationNode struct {
	HubType      string `json:"hubType"`
	ScanLocation string `json:"scanLocation"`
	BusinessStep string `json:"businessStep"`
	Coord        Coord  `json:"coord"`
}

type FilterOptions struct {
	ScanLocations  []string      `json:"scanLocations"`
	EventTimeRange [2]string     `json:"eventTimeRange"`
	BusinessSteps  []string      `json:"businessSteps"`
	ProductNames   []string      `json:"productNames"`
	EventTypes     []string      `json:"eventTypes"`
	AnomalyTypes   []AnomalyType `json:"anomalyTypes"`
}

// Filters are the server-side query filters. The zero value means unfiltered.
// Filters is comparable so in-flight requests can be checked for staleness with ==.
type Filters struct {
	FromScanLocation string `json:"fromScanLocation,omitempty" yaml:"fromScanLocation"`
	ToScanLocation   string `json:"toScanLocation,omitempty" yaml:"toScanLocation"`
	Min              string `json:"min,omitempty" yaml:"min"`
	Max              string `json:"max,omitempty" yaml:"max"`
	BusinessStep     string `json:"businessStep,omitempty" yaml:"businessStep"`
	EPCCode          string `json:"epcCode,omitempty" yaml:"epcCode"`
	ProductName      string `json:"productName,omitempty" yaml:"productName"`
	EPCLot           string `json:"epcLot,omitempty" yaml:"epcLot"`
	EventType        string `json:"eventType,omitempty" yaml:"eventType"`
	AnomalyType      string `json:"anomalyType,omitempty" yaml:"anomalyType"`
}

// Values renders the non-empty filters as query parameters.
func (f Filters) Values() url.Values {
	v := url.Values{}
	add := func(k, s string) {
		if s = strings.TrimSpace(s); s != "" {
			v.Set(k, s)
		}
	}
	add("fromScanLocation", f.FromScanLocation)
	add("toScanLocation", f.ToScanLocation)
	add("min", f.Min)
	add("max", f.Max)
	add("businessStep", f.BusinessStep)
	add("epcCode", f.EPCCode)
	add("productName", f.ProductName)
	add("epcLot", f.EPCLot)
	add("eventType", f.EventType)
	add("anomalyType", f.AnomalyType)
	return v
}

// Query is one page request against a trip collection.
type Query struct {
	DatasetID int64
	Filters   Filters
	Cursor    string // "" requests the first page
	Limit     int
}

func (q Query) Values() url.Values {
	v := q.Filters.Values()
	v.Set("fileId", strconv.FormatInt(q.DatasetID, 10))
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return v
}

// Page is one page of a trip collection. An empty NextCursor means no more pages.
type Page struct {
	Trips      []RawTrip
	NextCursor string
}

// Selection is exactly one of TripSelection or NodeSelection; nil means nothing is selected.
type Selection interface {
	isSelection()
}

type TripSelection struct {
	Trip MergedTrip
}

type NodeSelection struct {
	Node LocationNode
}

func (TripSelection) isSelection() {}
func (NodeSelection) isSelection() {}

type ViewState struct {
	Longitude            float64 `json:"longitude"`
	Latitude             float64 `json:"latitude"`
	Zoom                 float64 `json:"zoom"`
	Pitch                float64 `json:"pitch"`
	Bearing              float64 `json:"bearing"`
	TransitionDurationMs int     `json:"transitionDurationMs,omitempty"`
	TransitionKind       string  `json:"transitionKind,omitempty"`
}

// InitialViewState frames the whole service area before anything is selected.
var InitialViewState = ViewState{
	Longitude: 127.9,
	Latitude:  36.5,
	Zoom:      8,
	Pitch:     60,
	Bearing:   0,
}

// TimeWindow bounds the animation in unix seconds. A nil *TimeWindow means the full dataset span.
type TimeWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}
