package engine

import (
	"trip-replay/internal/store"
	"trip-replay/internal/trip"
)

// Status is the dataset lifecycle: idle -> loading -> ready, or error
// until Initialize is retried.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Slice names a part of the state that subscribers can follow.
type Slice string

const (
	SliceTrips     Slice = "trips"
	SliceLoading   Slice = "loading"
	SliceSelection Slice = "selection"
	SliceView      Slice = "view"
	SliceWindow    Slice = "window"
	SliceNodes     Slice = "nodes"
	SliceFilters   Slice = "filters"
)

var AllSlices = []Slice{SliceTrips, SliceLoading, SliceSelection, SliceView, SliceWindow, SliceNodes, SliceFilters}

// Event reports that one slice of the dataset's state changed.
type Event struct {
	DatasetID int64
	Slice     Slice
}

// State is a consistent read of the engine. Slices are shared with the
// engine and must not be modified.
type State struct {
	DatasetID int64
	Status    Status
	Tab       trip.Tab
	Filters   trip.Filters

	AnomalyFilter trip.AnomalyType
	EPCTarget     string

	Trips store.Snapshot

	// Derived views over Trips.Items.
	Filtered []trip.MergedTrip
	Visible  []trip.MergedTrip
	EPCTrips []trip.MergedTrip

	Selection trip.Selection
	View      trip.ViewState
	Window    *trip.TimeWindow

	Nodes         []trip.LocationNode
	FilterOptions trip.FilterOptions
	AllAnomalies  []trip.MergedTrip

	InitErr error
}

// Loading reports whether initialization or a first-page load is in progress.
func (s State) Loading() bool { return s.Status == StatusLoading || s.Trips.Loading }

// LastError is the most recent trip fetch failure, else the initialization failure.
func (s State) LastError() error {
	if s.Trips.Err != nil {
		return s.Trips.Err
	}
	return s.InitErr
}

type SelectionPayload struct {
	Kind string             `json:"kind"`
	Trip *trip.MergedTrip   `json:"trip,omitempty"`
	Node *trip.LocationNode `json:"node,omitempty"`
}

func EncodeSelection(sel trip.Selection) SelectionPayload {
	switch s := sel.(type) {
	case trip.TripSelection:
		return SelectionPayload{Kind: "trip", Trip: &s.Trip}
	case trip.NodeSelection:
		return SelectionPayload{Kind: "node", Node: &s.Node}
	}
	return SelectionPayload{Kind: "none"}
}

type TripsPayload struct {
	Items     []trip.MergedTrip `json:"items"`
	Filtered  []trip.MergedTrip `json:"filtered"`
	Visible   []trip.MergedTrip `json:"visible"`
	EPCTrips  []trip.MergedTrip `json:"epcTrips"`
	HasMore   bool              `json:"hasMore"`
	LastError string            `json:"lastError,omitempty"`
}

type LoadingPayload struct {
	Status       Status `json:"status"`
	Loading      bool   `json:"loading"`
	TripsLoading bool   `json:"tripsLoading"`
	FetchingMore bool   `json:"fetchingMore"`
	LastError    string `json:"lastError,omitempty"`
}

type FiltersPayload struct {
	Tab           trip.Tab           `json:"tab"`
	Filters       trip.Filters       `json:"filters"`
	AnomalyFilter trip.AnomalyType   `json:"anomalyFilter,omitempty"`
	EPCTarget     string             `json:"epcTarget,omitempty"`
	Options       trip.FilterOptions `json:"options"`
}

type NodesPayload struct {
	Nodes        []trip.LocationNode `json:"nodes"`
	AllAnomalies []trip.MergedTrip   `json:"allAnomalies"`
}

// Payload returns the JSON-ready value of one slice.
func (s State) Payload(slice Slice) any {
	switch slice {
	case SliceTrips:
		return TripsPayload{
			Items:     s.Trips.Items,
			Filtered:  s.Filtered,
			Visible:   s.Visible,
			EPCTrips:  s.EPCTrips,
			HasMore:   s.Trips.HasMore(),
			LastError: errString(s.Trips.Err),
		}
	case SliceLoading:
		return LoadingPayload{
			Status:       s.Status,
			Loading:      s.Loading(),
			TripsLoading: s.Trips.Loading,
			FetchingMore: s.Trips.FetchingMore,
			LastError:    errString(s.LastError()),
		}
	case SliceSelection:
		return EncodeSelection(s.Selection)
	case SliceView:
		return s.View
	case SliceWindow:
		return s.Window
	case SliceNodes:
		return NodesPayload{Nodes: s.Nodes, AllAnomalies: s.AllAnomalies}
	case SliceFilters:
		return FiltersPayload{
			Tab:           s.Tab,
			Filters:       s.Filters,
			AnomalyFilter: s.AnomalyFilter,
			EPCTarget:     s.EPCTarget,
			Options:       s.FilterOptions,
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
