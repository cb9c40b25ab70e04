package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"trip-replay/internal/engine"
	"trip-replay/internal/trip"
)

// Handler serves engine reads and forwards renderer intents as engine commands.
type Handler struct {
	Engine *engine.Engine
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	s := h.Engine.Snapshot()
	res := map[string]any{
		"datasetId": s.DatasetID,
		"status":    s.Status,
	}
	for _, sl := range engine.AllSlices {
		res[string(sl)] = s.Payload(sl)
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (h *Handler) Trips(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("view")
	if view == "" {
		view = "visible"
	}
	s := h.Engine.Snapshot()
	var items []trip.MergedTrip
	switch view {
	case "raw":
		items = s.Trips.Items
	case "filtered":
		items = s.Filtered
	case "visible":
		items = s.Visible
	case "epc":
		items = s.EPCTrips
	default:
		writeError(w, r, http.StatusBadRequest, "view must be one of raw, filtered, visible, epc")
		return
	}
	writeJSON(w, r, http.StatusOK, tripsResponse{
		View:    view,
		Count:   len(items),
		HasMore: s.Trips.HasMore(),
		Trips:   items,
	})
}

// TripsGeoJSON exports the visible trips as LineString features.
func (h *Handler) TripsGeoJSON(w http.ResponseWriter, r *http.Request) {
	s := h.Engine.Snapshot()
	fc := geojson.NewFeatureCollection()
	for _, t := range s.Visible {
		if len(t.Path) < 2 {
			continue
		}
		f := geojson.NewFeature(orb.LineString(t.Path))
		anomalies := t.AnomalyTypeList
		if anomalies == nil {
			anomalies = []trip.AnomalyType{}
		}
		f.Properties["roadId"] = string(t.RoadID)
		f.Properties["epcCode"] = t.EPCCode
		f.Properties["anomalies"] = anomalies
		f.Properties["timestamps"] = t.Timestamps
		fc.Append(f)
	}

	b, err := fc.MarshalJSON()
	if err != nil {
		log.Printf("geojson encode failed: %v", err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *Handler) Nodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.Engine.Snapshot().Payload(engine.SliceNodes))
}

func (h *Handler) FilterOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.Engine.Snapshot().FilterOptions)
}

func (h *Handler) ToLocations(w http.ResponseWriter, r *http.Request) {
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	if from == "" {
		writeError(w, r, http.StatusBadRequest, "from is required")
		return
	}
	to, err := h.Engine.ToLocations(r.Context(), from)
	if err != nil {
		log.Printf("to-locations failed: from=%s err=%v", from, err)
		writeError(w, r, http.StatusBadGateway, "upstream error")
		return
	}
	writeJSON(w, r, http.StatusOK, toLocationsResponse{From: from, ToLocations: to})
}

// SetDataset, Initialize, SetTab, ApplyFilters and LoadMore fetch from the
// backend; they run in the background and answer 202 at once. Progress is
// visible in /state.

func (h *Handler) SetDataset(w http.ResponseWriter, r *http.Request) {
	var req datasetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID < 0 {
		writeError(w, r, http.StatusBadRequest, "id must not be negative")
		return
	}
	h.accept(w, r, func(ctx context.Context) { h.Engine.SetDataset(ctx, req.ID) })
}

// Initialize retries the dataset's initialization, e.g. after a failed task.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	if h.Engine.Snapshot().DatasetID == 0 {
		writeError(w, r, http.StatusConflict, engine.ErrNoDataset.Error())
		return
	}
	h.accept(w, r, func(ctx context.Context) {
		if err := h.Engine.Initialize(ctx); err != nil {
			log.Printf("initialize failed: err=%v", err)
		}
	})
}

func (h *Handler) SetTab(w http.ResponseWriter, r *http.Request) {
	var req tabRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tab, err := trip.ParseTab(req.Tab)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h.accept(w, r, func(ctx context.Context) { h.Engine.SetTab(ctx, tab) })
}

func (h *Handler) ApplyFilters(w http.ResponseWriter, r *http.Request) {
	var f trip.Filters
	if !decodeJSON(w, r, &f) {
		return
	}
	if f.AnomalyType != "" {
		if _, err := trip.ParseAnomalyType(f.AnomalyType); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.accept(w, r, func(ctx context.Context) { h.Engine.ApplyFilters(ctx, f) })
}

func (h *Handler) LoadMore(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, h.Engine.LoadMore)
}

func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	switch req.Kind {
	case "trip":
		if req.RoadID == "" {
			writeError(w, r, http.StatusBadRequest, "roadId is required")
			return
		}
		err = h.Engine.SelectTrip(r.Context(), req.RoadID)
	case "node":
		if req.ScanLocation == "" {
			writeError(w, r, http.StatusBadRequest, "scanLocation is required")
			return
		}
		err = h.Engine.SelectNode(r.Context(), req.ScanLocation)
	case "none", "":
		h.Engine.Select(r.Context(), nil)
	default:
		writeError(w, r, http.StatusBadRequest, "kind must be one of trip, node, none")
		return
	}
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	s := h.Engine.Snapshot()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"selection": s.Payload(engine.SliceSelection),
		"view":      s.View,
		"window":    s.Window,
	})
}

func (h *Handler) SetAnomalyFilter(w http.ResponseWriter, r *http.Request) {
	var req anomalyFilterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var a trip.AnomalyType
	if req.Type != nil {
		var err error
		if a, err = trip.ParseAnomalyType(*req.Type); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	h.Engine.SetAnomalyFilter(a)
	writeJSON(w, r, http.StatusOK, h.Engine.Snapshot().Payload(engine.SliceFilters))
}

func (h *Handler) SetEPCTarget(w http.ResponseWriter, r *http.Request) {
	var req epcTargetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	code := ""
	if req.EPCCode != nil {
		code = strings.TrimSpace(*req.EPCCode)
	}
	h.Engine.SetEPCTarget(code)
	writeJSON(w, r, http.StatusOK, h.Engine.Snapshot().Payload(engine.SliceTrips))
}

func (h *Handler) SetView(w http.ResponseWriter, r *http.Request) {
	var v trip.ViewState
	if !decodeJSON(w, r, &v) {
		return
	}
	h.Engine.SetView(v)
	writeJSON(w, r, http.StatusOK, v)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context)) {
	h.Engine.Go(fn)
	writeJSON(w, r, http.StatusAccepted, acceptedResponse{Status: "accepted"})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode failed: method=%s path=%s err=%v", r.Method, r.URL.Path, err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// decodeJSON reads exactly one JSON object from the body. It writes the 400
// itself and reports false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	defer r.Body.Close()
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, r, http.StatusBadRequest, "body must contain only one JSON object")
		return false
	}
	return true
}
