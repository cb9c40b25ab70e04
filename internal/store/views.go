package store

import "trip-replay/internal/trip"

// FilterByAnomaly returns the trips carrying anomaly a. An empty a returns
// items itself, not a copy. items is never modified.
func FilterByAnomaly(items []trip.MergedTrip, a trip.AnomalyType) []trip.MergedTrip {
	if a == "" {
		return items
	}
	out := make([]trip.MergedTrip, 0, len(items))
	for _, t := range items {
		if t.HasAnomaly(a) {
			out = append(out, t)
		}
	}
	return out
}

// VisibleForSelection narrows items to trips touching the selected node.
// Any other selection leaves items as they are.
func VisibleForSelection(items []trip.MergedTrip, sel trip.Selection) []trip.MergedTrip {
	ns, ok := sel.(trip.NodeSelection)
	if !ok {
		return items
	}
	loc := ns.Node.ScanLocation
	out := make([]trip.MergedTrip, 0)
	for _, t := range items {
		if t.From.ScanLocation == loc || t.To.ScanLocation == loc {
			out = append(out, t)
		}
	}
	return out
}

// ByEPC lists every trip of the given EPC code; empty when code is empty.
func ByEPC(items []trip.MergedTrip, code string) []trip.MergedTrip {
	out := make([]trip.MergedTrip, 0)
	if code == "" {
		return out
	}
	for _, t := range items {
		if t.EPCCode == code {
			out = append(out, t)
		}
	}
	return out
}

// Find returns the trip for roadID in items.
func Find(items []trip.MergedTrip, roadID trip.RoadID) (trip.MergedTrip, bool) {
	for _, t := range items {
		if t.RoadID == roadID {
			return t, true
		}
	}
	return trip.MergedTrip{}, false
}
