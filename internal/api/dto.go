package api

import "trip-replay/internal/trip"

type datasetRequest struct {
	ID int64 `json:"id"`
}

type tabRequest struct {
	Tab string `json:"tab"`
}

type selectRequest struct {
	Kind         string      `json:"kind"`
	RoadID       trip.RoadID `json:"roadId"`
	ScanLocation string      `json:"scanLocation"`
}

type anomalyFilterRequest struct {
	Type *string `json:"type"`
}

type epcTargetRequest struct {
	EPCCode *string `json:"epcCode"`
}

type tripsResponse struct {
	View    string            `json:"view"`
	Count   int               `json:"count"`
	HasMore bool              `json:"hasMore"`
	Trips   []trip.MergedTrip `json:"trips"`
}

type toLocationsResponse struct {
	From        string   `json:"from"`
	ToLocations []string `json:"toLocation"`
}

type acceptedResponse struct {
	Status string `json:"status"`
}
