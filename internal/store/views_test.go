package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-replay/internal/trip"
)

func mergedWith(id, from, to, epc string, anomalies ...trip.AnomalyType) trip.MergedTrip {
	return trip.MergedTrip{RawTrip: trip.RawTrip{
		RoadID:          trip.RoadID(id),
		From:            trip.TripEndpoint{ScanLocation: from},
		To:              trip.TripEndpoint{ScanLocation: to},
		EPCCode:         epc,
		AnomalyTypeList: anomalies,
	}}
}

func sampleItems() []trip.MergedTrip {
	return []trip.MergedTrip{
		mergedWith("1", "Factory", "WMS", "E1"),
		mergedWith("2", "WMS", "Retail", "E2", trip.AnomalyClone),
		mergedWith("3", "Factory", "Retail", "E1", trip.AnomalyFake, trip.AnomalyClone),
		mergedWith("4", "Hub", "Retail", "E3", trip.AnomalyTamper),
	}
}

func TestFilterByAnomalyEmptyIsIdentity(t *testing.T) {
	items := sampleItems()
	got := FilterByAnomaly(items, "")
	require.Len(t, got, len(items))
	assert.Same(t, &items[0], &got[0])
}

func TestFilterByAnomalyDoesNotMutate(t *testing.T) {
	items := sampleItems()
	before := sampleItems()

	got := FilterByAnomaly(items, trip.AnomalyClone)
	assert.Equal(t, []string{"2", "3"}, roadIDs(got))
	if diff := cmp.Diff(before, items); diff != "" {
		t.Errorf("items mutated (-before +after):\n%s", diff)
	}

	assert.Empty(t, FilterByAnomaly(items, trip.AnomalyOther))
}

func TestVisibleForSelection(t *testing.T) {
	items := sampleItems()

	got := VisibleForSelection(items, trip.NodeSelection{Node: trip.LocationNode{ScanLocation: "Retail"}})
	assert.Equal(t, []string{"2", "3", "4"}, roadIDs(got))

	got = VisibleForSelection(items, trip.NodeSelection{Node: trip.LocationNode{ScanLocation: "Nowhere"}})
	assert.Empty(t, got)

	assert.Len(t, VisibleForSelection(items, nil), 4)
	assert.Len(t, VisibleForSelection(items, trip.TripSelection{Trip: items[0]}), 4)
}

func TestByEPC(t *testing.T) {
	items := sampleItems()
	assert.Equal(t, []string{"1", "3"}, roadIDs(ByEPC(items, "E1")))
	assert.Empty(t, ByEPC(items, ""))
	assert.NotNil(t, ByEPC(items, ""))
}

func TestFind(t *testing.T) {
	items := sampleItems()
	got, ok := Find(items, "3")
	require.True(t, ok)
	assert.Equal(t, "E1", got.EPCCode)

	_, ok = Find(items, "99")
	assert.False(t, ok)
}
