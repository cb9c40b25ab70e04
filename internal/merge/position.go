package merge

import (
	"math"

	"github.com/paulmach/orb/geo"

	"trip-replay/internal/trip"
)

// Position is a trip's interpolated location at one instant.
type Position struct {
	Coord    trip.Coord
	Bearing  float64 // degrees clockwise from north, [0,360)
	Progress float64 // 0..1 over the trip's time span
	SpeedMps float64
}

// PositionAt interpolates the trip's location at unix time at.
// ok is false when the trip has no usable timeline or at falls outside it.
func PositionAt(t trip.MergedTrip, at float64) (Position, bool) {
	ts := t.Timestamps
	n := len(ts)
	if n < 2 || len(t.Path) != n {
		return Position{}, false
	}
	if at < ts[0] || at > ts[n-1] {
		return Position{}, false
	}
	// find segment i s.t. ts[i] <= at <= ts[i+1]
	i := 0
	for i+2 < n && at > ts[i+1] {
		i++
	}
	p0, p1 := t.Path[i], t.Path[i+1]
	t0, t1 := ts[i], ts[i+1]
	frac := 0.0
	if dt := t1 - t0; dt > 0 {
		frac = (at - t0) / dt
	}
	frac = math.Max(0, math.Min(1, frac))

	pos := Position{
		Coord:   trip.Coord{p0[0] + (p1[0]-p0[0])*frac, p0[1] + (p1[1]-p0[1])*frac},
		Bearing: bearing(p0, p1),
	}
	if span := ts[n-1] - ts[0]; span > 0 {
		pos.Progress = (at - ts[0]) / span
	} else {
		pos.Progress = 1
	}
	if dt := t1 - t0; dt > 0 {
		pos.SpeedMps = geo.Distance(p0, p1) / dt
	}
	return pos, true
}

func bearing(a, b trip.Coord) float64 {
	if a == b {
		return 0
	}
	brng := geo.Bearing(a, b)
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Span returns the earliest first timestamp and latest last timestamp across trips.
func Span(trips []trip.MergedTrip) (start, end float64, ok bool) {
	for _, t := range trips {
		if len(t.Timestamps) == 0 {
			continue
		}
		s, e := t.Timestamps[0], t.Timestamps[len(t.Timestamps)-1]
		if !ok {
			start, end, ok = s, e, true
			continue
		}
		start = math.Min(start, s)
		end = math.Max(end, e)
	}
	return start, end, ok
}
