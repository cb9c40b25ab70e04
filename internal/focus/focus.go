package focus

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"trip-replay/internal/trip"
)

const (
	FlyToPitch      = 50
	FlyToBearing    = 0
	FlyToDurationMs = 2000
	TransitionFlyTo = "fly-to"

	MinZoom = 1
	MaxZoom = 14

	tileSize = 512
	maxLat   = 85.051129
)

// Controller frames selections inside a fixed-size viewport.
type Controller struct {
	Width   float64 // viewport width in px
	Height  float64 // viewport height in px
	Padding float64 // px kept free on every side
}

func NewController(width, height, padding float64) Controller {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 800
	}
	if padding < 0 {
		padding = 0
	}
	return Controller{Width: width, Height: height, Padding: padding}
}

// Result is what a selection does to the camera and the animation clock.
type Result struct {
	View        trip.ViewState
	Window      *trip.TimeWindow
	CameraMoved bool
}

// Focus derives the camera and time window for sel. Nil and node selections
// clear the window and leave the camera where it is.
func (c Controller) Focus(sel trip.Selection, current trip.ViewState) Result {
	ts, ok := sel.(trip.TripSelection)
	if !ok {
		return Result{View: current}
	}
	t := ts.Trip

	res := Result{View: current, Window: Window(t)}
	b, ok := Bounds(t)
	if !ok {
		return res
	}
	center, zoom := c.Fit(b)
	res.View = trip.ViewState{
		Longitude:            center[0],
		Latitude:             center[1],
		Zoom:                 zoom,
		Pitch:                FlyToPitch,
		Bearing:              FlyToBearing,
		TransitionDurationMs: FlyToDurationMs,
		TransitionKind:       TransitionFlyTo,
	}
	res.CameraMoved = true
	return res
}

// Window spans the trip's first and last timestamps, or nil without a timeline.
func Window(t trip.MergedTrip) *trip.TimeWindow {
	if len(t.Timestamps) == 0 {
		return nil
	}
	return &trip.TimeWindow{Start: t.Timestamps[0], End: t.Timestamps[len(t.Timestamps)-1]}
}

// Bounds boxes the trip's path, or its endpoints when it has none.
func Bounds(t trip.MergedTrip) (orb.Bound, bool) {
	pts := orb.MultiPoint(t.Path)
	if len(pts) == 0 {
		if t.From.Coord != nil {
			pts = append(pts, *t.From.Coord)
		}
		if t.To.Coord != nil {
			pts = append(pts, *t.To.Coord)
		}
	}
	if len(pts) == 0 {
		return orb.Bound{}, false
	}
	return pts.Bound(), true
}

// Fit returns the center and zoom that show b inside the padded viewport.
// A zero-extent box gets MaxZoom.
func (c Controller) Fit(b orb.Bound) (trip.Coord, float64) {
	lo := project.Point(clampLat(b.Min), project.WGS84.ToMercator)
	hi := project.Point(clampLat(b.Max), project.WGS84.ToMercator)

	worldSize := 2 * math.Pi * 6378137.0
	dx := math.Abs(hi[0]-lo[0]) / worldSize
	dy := math.Abs(hi[1]-lo[1]) / worldSize

	availW := math.Max(c.Width-2*c.Padding, 1)
	availH := math.Max(c.Height-2*c.Padding, 1)

	zoom := float64(MaxZoom)
	scale := math.Inf(1)
	if dx > 0 {
		scale = math.Min(scale, availW/(dx*tileSize))
	}
	if dy > 0 {
		scale = math.Min(scale, availH/(dy*tileSize))
	}
	if !math.IsInf(scale, 1) {
		zoom = math.Log2(scale)
	}
	zoom = math.Max(MinZoom, math.Min(MaxZoom, zoom))

	mid := orb.Point{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2}
	center := project.Point(mid, project.Mercator.ToWGS84)
	return center, zoom
}

func clampLat(p orb.Point) orb.Point {
	return orb.Point{p[0], math.Max(-maxLat, math.Min(maxLat, p[1]))}
}
