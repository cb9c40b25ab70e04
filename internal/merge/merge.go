package merge

import (
	"context"
	"log"
	"sync"

	"trip-replay/internal/trip"
)

// Resolver returns the path for a road. ok=false means no geometry could be
// found and the caller falls back to the straight endpoint segment.
type Resolver interface {
	Resolve(ctx context.Context, roadID trip.RoadID, from, to trip.Coord) (path []trip.Coord, ok bool)
}

// maxConcurrentResolves bounds the fallback lookups running at once for one merge call.
const maxConcurrentResolves = 8

// Merge turns raw trips into renderable trips, preserving input order.
// Trips without both endpoint coordinates are dropped. Each distinct road id
// is resolved once per call, concurrently.
func Merge(ctx context.Context, raws []trip.RawTrip, r Resolver) []trip.MergedTrip {
	type job struct {
		roadID   trip.RoadID
		from, to trip.Coord
		path     []trip.Coord
		ok       bool
	}

	renderable := make([]trip.RawTrip, 0, len(raws))
	for _, rt := range raws {
		if !rt.HasCoords() {
			continue
		}
		renderable = append(renderable, rt)
	}
	if dropped := len(raws) - len(renderable); dropped > 0 {
		log.Printf("merge: dropped %d trip(s) without endpoint coordinates", dropped)
	}

	jobs := make([]*job, 0, len(renderable))
	byRoad := make(map[trip.RoadID]*job)
	perTrip := make([]*job, len(renderable))
	for i, rt := range renderable {
		if rt.RoadID != "" {
			if j, ok := byRoad[rt.RoadID]; ok {
				perTrip[i] = j
				continue
			}
		}
		j := &job{roadID: rt.RoadID, from: *rt.From.Coord, to: *rt.To.Coord}
		if rt.RoadID != "" {
			byRoad[rt.RoadID] = j
		}
		jobs = append(jobs, j)
		perTrip[i] = j
	}

	if r != nil {
		sem := make(chan struct{}, maxConcurrentResolves)
		var wg sync.WaitGroup
		for _, j := range jobs {
			wg.Add(1)
			sem <- struct{}{}
			go func(j *job) {
				defer wg.Done()
				defer func() { <-sem }()
				j.path, j.ok = r.Resolve(ctx, j.roadID, j.from, j.to)
			}(j)
		}
		wg.Wait()
	}

	out := make([]trip.MergedTrip, len(renderable))
	for i, rt := range renderable {
		j := perTrip[i]
		path := j.path
		if !j.ok || len(path) < 2 {
			// trips sharing a road id may still differ in their endpoints
			path = []trip.Coord{*rt.From.Coord, *rt.To.Coord}
		}
		out[i] = One(rt, path)
	}
	return out
}

// One attaches path and timestamps to a single trip. The path must already be resolved.
func One(rt trip.RawTrip, path []trip.Coord) trip.MergedTrip {
	if len(path) == 0 && rt.HasCoords() {
		path = []trip.Coord{*rt.From.Coord, *rt.To.Coord}
	}
	path, ts := Timestamps(path, rt.From.EventTime, rt.To.EventTime)
	return trip.MergedTrip{RawTrip: rt, Path: path, Timestamps: ts}
}

// Timestamps assigns one timestamp per vertex, spacing them evenly by vertex
// index between the two endpoint times. For a non-positive duration the path
// collapses to its two endpoint vertices so lengths still line up.
func Timestamps(path []trip.Coord, from, to *int64) ([]trip.Coord, []float64) {
	if len(path) <= 1 || from == nil || to == nil {
		return path, []float64{}
	}
	start, end := float64(*from), float64(*to)
	d := end - start
	if d <= 0 {
		ends := []trip.Coord{path[0], path[len(path)-1]}
		return ends, []float64{start, end}
	}
	n := len(path) - 1
	ts := make([]float64, len(path))
	for i := range path {
		ts[i] = start + d*(float64(i)/float64(n))
	}
	ts[n] = end
	return path, ts
}
