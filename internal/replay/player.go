package replay

import (
	"context"
	"log"
	"sync"
	"time"

	"trip-replay/internal/engine"
	"trip-replay/internal/merge"
	"trip-replay/internal/publisher"
	"trip-replay/internal/trip"
)

// Source provides the state each frame is computed from.
type Source interface {
	Snapshot() engine.State
}

type Publisher interface {
	PublishPositions(datasetID int64, frame publisher.FrameMessage) error
}

type Metrics interface {
	FrameObserve(d time.Duration, positioned int)
}

// Player advances a virtual clock over the active time window (or the span
// of the visible trips when no window is set) and publishes one frame of
// interpolated positions per tick. Past the end it wraps to the start.
type Player struct {
	src      Source
	pub      Publisher
	metrics  Metrics
	interval time.Duration
	step     float64 // replay seconds per tick at speed 1
	speed    float64
	now      func() time.Time

	mu        sync.Mutex
	cursor    float64
	datasetID int64
	span      trip.TimeWindow
	primed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPlayer(src Source, pub Publisher, interval time.Duration, step, speed float64, metrics Metrics) *Player {
	if speed <= 0 {
		speed = 1
	}
	return &Player{
		src:      src,
		pub:      pub,
		metrics:  metrics,
		interval: interval,
		step:     step,
		speed:    speed,
		now:      time.Now,
	}
}

// Start runs the ticker until Stop or until parent is cancelled.
func (p *Player) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		tick := time.NewTicker(p.interval)
		defer tick.Stop()
		log.Printf("playback started interval=%s step=%.0fs speed=%.2fx", p.interval, p.step, p.speed)
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				p.Step()
			}
		}
	}()
}

func (p *Player) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Cursor returns the current replay time in unix seconds.
func (p *Player) Cursor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Step computes and publishes the frame at the cursor, then advances it.
// ok is false when there is nothing to play.
func (p *Player) Step() (frame publisher.FrameMessage, ok bool) {
	tickStart := time.Now()
	s := p.src.Snapshot()
	if s.DatasetID == 0 {
		return frame, false
	}
	span, ok := playSpan(s)
	if !ok {
		return frame, false
	}

	p.mu.Lock()
	if !p.primed || s.DatasetID != p.datasetID || span != p.span || p.cursor < span.Start || p.cursor > span.End {
		p.cursor = span.Start
		p.datasetID = s.DatasetID
		p.span = span
		p.primed = true
	}
	at := p.cursor
	next := at + p.step*p.speed
	if next > span.End {
		next = span.Start
	}
	p.cursor = next
	p.mu.Unlock()

	frame = publisher.FrameMessage{Cursor: at, Timestamp: p.now(), Positions: []publisher.PositionMessage{}}
	for _, t := range s.Visible {
		pos, ok := merge.PositionAt(t, at)
		if !ok {
			continue
		}
		frame.Positions = append(frame.Positions, publisher.PositionMessage{
			RoadID:    string(t.RoadID),
			EPCCode:   t.EPCCode,
			Anomalies: anomalyNames(t.AnomalyTypeList),
			Lon:       pos.Coord.Lon(),
			Lat:       pos.Coord.Lat(),
			Bearing:   pos.Bearing,
			Progress:  pos.Progress,
			SpeedMps:  pos.SpeedMps,
		})
	}

	if p.pub != nil {
		if err := p.pub.PublishPositions(s.DatasetID, frame); err != nil {
			log.Printf("publish error for dataset %d: %v", s.DatasetID, err)
		}
	}
	if p.metrics != nil {
		p.metrics.FrameObserve(time.Since(tickStart), len(frame.Positions))
	}
	return frame, true
}

func playSpan(s engine.State) (trip.TimeWindow, bool) {
	if s.Window != nil {
		w := *s.Window
		return w, w.End >= w.Start
	}
	start, end, ok := merge.Span(s.Visible)
	return trip.TimeWindow{Start: start, End: end}, ok
}

func anomalyNames(list []trip.AnomalyType) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = string(a)
	}
	return out
}
