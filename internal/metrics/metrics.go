package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	LoadedTrips   prometheus.Gauge
	PlaybackTrips prometheus.Gauge

	FetchedTrips    *prometheus.CounterVec // op label: load|more|side
	TripFetchErrors *prometheus.CounterVec // op label: load|more|side
	StaleResponses  *prometheus.CounterVec // op label: load|more|side

	GeometryLookups   *prometheus.CounterVec // source label: memory|bulk|store|route|miss
	GeometryBulkRoads prometheus.Gauge

	Commands        *prometheus.CounterVec // command label
	InitFailures    prometheus.Counter
	InitDuration    prometheus.Histogram
	EngineDatasetID prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	SpeedMultiplier  prometheus.Gauge
	PlaybackInterval prometheus.Gauge // seconds
	PlaybackStep     prometheus.Gauge // virtual seconds per tick
}

func NewCollector(speedMultiplier float64, playbackInterval time.Duration, playbackStep float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		LoadedTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_loaded_trips",
			Help: "Number of trips in the current page.",
		}),
		PlaybackTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_playback_trips",
			Help: "Number of trips positioned in the last playback frame.",
		}),
		FetchedTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_trips_fetched_total",
			Help: "Trips merged into the store by operation.",
		}, []string{"op"}),
		TripFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_trip_fetch_errors_total",
			Help: "Failed trip page fetches by operation.",
		}, []string{"op"}),
		StaleResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_stale_responses_total",
			Help: "Responses discarded because a newer request superseded them.",
		}, []string{"op"}),
		GeometryLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_geometry_lookups_total",
			Help: "Route geometry lookups by the layer that answered.",
		}, []string{"source"}),
		GeometryBulkRoads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_geometry_bulk_roads",
			Help: "Roads in the bulk geometry resource.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_commands_total",
			Help: "Engine commands handled.",
		}, []string{"command"}),
		InitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_init_task_failures_total",
			Help: "Dataset initialization tasks that failed.",
		}),
		InitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replay_init_duration_seconds",
			Help:    "Duration of dataset initialization.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		EngineDatasetID: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_dataset_id",
			Help: "Active dataset (file id), 0 when none.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replay_tick_duration_seconds",
			Help:    "Duration of playback frame computations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replay_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SpeedMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_speed_multiplier",
			Help: "Current playback speed multiplier.",
		}),
		PlaybackInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_playback_interval_seconds",
			Help: "Playback frame interval in seconds.",
		}),
		PlaybackStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_playback_step_seconds",
			Help: "Replay seconds advanced per frame before the speed multiplier.",
		}),
	}

	reg.MustRegister(
		c.LoadedTrips, c.PlaybackTrips,
		c.FetchedTrips, c.TripFetchErrors, c.StaleResponses,
		c.GeometryLookups, c.GeometryBulkRoads,
		c.Commands, c.InitFailures, c.InitDuration, c.EngineDatasetID,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.PublishDuration,
		c.SpeedMultiplier, c.PlaybackInterval, c.PlaybackStep,
	)

	c.SpeedMultiplier.Set(speedMultiplier)
	c.PlaybackInterval.Set(playbackInterval.Seconds())
	c.PlaybackStep.Set(playbackStep)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// The methods below let a nil *Collector stand in when metrics are disabled.

func (c *Collector) GeometryLookup(source string) {
	if c == nil {
		return
	}
	c.GeometryLookups.WithLabelValues(source).Inc()
}

func (c *Collector) GeometryBulkLoaded(n int) {
	if c == nil {
		return
	}
	c.GeometryBulkRoads.Set(float64(n))
}

func (c *Collector) TripsFetched(op string, n int) {
	if c == nil {
		return
	}
	c.FetchedTrips.WithLabelValues(op).Add(float64(n))
}

func (c *Collector) TripFetchFailed(op string) {
	if c == nil {
		return
	}
	c.TripFetchErrors.WithLabelValues(op).Inc()
}

func (c *Collector) StaleDiscarded(op string) {
	if c == nil {
		return
	}
	c.StaleResponses.WithLabelValues(op).Inc()
}

func (c *Collector) Command(name string) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(name).Inc()
}

func (c *Collector) Initialized(d time.Duration, failed int) {
	if c == nil {
		return
	}
	c.InitDuration.Observe(d.Seconds())
	c.InitFailures.Add(float64(failed))
}

func (c *Collector) DatasetChanged(id int64, loaded int) {
	if c == nil {
		return
	}
	c.EngineDatasetID.Set(float64(id))
	c.LoadedTrips.Set(float64(loaded))
}

func (c *Collector) FrameObserve(d time.Duration, positioned int) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
	c.PlaybackTrips.Set(float64(positioned))
}
