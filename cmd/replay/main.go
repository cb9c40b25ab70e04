package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"trip-replay/internal/api"
	"trip-replay/internal/client"
	"trip-replay/internal/config"
	"trip-replay/internal/db"
	"trip-replay/internal/directions"
	"trip-replay/internal/engine"
	"trip-replay/internal/focus"
	"trip-replay/internal/geometry"
	"trip-replay/internal/metrics"
	"trip-replay/internal/publisher"
	"trip-replay/internal/replay"
)

func main() {
	// Load configuration from .env, environment and REPLAY_CONFIG
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SpeedMultiplier, cfg.PlaybackInterval, cfg.PlaybackStep)
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Persistent route layers: SQL first, then Redis
	var stores geometry.Chain
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer sqlDB.Close()
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		if err := db.InitSchema(ctx, sqlDB); err != nil {
			log.Fatalf("db schema error: %v", err)
		}
		gs := db.NewGeometryStore(sqlDB)
		if n, err := gs.Count(ctx); err == nil {
			log.Printf("route geometry store driver=%s routes=%d", sqlDB.Driver, n)
		}
		stores = append(stores, gs)
	}
	if cfg.RedisURL != "" {
		rdb, err := geometry.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis error: %v", err)
		}
		defer rdb.Close()
		stores = append(stores, geometry.NewRedisStore(rdb, "", cfg.RedisTTL))
	}

	backend, err := client.New(cfg.APIBaseURL, cfg.APIToken, cfg.HTTPTimeout, client.WithGeometryURL(cfg.GeometryURL))
	if err != nil {
		log.Fatalf("api client error: %v", err)
	}

	// Only set the interfaces when configured so the cache sees a true nil.
	var loader geometry.BulkLoader
	if cfg.GeometryURL != "" {
		loader = backend
	}
	var router geometry.RouteResolver
	if cfg.MapboxToken != "" {
		dc, err := directions.New(cfg.MapboxToken, cfg.HTTPTimeout,
			directions.WithBaseURL(cfg.DirectionsBaseURL),
			directions.WithProfile(cfg.DirectionsProfile),
			directions.WithGeometries(cfg.DirectionsGeometry),
			directions.WithSimplify(cfg.DirectionsSimplify),
		)
		if err != nil {
			log.Fatalf("directions error: %v", err)
		}
		router = dc
	} else {
		log.Printf("MAPBOX_TOKEN not set; unknown roads fall back to straight segments")
	}

	gopts := []geometry.Option{}
	if len(stores) > 0 {
		gopts = append(gopts, geometry.WithStore(stores))
	}
	if mcol != nil {
		gopts = append(gopts, geometry.WithMetrics(mcol))
	}
	geo := geometry.NewCache(loader, router, gopts...)

	eopts := []engine.Option{
		engine.WithPageLimit(cfg.PageLimit),
		engine.WithTimeout(cfg.HTTPTimeout),
		engine.WithFocus(focus.NewController(cfg.ViewportWidth, cfg.ViewportHeight, cfg.ViewportPadding)),
	}
	if mcol != nil {
		eopts = append(eopts, engine.WithMetrics(mcol))
	}
	eng := engine.New(backend, geo, eopts...)

	// Initialize NATS publisher
	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	unsubscribe := eng.Subscribe(func(ev engine.Event) {
		s := eng.Snapshot()
		if s.DatasetID != ev.DatasetID {
			return
		}
		if err := pub.PublishSlice(ev.DatasetID, string(ev.Slice), s.Payload(ev.Slice)); err != nil {
			log.Printf("publish %s error for dataset %d: %v", ev.Slice, ev.DatasetID, err)
		}
	})
	defer unsubscribe()

	player := replay.NewPlayer(eng, pub, cfg.PlaybackInterval, cfg.PlaybackStep, cfg.SpeedMultiplier, mcol)
	player.Start(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(eng),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()

	if cfg.DatasetID != 0 {
		id := cfg.DatasetID
		eng.Go(func(ctx context.Context) { eng.SetDataset(ctx, id) })
	}

	// Block until context cancelled
	<-ctx.Done()
	player.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	eng.Close()
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	log.Println("shutdown complete")
}

// wrapPublisherMetrics adapts the Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
