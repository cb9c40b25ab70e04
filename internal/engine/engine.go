package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trip-replay/internal/focus"
	"trip-replay/internal/merge"
	"trip-replay/internal/obs"
	"trip-replay/internal/store"
	"trip-replay/internal/trip"
)

var (
	ErrNoDataset = errors.New("no dataset selected")
	ErrNotFound  = errors.New("not found")
)

// Backend is the dashboard API the engine reads from.
type Backend interface {
	store.Source
	FetchNodes(ctx context.Context) ([]trip.LocationNode, error)
	FetchFilterOptions(ctx context.Context, datasetID int64) (trip.FilterOptions, error)
	FetchAllAnomalies(ctx context.Context, datasetID int64) ([]trip.RawTrip, error)
	FetchToLocations(ctx context.Context, from string) ([]string, error)
}

// Geometry resolves trip paths and can preload its bulk resource.
type Geometry interface {
	merge.Resolver
	Warm(ctx context.Context) error
}

type Metrics interface {
	store.Metrics
	Command(name string)
	Initialized(d time.Duration, failed int)
	DatasetChanged(id int64, loaded int)
}

const opInit = "init"

// Engine owns the replay state for one dataset at a time. Commands perform
// a single state transition each; subscribers are told which slices changed.
type Engine struct {
	backend Backend
	geo     Geometry
	trips   *store.Store
	focus   focus.Controller
	metrics Metrics
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	datasetID int64
	status    Status
	initGen   uint64
	initErr   error
	tab       trip.Tab
	filters   trip.Filters
	anomaly   trip.AnomalyType
	epc       string
	selection trip.Selection
	view      trip.ViewState
	window    *trip.TimeWindow
	nodes     []trip.LocationNode
	options   trip.FilterOptions
	anomalies []trip.MergedTrip

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

type Option func(*config)

type config struct {
	limit   int
	timeout time.Duration
	metrics Metrics
	focus   focus.Controller
	tab     trip.Tab
}

// WithPageLimit sets the trip page size.
func WithPageLimit(n int) Option { return func(c *config) { c.limit = n } }

// WithTimeout bounds every backend call: page fetches and initialization tasks.
func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

func WithMetrics(m Metrics) Option { return func(c *config) { c.metrics = m } }

func WithFocus(f focus.Controller) Option { return func(c *config) { c.focus = f } }

// WithTab sets the starting tab. The default is the heatmap.
func WithTab(t trip.Tab) Option { return func(c *config) { c.tab = t } }

func New(backend Backend, geo Geometry, opts ...Option) *Engine {
	cfg := config{limit: 50, focus: focus.NewController(0, 0, 0), tab: trip.TabHeatmap}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		backend:   backend,
		geo:       geo,
		focus:     cfg.focus,
		metrics:   cfg.metrics,
		timeout:   cfg.timeout,
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusIdle,
		tab:       cfg.tab,
		view:      trip.InitialViewState,
		nodes:     []trip.LocationNode{},
		anomalies: []trip.MergedTrip{},
		subs:      make(map[int]func(Event)),
	}

	sopts := []store.Option{
		store.WithLimit(cfg.limit),
		store.WithTimeout(cfg.timeout),
		store.WithOnChange(e.tripsChanged),
	}
	if cfg.metrics != nil {
		sopts = append(sopts, store.WithMetrics(cfg.metrics))
	}
	e.trips = store.New(backend, e.resolver(), sopts...)
	return e
}

// SetDataset switches the active dataset. Trip-dependent state is dropped;
// the geometry cache is kept. A non-zero id is initialized and, on a list
// tab, its first page is loaded. Setting the current id again only retries a
// failed initialization.
func (e *Engine) SetDataset(ctx context.Context, id int64) {
	e.command("set-dataset")
	e.mu.Lock()
	if id == e.datasetID {
		retry := id != 0 && e.status == StatusError
		e.mu.Unlock()
		if retry {
			log.Printf("engine: dataset=%d retrying initialize", id)
			_ = e.Initialize(ctx)
			if e.trips.Snapshot().Err != nil {
				e.reload(ctx)
			}
		}
		return
	}
	e.datasetID = id
	e.initGen++
	e.status = StatusIdle
	e.initErr = nil
	e.filters = trip.Filters{}
	e.anomaly = ""
	e.epc = ""
	e.selection = nil
	e.window = nil
	e.options = trip.FilterOptions{}
	e.anomalies = []trip.MergedTrip{}
	e.mu.Unlock()

	log.Printf("engine: dataset=%d", id)
	e.trips.Reset()
	e.emit(SliceSelection, SliceWindow, SliceFilters, SliceNodes)

	if id == 0 {
		return
	}
	_ = e.Initialize(ctx)
	e.reload(ctx)
}

// Initialize warms the geometry cache and fetches the nodes, the filter
// vocabulary and the all-anomalies collection concurrently. A failed task
// does not stop the others; failures leave the engine in StatusError until
// Initialize is called again. Only ErrNoDataset is returned.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	id := e.datasetID
	if id == 0 {
		e.mu.Unlock()
		return ErrNoDataset
	}
	e.initGen++
	gen := e.initGen
	e.status = StatusLoading
	e.initErr = nil
	e.mu.Unlock()
	e.command("initialize")
	e.emit(SliceLoading)

	ctx = obs.WithRequestID(ctx, "")
	start := time.Now()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tctx, cancel := e.withTimeout(ctx)
			defer cancel()

			var err error
			defer obs.Time(tctx, "initialize."+name)(&err)
			if err = fn(tctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
			}
		}()
	}

	warmed := make(chan struct{})
	run("geometry", func(ctx context.Context) error {
		defer close(warmed)
		if e.geo == nil {
			return nil
		}
		return e.geo.Warm(ctx)
	})
	run("nodes", func(ctx context.Context) error {
		nodes, err := e.backend.FetchNodes(ctx)
		if err != nil {
			return err
		}
		if nodes == nil {
			nodes = []trip.LocationNode{}
		}
		e.applyInit(gen, func() { e.nodes = nodes }, SliceNodes)
		return nil
	})
	run("filter-options", func(ctx context.Context) error {
		opts, err := e.backend.FetchFilterOptions(ctx, id)
		if err != nil {
			return err
		}
		e.applyInit(gen, func() { e.options = opts }, SliceFilters)
		return nil
	})
	run("all-anomalies", func(ctx context.Context) error {
		raws, err := e.backend.FetchAllAnomalies(ctx, id)
		if err != nil {
			return err
		}
		// merge against the bulk resource when it can be had
		select {
		case <-warmed:
		case <-ctx.Done():
			return ctx.Err()
		}
		merged := merge.Merge(ctx, raws, e.resolver())
		e.applyInit(gen, func() { e.anomalies = merged }, SliceNodes)
		return nil
	})
	wg.Wait()

	initErr := errors.Join(errs...)
	e.mu.Lock()
	if gen != e.initGen {
		e.mu.Unlock()
		e.staleInit(id)
		return nil
	}
	if initErr != nil {
		e.status = StatusError
	} else {
		e.status = StatusReady
	}
	e.initErr = initErr
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Initialized(time.Since(start), len(errs))
	}
	if initErr != nil {
		log.Printf("engine: initialize dataset=%d failed tasks=%d: %v", id, len(errs), initErr)
	} else {
		log.Printf("engine: dataset=%d ready in %dms", id, time.Since(start).Milliseconds())
	}
	e.emit(SliceLoading)
	return nil
}

// SetTab switches between the heatmap and the list tabs. The anomaly type
// filter and the selection are cleared, and a list tab reloads its first page.
func (e *Engine) SetTab(ctx context.Context, tab trip.Tab) {
	e.command("set-tab")
	e.mu.Lock()
	if tab == e.tab {
		e.mu.Unlock()
		return
	}
	e.tab = tab
	e.anomaly = ""
	e.selection = nil
	e.window = nil
	e.mu.Unlock()

	e.emit(SliceFilters, SliceSelection, SliceWindow, SliceTrips)
	e.reload(ctx)
}

// ApplyFilters replaces the server-side filters and reloads. The anomaly type
// filter is cleared since it applied to the previous result.
func (e *Engine) ApplyFilters(ctx context.Context, f trip.Filters) {
	e.command("apply-filters")
	e.mu.Lock()
	e.filters = f
	e.anomaly = ""
	e.selection = nil
	e.window = nil
	e.mu.Unlock()

	e.emit(SliceFilters, SliceSelection, SliceWindow, SliceTrips)
	e.reload(ctx)
}

// LoadMore fetches the next page. It does nothing off a list tab or when the
// store's pages were requested for other filters than the active ones.
func (e *Engine) LoadMore(ctx context.Context) {
	e.command("load-more")
	e.mu.RLock()
	key := store.Key{DatasetID: e.datasetID, Tab: e.tab, Filters: e.filters}
	e.mu.RUnlock()
	if !key.Tab.IsList() || e.trips.Snapshot().Key != key {
		log.Printf("engine: load-more skipped, pages do not match key=%s", key)
		return
	}
	e.trips.LoadMore(obs.WithRequestID(ctx, ""))
}

// Select sets or clears the selection and focuses on it. Selecting a trip
// outside a list tab switches to the all-trips tab; a trip missing from the
// current page is pinned and the first page is loaded behind it in the
// background.
func (e *Engine) Select(ctx context.Context, sel trip.Selection) {
	e.command("select")
	e.mu.Lock()
	res := e.focus.Focus(sel, e.view)
	e.selection = sel
	e.window = res.Window
	if res.CameraMoved {
		e.view = res.View
	}
	ts, isTrip := sel.(trip.TripSelection)
	switched := false
	if isTrip && !e.tab.IsList() {
		e.tab = trip.TabAll
		e.anomaly = ""
		switched = true
	}
	key := store.Key{DatasetID: e.datasetID, Tab: e.tab, Filters: e.filters}
	e.mu.Unlock()

	slices := []Slice{SliceSelection, SliceWindow}
	if res.CameraMoved {
		slices = append(slices, SliceView)
	}
	if switched {
		slices = append(slices, SliceFilters, SliceTrips)
	}
	e.emit(slices...)

	if !isTrip || key.DatasetID == 0 {
		return
	}
	snap := e.trips.Snapshot()
	if snap.Key == key {
		if _, ok := store.Find(snap.Items, ts.Trip.RoadID); ok {
			return
		}
	}
	gen := e.trips.Pin(key, ts.Trip)
	pinned := ts.Trip
	e.Go(func(ctx context.Context) { e.trips.FillAround(ctx, gen, pinned) })
}

// SelectTrip selects the trip with roadID from the current page, falling
// back to the all-anomalies collection.
func (e *Engine) SelectTrip(ctx context.Context, roadID trip.RoadID) error {
	t, ok := store.Find(e.trips.Snapshot().Items, roadID)
	if !ok {
		e.mu.RLock()
		t, ok = store.Find(e.anomalies, roadID)
		e.mu.RUnlock()
	}
	if !ok {
		return fmt.Errorf("trip %s: %w", roadID, ErrNotFound)
	}
	e.Select(ctx, trip.TripSelection{Trip: t})
	return nil
}

// SelectNode selects the node at scanLocation.
func (e *Engine) SelectNode(ctx context.Context, scanLocation string) error {
	e.mu.RLock()
	var (
		node trip.LocationNode
		ok   bool
	)
	for _, n := range e.nodes {
		if n.ScanLocation == scanLocation {
			node, ok = n, true
			break
		}
	}
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %q: %w", scanLocation, ErrNotFound)
	}
	e.Select(ctx, trip.NodeSelection{Node: node})
	return nil
}

// SetAnomalyFilter narrows the visible trips client-side. An empty type clears it.
func (e *Engine) SetAnomalyFilter(a trip.AnomalyType) {
	e.command("anomaly-filter")
	e.mu.Lock()
	e.anomaly = a
	e.mu.Unlock()
	e.emit(SliceFilters, SliceTrips)
}

// SetEPCTarget picks the EPC code whose trips are listed together. An empty code clears it.
func (e *Engine) SetEPCTarget(code string) {
	e.command("epc-target")
	e.mu.Lock()
	e.epc = code
	e.mu.Unlock()
	e.emit(SliceFilters, SliceTrips)
}

// SetView records the camera after the renderer moved it.
func (e *Engine) SetView(v trip.ViewState) {
	e.command("set-view")
	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
	e.emit(SliceView)
}

// ToLocations lists the destinations reachable from a scan location.
func (e *Engine) ToLocations(ctx context.Context, from string) ([]string, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.backend.FetchToLocations(ctx, from)
}

func (e *Engine) Snapshot() State {
	trips := e.trips.Snapshot()

	e.mu.RLock()
	s := State{
		DatasetID:     e.datasetID,
		Status:        e.status,
		Tab:           e.tab,
		Filters:       e.filters,
		AnomalyFilter: e.anomaly,
		EPCTarget:     e.epc,
		Selection:     e.selection,
		View:          e.view,
		Window:        e.window,
		Nodes:         e.nodes,
		FilterOptions: e.options,
		AllAnomalies:  e.anomalies,
		InitErr:       e.initErr,
	}
	e.mu.RUnlock()

	s.Trips = trips
	s.Filtered = store.FilterByAnomaly(trips.Items, s.AnomalyFilter)
	s.Visible = store.VisibleForSelection(s.Filtered, s.Selection)
	s.EPCTrips = store.ByEPC(trips.Items, s.EPCTarget)
	return s
}

// Subscribe registers fn for every slice change and returns a func that
// removes it. fn runs on the goroutine that made the change.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// Go runs fn in the background with the engine's context. Close waits for it.
func (e *Engine) Go(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(obs.WithRequestID(e.ctx, ""))
	}()
}

// Wait blocks until background work started with Go has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Close stops background work and drops the in-process route geometry.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	if r, ok := e.geo.(interface{ Reset() }); ok {
		r.Reset()
	}
}

func (e *Engine) reload(ctx context.Context) {
	e.mu.RLock()
	key := store.Key{DatasetID: e.datasetID, Tab: e.tab, Filters: e.filters}
	e.mu.RUnlock()
	if key.DatasetID == 0 || !key.Tab.IsList() {
		return
	}
	e.trips.Load(obs.WithRequestID(ctx, ""), key)
}

// applyInit applies one initialization result unless a newer Initialize or
// SetDataset has started since.
func (e *Engine) applyInit(gen uint64, fn func(), slices ...Slice) {
	e.mu.Lock()
	if gen != e.initGen {
		id := e.datasetID
		e.mu.Unlock()
		e.staleInit(id)
		return
	}
	fn()
	e.mu.Unlock()
	e.emit(slices...)
}

func (e *Engine) staleInit(id int64) {
	log.Printf("engine: discarded stale initialize result dataset=%d", id)
	if e.metrics != nil {
		e.metrics.StaleDiscarded(opInit)
	}
}

func (e *Engine) tripsChanged() {
	e.mu.RLock()
	id := e.datasetID
	e.mu.RUnlock()
	if e.metrics != nil {
		e.metrics.DatasetChanged(id, len(e.trips.Snapshot().Items))
	}
	e.emit(SliceTrips, SliceLoading)
}

func (e *Engine) emit(slices ...Slice) {
	e.mu.RLock()
	id := e.datasetID
	e.mu.RUnlock()

	e.subMu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()

	for _, s := range slices {
		for _, fn := range fns {
			fn(Event{DatasetID: id, Slice: s})
		}
	}
}

func (e *Engine) command(name string) {
	if e.metrics != nil {
		e.metrics.Command(name)
	}
}

func (e *Engine) resolver() merge.Resolver {
	if e.geo == nil {
		return nil
	}
	return e.geo
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}
