// Package app builds the frontier's long-lived services from configuration
// and runs them as a one-shot crawl or as a long-running admin server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/api"
	"github.com/JakeFAU/crawl-frontier/internal/clock/system"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	"github.com/JakeFAU/crawl-frontier/internal/fetch"
	collyfetcher "github.com/JakeFAU/crawl-frontier/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-frontier/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/hash/sha256"
	"github.com/JakeFAU/crawl-frontier/internal/id/uuid"
	"github.com/JakeFAU/crawl-frontier/internal/load"
	"github.com/JakeFAU/crawl-frontier/internal/logging"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/parse"
	"github.com/JakeFAU/crawl-frontier/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/crawl-frontier/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-frontier/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/crawl-frontier/internal/queue/memory"
	"github.com/JakeFAU/crawl-frontier/internal/schedule"
	memorystore "github.com/JakeFAU/crawl-frontier/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-frontier/internal/storage/postgres"
	"github.com/JakeFAU/crawl-frontier/internal/storage/sqlite"
	"github.com/JakeFAU/crawl-frontier/internal/urlfilter"
	"github.com/JakeFAU/crawl-frontier/internal/worker"
)

// App holds the wired services.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      crawler.RecordStore
	closeStore func() error
	browser    *headless.Browser

	publisher      crawler.Publisher
	closePublisher func() error

	tracker      *fetch.Tracker
	counters     *frontier.Counters
	generator    *frontier.Generator
	orchestrator *load.Orchestrator
	baseOptions  crawler.LoadOptions
	stats        *worker.Stats

	// queue and dispatch serve generation requests arriving over the API.
	queue     *queuememory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
}

// Option adjusts Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger    *zap.Logger
	store     crawler.RecordStore
	native    crawler.Protocol
	publisher crawler.Publisher
}

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithStore replaces the configured record store. The caller keeps ownership.
func WithStore(store crawler.RecordStore) Option {
	return func(o *buildOptions) { o.store = store }
}

// WithNativeProtocol replaces the HTTP protocol backend.
func WithNativeProtocol(p crawler.Protocol) Option {
	return func(o *buildOptions) { o.native = p }
}

// WithPublisher replaces the configured batch publisher. The caller keeps
// ownership.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *buildOptions) { o.publisher = p }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	logger := bo.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	baseOptions := crawler.DefaultLoadOptions()
	if cfg.Load.DefaultOptions != "" {
		parsed, err := crawler.ParseLoadOptions(cfg.Load.DefaultOptions)
		if err != nil {
			return nil, fmt.Errorf("load.default_options: %w", err)
		}
		baseOptions = parsed
	}

	a := &App{
		cfg:            cfg,
		logger:         logger,
		baseOptions:    baseOptions,
		stats:          &worker.Stats{},
		closeStore:     func() error { return nil },
		closePublisher: func() error { return nil },
	}

	if bo.store != nil {
		a.store = bo.store
	} else if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if bo.publisher != nil {
		a.publisher = bo.publisher
	} else if err := a.openPublisher(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	if err := a.wire(bo.native); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	logger.Info("application built",
		zap.String("store", cfg.Store.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("promote", cfg.Headless.Promote),
		zap.Int("workers", cfg.Generate.Workers),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		pg, err := pgstore.NewRecordStore(ctx, pgstore.Config{
			DSN:             a.cfg.Store.DSN,
			Table:           a.cfg.Store.Table,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: a.cfg.Store.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.store = pg
		a.closeStore = func() error {
			pg.Close()
			return nil
		}
		a.logger.Info("using postgres record store", zap.String("table", a.cfg.Store.Table))
	case config.StoreSQLite:
		lite, err := sqlite.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = lite
		a.closeStore = lite.Close
		a.logger.Info("using sqlite record store", zap.String("path", a.cfg.Store.DSN))
	default:
		a.store = memorystore.NewRecordStore()
		a.logger.Info("using in-memory record store")
	}
	return nil
}

func (a *App) wire(native crawler.Protocol) error {
	cfg := a.cfg
	clock := system.New()

	a.tracker = fetch.NewTracker(cfg.Tracker.HostGoneThreshold, a.logger.Named("tracker"))
	a.counters = frontier.NewCounters()
	if err := metrics.Register(a.tracker, a.counters); err != nil {
		return fmt.Errorf("register collectors: %w", err)
	}

	if native == nil {
		native = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.Fetch.Timeout,
			MaxBodySize:   cfg.Fetch.MaxBodyBytes,
			Headers:       cfg.Fetch.HTTPHeaders(),
		}, ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Fetch.HostRPS,
			DefaultBurst: cfg.Fetch.HostBurst,
			HostRPS:      cfg.Fetch.HostRates(),
		}), a.logger.Named("colly"))
	}

	registry := fetch.NewRegistry()
	var browser crawler.Protocol = headless.Unavailable{}
	if cfg.Headless.Enabled {
		b, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavigationTimeout,
			ReadyTimeout:      cfg.Headless.ReadyTimeout,
			Headers:           cfg.Fetch.HTTPHeaders(),
		}, a.logger.Named("chromedp"))
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.browser = b
		browser = b
	}
	if cfg.Headless.Promote && a.browser != nil {
		native = headless.NewPromoting(native, browser, headless.NewDetector(cfg.Headless.ThinBodyBytes), a.logger.Named("promote"))
	}
	registry.Register(crawler.FetchModeNative, native)
	registry.Register(crawler.FetchModeBrowser, browser)

	sched := schedule.NewAdaptive(schedule.Config{
		DefaultInterval: cfg.Schedule.DefaultInterval,
		MinInterval:     cfg.Schedule.MinInterval,
		MaxInterval:     cfg.Schedule.MaxInterval,
		IncRate:         cfg.Schedule.IncRate,
		DecRate:         cfg.Schedule.DecRate,
		RetryBase:       cfg.Schedule.RetryBase,
		MaxRetries:      cfg.Schedule.MaxRetries,
	})
	normalizer := urlfilter.NewNormalizer(urlfilter.NormalizerConfig{StripParams: cfg.URLFilter.StripParams})
	rules, err := urlfilter.NewRuleFilter(urlfilter.RuleFilterConfig{
		Rules:         cfg.URLFilter.Rules,
		BlockedHosts:  cfg.URLFilter.BlockedHosts,
		DefaultAccept: cfg.URLFilter.DefaultAccept,
	})
	if err != nil {
		return fmt.Errorf("url filter init failed: %w", err)
	}

	executor := fetch.NewExecutor(registry, a.tracker, sha256.New(), clock, a.logger.Named("fetch"))
	a.orchestrator = load.New(load.Config{BatchParallelism: cfg.Load.BatchParallelism}, load.Deps{
		Store:    a.store,
		Fetcher:  executor,
		Schedule: sched,
		Parser:   parse.NewLinkParser(parse.Config{MaxLinks: cfg.Load.MaxLinks}, a.store, normalizer, rules, a.logger.Named("parse")),
		Tracker:  a.tracker,
		Clock:    clock,
		Logger:   a.logger.Named("load"),
	})

	filterCfg := frontier.DefaultConfig()
	filterCfg.MaxDistance = cfg.Crawler.MaxDistance
	filterCfg.RegenerateSeeds = cfg.Crawler.RegenerateSeeds
	filterCfg.Regenerate = cfg.Crawler.Regenerate
	filterCfg.Normalize = cfg.Crawler.Normalize
	filterCfg.Filter = cfg.Crawler.Filter
	filterCfg.Bounds = cfg.Generate.Range
	filterCfg.KeyRanges = cfg.Crawler.KeyRanges
	filterCfg.LowWatermark = cfg.Crawler.LowWatermark
	filterCfg.AheadWindow = cfg.Crawler.AheadWindow
	filterCfg.AheadMinGap = cfg.Crawler.AheadMinGap
	filterCfg.ReclaimMinAge = cfg.Crawler.ReclaimMinAge
	filterCfg.ReclaimMaxAge = cfg.Crawler.ReclaimMaxAge
	filter := frontier.NewFilter(filterCfg, frontier.Deps{
		Schedule:    sched,
		Unreachable: a.tracker,
		BannedURLs:  frontier.NewURLSet(cfg.Crawler.BannedURLs...),
		Normalizer:  normalizer,
		URLFilter:   rules,
		Counters:    a.counters,
		Logger:      a.logger.Named("filter"),
	})
	a.generator = frontier.NewGenerator(frontier.GeneratorConfig{
		TopN:  cfg.Generate.TopN,
		Range: cfg.Generate.Range,
	}, a.store, filter, uuid.New(), clock, a.logger.Named("generate"))
	a.generator.SetPublisher(a.publisher, cfg.Publish.Topic)

	a.queue = queuememory.NewQueue(cfg.Generate.QueueDepth)
	a.dispatch = dispatcher.New(a.queue, a.workers(a.queue))

	a.apiServer = api.NewServer(api.Deps{
		Records:    a.store,
		Loader:     a.orchestrator,
		Generator:  a.generator,
		Dispatcher: a.dispatch,
		Counters:   counterSet{a.counters, a.stats},
		Ready:      a.ready,
	}, api.Options{
		APIKey:      cfg.Server.APIKey,
		LoadOptions: a.baseOptions,
	}, a.logger.Named("api"))
	return nil
}

// openPublisher selects Pub/Sub when a project and topic are configured and
// an in-memory recorder otherwise.
func (a *App) openPublisher(ctx context.Context) error {
	pc := a.cfg.Publish
	if !pc.Enabled() {
		a.logger.Warn("pubsub not configured; batch notices stay in memory",
			zap.String("project_id", pc.ProjectID),
			zap.String("topic", pc.Topic),
		)
		a.publisher = pubmemory.New(0)
		return nil
	}
	pub, err := gcppublisher.New(ctx, pc.ProjectID)
	if err != nil {
		return fmt.Errorf("open publisher: %w", err)
	}
	a.publisher = pub
	a.closePublisher = pub.Close
	a.logger.Info("using pubsub publisher",
		zap.String("project_id", pc.ProjectID),
		zap.String("topic", pc.Topic),
	)
	return nil
}

func (a *App) workers(source worker.Source) []*worker.Worker {
	ws := make([]*worker.Worker, 0, a.cfg.Generate.Workers)
	for i := range a.cfg.Generate.Workers {
		ws = append(ws, worker.New(source, a.orchestrator, a.baseOptions, a.stats,
			a.logger.Named("worker").With(zap.Int("index", i))))
	}
	return ws
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the record store.
func (a *App) Store() crawler.RecordStore {
	return a.store
}

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Options parses args as load options. An empty string yields the configured
// default options.
func (a *App) Options(args string) (crawler.LoadOptions, error) {
	if args == "" {
		return a.baseOptions, nil
	}
	opts, err := crawler.ParseLoadOptions(args)
	if err != nil {
		return crawler.LoadOptions{}, fmt.Errorf("parse load options: %w", err)
	}
	return opts, nil
}

// Seed stores a seed record for every url the store does not know yet and
// reports how many were added.
func (a *App) Seed(ctx context.Context, urls []string) (int, error) {
	added := 0
	for _, u := range urls {
		existing, err := a.store.GetOrNil(ctx, u)
		if err != nil {
			return added, fmt.Errorf("seed lookup %s: %w", u, err)
		}
		if !existing.IsNil() {
			continue
		}
		if err := a.store.Put(ctx, crawler.NewSeedRecord(u)); err != nil {
			return added, fmt.Errorf("seed %s: %w", u, err)
		}
		added++
	}
	if err := a.store.Flush(ctx); err != nil {
		return added, fmt.Errorf("flush seeds: %w", err)
	}
	a.logger.Info("seeds stored", zap.Int("added", added), zap.Int("requested", len(urls)))
	return added, nil
}

// Load loads urls with opts. Records come back in input order.
func (a *App) Load(ctx context.Context, urls []string, opts crawler.LoadOptions) ([]*crawler.Record, error) {
	if len(urls) == 1 {
		r, err := a.orchestrator.Load(ctx, urls[0], opts)
		if err != nil {
			return nil, err
		}
		return []*crawler.Record{r}, nil
	}
	return a.orchestrator.LoadBatch(ctx, urls, opts)
}

// Generate runs one generation pass without dispatching it.
func (a *App) Generate(ctx context.Context) (frontier.Batch, error) {
	return a.generator.Generate(ctx)
}

// CrawlReport summarizes a crawl.
type CrawlReport struct {
	Rounds    int
	Generated int
	Counters  map[string]int64
}

// Crawl alternates generation and fetching for up to rounds passes, stopping
// early once a pass selects nothing. Each pass drains a fresh queue through
// its own worker pool before the next pass starts, so a pass always sees the
// previous pass's results.
func (a *App) Crawl(ctx context.Context, rounds int) (CrawlReport, error) {
	var report CrawlReport
	for round := 1; rounds <= 0 || round <= rounds; round++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := a.generator.Generate(ctx)
		if err != nil {
			return report, fmt.Errorf("generate round %d: %w", round, err)
		}
		if len(batch.Entries) == 0 {
			a.logger.Info("frontier exhausted", zap.Int("round", round), zap.Int("scanned", batch.Scanned))
			break
		}
		report.Rounds = round
		report.Generated += len(batch.Entries)
		a.logger.Info("round generated",
			zap.Int("round", round),
			zap.String("batch_id", batch.ID),
			zap.Int("entries", len(batch.Entries)),
			zap.Int("scanned", batch.Scanned),
		)
		if err := a.drain(ctx, batch.Entries); err != nil {
			return report, fmt.Errorf("fetch round %d: %w", round, err)
		}
	}
	report.Counters = counterSet{a.counters, a.stats}.Snapshot()
	return report, nil
}

func (a *App) drain(ctx context.Context, entries []crawler.FrontierEntry) error {
	q := queuememory.NewQueue(a.cfg.Generate.QueueDepth)
	d := dispatcher.New(q, a.workers(q))
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	err := d.Dispatch(ctx, entries)
	d.Close()
	<-done
	if err != nil {
		return err
	}
	if err := a.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return ctx.Err()
}

// Serve runs the admin API and the background worker pool until ctx is
// canceled or the process receives SIGINT or SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Generate.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.dispatch.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) ready(ctx context.Context) error {
	if p, ok := a.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	return nil
}

// Close flushes and releases the store and publisher, stops the browser, and
// syncs the logger. It is safe to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		if err := a.store.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush store: %w", err))
		}
	}
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.closePublisher(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if a.browser != nil {
		a.browser.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// counterSet merges filter decisions with worker outcomes.
type counterSet struct {
	filter *frontier.Counters
	stats  *worker.Stats
}

func (c counterSet) Snapshot() map[string]int64 {
	out := c.filter.Snapshot()
	if out == nil {
		out = make(map[string]int64)
	}
	for k, v := range c.stats.Snapshot() {
		out["worker_"+k] = v
	}
	return out
}
