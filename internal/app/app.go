// Package app builds the service's long-lived dependencies and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/go-telegram/bot"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/api"
	"github.com/JakeFAU/catalog-relay/internal/clock/system"
	"github.com/JakeFAU/catalog-relay/internal/config"
	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/delivery/logsink"
	"github.com/JakeFAU/catalog-relay/internal/delivery/telegram"
	"github.com/JakeFAU/catalog-relay/internal/dispatcher"
	"github.com/JakeFAU/catalog-relay/internal/extract"
	collyfetcher "github.com/JakeFAU/catalog-relay/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/catalog-relay/internal/fetcher/headless"
	"github.com/JakeFAU/catalog-relay/internal/hash/sha256"
	"github.com/JakeFAU/catalog-relay/internal/id/uuid"
	"github.com/JakeFAU/catalog-relay/internal/ingest"
	"github.com/JakeFAU/catalog-relay/internal/logging"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
	"github.com/JakeFAU/catalog-relay/internal/orchestrator"
	"github.com/JakeFAU/catalog-relay/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/catalog-relay/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/catalog-relay/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-relay/internal/push"
	queueMemory "github.com/JakeFAU/catalog-relay/internal/queue/memory"
	"github.com/JakeFAU/catalog-relay/internal/scheduler"
	"github.com/JakeFAU/catalog-relay/internal/session"
	gcsstorage "github.com/JakeFAU/catalog-relay/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-relay/internal/storage/local"
	memoryStorage "github.com/JakeFAU/catalog-relay/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-relay/internal/storage/postgres"
	"github.com/JakeFAU/catalog-relay/internal/subscription"
	"github.com/JakeFAU/catalog-relay/internal/telemetry"
	"github.com/JakeFAU/catalog-relay/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator

	records crawler.RecordStore
	subs    crawler.SubscriptionStore
	audit   crawler.AuditStore
	jobs    crawler.JobStore
	pg      *pgstore.Store

	blobs         crawler.BlobStore
	storageClient *gcs.Client
	publisher     crawler.Publisher
	pubsubClient  *pubsub.Client
	gcpPublisher  *gcppublisher.Publisher
	bot           *bot.Bot
	deliverer     crawler.Deliverer

	orchestrator  *orchestrator.Orchestrator
	ingest        *ingest.Service
	push          *push.Dispatcher
	subscriptions *subscription.Service
	pipeline      *scheduler.Pipeline
	scheduler     *scheduler.Scheduler
	queue         *queueMemory.Queue
	dispatch      *dispatcher.Dispatcher
	apiServer     *api.Server

	tracerShutdown func(context.Context) error
	runCtx         context.Context
	cancelRun      context.CancelFunc
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithDeliverer replaces the configured deliverer.
func WithDeliverer(d crawler.Deliverer) Option {
	return func(a *App) { a.deliverer = d }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{
		cfg:   cfg,
		clock: system.New(),
		ids:   uuid.New(),
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}
	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.runCtx, app.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	app.logger.Info("building application dependencies",
		zap.String("base_url", cfg.Crawler.BaseURL),
		zap.Int("server_port", cfg.Server.Port),
	)
	steps := []func(context.Context) error{
		app.setupStores,
		app.setupStorage,
		app.setupPublisher,
		app.setupDelivery,
		app.setupCrawl,
		app.setupJobs,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}

	var ready []api.Pinger
	if app.pg != nil {
		ready = append(ready, app.pg)
	}
	app.apiServer = api.NewServer(api.Deps{
		JobStore:      app.jobs,
		Queue:         app.dispatch,
		Pipeline:      app.pipeline,
		Subscriptions: app.subscriptions,
		IDs:           app.ids,
		Clock:         app.clock,
		Ready:         ready,
		RunContext:    app.runCtx,
	}, cfg, app.logger)
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the guarded crawl, ingest and push pipeline.
func (a *App) Pipeline() *scheduler.Pipeline {
	return a.pipeline
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no db.dsn configured; records and subscriptions are kept in memory")
		a.records = memoryStorage.NewRecordStore()
		a.subs = memoryStorage.NewSubscriptionStore()
		a.audit = memoryStorage.NewAuditStore()
		a.jobs = memoryStorage.NewJobStore()
		return nil
	}
	pg, err := pgstore.Open(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	a.pg = pg
	a.records, a.subs, a.audit, a.jobs = pg, pg, pg, pg
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.storageClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storageClient, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.StorageLocal:
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Storage.LocalDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	case config.StorageMemory:
		a.logger.Info("using in-memory snapshot storage")
		a.blobs = memoryStorage.NewBlobStore()
	default:
		a.logger.Debug("snapshot storage disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.TopicName)
	a.publisher = a.gcpPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupDelivery(context.Context) error {
	a.subscriptions = subscription.New(a.subs, a.logger)
	if a.deliverer != nil {
		return nil
	}
	if a.cfg.Telegram.Token == "" {
		a.logger.Warn("no telegram.token configured; deliveries are logged only")
		a.deliverer = logsink.New(a.logger)
		return nil
	}
	b, err := telegram.NewBot(telegram.Config{
		Token:   a.cfg.Telegram.Token,
		Timeout: a.cfg.HTTP.Timeout,
	})
	if err != nil {
		return fmt.Errorf("telegram bot init failed: %w", err)
	}
	a.bot = b
	a.deliverer = telegram.NewDeliverer(b, a.logger)
	a.logger.Info("telegram delivery enabled", zap.Int("default_chats", len(a.cfg.Telegram.DefaultChatIDs)))
	return nil
}

func (a *App) setupCrawl(context.Context) error {
	cfg := a.cfg
	base := strings.TrimRight(cfg.Crawler.BaseURL, "/")

	jar := session.NewStore()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Referer:        base + "/",
		AcceptLanguage: cfg.HTTP.AcceptLanguage,
		Timeout:        cfg.HTTP.Timeout,
		DelayMin:       cfg.HTTP.DelayMin,
		DelayMax:       cfg.HTTP.DelayMax,
	}, jar, a.clock,
		collyfetcher.WithLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.RPS,
			DefaultBurst: cfg.RateLimit.Burst,
		})),
		collyfetcher.WithLogger(a.logger),
	)
	sessions := session.NewManager(session.Config{
		TTL:            cfg.Session.TTL,
		WarmupRequests: cfg.Session.WarmupRequests,
		WarmupURL:      base + cfg.Session.WarmupPath,
		WarmupPause:    cfg.Session.WarmupPause,
	}, jar, fetcher, a.clock, a.logger)

	var renderer crawler.Renderer
	if cfg.Headless.Enabled {
		r, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			WaitSelector:      cfg.Headless.WaitSelector,
			WaitTimeout:       cfg.Headless.WaitTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			ExecPath:          cfg.Headless.ExecPath,
		}, a.logger)
		if err != nil {
			a.logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			renderer = r
			a.logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	engine, err := extract.NewEngine(extract.Config{
		BaseURL:        base,
		AllowPathCodes: cfg.Extract.AllowPathCodes,
	}, renderer, a.logger)
	if err != nil {
		return fmt.Errorf("extract engine init failed: %w", err)
	}

	orchOpts := []orchestrator.Option{orchestrator.WithLogger(a.logger)}
	if a.blobs != nil {
		orchOpts = append(orchOpts, orchestrator.WithSnapshots(a.blobs, sha256.New()))
	}
	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		BaseURL:        base,
		PageSize:       cfg.Crawler.PageSize,
		MaxPages:       cfg.Crawler.MaxPages,
		PageDelay:      cfg.Crawler.PageDelay,
		SnapshotPrefix: cfg.Storage.Prefix,
	}, fetcher, sessions, engine, a.clock, orchOpts...)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	topic := cfg.Ingest.EventTopic
	if a.pubsubClient != nil {
		topic = cfg.PubSub.TopicName
	}
	a.ingest = ingest.New(ingest.Config{
		EnrichPause: cfg.Ingest.EnrichPause,
		EventTopic:  topic,
	}, a.records, a.orchestrator, a.clock,
		ingest.WithPublisher(a.publisher),
		ingest.WithLogger(a.logger),
	)
	a.push = push.New(push.Config{SendPause: cfg.Push.SendPause},
		a.records, a.subs, a.audit, a.deliverer, a.clock, a.ids, a.logger)
	a.pipeline = scheduler.NewPipeline(a.orchestrator, a.ingest, a.push, a.clock, a.logger)

	a.scheduler, err = scheduler.New(scheduler.Config{
		Enabled:                cfg.Crawler.Enabled,
		StartupDelay:           cfg.Crawler.StartupDelay,
		Interval:               cfg.Crawler.Interval,
		InitialPages:           cfg.Crawler.InitialPages,
		SweepPages:             cfg.Crawler.SweepPages,
		PruneSchedule:          cfg.Audit.PruneSchedule,
		Retention:              cfg.Audit.Retention,
		DefaultDestinations:    cfg.Telegram.DefaultChatIDs,
		DefaultDestinationKind: crawler.DestinationKind(cfg.Telegram.DefaultKind),
	}, a.pipeline, a.subscriptions, a.audit, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	return nil
}

func (a *App) setupJobs(context.Context) error {
	depth := a.cfg.Jobs.QueueDepth
	if depth <= 0 {
		depth = 1
	}
	a.queue = queueMemory.NewQueue(depth)
	workerCfg := worker.Config{
		DefaultLimit: a.cfg.Crawler.DefaultLimit,
		DefaultPages: a.cfg.Crawler.SweepPages,
	}
	workers := make([]*worker.Worker, 0, a.cfg.Jobs.Concurrency)
	for i := 0; i < a.cfg.Jobs.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.jobs,
			a.orchestrator,
			a.ingest,
			a.push,
			workerCfg,
			a.logger.With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	if a.bot != nil {
		submitter := dispatcher.NewSubmitter(a.jobs, a.dispatch, a.ids, a.clock, a.logger)
		telegram.NewCommands(a.subscriptions, a.logger,
			telegram.WithJobs(submitter, a.cfg.Crawler.DefaultLimit),
		).Register(a.bot)
	}
	a.logger.Info("job workers configured",
		zap.Int("concurrency", a.cfg.Jobs.Concurrency),
		zap.Int("queue_depth", depth),
	)
	return nil
}

// Run starts the scheduler, job workers, bot polling and HTTP server, and
// blocks until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	a.logger.Info("application started")

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	go func() {
		if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("scheduler stopped", zap.Error(err))
		}
	}()
	if a.bot != nil {
		go func() {
			a.logger.Info("telegram command polling started")
			a.bot.Start(ctx)
		}()
	}

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

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// RunOnce executes a single pipeline pass over pages listing pages.
func (a *App) RunOnce(ctx context.Context, pages int) (scheduler.RunResult, error) {
	if pages <= 0 {
		pages = a.cfg.Crawler.InitialPages
	}
	a.scheduler.AutoSubscribe(ctx)
	res, err := a.pipeline.Run(ctx, pages)
	if err != nil {
		return res, fmt.Errorf("pipeline run: %w", err)
	}
	return res, nil
}

// Close gracefully shuts down the application.
func (a *App) Close() {
	if a.cancelRun != nil {
		a.cancelRun()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(context.Background()); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}
