// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/regional-access/internal/analyst"
	"github.com/JakeFAU/regional-access/internal/api"
	"github.com/JakeFAU/regional-access/internal/collator"
	"github.com/JakeFAU/regional-access/internal/config"
	"github.com/JakeFAU/regional-access/internal/dispatcher"
	"github.com/JakeFAU/regional-access/internal/gridcache"
	"github.com/JakeFAU/regional-access/internal/id/uuid"
	"github.com/JakeFAU/regional-access/internal/logging"
	kafkapublisher "github.com/JakeFAU/regional-access/internal/publisher/kafka"
	gcppublisher "github.com/JakeFAU/regional-access/internal/publisher/pubsub"
	kafkaqueue "github.com/JakeFAU/regional-access/internal/queue/kafka"
	queueMemory "github.com/JakeFAU/regional-access/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/regional-access/internal/queue/pubsub"
	"github.com/JakeFAU/regional-access/internal/routing/fixture"
	gcsstorage "github.com/JakeFAU/regional-access/internal/storage/gcs"
	localstorage "github.com/JakeFAU/regional-access/internal/storage/local"
	memoryStorage "github.com/JakeFAU/regional-access/internal/storage/memory"
	pgstore "github.com/JakeFAU/regional-access/internal/storage/postgres"
	"github.com/JakeFAU/regional-access/internal/telemetry"
	"github.com/JakeFAU/regional-access/internal/worker"
)

// Roles selects which components a process runs.
type Roles struct {
	API      bool
	Workers  bool
	Collator bool
}

// AllRoles runs every component in one process.
var AllRoles = Roles{API: true, Workers: true, Collator: true}

type runner func(ctx context.Context) error

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	roles  Roles
	logger *zap.Logger

	blobs     analyst.BlobStore
	registry  analyst.JobRegistry
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	collator  *collator.Collator
	apiServer *api.Server
	results   analyst.Publisher
	enqueuer  api.Enqueuer
	checks    map[string]api.ReadinessCheck
	runners   []runner

	storageClient   *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	kafkaPublisher  *kafkapublisher.Publisher
	kafkaConsumers  []*kafkaqueue.Consumer
	redisClient     *redis.Client
	pgRegistry      *pgstore.JobRegistry
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies for roles. The in-memory transport cannot
// cross processes, so it always runs every role.
func Build(ctx context.Context, cfg config.Config, roles Roles) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	if cfg.Transport.Kind == config.BackendMemory && roles != AllRoles {
		logger.Info("memory transport runs every role in-process")
		roles = AllRoles
	}
	app := &App{
		cfg:    cfg,
		roles:  roles,
		logger: logger,
		checks: make(map[string]api.ReadinessCheck),
	}
	logger.Info("building application dependencies",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("storage", cfg.Storage.Kind),
		zap.Bool("api", roles.API),
		zap.Bool("workers", roles.Workers),
		zap.Bool("collator", roles.Collator),
	)
	if err := app.setup(ctx); err != nil {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) setup(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:  a.cfg.Telemetry.ServiceName,
		SampleRatio:  a.cfg.Telemetry.SampleRatio,
		OTLPEndpoint: a.cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	if err := a.setupRegistry(ctx); err != nil {
		return err
	}
	if err := a.setupTransport(ctx); err != nil {
		return err
	}
	if a.roles.Collator {
		if err := a.setupCollator(ctx); err != nil {
			return err
		}
	}
	if a.roles.Workers {
		if err := a.setupWorkers(ctx); err != nil {
			return err
		}
	}
	if a.roles.API {
		a.setupAPI()
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Kind {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storageClient, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memoryStorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupRegistry(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, keeping regional jobs in memory")
		a.registry = memoryStorage.NewJobRegistry()
		return nil
	}
	var err error
	a.pgRegistry, err = pgstore.NewJobRegistry(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: int32(a.cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return fmt.Errorf("job registry init failed: %w", err)
	}
	a.registry = a.pgRegistry
	a.checks["postgres"] = a.pgRegistry.Ping
	a.logger.Info("postgres job registry initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupTransport(ctx context.Context) error {
	var err error
	switch a.cfg.Transport.Kind {
	case config.BackendPubSub:
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = gcppublisher.New(a.pubsubClient)
		a.results = a.pubsubPublisher
		a.logger.Info("Pub/Sub transport initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("job_topic", a.cfg.PubSub.JobTopic),
			zap.String("result_topic", a.cfg.PubSub.ResultTopic),
		)
	case config.BackendKafka:
		a.kafkaPublisher, err = kafkapublisher.New(kafkapublisher.Config{
			Brokers: a.cfg.Kafka.Brokers,
			Topic:   a.cfg.Kafka.ResultTopic,
		})
		if err != nil {
			return fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.results = a.kafkaPublisher
		a.logger.Info("Kafka transport initialized",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.String("job_topic", a.cfg.Kafka.JobTopic),
			zap.String("result_topic", a.cfg.Kafka.ResultTopic),
		)
	default:
		a.logger.Info("using in-memory transport")
	}
	if a.roles.API && a.results != nil {
		a.enqueuer, err = dispatcher.NewPublishingEnqueuer(a.results, a.cfg.JobTopic())
		if err != nil {
			return fmt.Errorf("job enqueuer init failed: %w", err)
		}
	}
	return nil
}

func (a *App) setupCollator(ctx context.Context) error {
	buffer, err := a.setupBuffer(ctx)
	if err != nil {
		return err
	}
	a.collator = collator.New(a.registry, buffer, a.blobs, a.cfg.Storage.ResultPrefix, a.logger.Named("collator"))

	switch a.cfg.Transport.Kind {
	case config.BackendPubSub:
		sub := pubsubqueue.NewSubscriber(
			a.pubsubClient.Subscription(a.cfg.PubSub.ResultSubscription),
			a.logger.Named("results"),
		)
		a.runners = append(a.runners, func(ctx context.Context) error {
			return sub.Receive(ctx, a.collator.Handle)
		})
	case config.BackendKafka:
		consumer, err := kafkaqueue.NewConsumer(kafkaqueue.Config{
			Brokers: a.cfg.Kafka.Brokers,
			Group:   a.cfg.Kafka.Group + "-collator",
			Topic:   a.cfg.Kafka.ResultTopic,
		}, a.logger.Named("results"))
		if err != nil {
			return fmt.Errorf("kafka result consumer init failed: %w", err)
		}
		a.kafkaConsumers = append(a.kafkaConsumers, consumer)
		a.runners = append(a.runners, func(ctx context.Context) error {
			return consumer.Receive(ctx, a.collator.Handle)
		})
	default:
		a.results = &collatorLoopback{collator: a.collator}
	}
	return nil
}

func (a *App) setupBuffer(ctx context.Context) (collator.OriginBuffer, error) {
	if a.cfg.Redis.URL == "" {
		a.logger.Warn("no Redis URL configured, buffering origins in memory")
		return collator.NewMemoryBuffer(), nil
	}
	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	a.redisClient = redis.NewClient(opts)
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.checks["redis"] = func(ctx context.Context) error {
		return a.redisClient.Ping(ctx).Err()
	}
	a.logger.Info("redis origin buffer initialized", zap.Duration("ttl", a.cfg.BufferTTL()))
	return collator.NewRedisBuffer(a.redisClient, a.cfg.BufferTTL()), nil
}

func (a *App) setupWorkers(_ context.Context) error {
	if a.cfg.Routing.FixturePath == "" {
		return errors.New("routing.fixture_path is required to run workers")
	}
	network, err := fixture.Load(a.cfg.Routing.FixturePath)
	if err != nil {
		return fmt.Errorf("routing network init failed: %w", err)
	}
	a.logger.Info("routing network loaded",
		zap.String("path", a.cfg.Routing.FixturePath),
		zap.Int("stops", len(network.Stops)),
		zap.Int("iterations", network.Iterations()),
	)

	a.queue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
	grids := gridcache.New(a.blobs, a.cfg.Storage.GridPrefix, a.logger.Named("grids"))
	routing := worker.Routing{Street: network, Transit: network, Linker: network, Propagator: network}
	workerCfg := worker.Config{
		StreetRadiusMeters: a.cfg.Worker.StreetRadiusMeters,
		AggregateWorkers:   a.cfg.Worker.AggregateWorkers,
		ResultTopic:        a.cfg.ResultTopic(),
	}
	clk := clock.New()
	var workers []*worker.Worker
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			grids,
			routing,
			a.results,
			clk,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	a.runners = append(a.runners, func(ctx context.Context) error {
		a.logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		a.dispatch.Run(ctx)
		return nil
	})

	switch a.cfg.Transport.Kind {
	case config.BackendPubSub:
		sub := pubsubqueue.NewSubscriber(
			a.pubsubClient.Subscription(a.cfg.PubSub.JobSubscription),
			a.logger.Named("jobs"),
		)
		a.runners = append(a.runners, func(ctx context.Context) error {
			return pubsubqueue.Pump(ctx, sub, a.queue)
		})
	case config.BackendKafka:
		consumer, err := kafkaqueue.NewConsumer(kafkaqueue.Config{
			Brokers: a.cfg.Kafka.Brokers,
			Group:   a.cfg.Kafka.Group + "-workers",
			Topic:   a.cfg.Kafka.JobTopic,
		}, a.logger.Named("jobs"))
		if err != nil {
			return fmt.Errorf("kafka job consumer init failed: %w", err)
		}
		a.kafkaConsumers = append(a.kafkaConsumers, consumer)
		a.runners = append(a.runners, func(ctx context.Context) error {
			return kafkaqueue.Pump(ctx, consumer, a.queue)
		})
	default:
		a.enqueuer = a.dispatch
	}
	return nil
}

func (a *App) setupAPI() {
	a.apiServer = api.NewServer(
		a.registry,
		a.enqueuer,
		a.blobs,
		uuid.New(),
		a.cfg,
		a.checks,
		a.logger.Named("api"),
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.runners = append(a.runners, func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
			close(errCh)
		}()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
}

// Handler exposes the API router, or nil when the process does not serve the API.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Blobs returns the configured blob store.
func (a *App) Blobs() analyst.BlobStore {
	return a.blobs
}

// Run starts the configured roles and blocks until the context is canceled or a role fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started", zap.Int("components", len(a.runners)))

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range a.runners {
		g.Go(func() error { return run(gctx) })
	}
	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("component failed", zap.Error(runErr))
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return multierr.Append(runErr, a.Close(shutdownCtx))
}

// Close releases every client the application opened.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	err := a.closeInfrastructure()
	err = multierr.Append(err, a.closeObservability(ctx))
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure() error {
	var err error
	for _, c := range a.kafkaConsumers {
		c.Close()
	}
	if a.kafkaPublisher != nil {
		a.kafkaPublisher.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if closeErr := a.pubsubClient.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("pubsub client close: %w", closeErr))
		}
	}
	if a.redisClient != nil {
		if closeErr := a.redisClient.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("redis client close: %w", closeErr))
		}
	}
	if a.pgRegistry != nil {
		a.pgRegistry.Close()
	}
	if a.storageClient != nil {
		if closeErr := a.storageClient.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("gcs client close: %w", closeErr))
		}
	}
	return err
}

func (a *App) closeObservability(ctx context.Context) error {
	// Syncing a console logger fails on some platforms; it is not worth failing shutdown.
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			return fmt.Errorf("tracer shutdown: %w", err)
		}
	}
	return nil
}
