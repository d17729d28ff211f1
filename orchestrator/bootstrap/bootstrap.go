package bootstrap

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/admin"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/audit"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/circuitbreaker"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/forward"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/invoker"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libMongo "github.com/LerianStudio/lib-orchestrator/orchestrator/mongo"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	outboxpg "github.com/LerianStudio/lib-orchestrator/orchestrator/outbox/postgres"
	libPostgres "github.com/LerianStudio/lib-orchestrator/orchestrator/postgres"
	libRedis "github.com/LerianStudio/lib-orchestrator/orchestrator/redis"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/retry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/router"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/server"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow"
	workflowpg "github.com/LerianStudio/lib-orchestrator/orchestrator/workflow/postgres"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/zap"
)

const libraryName = "github.com/LerianStudio/lib-orchestrator"

var ErrInvalidConfig = errors.New("invalid orchestrator config")

// Orchestrator is an assembled process.
type Orchestrator struct {
	Logger     log.Logger
	Telemetry  *libOpentelemetry.Telemetry
	Postgres   *libPostgres.Client
	Redis      *libRedis.Client
	Writer     *outbox.Writer
	TxRunner   *outboxpg.TxRunner
	Router     *router.Router
	Dispatcher *outbox.Dispatcher
	Runner     *workflow.Runner
	Sweeper    *retry.Sweeper
	Admin      *server.Manager

	launcher *libOrchestrator.Launcher
	closers  []func(context.Context) error
}

// New connects every configured dependency and wires the components. On
// error, whatever was opened is closed again.
func New(ctx context.Context, cfg Config, registry *invoker.Registry) (o *Orchestrator, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if registry == nil {
		registry = invoker.NewRegistry()
	}

	o = &Orchestrator{}

	defer func() {
		if err != nil {
			_ = o.Close(context.Background())
			_ = o.Telemetry.ShutdownTelemetry(context.Background())
		}
	}()

	if err := o.initObservability(ctx, cfg); err != nil {
		return nil, err
	}

	ctx = libOrchestrator.ContextWithLogger(ctx, o.Logger)
	ctx = libOrchestrator.ContextWithTracer(ctx, o.Telemetry.Tracer())

	if err := o.initPostgres(ctx, cfg); err != nil {
		return nil, err
	}

	if err := o.initRedis(ctx, cfg); err != nil {
		return nil, err
	}

	outboxRepo, err := outboxpg.NewRepository(o.Postgres, outboxpg.WithLogger(o.Logger))
	if err != nil {
		return nil, err
	}

	o.TxRunner, err = outboxpg.NewTxRunner(o.Postgres)
	if err != nil {
		return nil, err
	}

	o.Router = router.New(
		router.WithLogger(o.Logger),
		router.WithTracer(o.Telemetry.Tracer()),
		router.WithMeterProvider(o.Telemetry.MeterProvider),
	)

	o.Dispatcher, err = outbox.NewDispatcher(outboxRepo, o.Router, o.Logger, o.Telemetry.Tracer(),
		outbox.WithDispatcherConfig(outbox.DispatcherConfig{
			DispatchInterval:      cfg.DispatchInterval,
			BatchSize:             cfg.DispatchBatchSize,
			Workers:               cfg.DispatchWorkers,
			LeaseDuration:         cfg.LeaseDuration,
			BacklogAlertThreshold: cfg.BacklogAlertThreshold,
			MeterProvider:         o.Telemetry.MeterProvider,
		}),
		outbox.WithTenantDiscoverer(outboxRepo),
		outbox.WithCapacityAlert(func(ctx context.Context, alert *libOrchestrator.CapacityExceededError) {
			o.Logger.Log(ctx, log.LevelWarn, "outbox backlog above threshold", log.Err(alert))
		}),
	)
	if err != nil {
		return nil, err
	}

	o.Writer, err = outbox.NewWriter(outboxRepo,
		outbox.WithWriterLogger(o.Logger),
		outbox.WithWriterTracer(o.Telemetry.Tracer()),
		outbox.WithNotifier(o.Dispatcher),
	)
	if err != nil {
		return nil, err
	}

	breakers := circuitbreaker.NewManager(o.Logger, invoker.BreakerConfig())

	invokerOpts := []invoker.Option{
		invoker.WithConfig(invoker.Config{CallTimeout: cfg.ActionTimeout, ResultTTL: cfg.ResultTTL}),
		invoker.WithBreakers(breakers),
		invoker.WithLogger(o.Logger),
		invoker.WithTracer(o.Telemetry.Tracer()),
		invoker.WithMeterProvider(o.Telemetry.MeterProvider),
	}

	if o.Redis != nil {
		cache, err := invoker.NewRedisResultCache(o.Redis, "")
		if err != nil {
			return nil, err
		}

		invokerOpts = append(invokerOpts, invoker.WithResultCache(cache))
	}

	actions, err := invoker.New(registry, invokerOpts...)
	if err != nil {
		return nil, err
	}

	store, err := workflowpg.NewStore(o.Postgres, workflowpg.WithLogger(o.Logger))
	if err != nil {
		return nil, err
	}

	o.Runner, err = workflow.NewRunner(store, store, actions,
		workflow.WithRunnerLogger(o.Logger),
		workflow.WithRunnerTracer(o.Telemetry.Tracer()),
		workflow.WithRunnerMeterProvider(o.Telemetry.MeterProvider),
		workflow.WithEventWriter(o.Writer, o.TxRunner),
	)
	if err != nil {
		return nil, err
	}

	if err := o.Runner.Register(o.Router); err != nil {
		return nil, err
	}

	if err := o.initSubscribers(ctx, cfg); err != nil {
		return nil, err
	}

	sweeperOpts := []retry.SweeperOption{
		retry.WithSweeperConfig(retry.SweeperConfig{Schedule: cfg.SweepSchedule}),
		retry.WithSweeperMeterProvider(o.Telemetry.MeterProvider),
	}

	if o.Redis != nil {
		locks, err := libRedis.NewRedisLockManager(o.Redis)
		if err != nil {
			return nil, err
		}

		sweeperOpts = append(sweeperOpts, retry.WithLockManager(locks))
	}

	o.Sweeper, err = retry.NewSweeper(o.Runner, o.Logger, sweeperOpts...)
	if err != nil {
		return nil, err
	}

	adminOpts := []admin.Option{
		admin.WithLogger(o.Logger),
		admin.WithNotifier(o.Dispatcher),
		admin.WithRunResumer(o.Runner),
		admin.WithBreakers(breakers),
		admin.WithHealthCheck("postgres", o.Postgres.Ping),
	}

	if o.Redis != nil {
		adminOpts = append(adminOpts, admin.WithHealthCheck("redis", o.Redis.Ping))
	}

	service, err := admin.NewService(outboxRepo, store, store, adminOpts...)
	if err != nil {
		return nil, err
	}

	o.Admin, err = server.NewManager(admin.NewApp(service, o.Logger), cfg.AdminAddress,
		server.WithLogger(o.Logger),
		server.WithTelemetry(o.Telemetry),
	)
	if err != nil {
		return nil, err
	}

	o.launcher = libOrchestrator.NewLauncher(
		libOrchestrator.WithLogger(o.Logger),
		libOrchestrator.WithContext(ctx),
		libOrchestrator.RunApp("outbox-dispatcher", o.Dispatcher),
		libOrchestrator.RunApp("retry-sweeper", o.Sweeper),
		libOrchestrator.RunApp("admin-server", o.Admin),
	)

	return o, nil
}

func (o *Orchestrator) initObservability(ctx context.Context, cfg Config) error {
	zapCfg := zap.Config{Environment: zap.Environment(cfg.EnvName), Level: cfg.LogLevel}
	if cfg.EnableTelemetry {
		zapCfg.OTelLibraryName = libraryName
	}

	logger, err := zap.New(zapCfg)
	if err != nil {
		return err
	}

	o.Logger = logger

	o.Telemetry, err = libOpentelemetry.InitializeTelemetry(ctx, &libOpentelemetry.TelemetryConfig{
		LibraryName:               libraryName,
		ServiceName:               cfg.ServiceName,
		ServiceVersion:            cfg.ServiceVersion,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.OtelEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})

	return err
}

func (o *Orchestrator) initPostgres(ctx context.Context, cfg Config) error {
	client, err := libPostgres.New(libPostgres.Config{
		PrimaryDSN:   cfg.PostgresPrimaryDSN,
		ReplicaDSN:   cfg.PostgresReplicaDSN,
		DatabaseName: cfg.PostgresDatabase,
		MaxOpenConns: cfg.PostgresMaxOpenConns,
		Logger:       o.Logger,
	})
	if err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	o.Postgres = client
	o.closers = append(o.closers, func(context.Context) error { return client.Close() })

	if cfg.PostgresMigrate {
		if err := client.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}

	return nil
}

func (o *Orchestrator) initRedis(ctx context.Context, cfg Config) error {
	addresses := cfg.redisAddresses()
	if len(addresses) == 0 {
		o.Logger.Log(ctx, log.LevelWarn, "redis not configured: action results are not cached and every instance sweeps")

		return nil
	}

	client, err := libRedis.New(libRedis.Config{
		Addresses: addresses,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Logger:    o.Logger,
	})
	if err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	o.Redis = client
	o.closers = append(o.closers, func(context.Context) error { return client.Close() })

	return nil
}

// initSubscribers registers the optional broker forwarders and audit sink.
func (o *Orchestrator) initSubscribers(ctx context.Context, cfg Config) error {
	if brokers := forward.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		forwarder, err := forward.NewKafkaForwarder(forward.NewKafkaWriter(brokers),
			forward.KafkaConfig{TopicPrefix: cfg.KafkaTopicPrefix},
			forward.WithKafkaLogger(o.Logger),
			forward.WithKafkaTracer(o.Telemetry.Tracer()),
		)
		if err != nil {
			return err
		}

		o.closers = append(o.closers, func(context.Context) error { return forwarder.Close() })

		if err := forwarder.Register(o.Router); err != nil {
			return err
		}
	}

	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			return fmt.Errorf("dialing rabbitmq: %w", err)
		}

		o.closers = append(o.closers, func(context.Context) error { return conn.Close() })

		channel, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("opening rabbitmq channel: %w", err)
		}

		if err := forward.DeclareExchange(channel, cfg.RabbitExchange); err != nil {
			return fmt.Errorf("declaring exchange: %w", err)
		}

		forwarder, err := forward.NewRabbitForwarder(channel, forward.RabbitConfig{Exchange: cfg.RabbitExchange},
			forward.WithRabbitLogger(o.Logger),
			forward.WithRabbitTracer(o.Telemetry.Tracer()),
		)
		if err != nil {
			return err
		}

		if err := forwarder.Register(o.Router); err != nil {
			return err
		}
	}

	if cfg.MongoURI != "" {
		client, err := libMongo.NewClient(ctx, libMongo.Config{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			Logger:   o.Logger,
		})
		if err != nil {
			return err
		}

		o.closers = append(o.closers, client.Close)

		if err := client.EnsureIndexes(ctx, audit.CollectionName, audit.Indexes()...); err != nil {
			return err
		}

		collection, err := client.Collection(ctx, audit.CollectionName)
		if err != nil {
			return err
		}

		sink, err := audit.NewMongoSink(collection, audit.WithLogger(o.Logger))
		if err != nil {
			return err
		}

		if err := sink.Register(o.Router); err != nil {
			return err
		}
	}

	return nil
}

// Run blocks until the launcher context ends and every app has stopped,
// then closes the connections.
func (o *Orchestrator) Run() error {
	runErr := o.launcher.RunWithError()

	return errors.Join(runErr, o.Close(context.Background()))
}

// Close releases connections in reverse order of opening.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error

	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	o.closers = nil

	return errors.Join(errs...)
}
