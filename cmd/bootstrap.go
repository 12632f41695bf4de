package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"example.com/backstage/fulfillment/config"
	"example.com/backstage/fulfillment/internal/api"
	"example.com/backstage/fulfillment/internal/audit"
	"example.com/backstage/fulfillment/internal/billing"
	"example.com/backstage/fulfillment/internal/cache"
	"example.com/backstage/fulfillment/internal/database"
	"example.com/backstage/fulfillment/internal/ingress"
	"example.com/backstage/fulfillment/internal/messaging"
	"example.com/backstage/fulfillment/internal/metrics"
	"example.com/backstage/fulfillment/internal/outbound"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
	"example.com/backstage/fulfillment/internal/saga"
	"example.com/backstage/fulfillment/internal/search"
	"example.com/backstage/fulfillment/internal/tracing"
)

// broker is a transport that both consumes and publishes
type broker interface {
	messaging.Consumer
	messaging.Producer
}

// app holds the wired components shared by the commands
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	db       *gorm.DB
	store    repositories.Store
	metrics  *metrics.Metrics
	tracer   *tracing.NewRelicTracer
	seen     *cache.RedisCache
	recorder audit.Recorder
	index    *search.AuditIndex
	billing  *billing.Manager
	saga     *saga.Service
	ingress  *ingress.Ingress
	replayer *outbound.Replayer
}

func workerPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.Worker.MaxAttempts,
		ConflictRetries: cfg.Worker.ConflictRetries,
		BaseBackoff:     cfg.Worker.BaseBackoff,
		MaxBackoff:      cfg.Worker.MaxBackoff,
	}
}

func outboxPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseBackoff: cfg.Outbox.BaseBackoff,
		MaxBackoff:  cfg.Worker.MaxBackoff,
	}
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	db, err := database.Connect(cfg.DB, log, debug, false)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		store:   repositories.NewStore(db),
		metrics: metrics.NewMetrics(),
	}
	a.metrics.SetHealth("database", true)

	a.tracer, err = tracing.NewTracer(cfg.Tracing, log)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		a.tracer = tracing.Disabled()
	}

	a.seen, err = cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing with the ledger only")
		a.seen, _ = cache.NewRedisCache(config.RedisConfig{Enabled: false})
	}
	if a.seen.Enabled() {
		a.metrics.SetHealth("redis", true)
	}

	a.recorder = audit.NewLogRecorder(log.With().Str("component", "audit").Logger())
	if cfg.Elastic.Enabled {
		index, err := search.NewAuditIndex(cfg.Elastic, log)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, audit goes to the log")
		} else if err := index.EnsureIndex(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to ensure audit index, audit goes to the log")
		} else {
			a.index = index
			a.recorder = index
		}
	}

	policy := workerPolicy(cfg)
	a.billing = billing.NewManager(a.store, a.recorder, billing.Options{
		DueDays:  cfg.Billing.DueDays,
		Currency: cfg.Billing.Currency,
		Source:   cfg.Broker.Source,
		Retry:    policy,
	}, log.With().Str("component", "billing").Logger())

	a.saga = saga.NewService(a.store, a.billing, a.recorder, saga.Options{
		Source:             cfg.Broker.Source,
		ReservationTimeout: cfg.Saga.ReservationTimeout,
		Retry:              policy,
	}, log.With().Str("component", "saga").Logger())

	a.ingress = ingress.New(a.store, a.saga.Routes(), a.seen, a.recorder, a.metrics, a.tracer, ingress.Options{
		Retry:          policy,
		HandlerTimeout: cfg.Worker.HandlerTimeout,
	}, log.With().Str("component", "ingress").Logger())

	a.replayer = outbound.NewReplayer(a.store, a.ingress.Ingest, log.With().Str("component", "replay").Logger())
	return a, nil
}

func (a *app) apiServer() *api.Server {
	deps := api.Dependencies{
		Store:    a.store,
		Orders:   a.saga,
		Invoices: a.billing,
		Replayer: a.replayer,
		Metrics:  a.metrics,
		Tracer:   a.tracer,
	}
	if a.index != nil {
		deps.Audit = a.index
	}
	return api.NewServer(a.cfg.Server, deps, a.log.With().Str("component", "api").Logger())
}

// checkHealth refreshes the health flags of the backing stores
func (a *app) checkHealth(ctx context.Context) {
	sqlDB, err := a.db.DB()
	healthy := err == nil && sqlDB.PingContext(ctx) == nil
	a.metrics.SetHealth("database", healthy)
	if !healthy {
		a.log.Warn().Msg("Database health check failed")
	}

	if a.seen.Enabled() {
		if err := a.seen.Ping(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Redis health check failed")
			a.metrics.SetHealth("redis", false)
		} else {
			a.metrics.SetHealth("redis", true)
		}
	}
}

func (a *app) close() {
	a.tracer.Close()
	if err := a.seen.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close Redis client")
	}
	if err := database.Close(a.db); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close database")
	}
}

// newBroker picks the transport named by broker.driver
func newBroker(cfg config.Config, log zerolog.Logger) (broker, error) {
	log = log.With().Str("component", "broker").Str("driver", cfg.Broker.Driver).Logger()
	switch cfg.Broker.Driver {
	case "servicebus":
		return messaging.NewServiceBus(cfg.ServiceBus, cfg.Broker.Source, log)
	case "kafka":
		return messaging.NewKafka(cfg.Kafka, log)
	case "log":
		return messaging.NewLogBroker(log), nil
	}
	return nil, errors.Errorf("unknown broker driver %q", cfg.Broker.Driver)
}
