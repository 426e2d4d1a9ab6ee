// Package app wires the ledger, provider channels, infrastructure clients and
// services shared by the server and the operator CLI.
package app

import (
	"context"
	"fmt"

	"payment-reconciler/config"
	"payment-reconciler/internal/broker"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/redisclient"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/store"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// Options selects the optional infrastructure
type Options struct {
	Redis bool
	Kafka bool
	// Migrate applies the embedded schema to Postgres on start
	Migrate bool
}

// App holds the wired components
type App struct {
	Config   *config.Config
	Store    ledger.Store
	Registry *provider.Registry
	Engine   *service.Engine
	Payments *service.PaymentService
	Redis    *redisclient.Client
	Producer *broker.Producer
	Events   *broker.EventPublisher

	checks  map[string]func(ctx context.Context) error
	closers []func() error
}

// New connects every configured dependency and builds the services
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := util.GetLogger()
	a := &App{
		Config: cfg,
		checks: make(map[string]func(ctx context.Context) error),
	}

	if err := a.openStore(ctx, opts.Migrate); err != nil {
		return nil, err
	}

	channels, err := cfg.Channels()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Registry, err = provider.NewRegistry(channels...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid provider channels: %w", err)
	}
	logger.Info("Provider channels registered", zap.Strings("channels", a.Registry.Channels()))

	var events service.EventPublisher
	if opts.Kafka {
		a.Producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment)
		a.closers = append(a.closers, a.Producer.Close)
		a.Events = broker.NewEventPublisher(a.Producer)
		events = a.Events
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicPayment))
	}

	a.Engine = service.NewEngine(a.Store, a.Registry, events)

	svcOpts := []service.Option{service.WithQueryTimeout(cfg.Business.QueryTimeout)}
	if opts.Redis {
		a.Redis, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, a.Redis.Close)
		a.checks["redis"] = a.Redis.Ping
		svcOpts = append(svcOpts,
			service.WithLocker(a.Redis, cfg.Business.OrderLockTTL),
			service.WithIdempotency(a.Redis, cfg.Business.RefundIdempotencyTTL),
		)
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}
	if a.Events != nil {
		svcOpts = append(svcOpts, service.WithReconcileRequests(a.Events))
	}

	a.Payments = service.NewPaymentService(a.Engine, a.Store, svcOpts...)
	return a, nil
}

func (a *App) openStore(ctx context.Context, migrate bool) error {
	logger := util.GetLogger()

	switch a.Config.Database.Driver {
	case config.StoreDriverMemory:
		a.Store = store.NewMemory()
		logger.Warn("Using in-memory ledger, data is lost on exit")
		return nil

	case config.StoreDriverPostgres, "":
		db, err := store.NewStore(a.Config.Database.URL)
		if err != nil {
			return err
		}
		if migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return err
			}
		}
		a.Store = db
		a.closers = append(a.closers, db.Close)
		a.checks["postgres"] = db.GetDB().PingContext
		logger.Info("Database connected")
		return nil

	default:
		return fmt.Errorf("unknown store driver %q", a.Config.Database.Driver)
	}
}

// ReadinessChecks returns a check per connected dependency
func (a *App) ReadinessChecks() map[string]func(ctx context.Context) error {
	return a.checks
}

// Close releases connections in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			util.GetLogger().Warn("Error closing resource", zap.Error(err))
		}
	}
	a.closers = nil
}
