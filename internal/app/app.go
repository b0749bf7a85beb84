// Package app wires the inventory core to its infrastructure.  Both the
// API server and the standalone sweeper build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ticket-inventory/internal/cache"
	"github.com/iliyamo/ticket-inventory/internal/config"
	"github.com/iliyamo/ticket-inventory/internal/database"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/observability"
	"github.com/iliyamo/ticket-inventory/internal/queue"
	"github.com/iliyamo/ticket-inventory/internal/repository"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config    config.Config
	DB        *sqlx.DB
	Store     *repository.Store
	Redis     *redis.Client // nil when Redis is unavailable
	Publisher queue.Publisher
	Manager   *inventory.Manager
	Registry  *prometheus.Registry

	closers []func(context.Context) error
}

// New connects to MySQL (and Redis when reachable), applies the schema,
// and builds the manager.  Close releases everything New opened.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(a.Registry)

	shutdown, err := observability.ConfigureTraceProvider(cfg.JaegerEndpoint)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	db, err := database.Open(database.Config{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	if err := database.Migrate(ctx, db); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Store = repository.NewStore(db)

	if cfg.Cache.Enabled || cfg.HoldLimit.Enabled || cfg.EventsTransport == queue.TransportRedis {
		a.Redis = config.NewRedisClient(ctx, cfg.Redis)
		if a.Redis != nil {
			rdb := a.Redis
			a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		}
	}

	logger := logrus.WithField("component", "events")
	pub, err := queue.NewPublisher(cfg.EventsTransport, cfg.RabbitMQURL, a.Redis, logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("events: %w", err)
	}
	a.Publisher = pub
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })

	opts := []inventory.Option{
		inventory.WithTTL(cfg.ReservationTTL),
		inventory.WithPublisher(pub),
	}
	if c := cache.NewSnapshots(cfg.Cache, a.Redis); c != nil {
		opts = append(opts, inventory.WithSnapshotCache(c))
	}
	a.Manager = inventory.NewManager(a.Store, opts...)

	logrus.WithFields(logrus.Fields{
		"events":          cfg.EventsTransport,
		"redis":           a.Redis != nil,
		"reservation_ttl": cfg.ReservationTTL,
	}).Info("Inventory core ready")
	return a, nil
}

// Close runs the closers in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
