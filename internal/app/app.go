// Package app builds the long-lived services from configuration and acts as the
// dependency container for the cobra commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/claim"
	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/explorer"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/links"
	"github.com/JakeFAU/catalog-crawler/internal/parse"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	kafkapub "github.com/JakeFAU/catalog-crawler/internal/publisher/kafka"
	"github.com/JakeFAU/catalog-crawler/internal/scanner"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/catalog-crawler/internal/storage/redis"
)

// Roles selects which runners the process hosts.
type Roles struct {
	Explorer bool
	Scanners bool
}

// Connectors open external clients. Tests swap them for in-process doubles.
type Connectors struct {
	Redis    func(ctx context.Context, cfg redisstore.Config) (redis.UniversalClient, error)
	Postgres func(ctx context.Context, cfg postgres.Config) (*pgxpool.Pool, error)
	Kafka    func(cfg kafkapub.Config) (*kafkapub.Publisher, error)
}

// DefaultConnectors dial real services.
func DefaultConnectors() Connectors {
	return Connectors{
		Redis: func(ctx context.Context, cfg redisstore.Config) (redis.UniversalClient, error) {
			return redisstore.Connect(ctx, cfg)
		},
		Postgres: postgres.Connect,
		Kafka:    kafkapub.New,
	}
}

// App holds the shared services and the runners built from them.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     *system.Clock
	canon     *links.Canonicalizer
	fetcher   crawler.Fetcher
	redis     redis.UniversalClient
	pool      *pgxpool.Pool
	publisher *kafkapub.Publisher
	frontier  crawler.Frontier
	leases    crawler.LeaseStore
	runners   []dispatcher.Runner
	checks    map[string]api.Pinger
}

// New initializes every service the requested roles need. It fails fast when a
// required dependency cannot be reached, closing whatever was already opened.
func New(ctx context.Context, cfg config.Config, roles Roles, conn Connectors, logger *zap.Logger) (*App, error) {
	if !roles.Explorer && !roles.Scanners {
		return nil, errors.New("app: no roles selected")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	instance, err := uuid.NewUUIDGenerator().InstanceID(roleName(roles))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:    cfg,
		logger: logger.With(zap.String("instance", instance)),
		clock:  system.New(),
		checks: map[string]api.Pinger{},
	}
	if err := a.init(ctx, roles, conn); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, roles Roles, conn Connectors) error {
	canon, err := a.cfg.Canonicalizer()
	if err != nil {
		return err
	}
	a.canon = canon

	if err := a.initStores(ctx, roles, conn); err != nil {
		return err
	}

	a.fetcher = ratelimit.Wrap(
		collyfetcher.New(collyfetcher.Config{
			UserAgent: a.cfg.HTTP.UserAgent,
			Timeout:   a.cfg.HTTP.Timeout,
		}, a.logger),
		ratelimit.New(ratelimit.Config{
			RequestsPerSecond: a.cfg.HTTP.RequestsPerSecond,
			Burst:             a.cfg.HTTP.Burst,
		}),
	)

	if roles.Explorer {
		if err := a.initExplorer(); err != nil {
			return err
		}
	}
	if roles.Scanners {
		if err := a.initScanners(); err != nil {
			return err
		}
	}
	if a.cfg.Server.Port > 0 {
		a.runners = append(a.runners, api.NewServer(api.Config{
			Port:            a.cfg.Server.Port,
			ShutdownTimeout: a.cfg.Crawler.ShutdownTimeout,
		}, a.checks, a.logger))
	}
	return nil
}

func (a *App) initStores(ctx context.Context, roles Roles, conn Connectors) error {
	switch a.cfg.Frontier.Backend {
	case config.BackendRedis:
		a.logger.Info("connecting to redis", zap.String("addr", a.cfg.Redis.Addr))
		client, err := conn.Redis(ctx, redisstore.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		a.redis = client
		a.checks["redis"] = api.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		f, err := redisstore.NewFrontier(client, a.clock, redisstore.FrontierConfig{
			KeyPrefix: a.cfg.Redis.KeyPrefix,
			LeaseTTL:  a.cfg.Crawler.ReservationTTL,
			Retention: a.cfg.Crawler.ExploredRetention,
		})
		if err != nil {
			return fmt.Errorf("init redis frontier: %w", err)
		}
		a.frontier = f
		a.leases = redisstore.NewLeaseStore(client)
	case config.BackendMemory:
		a.logger.Info("using in-memory frontier; state is not shared between processes")
		a.frontier = memory.NewFrontier(a.clock, a.cfg.Crawler.ReservationTTL, a.cfg.Crawler.ExploredRetention)
		a.leases = memory.NewLeaseStore(a.clock)
	default:
		return fmt.Errorf("unknown frontier backend %q", a.cfg.Frontier.Backend)
	}

	if a.cfg.Postgres.DSN != "" {
		a.logger.Info("connecting to postgres")
		pool, err := conn.Postgres(ctx, poolConfig(a.cfg.Postgres))
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		a.pool = pool
		a.checks["postgres"] = pool
	} else if roles.Scanners {
		return errors.New("postgres.dsn is required for scanners")
	}

	if len(a.cfg.Kafka.Brokers) > 0 {
		pub, err := conn.Kafka(kafkapub.Config{
			Brokers:       a.cfg.Kafka.Brokers,
			EntitiesTopic: a.cfg.Kafka.EntitiesTopic,
			PagesTopic:    a.cfg.Kafka.PagesTopic,
		})
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		a.publisher = pub
	}
	return nil
}

func (a *App) initExplorer() error {
	parser, err := parse.New(a.canon, a.logger)
	if err != nil {
		return fmt.Errorf("init parser: %w", err)
	}

	var registrar crawler.Registrar = logRegistrar{logger: a.logger.Named("registrar")}
	if a.pool != nil {
		var events postgres.EntityEvents
		if a.publisher != nil {
			events = a.publisher
		}
		reg, err := postgres.NewRegistry(a.pool, postgres.DefaultTables, events, a.logger)
		if err != nil {
			return fmt.Errorf("init registry: %w", err)
		}
		registrar = reg
	} else {
		a.logger.Warn("postgres.dsn not set; discovered entities are only logged")
	}

	seeds, err := a.cfg.CanonicalSeeds()
	if err != nil {
		return err
	}
	exp, err := explorer.New(a.frontier, a.fetcher, parser, registrar, a.clock, explorer.Config{
		Seeds:            seeds,
		PrefetchDepth:    a.cfg.Crawler.PrefetchDepth,
		RateLimitBackoff: a.cfg.Crawler.RateLimitBackoff,
		ErrorBackoff:     a.cfg.Crawler.ErrorBackoff,
		MidnightSkew:     a.cfg.Crawler.MidnightSkew,
		ShutdownTimeout:  a.cfg.Crawler.ShutdownTimeout,
		LogIgnored:       a.cfg.Crawler.LogIgnored,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init explorer: %w", err)
	}
	a.runners = append(a.runners, exp)
	return nil
}

func (a *App) initScanners() error {
	if len(a.cfg.Scanner.Workers) == 0 {
		return errors.New("scanner.workers is empty")
	}
	var pages crawler.PagePublisher
	if a.publisher != nil {
		pages = a.publisher
	}
	for _, name := range a.cfg.Scanner.Workers {
		kind, err := scanner.LookupKind(name)
		if err != nil {
			return err
		}
		backlog, err := postgres.NewBacklog(a.pool, kind.Table, kind.Column)
		if err != nil {
			return fmt.Errorf("init %s backlog: %w", name, err)
		}
		claimer, err := claim.New(backlog, a.leases, a.clock, claim.Config{
			Worker:    kind.Name,
			KeyPrefix: a.cfg.Redis.KeyPrefix,
			BatchSize: a.cfg.Scanner.BatchSize,
			LeaseTTL:  a.cfg.Scanner.LeaseTTL,
			Direction: crawler.SortDirection(a.cfg.Scanner.Direction),
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init %s claimer: %w", name, err)
		}
		proc, err := scanner.NewPageProcessor(kind, a.canon, a.fetcher, pages, backlog, a.clock, a.logger)
		if err != nil {
			return fmt.Errorf("init %s processor: %w", name, err)
		}
		sc, err := scanner.New(kind.Name, claimer, proc, a.clock, scanner.Config{
			Parallelism:      a.cfg.Scanner.Parallelism,
			IdleDelay:        a.cfg.Scanner.IdleDelay,
			ErrorBackoff:     a.cfg.Scanner.ErrorBackoff,
			RateLimitBackoff: a.cfg.Scanner.RateLimitBackoff,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init %s: %w", name, err)
		}
		a.runners = append(a.runners, sc)
	}
	return nil
}

// Logger returns the instance-scoped logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Runners lists everything Run will start, in start order.
func (a *App) Runners() []dispatcher.Runner {
	return a.runners
}

// Run blocks until ctx is cancelled or a runner fails.
func (a *App) Run(ctx context.Context) error {
	return dispatcher.New(a.runners, a.logger).Run(ctx)
}

// Migrate applies the entity schema. It opens only the Postgres pool.
func Migrate(ctx context.Context, cfg config.Config, conn Connectors, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required to migrate")
	}
	logger.Info("connecting to postgres")
	pool, err := conn.Postgres(ctx, poolConfig(cfg.Postgres))
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.ApplySchema(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema applied")
	return nil
}

func poolConfig(cfg config.PostgresConfig) postgres.Config {
	return postgres.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	}
}

// Close releases every client the App opened.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("error closing kafka writers", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("error closing redis client", zap.Error(err))
		}
	}
}

func roleName(r Roles) string {
	switch {
	case r.Explorer && r.Scanners:
		return "crawler"
	case r.Explorer:
		return "explorer"
	default:
		return "scanner"
	}
}

// logRegistrar stands in for the registry when no database is configured.
type logRegistrar struct {
	logger *zap.Logger
}

func (r logRegistrar) RegisterUnknown(_ context.Context, kind crawler.EntityKind, ids []int64) (int, error) {
	r.logger.Info("entities discovered", zap.String("kind", string(kind)), zap.Int64s("ids", ids))
	return 0, nil
}
