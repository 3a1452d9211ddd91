package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"didregistry/internal/hosttoken"
	"didregistry/internal/platform/config"
	"didregistry/internal/platform/httpserver"
	"didregistry/internal/platform/kafka"
	"didregistry/internal/platform/logger"
	"didregistry/internal/platform/postgres"
	"didregistry/internal/platform/redis"
	ratelimitmetrics "didregistry/internal/ratelimit/metrics"
	ratelimitmw "didregistry/internal/ratelimit/middleware"
	ratelimit "didregistry/internal/ratelimit/models"
	"didregistry/internal/ratelimit/store/bucket"
	"didregistry/internal/subject/cache"
	"didregistry/internal/subject/handler"
	"didregistry/internal/subject/metrics"
	"didregistry/internal/subject/service"
	"didregistry/internal/subject/store"
	"didregistry/pkg/platform/audit"
	"didregistry/pkg/platform/audit/publisher"
	kafkapublisher "didregistry/pkg/platform/audit/publishers/kafka"
	auditmemory "didregistry/pkg/platform/audit/store/memory"
	auditpostgres "didregistry/pkg/platform/audit/store/postgres"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file; defaults to $DIDREGISTRY_CONFIG",
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "store",
		Usage: "subject store backend: 'memory', 'pebble' or 'postgres'",
	},
	&cli.StringFlag{
		Name:  "pebble-path",
		Usage: "directory of the pebble store",
	},
	&cli.StringFlag{
		Name:  "postgres-dsn",
		Usage: "postgres connection string",
	},
	&cli.StringFlag{
		Name:  "redis-url",
		Usage: "redis URL for the document cache; empty disables caching",
	},
	&cli.StringSliceFlag{
		Name:  "kafka-brokers",
		Usage: "seed brokers for the audit topic; empty keeps audit events local",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "didregistry",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:   "didregistry",
		Usage:  "Serve the DID registry API",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cCtx *cli.Context) (config.Server, error) {
	var (
		cfg config.Server
		err error
	)
	if path := cCtx.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return config.Server{}, err
	}

	if cCtx.IsSet("listen-addr") {
		cfg.Addr = cCtx.String("listen-addr")
	}
	if cCtx.IsSet("metrics-addr") {
		cfg.MetricsAddr = cCtx.String("metrics-addr")
	}
	if cCtx.IsSet("store") {
		cfg.Store.Backend = cCtx.String("store")
	}
	if cCtx.IsSet("pebble-path") {
		cfg.Store.PebblePath = cCtx.String("pebble-path")
	}
	if cCtx.IsSet("postgres-dsn") {
		cfg.Store.PostgresDSN = cCtx.String("postgres-dsn")
	}
	if cCtx.IsSet("redis-url") {
		cfg.Redis.URL = cCtx.String("redis-url")
	}
	if cCtx.IsSet("kafka-brokers") {
		cfg.Kafka.Brokers = cCtx.StringSlice("kafka-brokers")
	}
	if cCtx.IsSet("log-json") {
		cfg.Log.JSON = cCtx.Bool("log-json")
	}
	if cCtx.IsSet("log-debug") {
		cfg.Log.Debug = cCtx.Bool("log-debug")
	}
	return cfg, cfg.Validate()
}

// closer releases one resource during shutdown.
type closer struct {
	name  string
	close func(context.Context) error
}

func run(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}

	log := logger.New(logger.Opts{
		Debug:   cfg.Log.Debug,
		JSON:    cfg.Log.JSON,
		Service: cCtx.String("log-service"),
		Version: logger.Version,
	})
	if cCtx.Bool("log-uid") {
		log = log.With("uid", uuid.Must(uuid.NewRandom()).String())
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		closers []closer
		drain   func(context.Context) error
		checks  = map[string]func(context.Context) error{}
	)
	defer func() {
		shutdown(log, drain, closers)
	}()

	var db *sql.DB
	if cfg.Store.Backend == config.BackendPostgres {
		log.Info("Connecting to postgres")
		db, err = postgres.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			log.Error("Failed to open postgres", "err", err)
			return err
		}
		closers = append(closers, closer{"postgres", func(context.Context) error { return db.Close() }})
		checks["postgres"] = db.PingContext
	}

	subjects, err := openStore(ctx, cfg.Store, db, log, &closers)
	if err != nil {
		return err
	}

	sink, err := openAuditSink(ctx, cfg, db, log, &closers)
	if err != nil {
		return err
	}
	auditPublisher := publisher.NewBuffered(sink, publisher.WithLogger(log))
	drain = auditPublisher.Close

	opts := []service.Option{
		service.WithLogger(log),
		service.WithAuditPublisher(auditPublisher),
		service.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	}

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		log.Error("Failed to connect to redis", "err", err)
		return err
	}
	if redisClient != nil {
		log.Info("Document cache enabled", "ttl", cfg.Redis.DocumentTTL)
		closers = append(closers, closer{"redis", func(context.Context) error { return redisClient.Close() }})
		checks["redis"] = redisClient.Health
		opts = append(opts, service.WithDocumentCache(cache.NewRedis(redisClient.Client, cfg.Redis.DocumentTTL)))
	}

	subjectService := service.New(subjects, opts...)
	tokens := hosttoken.NewService(cfg.HostToken.Secret, cfg.HostToken.Issuer, cfg.HostToken.Audience)

	var handlerOpts []handler.Option
	if cfg.RateLimit.Enabled {
		handlerOpts = append(handlerOpts, handler.WithRateLimiter(newRateLimiter(cfg.RateLimit, redisClient, log)))
	}

	router := chi.NewRouter()
	handler.New(subjectService, tokens, log, handlerOpts...).Register(router)

	server := httpserver.New(&httpserver.Config{
		ListenAddr:               cfg.Addr,
		MetricsAddr:              cfg.MetricsAddr,
		Log:                      log,
		EnablePprof:              cCtx.Bool("pprof"),
		DrainDuration:            time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
		ReadinessChecks:          checks,
	}, router)

	log.Info("Starting didregistry", "store", cfg.Store.Backend, "audit_brokers", len(cfg.Kafka.Brokers))
	server.RunInBackground()

	<-ctx.Done()
	log.Info("Shutdown signal received")
	server.Shutdown()
	return nil
}

func openStore(ctx context.Context, cfg config.Store, db *sql.DB, log *slog.Logger, closers *[]closer) (service.Store, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		log.Info("Opening pebble store", "path", cfg.PebblePath)
		p, err := store.NewPebble(cfg.PebblePath)
		if err != nil {
			log.Error("Failed to open pebble store", "err", err)
			return nil, err
		}
		*closers = append(*closers, closer{"pebble", func(context.Context) error { return p.Close() }})
		return p, nil
	case config.BackendPostgres:
		p := store.NewPostgres(db)
		if err := p.Migrate(ctx); err != nil {
			log.Error("Failed to migrate subject schema", "err", err)
			return nil, err
		}
		return p, nil
	case config.BackendMemory:
		log.Warn("Using in-memory subject store, state is lost on restart")
		return store.NewInMemory(), nil
	default:
		return nil, fmt.Errorf("invalid store backend: %s", cfg.Backend)
	}
}

// newRateLimiter shares windows through redis when it is configured and
// falls back to per-process windows while redis is failing.
func newRateLimiter(cfg config.RateLimit, redisClient *redis.Client, log *slog.Logger) *ratelimitmw.Middleware {
	limits := map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassRead:  {RequestsPerWindow: cfg.ReadLimit, Window: cfg.Window},
		ratelimit.ClassWrite: {RequestsPerWindow: cfg.WriteLimit, Window: cfg.Window},
	}
	m := ratelimitmetrics.New(prometheus.DefaultRegisterer)
	if redisClient == nil {
		log.Info("Rate limiting with in-memory windows")
		return ratelimitmw.New(bucket.New(), limits, log, ratelimitmw.WithMetrics(m))
	}
	log.Info("Rate limiting with redis windows")
	return ratelimitmw.New(bucket.NewRedis(redisClient.Client), limits, log,
		ratelimitmw.WithFallback(bucket.New()),
		ratelimitmw.WithMetrics(m),
	)
}

// openAuditSink prefers kafka, then the postgres event table, then memory.
func openAuditSink(ctx context.Context, cfg config.Server, db *sql.DB, log *slog.Logger, closers *[]closer) (audit.Sink, error) {
	if len(cfg.Kafka.Brokers) > 0 {
		client, err := kafka.NewClient(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			log.Error("Failed to create kafka client", "err", err)
			return nil, err
		}
		*closers = append(*closers, closer{"kafka", func(context.Context) error {
			client.Close()
			return nil
		}})
		if err := kafka.EnsureTopic(ctx, client, cfg.Kafka.Topic, 3, 1); err != nil {
			log.Error("Failed to ensure audit topic", "topic", cfg.Kafka.Topic, "err", err)
			return nil, err
		}
		log.Info("Publishing audit events to kafka", "topic", cfg.Kafka.Topic)
		return kafkapublisher.New(client, cfg.Kafka.Topic), nil
	}
	if db != nil {
		s := auditpostgres.New(db)
		if err := s.Migrate(ctx); err != nil {
			log.Error("Failed to migrate audit schema", "err", err)
			return nil, err
		}
		log.Info("Recording audit events in postgres")
		return s, nil
	}
	log.Info("Recording audit events in memory")
	return auditmemory.NewInMemoryStore(), nil
}

// shutdown flushes queued audit events and then releases the backends.
func shutdown(log *slog.Logger, drain func(context.Context) error, closers []closer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if drain != nil {
		if err := drain(ctx); err != nil {
			log.Error("Failed to flush audit events", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range closers {
		g.Go(func() error {
			if err := c.close(gctx); err != nil {
				log.Error("Failed to close resource", "resource", c.name, "err", err)
				return fmt.Errorf("%s: %w", c.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("Shutdown finished with errors", "err", err)
		return
	}
	log.Info("Shutdown complete")
}
