// accessd is the access control engine's API server. It terminates the
// HTTP surface, resolves effective access on each request and serves a
// separate health/metrics listener for orchestration probes.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/propwise/accessd/pkg/access"
	"github.com/propwise/accessd/pkg/api"
	"github.com/propwise/accessd/pkg/backfill"
	"github.com/propwise/accessd/pkg/cache"
	"github.com/propwise/accessd/pkg/config"
	"github.com/propwise/accessd/pkg/invitations"
	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/observability"
	"github.com/propwise/accessd/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("accessd: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"port":        cfg.Server.Port,
		"health_port": cfg.Server.HealthPort,
	}).Info("starting accessd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("initializing OpenTelemetry")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := observability.ShutdownOTel(shutdownCtx, otelProviders, logger); err != nil {
			logger.WithError(err).Warn("OpenTelemetry shutdown")
		}
	}()

	manager, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.ConnectTimeout,
	})
	if err != nil {
		logger.WithError(err).Error("connecting to postgres")
		os.Exit(1)
	}
	defer manager.Close()
	manager.StartHealthCheckRoutine(ctx, 30*time.Second)
	db := manager.Primary()

	migrations := membership.Migrations()
	migrations = append(migrations, access.Migrations()...)
	migrations = append(migrations, invitations.Migrations()...)
	if err := postgres.ApplyMigrations(ctx, db, migrations); err != nil {
		logger.WithError(err).Error("applying migrations")
		os.Exit(1)
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	var redisClient *redis.Client
	var decisionCache *cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.RedisURL != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Cache.RedisURL,
				Password: cfg.Cache.RedisPassword,
				DB:       cfg.Cache.RedisDB,
				PoolSize: cfg.Cache.RedisPoolSize,
			})
			if err := redisClient.Ping(ctx).Err(); err != nil {
				logger.WithError(err).Warn("redis unreachable, resolution cache stays in-process")
			}
		}
		decisionCache = cache.New(cache.Config{
			LocalSize: cfg.Cache.LocalSize,
			TTL:       cfg.Cache.TTL,
			Redis:     redisClient,
			Logger:    logger,
		})
		defer decisionCache.Close()
	}

	// The resolver reads through the unbound store; mutations go through
	// the authorized one. Binding the authorized store back to the resolver
	// would recurse on capability checks.
	base := membership.NewStore(db)
	directory := access.NewPostgresDirectory(db)
	resolverCfg := access.ResolverConfig{Logger: logger, Metrics: metrics}
	if decisionCache != nil {
		resolverCfg.Cache = decisionCache
	}
	resolver := access.NewResolver(base, directory, resolverCfg)

	store := base.WithAuthorizer(resolver)
	if decisionCache != nil {
		store = store.WithInvalidator(decisionCache)
	}

	invCfg := invitations.ManagerConfig{
		Authorizer: resolver,
		Sender:     &invitations.LogSender{Logger: logger},
		Logger:     logger,
		Metrics:    metrics,
	}
	if decisionCache != nil {
		invCfg.Invalidator = decisionCache
	}
	invManager := invitations.NewManager(db, invCfg)

	reconciler := backfill.NewReconciler(db, store, backfill.ReconcilerConfig{
		Logger:  logger,
		Metrics: metrics,
	})

	serverCfg := api.ServerConfig{
		Store:           store,
		Resolver:        resolver,
		Invitations:     invManager,
		Reconciler:      reconciler,
		Directory:       directory,
		Logger:          logger,
		Metrics:         metrics,
		PrincipalHeader: cfg.Server.PrincipalHeader,
	}
	if decisionCache != nil {
		serverCfg.Invalidator = decisionCache
	}
	server := api.NewServer(serverCfg)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", promhttp.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("api listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("api shutdown")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health shutdown")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server exited")
		os.Exit(1)
	}
	logger.Info("stopped")
}
