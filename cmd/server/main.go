// Command server runs the region geometry computation service: per-region
// merged-boundary builds, whole-hierarchy batches with progress tracking,
// cache invalidation, and the enclosing-shape (hull) workflow.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/uncovering-world/track-your-regions/internal/geombuild"
	"github.com/uncovering-world/track-your-regions/internal/geombuild/events"
	geomhandler "github.com/uncovering-world/track-your-regions/internal/geombuild/handler"
	"github.com/uncovering-world/track-your-regions/internal/geombuild/progress"
	"github.com/uncovering-world/track-your-regions/internal/geomengine"
	"github.com/uncovering-world/track-your-regions/internal/hull"
	hullhandler "github.com/uncovering-world/track-your-regions/internal/hull/handler"
	"github.com/uncovering-world/track-your-regions/internal/platform/config"
	"github.com/uncovering-world/track-your-regions/internal/platform/httpserver"
	"github.com/uncovering-world/track-your-regions/internal/platform/logger"
	"github.com/uncovering-world/track-your-regions/internal/platform/metrics"
	"github.com/uncovering-world/track-your-regions/internal/platform/postgres"
	"github.com/uncovering-world/track-your-regions/internal/platform/redis"
	"github.com/uncovering-world/track-your-regions/internal/region"
	regionhandler "github.com/uncovering-world/track-your-regions/internal/region/handler"
	httptransport "github.com/uncovering-world/track-your-regions/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := region.NewPostgresStore(pool)

	// Progress state lives in redis when configured so cancel requests
	// reach batches running in another replica.
	var progressStore progress.Store
	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		progressStore = progress.NewRedisStore(redisClient.Client)
		log.Info("progress store backed by redis")
	} else {
		progressStore = progress.NewMemoryStore()
		log.Info("progress store in process memory")
	}

	publisher, err := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	m := metrics.New()
	engine := geomengine.NewGEOSEngine()

	hullSvc, err := hull.NewService(store, engine,
		hull.WithLogger(log),
		hull.WithMetrics(m),
		hull.WithEvents(publisher),
	)
	if err != nil {
		return err
	}

	builder, err := geombuild.NewBuilder(store, engine,
		geombuild.WithLogger(log),
		geombuild.WithMetrics(m),
		geombuild.WithTimeout(cfg.Build.Timeout),
		geombuild.WithHullRegenerator(hullSvc),
		geombuild.WithEvents(publisher),
	)
	if err != nil {
		return err
	}

	invalidator, err := geombuild.NewInvalidator(store,
		geombuild.WithInvalidatorLogger(log),
		geombuild.WithInvalidatorMetrics(m),
		geombuild.WithInvalidatorEvents(publisher),
	)
	if err != nil {
		return err
	}

	batches, err := geombuild.NewBatchDriver(store, builder, progressStore,
		geombuild.WithBatchLogger(log),
		geombuild.WithBatchMetrics(m),
		geombuild.WithBatchEvents(publisher),
		geombuild.WithTerminalTTL(cfg.Build.ProgressTTL),
	)
	if err != nil {
		return err
	}

	checks := []httptransport.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
	}
	if redisClient != nil {
		checks = append(checks, httptransport.HealthCheck{Name: "redis", Check: redisClient.Health})
	}

	router := httptransport.NewRouter(log,
		[]httptransport.Registrar{
			regionhandler.New(store, log),
			hullhandler.New(hullSvc, log),
		},
		[]httptransport.Registrar{
			geomhandler.New(builder, batches, invalidator, store, log),
		},
		checks...,
	)

	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
