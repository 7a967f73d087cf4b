package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/maintgate/internal/admin"
	"github.com/alfredjeanlab/maintgate/internal/config"
	"github.com/alfredjeanlab/maintgate/internal/events"
	"github.com/alfredjeanlab/maintgate/internal/gate"
	"github.com/alfredjeanlab/maintgate/internal/gatecache"
	"github.com/alfredjeanlab/maintgate/internal/metrics"
	"github.com/alfredjeanlab/maintgate/internal/model"
	"github.com/alfredjeanlab/maintgate/internal/server"
	"github.com/alfredjeanlab/maintgate/internal/store"
	"github.com/alfredjeanlab/maintgate/internal/store/memory"
	"github.com/alfredjeanlab/maintgate/internal/store/postgres"
	mgsync "github.com/alfredjeanlab/maintgate/internal/sync"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	adminPrefix       = "/maintenance"
)

var serveCmd = &cobra.Command{
	Use:               "serve",
	Short:             "Run the maintenance gate in front of an application",
	GroupID:           "system",
	Args:              cobra.NoArgs,
	PersistentPreRunE: skipClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		inMemory, _ := cmd.Flags().GetBool("in-memory")

		cfg, err := config.Load(!inMemory)
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, inMemory, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, inMemory bool, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg, inMemory, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}
	}()

	m := metrics.New()
	hub := server.NewStateHub()
	cache := gatecache.New(st, gatecache.Options{
		TTL:          cfg.CacheTTL,
		StoreTimeout: cfg.StoreTimeout,
		RetryBackoff: cfg.RetryBackoff,
		FailPolicy:   cfg.FailPolicy,
		Logger:       logger,
		Metrics:      m,
		// Changes found on TTL expiry reach stream clients too.
		OnChange: func(cur *model.MaintenanceState) { hub.Broadcast(cur) },
	})
	propagator := server.Propagator{Cache: cache, Hub: hub}

	warnLocalBus(cfg, inMemory, logger)
	bus, err := openBus(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error("error closing bus", "err", err)
		}
	}()

	limits := model.Limits{MaxMessageLength: cfg.MaxMessageLength, MaxDataBytes: cfg.MaxDataBytes}
	mutator := admin.New(st, admin.Options{
		Limits:      limits,
		MaxAttempts: cfg.MaxAttempts,
		Invalidator: propagator,
		Publisher:   bus,
		Logger:      logger,
		Metrics:     m,
	})

	g := gate.New(cache, gate.Options{
		BypassPrefixes: bypassPrefixes(cfg.BypassPrefixes),
		RetryAfter:     cfg.RetryAfter,
		Metrics:        m,
	})

	var upstream http.Handler
	if cfg.UpstreamURL != "" {
		if upstream, err = server.NewUpstreamProxy(cfg.UpstreamURL, logger); err != nil {
			return err
		}
		logger.Info("proxying to upstream", "url", cfg.UpstreamURL)
	} else {
		logger.Warn("no upstream configured (MAINTGATE_UPSTREAM_URL); non-admin paths answer 404")
	}

	srv := server.New(server.Config{
		Store:    st,
		Cache:    cache,
		Mutator:  mutator,
		Gate:     g,
		Hub:      hub,
		Metrics:  m,
		Upstream: upstream,
		Limits:   limits,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	cur := cache.Read(ctx)
	logger.Info("maintenance state loaded", "enabled", cur.Enabled, "revision", cur.Revision)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")
		return nil
	})
	eg.Go(func() error {
		err := bus.Subscribe(ctx, func(st *model.MaintenanceState) { propagator.Invalidate(st) })
		if err != nil {
			// The cache still converges on its TTL.
			logger.Error("invalidation bus stopped", "err", err)
		}
		return nil
	})

	if scheduler := newScheduler(ctx, cfg, st, logger); scheduler != nil {
		eg.Go(func() error { return scheduler.Run(ctx) })
		logger.Info("sync scheduler started", "interval", cfg.SyncInterval)
	}

	err = eg.Wait()
	logger.Info("shutdown complete")
	return err
}

func openStore(ctx context.Context, cfg *config.Config, inMemory bool, logger *slog.Logger) (store.Store, error) {
	var st store.Store
	if inMemory {
		st = memory.New()
		logger.Warn("using in-memory store; state is per process and lost on exit")
	} else {
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = pg
	}
	if err := st.Bootstrap(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("bootstrap state: %w", err)
	}
	return st, nil
}

// warnLocalBus flags a shared store paired with the in-process bus: other
// processes on the same database only see changes when their cache expires.
func warnLocalBus(cfg *config.Config, inMemory bool, logger *slog.Logger) {
	if cfg.Bus != config.BusLocal || inMemory {
		return
	}
	logger.Warn("invalidation bus is process-local; other processes sharing the database pick up changes only on cache expiry (set MAINTGATE_NATS_URL or MAINTGATE_REDIS_URL)",
		"cache_ttl", cfg.CacheTTL)
}

// openBus connects the configured transport. Publisher and subscriber use
// separate connections.
func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*events.InvalidationBus, error) {
	var (
		pub events.Publisher
		sub events.Subscriber
	)
	switch cfg.Bus {
	case config.BusNATS:
		p, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		s, err := events.NewNATSSubscriber(cfg.NATSURL,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats: disconnected", "err", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				logger.Info("nats: reconnected")
			}),
		)
		if err != nil {
			p.Close()
			return nil, err
		}
		pub, sub = p, s
	case config.BusRedis:
		pc, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		sc, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			pc.Close()
			return nil, err
		}
		pub, sub = events.NewRedisPublisher(pc), events.NewRedisSubscriber(sc)
	case config.BusLocal:
		lb := events.NewLocalBus()
		pub, sub = lb, lb
	case config.BusNone:
		pub = &events.NoopPublisher{}
	}

	bus, err := events.NewInvalidationBus(pub, sub, events.BusOptions{
		Topic:   cfg.BusTopic,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("invalidation bus", "transport", cfg.Bus, "topic", bus.Topic(), "origin", bus.Origin())
	return bus, nil
}

// bypassPrefixes always lets the admin surface through the gate so that
// maintenance can be turned off while it is on.
func bypassPrefixes(configured []string) []string {
	prefixes := gate.NormalizePrefixes(configured)
	if !slices.Contains(prefixes, adminPrefix) {
		prefixes = append(prefixes, adminPrefix)
	}
	return prefixes
}

func newScheduler(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) *mgsync.Scheduler {
	if cfg.SyncInterval <= 0 {
		return nil
	}
	var dests []mgsync.Destination
	if cfg.SyncS3Bucket != "" {
		d, err := mgsync.NewS3Destination(ctx, cfg.SyncS3Bucket, cfg.SyncS3Key, cfg.SyncS3Region, cfg.SyncS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 sync destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("sync S3 destination enabled", "destination", d.Name())
		}
	}
	if cfg.SyncGitRepo != "" {
		d := mgsync.NewGitDestination(cfg.SyncGitRepo, cfg.SyncGitFile, cfg.SyncGitBranch)
		dests = append(dests, d)
		logger.Info("sync git destination enabled", "destination", d.Name())
	}
	if len(dests) == 0 {
		return nil
	}
	return mgsync.NewScheduler(st, dests, cfg.SyncInterval, 0, logger)
}

func init() {
	serveCmd.Flags().Bool("in-memory", false, "keep state in process memory instead of Postgres (single instance only)")
}
