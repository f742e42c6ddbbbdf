package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/astromechza/automerge-relay/pkg/config"
	"github.com/astromechza/automerge-relay/pkg/docstore"
	"github.com/astromechza/automerge-relay/pkg/fanout"
	"github.com/astromechza/automerge-relay/pkg/gatekeeper"
	"github.com/astromechza/automerge-relay/pkg/metrics"
	"github.com/astromechza/automerge-relay/pkg/persistence"
	"github.com/astromechza/automerge-relay/pkg/server"
	"github.com/astromechza/automerge-relay/pkg/session"
)

const badgerGCInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration relay",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func sessionConfig(c *config.Config) session.Config {
	return session.Config{
		SendQueue:        c.Session.SendQueue,
		MaxMessageBytes:  c.Session.MaxMessageBytes,
		PingInterval:     c.Session.PingInterval,
		IdleTimeout:      c.Session.IdleTimeout,
		WriteTimeout:     c.Session.WriteTimeout,
		RateLimit:        rate.Limit(c.Session.RateLimit),
		RateBurst:        c.Session.RateBurst,
		AwarenessTimeout: c.Session.AwarenessTimeout,
		SweepInterval:    c.Session.SweepInterval,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := cfg.Logger(os.Stderr)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	log.Info("opening store", "driver", cfg.Store.Driver)
	store, badgerStore, err := openStore(ctx, cfg.Store.Driver, cfg.Store.DSN, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close store", "err", err)
		}
	}()

	adapter := persistence.New(store,
		persistence.WithLogger(log),
		persistence.WithMetrics(m),
		persistence.WithSnapshotEvery(cfg.Persistence.SnapshotEvery),
		persistence.WithReplayOverlap(cfg.Persistence.ReplayOverlap),
		persistence.WithPrune(cfg.Persistence.Prune),
	)
	registry := docstore.NewRegistry(
		docstore.WithLoader(adapter),
		docstore.WithLogger(log),
		docstore.WithContext(ctx),
		docstore.WithMetrics(m),
	)
	sessions := session.NewManager(registry,
		session.WithConfig(sessionConfig(cfg)),
		session.WithStateWriter(adapter),
		session.WithLogger(log),
		session.WithMetrics(m),
	)

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	var verifier gatekeeper.Verifier = gatekeeper.NewJWTVerifier(cfg.Auth.Secret)
	if cfg.Auth.RequireSession {
		verifier = gatekeeper.NewSessionVerifier(verifier, rdb)
	}

	var bridge *fanout.Bridge
	if cfg.Fanout.Enabled {
		bridge = fanout.NewBridge(fanout.NewRedisBus(rdb, log), registry, fanout.WithLogger(log), fanout.WithMetrics(m))
		registry.OnCreate(bridge.Attach)
		log.Info("fanout enabled", "instance", bridge.Instance())
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(registry, sessions, gatekeeper.New(verifier, log, m), reg, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	if cfg.Persistence.CheckpointInterval > 0 {
		eg.Go(func() error {
			adapter.RunCheckpointer(egCtx, registry, cfg.Persistence.CheckpointInterval)
			return nil
		})
	}
	eg.Go(func() error {
		sessions.RunAwarenessSweep(egCtx)
		return nil
	})
	if badgerStore != nil {
		eg.Go(func() error {
			badgerStore.RunGC(egCtx, badgerGCInterval)
			return nil
		})
	}
	if bridge != nil {
		eg.Go(func() error {
			return bridge.Run(egCtx)
		})
	}

	eg.Go(func() error {
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(exit)
		select {
		case sig := <-exit:
			log.Info("signal caught", "sig", sig)
		case <-egCtx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown http server", "err", err)
		}
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to drain sessions", "err", err)
		}
		// anything still held had no connection to trigger a final write
		adapter.Checkpoint(shutdownCtx, registry.Replicas())
		cancel()
		return nil
	})

	return eg.Wait()
}
