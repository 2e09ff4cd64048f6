// Command stormstack runs one engine process: a single execution container
// behind the WebSocket transport, with Prometheus metrics and an optional
// Redis-backed snapshot history sink.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/stormstack/engine/internal/config"
	"github.com/stormstack/engine/internal/container"
	"github.com/stormstack/engine/internal/history"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/logging"
	"github.com/stormstack/engine/internal/metrics"
	"github.com/stormstack/engine/internal/sandbox"
	"github.com/stormstack/engine/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		logging.NewDefault().WithError(err).Fatal("engine exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	rec := metrics.NewRecorder(nil)

	c := container.New(container.Config{
		ID:                 ids.ContainerId("default"),
		Tenant:             ids.TenantId("default"),
		Cadence:            cfg.Container.Cadence,
		MaxConcurrentTicks: cfg.Container.MaxConcurrentTicks,
		CommandQueueLimit:  cfg.Container.CommandQueueLimit,
		SandboxLimits: sandbox.NewLimits(
			cfg.Sandbox.FuelLimit,
			cfg.Sandbox.MemoryLimit,
			cfg.Sandbox.WallDeadline,
			cfg.Sandbox.MaxCallDepth,
		),
		FailureBudget:  cfg.Sandbox.FailureBudget,
		RetentionTicks: uint64(cfg.Snapshot.RetentionTicks),
		OnTerminal: func(matchID ids.MatchId, reason string) {
			log.WithComponent("container").
				WithField("match", matchID).
				WithField("reason", reason).
				Info("match reached terminal state")
		},
	}, log.WithComponent("container"), rec)

	var sink history.Sink = history.NewMemory(cfg.Snapshot.RetentionTicks)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return err
		}
		sink = history.NewRedis(client, 0)
		log.WithComponent("history").WithField("addr", cfg.Redis.Addr).Info("redis history sink enabled")
	}

	// Snapshot history is pumped off the tick path on its own schedule.
	hk := cron.New()
	_, _ = hk.AddFunc("@every 5s", func() {
		for _, id := range c.Matches() {
			snap, err := c.Snapshot(id)
			if err != nil {
				continue
			}
			if err := sink.Put(id, snap.Tick, snap); err != nil {
				log.WithComponent("history").WithError(err).Warn("snapshot history write failed")
			}
		}
	})
	hk.Start()
	defer hk.Stop()

	if err := c.StartAuto(cfg.Container.Cadence); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", ws.NewServer(c, log.WithComponent("transport")).Handler())
	srv := &http.Server{Addr: cfg.Transport.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.WithComponent("transport").WithField("addr", cfg.Transport.ListenAddr).Info("engine listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		c.Shutdown("container-fault")
		return err
	case sig := <-sigCh:
		log.WithComponent("container").WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	c.Shutdown("container-shutdown")
	return nil
}
