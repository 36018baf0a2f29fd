package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/RoomScan/internal/adapters/http"
	"github.com/dkeye/RoomScan/internal/adapters/reconstruct"
	rediswindow "github.com/dkeye/RoomScan/internal/adapters/redis"
	"github.com/dkeye/RoomScan/internal/adapters/storage"
	"github.com/dkeye/RoomScan/internal/app"
	"github.com/dkeye/RoomScan/internal/app/orch"
	"github.com/dkeye/RoomScan/internal/config"
	"github.com/dkeye/RoomScan/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	m := metrics.New()

	var windows app.WindowStore = app.NewMemoryWindowStore()
	if cfg.RateLimit.Backend == "redis" {
		client := rediswindow.NewClient(cfg.Redis.Addr)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
		}
		ws, err := rediswindow.NewWindowStore(client, "")
		if err != nil {
			log.Fatal().Err(err).Msg("redis window store")
		}
		windows = ws
		log.Info().Str("addr", cfg.Redis.Addr).Msg("rate limit windows in redis")
	}

	o := &orch.Orchestrator{
		Registry:     app.NewRegistry(app.ParsePolicy(cfg.SlowViewerPolicy), m),
		Limiter:      app.NewChunkLimiter(windows, cfg.Upload.Limit, cfg.Upload.Window),
		Store:        storage.NewOsChunkStore(cfg.DataDir),
		Recon:        reconstruct.New(cfg.Reconstruct.URL, cfg.Reconstruct.Timeout),
		Metrics:      m,
		ReconTimeout: cfg.Reconstruct.Timeout,
	}
	o.Monitor = app.NewMonitor(app.LivenessConfig{
		Tick:        cfg.Liveness.Tick,
		Grace:       cfg.Liveness.Grace,
		PongTimeout: cfg.Liveness.PongTimeout,
	}, m, o.Evict)

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("RoomScan relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return o.Monitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		o.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
