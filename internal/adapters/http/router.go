package http

import (
	"context"

	"github.com/dkeye/RoomScan/internal/adapters/signal"
	"github.com/dkeye/RoomScan/internal/app/orch"
	"github.com/dkeye/RoomScan/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(RequestLogger(log.Logger.With().Str("module", "adapters.http").Logger()))
	r.Use(gin.Recovery())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{orch: o, maxBytes: cfg.Upload.MaxBytes}
	ctrl := signal.NewSignalWSController(o, cfg.ReadLimit, cfg.SendBuffer)

	r.GET("/health", h.health)
	r.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.GET("/metrics", h.metrics)

	sessions := api.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("/:token", h.sessionInfo)
	sessions.POST("/:token/chunks/:chunkId", h.uploadChunk)
	sessions.GET("/:token/chunks/:chunkId", h.chunkFiles)
	sessions.POST("/:token/finalize", h.finalize)

	return r
}
