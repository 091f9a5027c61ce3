package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/avelar/sfu-signaling/internal/app"
	"github.com/avelar/sfu-signaling/internal/config"
)

// RoomLister is any manager that can snapshot its sessions.
type RoomLister interface {
	Snapshot() []app.RoomInfo
}

// SetupRouter builds the ops surface: health, session snapshots and
// prometheus metrics. Signaling itself rides the message bus, not HTTP.
func SetupRouter(cfg *config.Config, gatherer prometheus.Gatherer, audio, screenshare RoomLister) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"audio":       audio.Snapshot(),
			"screenshare": screenshare.Snapshot(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
