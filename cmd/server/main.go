package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelar/sfu-signaling/internal/adapters/bus"
	"github.com/avelar/sfu-signaling/internal/adapters/engine"
	router "github.com/avelar/sfu-signaling/internal/adapters/http"
	"github.com/avelar/sfu-signaling/internal/app"
	"github.com/avelar/sfu-signaling/internal/config"
	"github.com/avelar/sfu-signaling/internal/sdp"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	busConn, err := bus.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer busConn.Close()

	engineConn, err := engine.Dial(ctx, cfg.EngineURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to media engine")
	}
	defer engineConn.Close()

	registry := prometheus.NewRegistry()
	load := sdp.NewHostLoad(registry)

	audioMgr := app.NewAudioManager(engineConn, busConn, cfg, load)
	screenshareMgr := app.NewScreenshareManager(engineConn, busConn, cfg, load)

	if err := busConn.Subscribe(ctx, cfg.AudioChannelIn, func(data []byte) {
		audioMgr.HandleMessage(ctx, data)
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe audio channel")
	}
	if err := busConn.Subscribe(ctx, cfg.ScreenshareChannelIn, func(data []byte) {
		screenshareMgr.HandleMessage(ctx, data)
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe screenshare channel")
	}

	r := router.SetupRouter(cfg, registry, audioMgr, screenshareMgr)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("SFU signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
