package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/crazydw4rf/smart-aquarium/internal/bridge"
	"github.com/crazydw4rf/smart-aquarium/internal/broadcast"
	"github.com/crazydw4rf/smart-aquarium/internal/config"
	"github.com/crazydw4rf/smart-aquarium/internal/logging"
	"github.com/crazydw4rf/smart-aquarium/internal/server"
	"github.com/crazydw4rf/smart-aquarium/internal/state"
	"github.com/crazydw4rf/smart-aquarium/internal/upstream"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupLink(cfg *config.Config, clock clockwork.Clock) upstream.Link {
	switch cfg.UpstreamMode {
	case config.ModeThingSpeak:
		return upstream.NewThingSpeakLink(upstream.ThingSpeakConfig{
			ChannelID:     cfg.ThingSpeakChannelID,
			ReadAPIKey:    cfg.ThingSpeakReadAPIKey,
			WriteAPIKey:   cfg.ThingSpeakWriteAPIKey,
			PollInterval:  cfg.PollInterval,
			WriteInterval: cfg.WriteInterval,
		}, clock)
	default:
		return upstream.NewMQTTLink(upstream.MQTTConfig{
			BrokerURL:         cfg.MQTTBrokerURL,
			Username:          cfg.MQTTUsername,
			Password:          cfg.MQTTPassword,
			CommandTopic:      cfg.MQTTCommandTopic,
			SensorTopic:       cfg.MQTTSensorTopic,
			ControlTopic:      cfg.MQTTControlTopic,
			ReconnectInterval: cfg.ReconnectInterval,
		}, clock)
	}
}

func runGracefulShutdown(srv *server.Server, link upstream.Link, registry *broadcast.Registry, cancelBridge context.CancelFunc, b *bridge.Bridge) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		link.Stop()
		cancelBridge()
		<-b.Done()
		registry.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "upstream_mode", cfg.UpstreamMode)

	cache := state.NewCache(clock)
	registry := broadcast.NewRegistry(cfg.MaxSessions, clock)
	link := setupLink(cfg, clock)

	if err := link.Start(context.Background()); err != nil {
		slog.Error("Failed to start upstream link", "error", err)
		os.Exit(1)
	}

	b := bridge.New(link, cache, registry)
	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	go b.Run(bridgeCtx)

	srv := server.NewServer(cfg, b, link, clock)

	done := runGracefulShutdown(srv, link, registry, cancelBridge, b)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
