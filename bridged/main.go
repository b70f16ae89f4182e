// Package main implements bridged, the realtime device bridge
// server: websocket message routing between named devices, signed
// envelope validation, clip history capture and an optional NATS
// upstream for devices served by another bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/u2re-space/airbridge/bridge"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/airbridge/bridged.yaml", "Path to configuration file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("AirBridge server starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}

	keyring := bridge.NewKeyring(cfg.Crypto.MasterKey)
	for deviceID, pemData := range cfg.Crypto.PublicKeys {
		if err := keyring.RegisterPublicKey(deviceID, pemData); err != nil {
			log.Fatal().Err(err).Str("device", deviceID).Msg("Failed to register device public key")
		}
	}

	policy := bridge.NewAccessPolicy(cfg.Auth.Tokens, cfg.Auth.AllowedOrigins, cfg.Auth.RequireSignedMessages)
	registry := bridge.NewRegistry()
	history := bridge.NewHistory(cfg.History.Max)

	var archive *bridge.Archive
	if cfg.History.ArchivePath != "" {
		archive, err = bridge.OpenArchive(cfg.History.ArchivePath, cfg.Crypto.MasterKey)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.History.ArchivePath).Msg("Failed to open history archive")
		}
		defer archive.Close()
		history.SetArchive(archive)
		log.Info().Str("path", cfg.History.ArchivePath).Msg("History archive enabled")
	}

	router := bridge.NewRouter(registry, history, keyring, policy)
	correlator := bridge.NewCorrelator(registry)

	var upstream *bridge.NATSUpstream
	if cfg.Upstream.Enabled {
		upstream, err = bridge.ConnectNATSUpstream(cfg.Upstream.NATSUpstreamConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect upstream")
		}
		defer upstream.Close()
		if err := upstream.BindRouter(router); err != nil {
			log.Fatal().Err(err).Msg("Failed to bind upstream subscription")
		}
		router.SetUpstream(upstream)
	}

	hub := bridge.NewHub(registry, router, correlator, policy, bridge.HubConfig{
		TCPPolicy: bridge.NewTCPPolicy(cfg.TCP.AllowHosts, cfg.TCP.AllowAll),
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WSPath, hub.ServeWS)
	newDebugAPI(registry, router, history).register(mux)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	go func() {
		log.Info().
			Str("addr", cfg.Server.ListenAddr).
			Str("ws_path", cfg.Server.WSPath).
			Bool("upstream", upstream != nil).
			Msg("Listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("AirBridge server shutdown complete")
}
