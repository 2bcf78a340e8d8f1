package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	database, err := setupDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup database")
	}
	defer database.Close()

	services, err := setupServices(database, config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup services")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recover games that were mid-phase when the last process died, then
	// make sure there is something to play.
	if err := services.Session.ResumeActiveGames(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to resume active games")
	}
	if err := services.Session.EnsureOpenGame(ctx); err != nil {
		log.Error().Err(err).Msg("failed to ensure open game on boot")
	}

	go func() {
		if err := services.Provisioner.Run(ctx); err != nil {
			log.Error().Err(err).Msg("provisioner failed")
		}
	}()
	go func() {
		if err := services.Gateway.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway event consumer failed")
		}
	}()

	server := setupServer(services)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}
