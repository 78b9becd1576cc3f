// Forex session trader.
//
// Around each session open (Asian, London, New York) the engine
// pre-fetches 15-minute bars, renders candlestick charts, asks the
// vision model for a directional call, sizes the position off the
// rolling excursion percentiles, and monitors live quotes for TP/SL
// for a four-hour window. Everything is simulated against a paper
// account; no orders leave the process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Hasnain410/forex-live-trader/internal/api"
	"github.com/Hasnain410/forex-live-trader/internal/config"
	"github.com/Hasnain410/forex-live-trader/internal/engine"
	"github.com/Hasnain410/forex-live-trader/internal/notify"
	"github.com/Hasnain410/forex-live-trader/internal/store"
	"github.com/Hasnain410/forex-live-trader/internal/trading"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.PolygonAPIKey == "" {
		log.Fatal().Msg("POLYGON_API_KEY is required")
	}
	if cfg.AnthropicAPIKey == "" {
		log.Fatal().Msg("ANTHROPIC_API_KEY is required")
	}

	log.Info().
		Str("version", version).
		Int("pairs", len(config.TradingPairs)).
		Msg("Forex trader starting...")

	st, err := store.New(cfg.DatabaseURL, cfg.StartingBalance, cfg.CommissionPerLot, cfg.RollingWindowMonths)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}

	var notifier trading.Notifier
	tg, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}
	if tg != nil {
		notifier = tg
	}

	eng, err := engine.New(cfg, st, notifier)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}

	server := api.New(cfg.Host, cfg.Port, st, eng.Orchestrator())
	eng.Orchestrator().SetOnUpdate(server.Broadcast)

	eng.Start()
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Admin server failed")
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("Shutting down...")

	eng.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Admin server shutdown failed")
	}
	log.Info().Msg("Goodbye")
}
