// Command shockengine runs the news-shock trading engine: it loads
// configuration, connects the vendor session, and drives the pipeline until
// interrupted. Grounded on teacher's examples/main.go shutdown shape
// (signal.NotifyContext plus a WaitGroup drain) generalized from a scripted
// demo call sequence to one long-running engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/config"
	"github.com/shockline/engine/internal/engine"
	"github.com/shockline/engine/internal/extractor"
	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/vendor"
)

// exit codes, per spec: 0 normal shutdown, 1 configuration error, 2
// unrecoverable broker failure or an Invariant violation, 3 trade-store
// failure.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitUnrecoverable = 2
	exitStoreFailure  = 3
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML configuration file")
	msgsPerSec := flag.Int("vendor-rate", 50, "outbound vendor command rate limit, messages per second")
	flag.Parse()

	printSection("SHOCKENGINE STARTUP")

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError(fmt.Sprintf("config load failed: %v", err))
		os.Exit(exitConfigError)
	}

	log := newLogger(cfg.LogLevel)
	log.Info().
		Str("broker_host", cfg.Broker.Host).
		Int("broker_port", cfg.Broker.Port).
		Str("news_provider", cfg.News.ProviderCode).
		Msg("shockengine starting")

	sess := vendor.NewTCPSession(*msgsPerSec)
	extractorClient := extractor.New(cfg.Extractor.URL)

	eng := engine.New(cfg, sess, extractorClient, log)

	printSuccess(fmt.Sprintf("configuration loaded, dialing %s:%d", cfg.Broker.Host, cfg.Broker.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		printError(fmt.Sprintf("shockengine stopped on a fatal error: %v", err))
		log.Error().Err(err).Msg("shockengine stopped on a fatal error")

		var merr *model.Error
		if errors.As(err, &merr) && merr.Kind == model.KindStoreFailure {
			os.Exit(exitStoreFailure)
		}
		os.Exit(exitUnrecoverable)
	}

	printWarning("shockengine stopped")
	log.Info().Msg("shockengine stopped")
}

// newLogger builds the console-writer zerolog logger teacher's examples use
// for interactive runs, honoring the configured minimum level.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	return zerolog.New(writer).With().Timestamp().Logger()
}
