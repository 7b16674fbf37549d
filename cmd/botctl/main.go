package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botline/internal/bots"
	"botline/internal/config"
	"botline/internal/secrets"
	"botline/internal/storage"
)

const usage = `usage: botctl <command>

commands:
  rotate-keys   re-encrypt bot credentials under MASTER_KEY_CURRENT_ID
  migrate       apply database migrations and exit
`

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "rotate-keys":
		store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, false)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open storage")
		}
		defer store.Close()
		keyring, err := secrets.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize keyring")
		}
		n, err := bots.RotateKeys(ctx, store, keyring, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Int("rotated", n).Msg("key rotation failed")
		}
		log.Info().Int("rotated", n).Str("key_id", keyring.CurrentKeyID()).Msg("key rotation finished")
	case "migrate":
		store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, true)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to migrate")
		}
		_ = store.Close()
		log.Info().Str("driver", cfg.DB.Driver).Msg("migrations applied")
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}
