package bots

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"botline/internal/storage"
)

type RotationStore interface {
	ListBots(ctx context.Context) ([]storage.Bot, error)
	SetBotKey(ctx context.Context, id string, encAPIKey string) error
	ListSharedBots(ctx context.Context) ([]storage.SharedBot, error)
	SetSharedBotKey(ctx context.Context, shareKey string, encAPIKey string) error
}

type Resealer interface {
	Reseal(raw, boundTo string) (string, bool, error)
}

// RotateKeys re-encrypts every bot credential, owner and shared-link alike,
// under the keyring's current key. Credentials already on the current key
// are left alone. It returns the number of rewritten credentials.
func RotateKeys(ctx context.Context, store RotationStore, keys Resealer, logger zerolog.Logger) (int, error) {
	rows, err := store.ListBots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bots: %w", err)
	}
	rotated := 0
	for _, b := range rows {
		if b.EncAPIKey == nil || *b.EncAPIKey == "" {
			continue
		}
		sealed, changed, err := keys.Reseal(*b.EncAPIKey, b.ID)
		if err != nil {
			return rotated, fmt.Errorf("reseal bot %s: %w", b.ID, err)
		}
		if !changed {
			continue
		}
		if err := store.SetBotKey(ctx, b.ID, sealed); err != nil {
			return rotated, fmt.Errorf("store bot %s key: %w", b.ID, err)
		}
		rotated++
		logger.Info().Str("bot_id", b.ID).Msg("bot credential rotated")
	}

	shared, err := store.ListSharedBots(ctx)
	if err != nil {
		return rotated, fmt.Errorf("list shared bots: %w", err)
	}
	for _, sb := range shared {
		if sb.EncAPIKey == nil || *sb.EncAPIKey == "" {
			continue
		}
		sealed, changed, err := keys.Reseal(*sb.EncAPIKey, sb.BotID)
		if err != nil {
			return rotated, fmt.Errorf("reseal shared bot %s: %w", sb.ShareKey, err)
		}
		if !changed {
			continue
		}
		if err := store.SetSharedBotKey(ctx, sb.ShareKey, sealed); err != nil {
			return rotated, fmt.Errorf("store shared bot %s key: %w", sb.ShareKey, err)
		}
		rotated++
		logger.Info().Str("bot_id", sb.BotID).Msg("shared bot credential rotated")
	}
	return rotated, nil
}
