package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"botline/internal/domain"
	"botline/internal/storage"
)

var (
	ErrNotFound  = errors.New("bot not found")
	ErrForbidden = errors.New("bot is not accessible")
)

// ConfigurationError means the bot cannot be sent to as configured. It is
// reported when the bot is loaded, before any message is accepted.
type ConfigurationError struct {
	BotID  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("bot %s is misconfigured: %s", e.BotID, e.Reason)
}

type Store interface {
	GetBot(ctx context.Context, id string) (storage.Bot, error)
	GetSharedBot(ctx context.Context, shareKey string) (storage.SharedBot, error)
}

type Opener interface {
	Open(raw, boundTo string) (string, error)
}

// ProviderCheck reports whether a bot's provider/model pair can be served.
type ProviderCheck func(bot domain.BotConfig) error

type Config struct {
	Store   Store
	Secrets Opener
	Check   ProviderCheck
	Logger  zerolog.Logger
}

type Resolver struct {
	store   Store
	secrets Opener
	check   ProviderCheck
	logger  zerolog.Logger
}

func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		store:   cfg.Store,
		secrets: cfg.Secrets,
		check:   cfg.Check,
		logger:  cfg.Logger.With().Str("component", "bots").Logger(),
	}
}

// Resolve loads a bot for the given caller and returns its send-time
// configuration with the credential decrypted.
func (r *Resolver) Resolve(ctx context.Context, botID string, id domain.Identity) (domain.BotConfig, error) {
	row, err := r.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.BotConfig{}, ErrNotFound
		}
		return domain.BotConfig{}, fmt.Errorf("load bot %s: %w", botID, err)
	}

	bot, err := toConfig(row)
	if err != nil {
		return domain.BotConfig{}, err
	}

	encKey := row.EncAPIKey
	switch bot.AccessType {
	case domain.AccessPrivate:
		if id.UserID == "" || id.UserID != bot.OwnerID {
			return domain.BotConfig{}, ErrForbidden
		}
	case domain.AccessLink:
		if id.ShareKey == "" || id.ShareKey != bot.ShareKey {
			if id.UserID == "" || id.UserID != bot.OwnerID {
				return domain.BotConfig{}, ErrForbidden
			}
		}
	case domain.AccessPublic:
	default:
		return domain.BotConfig{}, &ConfigurationError{BotID: botID, Reason: fmt.Sprintf("unknown access type %q", bot.AccessType)}
	}

	if id.ShareKey != "" && id.ShareKey == bot.ShareKey {
		shared, err := r.store.GetSharedBot(ctx, id.ShareKey)
		switch {
		case err == nil && shared.BotID == bot.ID && shared.EncAPIKey != nil:
			encKey = shared.EncAPIKey
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return domain.BotConfig{}, fmt.Errorf("load shared bot %s: %w", botID, err)
		}
	}

	return r.finish(bot, encKey)
}

// ResolveTrusted loads a bot with its owner credential and no access
// checks. It serves server-side callers such as the memory extractor.
func (r *Resolver) ResolveTrusted(ctx context.Context, botID string) (domain.BotConfig, error) {
	row, err := r.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.BotConfig{}, ErrNotFound
		}
		return domain.BotConfig{}, fmt.Errorf("load bot %s: %w", botID, err)
	}
	bot, err := toConfig(row)
	if err != nil {
		return domain.BotConfig{}, err
	}
	return r.finish(bot, row.EncAPIKey)
}

func (r *Resolver) finish(bot domain.BotConfig, encKey *string) (domain.BotConfig, error) {
	if encKey == nil || strings.TrimSpace(*encKey) == "" {
		return domain.BotConfig{}, &ConfigurationError{BotID: bot.ID, Reason: "missing api key"}
	}
	key, err := r.secrets.Open(*encKey, bot.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("bot_id", bot.ID).Msg("decrypt bot credential failed")
		return domain.BotConfig{}, &ConfigurationError{BotID: bot.ID, Reason: "api key cannot be decrypted"}
	}
	bot.APIKey = key

	if strings.TrimSpace(bot.Model) == "" {
		return domain.BotConfig{}, &ConfigurationError{BotID: bot.ID, Reason: "missing model"}
	}
	if r.check != nil {
		if err := r.check(bot); err != nil {
			return domain.BotConfig{}, &ConfigurationError{BotID: bot.ID, Reason: err.Error()}
		}
	}
	return bot, nil
}

func toConfig(row storage.Bot) (domain.BotConfig, error) {
	bot := domain.BotConfig{
		ID:            row.ID,
		OwnerID:       row.OwnerID,
		Name:          row.Name,
		Provider:      row.Provider,
		Model:         row.Model,
		Instructions:  row.Instructions,
		Avatar:        row.Avatar,
		MemoryEnabled: row.MemoryEnabled,
		AccessType:    domain.AccessType(row.AccessType),
		Published:     row.Published,
	}
	if row.MemoryBotID != nil {
		bot.MemoryBotID = *row.MemoryBotID
	}
	if row.ShareKey != nil {
		bot.ShareKey = *row.ShareKey
	}
	if s := strings.TrimSpace(row.StartersJSON); s != "" {
		if err := json.Unmarshal([]byte(s), &bot.Starters); err != nil {
			return domain.BotConfig{}, &ConfigurationError{BotID: row.ID, Reason: "invalid starters: " + err.Error()}
		}
	}
	if s := strings.TrimSpace(row.ParamsJSON); s != "" {
		if err := json.Unmarshal([]byte(s), &bot.Params); err != nil {
			return domain.BotConfig{}, &ConfigurationError{BotID: row.ID, Reason: "invalid generation params: " + err.Error()}
		}
	}
	return bot, nil
}
