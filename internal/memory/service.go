package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"botline/internal/domain"
	"botline/internal/metrics"
	"botline/internal/storage"
)

type Store interface {
	GetUserContext(ctx context.Context, botID string, owner storage.Owner) (storage.UserContext, error)
	UpsertUserContext(ctx context.Context, uc storage.UserContext) error
}

type Config struct {
	Store     Store
	Heuristic Extractor
	// Bot is used for bots that name a memory bot. Nil falls back to the
	// heuristic extractor.
	Bot    Extractor
	Logger zerolog.Logger
}

type Service struct {
	store     Store
	heuristic Extractor
	bot       Extractor
	logger    zerolog.Logger
}

func NewService(cfg Config) *Service {
	h := cfg.Heuristic
	if h == nil {
		h = HeuristicExtractor{}
	}
	return &Service{
		store:     cfg.Store,
		heuristic: h,
		bot:       cfg.Bot,
		logger:    cfg.Logger.With().Str("component", "memory").Logger(),
	}
}

// Read returns the stored document for the identity, or an empty one.
// Bots without memory always read empty.
func (s *Service) Read(ctx context.Context, bot domain.BotConfig, id domain.Identity) (Document, error) {
	if !bot.MemoryEnabled {
		return &Facts{}, nil
	}
	uc, err := s.store.GetUserContext(ctx, bot.ID, ownerOf(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Facts{}, nil
		}
		return nil, fmt.Errorf("read memory: %w", err)
	}
	doc, err := Decode(uc.Kind, uc.ContextJSON)
	if err != nil {
		s.logger.Warn().Err(err).Str("bot_id", bot.ID).Msg("stored memory is not valid json, ignoring")
		return &Facts{}, nil
	}
	return doc, nil
}

// Update stores doc as the identity's memory for the bot.
func (s *Service) Update(ctx context.Context, bot domain.BotConfig, id domain.Identity, doc Document) error {
	if !bot.MemoryEnabled {
		return nil
	}
	kind, raw, err := Encode(doc)
	if err != nil {
		return err
	}
	err = s.store.UpsertUserContext(ctx, storage.UserContext{
		BotID:       bot.ID,
		IdentityKey: id.Key(),
		Owner:       ownerOf(id),
		Kind:        kind,
		ContextJSON: raw,
	})
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

// Learn runs extraction over a finished exchange and stores the result.
func (s *Service) Learn(ctx context.Context, job Job) error {
	bot := job.Bot()
	if !bot.MemoryEnabled {
		return nil
	}
	current, err := s.Read(ctx, bot, job.Identity)
	if err != nil {
		return err
	}

	ex := s.heuristic
	if job.MemoryBotID != "" && s.bot != nil {
		ex = s.bot
	}
	next, err := ex.Extract(ctx, current, job.Messages, job.MemoryBotID)
	if err != nil {
		metrics.Global().MemoryUpdatesFailed.Inc()
		return fmt.Errorf("extract memory: %w", err)
	}
	if next == nil || (next.Empty() && current.Empty()) {
		return nil
	}
	if err := s.Update(ctx, bot, job.Identity, next); err != nil {
		metrics.Global().MemoryUpdatesFailed.Inc()
		return err
	}
	metrics.Global().MemoryUpdates.Inc()
	return nil
}

func ownerOf(id domain.Identity) storage.Owner {
	return storage.Owner{
		UserID:       id.UserID,
		SessionToken: id.SessionToken,
		ClientID:     id.ClientID,
		ShareKey:     id.ShareKey,
	}
}
