package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"botline/internal/domain"
)

// Job is one pending memory update. It carries only what extraction
// needs so it can cross a queue.
type Job struct {
	ID            string           `json:"id"`
	BotID         string           `json:"bot_id"`
	MemoryEnabled bool             `json:"memory_enabled"`
	MemoryBotID   string           `json:"memory_bot_id,omitempty"`
	Identity      domain.Identity  `json:"identity"`
	Messages      []domain.Message `json:"messages"`
	Attempt       int              `json:"attempt"`
}

func NewJob(bot domain.BotConfig, id domain.Identity, conversation []domain.Message) Job {
	return Job{
		ID:            uuid.NewString(),
		BotID:         bot.ID,
		MemoryEnabled: bot.MemoryEnabled,
		MemoryBotID:   bot.MemoryBotID,
		Identity:      id,
		Messages:      tail(domain.CloneMessages(conversation), recentTurns),
	}
}

func (j Job) Bot() domain.BotConfig {
	return domain.BotConfig{ID: j.BotID, MemoryEnabled: j.MemoryEnabled, MemoryBotID: j.MemoryBotID}
}

// Dispatcher hands a job off without waiting for it to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

type Learner interface {
	Learn(ctx context.Context, job Job) error
}

// AsyncUpdater runs each job on its own goroutine with a deadline.
// Failures are logged and dropped.
type AsyncUpdater struct {
	learner Learner
	timeout time.Duration
	logger  zerolog.Logger
}

func NewAsyncUpdater(l Learner, timeout time.Duration, logger zerolog.Logger) *AsyncUpdater {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AsyncUpdater{learner: l, timeout: timeout, logger: logger.With().Str("component", "memory_async").Logger()}
}

func (a *AsyncUpdater) Dispatch(ctx context.Context, job Job) error {
	go func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.learner.Learn(runCtx, job); err != nil {
			a.logger.Warn().Err(err).Str("bot_id", job.BotID).Str("job_id", job.ID).Msg("memory update failed")
		}
	}()
	return nil
}
