package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"botline/internal/domain"
)

// ChunkFunc receives each decoded text delta of a streaming response.
type ChunkFunc func(delta string)

// Provider sends a conversation to an LLM API with the bot's own credential.
// Cancelling ctx aborts the request; the returned error is then ErrAborted.
type Provider interface {
	Name() string
	Send(ctx context.Context, messages []domain.Message, bot domain.BotConfig, onChunk ChunkFunc) (string, error)
}

var (
	ErrEmptyResponse = errors.New("provider returned an empty response")
	ErrAborted       = errors.New("provider request aborted")
	ErrTimeout       = errors.New("provider request timed out")
	ErrMissingAPIKey = errors.New("bot has no api key")
)

// Error is a non-2xx or malformed provider response.
type Error struct {
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ContextError maps a finished context to the abort/timeout taxonomy.
func ContextError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrAborted
}

// Backoff waits base*2^attempt or until ctx is done.
func Backoff(ctx context.Context, base time.Duration, attempt int) error {
	select {
	case <-ctx.Done():
		return ContextError(ctx)
	case <-time.After(base * (1 << attempt)):
		return nil
	}
}
