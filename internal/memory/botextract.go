package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"botline/internal/domain"
	"botline/internal/providers"
)

// recentTurns bounds how much of the conversation the memory bot sees.
const recentTurns = 10

const extractorInstructions = `You maintain a memory document about the user of a chat assistant.
Reply with a single JSON object and nothing else.
Use the shape {"name":"","faith":"","likes":[],"topics":[],"facts":[]} or
{"summary":"","topics":[],"preferences":"","lastInteraction":""}.
Keep everything already known unless the conversation contradicts it.`

var ErrNoMemoryBot = errors.New("memory bot id is empty")

type BotLoader interface {
	ResolveTrusted(ctx context.Context, botID string) (domain.BotConfig, error)
}

type ProviderRouter interface {
	For(bot domain.BotConfig) (providers.Provider, error)
}

// BotExtractor asks a second bot to rewrite the document. Its reply
// replaces the stored document as-is.
type BotExtractor struct {
	Bots      BotLoader
	Providers ProviderRouter
}

func (b BotExtractor) Extract(ctx context.Context, current Document, conversation []domain.Message, memoryBotID string) (Document, error) {
	if strings.TrimSpace(memoryBotID) == "" {
		return nil, ErrNoMemoryBot
	}
	bot, err := b.Bots.ResolveTrusted(ctx, memoryBotID)
	if err != nil {
		return nil, fmt.Errorf("load memory bot %s: %w", memoryBotID, err)
	}
	p, err := b.Providers.For(bot)
	if err != nil {
		return nil, fmt.Errorf("memory bot provider: %w", err)
	}

	_, known, err := Encode(current)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("Current memory: ")
	sb.WriteString(known)
	sb.WriteString("\n\nConversation:\n")
	for _, m := range tail(conversation, recentTurns) {
		if m.Role == domain.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	bot.Params.Stream = false
	bot.Params.ResponseFormat = "json_object"
	out, err := p.Send(ctx, []domain.Message{
		{Role: domain.RoleSystem, Content: extractorInstructions},
		{Role: domain.RoleUser, Content: sb.String()},
	}, bot, nil)
	if err != nil {
		return nil, fmt.Errorf("memory bot send: %w", err)
	}
	doc, err := Decode("", stripFences(out))
	if err != nil {
		return nil, fmt.Errorf("parse memory bot reply: %w", err)
	}
	return doc, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func tail(msgs []domain.Message, n int) []domain.Message {
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}
