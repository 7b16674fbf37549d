package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"botline/internal/domain"
	"botline/internal/storage"
)

var ErrNotFound = errors.New("conversation not found")

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type Backend interface {
	NextSequence(ctx context.Context, botID string) (int64, error)
	UpsertChatHistory(ctx context.Context, h storage.ChatHistory) error
	LatestChatHistory(ctx context.Context, botID string, owner storage.Owner) (storage.ChatHistory, error)
	GetChatHistory(ctx context.Context, id, botID string, owner storage.Owner) (storage.ChatHistory, error)
	ListChatHistory(ctx context.Context, botID string, owner storage.Owner, limit uint64) ([]storage.ChatHistory, error)
	SoftDeleteChatHistory(ctx context.Context, id string) error
}

// Conversation carries the running TokensUsed and MessagesUsed totals of
// its row. They describe the conversation; quotas are counted elsewhere.
type Conversation struct {
	ID           string
	BotID        string
	Messages     []domain.Message
	Sequence     int64
	TokensUsed   int64
	MessagesUsed int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Record is one write of a conversation. TokensUsed and MessagesUsed are
// the increments of this write, not running totals.
type Record struct {
	ID           string
	BotID        string
	Identity     domain.Identity
	Messages     []domain.Message
	TokensUsed   int64
	MessagesUsed int64
}

type Store struct {
	backend Backend
}

func NewStore(b Backend) *Store {
	return &Store{backend: b}
}

// LoadLatest returns the most recent live conversation for the identity,
// or ErrNotFound.
func (s *Store) LoadLatest(ctx context.Context, botID string, id domain.Identity) (Conversation, error) {
	if err := id.Validate(); err != nil {
		return Conversation{}, err
	}
	row, err := s.backend.LatestChatHistory(ctx, botID, ownerOf(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, &PersistenceError{Op: "load", Err: err}
	}
	return toConversation(row)
}

func (s *Store) Get(ctx context.Context, convID, botID string, id domain.Identity) (Conversation, error) {
	if err := id.Validate(); err != nil {
		return Conversation{}, err
	}
	row, err := s.backend.GetChatHistory(ctx, convID, botID, ownerOf(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, &PersistenceError{Op: "get", Err: err}
	}
	return toConversation(row)
}

func (s *Store) List(ctx context.Context, botID string, id domain.Identity, limit int) ([]Conversation, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.backend.ListChatHistory(ctx, botID, ownerOf(id), uint64(limit))
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	out := make([]Conversation, 0, len(rows))
	for _, row := range rows {
		c, err := toConversation(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Upsert writes the full transcript under the record id and returns the
// sequence number it was stored with.
func (s *Store) Upsert(ctx context.Context, r Record) (int64, error) {
	if r.ID == "" || r.BotID == "" {
		return 0, &PersistenceError{Op: "upsert", Err: errors.New("conversation id and bot id are required")}
	}
	if err := r.Identity.Validate(); err != nil {
		return 0, &PersistenceError{Op: "upsert", Err: err}
	}
	msgs := r.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return 0, &PersistenceError{Op: "upsert", Err: fmt.Errorf("marshal messages: %w", err)}
	}
	seq, err := s.backend.NextSequence(ctx, r.BotID)
	if err != nil {
		return 0, &PersistenceError{Op: "upsert", Err: err}
	}
	err = s.backend.UpsertChatHistory(ctx, storage.ChatHistory{
		ID:             r.ID,
		BotID:          r.BotID,
		MessagesJSON:   string(raw),
		Owner:          ownerOf(r.Identity),
		SequenceNumber: seq,
		TokensUsed:     r.TokensUsed,
		MessagesUsed:   r.MessagesUsed,
	})
	if err != nil {
		return 0, &PersistenceError{Op: "upsert", Err: err}
	}
	return seq, nil
}

func (s *Store) SoftDelete(ctx context.Context, convID string) error {
	if err := s.backend.SoftDeleteChatHistory(ctx, convID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return &PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

func toConversation(row storage.ChatHistory) (Conversation, error) {
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(row.MessagesJSON), &msgs); err != nil {
		return Conversation{}, &PersistenceError{Op: "decode", Err: err}
	}
	return Conversation{
		ID:           row.ID,
		BotID:        row.BotID,
		Messages:     msgs,
		Sequence:     row.SequenceNumber,
		TokensUsed:   row.TokensUsed,
		MessagesUsed: row.MessagesUsed,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

func ownerOf(id domain.Identity) storage.Owner {
	return storage.Owner{
		UserID:       id.UserID,
		SessionToken: id.SessionToken,
		ClientID:     id.ClientID,
		ShareKey:     id.ShareKey,
	}
}
