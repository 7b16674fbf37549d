package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const (
	DeletedNo  = "no"
	DeletedYes = "yes"
)

var historyColumns = []string{
	"id", "bot_id", "messages_json", "user_id", "session_token", "client_id", "share_key",
	"sequence_number", "created_at", "updated_at", "deleted", "tokens_used", "messages_used",
}

// NextSequence returns 1 + the highest sequence number stored for the bot.
// It is a read followed by a separate write, so concurrent writers may
// observe the same value.
func (s *Store) NextSequence(ctx context.Context, botID string) (int64, error) {
	q := s.sql.Select("COALESCE(MAX(sequence_number), 0)").
		From("chat_history").
		Where(sq.Eq{"bot_id": botID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build next sequence query: %w", err)
	}
	var max int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&max); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return max + 1, nil
}

// UpsertChatHistory writes the full transcript for a conversation id.
// Usage counters accumulate across writes of the same row.
func (s *Store) UpsertChatHistory(ctx context.Context, h ChatHistory) error {
	if h.MessagesJSON == "" {
		h.MessagesJSON = "[]"
	}
	now := s.now()
	q := s.sql.Insert("chat_history").
		Columns(historyColumns...).
		Values(h.ID, h.BotID, h.MessagesJSON,
			nullable(h.Owner.UserID), nullable(h.Owner.SessionToken), nullable(h.Owner.ClientID), nullable(h.Owner.ShareKey),
			h.SequenceNumber, now, now, DeletedNo, h.TokensUsed, h.MessagesUsed).
		Suffix("ON CONFLICT(id) DO UPDATE SET messages_json=excluded.messages_json, sequence_number=excluded.sequence_number, updated_at=excluded.updated_at, tokens_used=chat_history.tokens_used + excluded.tokens_used, messages_used=chat_history.messages_used + excluded.messages_used")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build chat history upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert chat history: %w", err)
	}
	return nil
}

func (s *Store) LatestChatHistory(ctx context.Context, botID string, owner Owner) (ChatHistory, error) {
	items, err := s.ListChatHistory(ctx, botID, owner, 1)
	if err != nil {
		return ChatHistory{}, err
	}
	if len(items) == 0 {
		return ChatHistory{}, ErrNotFound
	}
	return items[0], nil
}

func (s *Store) GetChatHistory(ctx context.Context, id, botID string, owner Owner) (ChatHistory, error) {
	ow, err := ownerWhere(owner)
	if err != nil {
		return ChatHistory{}, err
	}
	q := s.sql.Select(historyColumns...).
		From("chat_history").
		Where(sq.Eq{"id": id, "bot_id": botID, "deleted": DeletedNo}).
		Where(ow)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatHistory{}, fmt.Errorf("build get chat history query: %w", err)
	}
	h, err := scanHistory(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatHistory{}, ErrNotFound
		}
		return ChatHistory{}, fmt.Errorf("get chat history: %w", err)
	}
	return h, nil
}

func (s *Store) ListChatHistory(ctx context.Context, botID string, owner Owner, limit uint64) ([]ChatHistory, error) {
	ow, err := ownerWhere(owner)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select(historyColumns...).
		From("chat_history").
		Where(sq.Eq{"bot_id": botID, "deleted": DeletedNo}).
		Where(ow).
		OrderBy("sequence_number DESC", "updated_at DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chat history query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat history: %w", err)
	}
	defer rows.Close()

	out := make([]ChatHistory, 0)
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat history row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat history rows: %w", err)
	}
	return out, nil
}

func (s *Store) SoftDeleteChatHistory(ctx context.Context, id string) error {
	q := s.sql.Update("chat_history").
		Set("deleted", DeletedYes).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "deleted": DeletedNo})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build soft delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("soft delete chat history: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanHistory(r rowScanner) (ChatHistory, error) {
	var h ChatHistory
	var userID, session, client, share sql.NullString
	if err := r.Scan(
		&h.ID,
		&h.BotID,
		&h.MessagesJSON,
		&userID,
		&session,
		&client,
		&share,
		&h.SequenceNumber,
		&h.CreatedAt,
		&h.UpdatedAt,
		&h.Deleted,
		&h.TokensUsed,
		&h.MessagesUsed,
	); err != nil {
		return ChatHistory{}, err
	}
	h.Owner = Owner{
		UserID:       fromNull(userID),
		SessionToken: fromNull(session),
		ClientID:     fromNull(client),
		ShareKey:     fromNull(share),
	}
	return h, nil
}
