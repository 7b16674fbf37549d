package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var botColumns = []string{
	"id", "owner_id", "name", "provider", "model", "enc_api_key", "instructions", "starters_json",
	"avatar", "params_json", "memory_enabled", "memory_bot_id", "access_type", "published", "share_key",
	"created_at", "updated_at",
}

func (s *Store) UpsertBot(ctx context.Context, b Bot) error {
	if b.StartersJSON == "" {
		b.StartersJSON = "[]"
	}
	if b.ParamsJSON == "" {
		b.ParamsJSON = "{}"
	}
	if b.AccessType == "" {
		b.AccessType = "private"
	}
	now := s.now()
	q := s.sql.Insert("bots").
		Columns(botColumns...).
		Values(b.ID, b.OwnerID, b.Name, b.Provider, b.Model, b.EncAPIKey, b.Instructions, b.StartersJSON,
			b.Avatar, b.ParamsJSON, b.MemoryEnabled, b.MemoryBotID, b.AccessType, b.Published, b.ShareKey,
			now, now).
		Suffix("ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, name=excluded.name, provider=excluded.provider, model=excluded.model, enc_api_key=excluded.enc_api_key, instructions=excluded.instructions, starters_json=excluded.starters_json, avatar=excluded.avatar, params_json=excluded.params_json, memory_enabled=excluded.memory_enabled, memory_bot_id=excluded.memory_bot_id, access_type=excluded.access_type, published=excluded.published, share_key=excluded.share_key, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build bot upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert bot: %w", err)
	}
	return nil
}

func (s *Store) GetBot(ctx context.Context, id string) (Bot, error) {
	q := s.sql.Select(botColumns...).From("bots").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Bot{}, fmt.Errorf("build get bot query: %w", err)
	}
	b, err := scanBot(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bot{}, ErrNotFound
		}
		return Bot{}, fmt.Errorf("get bot: %w", err)
	}
	return b, nil
}

func (s *Store) ListBots(ctx context.Context) ([]Bot, error) {
	q := s.sql.Select(botColumns...).From("bots").OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list bots query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	out := make([]Bot, 0)
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bot rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetBotKey(ctx context.Context, id string, encAPIKey string) error {
	q := s.sql.Update("bots").
		Set("enc_api_key", encAPIKey).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set bot key query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set bot key: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpsertSharedBot(ctx context.Context, sb SharedBot) error {
	q := s.sql.Insert("shared_bots").
		Columns("share_key", "bot_id", "enc_api_key", "created_at").
		Values(sb.ShareKey, sb.BotID, sb.EncAPIKey, s.now()).
		Suffix("ON CONFLICT(share_key) DO UPDATE SET bot_id=excluded.bot_id, enc_api_key=excluded.enc_api_key")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build shared bot upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert shared bot: %w", err)
	}
	return nil
}

func (s *Store) GetSharedBot(ctx context.Context, shareKey string) (SharedBot, error) {
	q := s.sql.Select("share_key", "bot_id", "enc_api_key", "created_at").
		From("shared_bots").
		Where(sq.Eq{"share_key": shareKey})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return SharedBot{}, fmt.Errorf("build get shared bot query: %w", err)
	}
	var sb SharedBot
	var enc sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&sb.ShareKey, &sb.BotID, &enc, &sb.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SharedBot{}, ErrNotFound
		}
		return SharedBot{}, fmt.Errorf("get shared bot: %w", err)
	}
	sb.EncAPIKey = ptrFromNull(enc)
	return sb, nil
}

func (s *Store) ListSharedBots(ctx context.Context) ([]SharedBot, error) {
	q := s.sql.Select("share_key", "bot_id", "enc_api_key", "created_at").
		From("shared_bots").
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list shared bots query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list shared bots: %w", err)
	}
	defer rows.Close()

	out := make([]SharedBot, 0)
	for rows.Next() {
		var sb SharedBot
		var enc sql.NullString
		if err := rows.Scan(&sb.ShareKey, &sb.BotID, &enc, &sb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan shared bot row: %w", err)
		}
		sb.EncAPIKey = ptrFromNull(enc)
		out = append(out, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared bot rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetSharedBotKey(ctx context.Context, shareKey string, encAPIKey string) error {
	q := s.sql.Update("shared_bots").
		Set("enc_api_key", encAPIKey).
		Where(sq.Eq{"share_key": shareKey})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set shared bot key query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set shared bot key: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	q := s.sql.Insert("profiles").
		Columns("user_id", "role", "updated_at").
		Values(p.UserID, p.Role, s.now()).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET role=excluded.role, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build profile upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfileRole(ctx context.Context, userID string) (string, error) {
	q := s.sql.Select("role").From("profiles").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build profile role query: %w", err)
	}
	var role string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get profile role: %w", err)
	}
	return role, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(r rowScanner) (Bot, error) {
	var b Bot
	var enc, memBot, share sql.NullString
	if err := r.Scan(
		&b.ID,
		&b.OwnerID,
		&b.Name,
		&b.Provider,
		&b.Model,
		&enc,
		&b.Instructions,
		&b.StartersJSON,
		&b.Avatar,
		&b.ParamsJSON,
		&b.MemoryEnabled,
		&memBot,
		&b.AccessType,
		&b.Published,
		&share,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return Bot{}, err
	}
	b.EncAPIKey = ptrFromNull(enc)
	b.MemoryBotID = ptrFromNull(memBot)
	b.ShareKey = ptrFromNull(share)
	return b, nil
}
