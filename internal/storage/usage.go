package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) UpsertSubscriptionLimit(ctx context.Context, l SubscriptionLimit) error {
	if l.ResetAmount <= 0 {
		l.ResetAmount = 1
	}
	q := s.sql.Insert("subscription_limits").
		Columns("bot_or_model", "user_role", "units_per_period", "limit_type", "reset_period", "reset_amount", "lifetime_max_units").
		Values(l.BotOrModel, l.UserRole, l.UnitsPerPeriod, l.LimitType, l.ResetPeriod, l.ResetAmount, l.LifetimeMaxUnits).
		Suffix("ON CONFLICT(bot_or_model, user_role) DO UPDATE SET units_per_period=excluded.units_per_period, limit_type=excluded.limit_type, reset_period=excluded.reset_period, reset_amount=excluded.reset_amount, lifetime_max_units=excluded.lifetime_max_units")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build subscription limit upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert subscription limit: %w", err)
	}
	return nil
}

func (s *Store) GetSubscriptionLimit(ctx context.Context, botOrModel, role string) (SubscriptionLimit, error) {
	q := s.sql.Select("id", "bot_or_model", "user_role", "units_per_period", "limit_type", "reset_period", "reset_amount", "lifetime_max_units").
		From("subscription_limits").
		Where(sq.Eq{"bot_or_model": botOrModel, "user_role": role})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return SubscriptionLimit{}, fmt.Errorf("build subscription limit query: %w", err)
	}
	var l SubscriptionLimit
	var lifetime sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&l.ID,
		&l.BotOrModel,
		&l.UserRole,
		&l.UnitsPerPeriod,
		&l.LimitType,
		&l.ResetPeriod,
		&l.ResetAmount,
		&lifetime,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SubscriptionLimit{}, ErrNotFound
		}
		return SubscriptionLimit{}, fmt.Errorf("get subscription limit: %w", err)
	}
	if lifetime.Valid {
		v := lifetime.Int64
		l.LifetimeMaxUnits = &v
	}
	return l, nil
}

func (s *Store) InsertUsageEvent(ctx context.Context, e UsageEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	q := s.sql.Insert("usage_events").
		Columns("bot_id", "identity_key", "messages", "tokens", "created_at").
		Values(e.BotID, e.IdentityKey, e.Messages, e.Tokens, e.CreatedAt.UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build usage event insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// SumUsage totals usage events for an identity on a bot since the given
// instant (inclusive).
func (s *Store) SumUsage(ctx context.Context, botID, identityKey string, since time.Time) (UsageTotals, error) {
	where := sq.And{
		sq.Eq{"bot_id": botID, "identity_key": identityKey},
		sq.GtOrEq{"created_at": since.UTC()},
	}

	q := s.sql.Select("COALESCE(SUM(messages), 0)", "COALESCE(SUM(tokens), 0)").
		From("usage_events").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageTotals{}, fmt.Errorf("build usage sum query: %w", err)
	}
	var out UsageTotals
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&out.Messages, &out.Tokens); err != nil {
		return UsageTotals{}, fmt.Errorf("sum usage: %w", err)
	}
	if out.Messages == 0 && out.Tokens == 0 {
		return out, nil
	}

	oq := s.sql.Select("created_at").
		From("usage_events").
		Where(where).
		OrderBy("created_at ASC").
		Limit(1)
	sqlStr, args, err = oq.ToSql()
	if err != nil {
		return UsageTotals{}, fmt.Errorf("build oldest usage query: %w", err)
	}
	var oldest time.Time
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&oldest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, nil
		}
		return UsageTotals{}, fmt.Errorf("oldest usage: %w", err)
	}
	oldest = oldest.UTC()
	out.Oldest = &oldest
	return out, nil
}
