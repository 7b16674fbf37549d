package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// GetUserContext finds the memory row for a bot matching any populated
// identifier of the owner.
func (s *Store) GetUserContext(ctx context.Context, botID string, owner Owner) (UserContext, error) {
	ow, err := anyOwnerWhere(owner)
	if err != nil {
		return UserContext{}, err
	}
	q := s.sql.Select("bot_id", "identity_key", "user_id", "session_token", "client_id", "kind", "context_json", "last_updated").
		From("user_contexts").
		Where(sq.Eq{"bot_id": botID}).
		Where(ow).
		OrderBy("last_updated DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserContext{}, fmt.Errorf("build get user context query: %w", err)
	}

	var uc UserContext
	var userID, session, client sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&uc.BotID,
		&uc.IdentityKey,
		&userID,
		&session,
		&client,
		&uc.Kind,
		&uc.ContextJSON,
		&uc.LastUpdated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserContext{}, ErrNotFound
		}
		return UserContext{}, fmt.Errorf("get user context: %w", err)
	}
	uc.Owner = Owner{UserID: fromNull(userID), SessionToken: fromNull(session), ClientID: fromNull(client)}
	return uc, nil
}

func (s *Store) UpsertUserContext(ctx context.Context, uc UserContext) error {
	if uc.ContextJSON == "" {
		uc.ContextJSON = "{}"
	}
	q := s.sql.Insert("user_contexts").
		Columns("bot_id", "identity_key", "user_id", "session_token", "client_id", "kind", "context_json", "last_updated").
		Values(uc.BotID, uc.IdentityKey, nullable(uc.Owner.UserID), nullable(uc.Owner.SessionToken), nullable(uc.Owner.ClientID), uc.Kind, uc.ContextJSON, s.now()).
		Suffix("ON CONFLICT(bot_id, identity_key) DO UPDATE SET user_id=excluded.user_id, session_token=excluded.session_token, client_id=excluded.client_id, kind=excluded.kind, context_json=excluded.context_json, last_updated=excluded.last_updated")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build user context upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert user context: %w", err)
	}
	return nil
}
