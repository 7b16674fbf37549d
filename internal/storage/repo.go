package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("bot_id", "actor", "action", "meta_json", "created_at").
		Values(e.BotID, e.Actor, e.Action, e.MetaJSON, s.now())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, botID string, limit uint64) ([]AuditEntry, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("bot_id", "actor", "action", "meta_json").
		From("audit_log").
		Where(sq.Eq{"bot_id": botID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.BotID, &e.Actor, &e.Action, &e.MetaJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

// ownerWhere matches the conversation owner: user id for authenticated
// callers, client id plus share key for embeds, otherwise the session token.
func ownerWhere(o Owner) (sq.Sqlizer, error) {
	switch {
	case o.UserID != "":
		return sq.Eq{"user_id": o.UserID}, nil
	case o.ClientID != "":
		return sq.Eq{"client_id": o.ClientID, "share_key": nullable(o.ShareKey)}, nil
	case o.SessionToken != "":
		return sq.Eq{"session_token": o.SessionToken}, nil
	default:
		return nil, fmt.Errorf("owner has no identifier")
	}
}

// anyOwnerWhere matches rows carrying any of the populated identifiers.
func anyOwnerWhere(o Owner) (sq.Sqlizer, error) {
	or := sq.Or{}
	if o.UserID != "" {
		or = append(or, sq.Eq{"user_id": o.UserID})
	}
	if o.SessionToken != "" {
		or = append(or, sq.Eq{"session_token": o.SessionToken})
	}
	if o.ClientID != "" {
		or = append(or, sq.Eq{"client_id": o.ClientID})
	}
	if len(or) == 0 {
		return nil, fmt.Errorf("owner has no identifier")
	}
	return or, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func ptrFromNull(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}
