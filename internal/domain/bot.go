package domain

import (
	"errors"
	"time"
)

var ErrMissingIdentity = errors.New("identity requires a user id, session token or client id")

type AccessType string

const (
	AccessPrivate AccessType = "private"
	AccessPublic  AccessType = "public"
	AccessLink    AccessType = "link"
)

type GenerationParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Stream           bool     `json:"stream,omitempty"`
	// ResponseFormat is "text" (default) or "json_object".
	ResponseFormat string `json:"response_format,omitempty"`
}

// BotConfig is the send-time view of a bot: exactly one provider and one
// credential, already resolved from the bot record or its shared projection.
type BotConfig struct {
	ID            string
	OwnerID       string
	Name          string
	Provider      string
	Model         string
	APIKey        string
	Instructions  string
	Starters      []string
	Avatar        string
	Params        GenerationParams
	MemoryEnabled bool
	// MemoryBotID names a second bot whose model extracts the memory
	// document. Empty means the heuristic extractor is used.
	MemoryBotID string
	AccessType  AccessType
	Published   bool
	ShareKey    string
}

type LimitType string

const (
	LimitTokens   LimitType = "tokens"
	LimitMessages LimitType = "messages"
)

type ResetPeriod string

const (
	ResetHourly  ResetPeriod = "hourly"
	ResetDaily   ResetPeriod = "daily"
	ResetWeekly  ResetPeriod = "weekly"
	ResetMonthly ResetPeriod = "monthly"
	ResetNever   ResetPeriod = "never"
)

// Unlimited is the UnitsPerPeriod sentinel that disables a quota.
const Unlimited = -1

const RoleAnonymous = "anonymous"

type Quota struct {
	ID               int64
	BotOrModel       string
	UserRole         string
	UnitsPerPeriod   int64
	LimitType        LimitType
	ResetPeriod      ResetPeriod
	ResetAmount      int
	LifetimeMaxUnits *int64
}

// PeriodStart returns the beginning of the rolling window ending at now.
func (q Quota) PeriodStart(now time.Time) time.Time {
	n := q.ResetAmount
	if n <= 0 {
		n = 1
	}
	now = now.UTC()
	switch q.ResetPeriod {
	case ResetHourly:
		return now.Add(-time.Duration(n) * time.Hour)
	case ResetDaily:
		return now.AddDate(0, 0, -n)
	case ResetWeekly:
		return now.AddDate(0, 0, -7*n)
	case ResetMonthly:
		return now.AddDate(0, -n, 0)
	default:
		return time.Unix(0, 0).UTC()
	}
}

// Advance moves t forward by one window length.
func (q Quota) Advance(t time.Time) time.Time {
	n := q.ResetAmount
	if n <= 0 {
		n = 1
	}
	switch q.ResetPeriod {
	case ResetHourly:
		return t.Add(time.Duration(n) * time.Hour)
	case ResetDaily:
		return t.AddDate(0, 0, n)
	case ResetWeekly:
		return t.AddDate(0, 0, 7*n)
	case ResetMonthly:
		return t.AddDate(0, n, 0)
	default:
		return time.Time{}
	}
}
