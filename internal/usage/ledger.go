package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"botline/internal/domain"
	"botline/internal/storage"
)

const genericBlockedReason = "Usage limit could not be verified. Please try again later."

type Store interface {
	GetProfileRole(ctx context.Context, userID string) (string, error)
	GetSubscriptionLimit(ctx context.Context, botOrModel, role string) (storage.SubscriptionLimit, error)
	SumUsage(ctx context.Context, botID, identityKey string, since time.Time) (storage.UsageTotals, error)
	InsertUsageEvent(ctx context.Context, e storage.UsageEvent) error
}

// Decision is the outcome of a quota check. A blocked decision is a gate,
// not an error.
type Decision struct {
	CanProceed   bool
	LimitType    domain.LimitType
	ResetPeriod  domain.ResetPeriod
	CurrentUsage int64
	Limit        int64
	ResetAt      *time.Time
	Reason       string
}

type Config struct {
	Store  Store
	Now    func() time.Time
	Logger zerolog.Logger
}

type Ledger struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewLedger(cfg Config) *Ledger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:  cfg.Store,
		now:    now,
		logger: cfg.Logger.With().Str("component", "usage").Logger(),
	}
}

// Check decides whether estimatedUnits more units fit in the caller's
// quota. Lookup failures block the send.
func (l *Ledger) Check(ctx context.Context, bot domain.BotConfig, id domain.Identity, estimatedUnits int64) Decision {
	return l.check(ctx, bot, id, func(domain.LimitType) int64 { return estimatedUnits })
}

// CheckMessage is Check with the estimate derived from the outgoing text
// under the quota's limit type.
func (l *Ledger) CheckMessage(ctx context.Context, bot domain.BotConfig, id domain.Identity, text string) Decision {
	return l.check(ctx, bot, id, func(lt domain.LimitType) int64 { return Estimate(lt, text) })
}

func (l *Ledger) check(ctx context.Context, bot domain.BotConfig, id domain.Identity, estimate func(domain.LimitType) int64) Decision {
	role, err := l.role(ctx, id)
	if err != nil {
		l.logger.Warn().Err(err).Str("bot_id", bot.ID).Msg("usage role lookup failed")
		return Decision{Reason: genericBlockedReason}
	}

	quota, found, err := l.quota(ctx, bot, role)
	if err != nil {
		l.logger.Warn().Err(err).Str("bot_id", bot.ID).Str("role", role).Msg("usage quota lookup failed")
		return Decision{Reason: genericBlockedReason}
	}
	if !found {
		return Decision{CanProceed: true, Limit: domain.Unlimited}
	}

	d := Decision{
		LimitType:   quota.LimitType,
		ResetPeriod: quota.ResetPeriod,
		Limit:       quota.UnitsPerPeriod,
	}
	now := l.now().UTC()
	key := id.Key()
	estimatedUnits := estimate(quota.LimitType)

	if quota.LifetimeMaxUnits != nil && *quota.LifetimeMaxUnits >= 0 {
		lifetime, err := l.store.SumUsage(ctx, bot.ID, key, time.Unix(0, 0).UTC())
		if err != nil {
			l.logger.Warn().Err(err).Str("bot_id", bot.ID).Msg("lifetime usage lookup failed")
			return Decision{Reason: genericBlockedReason}
		}
		used := units(lifetime, quota.LimitType)
		if used+estimatedUnits > *quota.LifetimeMaxUnits {
			d.CurrentUsage = used
			d.Limit = *quota.LifetimeMaxUnits
			d.Reason = fmt.Sprintf("Lifetime %s limit of %d reached.", quota.LimitType, *quota.LifetimeMaxUnits)
			return d
		}
	}

	if quota.UnitsPerPeriod == domain.Unlimited {
		d.CanProceed = true
		return d
	}

	totals, err := l.store.SumUsage(ctx, bot.ID, key, quota.PeriodStart(now))
	if err != nil {
		l.logger.Warn().Err(err).Str("bot_id", bot.ID).Msg("usage lookup failed")
		return Decision{Reason: genericBlockedReason}
	}
	d.CurrentUsage = units(totals, quota.LimitType)
	d.CanProceed = d.CurrentUsage+estimatedUnits <= quota.UnitsPerPeriod
	if d.CanProceed {
		return d
	}

	if totals.Oldest != nil && quota.ResetPeriod != domain.ResetNever {
		reset := quota.Advance(*totals.Oldest)
		d.ResetAt = &reset
	}
	d.Reason = blockedReason(quota, d.ResetAt)
	return d
}

func (l *Ledger) Record(ctx context.Context, bot domain.BotConfig, id domain.Identity, tokens int64) error {
	err := l.store.InsertUsageEvent(ctx, storage.UsageEvent{
		BotID:       bot.ID,
		IdentityKey: id.Key(),
		Messages:    1,
		Tokens:      tokens,
		CreatedAt:   l.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Estimate returns the units a send is expected to consume under the
// quota's limit type.
func Estimate(limitType domain.LimitType, text string) int64 {
	if limitType == domain.LimitTokens {
		return EstimateTokens(text)
	}
	return 1
}

// EstimateTokens approximates token count at four characters per token.
func EstimateTokens(text string) int64 {
	n := int64(len([]rune(text)))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func (l *Ledger) role(ctx context.Context, id domain.Identity) (string, error) {
	if id.Anonymous() {
		return domain.RoleAnonymous, nil
	}
	role, err := l.store.GetProfileRole(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("profile %s not found", id.UserID)
		}
		return "", err
	}
	return role, nil
}

// quota prefers a row keyed by bot id over one keyed by model.
func (l *Ledger) quota(ctx context.Context, bot domain.BotConfig, role string) (domain.Quota, bool, error) {
	for _, key := range []string{bot.ID, bot.Model} {
		if key == "" {
			continue
		}
		row, err := l.store.GetSubscriptionLimit(ctx, key, role)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.Quota{}, false, err
		}
		return domain.Quota{
			ID:               row.ID,
			BotOrModel:       row.BotOrModel,
			UserRole:         row.UserRole,
			UnitsPerPeriod:   row.UnitsPerPeriod,
			LimitType:        domain.LimitType(row.LimitType),
			ResetPeriod:      domain.ResetPeriod(row.ResetPeriod),
			ResetAmount:      row.ResetAmount,
			LifetimeMaxUnits: row.LifetimeMaxUnits,
		}, true, nil
	}
	return domain.Quota{}, false, nil
}

func units(t storage.UsageTotals, lt domain.LimitType) int64 {
	if lt == domain.LimitTokens {
		return t.Tokens
	}
	return t.Messages
}

func blockedReason(q domain.Quota, resetAt *time.Time) string {
	msg := fmt.Sprintf("You have reached your %s %s limit of %d.", q.ResetPeriod, q.LimitType, q.UnitsPerPeriod)
	if resetAt != nil {
		msg += " It resets at " + resetAt.UTC().Format(time.RFC1123) + "."
	}
	return msg
}
