package usage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botline/internal/domain"
	"botline/internal/storage"
)

var testNow = time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "usage.db") + "?_pragma=busy_timeout(5000)&_time_format=sqlite"
	s, err := storage.Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLedger(s Store) *Ledger {
	return NewLedger(Config{Store: s, Now: func() time.Time { return testNow }, Logger: zerolog.Nop()})
}

func seedEvents(t *testing.T, s *storage.Store, botID, key string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.InsertUsageEvent(context.Background(), storage.UsageEvent{
			BotID: botID, IdentityKey: key, Messages: 1, Tokens: 10,
			CreatedAt: at.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
}

func TestCheckExactBoundary(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.UpsertSubscriptionLimit(ctx, storage.SubscriptionLimit{
		BotOrModel: "bot-1", UserRole: domain.RoleAnonymous, UnitsPerPeriod: 10, LimitType: "messages", ResetPeriod: "daily", ResetAmount: 1,
	}); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	bot := domain.BotConfig{ID: "bot-1", Model: "m"}
	id := domain.Identity{SessionToken: "s1"}
	l := newLedger(s)

	seedEvents(t, s, "bot-1", id.Key(), 9, testNow.Add(-3*time.Hour))
	d := l.Check(ctx, bot, id, 1)
	if !d.CanProceed || d.CurrentUsage != 9 || d.Limit != 10 {
		t.Fatalf("expected 9 prior rows to allow, got %+v", d)
	}

	seedEvents(t, s, "bot-1", id.Key(), 1, testNow.Add(-time.Hour))
	d = l.Check(ctx, bot, id, 1)
	if d.CanProceed || d.CurrentUsage != 10 {
		t.Fatalf("expected 10 prior rows to block, got %+v", d)
	}
	if !strings.Contains(d.Reason, "limit") {
		t.Fatalf("expected limit reason, got %q", d.Reason)
	}
	wantReset := testNow.Add(-3 * time.Hour).AddDate(0, 0, 1)
	if d.ResetAt == nil || !d.ResetAt.Equal(wantReset) {
		t.Fatalf("expected reset at %v, got %v", wantReset, d.ResetAt)
	}
}

func TestCheckIgnoresEventsOutsideWindowAndOtherIdentities(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.UpsertSubscriptionLimit(ctx, storage.SubscriptionLimit{
		BotOrModel: "bot-1", UserRole: domain.RoleAnonymous, UnitsPerPeriod: 5, LimitType: "messages", ResetPeriod: "daily", ResetAmount: 1,
	}); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	id := domain.Identity{SessionToken: "s1"}
	seedEvents(t, s, "bot-1", id.Key(), 5, testNow.Add(-30*time.Hour))
	seedEvents(t, s, "bot-1", "session:other", 5, testNow.Add(-time.Hour))

	d := newLedger(s).Check(ctx, domain.BotConfig{ID: "bot-1"}, id, 1)
	if !d.CanProceed || d.CurrentUsage != 0 {
		t.Fatalf("expected empty window, got %+v", d)
	}
}

func TestCheckUnlimitedSentinel(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.UpsertSubscriptionLimit(ctx, storage.SubscriptionLimit{
		BotOrModel: "bot-1", UserRole: domain.RoleAnonymous, UnitsPerPeriod: domain.Unlimited, LimitType: "tokens", ResetPeriod: "hourly",
	}); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	id := domain.Identity{SessionToken: "s1"}
	seedEvents(t, s, "bot-1", id.Key(), 50, testNow.Add(-10*time.Minute))

	d := newLedger(s).Check(ctx, domain.BotConfig{ID: "bot-1"}, id, 1_000_000)
	if !d.CanProceed {
		t.Fatalf("unlimited quota must always allow, got %+v", d)
	}
}

func TestCheckTokensAndModelFallback(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.UpsertProfile(ctx, storage.Profile{UserID: "alice", Role: "free"}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := s.UpsertSubscriptionLimit(ctx, storage.SubscriptionLimit{
		BotOrModel: "gemini", UserRole: "free", UnitsPerPeriod: 25, LimitType: "tokens", ResetPeriod: "weekly", ResetAmount: 1,
	}); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	id := domain.Identity{UserID: "alice"}
	seedEvents(t, s, "bot-1", id.Key(), 2, testNow.Add(-24*time.Hour))

	l := newLedger(s)
	bot := domain.BotConfig{ID: "bot-1", Model: "gemini"}
	if d := l.Check(ctx, bot, id, 5); !d.CanProceed || d.CurrentUsage != 20 || d.LimitType != domain.LimitTokens {
		t.Fatalf("expected 20+5 tokens to fit, got %+v", d)
	}
	if d := l.Check(ctx, bot, id, 6); d.CanProceed {
		t.Fatalf("expected 20+6 tokens to block, got %+v", d)
	}
}

func TestCheckMessageEstimatesByLimitType(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.UpsertSubscriptionLimit(ctx, storage.SubscriptionLimit{
		BotOrModel: "bot-1", UserRole: domain.RoleAnonymous, UnitsPerPeriod: 10, LimitType: "tokens", ResetPeriod: "daily",
	}); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	l := newLedger(s)
	bot := domain.BotConfig{ID: "bot-1"}
	id := domain.Identity{SessionToken: "s"}
	if d := l.CheckMessage(ctx, bot, id, strings.Repeat("a", 40)); !d.CanProceed {
		t.Fatalf("10 tokens must fit, got %+v", d)
	}
	if d := l.CheckMessage(ctx, bot, id, strings.Repeat("a", 41)); d.CanProceed {
		t.Fatalf("11 tokens must not fit, got %+v", d)
	}
}

func TestCheckBotRowWinsOverModelRow(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, lim := range []storage.SubscriptionLimit{
		{BotOrModel: "gemini", UserRole: domain.RoleAnonymous, UnitsPerPeriod: 0, LimitType: "messages", ResetPeriod: "daily"},
		{BotOrModel: "bot-1", UserRole: domain.RoleAnonymous, UnitsPerPeriod: 3, LimitType: "messages", ResetPeriod: "daily"},
	} {
		if err := s.UpsertSubscriptionLimit(ctx, lim); err != nil {
			t.Fatalf("seed limit: %v", err)
		}
	}
	d := newLedger(s).Check(ctx, domain.BotConfig{ID: "bot-1", Model: "gemini"}, domain.Identity{SessionToken: "x"}, 1)
	if !d.CanProceed || d.Limit != 3 {
		t.Fatalf("expected bot-specific row, got %+v", d)
	}
}

func TestCheckNoQuotaIsUnrestricted(t *testing.T) {
	s := openStore(t)
	d := newLedger(s).Check(context.Background(), domain.BotConfig{ID: "bot-1", Model: "m"}, domain.Identity{SessionToken: "x"}, 99)
	if !d.CanProceed {
		t.Fatalf("absent quota must allow, got %+v", d)
	}
}

func TestCheckMissingProfileFailsClosed(t *testing.T) {
	s := openStore(t)
	d := newLedger(s).Check(context.Background(), domain.BotConfig{ID: "bot-1"}, domain.Identity{UserID: "ghost"}, 1)
	if d.CanProceed || d.Reason == "" {
		t.Fatalf("missing profile must block, got %+v", d)
	}
}

type failingStore struct {
	err error
}

func (f failingStore) GetProfileRole(context.Context, string) (string, error) { return "free", nil }

func (f failingStore) GetSubscriptionLimit(context.Context, string, string) (storage.SubscriptionLimit, error) {
	return storage.SubscriptionLimit{}, f.err
}

func (f failingStore) SumUsage(context.Context, string, string, time.Time) (storage.UsageTotals, error) {
	return storage.UsageTotals{}, f.err
}

func (f failingStore) InsertUsageEvent(context.Context, storage.UsageEvent) error { return f.err }

func TestCheckStoreErrorFailsClosed(t *testing.T) {
	l := newLedger(failingStore{err: errors.New("db down")})
	d := l.Check(context.Background(), domain.BotConfig{ID: "bot-1"}, domain.Identity{UserID: "alice"}, 1)
	if d.CanProceed {
		t.Fatalf("store failure must block, got %+v", d)
	}
	if !strings.Contains(d.Reason, "limit") {
		t.Fatalf("expected generic limit reason, got %q", d.Reason)
	}
}

func TestCheckLifetimeCap(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	lifetime := int64(4)
	if err := s.UpsertSubscriptionLimit(ctx, storage.SubscriptionLimit{
		BotOrModel: "bot-1", UserRole: domain.RoleAnonymous, UnitsPerPeriod: domain.Unlimited, LimitType: "messages",
		ResetPeriod: "daily", LifetimeMaxUnits: &lifetime,
	}); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	id := domain.Identity{SessionToken: "s1"}
	seedEvents(t, s, "bot-1", id.Key(), 4, testNow.AddDate(0, -2, 0))

	d := newLedger(s).Check(ctx, domain.BotConfig{ID: "bot-1"}, id, 1)
	if d.CanProceed || d.Limit != 4 || !strings.Contains(d.Reason, "Lifetime") {
		t.Fatalf("expected lifetime cap to block, got %+v", d)
	}
}

func TestRecordAppendsEvent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id := domain.Identity{ClientID: "site", ShareKey: "k"}
	l := newLedger(s)
	if err := l.Record(ctx, domain.BotConfig{ID: "bot-1"}, id, 42); err != nil {
		t.Fatalf("record: %v", err)
	}
	totals, err := s.SumUsage(ctx, "bot-1", id.Key(), testNow.Add(-time.Minute))
	if err != nil || totals.Messages != 1 || totals.Tokens != 42 {
		t.Fatalf("unexpected totals %+v %v", totals, err)
	}
}

func TestEstimate(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := Estimate(domain.LimitMessages, strings.Repeat("x", 400)); got != 1 {
		t.Fatalf("messages estimate must be 1, got %d", got)
	}
	if got := Estimate(domain.LimitTokens, strings.Repeat("x", 400)); got != 100 {
		t.Fatalf("expected 100 tokens, got %d", got)
	}
}
