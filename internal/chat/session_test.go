package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botline/internal/domain"
	"botline/internal/history"
	"botline/internal/memory"
	"botline/internal/providers"
	"botline/internal/providers/gemini"
	"botline/internal/providers/registry"
	"botline/internal/storage"
	"botline/internal/usage"
)

type sendFunc func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error)

type funcProvider struct {
	mu    sync.Mutex
	calls int
	fn    sendFunc
}

func (p *funcProvider) Name() string { return "fake" }

func (p *funcProvider) Send(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.fn(ctx, msgs, bot, onChunk)
}

func (p *funcProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type staticRouter struct{ p providers.Provider }

func (r staticRouter) For(domain.BotConfig) (providers.Provider, error) { return r.p, nil }

type fakeLedger struct {
	mu       sync.Mutex
	decision usage.Decision
	recorded []int64
}

func (l *fakeLedger) CheckMessage(context.Context, domain.BotConfig, domain.Identity, string) usage.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decision
}

func (l *fakeLedger) Record(_ context.Context, _ domain.BotConfig, _ domain.Identity, tokens int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded = append(l.recorded, tokens)
	return nil
}

func (l *fakeLedger) Records() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recorded)
}

type spyMemory struct {
	mu    sync.Mutex
	doc   memory.Document
	reads int
}

func (m *spyMemory) Read(context.Context, domain.BotConfig, domain.Identity) (memory.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.doc == nil {
		return &memory.Facts{}, nil
	}
	return m.doc, nil
}

type spyDispatcher struct {
	mu   sync.Mutex
	jobs []memory.Job
}

func (d *spyDispatcher) Dispatch(_ context.Context, job memory.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *spyDispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "chat.db") + "?_pragma=busy_timeout(5000)&_time_format=sqlite"
	s, err := storage.Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func allow() usage.Decision { return usage.Decision{CanProceed: true, Limit: -1} }

type fixture struct {
	store    *storage.Store
	history  *history.Store
	ledger   *fakeLedger
	memory   *spyMemory
	dispatch *spyDispatcher
}

func newFixture(t *testing.T) *fixture {
	st := openStore(t)
	return &fixture{
		store:    st,
		history:  history.NewStore(st),
		ledger:   &fakeLedger{decision: allow()},
		memory:   &spyMemory{},
		dispatch: &spyDispatcher{},
	}
}

func (f *fixture) deps(router Router) Deps {
	return Deps{
		Providers:  router,
		Ledger:     f.ledger,
		Memory:     f.memory,
		Dispatcher: f.dispatch,
		History:    f.history,
		Audit:      f.store,
		Logger:     zerolog.Nop(),
	}
}

var anon = domain.Identity{SessionToken: "sess-1"}

func TestSendStreamsIntoLastMessage(t *testing.T) {
	f := newFixture(t)
	var s *Session
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		acc := ""
		for _, d := range []string{"Hel", "lo"} {
			onChunk(d)
			acc += d
			st := s.State()
			last := st.Messages[len(st.Messages)-1]
			if last.Role != domain.RoleAssistant || last.Content != acc {
				t.Errorf("expected last message %q, got %+v", acc, last)
			}
			if !st.IsStreaming || !st.IsLoading || !st.Disabled || st.DisabledReason != "" {
				t.Errorf("expected streaming state with input disabled, got %+v", st)
			}
		}
		return acc, nil
	}}
	s = NewSession(domain.BotConfig{ID: "bot", Avatar: "a.png"}, anon, f.deps(staticRouter{p}))

	out, err := s.Send(context.Background(), "hi there")
	if err != nil || out != OutcomeCompleted {
		t.Fatalf("send: %v %v", out, err)
	}
	st := s.State()
	if len(st.Messages) != 2 || st.Messages[1].Content != "Hello" || st.Messages[1].Avatar != "a.png" {
		t.Fatalf("unexpected final messages %+v", st.Messages)
	}
	if st.Phase != PhaseIdle || st.IsLoading || st.Disabled {
		t.Fatalf("expected idle state with input enabled, got %+v", st)
	}
	conv, err := f.history.LoadLatest(context.Background(), "bot", anon)
	if err != nil || conv.ID != st.ConversationID || len(conv.Messages) != 2 {
		t.Fatalf("expected persisted conversation, got %+v %v", conv, err)
	}
	if f.ledger.Records() != 1 {
		t.Fatalf("expected one usage record, got %d", f.ledger.Records())
	}
}

func TestNewSendSupersedesInflight(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		if domain.LastUser(msgs) == "first" {
			onChunk("partial")
			close(started)
			<-ctx.Done()
			return "", providers.ContextError(ctx)
		}
		return "second reply", nil
	}}
	s := NewSession(domain.BotConfig{ID: "bot"}, anon, f.deps(staticRouter{p}))

	type result struct {
		out Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := s.Send(context.Background(), "first")
		first <- result{out, err}
	}()
	<-started
	if st := s.State(); st.Messages[len(st.Messages)-1].Content != "partial" {
		t.Fatalf("expected partial content while streaming, got %+v", st.Messages)
	}

	out, err := s.Send(context.Background(), "second")
	if err != nil || out != OutcomeCompleted {
		t.Fatalf("second send: %v %v", out, err)
	}
	r := <-first
	if r.err != nil || r.out != OutcomeCanceled {
		t.Fatalf("expected first send canceled silently, got %v %v", r.out, r.err)
	}

	st := s.State()
	if len(st.Messages) != 2 {
		t.Fatalf("expected only the second exchange, got %+v", st.Messages)
	}
	for _, m := range st.Messages {
		if strings.Contains(m.Content, "partial") || m.Content == "first" {
			t.Fatalf("superseded send leaked into state: %+v", st.Messages)
		}
	}
	if st.Notice != "" {
		t.Fatalf("cancel must not set a notice, got %q", st.Notice)
	}
	if f.ledger.Records() != 1 {
		t.Fatalf("expected usage recorded only for the completed send, got %d", f.ledger.Records())
	}
}

func TestMemoryGating(t *testing.T) {
	f := newFixture(t)
	f.memory.doc = &memory.Facts{Name: "Alex"}
	var seen []domain.Message
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		seen = msgs
		return "ok", nil
	}}

	off := NewSession(domain.BotConfig{ID: "bot", Instructions: "Be brief."}, anon, f.deps(staticRouter{p}))
	if _, err := off.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.memory.reads != 0 || f.dispatch.Len() != 0 {
		t.Fatalf("memory must not be touched when disabled: reads=%d dispatched=%d", f.memory.reads, f.dispatch.Len())
	}
	if seen[0].Role != domain.RoleSystem || seen[0].Content != "Be brief." {
		t.Fatalf("expected instructions first, got %+v", seen)
	}

	on := NewSession(domain.BotConfig{ID: "bot2", MemoryEnabled: true, Instructions: "Be brief."}, anon, f.deps(staticRouter{p}))
	if _, err := on.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.memory.reads != 1 || f.dispatch.Len() != 1 {
		t.Fatalf("expected one read and one dispatch, got reads=%d dispatched=%d", f.memory.reads, f.dispatch.Len())
	}
	if !strings.HasPrefix(seen[0].Content, "Previous context about the user:") || seen[1].Content != "Be brief." {
		t.Fatalf("expected memory preamble before instructions, got %+v", seen)
	}
	if job := f.dispatch.jobs[0]; job.BotID != "bot2" || len(job.Messages) != 2 {
		t.Fatalf("unexpected memory job %+v", job)
	}
}

func TestEmptyReplyReverts(t *testing.T) {
	f := newFixture(t)
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		return "", providers.ErrEmptyResponse
	}}
	s := NewSession(domain.BotConfig{ID: "bot"}, anon, f.deps(staticRouter{p}))

	_, err := s.Send(context.Background(), "hello")
	if !errors.Is(err, providers.ErrEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", err)
	}
	st := s.State()
	if len(st.Messages) != 0 || st.Phase != PhaseIdle {
		t.Fatalf("expected reverted state, got %+v", st)
	}
	if !strings.Contains(st.Notice, "empty response") {
		t.Fatalf("expected notice, got %q", st.Notice)
	}
	if _, err := f.history.LoadLatest(context.Background(), "bot", anon); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("nothing should be persisted, got %v", err)
	}
	if f.ledger.Records() != 0 {
		t.Fatalf("failed send must not record usage")
	}
}

func TestGeminiReceivesMemoryPreamble(t *testing.T) {
	f := newFixture(t)
	f.memory.doc = &memory.Facts{Name: "Alex", Likes: []string{"chess"}}
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		prompt = body.Contents[0].Parts[0].Text
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"A rapid chess game."}]}}]}`))
	}))
	defer srv.Close()

	router := registry.New(gemini.New(gemini.Config{BaseURL: srv.URL}))
	bot := domain.BotConfig{ID: "bot", Provider: "gemini", Model: "gemini-1.5-flash", APIKey: "k", MemoryEnabled: true}
	s := NewSession(bot, anon, f.deps(router))

	out, err := s.Send(context.Background(), "what should I play tonight?")
	if err != nil || out != OutcomeCompleted {
		t.Fatalf("send: %v %v", out, err)
	}
	pre := strings.Index(prompt, "Previous context about the user:")
	ask := strings.Index(prompt, "Human: what should I play tonight?")
	if pre < 0 || ask < 0 || pre > ask {
		t.Fatalf("expected preamble before the question, got %q", prompt)
	}
	if !strings.Contains(prompt, `"Alex"`) || !strings.Contains(prompt, "chess") {
		t.Fatalf("expected stored facts in prompt, got %q", prompt)
	}
	if got := s.State().Messages[1].Content; got != "A rapid chess game." {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestQuotaBlocksBeforeProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	if err := f.store.UpsertSubscriptionLimit(ctx, storage.SubscriptionLimit{
		BotOrModel: "bot", UserRole: domain.RoleAnonymous, UnitsPerPeriod: 5, LimitType: "messages", ResetPeriod: "daily", ResetAmount: 1,
	}); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := f.store.InsertUsageEvent(ctx, storage.UsageEvent{
			BotID: "bot", IdentityKey: anon.Key(), Messages: 1, Tokens: 10, CreatedAt: now.Add(-time.Duration(i+1) * time.Hour),
		}); err != nil {
			t.Fatalf("seed usage: %v", err)
		}
	}
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		return "should not happen", nil
	}}
	deps := f.deps(staticRouter{p})
	deps.Ledger = usage.NewLedger(usage.Config{Store: f.store, Now: func() time.Time { return now }, Logger: zerolog.Nop()})
	s := NewSession(domain.BotConfig{ID: "bot", Model: "m"}, anon, deps)

	out, err := s.Send(ctx, "one more?")
	if err != nil || out != OutcomeBlocked {
		t.Fatalf("expected blocked outcome, got %v %v", out, err)
	}
	if p.Calls() != 0 {
		t.Fatalf("provider must not be called when blocked")
	}
	st := s.State()
	if !st.Disabled || !strings.Contains(st.DisabledReason, "limit") || st.ResetAt == nil {
		t.Fatalf("expected disabled state with reason, got %+v", st)
	}
	if len(st.Messages) != 0 {
		t.Fatalf("blocked send must not leave messages, got %+v", st.Messages)
	}
}

func TestProviderTimeoutSetsNotice(t *testing.T) {
	f := newFixture(t)
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		<-ctx.Done()
		return "", providers.ContextError(ctx)
	}}
	deps := f.deps(staticRouter{p})
	deps.ProviderTimeout = 20 * time.Millisecond
	s := NewSession(domain.BotConfig{ID: "bot"}, anon, deps)

	_, err := s.Send(context.Background(), "hello")
	if !errors.Is(err, providers.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if st := s.State(); !strings.Contains(st.Notice, "too long") || len(st.Messages) != 0 {
		t.Fatalf("unexpected state after timeout %+v", st)
	}
}

type failingHistory struct {
	*history.Store
}

func (failingHistory) Upsert(context.Context, history.Record) (int64, error) {
	return 0, &history.PersistenceError{Op: "upsert", Err: errors.New("disk full")}
}

func TestPersistenceFailureReverts(t *testing.T) {
	f := newFixture(t)
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		return "reply", nil
	}}
	deps := f.deps(staticRouter{p})
	deps.History = failingHistory{f.history}
	s := NewSession(domain.BotConfig{ID: "bot", MemoryEnabled: true}, anon, deps)

	_, err := s.Send(context.Background(), "hello")
	var perr *history.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	st := s.State()
	if len(st.Messages) != 0 || !strings.Contains(st.Notice, "could not be saved") {
		t.Fatalf("expected revert with notice, got %+v", st)
	}
	if f.ledger.Records() != 0 || f.dispatch.Len() != 0 {
		t.Fatalf("unsaved exchange must not record usage or update memory")
	}
}

func TestChatControls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		return "echo: " + domain.LastUser(msgs), nil
	}}
	s := NewSession(domain.BotConfig{ID: "bot"}, anon, f.deps(staticRouter{p}))

	if _, err := s.Send(ctx, "one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	first := s.State().ConversationID

	second := s.NewChat()
	if second == first || len(s.State().Messages) != 0 {
		t.Fatalf("expected fresh conversation, got %q %+v", second, s.State())
	}

	if err := s.SelectChat(ctx, first); err != nil {
		t.Fatalf("select: %v", err)
	}
	st := s.State()
	if st.ConversationID != first || len(st.Messages) != 2 || st.Messages[1].Content != "echo: one" {
		t.Fatalf("unexpected selected state %+v", st)
	}
	if err := s.SelectChat(ctx, "missing"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := s.ClearChat(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if s.State().ConversationID == first || len(s.State().Messages) != 0 {
		t.Fatalf("expected cleared state, got %+v", s.State())
	}
	if _, err := f.history.Get(ctx, first, "bot", anon); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("cleared conversation must be hidden, got %v", err)
	}
	entries, err := f.store.ListAudit(ctx, "bot", 10)
	if err != nil || len(entries) != 1 || entries[0].Action != "chat.clear" {
		t.Fatalf("expected audit entry, got %+v %v", entries, err)
	}
	if err := s.ClearChat(ctx); err != nil {
		t.Fatalf("clearing an unsaved conversation should succeed, got %v", err)
	}
}

func TestSubscribeReceivesLatestState(t *testing.T) {
	f := newFixture(t)
	p := &funcProvider{fn: func(ctx context.Context, msgs []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
		onChunk("a")
		onChunk("b")
		return "ab", nil
	}}
	s := NewSession(domain.BotConfig{ID: "bot"}, anon, f.deps(staticRouter{p}))
	ch, stop := s.Subscribe()
	defer stop()

	if _, err := s.Send(context.Background(), "go"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case st := <-ch:
		if st.Phase != PhaseIdle || st.Messages[1].Content != "ab" {
			t.Fatalf("expected final snapshot, got %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}
}

func TestSendRejectsBlankText(t *testing.T) {
	f := newFixture(t)
	s := NewSession(domain.BotConfig{ID: "bot"}, anon, f.deps(staticRouter{&funcProvider{}}))
	if _, err := s.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
}
