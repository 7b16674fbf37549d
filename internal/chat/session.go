package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"botline/internal/domain"
	"botline/internal/history"
	"botline/internal/memory"
	"botline/internal/metrics"
	"botline/internal/providers"
	"botline/internal/storage"
	"botline/internal/usage"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSending    Phase = "sending"
	PhaseStreaming  Phase = "streaming"
	PhaseFinalizing Phase = "finalizing"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCanceled  Outcome = "canceled"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	errSuperseded   = errors.New("superseded by a newer send")
	errReset        = errors.New("conversation reset")
)

type State struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
	Phase          Phase            `json:"phase"`
	IsLoading      bool             `json:"is_loading"`
	IsStreaming    bool             `json:"is_streaming"`
	// Disabled is set while a send is in flight and while the usage gate
	// blocks input.
	Disabled       bool             `json:"disabled"`
	DisabledReason string           `json:"disabled_reason,omitempty"`
	ResetAt        *time.Time       `json:"reset_at,omitempty"`
	// Notice is a non-blocking message about the last failed send.
	Notice string `json:"notice,omitempty"`
}

type Ledger interface {
	CheckMessage(ctx context.Context, bot domain.BotConfig, id domain.Identity, text string) usage.Decision
	Record(ctx context.Context, bot domain.BotConfig, id domain.Identity, tokens int64) error
}

type Memory interface {
	Read(ctx context.Context, bot domain.BotConfig, id domain.Identity) (memory.Document, error)
}

type History interface {
	LoadLatest(ctx context.Context, botID string, id domain.Identity) (history.Conversation, error)
	Get(ctx context.Context, convID, botID string, id domain.Identity) (history.Conversation, error)
	List(ctx context.Context, botID string, id domain.Identity, limit int) ([]history.Conversation, error)
	Upsert(ctx context.Context, r history.Record) (int64, error)
	SoftDelete(ctx context.Context, convID string) error
}

type Router interface {
	For(bot domain.BotConfig) (providers.Provider, error)
}

type Auditor interface {
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Providers       Router
	Ledger          Ledger
	Memory          Memory
	Dispatcher      memory.Dispatcher
	History         History
	Audit           Auditor
	ProviderTimeout time.Duration
	Now             func() time.Time
	Logger          zerolog.Logger
}

type op struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Session owns one conversation between a bot and an identity. At most one
// send runs at a time: a new send cancels the one in flight and waits for
// it to unwind before starting.
type Session struct {
	bot      domain.BotConfig
	identity domain.Identity
	deps     Deps
	logger   zerolog.Logger

	// ctl serializes the start of sends with conversation resets.
	ctl sync.Mutex

	mu       sync.Mutex
	state    State
	inflight *op
	subs     map[int]chan State
	nextSub  int
}

func NewSession(bot domain.BotConfig, id domain.Identity, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Session{
		bot:      bot,
		identity: id,
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "chat").Str("bot_id", bot.ID).Str("identity", id.Key()).Logger(),
		subs:     map[int]chan State{},
	}
	s.state = State{ConversationID: uuid.NewString(), Messages: []domain.Message{}, Phase: PhaseIdle}
	return s
}

func (s *Session) Bot() domain.BotConfig { return s.bot }

func (s *Session) Identity() domain.Identity { return s.identity }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe delivers state snapshots. A slow reader only ever sees the
// newest snapshot; intermediate ones are dropped.
func (s *Session) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan State, 1)
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// Send runs one exchange. A blocked or canceled send is not an error; a
// provider or persistence failure reverts the conversation and returns
// the error.
func (s *Session) Send(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	s.ctl.Lock()
	s.abortLocked(errSuperseded)
	opCtx, cancel := context.WithCancelCause(ctx)
	o := &op{cancel: cancel, done: make(chan struct{})}
	now := s.deps.Now()
	userMsg := domain.NewMessage(domain.RoleUser, text, now)
	placeholder := domain.NewMessage(domain.RoleAssistant, "", now)
	placeholder.Avatar = s.bot.Avatar

	s.mu.Lock()
	s.inflight = o
	snapshot := domain.CloneMessages(s.state.Messages)
	s.state.Messages = append(domain.CloneMessages(s.state.Messages), userMsg, placeholder)
	s.state.Phase = PhaseSending
	s.state.Notice = ""
	convID := s.state.ConversationID
	s.notifyLocked()
	s.mu.Unlock()
	s.ctl.Unlock()

	defer func() {
		cancel(nil)
		s.mu.Lock()
		if s.inflight == o {
			s.inflight = nil
		}
		s.mu.Unlock()
		close(o.done)
	}()

	decision := s.deps.Ledger.CheckMessage(opCtx, s.bot, s.identity, text)
	if opCtx.Err() != nil {
		return s.canceled(snapshot)
	}
	if !decision.CanProceed {
		metrics.Global().UsageBlocked.Inc()
		s.mu.Lock()
		s.state.Messages = snapshot
		s.state.Phase = PhaseIdle
		s.state.Disabled = true
		s.state.DisabledReason = decision.Reason
		s.state.ResetAt = decision.ResetAt
		s.notifyLocked()
		s.mu.Unlock()
		s.logger.Info().Int64("usage", decision.CurrentUsage).Int64("limit", decision.Limit).Msg("send blocked by usage limit")
		return OutcomeBlocked, nil
	}

	request := s.buildRequest(opCtx, snapshot, userMsg)

	provider, err := s.deps.Providers.For(s.bot)
	if err != nil {
		return s.fail(snapshot, err)
	}

	s.mu.Lock()
	s.state.Phase = PhaseStreaming
	s.state.Disabled = false
	s.state.DisabledReason = ""
	s.state.ResetAt = nil
	s.notifyLocked()
	s.mu.Unlock()

	callCtx := opCtx
	if s.deps.ProviderTimeout > 0 {
		var stop context.CancelFunc
		callCtx, stop = context.WithTimeoutCause(opCtx, s.deps.ProviderTimeout, providers.ErrTimeout)
		defer stop()
	}
	reply, err := provider.Send(callCtx, request, s.bot, func(delta string) {
		s.appendDelta(opCtx, o, delta)
	})
	if err != nil {
		if opCtx.Err() != nil || errors.Is(err, providers.ErrAborted) {
			return s.canceled(snapshot)
		}
		metrics.Global().ProviderErrors.WithLabelValues(provider.Name()).Inc()
		return s.fail(snapshot, err)
	}

	return s.finalize(opCtx, convID, snapshot, text, reply)
}

func (s *Session) finalize(opCtx context.Context, convID string, snapshot []domain.Message, userText, reply string) (Outcome, error) {
	persistCtx := context.WithoutCancel(opCtx)
	now := s.deps.Now().UTC()

	s.mu.Lock()
	last := len(s.state.Messages) - 1
	s.state.Messages[last].Content = reply
	s.state.Messages[last].Avatar = s.bot.Avatar
	s.state.Messages[last].Timestamp = &now
	s.state.Phase = PhaseFinalizing
	final := domain.CloneMessages(s.state.Messages)
	s.notifyLocked()
	s.mu.Unlock()

	tokens := usage.EstimateTokens(userText) + usage.EstimateTokens(reply)
	if _, err := s.deps.History.Upsert(persistCtx, history.Record{
		ID:           convID,
		BotID:        s.bot.ID,
		Identity:     s.identity,
		Messages:     final,
		TokensUsed:   tokens,
		MessagesUsed: 1,
	}); err != nil {
		return s.fail(snapshot, err)
	}

	if err := s.deps.Ledger.Record(persistCtx, s.bot, s.identity, tokens); err != nil {
		s.logger.Error().Err(err).Msg("record usage failed")
	}
	if s.bot.MemoryEnabled && s.deps.Dispatcher != nil {
		if err := s.deps.Dispatcher.Dispatch(persistCtx, memory.NewJob(s.bot, s.identity, final)); err != nil {
			s.logger.Warn().Err(err).Msg("dispatch memory update failed")
		}
	}

	s.mu.Lock()
	s.state.Phase = PhaseIdle
	s.notifyLocked()
	s.mu.Unlock()
	metrics.Global().MessagesSent.Inc()
	return OutcomeCompleted, nil
}

// buildRequest assembles the provider messages: memory preamble, bot
// instructions, then the conversation without the empty placeholder.
func (s *Session) buildRequest(ctx context.Context, prior []domain.Message, userMsg domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(prior)+3)
	if s.bot.MemoryEnabled && s.deps.Memory != nil {
		doc, err := s.deps.Memory.Read(ctx, s.bot, s.identity)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Msg("read memory failed, sending without it")
		case !doc.Empty():
			pre, err := memory.Preamble(doc)
			if err != nil {
				s.logger.Warn().Err(err).Msg("encode memory preamble failed")
				break
			}
			out = append(out, pre)
		}
	}
	if instr := strings.TrimSpace(s.bot.Instructions); instr != "" {
		out = append(out, domain.Message{Role: domain.RoleSystem, Content: instr})
	}
	for _, m := range prior {
		if m.Role == domain.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return append(out, userMsg)
}

func (s *Session) appendDelta(opCtx context.Context, o *op, delta string) {
	if delta == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != o || opCtx.Err() != nil {
		return
	}
	last := len(s.state.Messages) - 1
	if last < 0 || s.state.Messages[last].Role != domain.RoleAssistant {
		return
	}
	s.state.Messages[last].Content += delta
	s.notifyLocked()
}

func (s *Session) canceled(snapshot []domain.Message) (Outcome, error) {
	metrics.Global().SendsCanceled.Inc()
	s.revert(snapshot, "")
	return OutcomeCanceled, nil
}

func (s *Session) fail(snapshot []domain.Message, err error) (Outcome, error) {
	s.logger.Warn().Err(err).Msg("send failed")
	s.revert(snapshot, Notice(err))
	return "", err
}

func (s *Session) revert(snapshot []domain.Message, notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Messages = snapshot
	s.state.Phase = PhaseIdle
	s.state.Notice = notice
	s.notifyLocked()
}

func (s *Session) NewChat() string {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.abortLocked(errReset)
	return s.reset(uuid.NewString(), nil)
}

// SelectChat switches to a stored conversation of the same bot and identity.
func (s *Session) SelectChat(ctx context.Context, convID string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	conv, err := s.deps.History.Get(ctx, convID, s.bot.ID, s.identity)
	if err != nil {
		return err
	}
	s.abortLocked(errReset)
	s.reset(conv.ID, conv.Messages)
	return nil
}

// ClearChat soft-deletes the current conversation and starts a new one.
func (s *Session) ClearChat(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.abortLocked(errReset)

	s.mu.Lock()
	convID := s.state.ConversationID
	s.mu.Unlock()

	if err := s.deps.History.SoftDelete(ctx, convID); err != nil && !errors.Is(err, history.ErrNotFound) {
		return err
	}
	if s.deps.Audit != nil {
		meta, _ := json.Marshal(map[string]any{"conversation_id": convID})
		if err := s.deps.Audit.LogAction(ctx, storage.AuditEntry{BotID: s.bot.ID, Actor: s.identity.Key(), Action: "chat.clear", MetaJSON: string(meta)}); err != nil {
			s.logger.Warn().Err(err).Msg("audit chat clear failed")
		}
	}
	s.reset(uuid.NewString(), nil)
	return nil
}

func (s *Session) Conversations(ctx context.Context, limit int) ([]history.Conversation, error) {
	return s.deps.History.List(ctx, s.bot.ID, s.identity, limit)
}

func (s *Session) load(conv history.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ConversationID = conv.ID
	s.state.Messages = domain.CloneMessages(conv.Messages)
	if s.state.Messages == nil {
		s.state.Messages = []domain.Message{}
	}
}

func (s *Session) reset(convID string, msgs []domain.Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ConversationID = convID
	s.state.Messages = domain.CloneMessages(msgs)
	if s.state.Messages == nil {
		s.state.Messages = []domain.Message{}
	}
	s.state.Phase = PhaseIdle
	s.state.Notice = ""
	s.notifyLocked()
	return convID
}

// abortLocked cancels the in-flight send and waits for it to unwind. The
// caller holds ctl.
func (s *Session) abortLocked(cause error) {
	s.mu.Lock()
	prev := s.inflight
	s.mu.Unlock()
	if prev == nil {
		return
	}
	prev.cancel(cause)
	<-prev.done
}

func (s *Session) snapshotLocked() State {
	st := s.state
	st.Messages = domain.CloneMessages(s.state.Messages)
	st.IsLoading = st.Phase != PhaseIdle
	st.IsStreaming = st.Phase == PhaseStreaming
	// Input stays closed while an exchange runs. DisabledReason is only set
	// by the usage gate.
	st.Disabled = st.Disabled || st.IsLoading
	return st
}

// inflightDone returns a channel closed when the running send finishes, or
// nil when the session is idle.
func (s *Session) inflightDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		return nil
	}
	return s.inflight.done
}

func (s *Session) notifyLocked() {
	if len(s.subs) == 0 {
		return
	}
	st := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Notice maps a send failure to the text shown to the user.
func Notice(err error) string {
	var perr *providers.Error
	var herr *history.PersistenceError
	switch {
	case errors.Is(err, providers.ErrEmptyResponse):
		return "The assistant returned an empty response. Please try again."
	case errors.Is(err, providers.ErrTimeout):
		return "The assistant took too long to respond. Please try again."
	case errors.As(err, &perr):
		return fmt.Sprintf("The assistant is unavailable right now (%s).", perr.Provider)
	case errors.As(err, &herr):
		return "Your message could not be saved. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
