package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"botline/internal/domain"
	"botline/internal/history"
)

type Resolver interface {
	Resolve(ctx context.Context, botID string, id domain.Identity) (domain.BotConfig, error)
}

// Manager keeps one live Session per (bot, identity) pair. Evicted sessions
// are reloaded from history on the next request. A session evicted while a
// send is running stays pinned until the send finishes, so a conversation
// never has two live sessions.
type Manager struct {
	resolver Resolver
	deps     Deps
	sessions *lru.Cache[string, *Session]
	group    singleflight.Group

	mu     sync.Mutex
	pinned map[string]*Session
}

func NewManager(resolver Resolver, deps Deps, size int) (*Manager, error) {
	if size <= 0 {
		size = 1024
	}
	m := &Manager{resolver: resolver, deps: deps, pinned: make(map[string]*Session)}
	cache, err := lru.NewWithEvict[string, *Session](size, m.evicted)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	m.sessions = cache
	return m, nil
}

func (m *Manager) evicted(key string, s *Session) {
	done := s.inflightDone()
	if done == nil {
		return
	}
	m.mu.Lock()
	m.pinned[key] = s
	m.mu.Unlock()
	go func() {
		<-done
		m.mu.Lock()
		if m.pinned[key] == s {
			delete(m.pinned, key)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) unpin(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pinned[key]
	if ok {
		delete(m.pinned, key)
	}
	return s, ok
}

func sessionKey(botID string, id domain.Identity) string {
	return botID + "|" + id.Key()
}

// Open returns the live session, resolving the bot and loading the latest
// stored conversation on first use. Bot access is re-checked every call.
func (m *Manager) Open(ctx context.Context, botID string, id domain.Identity) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	bot, err := m.resolver.Resolve(ctx, botID, id)
	if err != nil {
		return nil, err
	}
	key := sessionKey(botID, id)
	if s, ok := m.sessions.Get(key); ok {
		return s, nil
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		if s, ok := m.sessions.Get(key); ok {
			return s, nil
		}
		if s, ok := m.unpin(key); ok {
			m.sessions.Add(key, s)
			return s, nil
		}
		s := NewSession(bot, id, m.deps)
		conv, err := m.deps.History.LoadLatest(ctx, botID, id)
		switch {
		case err == nil:
			s.load(conv)
		case errors.Is(err, history.ErrNotFound):
		default:
			return nil, err
		}
		m.sessions.Add(key, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) Peek(botID string, id domain.Identity) (*Session, bool) {
	return m.sessions.Peek(sessionKey(botID, id))
}

func (m *Manager) Len() int { return m.sessions.Len() }
