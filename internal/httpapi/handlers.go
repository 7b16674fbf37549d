package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"botline/internal/bots"
	"botline/internal/chat"
	"botline/internal/domain"
	"botline/internal/history"
	"botline/internal/metrics"
)

const maxRequestBodySize = 1 << 20

type sendRequest struct {
	Text string `json:"text" validate:"required,max=32000"`
}

type doneEvent struct {
	Outcome chat.Outcome `json:"outcome"`
	State   chat.State   `json:"state"`
}

type errorEvent struct {
	Error string     `json:"error"`
	State chat.State `json:"state"`
}

type chatSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Messages   int       `json:"messages"`
	Sequence   int64     `json:"sequence"`
	TokensUsed int64     `json:"tokens_used"`
	Exchanges  int64     `json:"exchanges"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decode(w, r, &req) {
		return
	}
	botID := chi.URLParam(r, "botID")
	id := identityFrom(r.Context())

	session, err := s.sessions.Open(r.Context(), botID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !s.allow(w, r, botID, id) {
		return
	}
	scope := botID + "|" + id.Key()
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key != "" && s.dedupe != nil {
		first, err := s.dedupe.MarkFirst(r.Context(), scope, key)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to dedupe request")
			key = ""
		} else if !first {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate request"})
			return
		}
	} else {
		key = ""
	}

	var (
		out     chat.Outcome
		sendErr error
	)
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		out, sendErr = session.Send(r.Context(), req.Text)
		if sendErr != nil {
			writeJSON(w, statusFor(sendErr), errorEvent{Error: chat.Notice(sendErr), State: session.State()})
		} else {
			writeJSON(w, http.StatusOK, doneEvent{Outcome: out, State: session.State()})
		}
	} else {
		out, sendErr = s.streamSend(w, r, session, req.Text)
	}

	// Only a completed exchange consumes the key, so a client may retry the rest.
	if key != "" && (sendErr != nil || out != chat.OutcomeCompleted) {
		if err := s.dedupe.Release(context.WithoutCancel(r.Context()), scope, key); err != nil {
			s.logger.Error().Err(err).Msg("failed to release idempotency key")
		}
	}
}

// streamSend writes a state event for every snapshot and finishes with a
// done or error event.
func (s *Server) streamSend(w http.ResponseWriter, r *http.Request, session *chat.Session, text string) (chat.Outcome, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		err := errors.New("streaming not supported")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return "", err
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, stop := session.Subscribe()
	defer stop()

	type result struct {
		out chat.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Send(r.Context(), text)
		done <- result{out, err}
	}()

	for {
		select {
		case st := <-updates:
			if err := writeEvent(w, "state", st); err != nil {
				s.logger.Debug().Err(err).Msg("stream client went away")
			}
			flusher.Flush()
		case res := <-done:
			if res.err != nil {
				_ = writeEvent(w, "error", errorEvent{Error: chat.Notice(res.err), State: session.State()})
			} else {
				_ = writeEvent(w, "done", doneEvent{Outcome: res.out, State: session.State()})
			}
			flusher.Flush()
			return res.out, res.err
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Open(r.Context(), chi.URLParam(r, "botID"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.State())
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Open(r.Context(), chi.URLParam(r, "botID"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	session.NewChat()
	writeJSON(w, http.StatusCreated, session.State())
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Open(r.Context(), chi.URLParam(r, "botID"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	convs, err := session.Conversations(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]chatSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, chatSummary{
			ID:         c.ID,
			Title:      title(c.Messages),
			Messages:   len(c.Messages),
			Sequence:   c.Sequence,
			TokensUsed: c.TokensUsed,
			Exchanges:  c.MessagesUsed,
			UpdatedAt:  c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Open(r.Context(), chi.URLParam(r, "botID"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := session.SelectChat(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.State())
}

func (s *Server) handleClearChat(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Open(r.Context(), chi.URLParam(r, "botID"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := session.ClearChat(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.State())
}

// allow applies the per-identity request throttle. A limiter failure lets
// the request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, botID string, id domain.Identity) bool {
	if s.limiter == nil {
		return true
	}
	ok, _, resetAt, err := s.limiter.Allow(r.Context(), botID, id.Key(), s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	metrics.Global().RateLimited.Inc()
	retry := int(time.Until(resetAt).Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests. Try again after " + resetAt.UTC().Format("15:04:05 UTC")})
	return false
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return false
	}
	if len(body) > maxRequestBodySize {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("%s failed %s validation", strings.ToLower(verrs[0].Field()), verrs[0].Tag())})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error().Err(err).Msg("request failed")
	}
	msg := err.Error()
	var cerr *bots.ConfigurationError
	switch {
	case errors.As(err, &cerr):
		msg = cerr.Error()
	case status >= 500:
		msg = chat.Notice(err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	var cerr *bots.ConfigurationError
	var perr *history.PersistenceError
	switch {
	case errors.Is(err, domain.ErrMissingIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, bots.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, bots.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &cerr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.As(err, &perr):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func title(msgs []domain.Message) string {
	t := []rune(strings.TrimSpace(domain.FirstUser(msgs)))
	if len(t) > 60 {
		return string(t[:60]) + "..."
	}
	return string(t)
}

func writeEvent(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
