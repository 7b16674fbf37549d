package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"botline/internal/domain"
	"botline/internal/providers"
)

func TestFlatten(t *testing.T) {
	got := Flatten([]domain.Message{
		{Role: domain.RoleSystem, Content: "Be kind."},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
		{Role: domain.RoleAssistant, Content: ""},
		{Role: domain.RoleUser, Content: "how are you?"},
	})
	want := "Be kind.\n\nHuman: hi\n\nAssistant: hello\n\nHuman: how are you?"
	if got != want {
		t.Fatalf("unexpected transcript:\n%q\nwant\n%q", got, want)
	}
}

func TestSendSingleShot(t *testing.T) {
	var gotKey, gotPath string
	var gotBody generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Try chess puzzles."}]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	called := false
	text, err := c.Send(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "what should I play?"}},
		domain.BotConfig{Model: "gemini", APIKey: "g-key", Params: domain.GenerationParams{Stream: true}},
		func(string) { called = true })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if text != "Try chess puzzles." {
		t.Fatalf("unexpected text %q", text)
	}
	if called {
		t.Fatalf("single-shot provider must not emit chunks")
	}
	if gotKey != "g-key" {
		t.Fatalf("expected bot key header, got %q", gotKey)
	}
	if gotPath != "/models/"+DefaultModel+":generateContent" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if len(gotBody.Contents) != 1 || gotBody.Contents[0].Parts[0].Text != "Human: what should I play?" {
		t.Fatalf("unexpected contents %+v", gotBody.Contents)
	}
	if len(gotBody.SafetySettings) == 0 {
		t.Fatalf("expected safety settings in payload")
	}
}

func TestSendRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 1, BackoffBase: time.Millisecond})
	text, err := c.Send(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "x"}}, domain.BotConfig{Model: "gemini-pro", APIKey: "k"}, nil)
	if err != nil || text != "ok" {
		t.Fatalf("expected retry to succeed, got text=%q err=%v", text, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestSendClientErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, MaxRetries: 3}).Send(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "x"}}, domain.BotConfig{APIKey: "k"}, nil)
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.Status != http.StatusBadRequest || !strings.Contains(perr.Message, "API key") {
		t.Fatalf("unexpected error %+v", perr)
	}
}

func TestSendEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Send(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "x"}}, domain.BotConfig{APIKey: "k"}, nil)
	if !errors.Is(err, providers.ErrEmptyResponse) {
		t.Fatalf("expected empty response, got %v", err)
	}
}

func TestSendCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := New(Config{BaseURL: srv.URL}).Send(ctx, []domain.Message{{Role: domain.RoleUser, Content: "x"}}, domain.BotConfig{APIKey: "k"}, nil)
	if !errors.Is(err, providers.ErrAborted) {
		t.Fatalf("expected abort, got %v", err)
	}
}
