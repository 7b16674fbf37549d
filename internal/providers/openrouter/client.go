package openrouter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"botline/internal/domain"
	"botline/internal/providers"
)

const (
	Name           = "openrouter"
	DefaultBaseURL = "https://openrouter.ai/api/v1"
)

type Config struct {
	BaseURL     string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Client speaks the chat-completions protocol and streams deltas when the
// bot asks for it.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL)
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return Name }

func (c *Client) Send(ctx context.Context, messages []domain.Message, bot domain.BotConfig, onChunk providers.ChunkFunc) (string, error) {
	if strings.TrimSpace(bot.APIKey) == "" {
		return "", providers.ErrMissingAPIKey
	}
	client := c.client(bot.APIKey)
	req := buildRequest(messages, bot)
	streaming := bot.Params.Stream && onChunk != nil

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		var (
			text    string
			emitted bool
			err     error
		)
		if streaming {
			text, emitted, err = c.stream(ctx, client, req, onChunk)
		} else {
			text, err = c.complete(ctx, client, req)
		}
		if err == nil {
			if strings.TrimSpace(text) == "" {
				return "", providers.ErrEmptyResponse
			}
			return text, nil
		}
		lastErr = err
		if emitted || !retryable(err) || attempt == c.cfg.MaxRetries {
			break
		}
		if err := providers.Backoff(ctx, c.cfg.BackoffBase, attempt); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) client(apiKey string) *openai.Client {
	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = c.cfg.BaseURL
	httpClient := c.cfg.HTTPClient
	if len(c.cfg.Headers) > 0 {
		cp := *httpClient
		cp.Transport = headerTransport{base: transportOrDefault(httpClient.Transport), headers: c.cfg.Headers}
		httpClient = &cp
	}
	oc.HTTPClient = httpClient
	return openai.NewClientWithConfig(oc)
}

func (c *Client) complete(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (string, error) {
	req.Stream = false
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", c.mapError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", &providers.Error{Provider: Name, Message: "empty choices in chat completion response"}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) stream(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, onChunk providers.ChunkFunc) (string, bool, error) {
	s, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", false, c.mapError(ctx, err)
	}
	defer s.Close()

	var sb strings.Builder
	emitted := false
	for {
		resp, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), emitted, nil
		}
		if err != nil {
			return "", emitted, c.mapError(ctx, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		emitted = true
		onChunk(delta)
	}
}

func (c *Client) mapError(ctx context.Context, err error) error {
	if cerr := providers.ContextError(ctx); cerr != nil {
		return cerr
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{Provider: Name, Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := "request failed"
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &providers.Error{Provider: Name, Status: reqErr.HTTPStatusCode, Message: msg}
	}
	return fmt.Errorf("%s request: %w", Name, err)
}

func buildRequest(messages []domain.Message, bot domain.BotConfig) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	req := openai.ChatCompletionRequest{
		Model:     bot.Model,
		Messages:  out,
		MaxTokens: bot.Params.MaxTokens,
	}
	p := bot.Params
	if p.Temperature != nil {
		req.Temperature = float32(*p.Temperature)
	}
	if p.TopP != nil {
		req.TopP = float32(*p.TopP)
	}
	if p.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*p.FrequencyPenalty)
	}
	if p.PresencePenalty != nil {
		req.PresencePenalty = float32(*p.PresencePenalty)
	}
	if strings.EqualFold(p.ResponseFormat, string(openai.ChatCompletionResponseFormatTypeJSONObject)) {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return req
}

func retryable(err error) bool {
	if errors.Is(err, providers.ErrAborted) || errors.Is(err, providers.ErrTimeout) {
		return false
	}
	var perr *providers.Error
	if errors.As(err, &perr) {
		return perr.Status == 0 || perr.Temporary()
	}
	return true
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	return strings.TrimSuffix(base, "/chat/completions")
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}

func transportOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}
