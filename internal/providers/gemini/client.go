package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"botline/internal/domain"
	"botline/internal/providers"
)

const (
	Name           = "gemini"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-1.5-flash"
)

type Config struct {
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

// Client performs one non-streaming generateContent call per send. The
// conversation is flattened into a single text part.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
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

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

var defaultSafety = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
}

// Send never invokes onChunk.
func (c *Client) Send(ctx context.Context, messages []domain.Message, bot domain.BotConfig, _ providers.ChunkFunc) (string, error) {
	if strings.TrimSpace(bot.APIKey) == "" {
		return "", providers.ErrMissingAPIKey
	}
	body, err := c.buildPayload(messages, bot)
	if err != nil {
		return "", err
	}
	endpoint := c.endpoint(bot.Model)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, retry, err := c.callOnce(ctx, endpoint, bot.APIKey, body)
		if err == nil {
			if strings.TrimSpace(text) == "" {
				return "", providers.ErrEmptyResponse
			}
			return text, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		if err := providers.Backoff(ctx, c.cfg.BackoffBase, attempt); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) buildPayload(messages []domain.Message, bot domain.BotConfig) ([]byte, error) {
	p := bot.Params
	gc := generationConfig{
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		MaxOutputTokens:  p.MaxTokens,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
	}
	if strings.EqualFold(p.ResponseFormat, "json_object") {
		gc.ResponseMimeType = "application/json"
	}
	payload := generateRequest{
		Contents:         []content{{Parts: []part{{Text: Flatten(messages)}}}},
		GenerationConfig: gc,
		SafetySettings:   defaultSafety,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini payload: %w", err)
	}
	return b, nil
}

func (c *Client) endpoint(model string) string {
	model = strings.TrimSpace(model)
	if model == "" || strings.EqualFold(model, Name) {
		model = c.cfg.DefaultModel
	}
	model = strings.TrimPrefix(model, "models/")
	return c.cfg.BaseURL + "/models/" + model + ":generateContent"
}

func (c *Client) callOnce(ctx context.Context, endpoint, apiKey string, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if cerr := providers.ContextError(ctx); cerr != nil {
			return "", false, cerr
		}
		return "", true, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if cerr := providers.ContextError(ctx); cerr != nil {
			return "", false, cerr
		}
		return "", false, fmt.Errorf("read gemini response: %w", err)
	}

	var parsed generateResponse
	decodeErr := json.Unmarshal(b, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		perr := &providers.Error{Provider: Name, Status: resp.StatusCode, Message: msg}
		return "", perr.Temporary(), perr
	}
	if decodeErr != nil {
		return "", false, &providers.Error{Provider: Name, Status: resp.StatusCode, Message: "decode response: " + decodeErr.Error()}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", false, nil
	}
	return parsed.Candidates[0].Content.Parts[0].Text, false, nil
}

// Flatten renders a conversation as one prompt. System turns are emitted
// verbatim, user and assistant turns are prefixed Human: and Assistant:.
func Flatten(messages []domain.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch m.Role {
		case domain.RoleUser:
			parts = append(parts, "Human: "+text)
		case domain.RoleAssistant:
			parts = append(parts, "Assistant: "+text)
		default:
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}
