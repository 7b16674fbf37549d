package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"botline/internal/domain"
	"botline/internal/providers"
	"botline/internal/providers/gemini"
	"botline/internal/providers/openrouter"
)

type BuildOptions struct {
	OpenRouterBaseURL  string
	OpenRouterHeaders  map[string]string
	GeminiBaseURL      string
	GeminiDefaultModel string
	HTTPClient         *http.Client
	MaxRetries         int
	BackoffBase        time.Duration
}

// UnsupportedError is returned for a bot whose provider name is unknown.
type UnsupportedError struct {
	Provider string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Provider)
}

// Registry holds one adapter per provider. Adapters are stateless with
// respect to credentials, so a single instance serves every bot.
type Registry struct {
	byName map[string]providers.Provider
}

func Build(opts BuildOptions) *Registry {
	or := openrouter.New(openrouter.Config{
		BaseURL:     opts.OpenRouterBaseURL,
		Headers:     opts.OpenRouterHeaders,
		HTTPClient:  opts.HTTPClient,
		MaxRetries:  opts.MaxRetries,
		BackoffBase: opts.BackoffBase,
	})
	gm := gemini.New(gemini.Config{
		BaseURL:      opts.GeminiBaseURL,
		DefaultModel: opts.GeminiDefaultModel,
		HTTPClient:   opts.HTTPClient,
		MaxRetries:   opts.MaxRetries,
		BackoffBase:  opts.BackoffBase,
	})
	return New(or, gm)
}

func New(ps ...providers.Provider) *Registry {
	r := &Registry{byName: make(map[string]providers.Provider, len(ps))}
	for _, p := range ps {
		r.byName[strings.ToLower(p.Name())] = p
	}
	return r
}

// For picks the adapter for a bot. An explicit provider wins, otherwise
// gemini* models go to gemini and everything else to openrouter.
func (r *Registry) For(bot domain.BotConfig) (providers.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(bot.Provider))
	if name == "" {
		name = Infer(bot.Model)
	}
	switch name {
	case "openai", "openai_compat", "openai-compatible":
		name = openrouter.Name
	case "google":
		name = gemini.Name
	}
	p, ok := r.byName[name]
	if !ok {
		return nil, &UnsupportedError{Provider: name}
	}
	return p, nil
}

// Infer maps a model id to a provider. Namespaced ids such as
// google/gemini-pro are OpenRouter routes.
func Infer(model string) string {
	m := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(model)), "models/")
	if strings.HasPrefix(m, gemini.Name) {
		return gemini.Name
	}
	return openrouter.Name
}

func (r *Registry) Check(bot domain.BotConfig) error {
	_, err := r.For(bot)
	return err
}
