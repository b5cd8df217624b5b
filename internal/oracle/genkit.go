package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Config holds configuration for the GenkitOracle.
type Config struct {
	// Provider is the LLM provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter". Empty defaults to "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider.
	APIKey string

	// Timeout bounds each Evaluate call. Zero means DefaultTimeout.
	Timeout time.Duration

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// DefaultTimeout is the per-call deadline when Config.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// ErrNoProvider is returned by Evaluate when no API key was configured.
var ErrNoProvider = fmt.Errorf("oracle: no LLM provider configured")

// GenkitOracle wraps a Genkit instance configured for one LLM provider.
type GenkitOracle struct {
	g       *genkit.Genkit
	cfg     Config
	llmOn   bool
	timeout time.Duration
}

// NewGenkitOracle initializes Genkit with the configured LLM provider.
// Missing API keys are not fatal: Evaluate returns ErrNoProvider and
// callers fall back to their deterministic paths.
func NewGenkitOracle(ctx context.Context, cfg Config) *GenkitOracle {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("oracle initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; oracle disabled")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("oracle initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; oracle disabled")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("oracle initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; oracle disabled")
		}

	case "openrouter":
		if apiKey != "" {
			openrouterPlugin := &compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openrouterPlugin))
			llmOn = true
			slog.Info("oracle initialized", "provider", "openrouter", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenRouter API key missing; oracle disabled")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("oracle initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; oracle disabled")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider; oracle disabled", "provider", provider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cfg.Provider = provider
	cfg.Model = modelID
	return &GenkitOracle{g: g, cfg: cfg, llmOn: llmOn, timeout: timeout}
}

// Enabled reports whether a provider was configured with an API key.
func (o *GenkitOracle) Enabled() bool { return o.llmOn }

// Evaluate sends the system and user prompts to the model and returns
// the raw response text.
func (o *GenkitOracle) Evaluate(ctx context.Context, system, prompt string) (string, error) {
	if !o.llmOn {
		return "", ErrNoProvider
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	system = strings.ReplaceAll(system, "%", "%%")

	modelName := modelNameForProvider(o.cfg.Provider, o.cfg.Model)
	opts := []ai.GenerateOption{
		ai.WithModelName(modelName),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	}

	resp, err := genkit.Generate(ctx, o.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5-20250929"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
