// Package llm wraps Genkit behind small Generator and Embedder interfaces.
// When no API key is configured the generator reports disabled and callers
// fall back to deterministic local behavior.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrDisabled is returned by Complete when no LLM provider is configured.
var ErrDisabled = errors.New("llm: no provider configured")

// Config selects the LLM provider and models.
type Config struct {
	Provider                 string // google, anthropic, openai, openai_compatible, openrouter
	Model                    string
	APIKey                   string
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
	EmbedModel               string
}

// Generator produces a single completion for a prompt.
type Generator interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Enabled() bool
}

// GenkitGenerator is the Genkit-backed Generator.
type GenkitGenerator struct {
	g      *genkit.Genkit
	cfg    Config
	llmOn  bool
	logger *slog.Logger
}

// NewGenkitGenerator initializes Genkit with the configured LLM provider.
// Supports: google (Gemini), anthropic (Claude), openai (GPT), openai_compatible.
func NewGenkitGenerator(ctx context.Context, cfg Config, logger *slog.Logger) *GenkitGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
		cfg.Model = modelID
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
			logger.Info("llm generator initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; using deterministic fallbacks")
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
			logger.Info("llm generator initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; using deterministic fallbacks")
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
			logger.Info("llm generator initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI compatible API key missing; using deterministic fallbacks")
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
			logger.Info("llm generator initialized", "provider", "openrouter", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenRouter API key missing; using deterministic fallbacks")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			logger.Info("llm generator initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; using deterministic fallbacks")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider, using deterministic fallbacks", "provider", provider)
	}

	return &GenkitGenerator{g: g, cfg: cfg, llmOn: llmOn, logger: logger}
}

// Enabled reports whether a real provider is configured.
func (gg *GenkitGenerator) Enabled() bool {
	return gg.llmOn
}

// Genkit exposes the underlying registry for embedder construction.
func (gg *GenkitGenerator) Genkit() *genkit.Genkit {
	return gg.g
}

// Config returns the effective generator configuration.
func (gg *GenkitGenerator) Config() Config {
	return gg.cfg
}

// Complete generates a single response for the prompt.
func (gg *GenkitGenerator) Complete(ctx context.Context, system, prompt string) (string, error) {
	if !gg.llmOn {
		return "", ErrDisabled
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(gg.cfg.Provider, gg.cfg.Model)),
		ai.WithPrompt(prompt),
	}
	if system != "" {
		// Escape % characters to prevent fmt corruption in ai.WithSystem().
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}

	resp, err := genkit.Generate(ctx, gg.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "openrouter/auto"
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
	case "openai_compatible":
		return model
	case "openrouter":
		return model // OpenRouter uses full model names like "anthropic/claude-sonnet-4-5"
	default:
		return "googleai/" + model
	}
}
