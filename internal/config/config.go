package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
	Models  []string `yaml:"models"`   // user-added models (merged with built-ins)
}

// LLMConfig holds configuration for all LLM providers.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// EmbedModel names the embedding model used for catalog vectors.
	EmbedModel string `yaml:"embed_model"`
}

// RoutingConfig tunes the conversational routing pipeline.
type RoutingConfig struct {
	// ConversationMode false routes a single query by vector search,
	// skipping clarification and confirmation turns.
	ConversationMode bool `yaml:"conversation_mode"`

	// ValidateQueries gates first-turn queries through the validator.
	ValidateQueries bool `yaml:"validate_queries"`

	// ConfidenceThreshold below which a query is rejected as invalid.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// SessionConfig bounds the in-memory session store.
type SessionConfig struct {
	TTLMinutes  int `yaml:"ttl_minutes"`  // idle sessions older than this are evicted
	MaxSessions int `yaml:"max_sessions"` // LRU bound; 0 = unlimited
}

// CatalogConfig locates the agent catalog database.
type CatalogConfig struct {
	DBPath string `yaml:"db_path"` // default: $home/catalog.db
}

// OtelConfig controls trace/metric export.
type OtelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MaintenanceConfig holds cron specs for background sweeps.
type MaintenanceConfig struct {
	SessionSweepSpec string `yaml:"session_sweep_spec"` // default "@every 1m"
	ReindexSpec      string `yaml:"reindex_spec"`       // default "@every 1h"
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	LLM LLMConfig `yaml:"llm"`

	// Providers holds per-provider configuration (API keys, custom endpoints,
	// extra models).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Routing     RoutingConfig     `yaml:"routing"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Otel        OtelConfig        `yaml:"otel"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	NeedsGenesis bool `yaml:"-"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, model, and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}
	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the effective catalog database path.
func (c Config) DBPath() string {
	if c.Catalog.DBPath != "" {
		return c.Catalog.DBPath
	}
	return filepath.Join(c.HomeDir, "catalog.db")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map
// if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetModel updates the LLM provider and model in config.yaml, preserving
// other settings.
func SetModel(homeDir, provider, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	llm, _ := raw["llm"].(map[string]interface{})
	if llm == nil {
		llm = make(map[string]interface{})
	}
	llm["provider"] = provider
	switch provider {
	case "anthropic":
		llm["anthropic_model"] = model
	case "openai", "openai_compatible", "openrouter":
		llm["openai_model"] = model
	default:
		llm["gemini_model"] = model
	}
	raw["llm"] = llm
	return saveRawConfig(configPath, raw)
}

// SetAPIKey updates a single provider API key in config.yaml, preserving
// other settings.
func SetAPIKey(homeDir, provider, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	providers, _ := raw["providers"].(map[string]interface{})
	if providers == nil {
		providers = make(map[string]interface{})
	}
	entry, _ := providers[provider].(map[string]interface{})
	if entry == nil {
		entry = make(map[string]interface{})
	}
	entry["api_key"] = value
	providers[provider] = entry
	raw["providers"] = providers
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|conv=%t|validate=%t|threshold=%.2f|ttl=%d|max=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.Routing.ConversationMode, c.Routing.ValidateQueries,
		c.Routing.ConfidenceThreshold, c.Sessions.TTLMinutes, c.Sessions.MaxSessions, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Routing: RoutingConfig{
			ConversationMode:    true,
			ValidateQueries:     true,
			ConfidenceThreshold: 0.7,
		},
		Sessions: SessionConfig{
			TTLMinutes:  30,
			MaxSessions: 1000,
		},
		Otel: OtelConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
		Maintenance: MaintenanceConfig{
			SessionSweepSpec: "@every 1m",
			ReindexSpec:      "@every 1h",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTROUTER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentrouter")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentrouter home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.GeminiModel == "" {
		cfg.LLM.GeminiModel = "gemini-2.5-flash"
	}
	if cfg.LLM.EmbedModel == "" {
		cfg.LLM.EmbedModel = "text-embedding-004"
	}
	if cfg.Routing.ConfidenceThreshold <= 0 {
		cfg.Routing.ConfidenceThreshold = 0.7
	}
	if cfg.Sessions.TTLMinutes <= 0 {
		cfg.Sessions.TTLMinutes = 30
	}
	if cfg.Sessions.MaxSessions < 0 {
		cfg.Sessions.MaxSessions = 0
	}
	if strings.TrimSpace(cfg.Maintenance.SessionSweepSpec) == "" {
		cfg.Maintenance.SessionSweepSpec = "@every 1m"
	}
	if strings.TrimSpace(cfg.Maintenance.ReindexSpec) == "" {
		cfg.Maintenance.ReindexSpec = "@every 1h"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "stdout"
	}
	if cfg.Otel.SampleRate <= 0 || cfg.Otel.SampleRate > 1 {
		cfg.Otel.SampleRate = 1.0
	}
}

func validate(cfg *Config) error {
	if cfg.Routing.ConfidenceThreshold > 1 {
		return fmt.Errorf("routing.confidence_threshold (%.2f) must be in (0, 1]", cfg.Routing.ConfidenceThreshold)
	}
	switch cfg.Otel.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("otel.exporter %q must be \"stdout\" or \"otlp\"", cfg.Otel.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTROUTER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTROUTER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTROUTER_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AGENTROUTER_DB_PATH"); raw != "" {
		cfg.Catalog.DBPath = raw
	}
	if raw := os.Getenv("AGENTROUTER_CONVERSATION_MODE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Routing.ConversationMode = v
		}
	}
	if raw := os.Getenv("AGENTROUTER_VALIDATE_QUERIES"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Routing.ValidateQueries = v
		}
	}
	if raw := os.Getenv("AGENTROUTER_CONFIDENCE_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Routing.ConfidenceThreshold = v
		}
	}
	if raw := os.Getenv("AGENTROUTER_SESSION_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sessions.TTLMinutes = v
		}
	}
	if raw := os.Getenv("AGENTROUTER_MAX_SESSIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sessions.MaxSessions = v
		}
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.LLM.GeminiModel = raw
	}
}
