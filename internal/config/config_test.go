package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGENTROUTER_HOME", home)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := withHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis on fresh home")
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if !cfg.Routing.ConversationMode {
		t.Fatal("conversation mode should default on")
	}
	if !cfg.Routing.ValidateQueries {
		t.Fatal("query validation should default on")
	}
	if cfg.Routing.ConfidenceThreshold != 0.7 {
		t.Fatalf("threshold = %v, want 0.7", cfg.Routing.ConfidenceThreshold)
	}
	if cfg.Sessions.TTLMinutes != 30 || cfg.Sessions.MaxSessions != 1000 {
		t.Fatalf("session defaults = %+v", cfg.Sessions)
	}
	if cfg.DBPath() != filepath.Join(home, "catalog.db") {
		t.Fatalf("db path = %q", cfg.DBPath())
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	home := withHome(t)
	yaml := `
bind_addr: 0.0.0.0:9000
routing:
  conversation_mode: false
  confidence_threshold: 0.5
sessions:
  ttl_minutes: 5
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false when config.yaml exists")
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind = %q", cfg.BindAddr)
	}
	if cfg.Routing.ConversationMode {
		t.Fatal("conversation_mode=false not honored")
	}
	if cfg.Routing.ConfidenceThreshold != 0.5 {
		t.Fatalf("threshold = %v", cfg.Routing.ConfidenceThreshold)
	}
	if cfg.Sessions.TTLMinutes != 5 {
		t.Fatalf("ttl = %d", cfg.Sessions.TTLMinutes)
	}
	// Untouched keys keep their defaults.
	if !cfg.Routing.ValidateQueries {
		t.Fatal("validate_queries default lost")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := withHome(t)
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGENTROUTER_LOG_LEVEL", "debug")
	t.Setenv("AGENTROUTER_VALIDATE_QUERIES", "false")
	t.Setenv("AGENTROUTER_MAX_SESSIONS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Routing.ValidateQueries {
		t.Fatal("env validate override not applied")
	}
	if cfg.Sessions.MaxSessions != 7 {
		t.Fatalf("max sessions = %d", cfg.Sessions.MaxSessions)
	}
}

func TestLoad_RejectsBadExporter(t *testing.T) {
	home := withHome(t)
	if err := os.WriteFile(ConfigPath(home), []byte("otel:\n  exporter: jaeger\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown otel exporter")
	}
}

func TestNormalize_LegacyProviderName(t *testing.T) {
	cfg := defaultConfig()
	cfg.LLM.Provider = "gemini"
	normalize(&cfg)
	if cfg.LLM.Provider != "google" {
		t.Fatalf("provider = %q, want google", cfg.LLM.Provider)
	}
}

func TestResolveLLMConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.AnthropicModel = "claude-sonnet-4-5"
	cfg.Providers = map[string]ProviderConfig{
		"anthropic": {APIKey: "key-from-config"},
	}
	t.Setenv("ANTHROPIC_API_KEY", "")

	provider, model, apiKey := cfg.ResolveLLMConfig()
	if provider != "anthropic" || model != "claude-sonnet-4-5" {
		t.Fatalf("resolved %q/%q", provider, model)
	}
	if apiKey != "key-from-config" {
		t.Fatalf("api key = %q", apiKey)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.Routing.ConfidenceThreshold = 0.9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed config should change the fingerprint")
	}
}

func TestSetModelAndAPIKey_PreserveOtherSettings(t *testing.T) {
	home := withHome(t)
	if err := os.WriteFile(ConfigPath(home), []byte("bind_addr: 1.2.3.4:99\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := SetModel(home, "openai", "gpt-4o"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	if err := SetAPIKey(home, "openai", "sk-test"); err != nil {
		t.Fatalf("set api key: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "1.2.3.4:99" {
		t.Fatalf("bind_addr lost: %q", cfg.BindAddr)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.OpenAIModel != "gpt-4o" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if cfg.Providers["openai"].APIKey != "sk-test" {
		t.Fatalf("provider key = %+v", cfg.Providers["openai"])
	}
}

func TestStarterCatalog_NonEmpty(t *testing.T) {
	agents := StarterCatalog()
	if len(agents) == 0 {
		t.Fatal("starter catalog should not be empty")
	}
	for _, a := range agents {
		if a.Name == "" || a.Description == "" {
			t.Fatalf("starter agent missing fields: %+v", a)
		}
	}
}
