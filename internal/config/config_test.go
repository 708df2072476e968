package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONVOCTX_API_KEY", "PPLX_API_KEY", "CONVOCTX_BASE_URL", "CONVOCTX_MODEL",
		"CONVOCTX_EMBEDDING_API_KEY", "CONVOCTX_EMBEDDING_BASE_URL",
		"CONVOCTX_DB_PATH", "CONVOCTX_TOKEN_LIMIT", "CONVOCTX_RULES_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Provider.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Provider.Model, DefaultModel)
	}
	if cfg.Provider.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v, want %v", cfg.Provider.Temperature, DefaultTemperature)
	}
	if cfg.Memory.TokenLimit != DefaultTokenLimit {
		t.Errorf("tokenLimit = %d, want %d", cfg.Memory.TokenLimit, DefaultTokenLimit)
	}
	if cfg.Store.TopK != DefaultTopK {
		t.Errorf("topK = %d, want %d", cfg.Store.TopK, DefaultTopK)
	}
	if cfg.Store.Path == "" {
		t.Error("store path should not be empty")
	}
	if !cfg.Embedding.Enabled {
		t.Error("embedding should be enabled by default")
	}
	if cfg.Session.TimeoutSec != DefaultTurnTimeoutSec {
		t.Errorf("session timeout = %d, want %d", cfg.Session.TimeoutSec, DefaultTurnTimeoutSec)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnvOverrides(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.Model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cfg.Provider.Model)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnvOverrides(t)

	cfgDir := filepath.Join(tmpDir, ".convoctx")
	os.MkdirAll(cfgDir, 0755)

	testCfg := map[string]any{
		"provider": map[string]any{
			"apiKey":      "pplx-file-key",
			"model":       "sonar",
			"temperature": 0.7,
			"maxTokens":   2048,
		},
		"memory": map[string]any{
			"tokenLimit":   8000,
			"systemPrompt": "You are a concise assistant.",
		},
		"store": map[string]any{
			"path": "/tmp/ctx.db",
			"topK": 5,
		},
		"session": map[string]any{
			"scopeRecall": true,
		},
	}
	data, _ := json.Marshal(testCfg)
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "pplx-file-key" {
		t.Errorf("apiKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "sonar" {
		t.Errorf("model = %q", cfg.Provider.Model)
	}
	if cfg.Memory.TokenLimit != 8000 {
		t.Errorf("tokenLimit = %d", cfg.Memory.TokenLimit)
	}
	if cfg.Memory.SystemPrompt != "You are a concise assistant." {
		t.Errorf("systemPrompt = %q", cfg.Memory.SystemPrompt)
	}
	if cfg.Store.Path != "/tmp/ctx.db" || cfg.Store.TopK != 5 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if !cfg.Session.ScopeRecall {
		t.Error("scopeRecall not loaded")
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnvOverrides(t)

	cfgDir := filepath.Join(tmpDir, ".convoctx")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{not json"), 0644)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnvOverrides(t)
	t.Setenv("CONVOCTX_API_KEY", "env-key")
	t.Setenv("CONVOCTX_MODEL", "sonar-reasoning")
	t.Setenv("CONVOCTX_DB_PATH", "/tmp/override.db")
	t.Setenv("CONVOCTX_TOKEN_LIMIT", "1234")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("apiKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "sonar-reasoning" {
		t.Errorf("model = %q", cfg.Provider.Model)
	}
	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Memory.TokenLimit != 1234 {
		t.Errorf("tokenLimit = %d", cfg.Memory.TokenLimit)
	}
}

func TestLoadConfig_FallbackKeyAndSharedEmbeddingCredential(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnvOverrides(t)
	t.Setenv("PPLX_API_KEY", "pplx-fallback")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "pplx-fallback" {
		t.Errorf("apiKey = %q, want fallback key", cfg.Provider.APIKey)
	}
	if cfg.Embedding.APIKey != "pplx-fallback" {
		t.Errorf("embedding apiKey = %q, want shared credential", cfg.Embedding.APIKey)
	}

	// CONVOCTX_API_KEY wins over the fallback.
	t.Setenv("CONVOCTX_API_KEY", "primary")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "primary" {
		t.Errorf("apiKey = %q, want primary", cfg.Provider.APIKey)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnvOverrides(t)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "saved-key"
	cfg.Memory.TokenLimit = 4500
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Provider.APIKey != "saved-key" {
		t.Errorf("apiKey = %q", loaded.Provider.APIKey)
	}
	if loaded.Memory.TokenLimit != 4500 {
		t.Errorf("tokenLimit = %d", loaded.Memory.TokenLimit)
	}
}
