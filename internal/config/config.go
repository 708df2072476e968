package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel              = "sonar-pro"
	DefaultTemperature        = 0.3
	DefaultMaxTokens          = 1024
	DefaultProviderTimeoutSec = 60

	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultEmbeddingDimension = 1536

	DefaultTokenLimit        = 3000
	DefaultCompactMargin     = 0.25
	DefaultCompactTimeoutSec = 20

	DefaultTopK           = 3
	DefaultTurnTimeoutSec = 60
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
	Store     StoreConfig     `json:"store"`
	Entity    EntityConfig    `json:"entity"`
	Session   SessionConfig   `json:"session"`
}

type ProviderConfig struct {
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	TimeoutSec  int     `json:"timeoutSec,omitempty"`
}

type EmbeddingConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"apiKey,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty"`
	Model      string `json:"model,omitempty"`
	Dimension  int    `json:"dimension,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

type MemoryConfig struct {
	TokenLimit        int     `json:"tokenLimit"`
	Margin            float64 `json:"margin,omitempty"`
	CompactTimeoutSec int     `json:"compactTimeoutSec,omitempty"`
	// SystemPrompt seeds the buffer with a primer turn that survives
	// compaction.
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// Model overrides the provider model for summarization calls.
	Model string `json:"model,omitempty"`
}

type StoreConfig struct {
	Path string `json:"path,omitempty"`
	TopK int    `json:"topK,omitempty"`
}

type EntityConfig struct {
	RulesDir string `json:"rulesDir,omitempty"`
}

type SessionConfig struct {
	TimeoutSec  int  `json:"timeoutSec,omitempty"`
	ScopeRecall bool `json:"scopeRecall,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
			TimeoutSec:  DefaultProviderTimeoutSec,
		},
		Embedding: EmbeddingConfig{
			Enabled:   true,
			Model:     DefaultEmbeddingModel,
			Dimension: DefaultEmbeddingDimension,
		},
		Memory: MemoryConfig{
			TokenLimit:        DefaultTokenLimit,
			Margin:            DefaultCompactMargin,
			CompactTimeoutSec: DefaultCompactTimeoutSec,
		},
		Store: StoreConfig{
			Path: filepath.Join(ConfigDir(), "data", "context.db"),
			TopK: DefaultTopK,
		},
		Session: SessionConfig{
			TimeoutSec: DefaultTurnTimeoutSec,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".convoctx")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("CONVOCTX_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("PPLX_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("CONVOCTX_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CONVOCTX_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if key := os.Getenv("CONVOCTX_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if url := os.Getenv("CONVOCTX_EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if path := os.Getenv("CONVOCTX_DB_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if limit := os.Getenv("CONVOCTX_TOKEN_LIMIT"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil && parsed > 0 {
			cfg.Memory.TokenLimit = parsed
		}
	}
	if dir := os.Getenv("CONVOCTX_RULES_DIR"); dir != "" {
		cfg.Entity.RulesDir = dir
	}

	// The embedding endpoint usually shares the completion credential.
	if cfg.Embedding.Enabled && cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Provider.APIKey
	}

	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Memory.TokenLimit <= 0 {
		cfg.Memory.TokenLimit = DefaultTokenLimit
	}
	if cfg.Store.TopK <= 0 {
		cfg.Store.TopK = DefaultTopK
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(ConfigDir(), "data", "context.db")
	}
	if cfg.Session.TimeoutSec <= 0 {
		cfg.Session.TimeoutSec = DefaultTurnTimeoutSec
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
