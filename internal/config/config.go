// Package config handles Vendra configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vendra/config.yaml, /etc/vendra/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vendra", "config.yaml"))
	}

	paths = append(paths, "/etc/vendra/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Vendra configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Shopify   ShopifyConfig   `yaml:"shopify"`
	Agent     AgentConfig     `yaml:"agent"`
	History   HistoryConfig   `yaml:"history"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines which inference providers and models are used.
type ModelsConfig struct {
	Default   string `yaml:"default"`    // Model used for the sales dialogue
	Provider  string `yaml:"provider"`   // anthropic or ollama
	OllamaURL string `yaml:"ollama_url"` // Base URL for the ollama provider
	MaxTokens int    `yaml:"max_tokens"` // Maximum output size per model call
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ShopifyConfig defines the storefront connection.
type ShopifyConfig struct {
	StoreDomain     string `yaml:"store_domain"`
	StorefrontToken string `yaml:"storefront_token"`
	TimeoutSec      int    `yaml:"timeout_sec"` // Per-request timeout (default 15)
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	MaxRounds        int    `yaml:"max_rounds"`         // Model-call rounds per user message (default 10)
	ModelRetries     int    `yaml:"model_retries"`      // Retries on model transport failure (default 2)
	RetryBackoffMS   int    `yaml:"retry_backoff_ms"`   // Base backoff between retries (default 500)
	SystemPromptFile string `yaml:"system_prompt_file"` // Optional override for the built-in prompt
}

// HistoryConfig controls persistence and compaction.
type HistoryConfig struct {
	DBPath       string `yaml:"db_path"`       // Defaults to <data_dir>/vendra.db
	CompactAfter int    `yaml:"compact_after"` // Turn count threshold T (default 30)
	KeepRecent   int    `yaml:"keep_recent"`   // Verbatim window K (default 15)
	Summarizer   string `yaml:"summarizer"`    // "heuristic" (default) or "llm"
}

// ModelRetryBackoff returns the configured base backoff as a duration.
func (a AgentConfig) ModelRetryBackoff() time.Duration {
	if a.RetryBackoffMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(a.RetryBackoffMS) * time.Millisecond
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets stay out of the file
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "claude-sonnet-4-20250514",
			Provider:  "anthropic",
			OllamaURL: "http://localhost:11434",
			MaxTokens: 4096,
		},
		Shopify: ShopifyConfig{TimeoutSec: 15},
		Agent: AgentConfig{
			MaxRounds:      10,
			ModelRetries:   2,
			RetryBackoffMS: 500,
		},
		History: HistoryConfig{
			CompactAfter: 30,
			KeepRecent:   15,
			Summarizer:   "heuristic",
		},
		DataDir: "data",
	}
}
