// Package config loads and validates the worker configuration.
//
// DESIGN: Priority is environment > settings file > built-in defaults. The
// settings file lives in the data directory as settings.json and is written
// with defaults on first run (mode 0600); it is parsed with the YAML reader
// since JSON is a YAML subset and this tolerates trailing commas and
// comments that hand-edited files accumulate. The loaded Config is frozen:
// nothing mutates it after Load returns.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Built-in defaults.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 37777
	DefaultContextTokens = 1800
	DefaultStuckTimeout  = 5 * time.Minute
)

// modelAllowlist holds accepted model name prefixes. Bedrock model ids
// carry a vendor prefix.
var modelAllowlist = []string{
	"claude-",
	"anthropic.claude-",
	"us.anthropic.claude-",
	"gpt-",
	"o1",
	"o3",
	"o4",
	"gemini-",
}

// Config is the frozen worker configuration.
type Config struct {
	Host          string `yaml:"host" json:"host"`
	Port          int    `yaml:"port" json:"port"`
	DataDir       string `yaml:"data_dir" json:"data_dir"`
	DBPath        string `yaml:"db_path" json:"db_path"`
	TokenPath     string `yaml:"token_path" json:"token_path"`
	ContextTokens int    `yaml:"context_tokens" json:"context_tokens"`

	StuckTimeoutSeconds int `yaml:"stuck_timeout_seconds" json:"stuck_timeout_seconds"`

	// LLM provider settings. An empty APIKey (and non-bedrock provider)
	// puts the processor in passthrough mode.
	Provider string `yaml:"llm_provider" json:"llm_provider"`
	Endpoint string `yaml:"llm_endpoint" json:"llm_endpoint"`
	Model    string `yaml:"llm_model" json:"llm_model"`
	APIKey   string `yaml:"-" json:"-"`
}

// StuckTimeout returns the stuck threshold as a duration.
func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutSeconds) * time.Second
}

// SettingsPath is the settings file location inside the data directory.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.json")
}

// envExpandRe matches ${VAR} and ${VAR:-default}.
var envExpandRe = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandEnvWithDefaults expands ${VAR} and ${VAR:-default} references.
func ExpandEnvWithDefaults(s string) string {
	return envExpandRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envExpandRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load assembles the configuration: defaults, then the settings file, then
// environment overrides, then validation. The settings file is created with
// defaults on first run.
func Load() (*Config, error) {
	cfg := defaults()

	// CMEM_DATA_DIR must be resolved before the settings file can be found.
	if dir := os.Getenv("CMEM_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, "cmem.db")
	cfg.TokenPath = filepath.Join(cfg.DataDir, "auth.token")

	if err := cfg.loadSettingsFile(); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Host:                DefaultHost,
		Port:                DefaultPort,
		DataDir:             filepath.Join(home, ".cmem"),
		ContextTokens:       DefaultContextTokens,
		StuckTimeoutSeconds: int(DefaultStuckTimeout / time.Second),
	}
}

// loadSettingsFile merges the settings file over the defaults, writing a
// fresh file on first run.
func (c *Config) loadSettingsFile() error {
	path := c.SettingsPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c.writeSettingsFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	expanded := ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return nil
}

func (c *Config) writeSettingsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	log.Info().Str("path", path).Msg("wrote default settings file")
	return nil
}

// applyEnv applies CMEM_* environment overrides on top of the file values.
func (c *Config) applyEnv() {
	if host := os.Getenv("CMEM_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("CMEM_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Port = n
		} else {
			log.Warn().Str("value", port).Msg("ignoring non-numeric CMEM_PORT")
		}
	}
	if path := os.Getenv("CMEM_DB_PATH"); path != "" {
		c.DBPath = path
	}
	if tokens := os.Getenv("CMEM_CONTEXT_TOKENS"); tokens != "" {
		if n, err := strconv.Atoi(tokens); err == nil {
			c.ContextTokens = n
		} else {
			log.Warn().Str("value", tokens).Msg("ignoring non-numeric CMEM_CONTEXT_TOKENS")
		}
	}
	if model := os.Getenv("CMEM_MODEL"); model != "" {
		c.Model = model
	}
	if provider := os.Getenv("CMEM_LLM_PROVIDER"); provider != "" {
		c.Provider = provider
	}
	if endpoint := os.Getenv("CMEM_LLM_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	}

	c.APIKey = firstEnv("CMEM_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY")
	if c.Provider == "" && c.APIKey != "" {
		c.Provider = providerForKey()
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint(c.Provider)
	}
	if c.Model == "" {
		c.Model = defaultModel(c.Provider)
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func providerForKey() string {
	switch {
	case os.Getenv("CMEM_API_KEY") != "", os.Getenv("ANTHROPIC_API_KEY") != "":
		return "anthropic"
	case os.Getenv("OPENAI_API_KEY") != "":
		return "openai"
	case os.Getenv("GEMINI_API_KEY") != "":
		return "gemini"
	default:
		return ""
	}
}

func defaultEndpoint(provider string) string {
	switch provider {
	case "anthropic":
		return "https://api.anthropic.com/v1/messages"
	case "openai":
		return "https://api.openai.com/v1/chat/completions"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"
	default:
		return ""
	}
}

func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-haiku-20241022"
	case "openai":
		return "gpt-4o-mini"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return ""
	}
}

func (c *Config) validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d (must be 1024-65535)", c.Port)
	}
	if c.Host == "0.0.0.0" || c.Host == "::" {
		log.Warn().Str("host", c.Host).
			Msg("binding to all interfaces exposes the memory store to the network; use 127.0.0.1 unless you know what you are doing")
	}
	if c.ContextTokens < 100 || c.ContextTokens > 100_000 {
		return fmt.Errorf("invalid context_tokens %d (must be 100-100000)", c.ContextTokens)
	}
	if c.StuckTimeoutSeconds < 30 {
		return fmt.Errorf("invalid stuck_timeout_seconds %d (must be >= 30)", c.StuckTimeoutSeconds)
	}
	if c.Model != "" && !modelAllowed(c.Model) {
		return fmt.Errorf("model %q not in allowlist (expected a claude/gpt/o-series/gemini model)", c.Model)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	return nil
}

func modelAllowed(model string) bool {
	for _, prefix := range modelAllowlist {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}
