package config

import (
	"fmt"
	"time"
)

// knownProviders is the closed set of vendors a role chain may reference.
// The llm package carries the matching Provider enum.
var knownProviders = map[string]bool{
	"deepseek":  true,
	"anthropic": true,
	"openai":    true,
	"gemini":    true,
	"xai":       true,
	"local":     true,
}

// LLMConfig declares providers and the role chains built on them.
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// Roles overrides the built-in fallback chain for a role. The first
	// entry is primary; later entries are tried in order when a call fails
	// with a retryable error. Roles not listed here keep their defaults.
	Roles map[string][]ModelRef `yaml:"roles"`

	// RequestTimeout bounds a single provider call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetryAfter caps honored Retry-After hints.
	MaxRetryAfter time.Duration `yaml:"max_retry_after"`
}

// LLMProviderConfig configures one upstream vendor.
type LLMProviderConfig struct {
	// APIKey authenticates against the vendor. Usually supplied via env
	// expansion, e.g. ${ANTHROPIC_API_KEY}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor endpoint. Used for OpenAI-compatible
	// vendors (DeepSeek, xAI) and local runtimes.
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used when a role chain entry leaves Model empty.
	DefaultModel string `yaml:"default_model"`
}

// ModelRef names one provider/model pair inside a role chain. Temperature
// and MaxTokens are optional; when absent the role's built-in parameters
// apply.
type ModelRef struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

func (c *LLMConfig) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.MaxRetryAfter == 0 {
		c.MaxRetryAfter = 30 * time.Second
	}
	if c.Roles == nil {
		c.Roles = map[string][]ModelRef{}
	}
}

func (c *LLMConfig) validate() error {
	for name := range c.Providers {
		if !knownProviders[name] {
			return fmt.Errorf("llm.providers.%s: unknown provider", name)
		}
	}
	for role, chain := range c.Roles {
		if len(chain) == 0 {
			return fmt.Errorf("llm.roles.%s: empty chain", role)
		}
		for i, ref := range chain {
			if ref.Provider == "" {
				return fmt.Errorf("llm.roles.%s[%d]: provider is required", role, i)
			}
			if !knownProviders[ref.Provider] {
				return fmt.Errorf("llm.roles.%s[%d]: unknown provider %q", role, i, ref.Provider)
			}
		}
	}
	return nil
}
