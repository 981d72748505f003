package llm

import (
	"github.com/dotbot-ai/dotbot/internal/config"
)

// ChainEntry is one rung of a role's fallback ladder.
type ChainEntry struct {
	Provider    Provider
	Model       string
	Temperature float32
	MaxTokens   int
}

// Chains maps each role to its ordered fallback chain. The first entry
// whose provider has an API key is the role's primary.
type Chains map[Role][]ChainEntry

// roleParams are the default sampling parameters applied to every entry of
// a role's chain unless a config override sets its own.
type params struct {
	temperature float32
	maxTokens   int
}

var roleParams = map[Role]params{
	RoleWorkhorse:   {0.7, 4096},
	RoleDeepContext: {0.5, 8192},
	RoleArchitect:   {0.2, 8192},
	RoleLocal:       {0.7, 2048},
	RoleGUIFast:     {0.6, 1024},
	RoleIntake:      {0.1, 2048},
	RoleAssistant:   {0.7, 4096},
	RoleImage:       {0, 0},
	RoleVideo:       {0, 0},
}

func paramsFor(role Role) params {
	if p, ok := roleParams[role]; ok {
		return p
	}
	return params{0.7, 4096}
}

// defaultModels names each provider's go-to model when a chain entry or
// provider config leaves the model blank.
var defaultModels = map[Provider]string{
	ProviderDeepSeek:  "deepseek-chat",
	ProviderAnthropic: "claude-sonnet-4-20250514",
	ProviderOpenAI:    "gpt-4o",
	ProviderGemini:    "gemini-2.0-flash",
	ProviderXAI:       "grok-3",
	ProviderLocal:     "qwen3",
}

// DefaultModel returns the built-in default model for a provider.
func DefaultModel(p Provider) string {
	return defaultModels[p]
}

// DefaultChains returns the built-in role chains. The result is a fresh
// copy; callers may mutate it.
//
// Ordering encodes cost and fit: workhorse starts cheap and degrades to
// the local runtime, architect starts with the strongest reasoning model,
// intake stays on cheap low-temperature models because its output is
// schema-constrained JSON.
func DefaultChains() Chains {
	build := func(role Role, entries ...ChainEntry) []ChainEntry {
		p := paramsFor(role)
		out := make([]ChainEntry, len(entries))
		for i, e := range entries {
			if e.Temperature == 0 {
				e.Temperature = p.temperature
			}
			if e.MaxTokens == 0 {
				e.MaxTokens = p.maxTokens
			}
			out[i] = e
		}
		return out
	}

	return Chains{
		RoleWorkhorse: build(RoleWorkhorse,
			ChainEntry{Provider: ProviderDeepSeek, Model: "deepseek-chat"},
			ChainEntry{Provider: ProviderGemini, Model: "gemini-2.0-flash"},
			ChainEntry{Provider: ProviderOpenAI, Model: "gpt-4o"},
			ChainEntry{Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514"},
			ChainEntry{Provider: ProviderLocal, Model: "qwen3"},
		),
		RoleDeepContext: build(RoleDeepContext,
			ChainEntry{Provider: ProviderGemini, Model: "gemini-1.5-pro"},
			ChainEntry{Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514"},
			ChainEntry{Provider: ProviderOpenAI, Model: "gpt-4o"},
		),
		RoleArchitect: build(RoleArchitect,
			ChainEntry{Provider: ProviderAnthropic, Model: "claude-opus-4-20250514"},
			ChainEntry{Provider: ProviderDeepSeek, Model: "deepseek-reasoner"},
			ChainEntry{Provider: ProviderOpenAI, Model: "gpt-4o"},
			ChainEntry{Provider: ProviderGemini, Model: "gemini-1.5-pro"},
		),
		RoleLocal: build(RoleLocal,
			ChainEntry{Provider: ProviderLocal, Model: "qwen3"},
		),
		RoleGUIFast: build(RoleGUIFast,
			ChainEntry{Provider: ProviderGemini, Model: "gemini-2.0-flash"},
			ChainEntry{Provider: ProviderOpenAI, Model: "gpt-4o-mini"},
			ChainEntry{Provider: ProviderXAI, Model: "grok-3"},
			ChainEntry{Provider: ProviderDeepSeek, Model: "deepseek-chat"},
		),
		RoleIntake: build(RoleIntake,
			ChainEntry{Provider: ProviderDeepSeek, Model: "deepseek-chat"},
			ChainEntry{Provider: ProviderGemini, Model: "gemini-2.0-flash"},
			ChainEntry{Provider: ProviderOpenAI, Model: "gpt-4o-mini"},
		),
		RoleAssistant: build(RoleAssistant,
			ChainEntry{Provider: ProviderAnthropic, Model: "claude-sonnet-4-20250514"},
			ChainEntry{Provider: ProviderOpenAI, Model: "gpt-4o"},
			ChainEntry{Provider: ProviderDeepSeek, Model: "deepseek-chat"},
			ChainEntry{Provider: ProviderXAI, Model: "grok-3"},
			ChainEntry{Provider: ProviderLocal, Model: "qwen3"},
		),
		RoleImage: build(RoleImage,
			ChainEntry{Provider: ProviderOpenAI, Model: "gpt-image-1"},
			ChainEntry{Provider: ProviderGemini, Model: "gemini-2.0-flash"},
		),
		RoleVideo: build(RoleVideo,
			ChainEntry{Provider: ProviderGemini, Model: "veo-2.0-generate-001"},
		),
	}
}

// BuildChains merges config role overrides over the built-in chains. A
// role listed in config replaces its default chain entirely; roles not
// listed keep their defaults.
func BuildChains(cfg config.LLMConfig) Chains {
	chains := DefaultChains()
	for name, refs := range cfg.Roles {
		role := Role(name)
		p := paramsFor(role)
		entries := make([]ChainEntry, 0, len(refs))
		for _, ref := range refs {
			provider := Provider(ref.Provider)
			e := ChainEntry{
				Provider:    provider,
				Model:       ref.Model,
				Temperature: p.temperature,
				MaxTokens:   p.maxTokens,
			}
			if e.Model == "" {
				if pc, ok := cfg.Providers[ref.Provider]; ok && pc.DefaultModel != "" {
					e.Model = pc.DefaultModel
				} else {
					e.Model = DefaultModel(provider)
				}
			}
			if ref.Temperature != nil {
				e.Temperature = *ref.Temperature
			}
			if ref.MaxTokens > 0 {
				e.MaxTokens = ref.MaxTokens
			}
			entries = append(entries, e)
		}
		chains[role] = entries
	}
	return chains
}

// SettingsFromConfig converts provider config into the settings map the
// registry consumes. The local runtime always gets an entry so offline
// selection works with an empty config.
func SettingsFromConfig(cfg config.LLMConfig) map[Provider]ProviderSettings {
	out := make(map[Provider]ProviderSettings, len(cfg.Providers)+1)
	for name, pc := range cfg.Providers {
		out[Provider(name)] = ProviderSettings{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Timeout:      cfg.RequestTimeout,
		}
	}
	if _, ok := out[ProviderLocal]; !ok {
		out[ProviderLocal] = ProviderSettings{
			BaseURL: "http://localhost:11434",
			Timeout: cfg.RequestTimeout,
		}
	}
	return out
}
