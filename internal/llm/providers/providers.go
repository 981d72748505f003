// Package providers contains the vendor adapters behind llm.Client.
//
// Each adapter translates the neutral message, tool, and option shapes into
// one vendor SDK's calls and normalizes failures into classified llm errors
// the resilient layer can act on. DeepSeek and xAI ride the OpenAI adapter
// with their own base URLs; the local adapter speaks the Ollama chat API
// directly.
package providers

import (
	"fmt"

	"github.com/dotbot-ai/dotbot/internal/llm"
)

// New constructs the adapter for p. It satisfies llm.Factory, so a registry
// built over it constructs clients lazily on first use.
func New(p llm.Provider, s llm.ProviderSettings) (llm.Client, error) {
	switch p {
	case llm.ProviderOpenAI, llm.ProviderDeepSeek, llm.ProviderXAI:
		return newOpenAIWireClient(p, s)
	case llm.ProviderAnthropic:
		return newAnthropicClient(s)
	case llm.ProviderGemini:
		return newGoogleClient(s)
	case llm.ProviderLocal:
		return newLocalClient(s), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}
