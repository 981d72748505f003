package llm

import (
	"fmt"
)

// largeContextTokens is the estimated prompt size above which selection
// moves to the deep context role.
const largeContextTokens = 32000

// Criteria describes one call for model selection. The zero value selects
// the workhorse role.
type Criteria struct {
	// Role pins selection to an explicit role.
	Role Role

	// PersonaProvider and PersonaModel override everything when both are
	// set and the provider has a key.
	PersonaProvider Provider
	PersonaModel    string

	// Offline forces the local runtime.
	Offline bool

	// HasLargeFiles and EstimatedTokens steer large prompts to the deep
	// context role.
	HasLargeFiles   bool
	EstimatedTokens int

	// IsArchitectTask routes planning-grade work to the architect role.
	IsArchitectTask bool

	// IsSecondOpinion starts the chain walk at the second entry so the
	// opinion comes from a different model than the first answer.
	IsSecondOpinion bool
}

// Selection is a concrete resolved model choice.
type Selection struct {
	Role        Role
	Provider    Provider
	Model       string
	Temperature float32
	MaxTokens   int

	// Reason explains the choice for logs and debugging.
	Reason string
}

// Selector resolves criteria to a concrete provider and model. Selection
// is a pure function of the criteria and the registered API keys; it
// performs no I/O.
type Selector struct {
	chains Chains
	hasKey func(Provider) bool
}

// NewSelector builds a selector over the given chains. hasKey is usually
// (*Registry).HasKey.
func NewSelector(chains Chains, hasKey func(Provider) bool) *Selector {
	return &Selector{chains: chains, hasKey: hasKey}
}

// Select resolves criteria to a selection.
//
// Precedence: persona override, then explicit role, then inferred role,
// then workhorse. Within a chain the first entry whose provider has an API
// key wins; the local runtime never needs one.
func (s *Selector) Select(c Criteria) (Selection, error) {
	role, reason := s.resolveRole(c)

	if c.PersonaModel != "" && c.PersonaProvider != "" && s.hasKey(c.PersonaProvider) {
		p := paramsFor(role)
		return Selection{
			Role:        role,
			Provider:    c.PersonaProvider,
			Model:       c.PersonaModel,
			Temperature: p.temperature,
			MaxTokens:   p.maxTokens,
			Reason:      "persona override",
		}, nil
	}

	chain := s.chains[role]
	if len(chain) == 0 {
		return Selection{}, fmt.Errorf("llm: no chain for role %q", role)
	}

	start := 0
	if c.IsSecondOpinion && len(chain) > 1 {
		start = 1
		reason = "second opinion, " + reason
	}

	skipped := 0
	for _, e := range chain[start:] {
		if !s.hasKey(e.Provider) {
			skipped++
			continue
		}
		if skipped > 0 {
			reason = fmt.Sprintf("%s, skipped %d without keys", reason, skipped)
		}
		return Selection{
			Role:        role,
			Provider:    e.Provider,
			Model:       e.Model,
			Temperature: e.Temperature,
			MaxTokens:   e.MaxTokens,
			Reason:      reason,
		}, nil
	}
	return Selection{}, fmt.Errorf("llm: no provider with an API key for role %q", role)
}

func (s *Selector) resolveRole(c Criteria) (Role, string) {
	if c.Role != "" {
		return c.Role, "explicit role"
	}
	if c.Offline {
		return RoleLocal, "offline"
	}
	if c.IsArchitectTask {
		return RoleArchitect, "architect task"
	}
	if c.HasLargeFiles || c.EstimatedTokens > largeContextTokens {
		return RoleDeepContext, "large context"
	}
	return RoleWorkhorse, "default workhorse"
}
