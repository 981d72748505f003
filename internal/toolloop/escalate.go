package toolloop

import "github.com/dotbot-ai/dotbot/internal/llm"

// TierEscalator builds the standard OnEscalate hook: move to the workhorse
// tier at atWorkhorse iterations and to the architect tier at atArchitect.
// Both the conversational loop and the pipeline step runner use it. Returns
// nil when skip is set, which personas pinned to a strong tier use to opt
// out of escalation entirely.
func TierEscalator(resilient *llm.Resilient, atWorkhorse, atArchitect int, skip bool) func(iteration int) *Escalation {
	if skip || resilient == nil {
		return nil
	}
	var current string
	return func(iteration int) *Escalation {
		switch {
		case atArchitect > 0 && iteration >= atArchitect && current != "architect":
			current = "architect"
			if sel, err := resilient.Select(llm.Criteria{Role: llm.RoleArchitect}); err == nil {
				return &Escalation{
					Client:    resilient.ForRole(llm.RoleArchitect),
					Model:     sel.Model,
					MaxTokens: sel.MaxTokens,
					Tier:      "architect",
				}
			}
		case atWorkhorse > 0 && iteration >= atWorkhorse && current == "":
			current = "workhorse"
			if sel, err := resilient.Select(llm.Criteria{Role: llm.RoleWorkhorse}); err == nil {
				return &Escalation{
					Client:    resilient.ForRole(llm.RoleWorkhorse),
					Model:     sel.Model,
					MaxTokens: sel.MaxTokens,
					Tier:      "workhorse",
				}
			}
		}
		return nil
	}
}
