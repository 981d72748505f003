package tailor

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/llm"
)

// Principle is one selected principle or always-on rule body handed to the
// consolidator.
type Principle struct {
	Name string
	Body string
}

// consolidatorTokenBudget bounds the unified briefing. The model is told
// the budget; enforcement is by instruction, not truncation.
const consolidatorTokenBudget = 1500

const consolidatorSystem = `You merge operating principles for a personal AI assistant into one briefing.
Write a single unified briefing that preserves every obligation in the inputs, removes duplication, and resolves conflicts in favor of the more specific rule.
Stay under %d tokens. Output only the briefing text, no preamble.`

// Consolidate runs pass two: one unified briefing from the selected
// principles, prepended to the user message downstream. No principles
// yields an empty block. On failure the principle bodies are concatenated
// verbatim so the obligations still reach the model.
func (t *Tailor) Consolidate(ctx context.Context, restatedRequest string, principles []Principle) string {
	if len(principles) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Request\n%s\n\n## Principles\n", restatedRequest)
	for _, p := range principles {
		fmt.Fprintf(&b, "### %s\n%s\n\n", p.Name, p.Body)
	}

	resp, err := t.client.Chat(ctx, []llm.Message{llm.UserMessage(b.String())}, llm.Options{
		System:      fmt.Sprintf(consolidatorSystem, consolidatorTokenBudget),
		Temperature: llm.Float(0.2),
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		if t.log != nil {
			t.log.Warn(ctx, "consolidator failed, concatenating principles", "error", err)
		}
		return concatPrinciples(principles)
	}
	return strings.TrimSpace(resp.Text)
}

func concatPrinciples(principles []Principle) string {
	var b strings.Builder
	for i, p := range principles {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.Body)
	}
	return b.String()
}
