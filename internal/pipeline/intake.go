package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// AgentContext is everything the pipeline fetches from the device before
// planning: who the agent can be, what it can touch, and what it already
// knows.
type AgentContext struct {
	Personas []models.PersonaProfile
	Councils []models.Council
	Manifest []tools.Definition
	Spines   []models.Spine
	Research []models.ResearchEntry
	History  []models.ThreadMessage
}

// ContextSource fetches the agent context for a device. Implemented over
// the device bridge; tests use a literal.
type ContextSource interface {
	AgentContext(ctx context.Context, deviceID string) (*AgentContext, error)
}

const intakeSystem = `You classify incoming tasks for a background agent.
Resolve pronouns and vague references ("it", "that file", "the project") against the provided context, then respond with ONE JSON object:
{
  "restated_request": string,  // the task, fully self-contained
  "knowledge": string          // markdown notes: relevant facts from memory and research the agent should start with
}
Output only the JSON object.`

type intakeResult struct {
	RestatedRequest string `json:"restated_request"`
	Knowledge       string `json:"knowledge"`
}

// intake resolves references and produces the restated request plus the
// intake knowledge document seeded into the workspace.
func (p *Pipeline) intake(ctx context.Context, prompt string, actx *AgentContext) (intakeResult, error) {
	var b strings.Builder
	b.WriteString("## Task\n" + prompt + "\n")
	if len(actx.History) > 0 {
		b.WriteString("\n## Recent conversation\n")
		for _, m := range actx.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	if len(actx.Spines) > 0 {
		b.WriteString("\n## Memory\n")
		for _, sp := range actx.Spines {
			fmt.Fprintf(&b, "- %s (%s): %s\n", sp.Entity, sp.Type, sp.Summary)
		}
	}
	if len(actx.Research) > 0 {
		b.WriteString("\n## Research cache\n")
		for _, e := range actx.Research {
			fmt.Fprintf(&b, "- %s: %s\n", e.File, e.Topic)
		}
	}

	resp, err := p.llm.Chat(ctx, llm.RoleIntake, []llm.Message{llm.UserMessage(b.String())}, llm.Options{
		System:      intakeSystem,
		Temperature: llm.Float(0.2),
	})
	if err != nil {
		return intakeResult{}, fmt.Errorf("intake: %w", err)
	}
	var res intakeResult
	if err := llm.ExtractJSONObject(resp.Text, &res); err != nil {
		return intakeResult{}, fmt.Errorf("intake: %w", err)
	}
	if strings.TrimSpace(res.RestatedRequest) == "" {
		res.RestatedRequest = prompt
	}
	return res, nil
}
