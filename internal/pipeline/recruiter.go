package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

const recruitPhase1System = `You staff a background agent for a task.
Given the task and the available personas and councils (names and descriptions only), respond with ONE JSON object:
{
  "persona_ids": [string],   // one or more persona ids, best fit first
  "council_id": string,      // a council id when group review fits, else ""
  "model_role": string       // one of: workhorse, deep_context, architect, local
}
Output only the JSON object.`

const recruitPhase2System = `You write the operating instructions for a background agent.
You get the task, the full bodies of the selected personas, and the device tool manifest. Respond with ONE JSON object:
{
  "system_prompt": string,   // the agent's system prompt, written in second person, merging the persona voices
  "tool_ids": [string]       // the subset of manifest tool ids this task needs
}
Output only the JSON object.`

type recruitPhase1 struct {
	PersonaIDs []string `json:"persona_ids"`
	CouncilID  string   `json:"council_id"`
	ModelRole  string   `json:"model_role"`
}

type recruitPhase2 struct {
	SystemPrompt string   `json:"system_prompt"`
	ToolIDs      []string `json:"tool_ids"`
}

// recruit runs the two-phase recruiter and assembles the agent persona.
// Phase 1 selects from names and descriptions; phase 2 reads the selected
// personas' full bodies and writes the custom system prompt plus a
// validated tool grant.
func (p *Pipeline) recruit(ctx context.Context, task *Task, restated string, actx *AgentContext) (*models.AgentPersona, error) {
	phase1, err := p.recruitPhase1(ctx, restated, actx, task.PersonaID)
	if err != nil {
		return nil, err
	}
	phase2, err := p.recruitPhase2(ctx, restated, actx, phase1)
	if err != nil {
		return nil, err
	}

	persona := &models.AgentPersona{
		AgentID:          task.ID,
		DeviceID:         task.DeviceID,
		UserID:           task.UserID,
		Status:           models.AgentRunning,
		SystemPrompt:     phase2.SystemPrompt,
		ToolIDs:          phase2.ToolIDs,
		ModelRole:        phase1.ModelRole,
		RestatedRequests: []string{restated},
		OriginalPrompt:   task.Prompt,
		CreatedAt:        p.now().UTC(),
		UpdatedAt:        p.now().UTC(),
	}
	if len(phase1.PersonaIDs) > 0 {
		persona.PersonaID = phase1.PersonaIDs[0]
	}
	if phase1.CouncilID != "" {
		for _, c := range actx.Councils {
			if c.ID == phase1.CouncilID {
				persona.Council = c.PersonaIDs
			}
		}
	}
	return persona, nil
}

func (p *Pipeline) recruitPhase1(ctx context.Context, restated string, actx *AgentContext, requestedPersona string) (recruitPhase1, error) {
	var b strings.Builder
	b.WriteString("## Task\n" + restated + "\n\n## Personas\n")
	for _, pp := range actx.Personas {
		fmt.Fprintf(&b, "- %s: %s — %s\n", pp.ID, pp.Name, pp.Description)
	}
	if len(actx.Councils) > 0 {
		b.WriteString("\n## Councils\n")
		for _, c := range actx.Councils {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", c.ID, c.Name, strings.Join(c.PersonaIDs, ", "))
		}
	}
	if requestedPersona != "" {
		fmt.Fprintf(&b, "\nThe user asked for persona %q; honor that unless it cannot do the task.\n", requestedPersona)
	}

	resp, err := p.llm.Chat(ctx, llm.RoleIntake, []llm.Message{llm.UserMessage(b.String())}, llm.Options{
		System:      recruitPhase1System,
		Temperature: llm.Float(0.2),
	})
	if err != nil {
		return recruitPhase1{}, fmt.Errorf("recruit phase 1: %w", err)
	}
	var out recruitPhase1
	if err := llm.ExtractJSONObject(resp.Text, &out); err != nil {
		return recruitPhase1{}, fmt.Errorf("recruit phase 1: %w", err)
	}

	// Unknown persona picks fall back to the default persona rather than
	// failing the task.
	known := make(map[string]bool, len(actx.Personas))
	for _, pp := range actx.Personas {
		known[pp.ID] = true
	}
	valid := out.PersonaIDs[:0]
	for _, id := range out.PersonaIDs {
		if known[id] {
			valid = append(valid, id)
		}
	}
	out.PersonaIDs = valid

	switch llm.Role(out.ModelRole) {
	case llm.RoleWorkhorse, llm.RoleDeepContext, llm.RoleArchitect, llm.RoleLocal:
	default:
		out.ModelRole = string(llm.RoleWorkhorse)
	}
	return out, nil
}

func (p *Pipeline) recruitPhase2(ctx context.Context, restated string, actx *AgentContext, phase1 recruitPhase1) (recruitPhase2, error) {
	var b strings.Builder
	b.WriteString("## Task\n" + restated + "\n\n## Selected personas\n")
	for _, id := range phase1.PersonaIDs {
		for _, pp := range actx.Personas {
			if pp.ID == id {
				fmt.Fprintf(&b, "### %s\n%s\n\n", pp.Name, pp.Body)
			}
		}
	}
	b.WriteString("## Tool manifest\n")
	for _, d := range actx.Manifest {
		fmt.Fprintf(&b, "- %s: %s\n", d.ID, d.Description)
	}

	resp, err := p.llm.Chat(ctx, llm.RoleWorkhorse, []llm.Message{llm.UserMessage(b.String())}, llm.Options{
		System:      recruitPhase2System,
		Temperature: llm.Float(0.3),
	})
	if err != nil {
		return recruitPhase2{}, fmt.Errorf("recruit phase 2: %w", err)
	}
	var out recruitPhase2
	if err := llm.ExtractJSONObject(resp.Text, &out); err != nil {
		return recruitPhase2{}, fmt.Errorf("recruit phase 2: %w", err)
	}
	if strings.TrimSpace(out.SystemPrompt) == "" {
		out.SystemPrompt = "You are a capable background agent. Complete the task thoroughly and verify your work."
	}

	// The tool grant is validated against the manifest; hallucinated ids
	// are dropped here so the step runner never offers them.
	known := make(map[string]bool, len(actx.Manifest))
	for _, d := range actx.Manifest {
		known[d.ID] = true
	}
	valid := out.ToolIDs[:0]
	for _, id := range out.ToolIDs {
		if known[id] {
			valid = append(valid, id)
		}
	}
	out.ToolIDs = valid
	if len(out.ToolIDs) == 0 {
		for _, d := range actx.Manifest {
			out.ToolIDs = append(out.ToolIDs, d.ID)
		}
	}
	return out, nil
}
