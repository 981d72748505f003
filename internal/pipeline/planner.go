package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

const plannerSystem = `You plan the execution of a task for a background agent.
Respond with ONE JSON object:
{
  "is_simple_task": bool,      // true when one step suffices
  "approach": string,          // one or two sentences on the overall approach
  "steps": [
    {
      "title": string,
      "description": string,          // concrete instructions for this step
      "expected_output": string,      // what success looks like
      "tool_ids": [string],           // subset of granted tools this step needs
      "needs_external_data": bool,    // must fetch information (web, files)
      "model_role": string            // "" for the agent default, or an override
    }
  ]
}
Between 1 and %d steps. Steps run strictly in order; each sees the outputs of
the ones before it. Output only the JSON object.`

type plannerResult struct {
	IsSimpleTask bool   `json:"is_simple_task"`
	Approach     string `json:"approach"`
	Steps        []struct {
		Title             string   `json:"title"`
		Description       string   `json:"description"`
		ExpectedOutput    string   `json:"expected_output"`
		ToolIDs           []string `json:"tool_ids"`
		NeedsExternalData bool     `json:"needs_external_data"`
		ModelRole         string   `json:"model_role"`
	} `json:"steps"`
}

// plan produces the initial StepPlan for the restated request.
func (p *Pipeline) plan(ctx context.Context, restated, knowledge string, persona *models.AgentPersona, actx *AgentContext) (*models.StepPlan, error) {
	maxSteps := p.cfg.MaxPlanSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}

	var b strings.Builder
	b.WriteString("## Task\n" + restated + "\n")
	if knowledge != "" {
		b.WriteString("\n## Known context\n" + knowledge + "\n")
	}
	b.WriteString("\n## Granted tools\n")
	for _, d := range tools.Intersect(actx.Manifest, persona.ToolIDs) {
		fmt.Fprintf(&b, "- %s: %s\n", d.ID, d.Description)
	}

	resp, err := p.llm.Chat(ctx, llm.Role(persona.ModelRole), []llm.Message{llm.UserMessage(b.String())}, llm.Options{
		System:      fmt.Sprintf(plannerSystem, maxSteps),
		Temperature: llm.Float(0.2),
	})
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	var out plannerResult
	if err := llm.ExtractJSONObject(resp.Text, &out); err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	plan := &models.StepPlan{
		Approach:  out.Approach,
		CreatedAt: p.now().UTC(),
		UpdatedAt: p.now().UTC(),
	}
	if out.IsSimpleTask || len(out.Steps) == 0 {
		plan.Steps = []models.PlanStep{{
			ID:             "step-1",
			Title:          "Complete the task",
			Description:    restated,
			ExpectedOutput: "The task is done and the outcome summarized.",
			ToolIDs:        persona.ToolIDs,
		}}
		if len(out.Steps) == 1 {
			plan.Steps[0].Title = out.Steps[0].Title
			plan.Steps[0].Description = out.Steps[0].Description
			plan.Steps[0].ExpectedOutput = out.Steps[0].ExpectedOutput
			if len(out.Steps[0].ToolIDs) > 0 {
				plan.Steps[0].ToolIDs = out.Steps[0].ToolIDs
			}
		}
	} else {
		if len(out.Steps) > maxSteps {
			out.Steps = out.Steps[:maxSteps]
		}
		for i, s := range out.Steps {
			plan.Steps = append(plan.Steps, models.PlanStep{
				ID:                fmt.Sprintf("step-%d", i+1),
				Title:             s.Title,
				Description:       s.Description,
				ExpectedOutput:    s.ExpectedOutput,
				ToolIDs:           s.ToolIDs,
				NeedsExternalData: s.NeedsExternalData,
				ModelRole:         s.ModelRole,
			})
		}
	}
	for _, s := range plan.Steps {
		plan.Progress.Remaining = append(plan.Progress.Remaining, s.ID)
	}
	return plan, nil
}
