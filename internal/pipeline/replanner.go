package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/workspace"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

const replannerSystem = `You review a background agent's plan after a step finished.
Be conservative: keep the plan unchanged unless the step's outcome makes a
change clearly necessary. You may insert diagnostic steps after a failure
(for example, reading a log the step produced) or drop steps the finished
work made redundant. Never reorder or rewrite completed steps.
Respond with ONE JSON object:
{
  "changed": bool,
  "reason": string,            // one sentence, only when changed
  "steps": [                   // the FULL remaining step list, only when changed
    {
      "title": string,
      "description": string,
      "expected_output": string,
      "tool_ids": [string],
      "needs_external_data": bool,
      "model_role": string
    }
  ]
}
Output only the JSON object.`

type replanResult struct {
	Changed bool   `json:"changed"`
	Reason  string `json:"reason"`
	Steps   []struct {
		Title             string   `json:"title"`
		Description       string   `json:"description"`
		ExpectedOutput    string   `json:"expected_output"`
		ToolIDs           []string `json:"tool_ids"`
		NeedsExternalData bool     `json:"needs_external_data"`
		ModelRole         string   `json:"model_role"`
	} `json:"steps"`
}

// replan reviews the plan after a step. It rewrites only the remaining
// steps; completed progress and the tool-call log are untouched. Any error
// leaves the plan as it was, the review is advisory.
func (p *Pipeline) replan(ctx context.Context, plan *models.StepPlan, result models.StepResult, ws *workspace.Workspace) bool {
	if !plan.HasRemaining() {
		return false
	}

	var b strings.Builder
	b.WriteString("## Approach\n" + plan.Approach + "\n\n## Last step\n")
	step := plan.Step(result.StepID)
	if step != nil {
		fmt.Fprintf(&b, "%s — %s\n", step.Title, step.Description)
	}
	fmt.Fprintf(&b, "Success: %v\nOutput:\n%s\n", result.Success, result.Output)
	b.WriteString("\n## Remaining steps\n")
	for _, id := range plan.Progress.Remaining {
		if s := plan.Step(id); s != nil {
			fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.Description)
		}
	}
	if listing := ws.Listing(); listing != "" {
		b.WriteString("\n## Workspace contents\n" + listing + "\n")
	}

	resp, err := p.llm.Chat(ctx, llm.RoleWorkhorse, []llm.Message{llm.UserMessage(b.String())}, llm.Options{
		System:      replannerSystem,
		Temperature: llm.Float(0),
	})
	if err != nil {
		p.log.Warn(ctx, "re-planner skipped", "error", err)
		return false
	}
	var out replanResult
	if err := llm.ExtractJSONObject(resp.Text, &out); err != nil {
		p.log.Warn(ctx, "re-planner output discarded", "error", err)
		return false
	}
	if !out.Changed || len(out.Steps) == 0 {
		return false
	}

	maxSteps := p.cfg.MaxPlanSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}
	if room := maxSteps - len(plan.Progress.Completed); len(out.Steps) > room && room > 0 {
		out.Steps = out.Steps[:room]
	}

	// Replace the remaining steps; completed ones keep their slots.
	kept := plan.Steps[:0]
	remaining := map[string]bool{}
	for _, id := range plan.Progress.Remaining {
		remaining[id] = true
	}
	for _, s := range plan.Steps {
		if !remaining[s.ID] {
			kept = append(kept, s)
		}
	}
	plan.Steps = kept
	plan.Progress.Remaining = nil
	base := len(plan.Steps)
	for i, s := range out.Steps {
		id := fmt.Sprintf("step-%d", base+i+1)
		plan.Steps = append(plan.Steps, models.PlanStep{
			ID:                id,
			Title:             s.Title,
			Description:       s.Description,
			ExpectedOutput:    s.ExpectedOutput,
			ToolIDs:           s.ToolIDs,
			NeedsExternalData: s.NeedsExternalData,
			ModelRole:         s.ModelRole,
		})
		plan.Progress.Remaining = append(plan.Progress.Remaining, id)
	}
	p.log.Info(ctx, "plan revised", "reason", out.Reason, "remaining", len(plan.Progress.Remaining))
	return true
}
