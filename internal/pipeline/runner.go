package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/toolloop"
	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/internal/workspace"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Escalation thresholds for the step loop, matching the conversational
// loop's tiers.
const (
	stepEscalateWorkhorse = 6
	stepEscalateArchitect = 10
)

// runSteps executes the plan sequentially, re-planning between steps, and
// returns the completion summary. The plan file on disk reflects progress
// after every tool result.
func (p *Pipeline) runSteps(ctx context.Context, task *Task, ws *workspace.Workspace, persona *models.AgentPersona, actx *AgentContext, plan *models.StepPlan, restated string) (string, error) {
	var results []models.StepResult
	replans := 0
	maxReplans := p.cfg.MaxReplans
	if maxReplans <= 0 {
		maxReplans = 2
	}

	for plan.HasRemaining() {
		if ctx.Err() != nil {
			return summarize(plan, results), ctx.Err()
		}

		stepID := plan.Progress.Remaining[0]
		step := plan.Step(stepID)
		if step == nil {
			plan.CompleteStep(stepID)
			continue
		}

		plan.Progress.CurrentStepID = stepID
		p.flushPlan(ctx, ws, plan)

		result := p.runStep(ctx, task, ws, persona, actx, plan, step, restated)
		results = append(results, result)
		p.metrics.RecordPipelineStep(stepStatus(result))

		plan.CompleteStep(stepID)
		if !result.Success {
			plan.Progress.FailedAtStep = stepID
		}
		p.flushPlan(ctx, ws, plan)

		if ctx.Err() != nil {
			return summarize(plan, results), ctx.Err()
		}

		if result.Escalated {
			// The step bailed out on purpose. Give the re-planner a chance
			// to route around it; without a revision the task fails.
			if replans >= maxReplans || !p.replan(ctx, plan, result, ws) {
				return summarize(plan, results), fmt.Errorf("step %s escalated: %s", stepID, result.EscalateReason)
			}
			replans++
			p.flushPlan(ctx, ws, plan)
			continue
		}

		if !result.Success && replans < maxReplans {
			if p.replan(ctx, plan, result, ws) {
				replans++
				p.flushPlan(ctx, ws, plan)
			}
		} else if result.Success && plan.HasRemaining() && replans < maxReplans {
			if p.replan(ctx, plan, result, ws) {
				replans++
				p.flushPlan(ctx, ws, plan)
			}
		}
	}
	return summarize(plan, results), nil
}

// runStep runs one plan step's tool loop to completion.
func (p *Pipeline) runStep(ctx context.Context, task *Task, ws *workspace.Workspace, persona *models.AgentPersona, actx *AgentContext, plan *models.StepPlan, step *models.PlanStep, restated string) models.StepResult {
	ctx, span := p.tracer.TracePipelineStage(ctx, "step", task.ID)
	defer span.End()
	if p.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StepTimeout)
		defer cancel()
	}

	role := llm.Role(persona.ModelRole)
	if step.ModelRole != "" {
		role = llm.Role(step.ModelRole)
	}
	sel, err := p.llm.Select(llm.Criteria{Role: role})
	if err != nil {
		return models.StepResult{StepID: step.ID, Output: err.Error()}
	}

	grant := step.ToolIDs
	if len(grant) == 0 {
		grant = persona.ToolIDs
	}
	defs := tools.Intersect(actx.Manifest, grant)
	handlers := make(map[string]toolloop.Handler, len(defs)+1)
	for _, d := range defs {
		def := d
		handlers[def.ID] = func(ctx context.Context, args json.RawMessage) (string, error) {
			return p.executor.ExecuteTool(ctx, task.DeviceID, def.ID, args, 0)
		}
	}
	escalate := tools.NewEscalate(nil)
	escalateDef := tools.Definition{ID: escalate.ID(), Description: escalate.Description(), Parameters: escalate.Schema()}
	loopTools := append(tools.LLMTools(defs), escalateDef.LLMTool())
	handlers[tools.EscalateID] = escalate.Execute

	skipEscalation := role == llm.RoleArchitect
	cfg := toolloop.Config{
		Client:        p.llm.ForRole(role),
		Model:         sel.Model,
		System:        persona.SystemPrompt,
		MaxTokens:     sel.MaxTokens,
		Tools:         loopTools,
		Handlers:      handlers,
		MaxIterations: p.cfg.MaxStepIterations,
		StopToolID:    tools.EscalateID,
		OnEscalate:    toolloop.TierEscalator(p.llm, stepEscalateWorkhorse, stepEscalateArchitect, skipEscalation),
		OnToolResult: func(call models.ToolCall, result string, failed bool) {
			plan.ToolCallLog = append(plan.ToolCallLog, models.ToolCallLogEntry{
				StepID:    step.ID,
				ToolID:    call.Name,
				Arguments: string(call.Input),
				Snippet:   toolloop.Snippet(result, 200),
				Failed:    failed,
				At:        p.now().UTC(),
			})
			p.flushPlan(ctx, ws, plan)
		},
		Logger: p.log,
	}

	messages := []llm.Message{llm.UserMessage(p.briefing(ws, plan, step, restated))}
	for _, inj := range p.registry.DrainInjections(task.ID) {
		messages = append(messages, llm.UserMessage("User follow-up: "+inj))
	}

	outcome, err := toolloop.Run(ctx, cfg, messages)
	if err != nil {
		return models.StepResult{StepID: step.ID, Output: err.Error()}
	}

	result := models.StepResult{
		StepID:     step.ID,
		Output:     outcome.FinalText,
		Iterations: outcome.Iterations,
	}
	switch outcome.Reason {
	case toolloop.StopDone:
		result.Success = true
	case toolloop.StopTool:
		result.Escalated = true
		var args tools.EscalateArgs
		if json.Unmarshal(outcome.StopToolArgs, &args) == nil {
			result.EscalateReason = args.Reason
			result.Output = strings.TrimSpace(args.Reason + "\n" + args.Hint)
		}
	case toolloop.StopMaxIterations:
		result.Output = "Step ran out of iterations.\n" + outcome.FinalText
	case toolloop.StopCancelled:
		result.Output = "cancelled"
	}
	return result
}

// briefing assembles the per-step prompt: the task, where the plan stands,
// and what the workspace currently holds.
func (p *Pipeline) briefing(ws *workspace.Workspace, plan *models.StepPlan, step *models.PlanStep, restated string) string {
	var b strings.Builder
	b.WriteString("## Task\n" + restated + "\n\n## Approach\n" + plan.Approach + "\n")

	if len(plan.Progress.Completed) > 0 {
		b.WriteString("\n## Completed steps\n")
		for _, id := range plan.Progress.Completed {
			if s := plan.Step(id); s != nil {
				fmt.Fprintf(&b, "- %s\n", s.Title)
			}
		}
	}
	if rest := plan.Progress.Remaining; len(rest) > 1 {
		b.WriteString("\n## Upcoming steps\n")
		for _, id := range rest[1:] {
			if s := plan.Step(id); s != nil {
				fmt.Fprintf(&b, "- %s\n", s.Title)
			}
		}
	}
	if listing := ws.Listing(); listing != "" {
		b.WriteString("\n## Workspace contents\n" + listing + "\n")
	}

	fmt.Fprintf(&b, "\n## Current step: %s\n%s\n", step.Title, step.Description)
	if step.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\nExpected output: %s\n", step.ExpectedOutput)
	}
	b.WriteString("\nWork only on the current step. When it is done, reply with a summary of what you did and produced. If you cannot proceed, call the escalate tool.")
	return b.String()
}

// flushPlan writes plan.json. Failures are logged, not fatal: the plan in
// memory stays authoritative for the rest of the run.
func (p *Pipeline) flushPlan(ctx context.Context, ws *workspace.Workspace, plan *models.StepPlan) {
	if err := ws.SavePlan(plan); err != nil {
		p.log.Warn(context.WithoutCancel(ctx), "plan flush failed", "error", err)
	}
}

func stepStatus(r models.StepResult) string {
	switch {
	case r.Escalated:
		return "escalated"
	case r.Success:
		return "completed"
	default:
		return "failed"
	}
}
