package pipeline

import (
	"context"
	"errors"

	"github.com/dotbot-ai/dotbot/internal/workspace"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Recover scans persisted workspaces for agents whose status is still
// running but which no live task tracks, and re-enters their pipelines.
// Called once at startup, after the transport layer is up. Returns the ids
// of the agents it resumed.
func (p *Pipeline) Recover(ctx context.Context) []string {
	if !p.cfg.RecoveryScan {
		return nil
	}
	ids, err := p.workspaces.List()
	if err != nil {
		p.log.Warn(ctx, "recovery scan failed", "error", err)
		return nil
	}

	var resumed []string
	for _, id := range ids {
		if p.registry.Running(id) {
			continue
		}
		ws, err := p.workspaces.Open(id)
		if err != nil {
			continue
		}
		persona, err := ws.LoadPersona()
		if err != nil || persona.Status != models.AgentRunning {
			continue
		}
		// An agent that never got a restated request has nothing to resume
		// from; leave it for GC.
		if len(persona.RestatedRequests) == 0 {
			continue
		}
		plan, err := ws.LoadPlan()
		if err != nil {
			if errors.Is(err, workspace.ErrPlanUnavailable) {
				p.log.Warn(ctx, "orphaned agent has no readable plan", "agent_task_id", id)
			}
			continue
		}
		if !plan.HasRemaining() {
			continue
		}

		// A crash mid-step leaves current_step_id set; the step re-runs
		// from its beginning.
		plan.Progress.CurrentStepID = ""

		task := &Task{
			ID:        id,
			DeviceID:  persona.DeviceID,
			UserID:    persona.UserID,
			Prompt:    persona.OriginalPrompt,
			CreatedAt: persona.CreatedAt,
		}
		runCtx, cancel := context.WithCancel(context.Background())
		p.registry.Register(task, cancel)
		p.metrics.AgentStarted()
		p.log.Info(ctx, "resuming orphaned agent", "agent_task_id", id,
			"completed", len(plan.Progress.Completed), "remaining", len(plan.Progress.Remaining))

		go p.resume(runCtx, task, ws, persona, plan)
		resumed = append(resumed, id)
	}
	return resumed
}
