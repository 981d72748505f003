package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/internal/workspace"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Notifier publishes pipeline events back to the user's connected devices.
// The gateway's broadcast bus implements it; the pipeline never holds a
// reference to a connection.
type Notifier interface {
	AgentComplete(userID string, payload models.AgentCompletePayload)
	DispatchFollowup(userID string, payload models.DispatchFollowupPayload)
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	LLM        *llm.Resilient
	Workspaces *workspace.Manager
	Source     ContextSource
	Executor   tools.BridgeExecutor
	Notifier   Notifier
	Config     config.PipelineConfig
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Pipeline turns a dispatched prompt into a recruited, planned, step-executed
// background agent. One Pipeline serves all devices; per-task state lives in
// the registry and the workspace.
type Pipeline struct {
	llm        *llm.Resilient
	registry   *Registry
	workspaces *workspace.Manager
	source     ContextSource
	executor   tools.BridgeExecutor
	notifier   Notifier
	cfg        config.PipelineConfig
	log        *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time
}

// New builds a Pipeline. Nil observability deps fall back to no-ops.
func New(deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "dotbot-pipeline"})
	}
	return &Pipeline{
		llm:        deps.LLM,
		registry:   NewRegistry(),
		workspaces: deps.Workspaces,
		source:     deps.Source,
		executor:   deps.Executor,
		notifier:   deps.Notifier,
		cfg:        deps.Config,
		log:        log,
		metrics:    metrics,
		tracer:     tracer,
		now:        time.Now,
	}
}

// WithNow overrides the clock for tests.
func (p *Pipeline) WithNow(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Registry exposes the task registry for the gateway (status, cancel,
// injection).
func (p *Pipeline) Registry() *Registry { return p.registry }

// Dispatch launches a background agent for the prompt and returns its task
// id immediately. The caller does not wait for completion; the result is
// published through the Notifier.
func (p *Pipeline) Dispatch(deviceID, userID, prompt, personaID string) string {
	task := &Task{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		UserID:    userID,
		Prompt:    prompt,
		PersonaID: personaID,
		CreatedAt: p.now().UTC(),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.registry.Register(task, cancel)
	p.metrics.AgentStarted()
	p.metrics.RecordDispatch("pipeline")

	go p.run(runCtx, task)
	return task.ID
}

// Cancel aborts a running agent. The cancelled status wins every race with
// in-flight completion handlers.
func (p *Pipeline) Cancel(taskID string) bool {
	if !p.registry.Cancel(taskID) {
		return false
	}
	p.persistStatus(taskID, models.AgentCancelled)
	return true
}

// run drives one agent task through all stages. It owns the workspace and
// the task's registry entry until the terminal status is published.
func (p *Pipeline) run(ctx context.Context, task *Task) {
	log := p.log.WithFields("agent_task_id", task.ID, "device_id", task.DeviceID)
	ctx, span := p.tracer.TracePipelineStage(ctx, "run", task.ID)
	defer span.End()

	ws, err := p.workspaces.Create(task.ID)
	if err != nil {
		p.fail(ctx, task, fmt.Errorf("create workspace: %w", err))
		return
	}

	// Stage 1: context build.
	actx, err := p.source.AgentContext(ctx, task.DeviceID)
	if err != nil {
		p.fail(ctx, task, fmt.Errorf("agent context: %w", err))
		return
	}

	// Stage 2: intake classification.
	in, err := p.intake(ctx, task.Prompt, actx)
	if err != nil {
		p.fail(ctx, task, err)
		return
	}
	if in.Knowledge != "" {
		if err := ws.SaveIntake(in.Knowledge); err != nil {
			log.Warn(ctx, "intake knowledge not persisted", "error", err)
		}
	}

	// Stage 3: recruitment.
	persona, err := p.recruit(ctx, task, in.RestatedRequest, actx)
	if err != nil {
		p.fail(ctx, task, err)
		return
	}
	if err := ws.SavePersona(persona); err != nil {
		p.fail(ctx, task, fmt.Errorf("persist persona: %w", err))
		return
	}

	// Stage 4: planning.
	plan, err := p.plan(ctx, in.RestatedRequest, in.Knowledge, persona, actx)
	if err != nil {
		p.fail(ctx, task, err)
		return
	}
	if err := ws.SavePlan(plan); err != nil {
		p.fail(ctx, task, fmt.Errorf("persist plan: %w", err))
		return
	}
	log.Info(ctx, "agent planned", "steps", len(plan.Steps), "persona", persona.PersonaID)

	p.execute(ctx, task, ws, persona, actx, plan, in.RestatedRequest)
}

// resume re-enters a recovered agent with its persisted persona and plan.
func (p *Pipeline) resume(ctx context.Context, task *Task, ws *workspace.Workspace, persona *models.AgentPersona, plan *models.StepPlan) {
	actx, err := p.source.AgentContext(ctx, task.DeviceID)
	if err != nil {
		p.fail(ctx, task, fmt.Errorf("agent context: %w", err))
		return
	}
	restated := task.Prompt
	if n := len(persona.RestatedRequests); n > 0 {
		restated = persona.RestatedRequests[n-1]
	}
	p.execute(ctx, task, ws, persona, actx, plan, restated)
}

// execute runs the step loop to a terminal status and publishes the result.
func (p *Pipeline) execute(ctx context.Context, task *Task, ws *workspace.Workspace, persona *models.AgentPersona, actx *AgentContext, plan *models.StepPlan, restated string) {
	output, runErr := p.runSteps(ctx, task, ws, persona, actx, plan, restated)

	switch {
	case ctx.Err() != nil:
		// Cancelled mid-flight. The registry already holds cancelled; only
		// the persisted persona needs to catch up.
		p.finish(ctx, task, models.AgentCancelled, output, nil)
	case runErr != nil:
		p.fail(ctx, task, runErr)
	default:
		p.finish(ctx, task, models.AgentCompleted, output, nil)
	}
}

func (p *Pipeline) fail(ctx context.Context, task *Task, err error) {
	p.log.Error(context.WithoutCancel(ctx), "agent task failed", "agent_task_id", task.ID, "error", err)
	p.metrics.RecordError("pipeline", "task_failed")
	p.finish(ctx, task, models.AgentFailed, "", err)
}

// finish persists the terminal status, publishes agent_complete, and drops
// the registry entry. A task that was cancelled while this ran stays
// cancelled: SetStatus refuses the overwrite, and the persisted and
// published status follow the registry, not the caller.
func (p *Pipeline) finish(ctx context.Context, task *Task, status models.AgentStatus, output string, cause error) {
	if !p.registry.SetStatus(task.ID, status) {
		if got, ok := p.registry.Status(task.ID); ok {
			status = got
		}
	}
	p.persistStatus(task.ID, status)
	p.metrics.AgentFinished(string(status))

	payload := models.AgentCompletePayload{
		AgentTaskID: task.ID,
		TaskID:      task.ID,
		Output:      output,
		Success:     status == models.AgentCompleted,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if status == models.AgentCancelled && payload.Error == "" {
		payload.Error = "cancelled"
	}
	if p.notifier != nil {
		p.notifier.AgentComplete(task.UserID, payload)
	}
	p.registry.Remove(task.ID)
}

// persistStatus updates agent_persona.json to the terminal status. Best
// effort: the workspace may not exist yet if the task failed before stage 3.
func (p *Pipeline) persistStatus(taskID string, status models.AgentStatus) {
	ws, err := p.workspaces.Open(taskID)
	if err != nil {
		return
	}
	persona, err := ws.LoadPersona()
	if err != nil {
		return
	}
	persona.Status = status
	persona.UpdatedAt = p.now().UTC()
	if status.Terminal() && persona.CompletedAt.IsZero() {
		persona.CompletedAt = p.now().UTC()
	}
	if err := ws.SavePersona(persona); err != nil {
		p.log.Warn(context.Background(), "terminal status not persisted", "agent_task_id", taskID, "error", err)
	}
}

// summarize condenses step outputs into the completion message.
func summarize(plan *models.StepPlan, results []models.StepResult) string {
	var b strings.Builder
	if plan.Approach != "" {
		b.WriteString(plan.Approach + "\n\n")
	}
	for _, r := range results {
		step := plan.Step(r.StepID)
		title := r.StepID
		if step != nil {
			title = step.Title
		}
		status := "done"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", title, status, firstLine(r.Output))
	}
	return strings.TrimSpace(b.String())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
