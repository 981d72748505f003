// Package dot is the conversational orchestrator: it tailors each incoming
// prompt, assembles the model context, runs the tool loop at the assistant
// tier, and decides when to hand work off to a background agent.
package dot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/config"
	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/internal/skills"
	"github.com/dotbot-ai/dotbot/internal/tailor"
	"github.com/dotbot-ai/dotbot/internal/toolloop"
	"github.com/dotbot-ai/dotbot/internal/tools"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Dispatcher launches a background agent and returns its task id without
// waiting for completion.
type Dispatcher interface {
	Dispatch(deviceID, userID, prompt, personaID string) string
}

// Request is one user prompt to answer.
type Request struct {
	DeviceID  string
	UserID    string
	SessionID string
	Prompt    string
	Source    string // "user" or "scheduled_task"

	// Persona optionally pins the conversation to a persona profile.
	Persona *models.PersonaProfile
}

// PromptContext is what the gateway fetched from the device before calling
// Respond.
type PromptContext struct {
	History    []models.ThreadMessage
	Spines     []models.Spine
	Cache      []models.ResearchEntry
	Manifest   []tools.Definition
	Principles []tailor.Principle
}

// Reply is Dot's answer to one prompt.
type Reply struct {
	Text        string
	Dispatched  bool
	AgentTaskID string

	// SkillFeedback is the tailor's short acknowledgment, sent ahead of
	// the main answer when present.
	SkillFeedback string
}

// Deps carries Dot's collaborators.
type Deps struct {
	LLM        *llm.Resilient
	Tailor     *tailor.Tailor
	Skills     *skills.Store
	Dispatcher Dispatcher
	Executor   tools.BridgeExecutor
	Config     config.DotConfig
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Dot orchestrates conversational responses.
type Dot struct {
	llm        *llm.Resilient
	tailor     *tailor.Tailor
	skills     *skills.Store
	dispatcher Dispatcher
	executor   tools.BridgeExecutor
	cfg        config.DotConfig
	log        *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// New builds a Dot.
func New(deps Deps) *Dot {
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
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "dotbot-dot"})
	}
	return &Dot{
		llm:        deps.LLM,
		tailor:     deps.Tailor,
		skills:     deps.Skills,
		dispatcher: deps.Dispatcher,
		executor:   deps.Executor,
		cfg:        deps.Config,
		log:        log,
		metrics:    metrics,
		tracer:     tracer,
	}
}

// Respond answers one prompt. Streaming chunks go to onStream when set;
// the final text is always in the returned Reply. Errors are converted to
// user-facing reports before they get here only when truly unrecoverable.
func (d *Dot) Respond(ctx context.Context, req Request, pctx PromptContext, onStream func(string)) (Reply, error) {
	ctx, span := d.tracer.TracePrompt(ctx, req.Source, req.SessionID)
	defer span.End()
	j := newJournal()

	j.enter("tailor")
	tr := d.tailor.Run(ctx, tailor.Input{
		Prompt:        req.Prompt,
		RecentHistory: pctx.History,
		Spines:        pctx.Spines,
		CacheIndex:    pctx.Cache,
	})

	j.enter("consolidate")
	briefing := d.tailor.Consolidate(ctx, tr.RestatedRequest, pctx.Principles)

	skillTurns := d.skillTurns(ctx, tr.SkillSearchQuery)

	forced := d.cfg.DispatchThreshold > 0 && tr.Complexity >= d.cfg.DispatchThreshold

	// Multi-topic prompts run the loop once per segment; replies are
	// joined into one answer.
	segments := tr.TopicSegments
	if len(segments) < 2 {
		segments = []tailor.TopicSegment{{Message: tr.RestatedRequest}}
	}

	j.enter("loop")
	var parts []string
	reply := Reply{SkillFeedback: tr.SkillFeedback}
	for _, seg := range segments {
		text, dispatched, taskID, err := d.runSegment(ctx, req, pctx, seg.Message, briefing, skillTurns, tr, forced, j, onStream)
		if err != nil {
			if llm.CategoryOf(err) == llm.CategoryCancelled {
				return Reply{}, err
			}
			return Reply{Text: j.report(err)}, nil
		}
		parts = append(parts, text)
		if dispatched {
			reply.Dispatched = true
			reply.AgentTaskID = taskID
		}
	}
	reply.Text = strings.Join(parts, "\n---\n")
	return reply, nil
}

// runSegment runs one tool-loop pass over a single topic segment.
func (d *Dot) runSegment(ctx context.Context, req Request, pctx PromptContext, message, briefing string, skillTurns []llm.Message, tr tailor.Result, forced bool, j *journal, onStream func(string)) (string, bool, string, error) {
	role := llm.RoleAssistant
	skipEscalation := false
	if req.Persona != nil && req.Persona.ForcedRole != "" {
		role = llm.Role(req.Persona.ForcedRole)
		skipEscalation = role == llm.RoleArchitect || role == llm.RoleGUIFast
	}
	sel, err := d.llm.Select(llm.Criteria{Role: role})
	if err != nil {
		return "", false, "", err
	}

	var dispatchedID string
	dispatch := tools.NewDispatch(func(ctx context.Context, args tools.DispatchArgs) (string, error) {
		personaID := args.PersonaID
		if personaID == "" && req.Persona != nil {
			personaID = req.Persona.ID
		}
		dispatchedID = d.dispatcher.Dispatch(req.DeviceID, req.UserID, args.Prompt, personaID)
		d.metrics.RecordDispatch("dot")
		return `{"success": true, "note": "Agent launched; the result arrives as a follow-up message."}`, nil
	})

	handlers := make(map[string]toolloop.Handler, len(pctx.Manifest)+1)
	for _, def := range pctx.Manifest {
		def := def
		handlers[def.ID] = func(ctx context.Context, args json.RawMessage) (string, error) {
			return d.executor.ExecuteTool(ctx, req.DeviceID, def.ID, args, 0)
		}
	}
	handlers[tools.DispatchID] = dispatch.Execute
	dispatchDef := tools.Definition{ID: dispatch.ID(), Description: dispatch.Description(), Parameters: dispatch.Schema()}
	loopTools := append(tools.LLMTools(pctx.Manifest), dispatchDef.LLMTool())

	messages := d.assemble(message, briefing, skillTurns, tr, forced)

	system := dotSystem
	if req.Persona != nil && req.Persona.Body != "" {
		system = req.Persona.Body
	}

	outcome, err := toolloop.Run(ctx, toolloop.Config{
		Client:        d.llm.ForRole(role),
		Model:         sel.Model,
		System:        system,
		MaxTokens:     sel.MaxTokens,
		Tools:         loopTools,
		Handlers:      handlers,
		MaxIterations: d.cfg.MaxIterations,
		OnEscalate:    toolloop.TierEscalator(d.llm, d.cfg.WorkhorseThreshold, d.cfg.ArchitectThreshold, skipEscalation),
		OnStream:      onStream,
		Logger:        d.log,
	}, messages)
	if err != nil {
		j.fail(err)
		return "", false, "", err
	}

	switch outcome.Reason {
	case toolloop.StopCancelled:
		return "", false, "", context.Canceled
	case toolloop.StopMaxIterations:
		// Hand the transcript to a background agent rather than leaving
		// the work half-done.
		taskID := d.dispatcher.Dispatch(req.DeviceID, req.UserID, handoffPrompt(message, outcome), "")
		d.metrics.RecordDispatch("max_iterations")
		return "I've made progress but this needs more room than a chat turn allows, so I've handed it off to a background agent. I'll follow up with the result.", true, taskID, nil
	}

	if forced && dispatchedID == "" {
		// The directive was ignored; dispatch directly and acknowledge.
		dispatchedID = d.dispatcher.Dispatch(req.DeviceID, req.UserID, tr.RestatedRequest, "")
		d.metrics.RecordDispatch("forced")
		return "This needs focused work, so I've launched a background agent on it. I'll follow up when it's done.", true, dispatchedID, nil
	}
	return outcome.FinalText, dispatchedID != "", dispatchedID, nil
}

const dotSystem = `You are Dot, a personal AI assistant running across the user's devices.
Be direct and useful. Use the available tools when they help. For complex or
long-running work, hand off with the task.dispatch tool instead of struggling
inline.`

// assemble builds the message list: manufactured history first, then any
// skill turns, then the briefed user message.
func (d *Dot) assemble(message, briefing string, skillTurns []llm.Message, tr tailor.Result, forced bool) []llm.Message {
	var msgs []llm.Message
	for _, turn := range tr.ManufacturedHistory {
		switch turn.Role {
		case "assistant":
			msgs = append(msgs, llm.AssistantMessage(turn.Content))
		default:
			msgs = append(msgs, llm.UserMessage(turn.Content))
		}
	}
	msgs = append(msgs, skillTurns...)

	var b strings.Builder
	if briefing != "" {
		b.WriteString(briefing + "\n\n")
	}
	if forced {
		b.WriteString("MANDATORY: this request is too complex to answer inline. Call the task.dispatch tool with an enriched prompt, then acknowledge the hand-off. Do not attempt the work yourself.\n\n")
	}
	b.WriteString(message)
	msgs = append(msgs, llm.UserMessage(b.String()))
	return msgs
}

// skillTurns pre-fetches matching stored skills as an exchanged turn pair
// so the model sees them as established context.
func (d *Dot) skillTurns(ctx context.Context, query string) []llm.Message {
	if query == "" || d.skills == nil {
		return nil
	}
	matches, err := d.skills.Search(query, 2)
	if err != nil || len(matches) == 0 {
		return nil
	}
	var b strings.Builder
	for _, s := range matches {
		fmt.Fprintf(&b, "## Skill: %s\n%s\n\n", s.Name, s.Body)
	}
	return []llm.Message{
		llm.UserMessage("Before answering, recall any stored skills relevant to: " + query),
		llm.AssistantMessage("Found these stored skills:\n\n" + strings.TrimSpace(b.String())),
	}
}

// handoffPrompt describes an exhausted tool loop for the background agent
// that inherits it.
func handoffPrompt(message string, outcome *toolloop.Outcome) string {
	var b strings.Builder
	b.WriteString("Continue this task that an interactive session ran out of room on.\n\n## Original request\n")
	b.WriteString(message)
	b.WriteString("\n\n## Work already done\n")
	for _, c := range outcome.Calls {
		status := "ok"
		if c.Failed {
			status = "failed"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.ToolID, status, toolloop.Snippet(c.Result, 160))
	}
	if outcome.FinalText != "" {
		b.WriteString("\n## Last partial answer\n" + outcome.FinalText + "\n")
	}
	b.WriteString("\nPick up from where this left off; do not repeat completed work.")
	return b.String()
}
