package models

import "time"

// StepPlan is the unit of work the pipeline planner produces and the step
// runner executes. It is persisted as plan.json inside the agent workspace
// after every tool result so a crashed pipeline can resume at the last
// completed step.
type StepPlan struct {
	// Approach is a short prose summary of how the agent intends to solve
	// the task. Shown in workspace briefings and follow-up summaries.
	Approach string `json:"approach"`

	// Steps holds the ordered plan steps. The planner emits between one and
	// eight; the re-planner may insert or drop steps between executions.
	Steps []PlanStep `json:"steps"`

	// Progress tracks which steps completed, which remain, and where the
	// runner currently is.
	Progress PlanProgress `json:"progress"`

	// ToolCallLog accumulates one entry per executed tool call across all
	// steps. Flushed to disk with the rest of the plan.
	ToolCallLog []ToolCallLogEntry `json:"tool_call_log,omitempty"`

	// CreatedAt is when the planner produced this plan.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is bumped on every flush.
	UpdatedAt time.Time `json:"updated_at"`
}

// PlanStep is a single step of a StepPlan.
type PlanStep struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`

	// ExpectedOutput describes what a successful step produces, used by the
	// step runner prompt and the re-planner review.
	ExpectedOutput string `json:"expected_output,omitempty"`

	// ToolIDs restricts the step to a subset of the device tool manifest.
	// The runner intersects this with the live manifest.
	ToolIDs []string `json:"tool_ids,omitempty"`

	// NeedsExternalData marks steps that depend on information the agent
	// must fetch (web, files) rather than derive.
	NeedsExternalData bool `json:"needs_external_data,omitempty"`

	// ModelRole optionally overrides the model role for this step.
	ModelRole string `json:"model_role,omitempty"`
}

// PlanProgress records execution state. Exactly one of the following shapes
// holds at any persisted point: a known CurrentStepID while a step runs, or
// an empty CurrentStepID between steps.
type PlanProgress struct {
	Completed     []string `json:"completed"`
	Remaining     []string `json:"remaining"`
	CurrentStepID string   `json:"current_step_id,omitempty"`
	FailedAtStep  string   `json:"failed_at_step,omitempty"`
	StoppedAtStep string   `json:"stopped_at_step,omitempty"`
}

// ToolCallLogEntry is one executed tool call recorded in the plan for
// recovery and hand-off summaries.
type ToolCallLogEntry struct {
	StepID    string    `json:"step_id"`
	ToolID    string    `json:"tool_id"`
	Arguments string    `json:"arguments,omitempty"`
	Snippet   string    `json:"snippet,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	At        time.Time `json:"at"`
}

// StepResult is the outcome of running a single plan step.
type StepResult struct {
	StepID         string `json:"step_id"`
	Output         string `json:"output"`
	Success        bool   `json:"success"`
	Escalated      bool   `json:"escalated,omitempty"`
	EscalateReason string `json:"escalate_reason,omitempty"`
	Iterations     int    `json:"iterations"`
}

// HasRemaining reports whether any steps are left to run.
func (p *StepPlan) HasRemaining() bool {
	return len(p.Progress.Remaining) > 0
}

// Step returns the step with the given id, or nil.
func (p *StepPlan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// CompleteStep moves id from remaining to completed and clears the current
// step marker. Unknown ids are ignored.
func (p *StepPlan) CompleteStep(id string) {
	remaining := p.Progress.Remaining[:0]
	for _, r := range p.Progress.Remaining {
		if r != id {
			remaining = append(remaining, r)
		}
	}
	p.Progress.Remaining = remaining
	for _, c := range p.Progress.Completed {
		if c == id {
			p.Progress.CurrentStepID = ""
			return
		}
	}
	p.Progress.Completed = append(p.Progress.Completed, id)
	p.Progress.CurrentStepID = ""
}
