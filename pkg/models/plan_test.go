package models

import (
	"testing"
	"time"
)

func makePlan() *StepPlan {
	return &StepPlan{
		Approach: "survey then summarize",
		Steps: []PlanStep{
			{ID: "step-1", Title: "gather sources"},
			{ID: "step-2", Title: "summarize findings"},
			{ID: "step-3", Title: "write report"},
		},
		Progress: PlanProgress{
			Remaining: []string{"step-1", "step-2", "step-3"},
		},
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestStepPlan_CompleteStep(t *testing.T) {
	p := makePlan()

	p.CompleteStep("step-1")

	if len(p.Progress.Completed) != 1 || p.Progress.Completed[0] != "step-1" {
		t.Errorf("Completed = %v, want [step-1]", p.Progress.Completed)
	}
	if len(p.Progress.Remaining) != 2 {
		t.Errorf("Remaining = %v, want 2 entries", p.Progress.Remaining)
	}
	for _, id := range p.Progress.Remaining {
		if id == "step-1" {
			t.Error("completed step still listed as remaining")
		}
	}
}

func TestStepPlan_CompleteStepIdempotent(t *testing.T) {
	p := makePlan()

	p.CompleteStep("step-2")
	p.CompleteStep("step-2")

	if len(p.Progress.Completed) != 1 {
		t.Errorf("Completed = %v, want a single entry", p.Progress.Completed)
	}
}

func TestStepPlan_HasRemaining(t *testing.T) {
	p := makePlan()
	if !p.HasRemaining() {
		t.Error("fresh plan should have remaining steps")
	}

	p.CompleteStep("step-1")
	p.CompleteStep("step-2")
	p.CompleteStep("step-3")

	if p.HasRemaining() {
		t.Errorf("drained plan should have no remaining steps, got %v", p.Progress.Remaining)
	}
}

func TestStepPlan_StepLookup(t *testing.T) {
	p := makePlan()

	step := p.Step("step-2")
	if step == nil {
		t.Fatal("Step(step-2) returned nil")
	}
	if step.Title != "summarize findings" {
		t.Errorf("Title = %q, want %q", step.Title, "summarize findings")
	}

	if got := p.Step("step-99"); got != nil {
		t.Errorf("Step(step-99) = %+v, want nil", got)
	}
}

func TestAgentStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   AgentStatus
		terminal bool
	}{
		{AgentRunning, false},
		{AgentBlocked, false},
		{AgentCancelled, true},
		{AgentCompleted, true},
		{AgentFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
