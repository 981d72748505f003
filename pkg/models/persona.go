package models

import "time"

// AgentStatus is the lifecycle state of an in-flight agent task.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentBlocked   AgentStatus = "blocked"
	AgentCancelled AgentStatus = "cancelled"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentCancelled, AgentCompleted, AgentFailed:
		return true
	default:
		return false
	}
}

// AgentPersona is the recruiter's output, persisted as agent_persona.json in
// the workspace. It carries everything needed to resume the pipeline after a
// restart: who the agent is, what it was asked, and where it got to.
type AgentPersona struct {
	AgentID   string      `json:"agent_id"`
	DeviceID  string      `json:"device_id"`
	UserID    string      `json:"user_id"`
	PersonaID string      `json:"persona_id,omitempty"`
	Council   []string    `json:"council,omitempty"`
	Status    AgentStatus `json:"status"`

	// SystemPrompt is the recruiter phase-2 custom system prompt.
	SystemPrompt string `json:"system_prompt"`

	// ToolIDs is the validated subset of the device manifest the recruiter
	// granted this agent.
	ToolIDs []string `json:"tool_ids"`

	// ModelRole is the recruiter phase-1 role choice for step execution.
	ModelRole string `json:"model_role,omitempty"`

	// RestatedRequests holds the intake classifier's restatements, newest
	// last. Recovery refuses to resume an agent with none.
	RestatedRequests []string `json:"restatedRequests"`

	OriginalPrompt string    `json:"original_prompt"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

// PersonaProfile is a user-authored persona the recruiter selects from.
type PersonaProfile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Body        string `json:"body,omitempty"`

	// ForcedRole pins model selection for conversations under this persona
	// (for example "architect" or "gui_fast"). Empty means no override.
	ForcedRole string `json:"forced_role,omitempty"`
}

// Council is a named group of personas that review work together.
type Council struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	PersonaIDs []string `json:"persona_ids"`

	// ReviewMode is "single" or "iterative". Iterative mode re-reviews the
	// same work output across rounds.
	ReviewMode string `json:"review_mode,omitempty"`
}
