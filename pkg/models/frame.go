package models

import (
	"encoding/json"
	"time"
)

// FrameType identifies a websocket frame flowing between the server and a
// local agent.
type FrameType string

const (
	// FramePrompt carries user or scheduler text from the agent to the server.
	FramePrompt FrameType = "prompt"
	// FrameResponse carries assistant text back to the agent.
	FrameResponse FrameType = "response"
	// FrameAgentComplete announces that a dispatched background agent
	// finished, with its final output.
	FrameAgentComplete FrameType = "agent_complete"
	// FrameDispatchFollowup routes a user reply into a running agent.
	FrameDispatchFollowup FrameType = "dispatch_followup"
	// FrameExecutionCommand asks the agent to run a tool against the
	// local machine.
	FrameExecutionCommand FrameType = "execution_command"
	// FrameExecutionResult returns a tool's output to the server.
	FrameExecutionResult FrameType = "execution_result"
	// FrameFormatFixRequest asks the server to reformat malformed agent
	// output.
	FrameFormatFixRequest FrameType = "format_fix_request"
	// FrameAuth is the first frame a connecting agent must send.
	FrameAuth FrameType = "auth"
	// FrameAuthResult accepts or rejects the handshake.
	FrameAuthResult FrameType = "auth_result"
)

// Envelope is the outer frame on the device websocket. Payload stays raw
// until the type is known.
type Envelope struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ToolDescriptor is one entry of the tool manifest a device advertises at
// handshake.
type ToolDescriptor struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// AuthPayload is the body of an auth frame. Agents present device
// credentials; browser clients present a session token instead.
type AuthPayload struct {
	DeviceID     string           `json:"deviceId,omitempty"`
	DeviceSecret string           `json:"deviceSecret,omitempty"`
	SessionToken string           `json:"sessionToken,omitempty"`
	Fingerprint  string           `json:"fingerprint,omitempty"`
	Manifest     []ToolDescriptor `json:"manifest,omitempty"`
}

// AuthResultPayload is the body of an auth_result frame.
type AuthResultPayload struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PromptPayload is the body of a prompt frame.
type PromptPayload struct {
	Text            string `json:"text"`
	SessionID       string `json:"sessionId,omitempty"`
	Source          string `json:"source,omitempty"`
	ScheduledTaskID string `json:"scheduledTaskId,omitempty"`
	PersonaHint     string `json:"personaHint,omitempty"`
}

// ResponsePayload is the body of a response frame.
type ResponsePayload struct {
	Text            string `json:"text"`
	MessageID       string `json:"messageId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	ScheduledTaskID string `json:"scheduledTaskId,omitempty"`
	AgentTaskID     string `json:"agentTaskId,omitempty"`
	IsRoutingAck    bool   `json:"isRoutingAck,omitempty"`
	Error           string `json:"error,omitempty"`
}

// AgentCompletePayload is the body of an agent_complete frame.
type AgentCompletePayload struct {
	AgentTaskID string `json:"agentTaskId"`
	TaskID      string `json:"taskId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	Output      string `json:"output"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// DispatchFollowupPayload is the body of a dispatch_followup frame.
type DispatchFollowupPayload struct {
	AgentTaskID string `json:"agentTaskId"`
	Text        string `json:"text"`
	SessionID   string `json:"sessionId,omitempty"`
}

// ExecutionCommandPayload is the body of an execution_command frame. ToolID
// names the tool; ToolArgs carries its JSON arguments verbatim.
type ExecutionCommandPayload struct {
	TaskID        string          `json:"taskId"`
	ToolID        string          `json:"toolId"`
	ToolArgs      json.RawMessage `json:"toolArgs,omitempty"`
	WorkspacePath string          `json:"workspacePath,omitempty"`
	FilePath      string          `json:"filePath,omitempty"`
	TimeoutMS     int             `json:"timeoutMs,omitempty"`
}

// ExecutionResultPayload is the body of an execution_result frame.
type ExecutionResultPayload struct {
	TaskID  string `json:"taskId"`
	ToolID  string `json:"toolId,omitempty"`
	Output  string `json:"output"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FormatFixPayload is the body of a format_fix_request frame.
type FormatFixPayload struct {
	TaskID   string `json:"taskId"`
	Original string `json:"original"`
	Schema   string `json:"schema,omitempty"`
}

// NewEnvelope wraps a payload into an envelope, marshalling it in place.
func NewEnvelope(typ FrameType, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, ID: id, Timestamp: ts, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}
