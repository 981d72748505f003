package models

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	ToolID string          `json:"tool_id,omitempty"`
	Input  json.RawMessage `json:"input"`
}
