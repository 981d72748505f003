package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

type frameSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[models.FrameType]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		env, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.envelope = env

		payloads := map[models.FrameType]string{
			models.FrameAuth:             authPayloadSchema,
			models.FrameAuthResult:       authResultPayloadSchema,
			models.FramePrompt:           promptPayloadSchema,
			models.FrameResponse:         responsePayloadSchema,
			models.FrameAgentComplete:    agentCompletePayloadSchema,
			models.FrameDispatchFollowup: dispatchFollowupPayloadSchema,
			models.FrameExecutionCommand: executionCommandPayloadSchema,
			models.FrameExecutionResult:  executionResultPayloadSchema,
			models.FrameFormatFixRequest: formatFixPayloadSchema,
		}
		frameSchemas.payloads = make(map[models.FrameType]*jsonschema.Schema, len(payloads))
		for typ, schema := range payloads {
			compiled, err := jsonschema.CompileString("frame_"+string(typ), schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.payloads[typ] = compiled
		}
	})
	return frameSchemas.initErr
}

// DecodeFrame parses and validates one wire frame. Unknown frame types fail
// validation; payloads stay raw for the caller to decode by type.
func DecodeFrame(raw []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := initFrameSchemas(); err != nil {
		return env, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return env, fmt.Errorf("transport: malformed frame: %w", err)
	}
	if err := frameSchemas.envelope.Validate(doc); err != nil {
		return env, fmt.Errorf("transport: invalid envelope: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("transport: malformed frame: %w", err)
	}

	schema, ok := frameSchemas.payloads[env.Type]
	if !ok {
		return env, fmt.Errorf("transport: unknown frame type %q", env.Type)
	}
	var payload any = map[string]any{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return env, fmt.Errorf("transport: malformed %s payload: %w", env.Type, err)
		}
	}
	if err := schema.Validate(payload); err != nil {
		return env, fmt.Errorf("transport: invalid %s payload: %w", env.Type, err)
	}
	return env, nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type", "id", "timestamp"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string" },
    "payload": {}
  },
  "additionalProperties": true
}`

const authPayloadSchema = `{
  "type": "object",
  "properties": {
    "deviceId": { "type": "string" },
    "deviceSecret": { "type": "string" },
    "sessionToken": { "type": "string" },
    "fingerprint": { "type": "string" },
    "manifest": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "parameters": {}
        },
        "additionalProperties": true
      }
    }
  },
  "anyOf": [
    { "required": ["deviceId", "deviceSecret"] },
    { "required": ["sessionToken"] }
  ],
  "additionalProperties": true
}`

const authResultPayloadSchema = `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": { "type": "boolean" },
    "deviceId": { "type": "string" },
    "userId": { "type": "string" },
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

const promptPayloadSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string", "minLength": 1 },
    "sessionId": { "type": "string" },
    "source": { "type": "string" },
    "scheduledTaskId": { "type": "string" },
    "personaHint": { "type": "string" }
  },
  "additionalProperties": true
}`

const responsePayloadSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string" },
    "messageId": { "type": "string" },
    "sessionId": { "type": "string" },
    "scheduledTaskId": { "type": "string" },
    "agentTaskId": { "type": "string" },
    "isRoutingAck": { "type": "boolean" },
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

const agentCompletePayloadSchema = `{
  "type": "object",
  "required": ["agentTaskId", "output", "success"],
  "properties": {
    "agentTaskId": { "type": "string", "minLength": 1 },
    "taskId": { "type": "string" },
    "agentId": { "type": "string" },
    "output": { "type": "string" },
    "success": { "type": "boolean" },
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

const dispatchFollowupPayloadSchema = `{
  "type": "object",
  "required": ["agentTaskId", "text"],
  "properties": {
    "agentTaskId": { "type": "string", "minLength": 1 },
    "text": { "type": "string" },
    "sessionId": { "type": "string" }
  },
  "additionalProperties": true
}`

const executionCommandPayloadSchema = `{
  "type": "object",
  "required": ["taskId", "toolId"],
  "properties": {
    "taskId": { "type": "string", "minLength": 1 },
    "toolId": { "type": "string", "minLength": 1 },
    "toolArgs": {},
    "workspacePath": { "type": "string" },
    "filePath": { "type": "string" },
    "timeoutMs": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const executionResultPayloadSchema = `{
  "type": "object",
  "required": ["taskId", "success"],
  "properties": {
    "taskId": { "type": "string", "minLength": 1 },
    "toolId": { "type": "string" },
    "output": { "type": "string" },
    "success": { "type": "boolean" },
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

const formatFixPayloadSchema = `{
  "type": "object",
  "required": ["taskId", "original"],
  "properties": {
    "taskId": { "type": "string", "minLength": 1 },
    "original": { "type": "string" },
    "schema": { "type": "string" }
  },
  "additionalProperties": true
}`
