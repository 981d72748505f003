package dot

import (
	"context"
	"fmt"

	"github.com/dotbot-ai/dotbot/internal/llm"
)

const followupSystem = `You summarize a background agent's finished work for the user who requested it.
Two or three sentences, first person, concrete: what got done, where any
output lives, anything that failed. No preamble.`

// fallbackFollowup is sent when the summarization call itself fails; the
// user must always hear back once an agent finishes.
const fallbackFollowup = "The background task finished. Check the workspace output for details."

const fallbackFailureFollowup = "The background task hit a problem and couldn't finish. You can ask me to retry it."

// Followup produces the dispatch_followup text for a completed agent.
func (d *Dot) Followup(ctx context.Context, originalPrompt, output string, success bool) string {
	if !success && output == "" {
		return fallbackFailureFollowup
	}
	prompt := fmt.Sprintf("## Original request\n%s\n\n## Agent result (success=%v)\n%s", originalPrompt, success, output)
	resp, err := d.llm.Chat(ctx, llm.RoleIntake, []llm.Message{llm.UserMessage(prompt)}, llm.Options{
		System:      followupSystem,
		Temperature: llm.Float(0.4),
	})
	if err != nil || resp.Text == "" {
		d.log.Warn(ctx, "follow-up summary failed", "error", err)
		if !success {
			return fallbackFailureFollowup
		}
		return fallbackFollowup
	}
	return resp.Text
}

const formatFixSystem = `You repair malformed structured output. Given the broken text and the
schema it should satisfy, emit ONLY the corrected document. No commentary,
no fences.`

// FixFormat rewrites malformed agent output against the expected schema.
func (d *Dot) FixFormat(ctx context.Context, original, schema string) (string, error) {
	prompt := original
	if schema != "" {
		prompt = fmt.Sprintf("## Expected schema\n%s\n\n## Broken output\n%s", schema, original)
	}
	resp, err := d.llm.Chat(ctx, llm.RoleIntake, []llm.Message{llm.UserMessage(prompt)}, llm.Options{
		System:      formatFixSystem,
		Temperature: llm.Float(0),
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
