// Package tailor runs the two pre-orchestrator LLM passes: pass one
// resolves the user's message against recent context and scores its
// complexity; pass two consolidates the selected principles and rules into
// one briefing. Both passes degrade gracefully: a failed tailor yields a
// neutral result, a failed consolidator falls back to verbatim
// concatenation.
package tailor

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotbot-ai/dotbot/internal/llm"
	"github.com/dotbot-ai/dotbot/internal/observability"
	"github.com/dotbot-ai/dotbot/pkg/models"
)

// MemoryRef is one memory model the tailor judged relevant.
type MemoryRef struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
}

// TopicSegment is one per-topic slice of a multi-topic message.
type TopicSegment struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// Result is the tailor pass output.
type Result struct {
	RestatedRequest     string         `json:"restated_request"`
	Complexity          int            `json:"complexity"`
	ContextConfidence   float64        `json:"context_confidence"`
	RelevantCache       []string       `json:"relevant_cache"`
	RelevantMemories    []MemoryRef    `json:"relevant_memories"`
	ManufacturedHistory []HistoryTurn  `json:"manufactured_history"`
	TopicSegments       []TopicSegment `json:"topic_segments"`
	SkillSearchQuery    string         `json:"skill_search_query"`
	SkillFeedback       string         `json:"skill_feedback"`
}

// HistoryTurn is one synthesized on-topic turn extracted from real history.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// maxManufacturedHistory caps the synthesized turns carried forward.
const maxManufacturedHistory = 4

// maxSkillFeedbackLen caps the friendly acknowledgment.
const maxSkillFeedbackLen = 60

// Input is what the tailor pass sees.
type Input struct {
	Prompt        string
	RecentHistory []models.ThreadMessage
	Spines        []models.Spine
	CacheIndex    []models.ResearchEntry
}

// Tailor drives the intake-tier passes.
type Tailor struct {
	client llm.Client
	log    *observability.Logger
}

// New builds a tailor over an intake-tier client.
func New(client llm.Client, logger *observability.Logger) *Tailor {
	return &Tailor{client: client, log: logger}
}

const tailorSystem = `You prepare user messages for a personal AI assistant.
Given the message, recent conversation, known memory models, and the research cache index, respond with ONE JSON object:
{
  "restated_request": string,     // the message with "it"/"that"/"the project" resolved against context
  "complexity": number,           // 0-10, how much work answering takes
  "context_confidence": number,   // 0-1, how sure you are the restatement is right
  "relevant_cache": [string],     // research cache file names worth loading
  "relevant_memories": [{"id": string, "confidence": number}],
  "manufactured_history": [{"role": string, "content": string}],  // at most 4 on-topic turns copied from real history
  "topic_segments": [{"topic": string, "message": string}],       // only when the message spans 2+ distinct memory models
  "skill_search_query": string,   // short query if a stored skill might apply, else ""
  "skill_feedback": string        // <=60 chars friendly ack, only when complexity >= 4, else ""
}
Output only the JSON object.`

// Run executes pass one. Decoding is tolerant: malformed output retries
// once at lower temperature, and a second failure yields a neutral result
// rather than an error so the request always proceeds.
func (t *Tailor) Run(ctx context.Context, in Input) Result {
	user := buildTailorPrompt(in)
	msgs := []llm.Message{llm.UserMessage(user)}

	res, err := t.runOnce(ctx, msgs, llm.Float(0.3))
	if err != nil {
		if t.log != nil {
			t.log.Warn(ctx, "tailor pass failed, retrying simple", "error", err)
		}
		res, err = t.runOnce(ctx, msgs, llm.Float(0))
	}
	if err != nil {
		if t.log != nil {
			t.log.Warn(ctx, "tailor pass failed twice, using neutral result", "error", err)
		}
		return Result{RestatedRequest: in.Prompt, Complexity: 3, ContextConfidence: 0}
	}

	normalize(&res, in.Prompt)
	return res
}

func (t *Tailor) runOnce(ctx context.Context, msgs []llm.Message, temp *float32) (Result, error) {
	resp, err := t.client.Chat(ctx, msgs, llm.Options{System: tailorSystem, Temperature: temp})
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := llm.ExtractJSONObject(resp.Text, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func normalize(res *Result, prompt string) {
	if strings.TrimSpace(res.RestatedRequest) == "" {
		res.RestatedRequest = prompt
	}
	if res.Complexity < 0 {
		res.Complexity = 0
	}
	if res.Complexity > 10 {
		res.Complexity = 10
	}
	if res.ContextConfidence < 0 {
		res.ContextConfidence = 0
	}
	if res.ContextConfidence > 1 {
		res.ContextConfidence = 1
	}
	if len(res.ManufacturedHistory) > maxManufacturedHistory {
		res.ManufacturedHistory = res.ManufacturedHistory[:maxManufacturedHistory]
	}
	// Segments only count when the message genuinely spans topics.
	if len(res.TopicSegments) == 1 {
		res.TopicSegments = nil
	}
	if res.Complexity < 4 {
		res.SkillFeedback = ""
	}
	if len(res.SkillFeedback) > maxSkillFeedbackLen {
		res.SkillFeedback = res.SkillFeedback[:maxSkillFeedbackLen]
	}
}

func buildTailorPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("## Message\n")
	b.WriteString(in.Prompt)
	b.WriteString("\n")

	if len(in.RecentHistory) > 0 {
		b.WriteString("\n## Recent conversation\n")
		for _, m := range in.RecentHistory {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	if len(in.Spines) > 0 {
		b.WriteString("\n## Memory models\n")
		for _, sp := range in.Spines {
			fmt.Fprintf(&b, "- [%s] %s (%s): %s (confidence %.2f)\n", sp.ID, sp.Entity, sp.Type, sp.Summary, sp.Confidence)
		}
	}
	if len(in.CacheIndex) > 0 {
		b.WriteString("\n## Research cache\n")
		for _, e := range in.CacheIndex {
			fmt.Fprintf(&b, "- %s: %s\n", e.File, e.Topic)
		}
	}
	return b.String()
}
