package tailor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dotbot-ai/dotbot/internal/llm"
)

type scriptedClient struct {
	texts []string
	errs  []error
	calls int
}

func (c *scriptedClient) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Response, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.texts) {
		return &llm.Response{Text: ""}, nil
	}
	return &llm.Response{Text: c.texts[i]}, nil
}

func (c *scriptedClient) Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, fn func(llm.StreamChunk) error) (*llm.Response, error) {
	return c.Chat(ctx, msgs, opts)
}

func TestRunDecodesWrappedJSON(t *testing.T) {
	client := &scriptedClient{texts: []string{
		"Here you go:\n```json\n{\"restated_request\":\"archive the Q3 report\",\"complexity\":6,\"context_confidence\":0.9,\"skill_feedback\":\"On it, archiving now!\"}\n```",
	}}
	res := New(client, nil).Run(context.Background(), Input{Prompt: "archive it"})
	if res.RestatedRequest != "archive the Q3 report" {
		t.Errorf("restated = %q", res.RestatedRequest)
	}
	if res.Complexity != 6 || res.ContextConfidence != 0.9 {
		t.Errorf("scores = %d/%f", res.Complexity, res.ContextConfidence)
	}
	if res.SkillFeedback == "" {
		t.Error("skill feedback dropped at complexity 6")
	}
}

func TestRunRetriesOnceThenNeutral(t *testing.T) {
	client := &scriptedClient{texts: []string{"not json at all", "still prose"}}
	res := New(client, nil).Run(context.Background(), Input{Prompt: "hello there"})
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
	if res.RestatedRequest != "hello there" || res.Complexity != 3 {
		t.Errorf("neutral result = %+v", res)
	}
}

func TestRunRetryRecovers(t *testing.T) {
	client := &scriptedClient{
		errs:  []error{errors.New("boom"), nil},
		texts: []string{"", `{"restated_request":"ok","complexity":2}`},
	}
	res := New(client, nil).Run(context.Background(), Input{Prompt: "x"})
	if res.RestatedRequest != "ok" {
		t.Errorf("res = %+v", res)
	}
}

func TestNormalizeClampsAndFilters(t *testing.T) {
	res := Result{
		Complexity:        14,
		ContextConfidence: 2.5,
		SkillFeedback:     strings.Repeat("a", 100),
		TopicSegments:     []TopicSegment{{Topic: "only one"}},
		ManufacturedHistory: []HistoryTurn{
			{Role: "user"}, {Role: "assistant"}, {Role: "user"}, {Role: "assistant"}, {Role: "user"},
		},
	}
	normalize(&res, "prompt")
	if res.Complexity != 10 || res.ContextConfidence != 1 {
		t.Errorf("clamped = %d/%f", res.Complexity, res.ContextConfidence)
	}
	if len(res.SkillFeedback) != 60 {
		t.Errorf("feedback len = %d", len(res.SkillFeedback))
	}
	if res.TopicSegments != nil {
		t.Error("single segment not dropped")
	}
	if len(res.ManufacturedHistory) != 4 {
		t.Errorf("history = %d turns", len(res.ManufacturedHistory))
	}

	low := Result{Complexity: 2, SkillFeedback: "hi"}
	normalize(&low, "p")
	if low.SkillFeedback != "" {
		t.Error("feedback kept below complexity 4")
	}
}

func TestConsolidateEmptyWithoutPrinciples(t *testing.T) {
	client := &scriptedClient{}
	got := New(client, nil).Consolidate(context.Background(), "req", nil)
	if got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if client.calls != 0 {
		t.Error("LLM called with no principles")
	}
}

func TestConsolidateHappyPath(t *testing.T) {
	client := &scriptedClient{texts: []string{"  Unified briefing text.  "}}
	got := New(client, nil).Consolidate(context.Background(), "req", []Principle{
		{Name: "brevity", Body: "Be brief."},
	})
	if got != "Unified briefing text." {
		t.Errorf("got %q", got)
	}
}

func TestConsolidateFallsBackToConcat(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("rate limited")}}
	got := New(client, nil).Consolidate(context.Background(), "req", []Principle{
		{Name: "a", Body: "Rule A."},
		{Name: "b", Body: "Rule B."},
	})
	if got != "Rule A.\n\nRule B." {
		t.Errorf("fallback = %q", got)
	}
}
