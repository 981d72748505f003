package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClient replays scripted outcomes and records the options of every
// call it receives.
type fakeClient struct {
	provider Provider

	mu      sync.Mutex
	gotOpts []Options
	replies []fakeReply
}

type fakeReply struct {
	chunks []string
	resp   *Response
	err    error
}

func (f *fakeClient) script(r ...fakeReply) *fakeClient {
	f.replies = append(f.replies, r...)
	return f
}

func (f *fakeClient) next(opts Options) fakeReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotOpts = append(f.gotOpts, opts)
	if len(f.replies) == 0 {
		return fakeReply{resp: &Response{Text: "ok", Provider: f.provider}}
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gotOpts)
}

func (f *fakeClient) opts(i int) Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotOpts[i]
}

func (f *fakeClient) Chat(ctx context.Context, msgs []Message, opts Options) (*Response, error) {
	r := f.next(opts)
	if r.err != nil {
		return nil, r.err
	}
	resp := *r.resp
	resp.Provider = f.provider
	return &resp, nil
}

func (f *fakeClient) Stream(ctx context.Context, msgs []Message, opts Options, fn func(StreamChunk) error) (*Response, error) {
	r := f.next(opts)
	for _, c := range r.chunks {
		if err := fn(StreamChunk{Text: c}); err != nil {
			return nil, err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	resp := *r.resp
	resp.Provider = f.provider
	return &resp, nil
}

func testChain() Chains {
	return Chains{
		RoleWorkhorse: {
			{Provider: ProviderDeepSeek, Model: "deepseek-chat", Temperature: 0.7, MaxTokens: 4096},
			{Provider: ProviderGemini, Model: "gemini-2.0-flash", Temperature: 0.7, MaxTokens: 4096},
			{Provider: ProviderOpenAI, Model: "gpt-4o", Temperature: 0.7, MaxTokens: 4096},
		},
	}
}

// newTestResilient wires fakes behind a real registry. Every fake's
// provider gets a key; the returned slice records honored sleeps.
func newTestResilient(chains Chains, clients map[Provider]*fakeClient, cfg ResilientConfig) (*Resilient, *[]time.Duration) {
	settings := map[Provider]ProviderSettings{}
	for p := range clients {
		settings[p] = ProviderSettings{APIKey: "test-key"}
	}
	factory := func(p Provider, s ProviderSettings) (Client, error) {
		c, ok := clients[p]
		if !ok {
			return nil, errors.New("no fake for provider " + string(p))
		}
		return c, nil
	}

	r := NewResilient(NewRegistry(factory, settings), chains, nil, nil, cfg)
	slept := &[]time.Duration{}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return r, slept
}

func TestChatPrimarySuccess(t *testing.T) {
	ds := &fakeClient{provider: ProviderDeepSeek}
	gm := &fakeClient{provider: ProviderGemini}
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{})

	resp, err := r.Chat(context.Background(), RoleWorkhorse, []Message{UserMessage("hi")}, Options{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Provider != ProviderDeepSeek {
		t.Errorf("Provider = %s, want primary deepseek", resp.Provider)
	}
	if gm.calls() != 0 {
		t.Errorf("fallback called %d times on primary success", gm.calls())
	}

	got := ds.opts(0)
	if got.Model != "deepseek-chat" {
		t.Errorf("Model = %q, want chain entry model", got.Model)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want entry default 0.7", got.Temperature)
	}
	if got.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want entry default 4096", got.MaxTokens)
	}
}

func TestChatFallsBackOnRateLimit(t *testing.T) {
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: errors.New("429 Too Many Requests")})
	gm := &fakeClient{provider: ProviderGemini}
	r, slept := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{MaxRetryAfter: 30 * time.Second})

	resp, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Provider != ProviderGemini {
		t.Errorf("Provider = %s, want gemini fallback", resp.Provider)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v without a Retry-After hint", *slept)
	}
	if got := gm.opts(0).Model; got != "gemini-2.0-flash" {
		t.Errorf("fallback Model = %q, want fallback entry's model", got)
	}
}

func TestChatExhaustionReturnsOriginalError(t *testing.T) {
	original := errors.New("429 Too Many Requests")
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: original})
	gm := (&fakeClient{provider: ProviderGemini}).script(fakeReply{err: errors.New("503 Service Unavailable")})
	oa := (&fakeClient{provider: ProviderOpenAI}).script(fakeReply{err: errors.New("socket hang up")})
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: oa,
	}, ResilientConfig{})

	_, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{})
	if !errors.Is(err, original) {
		t.Fatalf("error = %v, want the primary's original error", err)
	}
	if ds.calls() != 1 || gm.calls() != 1 || oa.calls() != 1 {
		t.Errorf("calls = %d/%d/%d, want one attempt per provider", ds.calls(), gm.calls(), oa.calls())
	}
}

func TestChatUnauthorizedIsFatal(t *testing.T) {
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: errors.New("401 Unauthorized")})
	gm := &fakeClient{provider: ProviderGemini}
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{})

	_, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{})
	if err == nil {
		t.Fatal("Chat() should fail on 401")
	}
	if gm.calls() != 0 {
		t.Errorf("fallback attempted %d times after 401", gm.calls())
	}
}

func TestChatUnauthorizedMidWalkIsFatal(t *testing.T) {
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: errors.New("rate limit")})
	gm := (&fakeClient{provider: ProviderGemini}).script(fakeReply{err: errors.New("invalid api key")})
	oa := &fakeClient{provider: ProviderOpenAI}
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: oa,
	}, ResilientConfig{})

	_, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{})
	if err == nil || CategoryOf(err) != CategoryUnauthorized {
		t.Fatalf("error = %v, want the fallback's auth error", err)
	}
	if oa.calls() != 0 {
		t.Errorf("walk continued past a 401: openai called %d times", oa.calls())
	}
}

func TestChatNonRetryableDoesNotFallBack(t *testing.T) {
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: errors.New("schema mismatch in request body")})
	gm := &fakeClient{provider: ProviderGemini}
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{})

	_, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{})
	if err == nil {
		t.Fatal("Chat() should surface non-retryable error")
	}
	if gm.calls() != 0 {
		t.Errorf("fallback attempted for non-retryable error")
	}
}

func TestRetryAfterHonoredWithinCap(t *testing.T) {
	rateLimited := WrapError(ProviderDeepSeek, "deepseek-chat", errors.New("429")).
		WithStatus(429).WithRetryAfter(10 * time.Second)
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: rateLimited})
	gm := &fakeClient{provider: ProviderGemini}
	r, slept := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{MaxRetryAfter: 30 * time.Second})

	if _, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 10*time.Second {
		t.Errorf("slept = %v, want one 10s sleep", *slept)
	}
}

func TestRetryAfterAboveCapSkipsSleep(t *testing.T) {
	rateLimited := WrapError(ProviderDeepSeek, "deepseek-chat", errors.New("429")).
		WithStatus(429).WithRetryAfter(5 * time.Minute)
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: rateLimited})
	gm := &fakeClient{provider: ProviderGemini}
	r, slept := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{MaxRetryAfter: 30 * time.Second})

	resp, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("slept = %v for a hint above the cap", *slept)
	}
	if resp.Provider != ProviderGemini {
		t.Errorf("Provider = %s, want immediate fallback", resp.Provider)
	}
}

func TestFallbackExcludesFailedProvider(t *testing.T) {
	// deepseek appears twice; after its first failure the duplicate entry
	// must be skipped.
	chains := Chains{
		RoleWorkhorse: {
			{Provider: ProviderDeepSeek, Model: "deepseek-chat", Temperature: 0.7, MaxTokens: 4096},
			{Provider: ProviderDeepSeek, Model: "deepseek-reasoner", Temperature: 0.7, MaxTokens: 4096},
			{Provider: ProviderOpenAI, Model: "gpt-4o", Temperature: 0.7, MaxTokens: 4096},
		},
	}
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: errors.New("rate limit")})
	oa := &fakeClient{provider: ProviderOpenAI}
	r, _ := newTestResilient(chains, map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderOpenAI: oa,
	}, ResilientConfig{})

	resp, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if ds.calls() != 1 {
		t.Errorf("failed provider attempted %d times, want 1", ds.calls())
	}
	if resp.Provider != ProviderOpenAI {
		t.Errorf("Provider = %s, want openai", resp.Provider)
	}
}

func TestCallerOverridesPreservedOnFallback(t *testing.T) {
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: errors.New("429")})
	gm := &fakeClient{provider: ProviderGemini}
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{})

	caller := Options{Model: "deepseek-reasoner", Temperature: Float(0.3), MaxTokens: 99}
	if _, err := r.Chat(context.Background(), RoleWorkhorse, nil, caller); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	primary := ds.opts(0)
	if primary.Model != "deepseek-reasoner" {
		t.Errorf("primary Model = %q, want caller's explicit model", primary.Model)
	}

	fallback := gm.opts(0)
	if fallback.Model != "gemini-2.0-flash" {
		t.Errorf("fallback Model = %q, want fallback entry's model", fallback.Model)
	}
	if fallback.Temperature == nil || *fallback.Temperature != 0.3 {
		t.Errorf("fallback Temperature = %v, want caller's 0.3 preserved", fallback.Temperature)
	}
	if fallback.MaxTokens != 99 {
		t.Errorf("fallback MaxTokens = %d, want caller's 99 preserved", fallback.MaxTokens)
	}
}

func TestStreamReplaysOnFallback(t *testing.T) {
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{
		chunks: []string{"Hel"},
		err:    errors.New("503 Service Unavailable"),
	})
	gm := (&fakeClient{provider: ProviderGemini}).script(fakeReply{
		chunks: []string{"Hello", " world"},
		resp:   &Response{Text: "Hello world"},
	})
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{})

	var got []string
	resp, err := r.Stream(context.Background(), RoleWorkhorse, nil, Options{}, func(c StreamChunk) error {
		got = append(got, c.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if resp.Text != "Hello world" || resp.Provider != ProviderGemini {
		t.Errorf("resp = %+v, want gemini's full text", resp)
	}
	if strings.Join(got, "|") != "Hel|Hello| world" {
		t.Errorf("chunks = %v, want replay from stream start", got)
	}
}

func TestChatWithPinnedSelectionFallsBackToChain(t *testing.T) {
	// A persona pins openai; its failure walks the role chain from the
	// top, excluding openai.
	oa := (&fakeClient{provider: ProviderOpenAI}).script(fakeReply{err: errors.New("rate limit")})
	ds := &fakeClient{provider: ProviderDeepSeek}
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: {provider: ProviderGemini}, ProviderOpenAI: oa,
	}, ResilientConfig{})

	sel := Selection{
		Role: RoleWorkhorse, Provider: ProviderOpenAI, Model: "gpt-4o",
		Temperature: 0.7, MaxTokens: 4096, Reason: "persona override",
	}
	resp, err := r.ChatWith(context.Background(), sel, nil, Options{})
	if err != nil {
		t.Fatalf("ChatWith() error = %v", err)
	}
	if resp.Provider != ProviderDeepSeek {
		t.Errorf("Provider = %s, want chain head after pinned failure", resp.Provider)
	}
	if oa.calls() != 1 {
		t.Errorf("pinned provider attempted %d times, want 1", oa.calls())
	}
}

func TestSleepCancellationAbortsWalk(t *testing.T) {
	rateLimited := WrapError(ProviderDeepSeek, "m", errors.New("429")).
		WithStatus(429).WithRetryAfter(10 * time.Second)
	ds := (&fakeClient{provider: ProviderDeepSeek}).script(fakeReply{err: rateLimited})
	gm := &fakeClient{provider: ProviderGemini}
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: gm, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{MaxRetryAfter: 30 * time.Second})
	r.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	_, err := r.Chat(context.Background(), RoleWorkhorse, nil, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want cancellation from sleep", err)
	}
	if gm.calls() != 0 {
		t.Errorf("fallback attempted after cancelled sleep")
	}
}

func TestForRoleBindsClient(t *testing.T) {
	ds := &fakeClient{provider: ProviderDeepSeek}
	r, _ := newTestResilient(testChain(), map[Provider]*fakeClient{
		ProviderDeepSeek: ds, ProviderGemini: {provider: ProviderGemini}, ProviderOpenAI: {provider: ProviderOpenAI},
	}, ResilientConfig{})

	var c Client = r.ForRole(RoleWorkhorse)
	resp, err := c.Chat(context.Background(), []Message{UserMessage("hi")}, Options{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Provider != ProviderDeepSeek {
		t.Errorf("Provider = %s, want role's primary", resp.Provider)
	}
}

func TestChatNoConfiguredKeysFails(t *testing.T) {
	factory := func(p Provider, s ProviderSettings) (Client, error) {
		return &nullClient{provider: p}, nil
	}
	chains := Chains{RoleIntake: {{Provider: ProviderDeepSeek, Model: "deepseek-chat"}}}
	r := NewResilient(NewRegistry(factory, nil), chains, nil, nil, ResilientConfig{})

	if _, err := r.Chat(context.Background(), RoleIntake, nil, Options{}); err == nil {
		t.Fatal("Chat() should fail when no chain entry has a key")
	}
}
