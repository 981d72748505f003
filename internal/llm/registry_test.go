package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

type nullClient struct{ provider Provider }

func (c *nullClient) Chat(ctx context.Context, msgs []Message, opts Options) (*Response, error) {
	return &Response{Provider: c.provider}, nil
}

func (c *nullClient) Stream(ctx context.Context, msgs []Message, opts Options, fn func(StreamChunk) error) (*Response, error) {
	return &Response{Provider: c.provider}, nil
}

func TestRegistryLazyConstruction(t *testing.T) {
	var built int32
	factory := func(p Provider, s ProviderSettings) (Client, error) {
		atomic.AddInt32(&built, 1)
		return &nullClient{provider: p}, nil
	}

	reg := NewRegistry(factory, map[Provider]ProviderSettings{
		ProviderDeepSeek: {APIKey: "k1"},
		ProviderOpenAI:   {APIKey: "k2"},
	})

	if got := atomic.LoadInt32(&built); got != 0 {
		t.Fatalf("factory ran %d times before first use", got)
	}

	if _, err := reg.Client(ProviderDeepSeek); err != nil {
		t.Fatalf("Client(deepseek) error = %v", err)
	}
	if _, err := reg.Client(ProviderDeepSeek); err != nil {
		t.Fatalf("Client(deepseek) second call error = %v", err)
	}
	if got := atomic.LoadInt32(&built); got != 1 {
		t.Errorf("factory ran %d times for one provider, want 1", got)
	}

	if _, err := reg.Client(ProviderOpenAI); err != nil {
		t.Fatalf("Client(openai) error = %v", err)
	}
	if got := atomic.LoadInt32(&built); got != 2 {
		t.Errorf("factory ran %d times for two providers, want 2", got)
	}
}

func TestRegistryRequiresKey(t *testing.T) {
	factory := func(p Provider, s ProviderSettings) (Client, error) {
		return &nullClient{provider: p}, nil
	}
	reg := NewRegistry(factory, map[Provider]ProviderSettings{
		ProviderAnthropic: {},
	})

	if _, err := reg.Client(ProviderAnthropic); err == nil {
		t.Error("Client() without API key should fail")
	}
	if _, err := reg.Client(ProviderGemini); err == nil {
		t.Error("Client() for unconfigured provider should fail")
	}
}

func TestRegistryLocalNeedsNoKey(t *testing.T) {
	factory := func(p Provider, s ProviderSettings) (Client, error) {
		return &nullClient{provider: p}, nil
	}
	reg := NewRegistry(factory, nil)

	c, err := reg.Client(ProviderLocal)
	if err != nil {
		t.Fatalf("Client(local) error = %v", err)
	}
	if c == nil {
		t.Fatal("Client(local) returned nil client")
	}
}

func TestRegistryHasKey(t *testing.T) {
	reg := NewRegistry(nil, map[Provider]ProviderSettings{
		ProviderDeepSeek:  {APIKey: "k"},
		ProviderAnthropic: {},
	})

	if !reg.HasKey(ProviderDeepSeek) {
		t.Error("HasKey(deepseek) = false, want true")
	}
	if reg.HasKey(ProviderAnthropic) {
		t.Error("HasKey(anthropic) = true with empty key")
	}
	if reg.HasKey(ProviderOpenAI) {
		t.Error("HasKey(openai) = true for unconfigured provider")
	}
	if !reg.HasKey(ProviderLocal) {
		t.Error("HasKey(local) = false, want true without key")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	var built int32
	factory := func(p Provider, s ProviderSettings) (Client, error) {
		atomic.AddInt32(&built, 1)
		return &nullClient{provider: p}, nil
	}
	reg := NewRegistry(factory, map[Provider]ProviderSettings{
		ProviderDeepSeek: {APIKey: "k"},
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Client(ProviderDeepSeek); err != nil {
				t.Errorf("Client() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&built); got != 1 {
		t.Errorf("factory ran %d times under concurrency, want 1", got)
	}
}
