package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dotbot-ai/dotbot/internal/observability"
)

// Resilient is the multi-vendor client the rest of the system calls. It
// resolves a role to a primary via the selector, and on retryable failure
// walks the role's chain across other vendors, excluding every provider
// that already failed.
//
// Failure semantics: 401/403 anywhere is fatal to the whole request. A
// Retry-After hint is honored with a sleep only when it is at or below the
// configured cap. When the whole chain is exhausted the first error is
// returned, not the last, since the primary's failure is the one worth
// diagnosing.
type Resilient struct {
	registry *Registry
	selector *Selector
	chains   Chains
	log      *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	requestTimeout time.Duration
	maxRetryAfter  time.Duration

	// sleep is swappable so tests can observe honored Retry-After hints
	// without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// ResilientConfig tunes the wrapper. Zero values disable the per-attempt
// timeout and the Retry-After sleep.
type ResilientConfig struct {
	// RequestTimeout bounds each individual provider attempt. Fallback
	// attempts get a fresh timeout.
	RequestTimeout time.Duration

	// MaxRetryAfter caps honored Retry-After hints; larger hints skip the
	// sleep and go straight to the next vendor.
	MaxRetryAfter time.Duration
}

// NewResilient builds the wrapper. logger and metrics may be nil.
func NewResilient(registry *Registry, chains Chains, logger *observability.Logger, metrics *observability.Metrics, cfg ResilientConfig) *Resilient {
	return &Resilient{
		registry:       registry,
		selector:       NewSelector(chains, registry.HasKey),
		chains:         chains,
		log:            logger,
		metrics:        metrics,
		requestTimeout: cfg.RequestTimeout,
		maxRetryAfter:  cfg.MaxRetryAfter,
		sleep:          sleepContext,
	}
}

// WithTracer attaches a span to every provider attempt. Returns r for
// chained construction.
func (r *Resilient) WithTracer(t *observability.Tracer) *Resilient {
	r.tracer = t
	return r
}

// Select resolves criteria without making a call.
func (r *Resilient) Select(c Criteria) (Selection, error) {
	return r.selector.Select(c)
}

// Chat resolves the role and runs a non-streaming call with fallback.
func (r *Resilient) Chat(ctx context.Context, role Role, msgs []Message, opts Options) (*Response, error) {
	sel, err := r.selector.Select(Criteria{Role: role})
	if err != nil {
		return nil, err
	}
	return r.ChatWith(ctx, sel, msgs, opts)
}

// ChatWith runs a non-streaming call against an already-resolved
// selection, falling back along the selection's role chain.
func (r *Resilient) ChatWith(ctx context.Context, sel Selection, msgs []Message, opts Options) (*Response, error) {
	return r.do(ctx, sel, opts, func(ctx context.Context, c Client, o Options) (*Response, error) {
		return c.Chat(ctx, msgs, o)
	})
}

// Stream resolves the role and runs a streaming call with fallback.
//
// If a provider fails mid-stream with a retryable error, the attempt is
// replayed on the next vendor and fn sees the replacement stream from its
// beginning. Callers that render incrementally should treat each attempt's
// chunks as superseding the previous attempt's.
func (r *Resilient) Stream(ctx context.Context, role Role, msgs []Message, opts Options, fn func(StreamChunk) error) (*Response, error) {
	sel, err := r.selector.Select(Criteria{Role: role})
	if err != nil {
		return nil, err
	}
	return r.StreamWith(ctx, sel, msgs, opts, fn)
}

// StreamWith runs a streaming call against an already-resolved selection.
func (r *Resilient) StreamWith(ctx context.Context, sel Selection, msgs []Message, opts Options, fn func(StreamChunk) error) (*Response, error) {
	return r.do(ctx, sel, opts, func(ctx context.Context, c Client, o Options) (*Response, error) {
		return c.Stream(ctx, msgs, o, fn)
	})
}

func (r *Resilient) do(ctx context.Context, sel Selection, caller Options, attempt func(context.Context, Client, Options) (*Response, error)) (*Response, error) {
	client, err := r.registry.Client(sel.Provider)
	if err != nil {
		return nil, err
	}

	primary := ChainEntry{
		Provider:    sel.Provider,
		Model:       sel.Model,
		Temperature: sel.Temperature,
		MaxTokens:   sel.MaxTokens,
	}
	resp, err := r.attemptOnce(ctx, client, sel.Provider, entryOptions(caller, primary, false), attempt)
	if err == nil {
		return resp, nil
	}

	original := err
	if !Retryable(err) {
		return nil, err
	}

	if ra := RetryAfterHint(err); ra > 0 && ra <= r.maxRetryAfter {
		if r.log != nil {
			r.log.Info(ctx, "honoring retry-after before fallback",
				"provider", string(sel.Provider), "retry_after", ra.String())
		}
		if serr := r.sleep(ctx, ra); serr != nil {
			return nil, serr
		}
	}

	failed := map[Provider]bool{sel.Provider: true}
	last := sel.Provider
	for _, e := range r.chains[sel.Role] {
		if failed[e.Provider] || !r.registry.HasKey(e.Provider) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		next, cerr := r.registry.Client(e.Provider)
		if cerr != nil {
			failed[e.Provider] = true
			continue
		}

		if r.log != nil {
			r.log.Warn(ctx, "provider failed, falling back",
				"role", string(sel.Role),
				"from", string(last), "to", string(e.Provider),
				"category", string(CategoryOf(err)))
		}
		if r.metrics != nil {
			r.metrics.RecordFailover(string(sel.Role), string(last), string(e.Provider))
		}

		resp, err = r.attemptOnce(ctx, next, e.Provider, entryOptions(caller, e, true), attempt)
		if err == nil {
			return resp, nil
		}
		switch CategoryOf(err) {
		case CategoryUnauthorized, CategoryCancelled:
			return nil, err
		}
		failed[e.Provider] = true
		last = e.Provider
	}
	return nil, original
}

func (r *Resilient) attemptOnce(ctx context.Context, c Client, p Provider, o Options, attempt func(context.Context, Client, Options) (*Response, error)) (resp *Response, err error) {
	actx := ctx
	if r.requestTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
	}
	if r.tracer != nil {
		var span trace.Span
		actx, span = r.tracer.TraceLLMRequest(actx, string(p), o.Model)
		defer func() {
			if err != nil {
				r.tracer.RecordError(span, err)
			}
			span.End()
		}()
	}

	start := time.Now()
	resp, err = attempt(actx, c, o)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordLLMRequest(string(p), o.Model, "error", elapsed, 0, 0)
		}
		if r.log != nil {
			r.log.Warn(ctx, "llm call failed",
				"provider", string(p), "model", o.Model,
				"category", string(CategoryOf(err)), "error", err)
		}
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordLLMRequest(string(p), o.Model, "success", elapsed,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp, nil
}

// entryOptions fills caller options from a chain entry. The caller's
// explicit temperature and max tokens always win. The model follows the
// entry on fallback attempts since model names do not transfer between
// vendors.
func entryOptions(caller Options, e ChainEntry, fallback bool) Options {
	o := caller
	if fallback || o.Model == "" {
		o.Model = e.Model
	}
	if o.Temperature == nil && e.Temperature != 0 {
		t := e.Temperature
		o.Temperature = &t
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = e.MaxTokens
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ForRole returns a Client bound to one role. The tool loop and other
// consumers take a plain Client and never learn about roles or chains.
func (r *Resilient) ForRole(role Role) Client {
	return &roleClient{r: r, role: role}
}

type roleClient struct {
	r    *Resilient
	role Role
}

func (c *roleClient) Chat(ctx context.Context, msgs []Message, opts Options) (*Response, error) {
	return c.r.Chat(ctx, c.role, msgs, opts)
}

func (c *roleClient) Stream(ctx context.Context, msgs []Message, opts Options, fn func(StreamChunk) error) (*Response, error) {
	return c.r.Stream(ctx, c.role, msgs, opts, fn)
}

// ForSelection returns a Client pinned to a resolved selection, used when
// a persona dictates the starting model. Fallback still walks the
// selection's role chain.
func (r *Resilient) ForSelection(sel Selection) Client {
	return &selectionClient{r: r, sel: sel}
}

type selectionClient struct {
	r   *Resilient
	sel Selection
}

func (c *selectionClient) Chat(ctx context.Context, msgs []Message, opts Options) (*Response, error) {
	return c.r.ChatWith(ctx, c.sel, msgs, opts)
}

func (c *selectionClient) Stream(ctx context.Context, msgs []Message, opts Options, fn func(StreamChunk) error) (*Response, error) {
	return c.r.StreamWith(ctx, c.sel, msgs, opts, fn)
}
