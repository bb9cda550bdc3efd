package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-optimizer/internal/middleware"
	"github.com/vnmchuo/llm-optimizer/internal/provider"
	"github.com/vnmchuo/llm-optimizer/internal/provider/providertest"
	"github.com/vnmchuo/llm-optimizer/internal/tracker"
)

type recorder struct {
	mu   sync.Mutex
	runs []tracker.Run
}

func (r *recorder) Track(run tracker.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

func (r *recorder) Runs() []tracker.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tracker.Run(nil), r.runs...)
}

func newTestClient(t *testing.T, cfg Config, providers ...provider.Provider) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	c, err := New(cfg, providers,
		WithTracker(rec),
		WithLogger(zerolog.Nop()),
		WithBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	return c, rec
}

func testConfig() Config {
	cfg := DefaultConfig("sk-test")
	cfg.SmartRouting = false
	return cfg
}

func hi() []provider.Message {
	return []provider.Message{{Role: provider.RoleUser, Content: "Hi"}}
}

func status(name string, code int) error {
	return &provider.StatusError{Provider: name, StatusCode: code, Message: http.StatusText(code)}
}

func openAIFake() *providertest.Fake {
	return providertest.New("openai", "gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-4-turbo", "gpt-3.5-turbo")
}

func TestNew_Validation(t *testing.T) {
	fake := openAIFake()

	_, err := New(Config{BaseURL: DefaultBaseURL}, []provider.Provider{fake})
	assert.Error(t, err, "api key is required")

	cfg := DefaultConfig("sk-test")
	cfg.MaxRetries = -1
	_, err = New(cfg, []provider.Provider{fake})
	assert.Error(t, err)

	cfg = DefaultConfig("sk-test")
	cfg.BaseURL = "not a url"
	_, err = New(cfg, []provider.Provider{fake})
	assert.Error(t, err)

	_, err = New(DefaultConfig("sk-test"), nil)
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("sk-test")
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.SmartRouting)
	assert.False(t, cfg.EnableCache)
	assert.False(t, cfg.AutoFallback)
	assert.Zero(t, cfg.CostLimit)
	assert.Empty(t, cfg.Middleware)
}

func TestCreate_SmartRoutingDowngradesSimplePrompt(t *testing.T) {
	fake := openAIFake()
	cfg := DefaultConfig("sk-test")
	c, rec := newTestClient(t, cfg, fake)

	resp, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	require.NoError(t, err)

	assert.Equal(t, "gpt-3.5-turbo", resp.Model)
	assert.Zero(t, fake.CallsFor("gpt-4"))

	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	assert.Equal(t, "gpt-4", runs[0].RequestedModel)
	assert.Equal(t, "gpt-3.5-turbo", runs[0].Model)
	assert.Equal(t, "openai", runs[0].Provider)
	require.NotNil(t, runs[0].Savings)
	assert.Greater(t, *runs[0].Savings, 0.0)
	assert.Positive(t, runs[0].TokensUsed)
	assert.NotEmpty(t, runs[0].Output)
}

func TestCreate_SmartRoutingDisabled(t *testing.T) {
	fake := openAIFake()
	c, rec := newTestClient(t, testConfig(), fake)

	resp, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, 1, fake.CallsFor("gpt-4"))

	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Savings)
}

func TestCreate_CallerRequestUntouched(t *testing.T) {
	c, _ := newTestClient(t, DefaultConfig("sk-test"), openAIFake())
	req := &provider.Request{Model: "gpt-4", Messages: hi()}
	_, err := c.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", req.Model)
}

func TestCreate_ClientErrorAttemptedOnce(t *testing.T) {
	fake := openAIFake().On("gpt-4", providertest.Reply{Err: status("openai", http.StatusBadRequest)})
	cfg := testConfig()
	cfg.AutoFallback = true
	c, rec := newTestClient(t, cfg, fake)

	_, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})

	var se *provider.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Len(t, fake.Calls(), 1, "no retry and no fallback")

	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.NotEmpty(t, runs[0].Error)
}

func TestCreate_ServerErrorRetriedMaxRetriesTimes(t *testing.T) {
	want := status("openai", http.StatusInternalServerError)
	fake := openAIFake().On("gpt-4", providertest.Reply{Err: want})
	cfg := testConfig()
	cfg.MaxRetries = 2
	c, rec := newTestClient(t, cfg, fake)

	_, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})

	assert.Same(t, want, err)
	assert.Equal(t, 2, fake.CallsFor("gpt-4"))
	assert.Len(t, rec.Runs(), 1, "one record per logical call")
}

func TestCreate_RecoversAfterTransientError(t *testing.T) {
	fake := openAIFake().On("gpt-4", providertest.Reply{
		Content: "recovered",
		Errs:    []error{status("openai", http.StatusBadGateway)},
	})
	c, rec := newTestClient(t, testConfig(), fake)

	resp, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, fake.CallsFor("gpt-4"))

	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
}

func TestCreate_FallbackChain(t *testing.T) {
	a := providertest.New("alpha", "model-a").On("model-a", providertest.Reply{Err: status("alpha", http.StatusServiceUnavailable)})
	b := providertest.New("beta", "model-b")
	cfg := testConfig()
	cfg.MaxRetries = 2
	c, rec := newTestClient(t, cfg, a, b)

	resp, err := c.Create(context.Background(),
		&provider.Request{Model: "model-a", Messages: hi()},
		WithFallbackModels("model-b"),
		WithPromptID("prompt-1"),
	)
	require.NoError(t, err)
	assert.Equal(t, "ok from model-b", resp.Content)
	assert.Equal(t, 2, a.CallsFor("model-a"))
	assert.Equal(t, 1, b.CallsFor("model-b"))

	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "model-a", runs[0].RequestedModel)
	assert.Equal(t, "model-b", runs[0].Model)
	assert.Equal(t, "beta", runs[0].Provider)
	assert.Equal(t, "prompt-1", runs[0].PromptID)
	require.NotNil(t, runs[0].Savings, "savings are reported even when zero")
	assert.Zero(t, *runs[0].Savings)
}

func TestCreate_AutoFallbackUsesDefaultChain(t *testing.T) {
	fake := openAIFake().On("gpt-4o", providertest.Reply{Err: status("openai", http.StatusInternalServerError)})
	cfg := testConfig()
	cfg.AutoFallback = true
	cfg.MaxRetries = 1
	c, _ := newTestClient(t, cfg, fake)

	resp, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4o", Messages: hi()})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 1, fake.CallsFor("gpt-4o"))
}

func TestCreate_NoFallbackWithoutAutoFallback(t *testing.T) {
	fake := openAIFake().On("gpt-4o", providertest.Reply{Err: status("openai", http.StatusInternalServerError)})
	cfg := testConfig()
	cfg.MaxRetries = 1
	c, _ := newTestClient(t, cfg, fake)

	_, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4o", Messages: hi()})
	require.Error(t, err)
	assert.Len(t, fake.Calls(), 1)
}

func TestCreate_ExhaustionSurfacesLastError(t *testing.T) {
	first := status("alpha", http.StatusServiceUnavailable)
	last := status("beta", http.StatusBadGateway)
	a := providertest.New("alpha", "model-a").On("model-a", providertest.Reply{Err: first})
	b := providertest.New("beta", "model-b").On("model-b", providertest.Reply{Err: last})

	var onErr []error
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.Middleware = []middleware.Middleware{{
		OnError: func(_ context.Context, err error) { onErr = append(onErr, err) },
	}}
	c, rec := newTestClient(t, cfg, a, b)

	_, err := c.Create(context.Background(),
		&provider.Request{Model: "model-a", Messages: hi()},
		WithFallbackModels("model-b"))

	assert.Same(t, last, err)
	require.Len(t, onErr, 1, "error hooks run exactly once")
	assert.Same(t, last, onErr[0])
	runs := rec.Runs()
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Equal(t, "model-b", runs[0].Model, "the record names the last attempted model")
	assert.Equal(t, "beta", runs[0].Provider)
	assert.Equal(t, "model-a", runs[0].RequestedModel)
	assert.Equal(t, last.Error(), runs[0].Error)
}

func TestCreate_UnsupportedModelSkipsToFallback(t *testing.T) {
	b := providertest.New("beta", "model-b")
	cfg := testConfig()
	c, _ := newTestClient(t, cfg, b)

	resp, err := c.Create(context.Background(),
		&provider.Request{Model: "mystery-model", Messages: hi()},
		WithFallbackModels("model-b"))
	require.NoError(t, err)
	assert.Equal(t, "model-b", resp.Model)
}

func TestCreate_CostLimitRejectsBeforeAnyCall(t *testing.T) {
	fake := openAIFake()
	called := false
	cfg := testConfig()
	cfg.Middleware = []middleware.Middleware{{
		Before: func(_ context.Context, r *provider.Request) (*provider.Request, error) { called = true; return r, nil },
	}}
	c, rec := newTestClient(t, cfg, fake)

	_, err := c.Create(context.Background(),
		&provider.Request{Model: "gpt-4", Messages: hi()},
		WithMaxCost(1e-9))

	assert.ErrorIs(t, err, ErrCostLimitExceeded)
	var cle *CostLimitError
	require.ErrorAs(t, err, &cle)
	assert.Equal(t, "gpt-4", cle.Model)
	assert.Empty(t, fake.Calls())
	assert.Empty(t, rec.Runs())
	assert.False(t, called)
}

func TestCreate_ConfigCostLimit(t *testing.T) {
	fake := openAIFake()
	cfg := testConfig()
	cfg.CostLimit = 1e-9
	c, _ := newTestClient(t, cfg, fake)

	_, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	assert.ErrorIs(t, err, ErrCostLimitExceeded)

	_, err = c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()}, WithMaxCost(1))
	assert.NoError(t, err, "per-call limit overrides the client's")
}

func TestCreate_CostLimitAppliesToSelectedModel(t *testing.T) {
	fake := openAIFake()
	cfg := DefaultConfig("sk-test")
	c, _ := newTestClient(t, cfg, fake)

	msgs := hi()
	gpt4 := c.pricing.EstimateCost("gpt-4", msgs)
	_, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: msgs}, WithMaxCost(gpt4/2))
	assert.NoError(t, err, "the downgraded model fits under the limit")
}

func TestCreate_CacheHitSkipsProvider(t *testing.T) {
	fake := openAIFake()
	cfg := testConfig()
	cfg.EnableCache = true
	c, rec := newTestClient(t, cfg, fake)

	req := &provider.Request{Model: "gpt-4", Messages: hi()}
	first, err := c.Create(context.Background(), req, WithCacheTTL(time.Minute))
	require.NoError(t, err)
	second, err := c.Create(context.Background(), req, WithCacheTTL(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, fake.CallsFor("gpt-4"))
	assert.Len(t, rec.Runs(), 1, "cache hits are not reported")
}

func TestCreate_CacheExpiryCallsAgain(t *testing.T) {
	fake := openAIFake()
	cfg := testConfig()
	cfg.EnableCache = true
	c, _ := newTestClient(t, cfg, fake)

	req := &provider.Request{Model: "gpt-4", Messages: hi()}
	_, err := c.Create(context.Background(), req, WithCacheTTL(20*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = c.Create(context.Background(), req, WithCacheTTL(20*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, 2, fake.CallsFor("gpt-4"))
}

func TestClearCache_ForcesReinvoke(t *testing.T) {
	fake := openAIFake()
	cfg := testConfig()
	cfg.EnableCache = true
	c, _ := newTestClient(t, cfg, fake)

	req := &provider.Request{Model: "gpt-4", Messages: hi()}
	_, err := c.Create(context.Background(), req, WithCacheTTL(time.Minute))
	require.NoError(t, err)
	_, err = c.Create(context.Background(), req, WithCacheTTL(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallsFor("gpt-4"))

	c.ClearCache()
	_, err = c.Create(context.Background(), req, WithCacheTTL(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, fake.CallsFor("gpt-4"))
}

func TestCreate_CacheNeedsBothSwitches(t *testing.T) {
	fake := openAIFake()
	c, _ := newTestClient(t, testConfig(), fake)

	req := &provider.Request{Model: "gpt-4", Messages: hi()}
	for i := 0; i < 2; i++ {
		_, err := c.Create(context.Background(), req, WithCacheTTL(time.Minute))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, fake.CallsFor("gpt-4"), "EnableCache is off")

	cfg := testConfig()
	cfg.EnableCache = true
	c, _ = newTestClient(t, cfg, fake)
	for i := 0; i < 2; i++ {
		_, err := c.Create(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, fake.CallsFor("gpt-4"), "no ttl for the call")
}

func TestCreate_MiddlewareOrder(t *testing.T) {
	fake := openAIFake()
	tag := func(s string) middleware.Middleware {
		return middleware.Middleware{
			Before: func(_ context.Context, r *provider.Request) (*provider.Request, error) {
				out := r.Clone()
				out.Messages = append(out.Messages, provider.Message{Role: provider.RoleUser, Content: s})
				return out, nil
			},
			After: func(_ context.Context, resp *provider.Response) (*provider.Response, error) {
				out := *resp
				out.Content += "|" + s
				return &out, nil
			},
		}
	}
	cfg := testConfig()
	cfg.Middleware = []middleware.Middleware{tag("one"), tag("two")}
	c, _ := newTestClient(t, cfg, fake)

	resp, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 3)
	assert.Equal(t, "one", calls[0].Messages[1].Content)
	assert.Equal(t, "two", calls[0].Messages[2].Content)
	assert.Equal(t, "ok from gpt-4|one|two", resp.Content)
}

func TestCreate_OnErrorHooksCannotAlterError(t *testing.T) {
	want := status("openai", http.StatusUnauthorized)
	fake := openAIFake().On("gpt-4", providertest.Reply{Err: want})
	var ran []string
	cfg := testConfig()
	cfg.Middleware = []middleware.Middleware{
		{OnError: func(context.Context, error) { ran = append(ran, "first") }},
		{OnError: func(context.Context, error) { ran = append(ran, "second") }},
	}
	c, _ := newTestClient(t, cfg, fake)

	_, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	assert.Same(t, want, err)
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestCreate_BeforeErrorAborts(t *testing.T) {
	fake := openAIFake()
	boom := errors.New("blocked by policy")
	onErr := 0
	cfg := testConfig()
	cfg.Middleware = []middleware.Middleware{{
		Before:  func(context.Context, *provider.Request) (*provider.Request, error) { return nil, boom },
		OnError: func(context.Context, error) { onErr++ },
	}}
	c, rec := newTestClient(t, cfg, fake)

	_, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, fake.Calls())
	assert.Equal(t, 1, onErr)
	require.Len(t, rec.Runs(), 1)
	assert.Equal(t, "blocked by policy", rec.Runs()[0].Error)
}

func TestNew_ConfigIsCopied(t *testing.T) {
	fake := openAIFake()
	var ran []string
	cfg := testConfig()
	cfg.Middleware = []middleware.Middleware{{
		Before: func(_ context.Context, r *provider.Request) (*provider.Request, error) {
			ran = append(ran, "original")
			return r, nil
		},
	}}
	c, _ := newTestClient(t, cfg, fake)

	cfg.Middleware[0] = middleware.Middleware{}
	cfg.MaxRetries = 0

	_, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	require.NoError(t, err)
	assert.Equal(t, []string{"original"}, ran)
}

func TestCreate_ReportsToSink(t *testing.T) {
	var (
		mu   sync.Mutex
		runs []tracker.Run
		auth string
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var run tracker.Run
		_ = json.NewDecoder(r.Body).Decode(&run)
		mu.Lock()
		runs = append(runs, run)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer sink.Close()

	cfg := testConfig()
	cfg.BaseURL = sink.URL
	c, err := New(cfg, []provider.Provider{openAIFake()}, WithHTTPClient(sink.Client()), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	require.NoError(t, err)
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, runs, 1)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4", runs[0].Model)
	assert.JSONEq(t, `[{"role":"user","content":"Hi"}]`, runs[0].Input)
}

func TestCreate_SinkFailureDoesNotAffectResult(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sink.Close()

	cfg := testConfig()
	cfg.BaseURL = sink.URL
	c, err := New(cfg, []provider.Provider{openAIFake()}, WithHTTPClient(sink.Client()), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	resp, err := c.Create(context.Background(), &provider.Request{Model: "gpt-4", Messages: hi()})
	require.NoError(t, err)
	assert.Equal(t, "ok from gpt-4", resp.Content)
	c.Wait()
}
