package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/ai-metering/internal/auth"
	"github.com/vnmchuo/ai-metering/internal/clock"
	"github.com/vnmchuo/ai-metering/internal/events"
	"github.com/vnmchuo/ai-metering/internal/metrics"
	"github.com/vnmchuo/ai-metering/internal/pricing"
	"github.com/vnmchuo/ai-metering/internal/provider"
	"github.com/vnmchuo/ai-metering/internal/quota"
	"github.com/vnmchuo/ai-metering/internal/tier"
	"github.com/vnmchuo/ai-metering/internal/usage"
)

var testNow = time.Date(2024, time.May, 20, 10, 0, 0, 0, time.UTC)

type stubSubscriptions map[string]string

func (s stubSubscriptions) GetSubscription(ctx context.Context, userID string) (*tier.UserSubscription, error) {
	tierID, ok := s[userID]
	if !ok {
		return nil, tier.ErrSubscriptionNotFound
	}
	return &tier.UserSubscription{UserID: userID, TierID: tierID, RenewalAnchor: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Emit(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

type failingRecorder struct {
	err error
}

func (f *failingRecorder) Record(ctx context.Context, e *usage.Entry) error {
	return f.err
}

type fixture struct {
	dispatcher *Dispatcher
	provider   *MockProvider
	store      *usage.MemoryStore
	recorder   *usage.Recorder
	events     *capturePublisher
	metrics    *metrics.Metrics
}

type fixtureOpt func(*Deps)

func newFixture(t *testing.T, p *MockProvider, opts ...fixtureOpt) *fixture {
	t.Helper()
	clk := clock.Fixed(testNow)
	tiers := []tier.SubscriptionTier{
		{ID: "starter", MonthlyTokenAllowance: 1000, OveragePolicy: tier.PolicyBlock},
		{ID: "team", MonthlyTokenAllowance: 1000, OveragePolicy: tier.PolicyWarn},
		{ID: "enterprise", OveragePolicy: tier.PolicyBlock},
	}
	subs := stubSubscriptions{"blocked-user": "starter", "warn-user": "team", "big-user": "enterprise"}
	resolver, err := tier.NewResolver(subs, tiers, tier.DefaultTier, clk, nil)
	require.NoError(t, err)

	store := usage.NewMemoryStore()
	recorder := usage.NewRecorder(store, clk)
	pub := &capturePublisher{}
	m := metrics.New(prometheus.NewRegistry())

	deps := Deps{
		Router:     newTestRouter(t, p),
		Gate:       quota.NewGate(resolver, recorder, quota.WithClock(clk)),
		Recorder:   recorder,
		Calculator: pricing.NewCalculator(pricing.MustDefaultTable()),
		Events:     pub,
		Metrics:    m,
		Clock:      clk,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &fixture{
		dispatcher: NewDispatcher(deps),
		provider:   p,
		store:      store,
		recorder:   recorder,
		events:     pub,
		metrics:    m,
	}
}

func openAIMock() *MockProvider {
	return &MockProvider{name: "openai", namespaces: []string{"gpt-"}}
}

func (f *fixture) seedUsage(t *testing.T, user string, n int) {
	t.Helper()
	require.NoError(t, f.recorder.Record(context.Background(), &usage.Entry{
		UserID: user, Endpoint: "chat.completions", Model: "gpt-4o-mini", PromptTokens: n, CreatedAt: testNow.Add(-time.Hour),
	}))
}

func TestDispatch_RecordsOneLedgerRow(t *testing.T) {
	f := newFixture(t, openAIMock())
	ctx := auth.WithRequestID(context.Background(), "req-1")

	res, err := f.dispatcher.Dispatch(ctx, &provider.Request{
		UserID: "new-user", OrgID: "org-1", Model: "gpt-4o-mini", Prompt: "hello",
		Tags: map[string]string{"feature": "summary"},
	})
	require.NoError(t, err)

	assert.Equal(t, "mock", res.Content)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, 30, res.TotalTokens)
	assert.False(t, res.UsageEstimated)
	assert.NoError(t, res.RecordErr)
	assert.NotEmpty(t, res.EntryID)
	assert.InDelta(t, (10*0.15+20*0.60)/1_000_000, res.Cost, 1e-15)

	page, err := f.recorder.Table(context.Background(), "new-user", testNow.Add(-time.Hour), testNow.Add(time.Hour), usage.Filters{}, usage.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	e := page.Entries[0]
	assert.Equal(t, "org-1", e.OrgID)
	assert.Equal(t, provider.DefaultEndpoint, e.Endpoint)
	assert.Equal(t, res.Cost, e.Cost)
	assert.Equal(t, "openai", e.Metadata["provider"])
	assert.Equal(t, "req-1", e.Metadata["request_id"])
	assert.Equal(t, map[string]string{"feature": "summary"}, e.Metadata["tags"])

	assert.Equal(t, []events.Kind{events.CallAdmitted, events.CallLogged}, f.events.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Calls.WithLabelValues("openai", "gpt-4o-mini", metrics.StatusSuccess)))
}

func TestDispatch_EstimatesMissingUsage(t *testing.T) {
	p := openAIMock()
	p.completeFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: strings.Repeat("b", 80), Model: req.Model}, nil
	}
	f := newFixture(t, p)

	res, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{
		UserID: "u1", Model: "gpt-4o", Prompt: strings.Repeat("a", 400),
	})
	require.NoError(t, err)

	assert.True(t, res.UsageEstimated)
	assert.Equal(t, 100, res.PromptTokens)
	assert.Equal(t, 20, res.CompletionTokens)
	assert.Equal(t, 1, f.store.Len())
}

func TestDispatch_UnsupportedModelMakesNoCall(t *testing.T) {
	f := newFixture(t, openAIMock())

	_, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "u1", Model: "llama-3", Prompt: "hi"})

	assert.ErrorIs(t, err, provider.ErrUnsupportedModel)
	assert.Equal(t, 0, f.provider.Calls())
	assert.Equal(t, 0, f.store.Len())
}

func TestDispatch_HardBlockedMakesNoCall(t *testing.T) {
	f := newFixture(t, openAIMock())
	f.seedUsage(t, "blocked-user", 1050)

	_, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "blocked-user", Model: "gpt-4o", Prompt: "hi"})

	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Equal(t, 105.0, exceeded.Result.UsagePercentage)
	assert.Equal(t, 0, f.provider.Calls())
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, []events.Kind{events.CallBlocked}, f.events.kinds())
}

func TestDispatch_WarnPolicyServesOverAllowance(t *testing.T) {
	f := newFixture(t, openAIMock())
	f.seedUsage(t, "warn-user", 1050)

	res, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "warn-user", Model: "gpt-4o", Prompt: "hi"})
	require.NoError(t, err)

	assert.True(t, res.OverAllowance)
	assert.Equal(t, 105.0, res.Quota.UsagePercentage)
	assert.Equal(t, 2, f.store.Len())
}

func TestDispatch_UnlimitedTierNeverBlocks(t *testing.T) {
	f := newFixture(t, openAIMock())
	f.seedUsage(t, "big-user", 5_000_000)

	res, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "big-user", Model: "gpt-4o", Prompt: "hi"})
	require.NoError(t, err)

	assert.False(t, res.OverAllowance)
	assert.True(t, res.Quota.Unlimited)
}

func TestDispatch_ProviderFailureWritesNothing(t *testing.T) {
	p := openAIMock()
	p.completeFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Provider: "openai", StatusCode: http.StatusBadGateway, Body: "upstream down"}
	}
	f := newFixture(t, p)

	_, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "u1", Model: "gpt-4o", Prompt: "hi"})

	assert.ErrorIs(t, err, provider.ErrProvider)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, []events.Kind{events.CallAdmitted, events.CallFailed}, f.events.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Calls.WithLabelValues("openai", "gpt-4o", metrics.StatusError)))
}

func TestDispatch_LedgerFailureStillReturnsContent(t *testing.T) {
	f := newFixture(t, openAIMock(), func(d *Deps) {
		d.Recorder = &failingRecorder{err: usage.ErrStoreUnavailable}
	})

	res, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "u1", Model: "gpt-4o", Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "mock", res.Content)
	assert.ErrorIs(t, res.RecordErr, usage.ErrStoreUnavailable)
	assert.Empty(t, res.EntryID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LedgerWriteFailed))
	assert.Contains(t, f.events.kinds(), events.LedgerWriteFailed)
}

func TestDispatch_RejectsEmptyRequest(t *testing.T) {
	f := newFixture(t, openAIMock())

	_, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "u1", Model: "gpt-4o"})
	assert.ErrorIs(t, err, provider.ErrEmptyRequest)
}

func TestDispatch_ReservationBoundsConcurrentCalls(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	release := make(chan struct{})
	p := openAIMock()
	p.completeFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		<-release
		return &provider.Response{Content: "ok", Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 20}}, nil
	}
	f := newFixture(t, p, func(d *Deps) {
		d.Reserver = quota.NewRedisReserver(rdb, clock.Fixed(testNow), nil, nil)
	})

	// "hi" estimates to 1 token, so each call reserves 600 and the third
	// finds the allowance taken
	req := func() *provider.Request {
		return &provider.Request{UserID: "blocked-user", Model: "gpt-4o", Prompt: "hi", MaxTokens: 599}
	}

	type outcome struct {
		res *Result
		err error
	}
	out := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		go func() {
			res, err := f.dispatcher.Dispatch(context.Background(), req())
			out <- outcome{res, err}
		}()
	}

	first := <-out
	require.ErrorIs(t, first.err, quota.ErrQuotaExceeded)
	close(release)

	for i := 0; i < 2; i++ {
		o := <-out
		require.NoError(t, o.err)
	}
	assert.Equal(t, 2, f.store.Len())

	period := tier.PeriodFor(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), testNow)
	v, err := mr.Get(quota.Key("blocked-user", period.Start))
	require.NoError(t, err)
	assert.Equal(t, "60", v)
}

func TestDispatch_ReservationAdmitsWhatTheGateAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	p := openAIMock()
	p.completeFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "ok", Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 20}}, nil
	}
	f := newFixture(t, p, func(d *Deps) {
		d.Reserver = quota.NewRedisReserver(rdb, clock.Fixed(testNow), nil, nil)
	})

	// no max_tokens: the default 1000-token budget equals the whole allowance
	res, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "blocked-user", Model: "gpt-4o", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, p.calls)
}

func TestDispatch_ReservationAdmitsNearAllowance(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := newFixture(t, openAIMock(), func(d *Deps) {
		d.Reserver = quota.NewRedisReserver(rdb, clock.Fixed(testNow), nil, nil)
	})
	f.seedUsage(t, "blocked-user", 900)

	_, err := f.dispatcher.Dispatch(context.Background(), &provider.Request{UserID: "blocked-user", Model: "gpt-4o", Prompt: "hi", MaxTokens: 200})
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.Len())
}
