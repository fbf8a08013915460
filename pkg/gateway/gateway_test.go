package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: os.Stderr})
	os.Exit(m.Run())
}

type fakeStore struct {
	records []*types.UsageRecord
	spend   float64
}

func (f *fakeStore) RecordUsage(rec *types.UsageRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) SpendSince(time.Time) (float64, error) {
	return f.spend, nil
}

type fakeRemote struct {
	responses   []string
	errs        []error
	calls       int
	thinkingTok int64
}

func (f *fakeRemote) complete(_ context.Context, _, _, _ string, _ int64, _ bool) (string, tokenUsage, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var text string
	if i < len(f.responses) {
		text = f.responses[i]
	}
	if err != nil {
		return "", tokenUsage{}, err
	}
	return text, tokenUsage{input: 100, output: 50, thinking: f.thinkingTok}, nil
}

func ollamaServer(t *testing.T, up bool, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"qwen2.5-coder:14b"}]}`))
		case "/api/generate":
			w.Write([]byte(`{"response":"` + response + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGateway(t *testing.T, store *fakeStore, ollamaURL string, ramPct float64) *Gateway {
	t.Helper()
	g := New(Config{
		APIKey:           "test",
		RemoteModel:      "claude-sonnet-4-5",
		RemoteModelHeavy: "claude-opus-4-1",
		LocalModel:       "qwen2.5-coder:14b",
		OllamaURL:        ollamaURL,
		MaxRetries:       3,
		DailyBudgetUSD:   10,
		MonthlyBudgetUSD: 150,
		SoftFraction:     0.70,
		RAMRoutePct:      75,
	}, store, func() (float64, error) { return ramPct, nil })
	return g
}

func TestSelectModelRules(t *testing.T) {
	srv := ollamaServer(t, true, "ok")

	tests := []struct {
		name       string
		purpose    Purpose
		complexity types.Complexity
		spend      float64
		ramPct     float64
		wantTier   types.ModelTier
		wantModel  string
	}{
		{"audit always heavy remote", PurposeAudit, types.ComplexityLow, 0, 10, types.ModelTierRemote, "claude-opus-4-1"},
		{"code_gen always remote", PurposeCodeGen, types.ComplexityLow, 0, 10, types.ModelTierRemote, "claude-sonnet-4-5"},
		{"low classify goes local", PurposeClassify, types.ComplexityLow, 0, 10, types.ModelTierLocal, "qwen2.5-coder:14b"},
		{"low plan goes local", PurposePlan, types.ComplexityLow, 0, 10, types.ModelTierLocal, "qwen2.5-coder:14b"},
		{"high complexity stays remote", PurposePlan, types.ComplexityHigh, 0, 10, types.ModelTierRemote, "claude-sonnet-4-5"},
		{"high RAM blocks local routing", PurposeClassify, types.ComplexityLow, 0, 85, types.ModelTierRemote, "claude-sonnet-4-5"},
		{"budget escalation forces local even for high", PurposePlan, types.ComplexityHigh, 8, 85, types.ModelTierLocal, "qwen2.5-coder:14b"},
		{"general stays remote", PurposeGeneral, types.ComplexityLow, 0, 10, types.ModelTierRemote, "claude-sonnet-4-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{spend: tt.spend}
			g := newTestGateway(t, store, srv.URL, tt.ramPct)
			tier, model := g.selectModel(tt.purpose, tt.complexity)
			assert.Equal(t, tt.wantTier, tier)
			assert.Equal(t, tt.wantModel, model)
		})
	}
}

func TestSelectModelLocalDownStaysRemote(t *testing.T) {
	srv := ollamaServer(t, false, "")
	g := newTestGateway(t, &fakeStore{}, srv.URL, 10)

	tier, model := g.selectModel(PurposeClassify, types.ComplexityLow)
	assert.Equal(t, types.ModelTierRemote, tier)
	assert.Equal(t, "claude-sonnet-4-5", model)
}

func TestCallLocalWithRemoteFallback(t *testing.T) {
	srv := ollamaServer(t, true, "local answer")
	store := &fakeStore{}
	g := newTestGateway(t, store, srv.URL, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text, err := g.Call(ctx, Request{
		Purpose:    PurposeClassify,
		Complexity: types.ComplexityLow,
		Prompt:     "classify this",
	})
	require.NoError(t, err)
	assert.Equal(t, "local answer", text)
	require.Len(t, store.records, 1)
	assert.Equal(t, types.ModelTierLocal, store.records[0].Tier)
	assert.Zero(t, store.records[0].CostUSD)
}

func TestCallRemoteRecordsUsage(t *testing.T) {
	store := &fakeStore{}
	g := newTestGateway(t, store, "http://127.0.0.1:1", 10)
	g.remote = &fakeRemote{responses: []string{"answer"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text, err := g.Call(ctx, Request{Purpose: PurposeCodeGen, Prompt: "write code"})
	require.NoError(t, err)
	assert.Equal(t, "answer", text)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, types.ModelTierRemote, rec.Tier)
	assert.Equal(t, int64(100), rec.InputTokens)
	assert.Equal(t, int64(50), rec.OutputTokens)
	assert.InDelta(t, costOf("claude-sonnet-4-5", 100, 50), rec.CostUSD, 1e-12)
}

func TestCallRemoteRecordsThinkingTokens(t *testing.T) {
	store := &fakeStore{}
	g := newTestGateway(t, store, "http://127.0.0.1:1", 10)
	g.remote = &fakeRemote{responses: []string{"plan"}, thinkingTok: 320}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := g.Call(ctx, Request{Purpose: PurposeCodeGen, Prompt: "plan it", Thinking: true})
	require.NoError(t, err)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, int64(320), rec.ThinkingTokens)
	// Thinking is billed inside output tokens; it must not be charged
	// a second time.
	assert.InDelta(t, costOf("claude-sonnet-4-5", 100, 50), rec.CostUSD, 1e-12)
}

func TestCallRemoteRetriesEmptyResponse(t *testing.T) {
	store := &fakeStore{}
	g := newTestGateway(t, store, "http://127.0.0.1:1", 10)
	remote := &fakeRemote{responses: []string{"", "real answer"}}
	g.remote = remote

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text, err := g.callRemote(ctx, Request{Purpose: PurposeGeneral}, "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "real answer", text)
	assert.Equal(t, 2, remote.calls)
	// Both attempts are accounted; tokens were consumed either way.
	assert.Len(t, store.records, 2)
}

func TestCallRemoteBudgetExceeded(t *testing.T) {
	store := &fakeStore{spend: 12}
	g := newTestGateway(t, store, "http://127.0.0.1:1", 10)
	remote := &fakeRemote{responses: []string{"never"}}
	g.remote = remote

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := g.callRemote(ctx, Request{Purpose: PurposeCodeGen}, "claude-sonnet-4-5")
	require.Error(t, err)
	assert.Equal(t, types.ErrKindBudget, types.KindOf(err))
	assert.Zero(t, remote.calls)
}

func TestCallRemoteGivesUpAfterMaxRetries(t *testing.T) {
	store := &fakeStore{}
	g := newTestGateway(t, store, "http://127.0.0.1:1", 10)
	boom := errors.New("connection reset")
	remote := &fakeRemote{errs: []error{boom, boom, boom}}
	g.remote = remote

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := g.callRemote(ctx, Request{Purpose: PurposeGeneral}, "claude-sonnet-4-5")
	require.Error(t, err)
	assert.Equal(t, 3, remote.calls)
	assert.Equal(t, types.ErrKindProvider, types.KindOf(err))
}

func TestClassifyRemoteErrorContextNotRetryable(t *testing.T) {
	_, retryable := classifyRemoteError(context.DeadlineExceeded, 0)
	assert.False(t, retryable)

	_, retryable = classifyRemoteError(errors.New("net timeout"), 0)
	assert.True(t, retryable)

	wait, retryable := classifyRemoteError(errEmptyResponse, 0)
	assert.True(t, retryable)
	assert.Equal(t, 2*time.Second, wait)
}

func TestOllamaGenerate(t *testing.T) {
	srv := ollamaServer(t, true, "hello from local")
	client := newOllamaClient(srv.URL)

	ok, models := client.healthy()
	assert.True(t, ok)
	assert.Contains(t, models, "qwen2.5-coder:14b")

	text, err := client.generate(context.Background(), "qwen2.5-coder:14b", "sys", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "hello from local", text)
}

func TestCostOfAndSummarize(t *testing.T) {
	// 1M input + 1M output on sonnet pricing.
	assert.InDelta(t, 18.0, costOf("claude-sonnet-4-5", 1_000_000, 1_000_000), 1e-9)
	// Unknown models use the default rate, not zero.
	assert.Greater(t, costOf("mystery-model", 1000, 1000), 0.0)

	sum := Summarize([]*types.UsageRecord{
		{Model: "claude-sonnet-4-5", InputTokens: 100, OutputTokens: 50, CostUSD: 0.001},
		{Model: "claude-sonnet-4-5", InputTokens: 200, OutputTokens: 80, CostUSD: 0.002},
		{Model: "claude-opus-4-1", InputTokens: 10, OutputTokens: 5, CostUSD: 0.0005},
	})
	assert.Equal(t, 3, sum.TotalCalls)
	assert.Equal(t, int64(310), sum.TotalInputTokens)
	assert.InDelta(t, 0.0035, sum.TotalCostUSD, 1e-9)
	assert.Equal(t, 2, sum.ByModel["claude-sonnet-4-5"].Calls)
}

func TestUTCMidnight(t *testing.T) {
	now := time.Date(2026, 8, 25, 17, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), utcMidnight(now))
}
