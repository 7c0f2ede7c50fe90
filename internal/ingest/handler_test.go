package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/voice-metering/internal/ledger"
	"github.com/vnmchuo/voice-metering/internal/metering"
	"github.com/vnmchuo/voice-metering/internal/pricing"
	"github.com/vnmchuo/voice-metering/pkg/ratelimit"
)

const (
	testKey     = "sk-test-123"
	otherKey    = "sk-other-456"
	testAccount = "00000000-0000-0000-0000-000000000042"
)

// mockLimiterStore is flipped by tests while the server is running.
type mockLimiterStore struct {
	denied atomic.Bool
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: !m.denied.Load()}, nil
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: !m.denied.Load()}, nil
}

type testServer struct {
	server  *httptest.Server
	limiter *mockLimiterStore
	store   *ledger.MemoryStore
}

func setupServer(t *testing.T, cfg metering.Config, credit float64) *testServer {
	t.Helper()
	logger := zap.NewNop()
	tracer := noop.NewTracerProvider().Tracer("test")

	store := ledger.NewMemoryStore()
	l := ledger.New(store, nil, logger, tracer)
	ctx := context.Background()
	require.NoError(t, l.CreateAPIKey(ctx, testKey, testAccount))
	require.NoError(t, l.CreateAPIKey(ctx, otherKey, "00000000-0000-0000-0000-000000000099"))
	if credit > 0 {
		require.NoError(t, l.Grant(ctx, testAccount, credit, time.Now().Add(time.Hour)))
	}

	registry := metering.NewRegistry(cfg, metering.Deps{
		Ledger: l,
		Prices: pricing.Default(),
		Logger: logger,
		Tracer: tracer,
	})
	limiterStore := &mockLimiterStore{}
	h := NewHandler(registry, l, ratelimit.NewTestLimiter(limiterStore), logger, tracer)
	router := NewRouter(h, NewAuthMiddleware(l, logger), []string{"*"}, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		registry.Shutdown(context.Background())
		srv.Close()
	})
	return &testServer{server: srv, limiter: limiterStore, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (ts *testServer) open(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/v1/sessions", testKey, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

const (
	llmEvent = `{"kind":"llm","request_id":"r1","model":"gpt-4o-mini","duration_seconds":1.1,"metrics":{"prompt_tokens":100,"completion_tokens":50,"ttft_seconds":0.3}}`
	ttsEvent = `{"kind":"tts","request_id":"r2","model":"sonic-english","metrics":{"characters_count":200,"ttfb_seconds":0.1}}`
	sttEvent = `{"kind":"stt","request_id":"r3","model":"nova-2","metrics":{"audio_duration_seconds":10}}`
)

func TestHealthz(t *testing.T) {
	ts := setupServer(t, metering.DefaultConfig(), 10)
	resp, body := ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestOpenSession_Unauthorized(t *testing.T) {
	ts := setupServer(t, metering.DefaultConfig(), 10)

	resp, _ := ts.do(t, http.MethodPost, "/v1/sessions", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/v1/sessions", "sk-unknown", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOpenSession_EnforceDenied(t *testing.T) {
	cfg := metering.DefaultConfig()
	cfg.Policy = metering.PolicyEnforce
	ts := setupServer(t, cfg, 0)

	resp, body := ts.do(t, http.MethodPost, "/v1/sessions", testKey, "")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, body["error"], "insufficient credit")
}

func TestSessionLifecycle(t *testing.T) {
	ts := setupServer(t, metering.DefaultConfig(), 10)
	id := ts.open(t)

	for _, ev := range []string{llmEvent, ttsEvent, sttEvent} {
		resp, body := ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/events", testKey, ev)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, true, body["accepted"])
	}

	resp, body := ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", testKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["error"])
	costs := body["costs"].(map[string]any)
	assert.InDelta(t, 0.004233, costs["total"].(float64), 1e-6)
	assert.Len(t, body["entries"], 4)

	resp, _ = ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", testKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/v1/usage", testKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), body["total_entries"])
	assert.InDelta(t, 0.004233, body["total_cost_usd"].(float64), 1e-6)
	assert.Len(t, ts.store.Entries(), 4)
}

func TestHandleEvent_DenialReportedOnSameEvent(t *testing.T) {
	cfg := metering.DefaultConfig()
	cfg.Mode = metering.ModePerCall
	cfg.Policy = metering.PolicyEnforce
	ts := setupServer(t, cfg, 0.001)
	id := ts.open(t)

	big := `{"kind":"llm","request_id":"big","model":"gpt-4o","metrics":{"prompt_tokens":1000000,"completion_tokens":0}}`
	resp, body := ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/events", testKey, big)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])
	assert.Contains(t, body["error"], "insufficient credit")
}

func TestHandleEvent_Malformed(t *testing.T) {
	ts := setupServer(t, metering.DefaultConfig(), 10)
	id := ts.open(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"kind":`},
		{"unknown kind", `{"kind":"ocr","metrics":{}}`},
		{"negative tokens", `{"kind":"llm","metrics":{"prompt_tokens":-1}}`},
		{"missing metrics", `{"kind":"tts"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/events", testKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, body["error"], "usage taxonomy error")
		})
	}

	resp, body := ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", testKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	totals := body["totals"].(map[string]any)
	assert.Equal(t, float64(len(tests)), totals["skipped"])
}

func TestHandleEvent_UnknownSession(t *testing.T) {
	ts := setupServer(t, metering.DefaultConfig(), 10)
	resp, _ := ts.do(t, http.MethodPost, "/v1/sessions/nope/events", testKey, llmEvent)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleEvent_OtherAccountsSession(t *testing.T) {
	ts := setupServer(t, metering.DefaultConfig(), 10)
	id := ts.open(t)

	resp, _ := ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/events", otherKey, llmEvent)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", otherKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleEvent_RateLimited(t *testing.T) {
	ts := setupServer(t, metering.DefaultConfig(), 10)
	id := ts.open(t)
	ts.limiter.denied.Store(true)

	resp, body := ts.do(t, http.MethodPost, "/v1/sessions/"+id+"/events", testKey, llmEvent)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestHandleUsage_BadRange(t *testing.T) {
	ts := setupServer(t, metering.DefaultConfig(), 10)
	resp, _ := ts.do(t, http.MethodGet, "/v1/usage?from=yesterday", testKey, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleUsage_NoAccount(t *testing.T) {
	h := NewHandler(nil, nil, nil, zap.NewNop(), noop.NewTracerProvider().Tracer("test"))
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
