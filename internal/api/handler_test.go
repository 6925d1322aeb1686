package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/chain"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/forward"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/rules"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/usage"
)

const upstreamSuccess = `{"type":"message","content":[],"usage":{"input_tokens":10,"output_tokens":5}}`

// newGateway assembles a full relay over the given provider yaml fragment.
func newGateway(t *testing.T, providersYAML string) http.Handler {
	t.Helper()
	mgr := newManager(t, providersYAML)
	return buildGateway(t, mgr, mgr.ProviderRepository())
}

func newManager(t *testing.T, providersYAML string) *config.Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := fmt.Sprintf(`
keys:
  - id: key-1
    token: tok-1
    user_id: tester
  - id: key-limited
    token: tok-limited
    requests_per_minute: 1
providers:
%s`, providersYAML)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	mgr, err := config.NewManager(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func buildGateway(t *testing.T, mgr *config.Manager, providers provider.Repository) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	enforcer := quota.NewEnforcer(quota.Options{Logger: logger, FailOpen: true})
	affinity := session.NewAffinityManager(nil, mgr.Get().Session.TTL, logger)
	pool := session.NewIdentityPool(nil, mgr.Get().Session.PoolSize, mgr.Get().Session.PoolIdentityTTL, logger)
	registry := breaker.NewRegistry(nil, logger)
	builder := chain.NewBuilder(registry, enforcer, logger)
	engine := rules.NewEngine(rules.NewStaticRepository(nil), 4096, logger)
	normalizer := usage.NewNormalizer(false, nil, nil)
	forwarder := forward.NewForwarder(enforcer, normalizer, engine, usage.PriceTable{}, logger)

	h := NewHandler(mgr, enforcer, affinity, pool, providers, builder, forwarder, nil, logger)
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func claudeCall(t *testing.T, gw http.Handler, token, sessionID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet","messages":[{"role":"user","content":"hi"}]}`))
	if token != "" {
		req.Header.Set("x-api-key", token)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-Id", sessionID)
	}
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	return rec
}

func TestClaudeFailoverEndToEnd(t *testing.T) {
	var primaryCalls, secondaryCalls atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryCalls.Add(1)
		w.Write([]byte(upstreamSuccess))
	}))
	defer secondary.Close()

	gw := newGateway(t, fmt.Sprintf(`
  - id: prov-a
    name: Primary
    type: claude
    base_url: %s
    api_key: up-a
    priority: 1
  - id: prov-b
    name: Secondary
    type: claude
    base_url: %s
    api_key: up-b
    priority: 2
`, primary.URL, secondary.URL))

	rec := claudeCall(t, gw, "tok-1", "sess-42")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, upstreamSuccess, rec.Body.String())
	assert.Equal(t, int32(1), primaryCalls.Load())
	assert.Equal(t, int32(1), secondaryCalls.Load())

	// The session is now pinned to the healthy provider, so the next call
	// starts there rather than retrying the primary.
	rec = claudeCall(t, gw, "tok-1", "sess-42")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), primaryCalls.Load())
	assert.Equal(t, int32(2), secondaryCalls.Load())
}

func TestAllCircuitsOpenReturnsAggregateError(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	gw := newGateway(t, fmt.Sprintf(`
  - id: prov-a
    name: Only
    type: claude
    base_url: %s
    api_key: up-a
    breaker:
      failure_threshold: 1
      probe_interval_min: 30s
      probe_interval_max: 10m
`, down.URL))

	rec := claudeCall(t, gw, "tok-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The single failure opened the circuit; the next request is filtered
	// before any upstream call and names the exclusion.
	rec = claudeCall(t, gw, "tok-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
		DecisionContext *chain.DecisionContext `json:"decisionContext"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Type)
	assert.Equal(t, "circuit_breaker_open", body.Error.Type)
	require.NotNil(t, body.DecisionContext)
	require.Len(t, body.DecisionContext.FilteredProviders, 1)
	assert.Equal(t, chain.ReasonCircuitOpen, body.DecisionContext.FilteredProviders[0].Reason)
}

func TestAuthenticationRequired(t *testing.T) {
	gw := newGateway(t, `
  - id: prov-a
    name: Only
    type: claude
    base_url: http://127.0.0.1:1
    api_key: up-a
`)

	rec := claudeCall(t, gw, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication_error")

	rec = claudeCall(t, gw, "wrong-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestKeyRateLimitRejectsBeforeUpstream(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(upstreamSuccess))
	}))
	defer upstream.Close()

	gw := newGateway(t, fmt.Sprintf(`
  - id: prov-a
    name: Only
    type: claude
    base_url: %s
    api_key: up-a
`, upstream.URL))

	rec := claudeCall(t, gw, "tok-limited", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = claudeCall(t, gw, "tok-limited", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiGenerateContent(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"candidates":[],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":3}}`))
	}))
	defer upstream.Close()

	gw := newGateway(t, fmt.Sprintf(`
  - id: gem-a
    name: Gemini
    type: gemini
    base_url: %s
    api_key: up-g
`, upstream.URL))

	req := httptest.NewRequest(http.MethodPost,
		"/v1beta/models/gemini-pro:generateContent?key=tok-1",
		strings.NewReader(`{"contents":[]}`))
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/v1beta/models/gemini-pro:generateContent", gotPath)
}

func TestGeminiRejectsUnknownAction(t *testing.T) {
	gw := newGateway(t, `
  - id: gem-a
    name: Gemini
    type: gemini
    base_url: http://127.0.0.1:1
    api_key: up-g
`)

	req := httptest.NewRequest(http.MethodPost,
		"/v1beta/models/gemini-pro:countTokens?key=tok-1",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported action")
}

func TestDialectsDoNotCross(t *testing.T) {
	// A Claude request must never be routed to a Gemini provider even when
	// it is the only one configured.
	gw := newGateway(t, `
  - id: gem-a
    name: Gemini
    type: gemini
    base_url: http://127.0.0.1:1
    api_key: up-g
`)

	rec := claudeCall(t, gw, "tok-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no provider available")
}

func TestProvidersServedThroughRepository(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(upstreamSuccess))
	}))
	defer upstream.Close()

	// The config file carries no providers; candidates must come from the
	// repository view alone.
	mgr := newManager(t, "  []")
	repo := provider.NewStaticRepository([]provider.Provider{{
		ID:      "side-loaded",
		Name:    "Side Loaded",
		Type:    provider.TypeClaude,
		BaseURL: upstream.URL,
		APIKey:  "up-1",
		Timeout: 5 * time.Second,
	}})
	gw := buildGateway(t, mgr, repo)

	rec := claudeCall(t, gw, "tok-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, mgr.Get().Providers)
}
