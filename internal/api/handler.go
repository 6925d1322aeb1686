// Package api exposes the relay's HTTP surface: the Claude and Gemini
// compatible completion endpoints plus health checking. Handlers read the
// live configuration snapshot per request so key and provider changes take
// effect without dropping connections.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/adapter"
	"github.com/modelrelay/modelrelay/internal/chain"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/forward"
	"github.com/modelrelay/modelrelay/internal/httputil"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/observability"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/usage"
	gwerrors "github.com/modelrelay/modelrelay/pkg/errors"
)

// Handler serves the relay endpoints.
type Handler struct {
	cfg       *config.Manager
	enforcer  *quota.Enforcer
	affinity  *session.AffinityManager
	pool      *session.IdentityPool
	providers provider.Repository
	builder   *chain.Builder
	forwarder *forward.Forwarder
	recorder  chain.Recorder
	logger    *slog.Logger
}

// NewHandler wires the relay endpoints over shared components. recorder may
// be nil, in which case audit trails go to the structured log.
func NewHandler(cfg *config.Manager, enforcer *quota.Enforcer, affinity *session.AffinityManager, pool *session.IdentityPool, providers provider.Repository, builder *chain.Builder, forwarder *forward.Forwarder, recorder chain.Recorder, logger *slog.Logger) *Handler {
	if recorder == nil {
		recorder = chain.NewLogRecorder(logger)
	}
	return &Handler{
		cfg:       cfg,
		enforcer:  enforcer,
		affinity:  affinity,
		pool:      pool,
		providers: providers,
		builder:   builder,
		forwarder: forwarder,
		recorder:  recorder,
		logger:    logger,
	}
}

// Register attaches the relay routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", h.handleClaude)
	mux.HandleFunc("POST /v1beta/models/{modelAction}", h.handleGemini)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleClaude(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Get()

	key, ok := h.authenticate(cfg, claudeToken(r))
	if !ok {
		writeError(w, gwerrors.NewAuthenticationError("invalid or missing API key"), nil)
		return
	}

	body, err := httputil.ReadRequestBody(r, maxBody(cfg))
	if err != nil {
		writeError(w, gwerrors.NewInvalidRequestError("request body too large or unreadable"), nil)
		return
	}

	parsed, err := adapter.ParseClaudeRequest(body)
	if err != nil || parsed.Model == "" {
		writeError(w, gwerrors.NewInvalidRequestError("request body must be a JSON object with a model"), nil)
		return
	}

	sessionID := r.Header.Get(cfg.Session.Header)
	if sessionID == "" {
		sessionID = parsed.MetadataUserID
	}

	h.relay(w, r, relayInput{
		key:        key,
		dialect:    provider.TypeClaude,
		path:       "/v1/messages",
		body:       body,
		model:      parsed.Model,
		stream:     parsed.Stream,
		sessionID:  sessionID,
		suppliedID: parsed.MetadataUserID,
	})
}

func (h *Handler) handleGemini(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Get()

	key, ok := h.authenticate(cfg, geminiToken(r))
	if !ok {
		writeError(w, gwerrors.NewAuthenticationError("invalid or missing API key"), nil)
		return
	}

	model, action, ok := strings.Cut(r.PathValue("modelAction"), ":")
	if !ok || model == "" {
		writeError(w, gwerrors.NewInvalidRequestError("path must be models/{model}:{action}"), nil)
		return
	}
	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeError(w, gwerrors.NewInvalidRequestError("unsupported action "+action), nil)
		return
	}

	body, err := httputil.ReadRequestBody(r, maxBody(cfg))
	if err != nil {
		writeError(w, gwerrors.NewInvalidRequestError("request body too large or unreadable"), nil)
		return
	}

	path := "/v1beta/models/" + model + ":" + action
	if stream {
		path += "?alt=sse"
	}

	h.relay(w, r, relayInput{
		key:       key,
		dialect:   provider.TypeGemini,
		path:      path,
		body:      body,
		model:     model,
		stream:    stream,
		sessionID: r.Header.Get(cfg.Session.Header),
	})
}

type relayInput struct {
	key        config.APIKey
	dialect    provider.Type
	path       string
	body       []byte
	model      string
	stream     bool
	sessionID  string
	suppliedID string
}

func (h *Handler) relay(w http.ResponseWriter, r *http.Request, in relayInput) {
	ctx := r.Context()
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(usage.Family(in.model)).Observe(time.Since(start).Seconds())
	}()
	logger := observability.WithRequestID(ctx, h.logger).With(
		"key_id", in.key.ID,
		"model", in.model,
		"session_id", in.sessionID,
	)

	keyLimits := quota.Limits{
		RequestsPerMinute: in.key.RequestsPerMinute,
		DailyCostUSD:      in.key.DailyCostUSD,
	}

	affinity := h.affinity.Resolve(ctx, in.sessionID, in.model)

	snapshot, err := h.providers.Snapshot(ctx)
	if err != nil {
		logger.Error("provider snapshot unavailable", "error", err)
		writeError(w, gwerrors.NewChainExhaustedError(gwerrors.CodeMixedUnavailable,
			"no provider available"), nil)
		h.countRequest(in.model, "failed")
		return
	}
	candidates := make([]provider.Provider, 0, len(snapshot))
	for _, p := range snapshot {
		if p.Type == in.dialect {
			candidates = append(candidates, p)
		}
	}

	entries, decision := h.builder.Build(ctx, chain.Input{
		Candidates: candidates,
		Model:      in.model,
		KeyID:      in.key.ID,
		KeyLimits:  keyLimits,
		Affinity:   affinity,
	})
	for _, fp := range decision.FilteredProviders {
		metrics.FilteredProviders.WithLabelValues(fp.ID, string(fp.Reason)).Inc()
	}

	// The key budget is charged once per request, and only when at least
	// one provider will actually be attempted. Requests filtered away at
	// build time never consume it.
	if len(entries) > 0 {
		if d := h.enforcer.Consume(ctx, "key:"+in.key.ID, keyLimits); !d.Allowed {
			for _, e := range entries {
				if e.Probe {
					e.Breaker.ReleaseProbe()
				}
			}
			logger.Warn("key over quota", "reason", d.Reason)
			writeError(w, gwerrors.NewChainExhaustedError(gwerrors.CodeRateLimitExceeded,
				"API key quota exceeded: "+string(d.Reason)), &decision)
			h.countRequest(in.model, "rejected")
			return
		}
	}

	a := adapter.ForType(in.dialect)
	res, err := h.forwarder.Execute(ctx, w, &forward.Request{
		Entries:       entries,
		Decision:      decision,
		Adapter:       a,
		Path:          in.path,
		Headers:       r.Header,
		Body:          in.body,
		Model:         in.model,
		Stream:        in.stream,
		KeyID:         in.key.ID,
		SessionID:     in.sessionID,
		SessionReused: affinity.ReuseProvider,
		ResolveIdentity: func(ctx context.Context, p provider.Provider) string {
			return h.pool.Resolve(ctx, p.ID, in.sessionID, in.suppliedID)
		},
	})
	if res != nil {
		h.record(ctx, res.Items, decision)
	}
	if err != nil {
		if gwErr, ok := err.(*gwerrors.GatewayError); ok {
			logger.Warn("request failed",
				"code", gwErr.Code,
				"attempts", len(res.Items),
				"filtered", len(decision.FilteredProviders),
			)
			writeError(w, gwErr, &decision)
			h.countRequest(in.model, "failed")
			return
		}
		// Client disconnect or write failure: nothing left to send.
		logger.Info("request aborted", "error", err)
		h.countRequest(in.model, "aborted")
		return
	}

	if in.sessionID != "" && res.ProviderID != "" && res.StatusCode < 400 {
		h.affinity.Commit(ctx, in.sessionID, res.ProviderID, in.model)
	}

	outcome := "success"
	if res.StatusCode >= 400 {
		outcome = "client_error"
	}
	h.countRequest(in.model, outcome)

	logger.Info("request complete",
		"provider_id", res.ProviderID,
		"status", res.StatusCode,
		"streamed", res.Streamed,
		"attempts", len(res.Items),
		"input_tokens", res.Metrics.InputTokens,
		"output_tokens", res.Metrics.OutputTokens,
		"cache_creation_tokens", res.Metrics.CacheCreationInputTokens,
		"cache_read_tokens", res.Metrics.CacheReadInputTokens,
		"cost_usd", res.CostUSD,
	)
}

// record ships the attempt audit trail, pinning the decision context to the
// first item.
func (h *Handler) record(ctx context.Context, items []chain.Item, decision chain.DecisionContext) {
	if len(items) == 0 {
		return
	}
	items[0].DecisionContext = &decision
	h.recorder.Record(ctx, observability.RequestIDFromContext(ctx), items)
}

func (h *Handler) countRequest(model, outcome string) {
	metrics.RequestsTotal.WithLabelValues(usage.Family(model), outcome).Inc()
}

// authenticate resolves a bearer token to its configured key.
func (h *Handler) authenticate(cfg *config.Config, token string) (config.APIKey, bool) {
	if token == "" {
		return config.APIKey{}, false
	}
	for _, k := range cfg.Keys {
		if k.Token == token {
			return k, true
		}
	}
	return config.APIKey{}, false
}

// claudeToken accepts the native x-api-key header or a bearer token.
func claudeToken(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// geminiToken accepts the native x-goog-api-key header or a key query
// parameter.
func geminiToken(r *http.Request) string {
	if v := r.Header.Get("x-goog-api-key"); v != "" {
		return v
	}
	return r.URL.Query().Get("key")
}

func maxBody(cfg *config.Config) int64 {
	if cfg.Server.MaxBodyBytes > 0 {
		return cfg.Server.MaxBodyBytes
	}
	return httputil.DefaultMaxRequestBytes
}
