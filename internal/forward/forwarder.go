// Package forward executes provider chains: one upstream attempt per entry,
// advancing on retryable failure, with circuit, quota, usage and error-rule
// bookkeeping on every outcome.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/adapter"
	"github.com/modelrelay/modelrelay/internal/chain"
	"github.com/modelrelay/modelrelay/internal/httputil"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/rules"
	"github.com/modelrelay/modelrelay/internal/usage"
	gwerrors "github.com/modelrelay/modelrelay/pkg/errors"
)

// Request is one relay execution over an already-built chain.
type Request struct {
	Entries  []chain.Entry
	Decision chain.DecisionContext

	Adapter adapter.Adapter
	// Path is the upstream request path, including any query string.
	Path    string
	Headers http.Header
	Body    []byte

	Model  string
	Stream bool

	KeyID         string
	SessionID     string
	SessionReused bool

	// ResolveIdentity returns the pooled external user id for a provider
	// requiring sticky identity. Nil disables injection.
	ResolveIdentity func(ctx context.Context, p provider.Provider) string
}

// Result summarizes the executed chain for accounting and audit.
type Result struct {
	ProviderID string
	StatusCode int
	Metrics    usage.Metrics
	CostUSD    float64
	Items      []chain.Item
	Detection  rules.Result
	Streamed   bool
}

// Forwarder iterates chains and writes the winning response to the client.
type Forwarder struct {
	clients    *clientPool
	enforcer   *quota.Enforcer
	normalizer *usage.Normalizer
	engine     *rules.Engine
	pricing    usage.PriceTable
	logger     *slog.Logger
}

// NewForwarder wires the forwarder's collaborators.
func NewForwarder(enforcer *quota.Enforcer, normalizer *usage.Normalizer, engine *rules.Engine, pricing usage.PriceTable, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		clients:    newClientPool(),
		enforcer:   enforcer,
		normalizer: normalizer,
		engine:     engine,
		pricing:    pricing,
		logger:     logger,
	}
}

// Execute attempts each chain entry in order and writes the final response
// to w. The returned Result always carries the attempt audit trail, even
// when err is non-nil. Attempts are strictly sequential; once streaming to
// the client has begun no further entries are tried.
func (f *Forwarder) Execute(ctx context.Context, w http.ResponseWriter, req *Request) (*Result, error) {
	res := &Result{}

	if len(req.Entries) == 0 {
		return res, f.exhaustedError(req, false, false)
	}

	var sawThrottle, sawUnavailable bool

	for i, entry := range req.Entries {
		p := entry.Provider
		logger := f.logger.With(
			"provider_id", p.ID,
			"model", req.Model,
			"attempt", i+1,
		)

		provLimits := quota.Limits{
			RequestsPerMinute: p.RateLimit.RequestsPerMinute,
			DailyCostUSD:      p.RateLimit.DailyCostUSD,
		}
		if d := f.enforcer.Consume(ctx, "prov:"+p.ID, provLimits); !d.Allowed {
			logger.Warn("provider budget consumed between build and attempt", "reason", d.Reason)
			if entry.Probe {
				entry.Breaker.ReleaseProbe()
			}
			sawThrottle = true
			res.Items = append(res.Items, f.item(p, chain.OutcomeFailed, 0))
			continue
		}

		client, err := f.clients.get(p.ProxyURL)
		if err != nil {
			// Misconfigured proxies are surfaced, not silently bypassed.
			if entry.Probe {
				entry.Breaker.ReleaseProbe()
			}
			f.releaseProbes(req.Entries[i+1:])
			res.Items = append(res.Items, f.item(p, chain.OutcomeFailed, 0))
			return res, gwerrors.NewProxyConfigError(p.ID, err.Error())
		}

		body := req.Body
		if req.ResolveIdentity != nil && p.RequiresStickyIdentity {
			if id := req.ResolveIdentity(ctx, p); id != "" {
				if injected, ok := req.Adapter.InjectUserID(body, id); ok {
					body = injected
				}
			}
		}

		// Streams run until the upstream or the client ends them; the
		// per-provider timeout would sever long generations mid-stream.
		var attemptCtx context.Context
		var cancel context.CancelFunc
		if req.Stream {
			attemptCtx, cancel = context.WithCancel(ctx)
		} else {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		start := time.Now()

		upstreamReq, err := f.buildRequest(attemptCtx, p, req, body)
		if err != nil {
			cancel()
			if entry.Probe {
				entry.Breaker.ReleaseProbe()
			}
			f.releaseProbes(req.Entries[i+1:])
			return res, gwerrors.NewInvalidRequestError(err.Error())
		}

		resp, err := client.Do(upstreamReq)
		if err != nil {
			cancel()
			elapsed := time.Since(start)

			if ctx.Err() != nil {
				// Client gone: abort without a breaker verdict.
				if entry.Probe {
					entry.Breaker.ReleaseProbe()
				}
				f.releaseProbes(req.Entries[i+1:])
				return res, ctx.Err()
			}

			entry.Breaker.RecordFailure(false)
			sawUnavailable = true
			res.Items = append(res.Items, f.item(p, chain.OutcomeFailed, elapsed.Milliseconds()))
			metrics.AttemptsTotal.WithLabelValues(p.ID, "network_error").Inc()
			metrics.AttemptDuration.WithLabelValues(p.ID).Observe(elapsed.Seconds())

			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("upstream attempt timed out", "timeout", p.Timeout)
			} else {
				logger.Warn("upstream attempt failed", "error", err)
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			done, result, err := f.handleSuccess(ctx, w, req, entry, i, resp, cancel, start, logger)
			if done {
				result.Items = append(res.Items, result.Items...)
				return result, err
			}
			// Embedded error document inside a 2xx: treated as a
			// reachable failure, chain advances.
			sawUnavailable = true
			res.Items = append(res.Items, result.Items...)
			continue
		}

		// Upstream error status.
		rbody, _ := httputil.ReadUpstreamBody(resp, httputil.MaxErrorBodyBytes)
		cancel()
		elapsed := time.Since(start)

		errText := adapter.ErrorText(req.Adapter, rbody)
		det := f.detect(ctx, errText, p.ID)

		if gwerrors.IsRetryableStatus(resp.StatusCode) {
			entry.Breaker.RecordFailure(true)
			if resp.StatusCode == http.StatusTooManyRequests {
				sawThrottle = true
			} else {
				sawUnavailable = true
			}
			res.Items = append(res.Items, f.item(p, chain.OutcomeFailed, elapsed.Milliseconds()))
			metrics.AttemptsTotal.WithLabelValues(p.ID, "upstream_error").Inc()
			metrics.AttemptDuration.WithLabelValues(p.ID).Observe(elapsed.Seconds())
			logger.Warn("retryable upstream error",
				"status", resp.StatusCode,
				"category", det.Category,
			)
			continue
		}

		// Terminal client error: retrying cannot help. The provider
		// answered coherently, which also resolves a probe as healthy.
		entry.Breaker.RecordSuccess()
		f.releaseProbes(req.Entries[i+1:])
		res.Items = append(res.Items, f.item(p, chain.OutcomeFailed, elapsed.Milliseconds()))
		metrics.AttemptsTotal.WithLabelValues(p.ID, "client_error").Inc()
		metrics.AttemptDuration.WithLabelValues(p.ID).Observe(elapsed.Seconds())

		res.ProviderID = p.ID
		res.Detection = det
		res.StatusCode = f.writeTerminalError(w, resp, det, rbody)
		return res, nil
	}

	return res, f.exhaustedError(req, sawThrottle, sawUnavailable)
}

// handleSuccess finishes a 2xx attempt. done is false when the body turned
// out to be an embedded error document and the chain should advance.
func (f *Forwarder) handleSuccess(ctx context.Context, w http.ResponseWriter, req *Request, entry chain.Entry, idx int, resp *http.Response, cancel context.CancelFunc, start time.Time, logger *slog.Logger) (done bool, _ *Result, _ error) {
	p := entry.Provider

	if req.Stream {
		f.releaseProbes(req.Entries[idx+1:])
		entry.Breaker.RecordSuccess()

		raw, streamErr := streamSSE(ctx, w, resp.Body, req.Adapter)
		cancel()
		elapsed := time.Since(start)

		// Whatever usage arrived before a disconnect still counts.
		res := f.account(req, p, raw, elapsed)
		res.Streamed = true
		res.StatusCode = http.StatusOK
		outcome := chain.OutcomeSuccess
		if streamErr != nil {
			outcome = chain.OutcomeFailed
			logger.Warn("stream ended early", "error", streamErr)
		}
		res.Items = []chain.Item{f.item(p, outcome, elapsed.Milliseconds())}
		metrics.AttemptsTotal.WithLabelValues(p.ID, outcome).Inc()
		metrics.AttemptDuration.WithLabelValues(p.ID).Observe(elapsed.Seconds())
		return true, res, nil
	}

	rbody, err := httputil.ReadUpstreamBody(resp, httputil.MaxUpstreamBodyBytes)
	cancel()
	elapsed := time.Since(start)
	if err != nil {
		entry.Breaker.RecordFailure(true)
		logger.Warn("upstream body read failed", "error", err)
		return false, &Result{Items: []chain.Item{f.item(p, chain.OutcomeFailed, elapsed.Milliseconds())}}, nil
	}

	// Some relays tunnel error documents inside a 200.
	if msg, isErr := req.Adapter.StructuredError(rbody); isErr {
		entry.Breaker.RecordFailure(true)
		det := f.detect(ctx, msg, p.ID)
		logger.Warn("error document inside success status", "category", det.Category)
		metrics.AttemptsTotal.WithLabelValues(p.ID, "upstream_error").Inc()
		return false, &Result{Items: []chain.Item{f.item(p, chain.OutcomeFailed, elapsed.Milliseconds())}}, nil
	}

	entry.Breaker.RecordSuccess()
	f.releaseProbes(req.Entries[idx+1:])

	raw := req.Adapter.ParseUsage(rbody)
	res := f.account(req, p, raw, elapsed)
	res.StatusCode = resp.StatusCode
	res.Items = []chain.Item{f.item(p, chain.OutcomeSuccess, elapsed.Milliseconds())}
	metrics.AttemptsTotal.WithLabelValues(p.ID, chain.OutcomeSuccess).Inc()
	metrics.AttemptDuration.WithLabelValues(p.ID).Observe(elapsed.Seconds())

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(rbody); err != nil {
		logger.Warn("client write failed", "error", err)
	}
	return true, res, nil
}

// account normalizes usage, prices it and charges the daily budgets.
func (f *Forwarder) account(req *Request, p provider.Provider, raw usage.Metrics, elapsed time.Duration) *Result {
	m := f.normalizer.Normalize(raw, p.EstimateCacheUsage, req.SessionReused)

	var cost float64
	if pricing, ok := f.pricing.Lookup(req.Model); ok {
		cost = usage.Cost(m, pricing)
	}
	if cost > 0 {
		ctx, cancelRecord := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelRecord()
		if req.KeyID != "" {
			f.enforcer.RecordCost(ctx, "key:"+req.KeyID, cost)
		}
		f.enforcer.RecordCost(ctx, "prov:"+p.ID, cost)
		metrics.CostUSDTotal.WithLabelValues(p.ID).Add(cost)
	}
	metrics.ObserveUsage(p.ID, m.InputTokens, m.OutputTokens,
		m.CacheCreationInputTokens, m.CacheReadInputTokens)

	return &Result{ProviderID: p.ID, Metrics: m, CostUSD: cost}
}

func (f *Forwarder) detect(ctx context.Context, errText, providerID string) rules.Result {
	det := f.engine.Detect(ctx, errText)
	if det.Matched {
		f.logger.Info("error rule matched",
			"provider_id", providerID,
			"rule_id", det.RuleID,
			"category", det.Category,
			"match_type", string(det.MatchType),
		)
		metrics.RuleMatchesTotal.WithLabelValues(det.Category, string(det.MatchType)).Inc()
	}
	return det
}

// writeTerminalError relays a terminal upstream error, substituting a
// validated override body/status when a rule provides one.
func (f *Forwarder) writeTerminalError(w http.ResponseWriter, resp *http.Response, det rules.Result, body []byte) int {
	status := resp.StatusCode
	out := body
	if det.Matched && det.Override != nil {
		out = det.Override
		if det.OverrideStatusCode != 0 {
			status = det.OverrideStatusCode
		}
		w.Header().Set("Content-Type", "application/json")
	} else if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(status)
	_, _ = w.Write(out)
	return status
}

func (f *Forwarder) buildRequest(ctx context.Context, p provider.Provider, req *Request, body []byte) (*http.Request, error) {
	url := strings.TrimRight(p.BaseURL, "/") + req.Path
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	copyForwardHeaders(upstreamReq.Header, req.Headers)
	upstreamReq.Header.Set("Content-Type", "application/json")

	switch p.Type {
	case provider.TypeClaude:
		upstreamReq.Header.Set("x-api-key", p.APIKey)
		if upstreamReq.Header.Get("anthropic-version") == "" {
			upstreamReq.Header.Set("anthropic-version", "2023-06-01")
		}
	case provider.TypeGemini:
		upstreamReq.Header.Set("x-goog-api-key", p.APIKey)
	}
	return upstreamReq, nil
}

// Hop-by-hop and credential headers never travel upstream.
var skipHeaders = map[string]struct{}{
	"Host":              {},
	"Authorization":     {},
	"X-Api-Key":         {},
	"X-Goog-Api-Key":    {},
	"Content-Length":    {},
	"Connection":        {},
	"Proxy-Connection":  {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := skipHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func (f *Forwarder) releaseProbes(entries []chain.Entry) {
	for _, e := range entries {
		if e.Probe {
			e.Breaker.ReleaseProbe()
		}
	}
}

func (f *Forwarder) item(p provider.Provider, outcome string, durationMS int64) chain.Item {
	return chain.Item{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Outcome:      outcome,
		DurationMS:   durationMS,
	}
}

// exhaustedError synthesizes the aggregate failure for an empty or fully
// failed chain. The code distinguishes pure throttling and pure circuit
// blocking from general unavailability.
func (f *Forwarder) exhaustedError(req *Request, sawThrottle, sawUnavailable bool) *gwerrors.GatewayError {
	reasons := req.Decision.Reasons()

	onlyThrottle := sawThrottle || reasons[chain.ReasonRateLimited] > 0
	if sawUnavailable || reasons[chain.ReasonCircuitOpen] > 0 || reasons[chain.ReasonTagMismatch] > 0 {
		onlyThrottle = false
	}
	onlyCircuit := !sawThrottle && !sawUnavailable &&
		reasons[chain.ReasonCircuitOpen] > 0 &&
		reasons[chain.ReasonCircuitOpen] == len(req.Decision.FilteredProviders)

	code := gwerrors.CodeMixedUnavailable
	switch {
	case onlyThrottle:
		code = gwerrors.CodeRateLimitExceeded
	case onlyCircuit:
		code = gwerrors.CodeCircuitBreakerOpen
	}
	return gwerrors.NewChainExhaustedError(code,
		fmt.Sprintf("no provider available for model %s", req.Model))
}
