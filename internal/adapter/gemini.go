package adapter

import (
	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/usage"
)

type geminiAdapter struct{}

func (geminiAdapter) Type() provider.Type { return provider.TypeGemini }

// geminiUsage mirrors usageMetadata. promptTokenCount includes cached
// tokens, so the canonical non-cached input is the difference.
type geminiUsage struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	ThoughtsTokenCount      int64 `json:"thoughtsTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
}

func (u geminiUsage) metrics() usage.Metrics {
	input := u.PromptTokenCount - u.CachedContentTokenCount
	if input < 0 {
		input = 0
	}
	return usage.Metrics{
		InputTokens:          input,
		OutputTokens:         u.CandidatesTokenCount + u.ThoughtsTokenCount,
		CacheReadInputTokens: u.CachedContentTokenCount,
	}
}

func (geminiAdapter) ParseUsage(body []byte) usage.Metrics {
	var resp struct {
		UsageMetadata *geminiUsage `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.UsageMetadata == nil {
		return usage.Metrics{}
	}
	return resp.UsageMetadata.metrics()
}

// ParseStreamEvent keeps the usage from the latest chunk; counts are
// cumulative and the final chunk carries the totals.
func (geminiAdapter) ParseStreamEvent(data []byte, m *usage.Metrics) {
	var chunk struct {
		UsageMetadata *geminiUsage `json:"usageMetadata"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil || chunk.UsageMetadata == nil {
		return
	}
	*m = chunk.UsageMetadata.metrics()
}

// StructuredError recognizes the standard {"error":{code,message,status}}
// document.
func (geminiAdapter) StructuredError(body []byte) (string, bool) {
	var doc struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Error == nil || doc.Error.Message == "" {
		return "", false
	}
	return doc.Error.Message, true
}

// InjectUserID is a no-op: generateContent has no per-user identity field.
func (geminiAdapter) InjectUserID(body []byte, userID string) ([]byte, bool) {
	return body, false
}
