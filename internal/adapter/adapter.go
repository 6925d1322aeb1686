// Package adapter understands the provider-native request/response dialects
// (Claude-compatible and Gemini-compatible): extracting models and usage,
// pulling error text out of failure bodies, and injecting session identity.
package adapter

import (
	"strings"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/usage"
)

// Adapter is one dialect's codec.
type Adapter interface {
	Type() provider.Type

	// ParseUsage maps a non-streaming success body into canonical metrics.
	ParseUsage(body []byte) usage.Metrics

	// ParseStreamEvent folds one SSE data payload into the accumulating
	// metrics for a streaming response.
	ParseStreamEvent(data []byte, m *usage.Metrics)

	// StructuredError extracts the provider's error message when the body
	// is a well-formed error document for this dialect.
	StructuredError(body []byte) (string, bool)

	// InjectUserID stamps the pooled external identity into the request
	// body. ok is false when the dialect has no identity field.
	InjectUserID(body []byte, userID string) (out []byte, ok bool)
}

// ErrorText returns the best error description for a failure body: the
// structured message when present, otherwise the trimmed raw body.
func ErrorText(a Adapter, body []byte) string {
	if msg, ok := a.StructuredError(body); ok {
		return msg
	}
	return strings.TrimSpace(string(body))
}

// ForType returns the adapter for a provider type, or nil for unknown types.
func ForType(t provider.Type) Adapter {
	switch t {
	case provider.TypeClaude:
		return claudeAdapter{}
	case provider.TypeGemini:
		return geminiAdapter{}
	default:
		return nil
	}
}
