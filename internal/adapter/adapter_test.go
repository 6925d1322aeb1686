package adapter

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/usage"
)

func TestForType(t *testing.T) {
	assert.Equal(t, provider.TypeClaude, ForType(provider.TypeClaude).Type())
	assert.Equal(t, provider.TypeGemini, ForType(provider.TypeGemini).Type())
	assert.Nil(t, ForType(provider.Type("openai")))
}

func TestClaudeParseUsage(t *testing.T) {
	body := []byte(`{
		"id": "msg_01",
		"usage": {
			"input_tokens": 100,
			"output_tokens": 50,
			"cache_creation_input_tokens": 200,
			"cache_read_input_tokens": 300,
			"cache_creation": {"ephemeral_5m_input_tokens": 0, "ephemeral_1h_input_tokens": 200}
		}
	}`)

	got := claudeAdapter{}.ParseUsage(body)
	assert.Equal(t, usage.Metrics{
		InputTokens:              100,
		OutputTokens:             50,
		CacheCreationInputTokens: 200,
		CacheReadInputTokens:     300,
		CacheTTL:                 "1h",
	}, got)

	// Missing usage and malformed bodies yield zero metrics.
	assert.Zero(t, claudeAdapter{}.ParseUsage([]byte(`{"id":"msg_02"}`)))
	assert.Zero(t, claudeAdapter{}.ParseUsage([]byte(`not json`)))
}

func TestClaudeParseStreamEvents(t *testing.T) {
	var m usage.Metrics
	a := claudeAdapter{}

	a.ParseStreamEvent([]byte(`{
		"type": "message_start",
		"message": {"usage": {"input_tokens": 25, "cache_read_input_tokens": 1000, "output_tokens": 1}}
	}`), &m)
	a.ParseStreamEvent([]byte(`{"type":"content_block_delta","delta":{"text":"hi"}}`), &m)
	a.ParseStreamEvent([]byte(`{"type":"message_delta","usage":{"output_tokens":12}}`), &m)
	a.ParseStreamEvent([]byte(`{"type":"message_delta","usage":{"output_tokens":57}}`), &m)

	assert.Equal(t, int64(25), m.InputTokens)
	assert.Equal(t, int64(1000), m.CacheReadInputTokens)
	assert.Equal(t, int64(57), m.OutputTokens)
}

func TestClaudeErrorText(t *testing.T) {
	body := []byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	msg, ok := claudeAdapter{}.StructuredError(body)
	require.True(t, ok)
	assert.Equal(t, "Overloaded", msg)
	assert.Equal(t, "Overloaded", ErrorText(claudeAdapter{}, body))

	// A success document is never mistaken for an error.
	_, ok = claudeAdapter{}.StructuredError([]byte(`{"type":"message","content":[]}`))
	assert.False(t, ok)

	assert.Equal(t, "plain failure", ErrorText(claudeAdapter{}, []byte("  plain failure \n")))
}

func TestClaudeInjectUserID(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"metadata":{"user_id":"old","other":"keep"}}`)

	out, ok := claudeAdapter{}.InjectUserID(body, "pooled-7")
	require.True(t, ok)

	var doc struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
		Metadata map[string]any  `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "claude-sonnet-4-5", doc.Model)
	assert.NotEmpty(t, doc.Messages)
	assert.Equal(t, "pooled-7", doc.Metadata["user_id"])
	assert.Equal(t, "keep", doc.Metadata["other"])

	// A body without metadata gains one.
	out, ok = claudeAdapter{}.InjectUserID([]byte(`{"model":"m"}`), "pooled-7")
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "pooled-7", doc.Metadata["user_id"])

	_, ok = claudeAdapter{}.InjectUserID([]byte(`not json`), "pooled-7")
	assert.False(t, ok)
}

func TestParseClaudeRequest(t *testing.T) {
	req, err := ParseClaudeRequest([]byte(`{
		"model": "claude-sonnet-4-5",
		"stream": true,
		"metadata": {"user_id": "sess-abc"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", req.Model)
	assert.True(t, req.Stream)
	assert.Equal(t, "sess-abc", req.MetadataUserID)

	_, err = ParseClaudeRequest([]byte(`{`))
	assert.Error(t, err)
}

func TestGeminiParseUsage(t *testing.T) {
	body := []byte(`{
		"candidates": [{"content": {"parts": [{"text": "hi"}]}}],
		"usageMetadata": {
			"promptTokenCount": 1200,
			"candidatesTokenCount": 80,
			"thoughtsTokenCount": 20,
			"cachedContentTokenCount": 1000
		}
	}`)

	got := geminiAdapter{}.ParseUsage(body)
	assert.Equal(t, usage.Metrics{
		InputTokens:          200,
		OutputTokens:         100,
		CacheReadInputTokens: 1000,
	}, got)

	assert.Zero(t, geminiAdapter{}.ParseUsage([]byte(`{}`)))
}

func TestGeminiStreamKeepsFinalChunk(t *testing.T) {
	var m usage.Metrics
	a := geminiAdapter{}

	a.ParseStreamEvent([]byte(`{"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":5}}`), &m)
	a.ParseStreamEvent([]byte(`{"candidates":[{"content":{}}]}`), &m)
	a.ParseStreamEvent([]byte(`{"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":42}}`), &m)

	assert.Equal(t, int64(100), m.InputTokens)
	assert.Equal(t, int64(42), m.OutputTokens)
}

func TestGeminiErrorText(t *testing.T) {
	body := []byte(`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`)
	msg, ok := geminiAdapter{}.StructuredError(body)
	require.True(t, ok)
	assert.Equal(t, "Resource has been exhausted", msg)

	_, ok = geminiAdapter{}.StructuredError([]byte(`{"candidates":[]}`))
	assert.False(t, ok)
	assert.Equal(t, "boom", ErrorText(geminiAdapter{}, []byte(" boom ")))
}
