package adapter

import (
	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/usage"
)

type claudeAdapter struct{}

func (claudeAdapter) Type() provider.Type { return provider.TypeClaude }

// claudeUsage mirrors the Messages API usage block. cache_creation carries
// the per-TTL split on newer API versions.
type claudeUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreation            *struct {
		Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
		Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`
}

func (u claudeUsage) metrics() usage.Metrics {
	m := usage.Metrics{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
	if u.CacheCreation != nil {
		switch {
		case u.CacheCreation.Ephemeral1h > 0:
			m.CacheTTL = "1h"
		case u.CacheCreation.Ephemeral5m > 0:
			m.CacheTTL = "5m"
		}
	} else if m.CacheCreationInputTokens > 0 {
		m.CacheTTL = "5m"
	}
	return m
}

func (claudeAdapter) ParseUsage(body []byte) usage.Metrics {
	var resp struct {
		Usage *claudeUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return usage.Metrics{}
	}
	return resp.Usage.metrics()
}

// ParseStreamEvent folds message_start (input side) and message_delta
// (running output count) events into m.
func (claudeAdapter) ParseStreamEvent(data []byte, m *usage.Metrics) {
	var event struct {
		Type    string `json:"type"`
		Message *struct {
			Usage *claudeUsage `json:"usage"`
		} `json:"message"`
		Usage *claudeUsage `json:"usage"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil && event.Message.Usage != nil {
			got := event.Message.Usage.metrics()
			m.InputTokens = got.InputTokens
			m.CacheCreationInputTokens = got.CacheCreationInputTokens
			m.CacheReadInputTokens = got.CacheReadInputTokens
			if got.CacheTTL != "" {
				m.CacheTTL = got.CacheTTL
			}
			if got.OutputTokens > 0 {
				m.OutputTokens = got.OutputTokens
			}
		}
	case "message_delta":
		if event.Usage != nil {
			// output_tokens is cumulative; the final delta wins.
			if event.Usage.OutputTokens > 0 {
				m.OutputTokens = event.Usage.OutputTokens
			}
		}
	}
}

// StructuredError recognizes the {"type":"error","error":{...}} document.
func (claudeAdapter) StructuredError(body []byte) (string, bool) {
	var doc struct {
		Type  string `json:"type"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Error == nil || doc.Error.Message == "" {
		return "", false
	}
	if doc.Type != "" && doc.Type != "error" {
		return "", false
	}
	return doc.Error.Message, true
}

// InjectUserID sets metadata.user_id, preserving every other request field.
func (claudeAdapter) InjectUserID(body []byte, userID string) ([]byte, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, false
	}

	meta := map[string]json.RawMessage{}
	if raw, ok := doc["metadata"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			meta = map[string]json.RawMessage{}
		}
	}
	idRaw, err := json.Marshal(userID)
	if err != nil {
		return body, false
	}
	meta["user_id"] = idRaw

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return body, false
	}
	doc["metadata"] = metaRaw

	out, err := json.Marshal(doc)
	if err != nil {
		return body, false
	}
	return out, true
}

// ClaudeRequest is the subset of an inbound Messages request the router
// needs.
type ClaudeRequest struct {
	Model  string
	Stream bool
	// MetadataUserID is the client-supplied metadata.user_id, used both
	// as a session-id fallback and as the supplied pool identity.
	MetadataUserID string
}

// ParseClaudeRequest extracts routing fields from an inbound request body.
func ParseClaudeRequest(body []byte) (ClaudeRequest, error) {
	var doc struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Metadata *struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ClaudeRequest{}, err
	}
	req := ClaudeRequest{Model: doc.Model, Stream: doc.Stream}
	if doc.Metadata != nil {
		req.MetadataUserID = doc.Metadata.UserID
	}
	return req, nil
}
