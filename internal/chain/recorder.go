package chain

import (
	"context"
	"log/slog"

	json "github.com/goccy/go-json"
)

// Recorder receives the per-request attempt audit trail. The first item
// carries the decision context; implementations may ship the records to an
// external timeline store.
type Recorder interface {
	Record(ctx context.Context, requestID string, items []Item)
}

// LogRecorder writes audit trails to the structured log. It is the default
// sink when no external timeline is configured.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a slog-backed recorder.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, requestID string, items []Item) {
	if len(items) == 0 {
		return
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		r.logger.Warn("encode chain audit", "request_id", requestID, "error", err)
		return
	}
	r.logger.Info("provider chain",
		"request_id", requestID,
		"attempts", len(items),
		"chain", string(encoded),
	)
}
