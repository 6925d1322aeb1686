package forward

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/modelrelay/modelrelay/internal/adapter"
	"github.com/modelrelay/modelrelay/internal/usage"
)

const (
	sseBufferSize = 4096
	sseDataPrefix = "data: "
	sseDone       = "[DONE]"
)

// bufferPool reuses scanner buffers across streams to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, sseBufferSize)
		return &buf
	},
}

// streamSSE forwards an upstream event stream to the client verbatim while
// folding usage events into the returned metrics. It stops when the stream
// ends or the client disconnects; metrics accumulated up to that point are
// returned either way so partial usage can still be accounted.
func streamSSE(ctx context.Context, w http.ResponseWriter, upstream io.ReadCloser, a adapter.Adapter) (usage.Metrics, error) {
	defer upstream.Close()

	var m usage.Metrics

	flusher, ok := w.(http.Flusher)
	if !ok {
		return m, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(upstream)
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)
	scanner.Buffer(*buf, sseBufferSize*256)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return m, ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if data, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte(sseDataPrefix)); ok {
			if !bytes.Equal(data, []byte(sseDone)) {
				a.ParseStreamEvent(data, &m)
			}
		}

		if _, err := w.Write(line); err != nil {
			return m, err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return m, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			flusher.Flush()
		}
	}
	flusher.Flush()

	if err := scanner.Err(); err != nil {
		return m, fmt.Errorf("stream read: %w", err)
	}
	return m, nil
}
