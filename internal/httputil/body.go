// Package httputil bounds the byte volume the relay buffers for client
// request bodies and upstream response bodies.
package httputil

import (
	"errors"
	"io"
	"net/http"
)

const (
	// DefaultMaxRequestBytes caps inbound completion requests when the
	// server configuration sets no limit of its own.
	DefaultMaxRequestBytes int64 = 32 << 20

	// MaxUpstreamBodyBytes caps buffered upstream success bodies.
	// Streams bypass buffering entirely.
	MaxUpstreamBodyBytes int64 = 32 << 20

	// MaxErrorBodyBytes caps upstream error documents; anything past
	// this adds nothing to classification.
	MaxErrorBodyBytes int64 = 256 << 10
)

var ErrBodyTooLarge = errors.New("body too large")

// ReadRequestBody drains an inbound request body up to max bytes,
// returning ErrBodyTooLarge when exceeded. Non-positive max falls back to
// DefaultMaxRequestBytes.
func ReadRequestBody(r *http.Request, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxRequestBytes
	}
	return readCapped(r.Body, max)
}

// ReadUpstreamBody drains and closes an upstream response body, bounded
// by max bytes.
func ReadUpstreamBody(resp *http.Response, max int64) ([]byte, error) {
	defer resp.Body.Close()
	return readCapped(resp.Body, max)
}

func readCapped(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > max {
		return body[:int(max)], ErrBodyTooLarge
	}
	return body, nil
}
