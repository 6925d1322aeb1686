package httputil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestBodyWithinLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
	body, err := ReadRequestBody(req, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadRequestBodyOverLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello world"))
	body, err := ReadRequestBody(req, 5)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Len(t, body, 5)
}

func TestReadRequestBodyZeroMaxUsesDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
	body, err := ReadRequestBody(req, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

type closeTrackingBody struct {
	io.Reader
	closed bool
}

func (b *closeTrackingBody) Close() error {
	b.closed = true
	return nil
}

func TestReadUpstreamBodyClosesBody(t *testing.T) {
	rc := &closeTrackingBody{Reader: strings.NewReader(`{"ok":true}`)}
	resp := &http.Response{Body: rc}

	body, err := ReadUpstreamBody(resp, MaxErrorBodyBytes)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.True(t, rc.closed)
}
