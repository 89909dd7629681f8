package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ctxkeys"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const rawCall = `{"tool":"bash","args":{"command":"git status"}}`

func TestUpstream_ForwardsBodyAndReturnsVerbatim(t *testing.T) {
	var gotBody string
	var gotMethod, gotCT string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotMethod, gotCT = string(b), r.Method, r.Header.Get("Content-Type")
		w.Header().Set("X-Custom-Response", "hello")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"result":"ran"}`))
	}))
	defer backend.Close()

	var observed atomic.Int64
	u := NewUpstream(backend.URL, 5*time.Second, testLogger(),
		WithLatencyObserver(func(d time.Duration) { observed.Add(1) }))

	resp, err := u.Forward(context.Background(), []byte(rawCall), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.JSONEq(t, `{"result":"ran"}`, string(resp.Body))
	assert.Equal(t, "hello", resp.Header.Get("X-Custom-Response"))
	assert.Equal(t, rawCall, gotBody)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, int64(1), observed.Load())
}

func TestUpstream_HeaderFiltering(t *testing.T) {
	var received http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
	}))
	defer backend.Close()

	in := http.Header{}
	in.Set("Authorization", "Bearer abc")
	in.Set("X-Custom-Header", "custom-value")
	in.Set("X-Capability-Token", "cap_secret")
	in.Set("X-Sentinel-Debug", "1")
	in.Set("Connection", "keep-alive")
	in.Set("Proxy-Authorization", "Basic xyz")

	ctx := ctxkeys.WithRequestMeta(context.Background(), ctxkeys.RequestMeta{RequestID: "req-1", RemoteAddr: "10.0.0.7:5555"})
	_, err := NewUpstream(backend.URL, time.Second, testLogger()).Forward(ctx, []byte(rawCall), in)
	require.NoError(t, err)

	assert.Equal(t, "Bearer abc", received.Get("Authorization"))
	assert.Equal(t, "custom-value", received.Get("X-Custom-Header"))
	assert.Empty(t, received.Get("X-Capability-Token"), "capability tokens never leave the proxy")
	assert.Empty(t, received.Get("X-Sentinel-Debug"))
	assert.Empty(t, received.Get("Proxy-Authorization"))
	assert.Equal(t, "req-1", received.Get("X-Request-ID"))
	assert.Equal(t, "10.0.0.7", received.Get("X-Forwarded-For"))
}

func TestUpstream_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
		status  int
	}{
		{"bad gateway", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }, true, 0},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }, true, 0},
		{"internal error is returned verbatim", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}, false, http.StatusInternalServerError},
		{"client error is returned verbatim", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) }, false, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := httptest.NewServer(tt.handler)
			defer backend.Close()

			resp, err := NewUpstream(backend.URL, time.Second, testLogger()).Forward(context.Background(), []byte(rawCall), nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUpstream))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
		})
	}
}

func TestUpstream_Down(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := backend.URL
	backend.Close()

	u := NewUpstream(url, time.Second, testLogger())
	_, err := u.Forward(context.Background(), []byte(rawCall), nil)
	require.ErrorIs(t, err, ErrUpstream)
	require.ErrorIs(t, u.Ping(context.Background()), ErrUpstream)
}

func TestUpstream_Timeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	_, err := NewUpstream(backend.URL, 50*time.Millisecond, testLogger()).Forward(context.Background(), []byte(rawCall), nil)
	require.ErrorIs(t, err, ErrUpstream)
}

func TestUpstream_OversizedResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", MaxResponseSize+1)))
	}))
	defer backend.Close()

	_, err := NewUpstream(backend.URL, 5*time.Second, testLogger()).Forward(context.Background(), []byte(rawCall), nil)
	require.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestCopyHeadersFiltered(t *testing.T) {
	src := http.Header{}
	src.Add("Accept", "application/json")
	src.Add("Accept", "text/plain")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Upgrade", "websocket")
	src.Set("x-sentinel-trace", "1")
	src.Set("Content-Length", "42")

	dst := http.Header{}
	CopyHeadersFiltered(dst, src)

	assert.Equal(t, []string{"application/json", "text/plain"}, dst.Values("Accept"))
	for _, h := range []string{"Keep-Alive", "Transfer-Encoding", "Upgrade", "X-Sentinel-Trace", "Content-Length"} {
		assert.Empty(t, dst.Get(h), h)
	}
}

func TestNewHTTPTransport(t *testing.T) {
	tr := NewHTTPTransport(0)
	assert.Equal(t, 30*time.Second, tr.ResponseHeaderTimeout)
	assert.Equal(t, 100, tr.MaxIdleConns)
	assert.Equal(t, 5*time.Second, NewHTTPTransport(5*time.Second).ResponseHeaderTimeout)
}
