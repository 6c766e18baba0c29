package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streams(s ...StreamHealth) Provider {
	return ProviderFunc(func() []StreamHealth { return s })
}

func TestChecker_Aggregates(t *testing.T) {
	t.Parallel()

	h := NewChecker("run-1", nil)
	assert.Equal(t, StatusDegraded, h.Check())

	h.Register(streams(StreamHealth{Name: "shop.users", State: "TAILING", Status: StatusOK}))
	assert.Equal(t, StatusOK, h.Check())

	h.Register(streams(StreamHealth{Name: "shop.orders", State: "DUMPING", Status: StatusDegraded}))
	assert.Equal(t, StatusDegraded, h.Check())

	h.Register(streams(StreamHealth{Name: "rs0", State: "ERRORED", Status: StatusUnhealthy, Error: "boom"}))
	report := h.GetReport()
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "run-1", report.RunID)
	require.Len(t, report.Streams, 3)
	assert.Equal(t, "rs0", report.Streams[0].Name)
}

func TestChecker_ServeHTTP(t *testing.T) {
	t.Parallel()

	h := NewChecker("", nil)
	h.Register(streams(StreamHealth{Name: "shop.users", Status: StatusOK, Processed: 7}))

	rec := httptest.NewRecorder()
	h.Handler("/health", "/metrics").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, int64(7), report.Streams[0].Processed)

	h.Register(streams(StreamHealth{Name: "x", Status: StatusUnhealthy}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChecker_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := NewChecker("", nil)
	rec := httptest.NewRecorder()
	h.Handler("/health", "/metrics").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStartServer_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartServer(ctx, addr, "/health", "/metrics", NewChecker("", nil)) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
