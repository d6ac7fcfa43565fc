package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := NewServer(Config{}, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	server := NewServer(Config{}, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzAllHealthy(t *testing.T) {
	t.Parallel()

	checks := map[string]Pinger{
		"redis":    PingFunc(func(context.Context) error { return nil }),
		"postgres": PingFunc(func(context.Context) error { return nil }),
	}
	server := NewServer(Config{}, checks, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestServer_ReadyzReportsFailures(t *testing.T) {
	t.Parallel()

	checks := map[string]Pinger{
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
		"postgres": PingFunc(func(context.Context) error { return nil }),
	}
	server := NewServer(Config{}, checks, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"unavailable","failures":{"redis":"connection refused"}}`, rec.Body.String())
}

func TestServer_ReadyzHonoursTimeout(t *testing.T) {
	t.Parallel()

	checks := map[string]Pinger{
		"slow": PingFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}
	server := NewServer(Config{ReadyTimeout: 20 * time.Millisecond}, checks, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "deadline exceeded")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := NewServer(Config{}, nil, zap.NewNop())
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RunServesUntilCancelled(t *testing.T) {
	t.Parallel()

	server := NewServer(Config{Port: 0}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	var port int
	select {
	case a := <-server.Started():
		port = a.(*net.TCPAddr).Port
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "ok")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
