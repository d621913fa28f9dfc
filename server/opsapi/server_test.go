package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/pkg/metrics"
)

func newTestServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, h http.Handler, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRejectsBadAllowedHosts(t *testing.T) {
	_, err := New(ServerOptions{AllowedHosts: []string{"not-an-ip"}})
	assert.Error(t, err)
}

func TestHealthReport(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	s.AddCheck("database", func(ctx context.Context) error { return nil })
	h := s.Handler()

	rec := get(t, h, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.True(t, report.Healthy)
	require.Len(t, report.Components, 1)
	assert.Equal(t, "database", report.Components[0].Name)

	s.AddCheck("s3", func(ctx context.Context) error { return errors.New("bucket missing") })
	rec = get(t, h, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.False(t, report.Healthy)
	require.Len(t, report.Components, 2)
	assert.Equal(t, "s3", report.Components[1].Name)
	assert.Equal(t, "bucket missing", report.Components[1].Error)
}

func TestComponentHealth(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	s.AddCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })
	h := s.Handler()

	rec := get(t, h, "/health/redis", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/health/nope", "").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health/live", "").Code)
}

func TestCheckTimeout(t *testing.T) {
	s := newTestServer(t, ServerOptions{CheckTimeout: 20 * time.Millisecond})
	s.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	report := s.Check(context.Background())
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Components[0].Error, "deadline")
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.ConnectionsCurrent.Set(0)
	s := newTestServer(t, ServerOptions{MetricsPath: "/prom"})
	h := s.Handler()

	rec := get(t, h, "/prom", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "listd_lmtp_connections_current"))
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics", "").Code)
}

func TestAllowedHosts(t *testing.T) {
	s := newTestServer(t, ServerOptions{AllowedHosts: []string{"10.1.0.0/16", "192.0.2.7"}})
	h := s.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/health/live", "10.1.2.3:5555").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health/live", "192.0.2.7:5555").Code)
	assert.Equal(t, http.StatusForbidden, get(t, h, "/health/live", "192.0.2.8:5555").Code)
}
