package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/attribution-pixel/internal/config"
	"github.com/ComUnity/attribution-pixel/internal/metrics"
	"github.com/ComUnity/attribution-pixel/internal/middleware"
	"github.com/ComUnity/attribution-pixel/internal/service"
)

type fakeIngester struct {
	mu   sync.Mutex
	reqs []service.IngestRequest
	res  service.IngestResult
	err  error
}

func (f *fakeIngester) Ingest(_ context.Context, req service.IngestRequest) (service.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

const oneEvent = `{"events":[{"accountId":"acct","eventName":"PageView","eventId":"e1"}]}`

func postEvents(h http.Handler, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, EventsPath, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEventsHandlerAccepts(t *testing.T) {
	ing := &fakeIngester{res: service.IngestResult{Accepted: 1}}
	h := NewEventsHandler(ing, 0)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	for _, ct := range []string{"application/json", "text/plain;charset=UTF-8", ""} {
		rec := postEvents(h, ct, oneEvent)
		assert.Equal(t, http.StatusAccepted, rec.Code, ct)

		var res service.IngestResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.Equal(t, 1, res.Accepted)
	}

	require.Len(t, ing.reqs, 3)
	got := ing.reqs[0]
	require.Len(t, got.Events, 1)
	assert.Equal(t, "e1", got.Events[0].EventID)
	assert.Equal(t, "192.0.2.1", got.ClientIP)
	assert.Equal(t, "test-agent", got.UserAgent)
	assert.Equal(t, fixed, got.ReceivedAt)
}

func TestEventsHandlerUnknownClientIP(t *testing.T) {
	ing := &fakeIngester{res: service.IngestResult{Accepted: 1}}
	h := NewEventsHandler(ing, 0)

	for _, addr := range []string{"bogus", "", "not-an-ip:443"} {
		req := httptest.NewRequest(http.MethodPost, EventsPath, strings.NewReader(oneEvent))
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code, addr)
	}

	require.Len(t, ing.reqs, 3)
	for _, req := range ing.reqs {
		assert.Empty(t, req.ClientIP)
	}
}

func TestEventsHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		ct     string
		body   string
		err    error
		status int
	}{
		{"bad json", "application/json", "{", nil, http.StatusBadRequest},
		{"unsupported type", "application/xml", oneEvent, nil, http.StatusUnsupportedMediaType},
		{"empty batch", "application/json", `{"events":[]}`, service.ErrEmptyBatch, http.StatusBadRequest},
		{"too many events", "application/json", oneEvent, service.ErrBatchTooLarge, http.StatusRequestEntityTooLarge},
		{"store down", "application/json", oneEvent, errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewEventsHandler(&fakeIngester{err: tt.err}, 0)
			rec := postEvents(h, tt.ct, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestEventsHandlerBodyLimit(t *testing.T) {
	ing := &fakeIngester{}
	h := NewEventsHandler(ing, 16)
	rec := postEvents(h, "application/json", oneEvent)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, ing.reqs)
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubRedis struct{ err error }

func (s stubRedis) HealthCheck(context.Context) error { return s.err }
func (s stubRedis) CircuitBreakerState() string       { return "closed" }

func testConfig() *config.Config {
	return &config.Config{
		Env:    "test",
		Server: config.ServerConfig{Port: 8080},
		Accounts: []config.AccountConfig{
			{ID: "acct", PixelID: "px", AccessToken: "token"},
		},
	}
}

func healthStatus(t *testing.T, h *HealthHandler) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHealthHandler(testConfig(), "v1",
			&DatabaseHealthChecker{DB: stubPinger{}, Driver: "memory"},
			&RedisHealthChecker{Client: stubRedis{}},
		)
		code, resp := healthStatus(t, h)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, HealthStatusHealthy, resp.Status)
		assert.Equal(t, 3, resp.Summary.TotalChecks)
		assert.Equal(t, "v1", resp.Version)
	})

	t.Run("redis down degrades", func(t *testing.T) {
		h := NewHealthHandler(testConfig(), "v1",
			&DatabaseHealthChecker{DB: stubPinger{}},
			&RedisHealthChecker{Client: stubRedis{err: errors.New("dial tcp: refused")}},
		)
		code, resp := healthStatus(t, h)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, HealthStatusDegraded, resp.Status)
		assert.Equal(t, 1, resp.Summary.DegradedChecks)
	})

	t.Run("database down", func(t *testing.T) {
		h := NewHealthHandler(testConfig(), "v1",
			&DatabaseHealthChecker{DB: stubPinger{err: errors.New("gone")}},
		)
		code, resp := healthStatus(t, h)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, HealthStatusUnhealthy, resp.Status)

		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("unresolved token", func(t *testing.T) {
		cfg := testConfig()
		cfg.Accounts[0].AccessToken = "ssm:/pixel/token"
		_, resp := healthStatus(t, NewHealthHandler(cfg, "v1"))
		assert.Equal(t, HealthStatusDegraded, resp.Status)
	})
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Received("PageView")

	ing := &fakeIngester{res: service.IngestResult{Accepted: 1}}
	r := NewRouter(RouterDeps{
		Events:         NewEventsHandler(ing, 0),
		Health:         NewHealthHandler(testConfig(), "v1", &DatabaseHealthChecker{DB: stubPinger{}}),
		AllowedOrigins: []string{"https://shop.example"},
		Limiter:        middleware.NewRateLimiter(middleware.LimiterConfig{RatePerInterval: 1, Interval: time.Hour}),
		Metrics:        reg,
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, EventsPath, nil)
		req.Header.Set("Origin", "https://shop.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("post then rate limited", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, EventsPath, strings.NewReader(oneEvent))
		req.Header.Set("Origin", "https://shop.example")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, EventsPath, strings.NewReader(oneEvent)))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "pixel_events_received_total")
	})

	t.Run("limiter stats", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/ratelimit", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"mode":"memory"`)
	})

	t.Run("live", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
