package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/attribution-pixel/internal/telemetry"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
})

func TestClientIP_TrustedProxyOnly(t *testing.T) {
	cfg := ClientIPConfig{
		TrustedProxyIPHeaders: []string{"X-Forwarded-For"},
		TrustedProxyCIDRs:     []string{"10.0.0.0/8"},
	}
	var got net.IP
	h := ClientIP(cfg)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ClientIPFromRequest(r)
	}))

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"trusted proxy", "10.1.2.3:443", "203.0.113.5, 10.1.2.3", "203.0.113.5"},
		{"untrusted peer", "198.51.100.9:443", "203.0.113.5", "198.51.100.9"},
		{"no header", "10.1.2.3:443", "", "10.1.2.3"},
		{"garbage header", "10.1.2.3:443", "nope", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestClientIPFromRequest_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", ClientIPFromRequest(r).String())
}

func TestRateLimiter_MemoryBucket(t *testing.T) {
	rl := NewRateLimiter(LimiterConfig{RatePerInterval: 2, Interval: time.Minute})
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }
	h := rl.Handler(okHandler)

	do := func(remote string) int {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
		r.RemoteAddr = remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("192.0.2.1:1"))
	assert.Equal(t, http.StatusOK, do("192.0.2.1:2"))
	assert.Equal(t, http.StatusTooManyRequests, do("192.0.2.1:3"))
	assert.Equal(t, http.StatusOK, do("192.0.2.2:1"), "buckets are per client")

	now = now.Add(30 * time.Second)
	assert.Equal(t, http.StatusOK, do("192.0.2.1:4"), "one token refilled")
}

func TestRateLimiter_RouteOverride(t *testing.T) {
	rl := NewRateLimiter(LimiterConfig{
		RatePerInterval: 100,
		Interval:        time.Minute,
		RouteLimits:     []RouteLimit{{PathPrefix: "/api/v1/events", Burst: 1, RatePerInterval: 1}},
	})
	rate, _, burst, cost := rl.limitsFor("/api/v1/events")
	assert.Equal(t, 1, rate)
	assert.Equal(t, 1, burst)
	assert.Equal(t, 1, cost)

	rate, _, burst, _ = rl.limitsFor("/health")
	assert.Equal(t, 100, rate)
	assert.Equal(t, 100, burst)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []telemetry.RequestAuditEvent
}

func (p *capturePublisher) Publish(ev telemetry.RequestAuditEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestRequestAudit_HashesIdentity(t *testing.T) {
	pub := &capturePublisher{}
	mw := NewRequestAuditMW(pub, []byte("0123456789abcdef"))
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":1}`))
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	r.RemoteAddr = "203.0.113.77:5555"
	r.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	h.ServeHTTP(httptest.NewRecorder(), r)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, http.StatusAccepted, ev.Status)
	assert.Equal(t, 14, ev.Bytes)
	assert.Equal(t, "Chrome", ev.Browser)
	assert.False(t, ev.Bot)
	assert.NotEmpty(t, ev.IPHash)
	assert.NotContains(t, ev.IPHash, "203.0.113.77")
	assert.Equal(t, scopedHash("ip:", "203.0.113.77", []byte("0123456789abcdef")), ev.IPHash)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://shop.example.com/"})(okHandler)

	t.Run("allowed origin reflected with credentials", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
		r.Header.Set("Origin", "https://shop.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, "https://shop.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
		r.Header.Set("Origin", "https://shop.example.com")
		r.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("unknown origin gets no grant", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
		r.Header.Set("Origin", "https://evil.example.net")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("empty allowlist allows any", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
		r.Header.Set("Origin", "https://anywhere.example.org")
		w := httptest.NewRecorder()
		CORS(nil)(okHandler).ServeHTTP(w, r)
		assert.Equal(t, "https://anywhere.example.org", w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	mw := SecurityHeaders(SecurityHeadersConfig{HSTSMaxAge: 31536000, IncludeSubdomains: true, TrustProxyHeader: true})
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "max-age=31536000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
}
