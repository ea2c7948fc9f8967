package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ComUnity/attribution-pixel/internal/middleware"
)

const EventsPath = "/api/v1/events"

// RouterDeps collects what the collector routes need. Audit, Limiter and
// Metrics are optional.
type RouterDeps struct {
	Events         http.Handler
	Health         *HealthHandler
	ClientIP       middleware.ClientIPConfig
	Security       middleware.SecurityHeadersConfig
	AllowedOrigins []string
	Audit          *middleware.RequestAuditMW
	Limiter        *middleware.RateLimiter
	Metrics        prometheus.Gatherer
	RequestTimeout time.Duration
}

// NewRouter builds the collector's HTTP surface.
func NewRouter(d RouterDeps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.Recoverer,
		middleware.SecurityHeaders(d.Security),
		middleware.ClientIP(d.ClientIP),
	)
	if d.Audit != nil {
		r.Use(d.Audit.Handler)
	}

	if d.Health != nil {
		r.Get("/health", d.Health.ServeHTTP)
		r.Get("/ready", d.Health.ReadinessHandler)
		r.Get("/live", d.Health.LivenessHandler)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
	}
	if d.Limiter != nil {
		r.Get("/debug/ratelimit", d.Limiter.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.CORS(d.AllowedOrigins), chimw.Timeout(d.RequestTimeout))
		if d.Limiter != nil {
			r.Use(d.Limiter.Handler)
		}
		r.Method(http.MethodPost, EventsPath, d.Events)
		// Preflight is answered by CORS; this only gives chi a route to match.
		r.Options(EventsPath, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}
