package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityHeadersConfig controls the response headers added to every
// collector response. HSTS is only sent on HTTPS.
type SecurityHeadersConfig struct {
	HSTSMaxAge        int // seconds; 0 disables HSTS
	IncludeSubdomains bool
	TrustProxyHeader  bool // honor X-Forwarded-Proto
}

// SecurityHeaders never redirects HTTP to HTTPS: browsers drop the body of a
// redirected beacon.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	hsts := ""
	if cfg.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge)
		if cfg.IncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			if hsts != "" && isHTTPS(r, cfg.TrustProxyHeader) {
				h.Set("Strict-Transport-Security", hsts)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isHTTPS(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	if trustProxy {
		return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	}
	return false
}
