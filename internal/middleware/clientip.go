package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
)

type ctxKey int

const ctxClientIPKey ctxKey = iota + 1

// ClientIPConfig controls which proxy headers are honoured.
type ClientIPConfig struct {
	TrustedProxyIPHeaders []string
	TrustedProxyCIDRs     []string
}

// ClientIP resolves the caller's address once per request and stores it in
// the context for the handler, the rate limiter and the audit logger.
func ClientIP(cfg ClientIPConfig) func(http.Handler) http.Handler {
	trusted := mustParseCIDRs(cfg.TrustedProxyCIDRs)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, cfg.TrustedProxyIPHeaders, trusted)
			ctx := context.WithValue(r.Context(), ctxClientIPKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromRequest returns the address stored by ClientIP, falling back to
// RemoteAddr.
func ClientIPFromRequest(r *http.Request) net.IP {
	if ip, ok := r.Context().Value(ctxClientIPKey).(net.IP); ok && ip != nil {
		return ip
	}
	return remoteAddrIP(r.RemoteAddr)
}

func clientIP(r *http.Request, hdrs []string, trusted []*net.IPNet) net.IP {
	remoteIP := remoteAddrIP(r.RemoteAddr)

	if len(hdrs) == 0 {
		return remoteIP
	}

	// Trust proxy headers only if the immediate peer is trusted
	if !ipInCIDRs(remoteIP, trusted) {
		return remoteIP
	}

	for _, h := range hdrs {
		v := strings.TrimSpace(r.Header.Get(h))
		if v == "" {
			continue
		}
		if strings.EqualFold(h, "X-Forwarded-For") {
			// left-most parseable entry
			for _, part := range strings.Split(v, ",") {
				if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
					return ip
				}
			}
		} else if ip := net.ParseIP(v); ip != nil {
			return ip
		}
	}
	return remoteIP
}

func remoteAddrIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		if ip := net.ParseIP(remoteAddr); ip != nil {
			return ip
		}
		return net.IPv4zero
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}

func ipInCIDRs(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil || len(nets) == 0 {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	if len(cidrs) == 0 {
		return nil
	}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err == nil && n != nil {
			out = append(out, n)
		}
	}
	return out
}

// scopedHash is a peppered, domain-separated SHA-256 for values that must
// never be logged in the clear.
func scopedHash(scope string, data string, pepper []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	if len(pepper) > 0 {
		h.Write(pepper[:min(len(pepper), 64)])
	}
	h.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func sanitizeHeader(v string, maxLen int) string {
	v = strings.TrimSpace(v)
	if maxLen > 0 && len(v) > maxLen {
		v = v[:maxLen]
	}
	return strings.Map(func(r rune) rune {
		if r >= 32 && r != 127 {
			return r
		}
		return -1
	}, v)
}
