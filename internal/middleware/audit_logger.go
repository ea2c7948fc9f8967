package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mssola/useragent"

	"github.com/ComUnity/attribution-pixel/internal/telemetry"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

// Publisher is the minimal interface the audit middleware needs.
type Publisher interface {
	Publish(ev telemetry.RequestAuditEvent)
}

// RequestAuditMW logs one privacy-preserving record per request. Client IP
// and user agent are only ever emitted as peppered hashes.
type RequestAuditMW struct {
	Shipper Publisher
	Pepper  []byte
}

func NewRequestAuditMW(shipper Publisher, pepper []byte) *RequestAuditMW {
	return &RequestAuditMW{Shipper: shipper, Pepper: pepper}
}

func (m *RequestAuditMW) Handler(next http.Handler) http.Handler {
	log := logger.Named("audit")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		rawUA := sanitizeHeader(r.UserAgent(), 1024)
		ua := useragent.New(rawUA)
		browser, _ := ua.Browser()
		ev := telemetry.RequestAuditEvent{
			Timestamp:  start.UTC(),
			RequestID:  middleware.GetReqID(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     ww.status,
			DurationMs: time.Since(start).Milliseconds(),
			Bytes:      ww.bytes,
			IPHash:     scopedHash("ip:", ClientIPFromRequest(r).String(), m.Pepper),
			UAHash:     scopedHash("ua:", rawUA, m.Pepper),
			Browser:    browser,
			OS:         ua.OSInfo().Name,
			Mobile:     ua.Mobile(),
			Bot:        ua.Bot(),
			Origin:     sanitizeHeader(r.Header.Get("Origin"), 256),
		}

		log.Infow("request_audit",
			"request_id", ev.RequestID,
			"path", ev.Path,
			"method", ev.Method,
			"status", ev.Status,
			"latency_ms", ev.DurationMs,
			"ip_hash", ev.IPHash,
			"browser", ev.Browser,
		)
		if m.Shipper != nil {
			m.Shipper.Publish(ev)
		}
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *wrapWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
