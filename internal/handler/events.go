package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/middleware"
	"github.com/ComUnity/attribution-pixel/internal/models"
	"github.com/ComUnity/attribution-pixel/internal/service"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

const defaultMaxBodyBytes = 1 << 20

// Ingester is satisfied by *service.IngestService.
type Ingester interface {
	Ingest(ctx context.Context, req service.IngestRequest) (service.IngestResult, error)
}

// EventsHandler serves the collector path. Beacon bodies arrive as
// text/plain, fetch bodies as application/json; both carry a Batch.
type EventsHandler struct {
	svc          Ingester
	maxBodyBytes int64
	now          func() time.Time
}

func NewEventsHandler(svc Ingester, maxBodyBytes int64) *EventsHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &EventsHandler{svc: svc, maxBodyBytes: maxBodyBytes, now: time.Now}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "application/json" && mt != "text/plain") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json or text/plain")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "unable to read body")
		return
	}

	var batch models.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Unknown addresses travel as "" so forwarders omit them.
	var clientIP string
	if ip := middleware.ClientIPFromRequest(r); ip != nil && !ip.IsUnspecified() {
		clientIP = ip.String()
	}
	res, err := h.svc.Ingest(r.Context(), service.IngestRequest{
		Events:     batch.Events,
		ClientIP:   clientIP,
		UserAgent:  r.UserAgent(),
		ReceivedAt: h.now().UTC(),
	})
	switch {
	case errors.Is(err, service.ErrEmptyBatch):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, service.ErrBatchTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		// 5xx makes the pixel keep the batch and retry it.
		logger.Error("ingest failed: %v", err)
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily unable to store events")
		return
	}

	if res.Rejected > 0 {
		logger.Debug("ingest: %d of %d events rejected", res.Rejected, len(batch.Events))
	}
	writeJSON(w, http.StatusAccepted, res)
}
