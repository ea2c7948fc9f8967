package telemetry

import (
	"time"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

// EventRecord is the stream representation of an accepted tracking event.
// Client IP is never shipped; downstream consumers key on fingerprint id.
type EventRecord struct {
	Timestamp     time.Time         `json:"@timestamp"`
	ID            string            `json:"id"`
	AccountID     string            `json:"account_id"`
	EventName     string            `json:"event_name"`
	EventID       string            `json:"event_id"`
	FingerprintID string            `json:"fingerprint_id"`
	SessionID     string            `json:"session_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	PageURL       string            `json:"page_url,omitempty"`
	Referrer      string            `json:"referrer,omitempty"`
	FraudScore    int               `json:"fraud_score"`
	FraudSignals  []string          `json:"fraud_signals,omitempty"`
	ClickIDs      map[string]string `json:"click_ids,omitempty"`
	UTMParams     map[string]string `json:"utm_params,omitempty"`
	DeviceInfo    map[string]string `json:"device_info,omitempty"`
	Conversion    bool              `json:"conversion"`
}

// NewEventRecord projects a stored event onto the stream schema.
func NewEventRecord(ev models.StoredEvent) EventRecord {
	return EventRecord{
		Timestamp:     ev.ReceivedAt.UTC(),
		ID:            ev.ID,
		AccountID:     ev.AccountID,
		EventName:     ev.EventName,
		EventID:       ev.EventID,
		FingerprintID: ev.FingerprintID,
		SessionID:     ev.SessionID,
		OccurredAt:    ev.Timestamp.UTC(),
		PageURL:       ev.PageURL,
		Referrer:      ev.Referrer,
		FraudScore:    ev.FraudScore,
		FraudSignals:  ev.FraudSignals,
		ClickIDs:      ev.ClickIDs,
		UTMParams:     ev.UTMParams,
		DeviceInfo:    ev.DeviceInfo,
		Conversion:    models.IsConversion(ev.EventName),
	}
}

// RequestAuditEvent describes one collector request.
type RequestAuditEvent struct {
	Timestamp  time.Time `json:"@timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Bytes      int       `json:"bytes"`
	IPHash     string    `json:"ip_hash,omitempty"`
	UAHash     string    `json:"ua_hash,omitempty"`
	Browser    string    `json:"browser,omitempty"`
	OS         string    `json:"os,omitempty"`
	Mobile     bool      `json:"mobile,omitempty"`
	Bot        bool      `json:"bot,omitempty"`
	Origin     string    `json:"origin,omitempty"`
}
