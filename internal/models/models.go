package models

import (
	"time"
)

// Standard event names.
const (
	EventPageView             = "PageView"
	EventViewContent          = "ViewContent"
	EventAddToCart            = "AddToCart"
	EventInitiateCheckout     = "InitiateCheckout"
	EventPurchase             = "Purchase"
	EventLead                 = "Lead"
	EventCompleteRegistration = "CompleteRegistration"
	EventSearch               = "Search"
	EventSubscribe            = "Subscribe"
	EventSessionReplay        = "SessionReplay"
)

// conversionEvents are delivered immediately by the pixel and forwarded to the
// ad platform by the collector.
var conversionEvents = map[string]struct{}{
	EventPurchase:             {},
	EventLead:                 {},
	EventCompleteRegistration: {},
	EventSubscribe:            {},
}

// IsConversion reports whether name belongs to the conversion-class allowlist.
func IsConversion(name string) bool {
	_, ok := conversionEvents[name]
	return ok
}

// Fingerprint is the cached device identity.
type Fingerprint struct {
	ID         string    `json:"id"`
	Components []string  `json:"components"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Session lives for one browsing context.
type Session struct {
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// FraudAssessment is recomputed per event and never persisted.
type FraudAssessment struct {
	Score   int      `json:"score"`
	Signals []string `json:"signals"`
	IsBot   bool     `json:"isBot"`
}

// TrackingEvent is the collector wire record.
type TrackingEvent struct {
	AccountID     string            `json:"accountId"`
	EventName     string            `json:"eventName"`
	EventID       string            `json:"eventId"`
	Timestamp     time.Time         `json:"timestamp"`
	FingerprintID string            `json:"fingerprintId"`
	SessionID     string            `json:"sessionId"`
	PageURL       string            `json:"pageUrl"`
	PagePath      string            `json:"pagePath"`
	PageTitle     string            `json:"pageTitle"`
	Referrer      string            `json:"referrer"`
	FraudScore    int               `json:"fraudScore"`
	FraudSignals  []string          `json:"fraudSignals"`
	ClickIDs      map[string]string `json:"clickIds"`
	UTMParams     map[string]string `json:"utmParams"`
	DeviceInfo    map[string]string `json:"deviceInfo"`
	CustomPayload map[string]any    `json:"customPayload"`
	UserData      map[string]string `json:"userData,omitempty"`
}

// Batch is the body POSTed to the collector.
type Batch struct {
	Events []TrackingEvent `json:"events"`
}

// StoredEvent is a TrackingEvent as persisted by the collector.
type StoredEvent struct {
	TrackingEvent
	ID         string    `json:"id"`
	ClientIP   string    `json:"clientIp"`
	UserAgent  string    `json:"userAgent"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ConversionSubmission is one record in the ad platform's data array.
type ConversionSubmission struct {
	EventName      string         `json:"event_name"`
	EventID        string         `json:"event_id"`
	EventTime      int64          `json:"event_time"`
	EventSourceURL string         `json:"event_source_url,omitempty"`
	ActionSource   string         `json:"action_source"`
	UserData       map[string]any `json:"user_data"`
	CustomData     map[string]any `json:"custom_data,omitempty"`
}
