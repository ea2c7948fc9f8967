package pixel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

// DefaultCollectorPath is where batches are POSTed.
const DefaultCollectorPath = "/api/v1/events"

const defaultTransportTimeout = 10 * time.Second

// Beacon is a non-blocking, unload-safe send primitive. It reports only
// whether the payload was queued for delivery, never the outcome.
type Beacon interface {
	SendBeacon(url, contentType string, body []byte) bool
}

// DeliveryError is a non-2xx collector response.
type DeliveryError struct {
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("collector responded %d", e.StatusCode)
}

// Transport tries the beacon first and falls back to a keep-alive POST that
// carries the jar's credentials.
type Transport struct {
	endpoint string
	beacon   Beacon
	client   *http.Client
}

// NewTransport targets endpoint. beacon may be nil when the host has none;
// client nil gets a default client with a cookie jar.
func NewTransport(endpoint string, beacon Beacon, client *http.Client) *Transport {
	if client == nil {
		jar, _ := cookiejar.New(nil)
		client = &http.Client{Timeout: defaultTransportTimeout, Jar: jar}
	}
	return &Transport{endpoint: endpoint, beacon: beacon, client: client}
}

// Send implements Sender.
func (t *Transport) Send(ctx context.Context, events []models.TrackingEvent) error {
	body, err := json.Marshal(models.Batch{Events: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if t.SendBeacon(body) {
		return nil
	}
	return t.post(ctx, body)
}

// SendBeacon hands body to the beacon only; false when there is no beacon or
// it refused the payload.
func (t *Transport) SendBeacon(body []byte) bool {
	if t.beacon == nil {
		return false
	}
	return t.beacon.SendBeacon(t.endpoint, "application/json", body)
}

func (t *Transport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{StatusCode: resp.StatusCode}
	}
	return nil
}
