package pixel

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

const (
	// MaxBeaconPayload matches the common browser limit for a queued beacon.
	MaxBeaconPayload  = 64 << 10
	defaultBeaconSize = 256
	beaconDrain       = 2 * time.Second
)

type beaconPayload struct {
	url         string
	contentType string
	body        []byte
}

// AsyncBeacon is a Beacon for non-browser hosts: payloads go into a bounded
// channel drained by one goroutine. SendBeacon never blocks.
type AsyncBeacon struct {
	client *http.Client
	ch     chan beaconPayload
	done   chan struct{}
	log    *zap.SugaredLogger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsyncBeacon starts the drain goroutine. size <= 0 uses 256.
func NewAsyncBeacon(client *http.Client, size int) *AsyncBeacon {
	if client == nil {
		client = &http.Client{Timeout: defaultTransportTimeout}
	}
	if size <= 0 {
		size = defaultBeaconSize
	}
	b := &AsyncBeacon{
		client: client,
		ch:     make(chan beaconPayload, size),
		done:   make(chan struct{}),
		log:    logger.Named("beacon"),
	}
	go b.drain()
	return b
}

// SendBeacon queues the payload; false when it is too large, the buffer is
// full or the beacon is closed.
func (b *AsyncBeacon) SendBeacon(url, contentType string, body []byte) bool {
	if len(body) > MaxBeaconPayload {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- beaconPayload{url: url, contentType: contentType, body: body}:
		return true
	default:
		return false
	}
}

// Close stops accepting payloads and drains what is queued, bounded in time.
func (b *AsyncBeacon) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
		select {
		case <-b.done:
		case <-time.After(beaconDrain):
			b.log.Warn("beacon drain timed out")
		}
	})
}

func (b *AsyncBeacon) drain() {
	defer close(b.done)
	for p := range b.ch {
		resp, err := b.client.Post(p.url, p.contentType, bytes.NewReader(p.body))
		if err != nil {
			b.log.Debugf("beacon delivery failed: %v", err)
			continue
		}
		resp.Body.Close()
	}
}
