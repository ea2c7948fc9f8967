package pixel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func humanSignals() BrowserSignals {
	return BrowserSignals{
		UserAgent:        chromeUA,
		PluginCount:      3,
		ScreenWidth:      1920,
		ScreenHeight:     1080,
		OuterWidth:       1920,
		OuterHeight:      1040,
		HasChromeRuntime: true,
		Language:         "en-US",
		Timezone:         "Europe/Berlin",
	}
}

type fakeJar struct {
	mu      sync.Mutex
	cookies map[string]string
}

func newFakeJar() *fakeJar {
	return &fakeJar{cookies: make(map[string]string)}
}

func (j *fakeJar) Cookie(name string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cookies[name], nil
}

func (j *fakeJar) SetCookie(name, value string, maxAge time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if maxAge < 0 {
		delete(j.cookies, name)
		return nil
	}
	j.cookies[name] = value
	return nil
}

type fakeHost struct {
	page    Page
	browser BrowserSignals
	jar     CookieJar
}

func newFakeHost(pageURL string) *fakeHost {
	return &fakeHost{
		page:    Page{URL: pageURL, Title: "Shop"},
		browser: humanSignals(),
		jar:     newFakeJar(),
	}
}

func (h *fakeHost) Page() Page               { return h.page }
func (h *fakeHost) Browser() BrowserSignals { return h.browser }
func (h *fakeHost) Cookies() CookieJar      { return h.jar }

var errBroken = errors.New("storage disabled")

// brokenStore raises on every call, like storage in a locked-down browser.
type brokenStore struct{}

func (brokenStore) Get(string) (string, bool, error) { return "", false, errBroken }
func (brokenStore) Set(string, string) error         { return errBroken }
func (brokenStore) Remove(string) error              { return errBroken }

// recordingSender captures every attempted batch and fails the first
// failures attempts.
type recordingSender struct {
	mu       sync.Mutex
	failures int
	attempts [][]models.TrackingEvent
}

func (s *recordingSender) Send(_ context.Context, events []models.TrackingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, append([]models.TrackingEvent(nil), events...))
	if s.failures > 0 {
		s.failures--
		return errors.New("network down")
	}
	return nil
}

func (s *recordingSender) Attempts() [][]models.TrackingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]models.TrackingEvent(nil), s.attempts...)
}

func (s *recordingSender) Delivered() []models.TrackingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attempts) == 0 {
		return nil
	}
	return s.attempts[len(s.attempts)-1]
}

type fakeBeacon struct {
	mu     sync.Mutex
	accept bool
	sent   [][]byte
}

func (b *fakeBeacon) SendBeacon(_, _ string, body []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.accept {
		return false
	}
	b.sent = append(b.sent, body)
	return true
}

func (b *fakeBeacon) Sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

func eventNames(events []models.TrackingEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventName
	}
	return out
}
