package pixel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ComUnity/attribution-pixel/internal/models"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

var (
	// ErrMissingAccountID stops initialization; nothing is tracked.
	ErrMissingAccountID = errors.New("pixel: account id is required")
	// ErrClosed is returned by Track after Close.
	ErrClosed = errors.New("pixel: pipeline closed")
	// ErrEmptyEventName is returned by Track for a blank name.
	ErrEmptyEventName = errors.New("pixel: event name is required")
)

const (
	defaultStoragePrefix = "_px_"
	defaultClickIDTTL    = 90 * 24 * time.Hour
	defaultUTMTTL        = 30 * 24 * time.Hour
)

// Config is the installation surface of the pixel.
type Config struct {
	AccountID        string        `yaml:"account_id"`
	CollectorURL     string        `yaml:"collector_url"`
	CollectorPath    string        `yaml:"collector_path"`
	Debug            bool          `yaml:"debug"`
	SessionReplay    bool          `yaml:"session_replay"`
	Debounce         time.Duration `yaml:"debounce"`
	Fraud            FraudPolicy   `yaml:"fraud"`
	StoragePrefix    string        `yaml:"storage_prefix"`
	ClickIDTTL       time.Duration `yaml:"click_id_ttl"`
	UTMTTL           time.Duration `yaml:"utm_ttl"`
	ReplayCapacity   int           `yaml:"replay_capacity"`
	MaxFlushAttempts int           `yaml:"max_flush_attempts"`
}

func (c *Config) applyDefaults() {
	if c.CollectorPath == "" {
		c.CollectorPath = DefaultCollectorPath
	}
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	if c.StoragePrefix == "" {
		c.StoragePrefix = defaultStoragePrefix
	}
	if c.ClickIDTTL <= 0 {
		c.ClickIDTTL = defaultClickIDTTL
	}
	if c.UTMTTL <= 0 {
		c.UTMTTL = defaultUTMTTL
	}
	if c.ReplayCapacity <= 0 {
		c.ReplayCapacity = defaultReplayCapacity
	}
}

// Endpoint is the absolute collector URL.
func (c Config) Endpoint() string {
	return strings.TrimRight(c.CollectorURL, "/") + c.CollectorPath
}

type options struct {
	stores     []Store
	beacon     Beacon
	httpClient *http.Client
	probes     []Probe
	navigation NavigationObserver
	now        func() time.Time
	sender     Sender
}

// Option customizes a Pipeline.
type Option func(*options)

// WithStores replaces the storage fallback chain. Order is significant.
func WithStores(stores ...Store) Option {
	return func(o *options) { o.stores = stores }
}

func WithBeacon(b Beacon) Option {
	return func(o *options) { o.beacon = b }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithProbes sets the fingerprint probes.
func WithProbes(probes ...Probe) Option {
	return func(o *options) { o.probes = probes }
}

func WithNavigation(n NavigationObserver) Option {
	return func(o *options) { o.navigation = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSender bypasses the beacon/HTTP transport entirely.
func WithSender(s Sender) Option {
	return func(o *options) { o.sender = s }
}

// Pipeline is the tracking pipeline of one browsing context.
type Pipeline struct {
	cfg         Config
	host        Host
	storage     *Storage
	generator   *Generator
	scorer      FraudScorer
	attribution *AttributionCapture
	queue       *EventQueue
	transport   *Transport
	recorder    *SessionRecorder
	navigation  NavigationObserver
	session     models.Session
	now         func() time.Time
	log         *zap.SugaredLogger

	debug atomic.Bool

	mu          sync.RWMutex
	page        Page
	userData    map[string]string
	unsubscribe func()
	closed      bool
}

// New validates cfg and wires the pipeline. A missing account id is a hard
// stop and is logged only in debug mode.
func New(cfg Config, host Host, opts ...Option) (*Pipeline, error) {
	log := logger.Named("pixel")
	if strings.TrimSpace(cfg.AccountID) == "" {
		if cfg.Debug {
			log.Errorf("pixel not initialized: %v", ErrMissingAccountID)
		}
		return nil, ErrMissingAccountID
	}
	cfg.applyDefaults()

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.stores == nil {
		o.stores = []Store{NewMemoryStore(), NewMemoryStore()}
		if jar := host.Cookies(); jar != nil {
			o.stores = append(o.stores, NewCookieStore(jar))
		}
	}

	storage := NewStorage(cfg.StoragePrefix, o.stores...)
	storage.now = o.now

	p := &Pipeline{
		cfg:         cfg,
		host:        host,
		storage:     storage,
		generator:   NewGenerator(storage, o.probes...),
		scorer:      NewFraudScorer(cfg.Fraud),
		attribution: NewAttributionCapture(storage, host.Cookies(), cfg.ClickIDTTL, cfg.UTMTTL),
		navigation:  o.navigation,
		now:         o.now,
		log:         log,
		page:        host.Page(),
		userData:    make(map[string]string),
	}
	p.generator.now = o.now
	p.attribution.now = o.now
	p.debug.Store(cfg.Debug)

	sender := o.sender
	if sender == nil {
		p.transport = NewTransport(cfg.Endpoint(), o.beacon, o.httpClient)
		sender = p.transport
	}
	p.queue = NewEventQueue(sender, cfg.Debounce, cfg.MaxFlushAttempts)
	p.queue.onDiscard = func(events []models.TrackingEvent, err error) {
		p.debugf("discarded %d events after %d attempts: %v", len(events), cfg.MaxFlushAttempts, err)
	}

	if cfg.SessionReplay {
		p.recorder = NewSessionRecorder(cfg.ReplayCapacity, p.emitReplay)
	}

	p.session = models.Session{SessionID: uuid.NewString(), StartedAt: o.now().UTC()}
	p.seedHandoff(ReadHandoff(p.page.URL))
	return p, nil
}

func (p *Pipeline) seedHandoff(h Handoff) {
	if h.Empty() {
		return
	}
	if h.FingerprintID != "" {
		if err := p.generator.Seed(h.FingerprintID); err != nil {
			p.debugf("seed fingerprint: %v", err)
		}
	}
	if h.SessionID != "" {
		p.session.SessionID = h.SessionID
	}
	if h.FBP != "" {
		_ = p.storage.Set("fbp", h.FBP, p.cfg.ClickIDTTL)
	}
	if h.FBC != "" {
		_ = p.storage.Set("fbc", h.FBC, p.cfg.ClickIDTTL)
	}
	p.debugf("inherited identity from %s", p.page.Referrer)
}

// Start subscribes to navigation and tracks the initial PageView.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.navigation != nil {
		unsub := p.navigation.Subscribe(p.onNavigate)
		p.mu.Lock()
		p.unsubscribe = unsub
		p.mu.Unlock()
	}
	_, err := p.Track(ctx, models.EventPageView, nil)
	return err
}

func (p *Pipeline) onNavigate(ev NavigationEvent) {
	if ev.Kind == NavigationUnload {
		p.Unload(context.Background())
		return
	}
	p.mu.Lock()
	prev := p.page.URL
	if ev.URL == "" || ev.URL == prev {
		p.mu.Unlock()
		return
	}
	p.page = Page{URL: ev.URL, Title: ev.Title, Referrer: prev}
	p.mu.Unlock()

	p.debugf("navigation %s to %s", ev.Kind, ev.URL)
	if _, err := p.Track(context.Background(), models.EventPageView, nil); err != nil {
		p.debugf("page view on navigation: %v", err)
	}
}

// Track builds an event and hands it to the queue. The returned id is the
// deduplication key; data["eventId"], when a non-empty string, is used as
// the id instead of minting one. An event dropped by the fraud scorer
// returns an empty id and no error.
func (p *Pipeline) Track(ctx context.Context, name string, data map[string]any) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyEventName
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	payload := make(map[string]any, len(data))
	for k, v := range data {
		payload[k] = v
	}
	eventID, _ := payload["eventId"].(string)
	delete(payload, "eventId")
	if eventID == "" {
		eventID = uuid.NewString()
	}

	ev, keep := p.buildEvent(ctx, name, eventID, payload)
	if !keep {
		return "", nil
	}
	p.queue.Enqueue(ev)
	if models.IsConversion(name) {
		p.queue.FlushAsync()
	}
	p.debugf("queued %s %s", name, eventID)
	return eventID, nil
}

func (p *Pipeline) buildEvent(ctx context.Context, name, eventID string, payload map[string]any) (models.TrackingEvent, bool) {
	fp, err := p.generator.GetOrCreate(ctx)
	if err != nil {
		p.debugf("fingerprint not persisted: %v", err)
	}

	signals := p.host.Browser()
	assessment := p.scorer.Analyze(signals)
	if p.scorer.ShouldDrop(assessment) {
		p.debugf("dropped %s: fraud score %d %v", name, assessment.Score, assessment.Signals)
		return models.TrackingEvent{}, false
	}

	p.mu.RLock()
	page := p.page
	var userData map[string]string
	if len(p.userData) > 0 {
		userData = make(map[string]string, len(p.userData))
		for k, v := range p.userData {
			userData[k] = v
		}
	}
	p.mu.RUnlock()

	attr := p.attribution.Extract(page.URL)
	return models.TrackingEvent{
		AccountID:     p.cfg.AccountID,
		EventName:     name,
		EventID:       eventID,
		Timestamp:     p.now().UTC(),
		FingerprintID: fp,
		SessionID:     p.session.SessionID,
		PageURL:       page.URL,
		PagePath:      pagePath(page.URL),
		PageTitle:     page.Title,
		Referrer:      page.Referrer,
		FraudScore:    assessment.Score,
		FraudSignals:  assessment.Signals,
		ClickIDs:      attr.ClickIDs,
		UTMParams:     attr.UTM,
		DeviceInfo:    DeviceInfo(signals),
		CustomPayload: payload,
		UserData:      userData,
	}, true
}

func pagePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (p *Pipeline) PageView(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventPageView, data)
}

func (p *Pipeline) ViewContent(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventViewContent, data)
}

func (p *Pipeline) AddToCart(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventAddToCart, data)
}

func (p *Pipeline) InitiateCheckout(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventInitiateCheckout, data)
}

func (p *Pipeline) Purchase(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventPurchase, data)
}

func (p *Pipeline) Lead(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventLead, data)
}

func (p *Pipeline) CompleteRegistration(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventCompleteRegistration, data)
}

func (p *Pipeline) Search(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventSearch, data)
}

func (p *Pipeline) Subscribe(ctx context.Context, data map[string]any) (string, error) {
	return p.Track(ctx, models.EventSubscribe, data)
}

// identifyAliases maps long-form keys to the platform's user_data keys.
var identifyAliases = map[string]string{
	"email":         "em",
	"phone":         "ph",
	"first_name":    "fn",
	"last_name":     "ln",
	"city":          "ct",
	"state":         "st",
	"zip":           "zp",
	"gender":        "ge",
	"date_of_birth": "db",
	"externalId":    "external_id",
}

// Identify merges personal fields into every subsequent event. Values are
// sent raw to the collector; hashing happens in the conversion forwarder.
// An empty value removes the field.
func (p *Pipeline) Identify(userData map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range userData {
		if alias, ok := identifyAliases[k]; ok {
			k = alias
		}
		if v == "" {
			delete(p.userData, k)
			continue
		}
		p.userData[k] = v
	}
}

// Fingerprint returns the cached or freshly computed fingerprint id.
func (p *Pipeline) Fingerprint(ctx context.Context) (string, error) {
	return p.generator.GetOrCreate(ctx)
}

func (p *Pipeline) SessionID() string {
	return p.session.SessionID
}

// Session returns the session of this browsing context.
func (p *Pipeline) Session() models.Session {
	return p.session
}

// Debug toggles debug logging.
func (p *Pipeline) Debug(on bool) {
	p.debug.Store(on)
}

func (p *Pipeline) debugf(format string, args ...any) {
	if p.debug.Load() {
		p.log.Debugf(format, args...)
	}
}

// RecordInteraction appends a pointer or scroll sample when session replay
// is enabled.
func (p *Pipeline) RecordInteraction(kind string, x, y int) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(Sample{
		Kind: kind,
		X:    x,
		Y:    y,
		At:   p.now().Sub(p.session.StartedAt).Milliseconds(),
	})
}

func (p *Pipeline) emitReplay(samples []Sample) {
	if _, err := p.Track(context.Background(), models.EventSessionReplay, map[string]any{"samples": samples}); err != nil {
		p.debugf("session replay: %v", err)
	}
}

// Unload flushes buffered replay samples straight through the beacon and
// then flushes the queue synchronously.
func (p *Pipeline) Unload(ctx context.Context) {
	if p.recorder != nil {
		if samples := p.recorder.Drain(); len(samples) > 0 {
			p.sendReplayOnUnload(ctx, samples)
		}
	}
	if err := p.queue.Flush(ctx); err != nil {
		p.debugf("unload flush failed, %d events kept: %v", p.queue.Len(), err)
	}
}

func (p *Pipeline) sendReplayOnUnload(ctx context.Context, samples []Sample) {
	ev, keep := p.buildEvent(ctx, models.EventSessionReplay, uuid.NewString(), map[string]any{"samples": samples})
	if !keep {
		return
	}
	if p.transport != nil {
		body, err := json.Marshal(models.Batch{Events: []models.TrackingEvent{ev}})
		if err == nil && p.transport.SendBeacon(body) {
			return
		}
	}
	p.queue.Enqueue(ev)
}

// DecorateURL returns target carrying the identity handoff when it points to
// a sibling domain of the current page.
func (p *Pipeline) DecorateURL(ctx context.Context, target string) string {
	p.mu.RLock()
	page := p.page
	p.mu.RUnlock()

	d := NewDecorator(page.URL)
	if !d.ShouldDecorate(target) {
		return target
	}
	fp, _ := p.generator.GetOrCreate(ctx)
	attr := p.attribution.Extract(page.URL)
	h := Handoff{
		FingerprintID: fp,
		SessionID:     p.session.SessionID,
		FBP:           attr.ClickIDs["fbp"],
		FBC:           attr.ClickIDs["fbc"],
		Attribution:   make(map[string]string),
	}
	for k, v := range attr.Map() {
		if k == "fbp" || k == "fbc" {
			continue
		}
		h.Attribution[k] = v
	}
	return d.Decorate(target, h)
}

// QueueLen reports the number of undelivered events.
func (p *Pipeline) QueueLen() int {
	return p.queue.Len()
}

// Close unsubscribes from navigation, performs the unload flush and stops
// the queue. Track fails with ErrClosed afterwards.
func (p *Pipeline) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	unsub := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	p.Unload(ctx)

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.queue.Close()
}
