// Command pixelsim drives real pixel pipelines against a collector, one
// simulated browser per visit.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ComUnity/attribution-pixel/internal/pixel"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

type options struct {
	collector   string
	account     string
	visits      int
	concurrency int
	pages       int
	purchasePct int
	botPct      int
	site        string
	debug       bool
}

type stats struct {
	visits    atomic.Int64
	events    atomic.Int64
	failures  atomic.Int64
	undeliver atomic.Int64
}

func main() {
	var o options
	flag.StringVar(&o.collector, "collector", "http://localhost:8080", "collector base URL")
	flag.StringVar(&o.account, "account", "demo", "pixel account id")
	flag.IntVar(&o.visits, "visits", 10, "number of simulated visits")
	flag.IntVar(&o.concurrency, "concurrency", 4, "visits run in parallel")
	flag.IntVar(&o.pages, "pages", 3, "SPA navigations per visit")
	flag.IntVar(&o.purchasePct, "purchase-pct", 20, "share of visits ending in a Purchase")
	flag.IntVar(&o.botPct, "bot-pct", 10, "share of visits from an automated browser")
	flag.StringVar(&o.site, "site", "https://shop.example.com", "origin of the simulated site")
	flag.BoolVar(&o.debug, "debug", false, "enable pipeline debug logging")
	flag.Parse()

	logger.ReplaceGlobal(&logger.Config{Level: "info", Format: "console"})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	beacon := pixel.NewAsyncBeacon(httpClient, 256)
	defer beacon.Close()

	var st stats
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.concurrency, 1))
	for i := 0; i < o.visits; i++ {
		g.Go(func() error {
			return runVisit(gctx, o, i, httpClient, beacon, &st)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("simulation aborted: %v", err)
	}

	fmt.Fprintf(os.Stdout, "visits=%d events=%d track_failures=%d undelivered=%d elapsed=%s\n",
		st.visits.Load(), st.events.Load(), st.failures.Load(), st.undeliver.Load(),
		time.Since(start).Round(time.Millisecond))
	if st.undeliver.Load() > 0 {
		os.Exit(1)
	}
}

func runVisit(ctx context.Context, o options, n int, hc *http.Client, beacon pixel.Beacon, st *stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(uint64(n), uint64(time.Now().UnixNano())))

	landing := fmt.Sprintf("%s/?utm_source=sim&utm_campaign=visit-%d", o.site, n)
	if rng.IntN(2) == 0 {
		landing += fmt.Sprintf("&fbclid=sim%d", n)
	}
	host := newSimHost(landing, rng.IntN(100) < o.botPct)
	nav := pixel.NewNavigationHub()

	p, err := pixel.New(pixel.Config{
		AccountID:    o.account,
		CollectorURL: o.collector,
		Debug:        o.debug,
		Debounce:     50 * time.Millisecond,
	}, host,
		pixel.WithHTTPClient(hc),
		pixel.WithBeacon(beacon),
		pixel.WithNavigation(nav),
		pixel.WithProbes(host.profile.Probes()...),
	)
	if err != nil {
		return fmt.Errorf("visit %d: %w", n, err)
	}
	st.visits.Add(1)

	track := func(_ string, err error) {
		if err != nil {
			st.failures.Add(1)
			return
		}
		st.events.Add(1)
	}

	if err := p.Start(ctx); err != nil {
		st.failures.Add(1)
	} else {
		st.events.Add(1)
	}
	for i := 0; i < o.pages; i++ {
		url := fmt.Sprintf("%s/products/%d", o.site, rng.IntN(500))
		host.setURL(url)
		nav.Notify(pixel.NavigationEvent{Kind: pixel.NavigationPush, URL: url, Title: "Product"})
		st.events.Add(1)
		track(p.ViewContent(ctx, map[string]any{"content_ids": []string{url}}))
	}
	if rng.IntN(100) < o.purchasePct {
		p.Identify(map[string]string{"em": fmt.Sprintf("visitor%d@example.com", n)})
		track(p.AddToCart(ctx, map[string]any{"value": 19.9, "currency": "EUR"}))
		track(p.Purchase(ctx, map[string]any{"value": 19.9, "currency": "EUR"}))
	}

	nav.Notify(pixel.NavigationEvent{Kind: pixel.NavigationUnload})
	p.Close(ctx)
	st.undeliver.Add(int64(p.QueueLen()))
	return nil
}

// simHost is a headless browser tab.
type simHost struct {
	mu      sync.RWMutex
	page    pixel.Page
	browser pixel.BrowserSignals
	profile pixel.DeviceProfile
	jar     *simJar
}

const simUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func newSimHost(url string, bot bool) *simHost {
	b := pixel.BrowserSignals{
		UserAgent:        simUA,
		PluginCount:      5,
		ScreenWidth:      1440,
		ScreenHeight:     900,
		OuterWidth:       1440,
		OuterHeight:      860,
		HasChromeRuntime: true,
		Language:         "en-US",
		Timezone:         "Europe/Berlin",
	}
	if bot {
		b.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/124.0.0.0 Safari/537.36"
		b.Webdriver = true
		b.PluginCount = 0
		b.OuterWidth, b.OuterHeight = 0, 0
	}
	return &simHost{
		page:    pixel.Page{URL: url, Title: "Shop"},
		browser: b,
		profile: pixel.DeviceProfile{
			ScreenWidth:         b.ScreenWidth,
			ScreenHeight:        b.ScreenHeight,
			ColorDepth:          24,
			PixelRatio:          2,
			HardwareConcurrency: 8,
			DeviceMemory:        8,
			Language:            b.Language,
			Timezone:            b.Timezone,
			TimezoneOffset:      -60,
			NetworkType:         "4g",
			Plugins:             []string{"PDF Viewer"},
			Fonts:               []string{"Arial", "Helvetica"},
		},
		jar: &simJar{cookies: make(map[string]string)},
	}
}

func (h *simHost) setURL(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.page.Referrer = h.page.URL
	h.page.URL = url
}

func (h *simHost) Page() pixel.Page {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.page
}

func (h *simHost) Browser() pixel.BrowserSignals { return h.browser }
func (h *simHost) Cookies() pixel.CookieJar      { return h.jar }

// simJar holds first-party cookies by name for a single site, which is all
// the pixel reads.
type simJar struct {
	mu      sync.Mutex
	cookies map[string]string
}

func (j *simJar) Cookie(name string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cookies[name], nil
}

func (j *simJar) SetCookie(name, value string, maxAge time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if maxAge < 0 {
		delete(j.cookies, name)
		return nil
	}
	j.cookies[name] = value
	return nil
}
