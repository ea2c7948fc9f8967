package pixel

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Click-ID query parameters recognised on landing.
var ClickIDParams = []string{"fbclid", "gclid", "gbraid", "wbraid", "ttclid", "msclkid", "li_fat_id", "twclid"}

// UTMParams are the campaign-tagging query parameters.
var UTMParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term"}

// First-party ad-platform cookies, read and never modified here.
const (
	CookieFBP = "_fbp"
	CookieFBC = "_fbc"
)

// Attribution is the campaign state of a page view.
type Attribution struct {
	ClickIDs map[string]string
	UTM      map[string]string
}

// Map flattens click IDs and UTM fields into one mapping.
func (a Attribution) Map() map[string]string {
	out := make(map[string]string, len(a.ClickIDs)+len(a.UTM))
	for k, v := range a.ClickIDs {
		out[k] = v
	}
	for k, v := range a.UTM {
		out[k] = v
	}
	return out
}

// AttributionCapture persists campaign identifiers with per-field retention.
type AttributionCapture struct {
	storage  *Storage
	cookies  CookieJar
	clickTTL time.Duration
	utmTTL   time.Duration
	now      func() time.Time
}

// NewAttributionCapture uses clickTTL for click IDs and utmTTL for UTM fields.
func NewAttributionCapture(storage *Storage, cookies CookieJar, clickTTL, utmTTL time.Duration) *AttributionCapture {
	return &AttributionCapture{
		storage:  storage,
		cookies:  cookies,
		clickTTL: clickTTL,
		utmTTL:   utmTTL,
		now:      time.Now,
	}
}

// Extract persists any recognised parameter present in pageURL (overwriting)
// and reads the rest through from storage. Cookie values are included as
// "fbp" and "fbc". When fbclid is on the URL and no _fbc cookie exists, an
// fbc value is derived in the platform's fb.1.<ms>.<fbclid> format; a stored
// fbc for the same fbclid is kept, so the value is minted once per click.
func (a *AttributionCapture) Extract(pageURL string) Attribution {
	q := url.Values{}
	if u, err := url.Parse(pageURL); err == nil {
		q = u.Query()
	}

	out := Attribution{
		ClickIDs: a.capture(q, ClickIDParams, a.clickTTL),
		UTM:      a.capture(q, UTMParams, a.utmTTL),
	}

	if fbp := a.cookie(CookieFBP); fbp != "" {
		out.ClickIDs["fbp"] = fbp
	} else if fbp, ok := a.storage.Get("fbp"); ok {
		out.ClickIDs["fbp"] = fbp
	}
	if fbc := a.cookie(CookieFBC); fbc != "" {
		out.ClickIDs["fbc"] = fbc
	} else if fbclid := q.Get("fbclid"); fbclid != "" {
		fbc, ok := a.storage.Get("fbc")
		if !ok || fbcClickID(fbc) != fbclid {
			fbc = fmt.Sprintf("fb.1.%d.%s", a.now().UnixMilli(), fbclid)
			_ = a.storage.Set("fbc", fbc, a.clickTTL)
		}
		out.ClickIDs["fbc"] = fbc
	} else if fbc, ok := a.storage.Get("fbc"); ok {
		out.ClickIDs["fbc"] = fbc
	}
	return out
}

// fbcClickID returns the click id of an fb.1.<ms>.<fbclid> value.
func fbcClickID(fbc string) string {
	parts := strings.SplitN(fbc, ".", 4)
	if len(parts) != 4 {
		return ""
	}
	return parts[3]
}

func (a *AttributionCapture) capture(q url.Values, params []string, ttl time.Duration) map[string]string {
	out := make(map[string]string)
	for _, p := range params {
		if v := q.Get(p); v != "" {
			_ = a.storage.Set(p, v, ttl)
			out[p] = v
			continue
		}
		if v, ok := a.storage.Get(p); ok {
			out[p] = v
		}
	}
	return out
}

func (a *AttributionCapture) cookie(name string) string {
	if a.cookies == nil {
		return ""
	}
	v, err := a.cookies.Cookie(name)
	if err != nil {
		return ""
	}
	return v
}
