package pixel

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Handoff query parameters. Click IDs and UTM fields travel under their own
// names.
const (
	ParamFingerprint = "_pxfp"
	ParamSession     = "_pxsid"
	ParamFBP         = "_fbp"
	ParamFBC         = "_fbc"
)

// Handoff is the identity carried across sibling domains. It is not signed:
// a spoofed value is accepted like any other.
type Handoff struct {
	FingerprintID string
	SessionID     string
	FBP           string
	FBC           string
	Attribution   map[string]string
}

// Empty reports whether no parameter was present.
func (h Handoff) Empty() bool {
	return h.FingerprintID == "" && h.SessionID == "" && h.FBP == "" && h.FBC == "" && len(h.Attribution) == 0
}

// Decorator rewrites outbound links that cross to another host of the same
// registrable domain.
type Decorator struct {
	origin string
	site   string
}

// NewDecorator is bound to the URL of the current page.
func NewDecorator(pageURL string) *Decorator {
	d := &Decorator{}
	if u, err := url.Parse(pageURL); err == nil {
		d.origin = strings.ToLower(u.Hostname())
		d.site = registrableDomain(d.origin)
	}
	return d
}

// ShouldDecorate is true for a different host under the same registrable
// domain.
func (d *Decorator) ShouldDecorate(target string) bool {
	u, err := url.Parse(target)
	if err != nil || d.site == "" {
		return false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == d.origin {
		return false
	}
	return registrableDomain(host) == d.site
}

// Decorate returns target with the handoff appended. Parameters already on
// the target are left as they are. Targets that do not qualify are returned
// unchanged.
func (d *Decorator) Decorate(target string, h Handoff) string {
	if !d.ShouldDecorate(target) {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	set := func(k, v string) {
		if v != "" && q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	set(ParamFingerprint, h.FingerprintID)
	set(ParamSession, h.SessionID)
	set(ParamFBP, h.FBP)
	set(ParamFBC, h.FBC)
	for k, v := range h.Attribution {
		set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ReadHandoff extracts the inbound handoff parameters from a landing URL.
func ReadHandoff(pageURL string) Handoff {
	u, err := url.Parse(pageURL)
	if err != nil {
		return Handoff{}
	}
	q := u.Query()
	h := Handoff{
		FingerprintID: q.Get(ParamFingerprint),
		SessionID:     q.Get(ParamSession),
		FBP:           q.Get(ParamFBP),
		FBC:           q.Get(ParamFBC),
	}
	for _, params := range [][]string{ClickIDParams, UTMParams} {
		for _, p := range params {
			if v := q.Get(p); v != "" {
				if h.Attribution == nil {
					h.Attribution = make(map[string]string)
				}
				h.Attribution[p] = v
			}
		}
	}
	return h
}

func registrableDomain(host string) string {
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return site
}
