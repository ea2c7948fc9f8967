package pixel

import "time"

// Page describes the document the pipeline runs in.
type Page struct {
	URL      string
	Title    string
	Referrer string
}

// BrowserSignals are the automation markers and geometry read by the fraud
// scorer and copied into deviceInfo.
type BrowserSignals struct {
	UserAgent        string
	Webdriver        bool
	PluginCount      int
	ScreenWidth      int
	ScreenHeight     int
	OuterWidth       int
	OuterHeight      int
	HasChromeRuntime bool
	Language         string
	Timezone         string
}

// CookieJar is the first-party cookie surface of the host document.
type CookieJar interface {
	Cookie(name string) (string, error)
	SetCookie(name, value string, maxAge time.Duration) error
}

// Host is implemented once per embedding environment.
type Host interface {
	Page() Page
	Browser() BrowserSignals
	Cookies() CookieJar
}
