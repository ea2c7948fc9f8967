package pixel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttribution_PersistsAcrossVisits(t *testing.T) {
	storage := NewStorage("_px_", NewMemoryStore())
	capture := NewAttributionCapture(storage, newFakeJar(), 90*24*time.Hour, 30*24*time.Hour)

	first := capture.Extract("https://shop.example.com/?utm_source=ig&gclid=ABC123")
	assert.Equal(t, "ig", first.UTM["utm_source"])
	assert.Equal(t, "ABC123", first.ClickIDs["gclid"])

	second := capture.Extract("https://shop.example.com/cart")
	assert.Equal(t, "ig", second.UTM["utm_source"])
	assert.Equal(t, "ABC123", second.ClickIDs["gclid"])
}

func TestAttribution_URLOverwritesStoredValue(t *testing.T) {
	storage := NewStorage("_px_", NewMemoryStore())
	capture := NewAttributionCapture(storage, nil, time.Hour, time.Hour)

	capture.Extract("https://a.example.com/?utm_campaign=spring")
	got := capture.Extract("https://a.example.com/?utm_campaign=summer")
	assert.Equal(t, "summer", got.UTM["utm_campaign"])
	assert.Equal(t, "summer", capture.Extract("https://a.example.com/").UTM["utm_campaign"])
}

func TestAttribution_UTMExpiresBeforeClickIDs(t *testing.T) {
	storage := NewStorage("_px_", NewMemoryStore())
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	storage.now = func() time.Time { return now }
	capture := NewAttributionCapture(storage, nil, 90*24*time.Hour, 30*24*time.Hour)

	capture.Extract("https://a.example.com/?utm_source=ig&gclid=G1")
	now = now.Add(45 * 24 * time.Hour)

	got := capture.Extract("https://a.example.com/")
	assert.NotContains(t, got.UTM, "utm_source")
	assert.Equal(t, "G1", got.ClickIDs["gclid"])
}

func TestAttribution_CookiesAreReadNotWritten(t *testing.T) {
	jar := newFakeJar()
	require.NoError(t, jar.SetCookie(CookieFBP, "fb.1.1700000000000.111", time.Hour))
	require.NoError(t, jar.SetCookie(CookieFBC, "fb.1.1700000000000.abc", time.Hour))
	capture := NewAttributionCapture(NewStorage("_px_", NewMemoryStore()), jar, time.Hour, time.Hour)

	got := capture.Extract("https://a.example.com/?fbclid=new")
	assert.Equal(t, "fb.1.1700000000000.111", got.ClickIDs["fbp"])
	assert.Equal(t, "fb.1.1700000000000.abc", got.ClickIDs["fbc"])

	v, _ := jar.Cookie(CookieFBC)
	assert.Equal(t, "fb.1.1700000000000.abc", v)
}

func TestAttribution_SynthesizesFBCFromClickID(t *testing.T) {
	storage := NewStorage("_px_", NewMemoryStore())
	capture := NewAttributionCapture(storage, newFakeJar(), time.Hour, time.Hour)
	capture.now = func() time.Time { return time.UnixMilli(1700000000123) }

	got := capture.Extract("https://a.example.com/?fbclid=IwAR0")
	assert.Equal(t, "fb.1.1700000000123.IwAR0", got.ClickIDs["fbc"])

	later := capture.Extract("https://a.example.com/next")
	assert.Equal(t, "fb.1.1700000000123.IwAR0", later.ClickIDs["fbc"])
}

func TestAttribution_FBCStableForSameClick(t *testing.T) {
	storage := NewStorage("_px_", NewMemoryStore())
	capture := NewAttributionCapture(storage, newFakeJar(), 90*24*time.Hour, time.Hour)
	now := time.UnixMilli(1700000000000)
	capture.now = func() time.Time { return now }

	first := capture.Extract("https://a.example.com/?fbclid=XYZ")
	now = now.Add(time.Hour)
	second := capture.Extract("https://a.example.com/?fbclid=XYZ")
	assert.Equal(t, "fb.1.1700000000000.XYZ", first.ClickIDs["fbc"])
	assert.Equal(t, first.ClickIDs["fbc"], second.ClickIDs["fbc"])

	fresh := capture.Extract("https://a.example.com/?fbclid=NEW")
	assert.Equal(t, "fb.1.1700003600000.NEW", fresh.ClickIDs["fbc"])
}

func TestAttribution_MapFlattens(t *testing.T) {
	a := Attribution{
		ClickIDs: map[string]string{"gclid": "G"},
		UTM:      map[string]string{"utm_source": "ig"},
	}
	assert.Equal(t, map[string]string{"gclid": "G", "utm_source": "ig"}, a.Map())
}
