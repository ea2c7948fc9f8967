package pixel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Sentinels substituted for a probe that failed or ran out of time.
const (
	SentinelError   = "ee"
	SentinelTimeout = "to"
)

const defaultProbeTimeout = time.Second

// ProbeOrder fixes the position of every known probe in the hashed string.
// Unknown probe names sort after these, alphabetically.
var ProbeOrder = []string{
	"canvas",
	"webgl",
	"audio",
	"fonts",
	"screen",
	"hardware",
	"locale",
	"network",
	"plugins",
}

var errProbeTimeout = errors.New("probe timed out")

// Probe reads one device characteristic. Async probes wait on timers or
// hardware callbacks and are all resolved before sync probes are read.
type Probe struct {
	Name    string
	Async   bool
	Timeout time.Duration
	Read    func(ctx context.Context) (string, error)
}

// ProbeResult carries either a value or the error that replaced it.
type ProbeResult struct {
	Name  string
	Value string
	Err   error
}

// Component is the string contributed to the fingerprint.
func (r ProbeResult) Component() string {
	switch {
	case r.Err == nil:
		return r.Value
	case errors.Is(r.Err, errProbeTimeout):
		return SentinelTimeout
	default:
		return SentinelError
	}
}

func runProbe(ctx context.Context, p Probe) (res ProbeResult) {
	res.Name = p.Name
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type out struct {
		v   string
		err error
	}
	ch := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- out{err: fmt.Errorf("probe %s panicked: %v", p.Name, r)}
			}
		}()
		v, err := p.Read(ctx)
		ch <- out{v: v, err: err}
	}()

	select {
	case o := <-ch:
		res.Value, res.Err = o.v, o.err
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = errProbeTimeout
		}
	case <-ctx.Done():
		res.Err = errProbeTimeout
	}
	return res
}

func probeRank(name string) int {
	for i, n := range ProbeOrder {
		if n == name {
			return i
		}
	}
	return len(ProbeOrder)
}

func sortProbes(probes []Probe) []Probe {
	out := append([]Probe(nil), probes...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := probeRank(out[i].Name), probeRank(out[j].Name)
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// StaticProbe returns a sync probe with a fixed value.
func StaticProbe(name, value string) Probe {
	return Probe{Name: name, Read: func(context.Context) (string, error) { return value, nil }}
}

// AsyncProbe wraps a measurement that resolves later (audio rendering, GPU).
func AsyncProbe(name string, timeout time.Duration, read func(ctx context.Context) (string, error)) Probe {
	return Probe{Name: name, Async: true, Timeout: timeout, Read: read}
}

// DeviceProfile holds the synchronously readable characteristics of a device.
type DeviceProfile struct {
	ScreenWidth         int
	ScreenHeight        int
	ColorDepth          int
	PixelRatio          float64
	HardwareConcurrency int
	DeviceMemory        float64
	Language            string
	Timezone            string
	TimezoneOffset      int
	NetworkType         string
	Plugins             []string
	Fonts               []string
}

// Probes renders the profile as the standard sync probe set.
func (d DeviceProfile) Probes() []Probe {
	return []Probe{
		StaticProbe("fonts", strings.Join(d.Fonts, ",")),
		StaticProbe("screen", fmt.Sprintf("%dx%dx%d@%s", d.ScreenWidth, d.ScreenHeight, d.ColorDepth,
			strconv.FormatFloat(d.PixelRatio, 'f', -1, 64))),
		StaticProbe("hardware", fmt.Sprintf("%d;%s", d.HardwareConcurrency,
			strconv.FormatFloat(d.DeviceMemory, 'f', -1, 64))),
		StaticProbe("locale", fmt.Sprintf("%s;%s;%d", d.Language, d.Timezone, d.TimezoneOffset)),
		StaticProbe("network", d.NetworkType),
		StaticProbe("plugins", strings.Join(d.Plugins, ";")),
	}
}
