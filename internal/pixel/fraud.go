package pixel

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mssola/useragent"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

// Fraud signal names.
const (
	SignalWebdriver      = "webdriver"
	SignalNoPlugins      = "no_plugins"
	SignalBotUserAgent   = "bot_user_agent"
	SignalInvalidScreen  = "invalid_screen"
	SignalZeroOuter      = "zero_outer_window"
	SignalChromeMismatch = "chrome_inconsistency"
)

var botUserAgent = regexp.MustCompile(`(?i)bot|crawl|spider|slurp|headless|phantom|selenium|puppeteer|playwright|lighthouse`)

// FraudPolicy holds the heuristic weights and thresholds. Defaults mirror
// observed behavior and are not validated constants.
type FraudPolicy struct {
	BotThreshold  int            `yaml:"bot_threshold"`
	DropThreshold int            `yaml:"drop_threshold"`
	Weights       map[string]int `yaml:"weights"`
}

// DefaultFraudPolicy flags bots at 50 and drops events above 80.
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{
		BotThreshold:  50,
		DropThreshold: 80,
		Weights: map[string]int{
			SignalWebdriver:      50,
			SignalNoPlugins:      10,
			SignalBotUserAgent:   30,
			SignalInvalidScreen:  20,
			SignalZeroOuter:      20,
			SignalChromeMismatch: 20,
		},
	}
}

// FraudScorer is stateless; Analyze does no I/O.
type FraudScorer struct {
	policy FraudPolicy
}

// NewFraudScorer fills unset policy fields from the defaults and clamps
// negative weights to zero so the score stays monotonic in its signals.
func NewFraudScorer(policy FraudPolicy) FraudScorer {
	def := DefaultFraudPolicy()
	if policy.BotThreshold <= 0 {
		policy.BotThreshold = def.BotThreshold
	}
	if policy.DropThreshold <= 0 {
		policy.DropThreshold = def.DropThreshold
	}
	weights := make(map[string]int, len(def.Weights))
	for k, v := range def.Weights {
		weights[k] = v
	}
	for k, v := range policy.Weights {
		if v < 0 {
			v = 0
		}
		weights[k] = v
	}
	policy.Weights = weights
	return FraudScorer{policy: policy}
}

// Analyze scores the browser signals additively.
func (s FraudScorer) Analyze(b BrowserSignals) models.FraudAssessment {
	a := models.FraudAssessment{Signals: []string{}}
	add := func(signal string, hit bool) {
		if hit {
			a.Score += s.policy.Weights[signal]
			a.Signals = append(a.Signals, signal)
		}
	}

	add(SignalWebdriver, b.Webdriver)
	add(SignalNoPlugins, b.PluginCount == 0)
	add(SignalBotUserAgent, isBotUserAgent(b.UserAgent))
	add(SignalInvalidScreen, b.ScreenWidth <= 0 || b.ScreenHeight <= 0)
	add(SignalZeroOuter, b.OuterWidth == 0 || b.OuterHeight == 0)
	add(SignalChromeMismatch, strings.Contains(b.UserAgent, "Chrome/") && !b.HasChromeRuntime)

	a.IsBot = a.Score >= s.policy.BotThreshold
	return a
}

// ShouldDrop is true only above the stricter drop threshold.
func (s FraudScorer) ShouldDrop(a models.FraudAssessment) bool {
	return a.Score > s.policy.DropThreshold
}

func isBotUserAgent(ua string) bool {
	if ua == "" {
		return true
	}
	return botUserAgent.MatchString(ua) || useragent.New(ua).Bot()
}

// DeviceInfo renders the browser signals as the event's deviceInfo mapping.
func DeviceInfo(b BrowserSignals) map[string]string {
	info := map[string]string{
		"userAgent": b.UserAgent,
		"language":  b.Language,
		"timezone":  b.Timezone,
		"screen":    strconv.Itoa(b.ScreenWidth) + "x" + strconv.Itoa(b.ScreenHeight),
	}
	if b.UserAgent == "" {
		return info
	}
	ua := useragent.New(b.UserAgent)
	name, version := ua.Browser()
	info["browser"] = name
	info["browserVersion"] = version
	info["os"] = ua.OS()
	if ua.Mobile() {
		info["mobile"] = "true"
	} else {
		info["mobile"] = "false"
	}
	return info
}
