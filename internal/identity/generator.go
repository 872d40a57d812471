// internal/identity/generator.go
package identity

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/behavior"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

type template struct {
	platform string
	ua       func(version string) string
	versions []string
	webgl    [][2]string
	screens  []schemas.Screen
	memory   []int
	cores    []int
}

var (
	desktopScreens = []schemas.Screen{
		{Width: 1920, Height: 1080, ColorDepth: 24, PixelRatio: 1},
		{Width: 1536, Height: 864, ColorDepth: 24, PixelRatio: 1.25},
		{Width: 1440, Height: 900, ColorDepth: 24, PixelRatio: 2},
		{Width: 1366, Height: 768, ColorDepth: 24, PixelRatio: 1},
		{Width: 2560, Height: 1440, ColorDepth: 24, PixelRatio: 1},
	}
	mobileScreens = []schemas.Screen{
		{Width: 412, Height: 915, ColorDepth: 24, PixelRatio: 2.625},
		{Width: 393, Height: 852, ColorDepth: 24, PixelRatio: 3},
		{Width: 390, Height: 844, ColorDepth: 24, PixelRatio: 3},
	}
	tabletScreens = []schemas.Screen{
		{Width: 820, Height: 1180, ColorDepth: 24, PixelRatio: 2},
		{Width: 800, Height: 1280, ColorDepth: 24, PixelRatio: 2},
	}

	windowsGL = [][2]string{
		{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon RX 6600 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	}
	macGL = [][2]string{
		{"Apple Inc.", "Apple M1"},
		{"Apple Inc.", "Apple M2"},
	}
	androidGL = [][2]string{
		{"Qualcomm", "Adreno (TM) 740"},
		{"ARM", "Mali-G715"},
	}
	firefoxGL = [][2]string{
		{"Mozilla", "Mozilla"},
	}

	chromeVersions  = []string{"129.0.0.0", "130.0.0.0", "131.0.0.0", "132.0.0.0"}
	firefoxVersions = []string{"131.0", "132.0", "133.0"}
	safariVersions  = []string{"17.6", "18.0", "18.1"}
)

var templates = map[schemas.BrowserType]map[schemas.DeviceType][]template{
	schemas.BrowserChrome: {
		schemas.DeviceDesktop: {
			{platform: "Win32", versions: chromeVersions, webgl: windowsGL, screens: desktopScreens, memory: []int{8, 16}, cores: []int{8, 12, 16},
				ua: func(v string) string {
					return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + v + " Safari/537.36"
				}},
			{platform: "MacIntel", versions: chromeVersions, webgl: macGL, screens: desktopScreens, memory: []int{8, 16}, cores: []int{8, 10},
				ua: func(v string) string {
					return "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + v + " Safari/537.36"
				}},
		},
		schemas.DeviceMobile: {
			{platform: "Linux armv81", versions: chromeVersions, webgl: androidGL, screens: mobileScreens, memory: []int{4, 8}, cores: []int{8},
				ua: func(v string) string {
					return "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + v + " Mobile Safari/537.36"
				}},
		},
		schemas.DeviceTablet: {
			{platform: "Linux armv81", versions: chromeVersions, webgl: androidGL, screens: tabletScreens, memory: []int{4, 8}, cores: []int{8},
				ua: func(v string) string {
					return "Mozilla/5.0 (Linux; Android 14; SM-X710) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + v + " Safari/537.36"
				}},
		},
	},
	schemas.BrowserFirefox: {
		schemas.DeviceDesktop: {
			{platform: "Win32", versions: firefoxVersions, webgl: firefoxGL, screens: desktopScreens, memory: []int{8, 16}, cores: []int{8, 12},
				ua: func(v string) string {
					return "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:" + v + ") Gecko/20100101 Firefox/" + v
				}},
			{platform: "MacIntel", versions: firefoxVersions, webgl: firefoxGL, screens: desktopScreens, memory: []int{8, 16}, cores: []int{8, 10},
				ua: func(v string) string {
					return "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:" + v + ") Gecko/20100101 Firefox/" + v
				}},
		},
		schemas.DeviceMobile: {
			{platform: "Linux armv81", versions: firefoxVersions, webgl: firefoxGL, screens: mobileScreens, memory: []int{4, 8}, cores: []int{8},
				ua: func(v string) string {
					return "Mozilla/5.0 (Android 14; Mobile; rv:" + v + ") Gecko/" + v + " Firefox/" + v
				}},
		},
		schemas.DeviceTablet: {
			{platform: "Linux armv81", versions: firefoxVersions, webgl: firefoxGL, screens: tabletScreens, memory: []int{4, 8}, cores: []int{8},
				ua: func(v string) string {
					return "Mozilla/5.0 (Android 14; Tablet; rv:" + v + ") Gecko/" + v + " Firefox/" + v
				}},
		},
	},
	schemas.BrowserWebKit: {
		schemas.DeviceDesktop: {
			{platform: "MacIntel", versions: safariVersions, webgl: macGL, screens: desktopScreens, memory: []int{8}, cores: []int{8, 10},
				ua: func(v string) string {
					return "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/" + v + " Safari/605.1.15"
				}},
		},
		schemas.DeviceMobile: {
			{platform: "iPhone", versions: safariVersions, webgl: macGL, screens: mobileScreens, memory: []int{4}, cores: []int{6},
				ua: func(v string) string {
					return "Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/" + v + " Mobile/15E148 Safari/604.1"
				}},
		},
		schemas.DeviceTablet: {
			{platform: "iPad", versions: safariVersions, webgl: macGL, screens: tabletScreens, memory: []int{4, 8}, cores: []int{8},
				ua: func(v string) string {
					return "Mozilla/5.0 (iPad; CPU OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/" + v + " Mobile/15E148 Safari/604.1"
				}},
		},
	},
	schemas.BrowserEdge: {
		schemas.DeviceDesktop: {
			{platform: "Win32", versions: chromeVersions, webgl: windowsGL, screens: desktopScreens, memory: []int{8, 16}, cores: []int{8, 12, 16},
				ua: func(v string) string {
					return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + v + " Safari/537.36 Edg/" + v
				}},
		},
		schemas.DeviceMobile: {
			{platform: "Linux armv81", versions: chromeVersions, webgl: androidGL, screens: mobileScreens, memory: []int{4, 8}, cores: []int{8},
				ua: func(v string) string {
					return "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + v + " Mobile Safari/537.36 EdgA/" + v
				}},
		},
	},
}

type locale struct {
	tag       string
	languages []string
	timezones []string
}

var locales = map[string]locale{
	"us": {"en-US", []string{"en-US", "en"}, []string{"America/New_York", "America/Chicago", "America/Denver", "America/Los_Angeles"}},
	"ca": {"en-CA", []string{"en-CA", "en", "fr-CA"}, []string{"America/Toronto", "America/Vancouver"}},
	"gb": {"en-GB", []string{"en-GB", "en"}, []string{"Europe/London"}},
	"de": {"de-DE", []string{"de-DE", "de", "en-US", "en"}, []string{"Europe/Berlin"}},
	"fr": {"fr-FR", []string{"fr-FR", "fr", "en-US", "en"}, []string{"Europe/Paris"}},
	"es": {"es-ES", []string{"es-ES", "es", "en"}, []string{"Europe/Madrid"}},
	"nl": {"nl-NL", []string{"nl-NL", "nl", "en"}, []string{"Europe/Amsterdam"}},
	"br": {"pt-BR", []string{"pt-BR", "pt", "en"}, []string{"America/Sao_Paulo"}},
	"jp": {"ja-JP", []string{"ja-JP", "ja", "en"}, []string{"Asia/Tokyo"}},
	"in": {"en-IN", []string{"en-IN", "en", "hi"}, []string{"Asia/Kolkata"}},
	"au": {"en-AU", []string{"en-AU", "en"}, []string{"Australia/Sydney", "Australia/Melbourne"}},
}

// Generator is the built-in identity factory. It assembles coherent
// fingerprints from per-browser, per-device templates and samples a
// behavior profile around the configured means.
type Generator struct {
	cfg      config.IdentityConfig
	behavior config.BehaviorConfig

	mu        sync.Mutex
	rng       *rand.Rand
	generated int
}

// NewGenerator builds a generator. A zero seed uses the clock.
func NewGenerator(cfg config.IdentityConfig, behaviorCfg config.BehaviorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		cfg:      cfg,
		behavior: behaviorCfg,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Create synthesizes an identity satisfying criteria.
func (g *Generator) Create(ctx context.Context, criteria schemas.IdentityCriteria) (schemas.Identity, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Identity{}, err
	}

	browserType := criteria.BrowserType
	if browserType == "" {
		browserType = schemas.BrowserType(g.cfg.DefaultBrowser)
	}
	deviceType := criteria.DeviceType
	if deviceType == "" {
		deviceType = schemas.DeviceType(g.cfg.DefaultDevice)
	}
	country := strings.ToLower(criteria.Country)
	if country == "" {
		country = strings.ToLower(g.cfg.DefaultCountry)
	}

	candidates := templates[browserType][deviceType]
	if len(candidates) == 0 {
		return schemas.Identity{}, fmt.Errorf("no template for browser %q on %q: %w", browserType, deviceType, schemas.ErrIdentityUnavailable)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.MaxGenerated > 0 && g.generated >= g.cfg.MaxGenerated {
		return schemas.Identity{}, fmt.Errorf("generator exhausted after %d identities: %w", g.generated, schemas.ErrIdentityUnavailable)
	}
	g.generated++

	tpl := candidates[g.rng.Intn(len(candidates))]
	version := tpl.versions[g.rng.Intn(len(tpl.versions))]
	gl := tpl.webgl[g.rng.Intn(len(tpl.webgl))]
	screen := tpl.screens[g.rng.Intn(len(tpl.screens))]
	screen.AvailWidth = screen.Width
	screen.AvailHeight = screen.Height
	if deviceType == schemas.DeviceDesktop {
		// Taskbar or dock.
		screen.AvailHeight = screen.Height - 40
	}

	loc, ok := locales[country]
	if !ok {
		loc = locale{tag: "en-US", languages: []string{"en-US", "en"}, timezones: []string{"UTC"}}
	}

	now := time.Now()
	return schemas.Identity{
		ID:   uuid.NewString(),
		Name: fmt.Sprintf("%s-%s-%s-%04d", browserType, deviceType, country, g.generated),
		Fingerprint: schemas.Fingerprint{
			UserAgent:           tpl.ua(version),
			Platform:            tpl.platform,
			BrowserType:         browserType,
			BrowserVersion:      version,
			DeviceType:          deviceType,
			Country:             country,
			Languages:           append([]string(nil), loc.languages...),
			Timezone:            loc.timezones[g.rng.Intn(len(loc.timezones))],
			Locale:              loc.tag,
			Screen:              screen,
			WebGLVendor:         gl[0],
			WebGLRenderer:       gl[1],
			HardwareConcurrency: tpl.cores[g.rng.Intn(len(tpl.cores))],
			DeviceMemory:        tpl.memory[g.rng.Intn(len(tpl.memory))],
			NoiseSeed:           g.rng.Int63(),
		},
		Behavior:  g.sampleBehavior(),
		CreatedAt: now,
	}, nil
}

// sampleBehavior draws a per-identity behavior profile. Callers hold g.mu.
func (g *Generator) sampleBehavior() schemas.BehaviorProfile {
	b := g.behavior
	typingMean := math.Max(40, behavior.SampleGaussian(g.rng, nonZero(b.TypingMeanMs, 110), 20))
	typingStd := nonZero(b.TypingStdDevMs, 35) * (0.8 + 0.4*g.rng.Float64())

	pauseMin := nonZeroInt(b.NavPauseMinMs, 400)
	pauseMax := nonZeroInt(b.NavPauseMaxMs, 2200)
	if pauseMax <= pauseMin {
		pauseMax = pauseMin + 1
	}
	scale := 0.75 + 0.5*g.rng.Float64()

	return schemas.BehaviorProfile{
		TypingMeanMs:   typingMean,
		TypingStdDevMs: typingStd,
		MouseSpeed:     math.Max(0.4, behavior.SampleGaussian(g.rng, nonZero(b.MouseSpeed, 1.0), 0.15)),
		MouseJitter:    math.Max(0, behavior.SampleGaussian(g.rng, 2.0, 0.5)),
		NavPauseMinMs:  int(float64(pauseMin) * scale),
		NavPauseMaxMs:  int(float64(pauseMax) * scale),
		ScrollStepPx:   300 + g.rng.Intn(300),
	}
}

func nonZero(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func nonZeroInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
