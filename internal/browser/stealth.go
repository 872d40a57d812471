// internal/browser/stealth.go
package browser

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

//go:embed evasions.js
var evasionsScript string

// persona is the fingerprint shape the evasion script reads.
type persona struct {
	UserAgent           string   `json:"userAgent"`
	Platform            string   `json:"platform"`
	Vendor              string   `json:"vendor"`
	Languages           []string `json:"languages"`
	WebGLVendor         string   `json:"webGLVendor,omitempty"`
	WebGLRenderer       string   `json:"webGLRenderer,omitempty"`
	HardwareConcurrency int      `json:"hardwareConcurrency,omitempty"`
	DeviceMemory        int      `json:"deviceMemory,omitempty"`
	Screen              struct {
		Width       int64 `json:"width"`
		Height      int64 `json:"height"`
		AvailWidth  int64 `json:"availWidth"`
		AvailHeight int64 `json:"availHeight"`
		ColorDepth  int   `json:"colorDepth"`
	} `json:"screen"`
	NoiseSeed   int64 `json:"noiseSeed"`
	MaxTouch    int   `json:"maxTouchPoints"`
	HideChrome  bool  `json:"hideChrome"`
	ChromeShape bool  `json:"chromeShape"`
}

func newPersona(fp schemas.Fingerprint) persona {
	p := persona{
		UserAgent:           fp.UserAgent,
		Platform:            fp.Platform,
		Languages:           fp.Languages,
		WebGLVendor:         fp.WebGLVendor,
		WebGLRenderer:       fp.WebGLRenderer,
		HardwareConcurrency: fp.HardwareConcurrency,
		DeviceMemory:        fp.DeviceMemory,
		NoiseSeed:           fp.NoiseSeed,
	}
	p.Screen.Width = fp.Screen.Width
	p.Screen.Height = fp.Screen.Height
	p.Screen.AvailWidth = fp.Screen.AvailWidth
	p.Screen.AvailHeight = fp.Screen.AvailHeight
	p.Screen.ColorDepth = fp.Screen.ColorDepth
	if p.Screen.ColorDepth == 0 {
		p.Screen.ColorDepth = 24
	}

	switch fp.BrowserType {
	case schemas.BrowserFirefox:
		// Firefox exposes no window.chrome and an empty vendor.
		p.HideChrome = true
	case schemas.BrowserWebKit:
		p.Vendor = "Apple Computer, Inc."
		p.HideChrome = true
	default:
		p.Vendor = "Google Inc."
		p.ChromeShape = true
	}
	if fp.DeviceType == schemas.DeviceMobile || fp.DeviceType == schemas.DeviceTablet {
		p.MaxTouch = 5
	}
	return p
}

// acceptLanguageHeader renders languages with descending q-values, floored at 0.7.
func acceptLanguageHeader(langs []string) string {
	if len(langs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(langs[0])
	for i, lang := range langs[1:] {
		q := 0.9 - float64(i)*0.1
		if q < 0.7 {
			q = 0.7
		}
		fmt.Fprintf(&b, ",%s;q=%.1f", lang, q)
	}
	return b.String()
}

// applyStealth makes the tab present the identity's fingerprint.
func applyStealth(ident schemas.Identity, viewport schemas.Viewport, logger *zap.Logger) chromedp.Action {
	fp := ident.Fingerprint
	return chromedp.Tasks{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if al := acceptLanguageHeader(fp.Languages); al != "" {
				if err := network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": al}).Do(ctx); err != nil {
					return fmt.Errorf("stealth: setting headers: %w", err)
				}
			}
			if fp.UserAgent != "" {
				override := emulation.SetUserAgentOverride(fp.UserAgent).
					WithPlatform(fp.Platform).
					WithAcceptLanguage(strings.Join(fp.Languages, ","))
				if err := override.Do(ctx); err != nil {
					return fmt.Errorf("stealth: user agent override: %w", err)
				}
			}
			if fp.Timezone != "" {
				if err := emulation.SetTimezoneOverride(fp.Timezone).Do(ctx); err != nil {
					return fmt.Errorf("stealth: timezone override: %w", err)
				}
			}
			if fp.Locale != "" {
				locale := strings.ReplaceAll(fp.Locale, "_", "-")
				if err := emulation.SetLocaleOverride().WithLocale(locale).Do(ctx); err != nil {
					// Chrome rejects a second locale override per renderer; not fatal.
					logger.Debug("Locale override rejected", zap.String("locale", locale), zap.Error(err))
				}
			}
			return nil
		}),
		emulateViewport(viewport, fp.Screen),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, err := json.Marshal(newPersona(fp))
			if err != nil {
				return fmt.Errorf("stealth: encoding persona: %w", err)
			}
			script := fmt.Sprintf("const HARVEST_PERSONA = %s;\n%s", data, evasionsScript)
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("stealth: registering evasions: %w", err)
			}
			return nil
		}),
		chromedp.ActionFunc(func(context.Context) error {
			logger.Debug("Stealth profile applied", zap.String("identity_id", ident.ID), zap.String("user_agent", fp.UserAgent))
			return nil
		}),
	}
}

// emulateViewport sets device metrics, and touch for handheld viewports.
func emulateViewport(vp schemas.Viewport, screen schemas.Screen) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if vp.Width <= 0 || vp.Height <= 0 {
			return nil
		}
		scale := vp.DeviceScaleFactor
		if scale <= 0 {
			scale = 1
		}
		orientation := emulation.OrientationTypeLandscapePrimary
		if vp.Height > vp.Width {
			orientation = emulation.OrientationTypePortraitPrimary
		}
		metrics := emulation.SetDeviceMetricsOverride(vp.Width, vp.Height, scale, vp.Mobile).
			WithScreenOrientation(&emulation.ScreenOrientation{Type: orientation})
		if screen.Width > 0 && screen.Height > 0 {
			metrics = metrics.WithScreenWidth(screen.Width).WithScreenHeight(screen.Height)
		}
		if err := metrics.Do(ctx); err != nil {
			return fmt.Errorf("setting device metrics: %w", err)
		}
		if err := emulation.SetTouchEmulationEnabled(vp.Mobile).WithMaxTouchPoints(5).Do(ctx); err != nil {
			return fmt.Errorf("setting touch emulation: %w", err)
		}
		return nil
	})
}

// restoreCookies loads the identity's cookie jar into the browser.
func restoreCookies(cookies []schemas.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			set := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure)
			if c.Expires > 0 {
				sec := int64(c.Expires)
				expires := cdp.TimeSinceEpoch(time.Unix(sec, 0))
				set = set.WithExpires(&expires)
			}
			if err := set.Do(ctx); err != nil {
				return fmt.Errorf("restoring cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}
