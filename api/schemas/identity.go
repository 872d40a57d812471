package schemas

import (
	"time"
)

// BrowserType is the browser family an identity presents as.
type BrowserType string

const (
	BrowserChrome  BrowserType = "chrome"
	BrowserFirefox BrowserType = "firefox"
	BrowserWebKit  BrowserType = "webkit"
	BrowserEdge    BrowserType = "edge"
)

// DeviceType is the device class an identity presents as.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

// Screen describes the display reported to pages.
type Screen struct {
	Width       int64   `json:"width"`
	Height      int64   `json:"height"`
	AvailWidth  int64   `json:"avail_width,omitempty"`
	AvailHeight int64   `json:"avail_height,omitempty"`
	ColorDepth  int     `json:"color_depth,omitempty"`
	PixelRatio  float64 `json:"pixel_ratio,omitempty"`
}

// Fingerprint is the full set of browser-visible attributes of an identity.
type Fingerprint struct {
	UserAgent           string      `json:"user_agent"`
	Platform            string      `json:"platform"`
	BrowserType         BrowserType `json:"browser_type"`
	BrowserVersion      string      `json:"browser_version,omitempty"`
	DeviceType          DeviceType  `json:"device_type"`
	Country             string      `json:"country,omitempty"`
	Languages           []string    `json:"languages"`
	Timezone            string      `json:"timezone,omitempty"`
	Locale              string      `json:"locale,omitempty"`
	Screen              Screen      `json:"screen"`
	WebGLVendor         string      `json:"webgl_vendor,omitempty"`
	WebGLRenderer       string      `json:"webgl_renderer,omitempty"`
	HardwareConcurrency int         `json:"hardware_concurrency,omitempty"`
	DeviceMemory        int         `json:"device_memory,omitempty"`
	NoiseSeed           int64       `json:"noise_seed,omitempty"`
}

// BehaviorProfile captures how an identity types, moves and pauses.
type BehaviorProfile struct {
	TypingMeanMs   float64 `json:"typing_mean_ms"`
	TypingStdDevMs float64 `json:"typing_stddev_ms"`
	MouseSpeed     float64 `json:"mouse_speed"`
	MouseJitter    float64 `json:"mouse_jitter"`
	NavPauseMinMs  int     `json:"nav_pause_min_ms"`
	NavPauseMaxMs  int     `json:"nav_pause_max_ms"`
	ScrollStepPx   int     `json:"scroll_step_px"`
}

// Cookie is a persisted browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Identity is a reusable synthetic browsing persona.
type Identity struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Fingerprint  Fingerprint       `json:"fingerprint"`
	Behavior     BehaviorProfile   `json:"behavior"`
	UseCount     int               `json:"use_count"`
	LastUsed     time.Time         `json:"last_used,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Cookies      []Cookie          `json:"cookies,omitempty"`
	LocalStorage map[string]string `json:"local_storage,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the pool.
func (i Identity) Clone() Identity {
	out := i
	out.Fingerprint.Languages = append([]string(nil), i.Fingerprint.Languages...)
	out.Cookies = append([]Cookie(nil), i.Cookies...)
	if i.LocalStorage != nil {
		out.LocalStorage = make(map[string]string, len(i.LocalStorage))
		for k, v := range i.LocalStorage {
			out.LocalStorage[k] = v
		}
	}
	return out
}

// Matches reports whether the identity satisfies the filter part of c.
func (i Identity) Matches(c IdentityCriteria) bool {
	if c.BrowserType != "" && i.Fingerprint.BrowserType != c.BrowserType {
		return false
	}
	if c.DeviceType != "" && i.Fingerprint.DeviceType != c.DeviceType {
		return false
	}
	if c.Country != "" && !equalFold(i.Fingerprint.Country, c.Country) {
		return false
	}
	return true
}
