// internal/behavior/settings.go
package behavior

import (
	"time"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

// Settings is the fully resolved pacing configuration of one task.
type Settings struct {
	ActionDelayMin    time.Duration
	ActionDelayMax    time.Duration
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	HumanTyping       bool
	HumanScroll       bool
	ScrollSteps       int
}

// BuiltinDefaults is the last layer of resolution.
func BuiltinDefaults() Settings {
	return Settings{
		ActionDelayMin:    250 * time.Millisecond,
		ActionDelayMax:    1200 * time.Millisecond,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     30 * time.Second,
		RequestTimeout:    60 * time.Second,
		RequestsPerSecond: 2,
		HumanTyping:       true,
		HumanScroll:       true,
		ScrollSteps:       3,
	}
}

// PoolDefaults lifts the configured defaults into an override layer. Zero
// values are left unset so they fall through to the built-in layer.
func PoolDefaults(b config.BehaviorConfig, br config.BrowserConfig, n config.NetworkConfig) schemas.BehaviorOverrides {
	var o schemas.BehaviorOverrides
	if b.ActionDelayMin > 0 {
		o.ActionDelayMin = ptr(b.ActionDelayMin)
	}
	if b.ActionDelayMax > 0 {
		o.ActionDelayMax = ptr(b.ActionDelayMax)
	}
	if br.NavigationTimeout > 0 {
		o.NavigationTimeout = ptr(br.NavigationTimeout)
	}
	if br.ActionTimeout > 0 {
		o.ActionTimeout = ptr(br.ActionTimeout)
	}
	if n.Timeout > 0 {
		o.RequestTimeout = ptr(n.Timeout)
	}
	if b.RequestsPerSecond > 0 {
		o.RequestsPerSecond = ptr(b.RequestsPerSecond)
	}
	if b.ScrollSteps > 0 {
		o.ScrollSteps = ptr(b.ScrollSteps)
	}
	o.HumanTyping = ptr(b.HumanTyping)
	o.HumanScroll = ptr(b.HumanScroll)
	return o
}

// Resolve merges the task layer over the pool layer over the built-in layer.
func Resolve(task, pool schemas.BehaviorOverrides, builtin Settings) Settings {
	s := builtin
	for _, layer := range []schemas.BehaviorOverrides{pool, task} {
		s.ActionDelayMin = pick(layer.ActionDelayMin, s.ActionDelayMin)
		s.ActionDelayMax = pick(layer.ActionDelayMax, s.ActionDelayMax)
		s.NavigationTimeout = pick(layer.NavigationTimeout, s.NavigationTimeout)
		s.ActionTimeout = pick(layer.ActionTimeout, s.ActionTimeout)
		s.RequestTimeout = pick(layer.RequestTimeout, s.RequestTimeout)
		s.RequestsPerSecond = pick(layer.RequestsPerSecond, s.RequestsPerSecond)
		s.HumanTyping = pick(layer.HumanTyping, s.HumanTyping)
		s.HumanScroll = pick(layer.HumanScroll, s.HumanScroll)
		s.ScrollSteps = pick(layer.ScrollSteps, s.ScrollSteps)
	}
	if s.ActionDelayMax < s.ActionDelayMin {
		s.ActionDelayMax = s.ActionDelayMin
	}
	if s.ScrollSteps < 1 {
		s.ScrollSteps = 1
	}
	return s
}

func pick[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}

func ptr[T any](v T) *T { return &v }
