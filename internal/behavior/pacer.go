// internal/behavior/pacer.go
package behavior

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// Pacer turns an identity's behavior profile into concrete delays.
type Pacer struct {
	profile  schemas.BehaviorProfile
	settings Settings

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer builds a pacer. A nil rng gets a time-seeded source.
func NewPacer(profile schemas.BehaviorProfile, settings Settings, rng *rand.Rand) *Pacer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pacer{profile: profile, settings: settings, rng: rng}
}

// Settings returns the resolved settings the pacer was built with.
func (p *Pacer) Settings() Settings {
	return p.settings
}

// ActionDelay is the pause before the next browser action.
func (p *Pacer) ActionDelay() time.Duration {
	lo, hi := p.settings.ActionDelayMin, p.settings.ActionDelayMax
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)))
}

// KeyDelay is the pause between two keystrokes.
func (p *Pacer) KeyDelay() time.Duration {
	if !p.settings.HumanTyping {
		return 0
	}
	p.mu.Lock()
	ms := SampleGaussian(p.rng, p.profile.TypingMeanMs, p.profile.TypingStdDevMs)
	p.mu.Unlock()
	return time.Duration(math.Max(20, ms) * float64(time.Millisecond))
}

// NavPause is the reading pause after a page load.
func (p *Pacer) NavPause() time.Duration {
	lo, hi := p.profile.NavPauseMinMs, p.profile.NavPauseMaxMs
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(lo+p.rng.Intn(hi-lo)) * time.Millisecond
}

// ScrollPlan splits a page scroll into jittered steps.
func (p *Pacer) ScrollPlan() []int {
	steps := p.settings.ScrollSteps
	if !p.settings.HumanScroll {
		steps = 1
	}
	base := p.profile.ScrollStepPx
	if base <= 0 {
		base = 400
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	plan := make([]int, steps)
	for i := range plan {
		jitter := SampleGaussian(p.rng, 0, float64(base)*0.15)
		plan[i] = int(math.Max(50, float64(base)+jitter))
	}
	return plan
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SampleGaussian draws from N(mean, stdDev). rng must not be shared without locking.
func SampleGaussian(rng *rand.Rand, mean, stdDev float64) float64 {
	return rng.NormFloat64()*stdDev + mean
}
