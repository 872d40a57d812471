// internal/identity/pool.go
package identity

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// Pool owns identity records and hands each one to at most one live session.
// All acquire and release operations run under a single mutex.
type Pool struct {
	factory schemas.IdentityFactory
	logger  *zap.Logger
	maxSize int
	now     func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	identities map[string]*schemas.Identity
	// inUse maps identity id to the holder key of the live lease.
	inUse map[string]string
	// sticky maps a sticky key (task id) to the identity it last held.
	sticky map[string]string
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxSize caps the number of identities the pool will hold. Zero means no cap.
func WithMaxSize(n int) Option {
	return func(p *Pool) { p.maxSize = n }
}

// WithRand sets the selection source, mainly for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(p *Pool) { p.rng = rng }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool creates an empty pool that synthesizes identities through factory.
func NewPool(factory schemas.IdentityFactory, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		factory:    factory,
		logger:     logger.With(zap.String("component", "identity_pool")),
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		identities: make(map[string]*schemas.Identity),
		inUse:      make(map[string]string),
		sticky:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns an identity matching criteria and marks it in use. Sticky
// criteria with a key return the identity previously bound to that key if
// it still exists. When nothing idle matches, a new identity is synthesized.
func (p *Pool) Acquire(ctx context.Context, criteria schemas.IdentityCriteria) (schemas.Identity, error) {
	holder := criteria.StickyKey
	if holder == "" {
		holder = uuid.NewString()
	}

	p.mu.Lock()
	if criteria.Sticky && criteria.StickyKey != "" {
		if id, ok := p.sticky[criteria.StickyKey]; ok {
			if ident, exists := p.identities[id]; exists {
				if owner, busy := p.inUse[id]; !busy || owner == criteria.StickyKey {
					p.inUse[id] = criteria.StickyKey
					p.touch(ident)
					out := ident.Clone()
					p.mu.Unlock()
					p.logger.Debug("Reusing sticky identity", zap.String("identity_id", id), zap.String("sticky_key", criteria.StickyKey))
					return out, nil
				}
			}
		}
	}

	if ident := p.pickIdle(criteria); ident != nil {
		p.bind(ident, holder, criteria)
		out := ident.Clone()
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	if p.factory == nil {
		return schemas.Identity{}, fmt.Errorf("no identity matches %s and no factory is configured: %w", describe(criteria), schemas.ErrIdentityUnavailable)
	}

	// The factory may be slow; it runs outside the lock. The new identity is
	// invisible to other callers until it is added below already marked in use.
	created, err := p.factory.Create(ctx, criteria)
	if err != nil {
		return schemas.Identity{}, fmt.Errorf("synthesizing identity for %s: %w", describe(criteria), err)
	}
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = p.now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxSize > 0 && len(p.identities) >= p.maxSize {
		return schemas.Identity{}, fmt.Errorf("identity pool is at capacity (%d): %w", p.maxSize, schemas.ErrIdentityUnavailable)
	}
	ident := created.Clone()
	p.identities[ident.ID] = &ident
	p.bind(&ident, holder, criteria)

	p.logger.Info("Synthesized new identity",
		zap.String("identity_id", ident.ID),
		zap.String("browser", string(ident.Fingerprint.BrowserType)),
		zap.String("device", string(ident.Fingerprint.DeviceType)),
		zap.String("country", ident.Fingerprint.Country),
	)
	return ident.Clone(), nil
}

// pickIdle selects uniformly at random among idle matches. Callers hold p.mu.
func (p *Pool) pickIdle(criteria schemas.IdentityCriteria) *schemas.Identity {
	candidates := make([]*schemas.Identity, 0, len(p.identities))
	for id, ident := range p.identities {
		if _, busy := p.inUse[id]; busy {
			continue
		}
		if ident.Matches(criteria) {
			candidates = append(candidates, ident)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	// Map iteration order is random but not uniform; sort for a stable base.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[p.rng.Intn(len(candidates))]
}

// bind marks ident in use and records usage. Callers hold p.mu.
func (p *Pool) bind(ident *schemas.Identity, holder string, criteria schemas.IdentityCriteria) {
	p.inUse[ident.ID] = holder
	if criteria.Sticky && criteria.StickyKey != "" {
		p.sticky[criteria.StickyKey] = ident.ID
	}
	p.touch(ident)
}

func (p *Pool) touch(ident *schemas.Identity) {
	ident.UseCount++
	ident.LastUsed = p.now()
}

// Release clears the live binding of an identity. The identity stays in the
// pool, and so does any sticky affinity. Unknown or idle ids are ignored.
func (p *Pool) Release(identityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[identityID]; !ok {
		return
	}
	delete(p.inUse, identityID)
}

// ReportUsage increments the use count and refreshes the last-used time.
func (p *Pool) ReportUsage(identityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ident, ok := p.identities[identityID]; ok {
		p.touch(ident)
	}
}

// UpdateCookies stores the cookie jar captured from a closing session.
func (p *Pool) UpdateCookies(identityID string, cookies []schemas.Cookie) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ident, ok := p.identities[identityID]; ok {
		ident.Cookies = append([]schemas.Cookie(nil), cookies...)
	}
}

// Forget drops the sticky affinity held under key.
func (p *Pool) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sticky, key)
}

// Add registers a pre-provisioned identity. An existing id is replaced unless in use.
func (p *Pool) Add(ident schemas.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = p.now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inUse[ident.ID]; busy {
		return fmt.Errorf("identity %s is in use", ident.ID)
	}
	if _, exists := p.identities[ident.ID]; !exists && p.maxSize > 0 && len(p.identities) >= p.maxSize {
		return fmt.Errorf("identity pool is at capacity (%d): %w", p.maxSize, schemas.ErrIdentityUnavailable)
	}
	clone := ident.Clone()
	p.identities[ident.ID] = &clone
	return nil
}

// Get returns a copy of one identity.
func (p *Pool) Get(identityID string) (schemas.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ident, ok := p.identities[identityID]
	if !ok {
		return schemas.Identity{}, false
	}
	return ident.Clone(), true
}

// InUse reports whether an identity is currently leased.
func (p *Pool) InUse(identityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[identityID]
	return ok
}

// List returns copies of all identities ordered by id.
func (p *Pool) List() []schemas.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schemas.Identity, 0, len(p.identities))
	for _, ident := range p.identities {
		out = append(out, ident.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats reports pool occupancy.
func (p *Pool) Stats() (total, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities), len(p.inUse)
}

// Restore loads persisted identities into the pool.
func (p *Pool) Restore(ctx context.Context, store schemas.PoolStore) error {
	identities, err := store.LoadIdentities(ctx)
	if err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}
	for _, ident := range identities {
		if err := p.Add(ident); err != nil {
			p.logger.Warn("Skipping persisted identity", zap.String("identity_id", ident.ID), zap.Error(err))
		}
	}
	p.logger.Info("Restored identities", zap.Int("count", len(identities)))
	return nil
}

// Snapshot persists every identity.
func (p *Pool) Snapshot(ctx context.Context, store schemas.PoolStore) error {
	if err := store.SaveIdentities(ctx, p.List()); err != nil {
		return fmt.Errorf("saving identities: %w", err)
	}
	return nil
}

func describe(c schemas.IdentityCriteria) string {
	return fmt.Sprintf("browser=%q device=%q country=%q", c.BrowserType, c.DeviceType, c.Country)
}
