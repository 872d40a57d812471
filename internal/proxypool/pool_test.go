// internal/proxypool/pool_test.go
package proxypool

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/store"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProber answers every probe with err and a fixed latency.
type fakeProber struct {
	mu      sync.Mutex
	err     error
	latency time.Duration
	calls   int
}

func (f *fakeProber) Probe(_ context.Context, _ schemas.Proxy) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.latency, f.err
}

func (f *fakeProber) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeProber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPool(t *testing.T, opts Options, prober Prober, clock *fakeClock) *Pool {
	t.Helper()
	poolOpts := []PoolOption{WithRand(rand.New(rand.NewSource(7)))}
	if clock != nil {
		poolOpts = append(poolOpts, WithClock(clock.Now))
	}
	return New(opts, prober, zaptest.NewLogger(t), poolOpts...)
}

func mustAdd(t *testing.T, p *Pool, proxy schemas.Proxy) string {
	t.Helper()
	id, err := p.Add(proxy)
	require.NoError(t, err)
	return id
}

func TestAcquireFiltering(t *testing.T) {
	p := newTestPool(t, Options{}, nil, nil)
	mustAdd(t, p, schemas.Proxy{ID: "us-res", URL: "http://10.0.0.1:8080", Country: "us", Type: schemas.ProxyResidential, Pool: "main"})
	mustAdd(t, p, schemas.Proxy{ID: "de-dc", URL: "http://10.0.0.2:8080", Country: "de", Type: schemas.ProxyDatacenter})

	t.Run("nil when nothing matches", func(t *testing.T) {
		assert.Nil(t, p.Acquire("s1", schemas.ProxyCriteria{Country: "fr"}))
		assert.Nil(t, p.Acquire("s1", schemas.ProxyCriteria{Pool: "backup"}))
	})

	t.Run("nil when disabled", func(t *testing.T) {
		assert.Nil(t, p.Acquire("s1", schemas.ProxyCriteria{Disabled: true}))
	})

	t.Run("filters by country type and pool", func(t *testing.T) {
		got := p.Acquire("s2", schemas.ProxyCriteria{Country: "US", Type: schemas.ProxyResidential, Pool: "main"})
		require.NotNil(t, got)
		assert.Equal(t, "us-res", got.ID)
		assert.Equal(t, schemas.ProxyInUse, got.Status())
		p.Release("s2")
	})

	t.Run("session limit excludes busy proxies", func(t *testing.T) {
		first := p.Acquire("a", schemas.ProxyCriteria{Country: "de"})
		require.NotNil(t, first)
		assert.Nil(t, p.Acquire("b", schemas.ProxyCriteria{Country: "de"}))
		p.Release("a")
		assert.NotNil(t, p.Acquire("b", schemas.ProxyCriteria{Country: "de"}))
		p.Release("b")
	})
}

func TestReleaseDecrementsOnce(t *testing.T) {
	p := newTestPool(t, Options{MaxSessionsPerProxy: 3}, nil, nil)
	id := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080"})

	require.NotNil(t, p.Acquire("s1", schemas.ProxyCriteria{}))
	require.NotNil(t, p.Acquire("s2", schemas.ProxyCriteria{}))

	p.Release("s1")
	p.Release("s1")
	p.Release("never-acquired")

	got, ok := p.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, got.SessionCount)

	p.ReportFailure(id, false)
	p.Release("s2")
	got, _ = p.Get(id)
	assert.Equal(t, 0, got.SessionCount)
	assert.Equal(t, schemas.ProxyAvailable, got.Health, "release never changes health")
}

func TestHealthLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	prober := &fakeProber{latency: 120 * time.Millisecond}
	p := newTestPool(t, Options{}, prober, clock)
	id := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080", SuccessCount: 10, FailureCount: 10, SuccessRate: 40})

	for i := 0; i < 5; i++ {
		p.ReportFailure(id, false)
	}
	got, _ := p.Get(id)
	assert.Equal(t, schemas.ProxyFailing, got.Status())
	assert.Less(t, got.SuccessRate, 30.0)
	assert.Nil(t, p.Acquire("s1", schemas.ProxyCriteria{}), "failing proxies are never selected")

	assert.Empty(t, p.RetestDue(context.Background()), "cool-down has not elapsed")
	assert.Zero(t, prober.Calls())

	clock.Advance(5 * time.Minute)
	results := p.RetestDue(context.Background())
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)

	got, _ = p.Get(id)
	assert.Equal(t, schemas.ProxyAvailable, got.Status())
	assert.Equal(t, 15, got.FailureCount, "lifetime failures survive a re-test")
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Equal(t, 120*time.Millisecond, got.LastResponseTime)
}

func TestRetestRecoveryHoldsUnderSuccess(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	prober := &fakeProber{latency: 80 * time.Millisecond}
	p := newTestPool(t, Options{}, prober, clock)
	id := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080"})

	for i := 0; i < 30; i++ {
		p.ReportFailure(id, false)
	}
	got, _ := p.Get(id)
	require.Equal(t, schemas.ProxyFailing, got.Health)
	require.Less(t, got.SuccessRate, 5.0)

	clock.Advance(5 * time.Minute)
	require.Len(t, p.RetestDue(context.Background()), 1)
	got, _ = p.Get(id)
	assert.Equal(t, schemas.ProxyAvailable, got.Health)
	assert.GreaterOrEqual(t, got.SuccessRate, 30.0)

	p.ReportSuccess(id, 90*time.Millisecond)
	got, _ = p.Get(id)
	assert.Equal(t, schemas.ProxyAvailable, got.Health, "a success never degrades a recovered proxy")
	assert.Greater(t, got.SuccessRate, 30.0)
	assert.NotNil(t, p.Acquire("s1", schemas.ProxyCriteria{}))
}

func TestFailedRetestRestartsCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	prober := &fakeProber{err: errors.New("connection refused")}
	p := newTestPool(t, Options{Cooldown: time.Minute}, prober, clock)
	id := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080"})

	for i := 0; i < 5; i++ {
		p.ReportFailure(id, false)
	}
	clock.Advance(time.Minute)

	results := p.RetestDue(context.Background())
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Error(t, results[0].Err)

	got, _ := p.Get(id)
	assert.Equal(t, schemas.ProxyFailing, got.Status())

	clock.Advance(30 * time.Second)
	assert.Empty(t, p.RetestDue(context.Background()))

	prober.setErr(nil)
	clock.Advance(30 * time.Second)
	results = p.RetestDue(context.Background())
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
}

func TestBannedProxy(t *testing.T) {
	prober := &fakeProber{latency: 50 * time.Millisecond}
	p := newTestPool(t, Options{}, prober, nil)
	id := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080"})

	var transitions []schemas.ProxyStatus
	p.hook = func(_ schemas.Proxy, _, to schemas.ProxyStatus) { transitions = append(transitions, to) }

	p.ReportFailure(id, true)
	got, _ := p.Get(id)
	assert.Equal(t, schemas.ProxyBanned, got.Status())

	p.ReportSuccess(id, 10*time.Millisecond)
	got, _ = p.Get(id)
	assert.Equal(t, schemas.ProxyBanned, got.Status(), "only a re-test lifts a ban")

	assert.Empty(t, p.RetestDue(context.Background()), "banned proxies are not re-tested automatically")

	res := p.Test(context.Background(), id)
	assert.True(t, res.OK)
	assert.Equal(t, schemas.ProxyAvailable, res.Status)
	assert.Equal(t, []schemas.ProxyStatus{schemas.ProxyBanned, schemas.ProxyAvailable}, transitions)

	assert.ErrorIs(t, p.Test(context.Background(), "missing").Err, ErrProxyNotFound)
}

func TestSmartStrategy(t *testing.T) {
	p := newTestPool(t, Options{Strategy: schemas.StrategySmart}, nil, nil)
	slow := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080"})
	fast := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.2:8080"})
	flaky := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.3:8080"})

	p.ReportSuccess(slow, 900*time.Millisecond)
	p.ReportSuccess(fast, 100*time.Millisecond)
	p.ReportSuccess(flaky, 80*time.Millisecond)
	p.ReportFailure(flaky, false)
	p.ReportFailure(flaky, false)
	p.ReportFailure(flaky, false)

	got := p.Acquire("s1", schemas.ProxyCriteria{})
	require.NotNil(t, got)
	assert.Equal(t, fast, got.ID)
}

func TestRoundRobinStrategy(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	p := newTestPool(t, Options{Strategy: schemas.StrategyRoundRobin, RoundRobinBucket: time.Second}, nil, clock)
	ids := []string{
		mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080"}),
		mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.2:8080"}),
		mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.3:8080"}),
	}

	for bucket := 0; bucket < 6; bucket++ {
		got := p.Acquire("s", schemas.ProxyCriteria{})
		require.NotNil(t, got)
		assert.Equal(t, ids[bucket%3], got.ID, "bucket %d", bucket)
		p.Release("s")
		clock.Advance(time.Second)
	}
}

func TestPerPoolStrategyAndSticky(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	p := newTestPool(t, Options{
		Strategy:       schemas.StrategyRoundRobin,
		PoolStrategies: map[string]schemas.ProxyStrategy{"resi": schemas.StrategySticky},
	}, nil, clock)
	for _, u := range []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080", "http://10.0.0.3:8080"} {
		mustAdd(t, p, schemas.Proxy{URL: u, Pool: "resi"})
	}

	criteria := schemas.ProxyCriteria{Pool: "resi", StickyKey: "task-1"}
	first := p.Acquire("session-1", criteria)
	require.NotNil(t, first)
	p.Release("session-1")

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		again := p.Acquire("session-2", criteria)
		require.NotNil(t, again)
		assert.Equal(t, first.ID, again.ID)
		p.Release("session-2")
	}

	p.ReportFailure(first.ID, true)
	moved := p.Acquire("session-3", criteria)
	require.NotNil(t, moved)
	assert.NotEqual(t, first.ID, moved.ID, "sticky falls back when the bound proxy is unhealthy")
}

func TestAddRemove(t *testing.T) {
	p := newTestPool(t, Options{}, nil, nil)
	id := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080", Username: "u"})

	_, err := p.Add(schemas.Proxy{URL: "http://10.0.0.1:8080", Username: "u"})
	assert.Error(t, err, "duplicate endpoint")
	_, err = p.Add(schemas.Proxy{URL: "ftp://10.0.0.9:21"})
	assert.Error(t, err)

	held := p.Acquire("s1", schemas.ProxyCriteria{})
	require.NotNil(t, held)
	assert.True(t, p.Remove(id))
	assert.False(t, p.Remove(id))
	p.Release("s1")
	assert.Equal(t, Stats{}, p.Stats())
}

func TestSuccessRateStaysBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := New(Options{}, nil, nil)
		id, err := p.Add(schemas.Proxy{URL: "http://10.0.0.1:8080"})
		if err != nil {
			t.Fatal(err)
		}
		reports := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 200).Draw(t, "reports")
		for _, r := range reports {
			switch r {
			case 0:
				p.ReportSuccess(id, time.Duration(rapid.IntRange(1, 5000).Draw(t, "ms"))*time.Millisecond)
			case 1:
				p.ReportFailure(id, false)
			case 2:
				p.Acquire("s", schemas.ProxyCriteria{})
				p.Release("s")
			}
			got, _ := p.Get(id)
			if got.SuccessRate < 0 || got.SuccessRate > 100 {
				t.Fatalf("success rate %v out of bounds", got.SuccessRate)
			}
			wantFailing := got.ConsecutiveFailures >= 5 || got.SuccessRate < 30
			if wantFailing != (got.Health == schemas.ProxyFailing) {
				t.Fatalf("health %s inconsistent with rate %.2f and %d consecutive failures",
					got.Health, got.SuccessRate, got.ConsecutiveFailures)
			}
			if got.SessionCount != 0 {
				t.Fatalf("session count leaked: %d", got.SessionCount)
			}
		}
	})
}

func TestRunLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	prober := &fakeProber{}
	p := newTestPool(t, Options{Cooldown: time.Millisecond, CheckInterval: 5 * time.Millisecond}, prober, nil)
	id := mustAdd(t, p, schemas.Proxy{URL: "http://10.0.0.1:8080"})
	p.ReportFailure(id, false)
	p.ReportFailure(id, false)
	p.ReportFailure(id, false)
	p.ReportFailure(id, false)
	p.ReportFailure(id, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		got, _ := p.Get(id)
		return got.Health == schemas.ProxyAvailable
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.GreaterOrEqual(t, prober.Calls(), 1)
}

func TestTestAll(t *testing.T) {
	prober := &fakeProber{latency: time.Millisecond}
	p := newTestPool(t, Options{}, prober, nil)
	for _, u := range []string{"http://10.0.0.1:8080", "http://10.0.0.2:8080", "socks5://10.0.0.3:1080"} {
		mustAdd(t, p, schemas.Proxy{URL: u})
	}

	results := p.TestAll(context.Background(), 2)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.OK, r.ProxyID)
		assert.False(t, strings.HasPrefix(r.ProxyID, " "))
	}
	assert.Equal(t, 3, prober.Calls())
}

func TestRemovedProxyStaysRemovedAcrossRestore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pools := store.NewRedis(client, "harvest:", 0, zaptest.NewLogger(t))

	first := newTestPool(t, Options{}, nil, nil)
	keep := mustAdd(t, first, schemas.Proxy{URL: "http://10.0.0.1:8080"})
	drop := mustAdd(t, first, schemas.Proxy{URL: "http://10.0.0.2:8080"})
	require.NoError(t, first.Snapshot(ctx, pools))

	require.True(t, first.Remove(drop))
	require.NoError(t, first.Snapshot(ctx, pools))

	second := newTestPool(t, Options{}, nil, nil)
	require.NoError(t, second.Restore(ctx, pools))
	assert.Equal(t, 1, second.Stats().Total)
	_, ok := second.Get(keep)
	assert.True(t, ok)
	_, ok = second.Get(drop)
	assert.False(t, ok, "a removed proxy must not come back")

	// The tombstone survives another snapshot cycle.
	require.NoError(t, second.Snapshot(ctx, pools))
	third := newTestPool(t, Options{}, nil, nil)
	require.NoError(t, third.Restore(ctx, pools))
	assert.Equal(t, 1, third.Stats().Total)

	// Adding the proxy back clears the removal.
	_, err := third.Add(schemas.Proxy{ID: drop, URL: "http://10.0.0.2:8080"})
	require.NoError(t, err)
	require.NoError(t, third.Snapshot(ctx, pools))
	fourth := newTestPool(t, Options{}, nil, nil)
	require.NoError(t, fourth.Restore(ctx, pools))
	assert.Equal(t, 2, fourth.Stats().Total)
}
