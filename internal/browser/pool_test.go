package browser_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser"
	"github.com/JakeFAU/dsl-png-renderer/internal/browser/browsertest"
)

func newStartedPool(t *testing.T, cfg browser.Config, launcher *browsertest.Launcher) *browser.Pool {
	t.Helper()
	if cfg.LaunchRetryDelay == 0 {
		cfg.LaunchRetryDelay = 5 * time.Millisecond
	}
	pool, err := browser.NewPool(cfg, launcher, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	return pool
}

func TestNewPoolRequiresLauncher(t *testing.T) {
	t.Parallel()

	_, err := browser.NewPool(browser.Config{}, nil, nil)
	require.Error(t, err)
}

func TestPoolStartWarmsInstances(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	pool := newStartedPool(t, browser.Config{Size: 3}, launcher)

	require.Equal(t, 3, launcher.Launched())
	h := pool.Health()
	require.Equal(t, 3, h.Available)
	require.Equal(t, 3, h.Total)
	require.Zero(t, h.Busy)
	require.Equal(t, "closed", h.BreakerState)
	require.True(t, pool.Ready())
}

func TestPoolAcquireExhaustedNeverGrows(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	pool := newStartedPool(t, browser.Config{Size: 2}, launcher)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.NotEqual(t, first.Instance().ID(), second.Instance().ID())

	_, err = pool.Acquire(ctx, 20*time.Millisecond)
	require.ErrorIs(t, err, browser.ErrPoolExhausted)
	require.Equal(t, 2, launcher.Launched())

	h := pool.Health()
	require.Equal(t, 2, h.Busy)
	require.Zero(t, h.Available)

	first.Release(browser.Success)
	first.Release(browser.Success) // idempotent
	third, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, first.Instance().ID(), third.Instance().ID())
	third.Release(browser.Success)
	second.Release(browser.Success)
	require.Equal(t, 2, pool.Health().Available)
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	pool := newStartedPool(t, browser.Config{Size: 1}, browsertest.NewLauncher())
	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release(browser.Success)
	}()
	next, err := pool.Acquire(context.Background(), 2*time.Second)
	require.NoError(t, err)
	next.Release(browser.Success)
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	pool := newStartedPool(t, browser.Config{Size: 1}, browsertest.NewLauncher())
	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer lease.Release(browser.Success)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPoolRetiresInstanceAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	pool := newStartedPool(t, browser.Config{Size: 1, MaxFailures: 3, BreakerMinRequests: 100}, launcher)
	ctx := context.Background()

	var failedID string
	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(ctx, time.Second)
		require.NoError(t, err)
		if failedID == "" {
			failedID = lease.Instance().ID()
		}
		require.Equal(t, failedID, lease.Instance().ID())
		lease.Release(browser.Failure)
	}

	require.Eventually(t, func() bool {
		return launcher.Launched() == 2 && pool.Health().Available == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, launcher.Instances()[0].Closed())

	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.NotEqual(t, failedID, lease.Instance().ID())
	lease.Release(browser.Success)
}

func TestPoolSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	pool := newStartedPool(t, browser.Config{Size: 1, MaxFailures: 2, BreakerMinRequests: 100}, launcher)
	ctx := context.Background()

	for _, outcome := range []browser.Outcome{browser.Failure, browser.Success, browser.Failure, browser.Success} {
		lease, err := pool.Acquire(ctx, time.Second)
		require.NoError(t, err)
		lease.Release(outcome)
	}
	require.Equal(t, 1, launcher.Launched())
}

func TestPoolCircuitBreaker(t *testing.T) {
	t.Parallel()

	pool := newStartedPool(t, browser.Config{
		Size:                1,
		MaxFailures:         1000,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.6,
		BreakerCooldown:     50 * time.Millisecond,
	}, browsertest.NewLauncher())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		lease, err := pool.Acquire(ctx, time.Second)
		require.NoError(t, err)
		lease.Release(browser.Failure)
	}
	require.Equal(t, "open", pool.Health().BreakerState)
	require.False(t, pool.Ready())

	start := time.Now()
	_, err := pool.Acquire(ctx, time.Second)
	require.ErrorIs(t, err, browser.ErrCircuitOpen)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	// Half-open trial fails: breaker reopens.
	require.Eventually(t, func() bool { return pool.Health().BreakerState == "half-open" }, time.Second, 5*time.Millisecond)
	trial, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	trial.Release(browser.Failure)
	require.Equal(t, "open", pool.Health().BreakerState)

	// Half-open trial succeeds: breaker closes.
	require.Eventually(t, func() bool { return pool.Health().BreakerState == "half-open" }, time.Second, 5*time.Millisecond)
	trial, err = pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	trial.Release(browser.Success)
	require.Equal(t, "closed", pool.Health().BreakerState)
	require.True(t, pool.Ready())
}

func TestPoolBreakerOpensWhenEngineCannotRelaunch(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	pool := newStartedPool(t, browser.Config{
		Size:                1,
		MaxFailures:         1,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.6,
		BreakerCooldown:     time.Minute,
	}, launcher)
	ctx := context.Background()

	// The only instance dies and the engine never comes back.
	launcher.FailLaunches(1 << 20)
	lease, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	lease.Release(browser.Failure)

	for i := 0; i < 20; i++ {
		if _, err = pool.Acquire(ctx, 10*time.Millisecond); errors.Is(err, browser.ErrCircuitOpen) {
			break
		}
		require.ErrorIs(t, err, browser.ErrPoolExhausted)
	}
	require.ErrorIs(t, err, browser.ErrCircuitOpen)
	require.Equal(t, "open", pool.Health().BreakerState)
	require.Zero(t, pool.Health().Total)
	require.False(t, pool.Ready())

	start := time.Now()
	_, err = pool.Acquire(ctx, time.Second)
	require.ErrorIs(t, err, browser.ErrCircuitOpen)
	require.Less(t, time.Since(start), 500*time.Millisecond, "an open breaker must fail fast")
}

func TestPoolAcquireTimeoutsCountAgainstBreaker(t *testing.T) {
	t.Parallel()

	pool := newStartedPool(t, browser.Config{
		Size:                1,
		BreakerMinRequests:  3,
		BreakerFailureRatio: 0.6,
		BreakerCooldown:     time.Minute,
	}, browsertest.NewLauncher())
	ctx := context.Background()

	held, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer held.Release(browser.Success)

	// Three requests, two of them timeouts, crosses the 0.6 ratio.
	for i := 0; i < 2; i++ {
		_, err = pool.Acquire(ctx, 5*time.Millisecond)
		require.ErrorIs(t, err, browser.ErrPoolExhausted)
	}
	require.Equal(t, "open", pool.Health().BreakerState)
	_, err = pool.Acquire(ctx, time.Second)
	require.ErrorIs(t, err, browser.ErrCircuitOpen)
}

func TestPoolSweepRecyclesIdleAndWornInstances(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	pool := newStartedPool(t, browser.Config{
		Size:          2,
		MaxIdleAge:    time.Minute,
		MaxUses:       2,
		SweepInterval: time.Hour,
	}, launcher)
	ctx := context.Background()

	// Nothing is stale yet.
	require.Zero(t, pool.Sweep())

	// Wear out one instance.
	var worn string
	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire(ctx, time.Second)
		require.NoError(t, err)
		if worn == "" {
			worn = lease.Instance().ID()
		}
		if lease.Instance().ID() != worn {
			// Keep the other instance busy so the worn one comes back.
			defer lease.Release(browser.Success)
			i--
			continue
		}
		lease.Release(browser.Success)
	}
	require.Equal(t, 1, pool.Sweep())
	require.Eventually(t, func() bool {
		return launcher.Launched() == 3 && pool.Health().Available == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Age the idle replacement past MaxIdleAge; the busy instance is skipped.
	future := time.Now().Add(2 * time.Minute)
	pool.SetNow(func() time.Time { return future })
	require.Equal(t, 1, pool.Sweep())
}

func TestPoolReplacesFailedLaunches(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	launcher.FailLaunches(2)
	pool := newStartedPool(t, browser.Config{Size: 3}, launcher)

	require.Eventually(t, func() bool {
		h := pool.Health()
		return h.Total == 3 && h.Unhealthy == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolStartFailsWhenNothingLaunches(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	launcher.FailLaunches(1000)
	pool, err := browser.NewPool(browser.Config{Size: 2, LaunchRetryDelay: time.Millisecond}, launcher, nil)
	require.NoError(t, err)
	err = pool.Start(context.Background())
	require.ErrorIs(t, err, browsertest.ErrInjected)
	require.False(t, pool.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Close(ctx))
}

func TestPoolClose(t *testing.T) {
	t.Parallel()

	launcher := browsertest.NewLauncher()
	pool, err := browser.NewPool(browser.Config{Size: 2}, launcher, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	lease, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Close(ctx))

	_, err = pool.Acquire(context.Background(), time.Second)
	require.ErrorIs(t, err, browser.ErrPoolClosed)

	closed := 0
	for _, inst := range launcher.Instances() {
		if inst.Closed() {
			closed++
		}
	}
	require.Equal(t, 1, closed)

	lease.Release(browser.Success)
	for _, inst := range launcher.Instances() {
		require.True(t, inst.Closed())
	}
}

func TestPoolNeverLendsInstanceTwice(t *testing.T) {
	t.Parallel()

	pool := newStartedPool(t, browser.Config{Size: 3}, browsertest.NewLauncher())

	var (
		mu      sync.Mutex
		inUse   = map[string]bool{}
		busy    atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
		errs    = make(chan error, 40)
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			id := lease.Instance().ID()
			mu.Lock()
			if inUse[id] {
				mu.Unlock()
				errs <- errors.New("instance leased twice: " + id)
				lease.Release(browser.Success)
				return
			}
			inUse[id] = true
			mu.Unlock()

			n := busy.Add(1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			busy.Add(-1)

			mu.Lock()
			inUse[id] = false
			mu.Unlock()
			lease.Release(browser.Success)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.LessOrEqual(t, maxSeen.Load(), int32(3))
}
