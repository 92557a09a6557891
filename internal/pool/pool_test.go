package pool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stealth-fetcher/internal/browser"
)

type fakeDriver struct {
	closed atomic.Bool
	dead   atomic.Bool
}

func (d *fakeDriver) Navigate(context.Context, string, http.Header) error { return nil }
func (d *fakeDriver) WaitReady(context.Context) error                     { return nil }
func (d *fakeDriver) Location(context.Context) (string, error)            { return "about:blank", nil }
func (d *fakeDriver) HTML(context.Context) (string, error)                { return "<html></html>", nil }
func (d *fakeDriver) WaitSelector(context.Context, string) error          { return nil }
func (d *fakeDriver) Response() browser.Response                          { return browser.Response{} }
func (d *fakeDriver) Alive() bool                                         { return !d.dead.Load() }

func (d *fakeDriver) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	drivers []*fakeDriver
	fail    atomic.Bool
}

func (f *fakeFactory) New(context.Context) (browser.Driver, error) {
	if f.fail.Load() {
		return nil, errors.New("chrome failed to start")
	}
	d := &fakeDriver{}
	f.mu.Lock()
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	return d, nil
}

func (f *fakeFactory) created() []*fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeDriver(nil), f.drivers...)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	p := New(cfg, factory.New)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p, factory
}

func waitForQueue(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.GetStats().QueueLength == n
	}, time.Second, 5*time.Millisecond)
}

func TestInitializeCreatesConfiguredSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{1, 3, 5} {
		p, factory := newTestPool(t, Config{Size: size})
		stats := p.GetStats()
		require.Equal(t, size, stats.Total)
		require.Equal(t, size, stats.Available)
		require.Len(t, factory.created(), size)
		require.NoError(t, p.Initialize(context.Background()), "second initialize is a no-op")
		require.Len(t, factory.created(), size)
	}
}

func TestInitializeFailureClosesPartialDrivers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var made []*fakeDriver
	var mu sync.Mutex
	p := New(Config{Size: 3}, func(context.Context) (browser.Driver, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("boom")
		}
		d := &fakeDriver{}
		mu.Lock()
		made = append(made, d)
		mu.Unlock()
		return d, nil
	})
	require.Error(t, p.Initialize(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	for _, d := range made {
		require.True(t, d.closed.Load())
	}
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Size: 2})
	before := p.GetStats().Available

	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, before-1, p.GetStats().Available)
	require.Equal(t, 1, p.GetStats().Busy)

	require.NoError(t, p.Release(inst))
	require.Equal(t, before, p.GetStats().Available)
	require.ErrorIs(t, p.Release(inst), ErrNotInUse)
}

func TestWithDriverMutualExclusion(t *testing.T) {
	t.Parallel()

	const size = 3
	p, _ := newTestPool(t, Config{Size: size, MaxQueueSize: 100, QueueTimeout: 5 * time.Second})

	var (
		mu        sync.Mutex
		holders   = map[string]int{}
		active    atomic.Int32
		maxActive atomic.Int32
		violation atomic.Bool
		wg        sync.WaitGroup
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				err := p.WithDriver(context.Background(), func(_ context.Context, inst *Instance) error {
					mu.Lock()
					holders[inst.ID()]++
					if holders[inst.ID()] > 1 {
						violation.Store(true)
					}
					mu.Unlock()

					n := active.Add(1)
					for {
						m := maxActive.Load()
						if n <= m || maxActive.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					active.Add(-1)

					mu.Lock()
					holders[inst.ID()]--
					mu.Unlock()
					return nil
				})
				if err != nil {
					violation.Store(true)
				}
			}
		}()
	}
	wg.Wait()

	require.False(t, violation.Load())
	require.LessOrEqual(t, maxActive.Load(), int32(size))
	stats := p.GetStats()
	require.Equal(t, int64(120), stats.TotalRequests)
	require.Positive(t, stats.AvgRequestDuration)
}

func TestWithDriverReleasesOnError(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Size: 1})
	boom := errors.New("navigation failed")
	err := p.WithDriver(context.Background(), func(context.Context, *Instance) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, p.GetStats().Available)
}

func TestAcquireQueueFull(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Size: 1, MaxQueueSize: 1, QueueTimeout: 5 * time.Second})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waiter := make(chan error, 1)
	go func() {
		inst, acqErr := p.Acquire(context.Background())
		if acqErr == nil {
			acqErr = p.Release(inst)
		}
		waiter <- acqErr
	}()
	waitForQueue(t, p, 1)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrQueueFull)
	require.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, p.Release(held))
	require.NoError(t, <-waiter)
}

func TestAcquireQueueTimeout(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Size: 1, QueueTimeout: 50 * time.Millisecond})
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrQueueTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Zero(t, p.GetStats().QueueLength)
}

func TestAcquireCancellationFailsQueuedRequest(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Size: 1, QueueTimeout: 10 * time.Second})
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, acqErr := p.Acquire(ctx)
		errCh <- acqErr
	}()
	waitForQueue(t, p, 1)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
	require.Zero(t, p.GetStats().QueueLength)
}

func TestReleaseServesWaitersInFIFOOrder(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Size: 1, QueueTimeout: 5 * time.Second})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan string, 2)
	for i, name := range []string{"first", "second"} {
		go func() {
			inst, acqErr := p.Acquire(context.Background())
			if acqErr != nil {
				order <- "error"
				return
			}
			order <- name
			_ = p.Release(inst)
		}()
		waitForQueue(t, p, i+1)
	}

	require.NoError(t, p.Release(held))
	require.Equal(t, "first", <-order)
	require.Equal(t, "second", <-order)
}

func TestRecycleAfterMaxPages(t *testing.T) {
	t.Parallel()

	p, factory := newTestPool(t, Config{Size: 1, MaxPages: 2})
	originalID := p.Instances()[0].ID

	for range 2 {
		inst, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.Equal(t, originalID, inst.ID())
		require.NoError(t, p.Release(inst))
	}

	require.Eventually(t, func() bool {
		infos := p.Instances()
		return len(infos) == 1 && infos[0].ID != originalID && p.GetStats().Available == 1
	}, time.Second, 5*time.Millisecond)

	drivers := factory.created()
	require.Len(t, drivers, 2)
	require.True(t, drivers[0].closed.Load())
	require.Equal(t, 1, p.GetStats().Total)
}

func TestRecycleFeedsQueuedCaller(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Size: 1, MaxPages: 1, QueueTimeout: 5 * time.Second})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Instance, 1)
	go func() {
		inst, acqErr := p.Acquire(context.Background())
		if acqErr == nil {
			got <- inst
		}
	}()
	waitForQueue(t, p, 1)
	require.NoError(t, p.Release(held))

	select {
	case inst := <-got:
		require.NotEqual(t, held.ID(), inst.ID())
	case <-time.After(time.Second):
		t.Fatal("queued caller was not served by the replacement")
	}
}

func TestRecycleFailureMarksUnhealthy(t *testing.T) {
	t.Parallel()

	p, factory := newTestPool(t, Config{Size: 2, MaxPages: 1})
	factory.fail.Store(true)

	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(inst))

	require.Eventually(t, func() bool {
		return p.GetStats().Unhealthy == 1
	}, time.Second, 5*time.Millisecond)

	stats := p.GetStats()
	require.Equal(t, 1, stats.Available)
	health := p.HealthCheck()
	require.False(t, health.Healthy)
	require.Contains(t, health.Issues, "1 unhealthy instance(s)")
}

func TestHealthSweepRetriesUnhealthyAndReplacesDeadDrivers(t *testing.T) {
	t.Parallel()

	p, factory := newTestPool(t, Config{
		Size:                2,
		MaxPages:            1,
		HealthCheckInterval: 20 * time.Millisecond,
	})
	factory.fail.Store(true)
	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(inst))
	require.Eventually(t, func() bool {
		return p.GetStats().Unhealthy == 1
	}, time.Second, 5*time.Millisecond)

	factory.fail.Store(false)
	factory.created()[1].dead.Store(true)

	require.Eventually(t, func() bool {
		s := p.GetStats()
		return s.Unhealthy == 0 && s.Available == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, factory.created(), 4)
	require.True(t, p.HealthCheck().Healthy)
}

func TestRecycleSweepReplacesAgedIdleInstances(t *testing.T) {
	t.Parallel()

	var offset atomic.Int64
	base := time.Now()
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	factory := &fakeFactory{}
	p := New(Config{Size: 1, MaxAge: time.Hour, RecycleCheckInterval: 10 * time.Millisecond}, factory.New, WithClock(clock))
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	originalID := p.Instances()[0].ID

	offset.Store(int64(2 * time.Hour))
	require.Eventually(t, func() bool {
		infos := p.Instances()
		return infos[0].ID != originalID && p.GetStats().Available == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHealthCheckReportsQueuePressureAndSaturation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, Config{Size: 1, MaxQueueSize: 1, QueueTimeout: 5 * time.Second})
	require.True(t, p.HealthCheck().Healthy)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		inst, acqErr := p.Acquire(context.Background())
		if acqErr == nil {
			_ = p.Release(inst)
		}
	}()
	waitForQueue(t, p, 1)

	health := p.HealthCheck()
	require.False(t, health.Healthy)
	require.Contains(t, health.Issues, "pool saturated")
	require.Contains(t, health.Issues, "queue at 1 of 1")

	require.NoError(t, p.Release(held))
	<-done
}

func TestShutdownFailsPendingAndLaterCalls(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := New(Config{Size: 1, QueueTimeout: 10 * time.Second}, factory.New)
	require.NoError(t, p.Initialize(context.Background()))
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 2)
	for range 2 {
		go func() {
			_, acqErr := p.Acquire(context.Background())
			errCh <- acqErr
		}()
	}
	waitForQueue(t, p, 2)

	require.NoError(t, p.Shutdown(context.Background()))
	for range 2 {
		require.ErrorIs(t, <-errCh, ErrPoolClosed)
	}

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
	require.ErrorIs(t, p.Initialize(context.Background()), ErrPoolClosed)
	require.NoError(t, p.Shutdown(context.Background()))

	for _, d := range factory.created() {
		require.True(t, d.closed.Load())
	}
	stats := p.GetStats()
	require.Zero(t, stats.Total)
	require.Zero(t, stats.Busy)
	require.Zero(t, stats.QueueLength)
	require.False(t, p.HealthCheck().Healthy)
}
