package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/padlink/internal/directory"
	"github.com/dreamware/padlink/internal/tunnel"
)

// fakeAcquirer fails the first `failures` calls, then hands out numbered URLs.
type fakeAcquirer struct {
	mu       sync.Mutex
	calls    int
	failures int
	panics   bool
}

func (a *fakeAcquirer) Acquire(ctx context.Context, localPort int) (tunnel.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failures {
		if a.panics {
			panic("provider exploded")
		}
		return tunnel.Session{}, fmt.Errorf("%w: simulated", tunnel.ErrNoTunnel)
	}
	return tunnel.Session{
		PID:       4000 + a.calls,
		PublicURL: fmt.Sprintf("https://t%d.ngrok.app", a.calls),
		StartedAt: time.Now(),
		Attempts:  2,
	}, nil
}

func (a *fakeAcquirer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeDirectory fails or panics on the first `failures` writes.
type fakeDirectory struct {
	mu       sync.Mutex
	values   map[string]string
	writes   int
	failures int
	panics   bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{values: map[string]string{}}
}

func (d *fakeDirectory) Get(ctx context.Context, key string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[key]
	if !ok {
		return "", directory.ErrNotFound
	}
	return v, nil
}

func (d *fakeDirectory) Set(ctx context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if d.writes <= d.failures {
		if d.panics {
			panic("directory exploded")
		}
		return fmt.Errorf("%w: simulated", directory.ErrUnavailable)
	}
	d.values[key] = value
	return nil
}

func (d *fakeDirectory) value(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[key]
}

func fastConfig() Config {
	return Config{
		LocalPort:       5000,
		RefreshInterval: time.Hour,
		RecoverBackoff:  10 * time.Millisecond,
	}
}

// runLoop starts l and returns a function that cancels it and returns Run's error.
func runLoop(t *testing.T, l *Loop) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
			return nil
		}
	}
}

func TestLoopPublishesThenSleeps(t *testing.T) {
	acq := &fakeAcquirer{}
	dir := newFakeDirectory()
	loop := NewLoop(fastConfig(), acq, dir, nil)

	stop := runLoop(t, loop)

	assert.Eventually(t, func() bool { return loop.State() == StateSleep }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://t1.ngrok.app", dir.value(directory.ServerURLKey))
	assert.Equal(t, 1, acq.Calls())

	cycle, ok := loop.LastCycle()
	require.True(t, ok)
	assert.True(t, cycle.Published)
	assert.Equal(t, "https://t1.ngrok.app", cycle.URL)
	assert.Equal(t, 2, cycle.Attempts)
	assert.NotEmpty(t, cycle.ID)
	assert.Empty(t, cycle.Err)
	assert.False(t, cycle.FinishedAt.Before(cycle.StartedAt))

	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestLoopRecoversFromAcquireFailure(t *testing.T) {
	acq := &fakeAcquirer{failures: 2}
	dir := newFakeDirectory()
	loop := NewLoop(fastConfig(), acq, dir, nil)

	stop := runLoop(t, loop)
	defer stop()

	assert.Eventually(t, func() bool {
		return dir.value(directory.ServerURLKey) == "https://t3.ngrok.app"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return loop.Cycles() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestLoopSurvivesPanickingAcquirer(t *testing.T) {
	acq := &fakeAcquirer{failures: 1, panics: true}
	dir := newFakeDirectory()
	loop := NewLoop(fastConfig(), acq, dir, nil)

	stop := runLoop(t, loop)
	defer stop()

	assert.Eventually(t, func() bool {
		return dir.value(directory.ServerURLKey) == "https://t2.ngrok.app"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoopPublishFailureStillSleeps(t *testing.T) {
	acq := &fakeAcquirer{}
	dir := newFakeDirectory()
	dir.failures = 1000
	loop := NewLoop(fastConfig(), acq, dir, nil)

	stop := runLoop(t, loop)
	defer stop()

	assert.Eventually(t, func() bool { return loop.State() == StateSleep }, 2*time.Second, 5*time.Millisecond)

	// A failed write is not retried until the next refresh.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, acq.Calls())

	cycle, ok := loop.LastCycle()
	require.True(t, ok)
	assert.False(t, cycle.Published)
	assert.Contains(t, cycle.Err, "directory unavailable")
}

func TestLoopSurvivesPanickingDirectory(t *testing.T) {
	acq := &fakeAcquirer{}
	dir := newFakeDirectory()
	dir.failures = 1
	dir.panics = true
	loop := NewLoop(fastConfig(), acq, dir, nil)

	stop := runLoop(t, loop)
	defer stop()

	assert.Eventually(t, func() bool {
		return dir.value(directory.ServerURLKey) == "https://t2.ngrok.app"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, acq.Calls())
}

func TestLoopRefreshWakesSleep(t *testing.T) {
	acq := &fakeAcquirer{}
	dir := newFakeDirectory()
	loop := NewLoop(fastConfig(), acq, dir, nil)

	stop := runLoop(t, loop)
	defer stop()

	require.Eventually(t, func() bool { return loop.State() == StateSleep }, 2*time.Second, 5*time.Millisecond)
	loop.Refresh()

	assert.Eventually(t, func() bool {
		return dir.value(directory.ServerURLKey) == "https://t2.ngrok.app"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoopRefreshIsNonBlocking(t *testing.T) {
	loop := NewLoop(fastConfig(), &fakeAcquirer{}, newFakeDirectory(), nil)
	for i := 0; i < 10; i++ {
		loop.Refresh()
	}
}

func TestLoopOverwritesOnEveryInterval(t *testing.T) {
	acq := &fakeAcquirer{}
	dir := newFakeDirectory()
	cfg := fastConfig()
	cfg.RefreshInterval = 10 * time.Millisecond
	loop := NewLoop(cfg, acq, dir, nil)

	var mu sync.Mutex
	var published []string
	loop.SetOnPublished(func(url string) {
		mu.Lock()
		published = append(published, url)
		mu.Unlock()
	})

	stop := runLoop(t, loop)

	assert.Eventually(t, func() bool { return acq.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, published)
	assert.Equal(t, published[len(published)-1], dir.value(directory.ServerURLKey))
}

func TestLoopStopsDuringRecover(t *testing.T) {
	acq := &fakeAcquirer{failures: 1000}
	cfg := fastConfig()
	cfg.RecoverBackoff = time.Hour
	loop := NewLoop(cfg, acq, newFakeDirectory(), nil)

	stop := runLoop(t, loop)
	require.Eventually(t, func() bool { return loop.State() == StateRecover }, 2*time.Second, 5*time.Millisecond)

	err := stop()
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, acq.Calls())
}

func TestLoopDefaults(t *testing.T) {
	loop := NewLoop(Config{}, &fakeAcquirer{}, newFakeDirectory(), nil)
	assert.Equal(t, directory.ServerURLKey, loop.cfg.Key)
	assert.Equal(t, DefaultRefreshInterval, loop.cfg.RefreshInterval)
	assert.Equal(t, DefaultRecoverBackoff, loop.cfg.RecoverBackoff)

	_, ok := loop.LastCycle()
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "acquire", StateAcquire.String())
	assert.Equal(t, "publish", StatePublish.String())
	assert.Equal(t, "sleep", StateSleep.String())
	assert.Equal(t, "recover", StateRecover.String())
	assert.Equal(t, "state(9)", State(9).String())
}

// TestLoopHealthMonitorWiring checks a dead tunnel triggers a new cycle
// before the refresh interval.
func TestLoopHealthMonitorWiring(t *testing.T) {
	acq := &fakeAcquirer{}
	dir := newFakeDirectory()
	loop := NewLoop(fastConfig(), acq, dir, nil)

	monitor := NewHealthMonitor(10*time.Millisecond, 2, nil)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(ctx context.Context, url string) error {
		if url == "https://t1.ngrok.app" {
			return errors.New("tunnel closed")
		}
		return nil
	})
	monitor.SetOnUnhealthy(func(string) { loop.Refresh() })
	loop.SetOnPublished(monitor.Watch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx)
	stop := runLoop(t, loop)
	defer stop()

	assert.Eventually(t, func() bool {
		return dir.value(directory.ServerURLKey) == "https://t2.ngrok.app"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, monitor.IsHealthy, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, acq.Calls())
}
