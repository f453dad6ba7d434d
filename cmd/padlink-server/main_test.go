package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/padlink/internal/config"
	"github.com/dreamware/padlink/internal/directory"
	"github.com/dreamware/padlink/internal/logging"
	"github.com/dreamware/padlink/internal/publisher"
	"github.com/dreamware/padlink/internal/storage"
	"github.com/dreamware/padlink/internal/tunnel"
	"github.com/dreamware/padlink/internal/wire"
)

// fakeTunnels hands out whatever URL the test chooses.
type fakeTunnels struct {
	mu       sync.Mutex
	url      func() string
	acquired int
	stopped  bool
}

func (f *fakeTunnels) Acquire(ctx context.Context, localPort int) (tunnel.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return tunnel.Session{PID: 42, PublicURL: f.url(), StartedAt: time.Now(), Attempts: 1}, nil
}

func (f *fakeTunnels) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeTunnels) counts() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.stopped
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Health.Interval = "0s"
	return cfg
}

// startApp runs a until the returned cancel function is called; cancel
// waits for run to return.
func startApp(t *testing.T, a *app) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.Eventually(t, func() bool {
		return !strings.HasSuffix(a.server.Addr(), ":0")
	}, 2*time.Second, 10*time.Millisecond)

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run did not return after cancel")
		}
	}
}

func TestAppPublishesIngestURL(t *testing.T) {
	dir := directory.NewStoreDirectory(storage.NewMemoryStore())
	tunnels := &fakeTunnels{}
	a := newApp(testConfig(), tunnels, dir, logging.Discard())
	tunnels.url = func() string { return "http://" + a.server.Addr() }

	stop := startApp(t, a)

	var published string
	require.Eventually(t, func() bool {
		url, err := dir.Get(context.Background(), directory.ServerURLKey)
		published = url
		return err == nil && url != ""
	}, 2*time.Second, 10*time.Millisecond)

	var ack wire.Ack
	require.NoError(t, wire.GetJSON(context.Background(), nil, published+"/check-connection", &ack))
	assert.Equal(t, wire.StatusOK, ack.Status)

	body := map[string]any{"button_states": map[string]bool{"cross": true}}
	require.NoError(t, wire.PostJSON(context.Background(), nil, published+"/controller-input", body, &ack))
	assert.Equal(t, wire.StatusSuccess, ack.Status)

	snap, _, ok := a.sink.Snapshot()
	require.True(t, ok)
	assert.Equal(t, []string{"cross"}, snap.Pressed())

	var st struct {
		Publisher struct {
			State     string           `json:"state"`
			Cycles    int              `json:"cycles"`
			LastCycle *publisher.Cycle `json:"last_cycle"`
		} `json:"publisher"`
	}
	require.Eventually(t, func() bool {
		err := wire.GetJSON(context.Background(), nil, published+"/status", &st)
		return err == nil && st.Publisher.State == publisher.StateSleep.String()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, st.Publisher.Cycles)
	require.NotNil(t, st.Publisher.LastCycle)
	assert.True(t, st.Publisher.LastCycle.Published)
	assert.Equal(t, published, st.Publisher.LastCycle.URL)

	stop()

	_, stopped := tunnels.counts()
	assert.True(t, stopped, "tunnel provider stopped on shutdown")

	_, err := http.Get(published + "/check-connection")
	assert.Error(t, err, "ingest server closed on shutdown")
}

func TestAppRefreshesUnhealthyEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Interval = "20ms"
	cfg.Health.MaxFailures = 1

	dir := directory.NewStoreDirectory(storage.NewMemoryStore())
	tunnels := &fakeTunnels{url: func() string { return "http://127.0.0.1:1" }}
	a := newApp(cfg, tunnels, dir, logging.Discard())

	stop := startApp(t, a)
	defer stop()

	require.Eventually(t, func() bool {
		acquired, _ := tunnels.counts()
		return acquired >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunHelp(t *testing.T) {
	assert.NoError(t, run([]string{"--help"}, func(string) string { return "" }))
}

func TestRunInvalidConfig(t *testing.T) {
	err := run([]string{"--refresh-interval", "0s"}, func(string) string { return "" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.refresh_interval")
}

func TestAppBindFailure(t *testing.T) {
	dir := directory.NewStoreDirectory(storage.NewMemoryStore())
	first := newApp(testConfig(), &fakeTunnels{url: func() string { return "" }}, dir, logging.Discard())
	require.NoError(t, first.server.Start())
	defer first.server.Stop(context.Background())

	cfg := testConfig()
	addr := first.server.Addr()
	cfg.Server.Port = mustPort(t, addr)

	second := newApp(cfg, &fakeTunnels{url: func() string { return "" }}, dir, logging.Discard())
	assert.Error(t, second.run(context.Background()))
}

func mustPort(t *testing.T, addr string) int {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return n
}
