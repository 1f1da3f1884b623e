package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/applications/storage/memory"
	"github.com/anneschuth/pinchwork/infrastructure/config"
	"github.com/anneschuth/pinchwork/infrastructure/logging"
	"github.com/anneschuth/pinchwork/infrastructure/metrics"
)

// fakeClock gives scenario tests control over deadline arithmetic without
// sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testEnv bundles a freshly constructed Service, its backing memory store
// and clock for scenario tests.
type testEnv struct {
	svc   *Service
	store *memory.Store
	clock *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.FromEnv()
	cfg.Windows.ReviewWindow = time.Hour
	cfg.Windows.ClaimWindow = time.Hour
	cfg.Windows.DeliverWindow = time.Hour
	cfg.Windows.SystemWindow = time.Minute

	store := memory.New()
	clock := newFakeClock()
	svc, err := New(context.Background(), store, cfg, Options{
		Logger:  logging.New("test", "error", "text"),
		Metrics: metrics.NewWithRegistry(prometheus.NewRegistry()),
		Clock:   clock,
	})
	require.NoError(t, err)
	return &testEnv{svc: svc, store: store, clock: clock}
}

func (e *testEnv) register(t *testing.T, name string, acceptsSystemWork bool) string {
	t.Helper()
	a, err := e.svc.Register(context.Background(), name, "", acceptsSystemWork)
	require.NoError(t, err)
	return a.ID
}

func (e *testEnv) registerWithCapabilities(t *testing.T, name, capabilities string) string {
	t.Helper()
	a, err := e.svc.Register(context.Background(), name, capabilities, false)
	require.NoError(t, err)
	return a.ID
}
