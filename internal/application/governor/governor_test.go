package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dago-kernel/pkg/ports"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	g, err := New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return g
}

// waitQueued blocks until n acquisitions are waiting.
func waitQueued(t *testing.T, g *Governor, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return g.Utilization().Queued == n }, time.Second, time.Millisecond)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxConcurrent: 1, Discipline: "lifo"}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxConcurrent: 1, CategoryLimits: map[string]int{"x": -1}}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxConcurrent: 1, RateLimits: map[string]RateLimit{"x": {}}}, nil, nil)
	require.Error(t, err)
}

func TestAcquireRelease(t *testing.T) {
	g := newGovernor(t, Config{MaxConcurrent: 2})
	ctx := context.Background()

	a, err := g.Acquire(ctx, "compute", 0)
	require.NoError(t, err)
	b, err := g.Acquire(ctx, "network", 0)
	require.NoError(t, err)

	u := g.Utilization()
	require.Equal(t, 2, u.Active)
	require.Equal(t, map[string]int{"compute": 1, "network": 1}, u.PerCategory)

	g.Release(a)
	g.Release(a)
	g.Release(nil)
	require.Equal(t, 1, g.Utilization().Active)

	g.Release(b)
	require.Equal(t, 0, g.Utilization().Active)
	require.Empty(t, g.Utilization().PerCategory)
}

func TestFIFOOrder(t *testing.T) {
	g := newGovernor(t, Config{MaxConcurrent: 1, Discipline: DisciplineFIFO})
	ctx := context.Background()

	first, err := g.Acquire(ctx, "c", 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot, err := g.Acquire(ctx, "c", 10-i)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release(slot)
		}(i)
		waitQueued(t, g, i+1)
	}

	g.Release(first)
	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestPriorityOrder(t *testing.T) {
	g := newGovernor(t, Config{MaxConcurrent: 1, Discipline: DisciplinePriority})
	ctx := context.Background()

	first, err := g.Acquire(ctx, "c", 0)
	require.NoError(t, err)

	priorities := []int{5, 1, 3, 1}
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i, p := range priorities {
		wg.Add(1)
		go func(i, p int) {
			defer wg.Done()
			slot, err := g.Acquire(ctx, "c", p)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release(slot)
		}(i, p)
		waitQueued(t, g, i+1)
	}

	g.Release(first)
	wg.Wait()
	// Lower value first; the two priority-1 waiters keep arrival order.
	require.Equal(t, []int{1, 3, 2, 0}, order)
}

func TestRejectDiscipline(t *testing.T) {
	g := newGovernor(t, Config{MaxConcurrent: 1, Discipline: DisciplineReject})
	ctx := context.Background()

	slot, err := g.Acquire(ctx, "c", 0)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "c", 0)
	require.True(t, errors.Is(err, ErrQueueFull))
	var govErr *GovernanceError
	require.ErrorAs(t, err, &govErr)
	require.Equal(t, 1, govErr.Active)

	g.Release(slot)
	slot, err = g.Acquire(ctx, "c", 0)
	require.NoError(t, err)
	g.Release(slot)
}

func TestMaxQueue(t *testing.T) {
	g := newGovernor(t, Config{MaxConcurrent: 1, MaxQueue: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slot, err := g.Acquire(ctx, "c", 0)
	require.NoError(t, err)

	go func() { _, _ = g.Acquire(ctx, "c", 0) }()
	waitQueued(t, g, 1)

	_, err = g.Acquire(ctx, "c", 0)
	require.True(t, errors.Is(err, ErrQueueFull))
	g.Release(slot)
}

func TestCancelWhileQueued(t *testing.T) {
	g := newGovernor(t, Config{MaxConcurrent: 1})
	slot, err := g.Acquire(context.Background(), "c", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, "c", 0)
		errCh <- err
	}()
	waitQueued(t, g, 1)
	cancel()

	require.True(t, errors.Is(<-errCh, context.Canceled))
	require.Equal(t, 0, g.Utilization().Queued)

	g.Release(slot)
	require.Equal(t, 0, g.Utilization().Active)
}

func TestCategoryCeilingDoesNotBlockOthers(t *testing.T) {
	g := newGovernor(t, Config{MaxConcurrent: 3, CategoryLimits: map[string]int{"network": 1}})
	ctx := context.Background()

	net1, err := g.Acquire(ctx, "network", 0)
	require.NoError(t, err)

	netGranted := make(chan *Slot, 1)
	go func() {
		s, err := g.Acquire(ctx, "network", 0)
		require.NoError(t, err)
		netGranted <- s
	}()
	waitQueued(t, g, 1)

	// The queued network request must not hold up compute work.
	compute, err := g.Acquire(ctx, "compute", 0)
	require.NoError(t, err)
	require.Equal(t, 2, g.Utilization().Active)

	g.Release(net1)
	net2 := <-netGranted
	require.Equal(t, map[string]int{"network": 1, "compute": 1}, g.Utilization().PerCategory)

	g.Release(net2)
	g.Release(compute)
}

func TestRateLimit(t *testing.T) {
	g := newGovernor(t, Config{
		MaxConcurrent: 10,
		RateLimits:    map[string]RateLimit{"network": {PerSecond: 20, Burst: 1}},
	})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		slot, err := g.Acquire(ctx, "network", 0)
		require.NoError(t, err)
		g.Release(slot)
	}
	// Burst 1 at 20/s: the 2nd and 3rd acquisitions wait ~50ms each.
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := g.Acquire(cancelled, "network", 0)
	require.Error(t, err)
}

func TestParseDiscipline(t *testing.T) {
	d, err := ParseDiscipline("Priority")
	require.NoError(t, err)
	require.Equal(t, DisciplinePriority, d)
	_, err = ParseDiscipline("random")
	require.Error(t, err)
}

type recordingMetrics struct {
	ports.NopMetrics
	mu     sync.Mutex
	active []int
	queued []int
}

func (r *recordingMetrics) RecordGovernor(active, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append(r.active, active)
	r.queued = append(r.queued, queued)
}

func TestMonitor(t *testing.T) {
	metrics := &recordingMetrics{}
	g, err := New(Config{MaxConcurrent: 1}, metrics, zap.NewNop())
	require.NoError(t, err)

	slot, err := g.Acquire(context.Background(), "c", 0)
	require.NoError(t, err)
	defer g.Release(slot)

	m := NewMonitor(g, 5*time.Millisecond, zap.NewNop())
	u := m.Check()
	require.Equal(t, 1, u.Active)
	require.False(t, m.Saturated())

	m.Start()
	m.Start()
	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return len(metrics.active) >= 3
	}, time.Second, time.Millisecond)
	m.Stop()
	m.Stop()
}
