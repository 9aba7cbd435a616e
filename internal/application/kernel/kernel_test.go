package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/dago-kernel/internal/application/executors"
	"github.com/aescanero/dago-kernel/internal/application/governor"
	"github.com/aescanero/dago-kernel/internal/application/recovery"
	"github.com/aescanero/dago-kernel/pkg/adapters/events/memory"
	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) indexOf(t domain.EventType, nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e.Type == t && e.NodeID == nodeID {
			return i
		}
	}
	return -1
}

type fixture struct {
	kernel   *Kernel
	registry *executors.Registry
	governor *governor.Governor
	events   *recorder
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	governor governor.Config
	policy   *recovery.Policy
	kernel   Config
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	fc := &fixtureConfig{
		governor: governor.Config{MaxConcurrent: 8},
		kernel:   Config{GracePeriod: 50 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(fc)
	}

	registry := executors.NewRegistry()
	require.NoError(t, executors.RegisterBuiltins(registry, executors.BuiltinOptions{}))

	gov, err := governor.New(fc.governor, nil, zap.NewNop())
	require.NoError(t, err)

	channel := memory.NewEventChannel(zap.NewNop())
	rec := &recorder{}
	_, err = channel.Subscribe(context.Background(), rec.handle)
	require.NoError(t, err)

	k, err := New(Dependencies{
		Registry: registry,
		Governor: gov,
		Policy:   fc.policy,
		Events:   channel,
		Logger:   zap.NewNop(),
	}, fc.kernel)
	require.NoError(t, err)

	return &fixture{kernel: k, registry: registry, governor: gov, events: rec}
}

func (f *fixture) execute(t *testing.T, g *domain.Graph, inputs map[string]interface{}) *domain.RunRecord {
	t.Helper()
	acc, err := domain.NewAcceptance(g, domain.ValidationApproved)
	require.NoError(t, err)
	rec, err := f.kernel.Execute(context.Background(), g, acc, inputs)
	require.NoError(t, err)
	return rec
}

func set(id string, values map[string]interface{}, outputs ...string) domain.Node {
	return domain.Node{
		ID:      id,
		Type:    executors.TypeSet,
		Config:  map[string]interface{}{"values": values},
		Outputs: outputs,
	}
}

func pass(id string, inputs map[string]domain.Input) domain.Node {
	return domain.Node{ID: id, Type: executors.TypePassthrough, Inputs: inputs}
}

func TestLinearRun(t *testing.T) {
	f := newFixture(t)
	g := &domain.Graph{ID: "linear", Nodes: []domain.Node{
		set("A", map[string]interface{}{"out": "a"}, "out"),
		pass("B", map[string]domain.Input{"out": domain.RefTo("A", "out")}),
		pass("C", map[string]domain.Input{"out": domain.RefTo("B", "out")}),
	}}

	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunSucceeded, rec.Status)
	require.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, rec.Batches)
	require.Len(t, f.events.ofType(domain.EventNodeCompleted), 3)
	require.Len(t, f.events.ofType(domain.EventRunStarted), 1)
	require.Len(t, f.events.ofType(domain.EventRunCompleted), 1)
	require.Equal(t, "a", rec.Outputs["C"]["out"])
	require.NotNil(t, rec.CompletedAt)
	for _, id := range []string{"A", "B", "C"} {
		require.Equal(t, domain.NodeCompleted, rec.NodeStatuses[id])
	}

	// Sequence numbers strictly increase in delivery order.
	var last uint64
	for _, e := range f.events.events {
		require.Greater(t, e.Sequence, last)
		last = e.Sequence
		require.Equal(t, rec.RunID, e.RunID)
	}
}

func TestFanIn(t *testing.T) {
	f := newFixture(t)
	g := &domain.Graph{ID: "fan-in", Nodes: []domain.Node{
		set("A", map[string]interface{}{"v": 1}),
		set("B", map[string]interface{}{"v": 2}),
		pass("C", map[string]domain.Input{
			"a": domain.RefTo("A", "v"),
			"b": domain.Literal("${B.v}"),
		}),
	}}

	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunSucceeded, rec.Status)
	require.Equal(t, [][]string{{"A", "B"}, {"C"}}, rec.Batches)

	cStart := f.events.indexOf(domain.EventNodeStarted, "C")
	require.Greater(t, cStart, f.events.indexOf(domain.EventNodeCompleted, "A"))
	require.Greater(t, cStart, f.events.indexOf(domain.EventNodeCompleted, "B"))
	require.Equal(t, map[string]interface{}{"a": 1, "b": 2}, rec.Outputs["C"])
}

func TestOutputRoundTrip(t *testing.T) {
	f := newFixture(t)
	payload := map[string]interface{}{
		"list":   []interface{}{"x", 2.5, true},
		"nested": map[string]interface{}{"deep": "value"},
	}
	g := &domain.Graph{ID: "round-trip", Nodes: []domain.Node{
		set("src", map[string]interface{}{"payload": payload}, "payload"),
		pass("whole", map[string]domain.Input{"got": domain.RefTo("src", "payload")}),
		pass("part", map[string]domain.Input{"got": domain.RefTo("src", "payload.nested.deep")}),
		pass("run", map[string]domain.Input{"got": domain.RefTo(domain.RunInputsNode, "query")}),
	}}

	rec := f.execute(t, g, map[string]interface{}{"query": "q"})

	require.Equal(t, domain.RunSucceeded, rec.Status)
	require.Equal(t, payload, rec.Outputs["whole"]["got"])
	require.Equal(t, "value", rec.Outputs["part"]["got"])
	require.Equal(t, "q", rec.Outputs["run"]["got"])
}

func TestTimeoutRetriesThenAborts(t *testing.T) {
	policy, err := recovery.NewPolicy(
		recovery.WithRule(domain.CategoryTimeout, recovery.Rule{Action: recovery.ActionRetry, MaxRetries: 2}),
		recovery.WithBackoff(recovery.Backoff{Base: time.Millisecond}),
	)
	require.NoError(t, err)
	f := newFixture(t, func(c *fixtureConfig) { c.policy = policy })

	var calls int32
	f.registry.MustRegister(executors.Descriptor{Type: "hang"}, executors.ExecutorFunc(
		func(ctx context.Context, _ *executors.Request) (map[string]interface{}, error) {
			atomic.AddInt32(&calls, 1)
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	g := &domain.Graph{ID: "timeouts", Nodes: []domain.Node{
		set("A", map[string]interface{}{"v": 1}),
		{ID: "B", Type: "hang", TimeoutMS: 20, Inputs: map[string]domain.Input{"v": domain.RefTo("A", "v")}},
		pass("C", map[string]domain.Input{"v": domain.RefTo("B", "v")}),
	}}

	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunFailed, rec.Status)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))

	var actions []string
	for _, e := range rec.ErrorLog {
		require.Equal(t, "B", e.NodeID)
		require.Equal(t, domain.CategoryTimeout, e.Category)
		actions = append(actions, e.Action)
	}
	require.Equal(t, []string{"RETRY", "RETRY", "ABORT"}, actions)

	require.NotNil(t, rec.Failure)
	require.Equal(t, "B", rec.Failure.NodeID)
	require.Equal(t, domain.CategoryTimeout, rec.Failure.Category)
	require.Equal(t, 3, rec.Failure.Attempts)

	require.Equal(t, domain.NodeFailed, rec.NodeStatuses["B"])
	require.Equal(t, domain.NodePending, rec.NodeStatuses["C"])
	require.Equal(t, -1, f.events.indexOf(domain.EventNodeStarted, "C"))
	require.Len(t, f.events.ofType(domain.EventRunFailed), 1)
}

func TestGovernorSerializesBatch(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) { c.governor = governor.Config{MaxConcurrent: 1} })

	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	f.registry.MustRegister(executors.Descriptor{Type: "work"}, executors.ExecutorFunc(
		func(ctx context.Context, _ *executors.Request) (map[string]interface{}, error) {
			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return map[string]interface{}{"done": true}, nil
		}))

	g := &domain.Graph{ID: "serial", Nodes: []domain.Node{
		{ID: "X", Type: "work"},
		{ID: "Y", Type: "work"},
	}}

	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunSucceeded, rec.Status)
	require.Equal(t, [][]string{{"X", "Y"}}, rec.Batches)
	require.Equal(t, 1, maxSeen)
	require.Equal(t, 0, f.governor.Utilization().Active)
}

func TestGuardSkipsAndCascades(t *testing.T) {
	f := newFixture(t)
	g := &domain.Graph{ID: "guards", Nodes: []domain.Node{
		{
			ID:     "check",
			Type:   executors.TypeBranch,
			Config: map[string]interface{}{"operator": "gt", "value": 10},
			Inputs: map[string]domain.Input{"value": domain.Literal(3)},
		},
		{ID: "big", Type: executors.TypePassthrough, When: &domain.OutputRef{Node: "check", Field: "result"}},
		{ID: "small", Type: executors.TypePassthrough, When: &domain.OutputRef{Node: "check", Field: "negated"}},
		pass("after-big", map[string]domain.Input{"x": domain.RefTo("big", "x")}),
	}}

	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunSucceeded, rec.Status)
	require.Equal(t, domain.NodeSkipped, rec.NodeStatuses["big"])
	require.Equal(t, domain.NodeCompleted, rec.NodeStatuses["small"])
	require.Equal(t, domain.NodeSkipped, rec.NodeStatuses["after-big"])
	skipped := f.events.ofType(domain.EventNodeSkipped)
	require.Len(t, skipped, 2)
	require.Equal(t, "big", skipped[0].NodeID)
	require.Equal(t, []string{"after-big"}, skipped[0].Data["dependents"])

	for _, e := range f.events.ofType(domain.EventNodeStarted) {
		if e.NodeID == "small" {
			require.Equal(t, 1, e.Data["batch"])
		}
	}
}

func TestSkipPolicyCascades(t *testing.T) {
	policy, err := recovery.NewPolicy(
		recovery.WithRule(domain.CategoryPermissionDenied, recovery.Rule{Action: recovery.ActionSkip}),
	)
	require.NoError(t, err)
	f := newFixture(t, func(c *fixtureConfig) { c.policy = policy })
	f.registry.MustRegister(executors.Descriptor{Type: "denied"}, executors.ExecutorFunc(
		func(context.Context, *executors.Request) (map[string]interface{}, error) {
			return nil, domain.NewNodeError(domain.CategoryPermissionDenied, "no access")
		}))

	g := &domain.Graph{ID: "skip", Nodes: []domain.Node{
		{ID: "A", Type: "denied"},
		pass("B", map[string]domain.Input{"v": domain.RefTo("A", "v")}),
		set("C", map[string]interface{}{"ok": true}),
	}}

	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunSucceeded, rec.Status)
	require.Equal(t, domain.NodeSkipped, rec.NodeStatuses["A"])
	require.Equal(t, domain.NodeSkipped, rec.NodeStatuses["B"])
	require.Equal(t, domain.NodeCompleted, rec.NodeStatuses["C"])
	require.Len(t, rec.ErrorLog, 1)
	require.Equal(t, "SKIP", rec.ErrorLog[0].Action)
}

func TestMissingOutputSuspendsRun(t *testing.T) {
	f := newFixture(t)
	g := &domain.Graph{ID: "replan", Nodes: []domain.Node{
		set("A", map[string]interface{}{"present": 1}),
		{
			ID:      "B",
			Type:    executors.TypePassthrough,
			Inputs:  map[string]domain.Input{"other": domain.RefTo("A", "present")},
			Outputs: []string{"wanted"},
		},
		pass("C", map[string]domain.Input{"v": domain.RefTo("B", "wanted")}),
	}}

	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunSuspended, rec.Status)
	require.NotNil(t, rec.Replan)
	require.Equal(t, "B", rec.Replan.NodeID)
	require.Equal(t, domain.CategoryMissingData, rec.Replan.Category)
	require.Equal(t, []string{"A"}, rec.Replan.CompletedNodes)
	require.Equal(t, []string{"C"}, rec.Replan.PendingNodes)
	require.Len(t, f.events.ofType(domain.EventRunSuspended), 1)
}

func TestPanicIsCrash(t *testing.T) {
	policy, err := recovery.NewPolicy(
		recovery.WithRule(domain.CategoryCrash, recovery.Rule{Action: recovery.ActionAbort}),
	)
	require.NoError(t, err)
	f := newFixture(t, func(c *fixtureConfig) { c.policy = policy })
	f.registry.MustRegister(executors.Descriptor{Type: "boom"}, executors.ExecutorFunc(
		func(context.Context, *executors.Request) (map[string]interface{}, error) {
			panic("kaboom")
		}))

	rec := f.execute(t, &domain.Graph{ID: "panic", Nodes: []domain.Node{{ID: "A", Type: "boom"}}}, nil)

	require.Equal(t, domain.RunFailed, rec.Status)
	require.Equal(t, domain.CategoryCrash, rec.Failure.Category)
	require.Contains(t, rec.Failure.Message, "kaboom")
}

func TestRetryRecovers(t *testing.T) {
	policy, err := recovery.NewPolicy(recovery.WithBackoff(recovery.Backoff{Base: time.Millisecond}))
	require.NoError(t, err)
	f := newFixture(t, func(c *fixtureConfig) { c.policy = policy })

	var calls int32
	f.registry.MustRegister(executors.Descriptor{Type: "flaky"}, executors.ExecutorFunc(
		func(_ context.Context, req *executors.Request) (map[string]interface{}, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, domain.NewNodeError(domain.CategoryExternalCall, "connection reset")
			}
			return map[string]interface{}{"attempt": req.Attempt}, nil
		}))

	rec := f.execute(t, &domain.Graph{ID: "flaky", Nodes: []domain.Node{{ID: "A", Type: "flaky"}}}, nil)

	require.Equal(t, domain.RunSucceeded, rec.Status)
	require.Equal(t, 2, rec.Outputs["A"]["attempt"])
	require.Len(t, rec.ErrorLog, 1)
	require.Equal(t, "RETRY", rec.ErrorLog[0].Action)
	require.Equal(t, 1, rec.RetriesUsed)

	completed := f.events.ofType(domain.EventNodeCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, 1, completed[0].Data["failed_attempts"])
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.registry.MustRegister(executors.Descriptor{Type: "block"}, executors.ExecutorFunc(
		func(ctx context.Context, _ *executors.Request) (map[string]interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	g := &domain.Graph{ID: "cancel", Nodes: []domain.Node{
		{ID: "A", Type: "block"},
		pass("B", map[string]domain.Input{"v": domain.RefTo("A", "v")}),
	}}
	acc, err := domain.NewAcceptance(g, domain.ValidationApproved)
	require.NoError(t, err)

	h, err := f.kernel.Start(context.Background(), g, acc, nil)
	require.NoError(t, err)
	<-started
	require.Equal(t, domain.RunRunning, h.Snapshot().Status)
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.Wait(ctx)
	require.NoError(t, err)

	require.Equal(t, domain.RunCancelled, rec.Status)
	require.Equal(t, domain.NodeCancelled, rec.NodeStatuses["A"])
	require.Equal(t, domain.NodePending, rec.NodeStatuses["B"])
	require.Empty(t, rec.ErrorLog)
	require.Len(t, f.events.ofType(domain.EventRunCancelled), 1)
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(executors.Descriptor{Type: "block"}, executors.ExecutorFunc(
		func(ctx context.Context, _ *executors.Request) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	g := &domain.Graph{
		ID:     "deadline",
		Nodes:  []domain.Node{{ID: "A", Type: "block"}},
		Config: domain.GraphConfig{TimeoutMS: 30},
	}
	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunFailed, rec.Status)
	require.Equal(t, domain.CategoryTimeout, rec.Failure.Category)
	require.Equal(t, domain.NodeCancelled, rec.NodeStatuses["A"])
}

func TestStartRechecks(t *testing.T) {
	f := newFixture(t)
	g := &domain.Graph{ID: "g", Nodes: []domain.Node{set("A", map[string]interface{}{"v": 1})}}
	acc, err := domain.NewAcceptance(g, domain.ValidationApproved)
	require.NoError(t, err)

	var verr *domain.ValidationError

	_, err = f.kernel.Start(context.Background(), g, nil, nil)
	require.ErrorAs(t, err, &verr)

	changed := g.Clone()
	changed.Nodes[0].Config["values"] = map[string]interface{}{"v": 2}
	_, err = f.kernel.Start(context.Background(), changed, acc, nil)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "fingerprint_mismatch", verr.Result.Violations[0].Code)

	cyclic := &domain.Graph{ID: "c", Nodes: []domain.Node{
		pass("A", map[string]domain.Input{"v": domain.RefTo("B", "v")}),
		pass("B", map[string]domain.Input{"v": domain.RefTo("A", "v")}),
	}}
	cycAcc, err := domain.NewAcceptance(cyclic, domain.ValidationApproved)
	require.NoError(t, err)
	_, err = f.kernel.Start(context.Background(), cyclic, cycAcc, nil)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"A", "B"}, verr.Result.Evidence("cycle_detected"))

	unknown := &domain.Graph{ID: "u", Nodes: []domain.Node{{ID: "A", Type: "teleport"}}}
	unkAcc, err := domain.NewAcceptance(unknown, domain.ValidationApproved)
	require.NoError(t, err)
	_, err = f.kernel.Start(context.Background(), unknown, unkAcc, nil)
	require.ErrorAs(t, err, &verr)

	require.Empty(t, f.events.ofType(domain.EventRunStarted))
}

func TestProgressEvents(t *testing.T) {
	f := newFixture(t)
	g := &domain.Graph{ID: "progress", Nodes: []domain.Node{
		{ID: "wait", Type: executors.TypeDelay, Config: map[string]interface{}{"duration_ms": 1}},
	}}

	rec := f.execute(t, g, nil)

	require.Equal(t, domain.RunSucceeded, rec.Status)
	progress := f.events.ofType(domain.EventNodeProgress)
	require.Len(t, progress, 2)
	require.Equal(t, "wait", progress[0].NodeID)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{}, Config{})
	require.Error(t, err)
}
