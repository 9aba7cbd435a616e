package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dago-kernel/internal/application/executors"
	"github.com/aescanero/dago-kernel/internal/application/governor"
	"github.com/aescanero/dago-kernel/internal/application/recovery"
	"github.com/aescanero/dago-kernel/internal/application/resolver"
	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/aescanero/dago-kernel/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRunTimeout is the cancellation cause of a run that exceeded its
// global timeout.
var ErrRunTimeout = errors.New("run timeout exceeded")

// Config holds kernel defaults. Graph-level settings take precedence.
type Config struct {
	// RunTimeout applies when the graph sets no timeout. Zero disables it.
	RunTimeout time.Duration
	// NodeTimeout applies when neither the node nor its capability sets one.
	NodeTimeout time.Duration
	// MaxParallel applies when the graph sets no max_parallel. Zero or less
	// means unbounded (the governor still applies).
	MaxParallel int
	// GracePeriod is how long an executor may take to return after its
	// context is cancelled before the node is given up on.
	GracePeriod time.Duration
}

// Dependencies are the collaborators of a Kernel.
type Dependencies struct {
	Registry *executors.Registry
	Governor *governor.Governor
	Policy   *recovery.Policy
	Events   ports.EventBus
	Metrics  ports.MetricsCollector
	Logger   *zap.Logger
}

// Kernel executes accepted graphs.
type Kernel struct {
	registry *executors.Registry
	governor *governor.Governor
	policy   *recovery.Policy
	events   ports.EventBus
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	cfg      Config
}

// New creates a kernel.
func New(deps Dependencies, cfg Config) (*Kernel, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("executor registry is required")
	}
	if deps.Governor == nil {
		return nil, fmt.Errorf("concurrency governor is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if deps.Policy == nil {
		deps.Policy = recovery.DefaultPolicy()
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = time.Second
	}

	return &Kernel{
		registry: deps.Registry,
		governor: deps.Governor,
		policy:   deps.Policy,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		cfg:      cfg,
	}, nil
}

// Handle tracks a started run.
type Handle struct {
	RunID   string
	GraphID string

	run    *run
	cancel context.CancelCauseFunc
	done   chan struct{}
	result *domain.RunRecord
}

// Cancel requests cooperative cancellation of the run.
func (h *Handle) Cancel() {
	h.cancel(domain.ErrRunCancelled)
}

// Done is closed once the run reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*domain.RunRecord, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the current state of the run.
func (h *Handle) Snapshot() *domain.RunRecord {
	select {
	case <-h.done:
		return h.result
	default:
		return h.run.record()
	}
}

// Start re-checks an accepted graph and begins executing it. The checks run
// before a run id is allocated; a graph that fails them yields a
// *domain.ValidationError and nothing is executed. The run lives until it
// finishes or ctx is cancelled.
func (k *Kernel) Start(ctx context.Context, graph *domain.Graph, acceptance *domain.Acceptance, inputs map[string]interface{}) (*Handle, error) {
	res, err := k.recheck(graph, acceptance)
	if err != nil {
		return nil, err
	}

	graph = graph.Clone()
	runID := uuid.New().String()

	maxParallel := graph.Config.MaxParallel
	if maxParallel <= 0 {
		maxParallel = k.cfg.MaxParallel
	}
	if maxParallel <= 0 {
		maxParallel = -1
	}
	r := newRun(runID, graph, res, copyInputs(inputs), k.policy.NewTracker(graph.Config.RetryBudget), maxParallel)

	runCtx, cancel := context.WithCancelCause(ctx)
	timeout := graph.Config.Timeout()
	if timeout <= 0 {
		timeout = k.cfg.RunTimeout
	}
	var stopTimer func() bool
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() { cancel(ErrRunTimeout) })
		stopTimer = timer.Stop
	}

	h := &Handle{
		RunID:   runID,
		GraphID: graph.ID,
		run:     r,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.setStatus(domain.RunRunning)
	k.metrics.RecordRunStarted()
	k.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("graph_id", graph.ID),
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("batches", len(res.Batches)))
	k.publish(runCtx, domain.Event{
		Type:   domain.EventRunStarted,
		RunID:  runID,
		Status: string(domain.RunRunning),
		Data: map[string]interface{}{
			"graph_id": graph.ID,
			"batches":  res.Batches,
		},
	})

	go func() {
		defer close(h.done)
		defer cancel(nil)
		if stopTimer != nil {
			defer stopTimer()
		}
		h.result = k.execute(runCtx, r)
	}()

	return h, nil
}

// Execute starts a run and waits for it to finish. The returned error only
// reports start failures; the outcome of the run is in the record.
func (k *Kernel) Execute(ctx context.Context, graph *domain.Graph, acceptance *domain.Acceptance, inputs map[string]interface{}) (*domain.RunRecord, error) {
	h, err := k.Start(ctx, graph, acceptance, inputs)
	if err != nil {
		return nil, err
	}
	<-h.Done()
	return h.result, nil
}

// recheck guards against graphs that changed or were never accepted.
func (k *Kernel) recheck(graph *domain.Graph, acceptance *domain.Acceptance) (*resolver.Resolution, error) {
	reject := func(code, msg string, ids ...string) error {
		return &domain.ValidationError{Result: &domain.ValidationResult{
			Status: domain.ValidationRejected,
			Violations: []domain.Violation{{
				Code:     code,
				Severity: domain.SeverityError,
				NodeIDs:  ids,
				Message:  msg,
			}},
		}}
	}

	if graph == nil {
		return nil, reject("missing_graph", "graph is required")
	}
	if acceptance == nil || !acceptance.Status.Accepted() {
		return nil, reject("not_accepted", "graph has not been accepted")
	}
	fp, err := graph.Fingerprint()
	if err != nil {
		return nil, reject("invalid_graph", err.Error())
	}
	if fp != acceptance.Fingerprint {
		return nil, reject("fingerprint_mismatch", "graph changed after acceptance")
	}

	res, err := resolver.Resolve(graph.Nodes)
	if err != nil {
		var graphErr *resolver.GraphError
		if errors.As(err, &graphErr) {
			return nil, reject(resolver.ViolationCode(graphErr.Kind), err.Error(), graphErr.NodeIDs...)
		}
		return nil, reject("invalid_graph", err.Error())
	}

	for _, n := range graph.Nodes {
		if _, ok := k.registry.Descriptor(n.Type); !ok {
			return nil, reject("unknown_capability", fmt.Sprintf("capability %q is not registered", n.Type), n.ID)
		}
	}
	return res, nil
}

// execute walks the batches and returns the terminal record.
func (k *Kernel) execute(ctx context.Context, r *run) *domain.RunRecord {
	for i, batch := range r.resolution.Batches {
		if ctx.Err() != nil {
			return k.interrupted(ctx, r)
		}

		k.logger.Debug("batch started",
			zap.String("run_id", r.id),
			zap.Int("batch", i),
			zap.Strings("nodes", batch))

		if stop := k.runBatch(ctx, r, batch); stop != nil {
			if stop.action == recovery.ActionReplan {
				return k.suspend(ctx, r, stop)
			}
			return k.fail(ctx, r, stop.failure)
		}
	}

	if ctx.Err() != nil {
		return k.interrupted(ctx, r)
	}
	return k.complete(ctx, r)
}

func (k *Kernel) complete(ctx context.Context, r *run) *domain.RunRecord {
	rec := r.finish(domain.RunSucceeded, nil, nil)
	k.finished(ctx, rec, domain.EventRunCompleted, nil)
	return rec
}

func (k *Kernel) fail(ctx context.Context, r *run, failure *domain.RunFailure) *domain.RunRecord {
	r.markUnfinished("")
	rec := r.finish(domain.RunFailed, failure, nil)
	k.finished(ctx, rec, domain.EventRunFailed, map[string]interface{}{
		"failure": failure,
	})
	return rec
}

func (k *Kernel) suspend(ctx context.Context, r *run, stop *batchStop) *domain.RunRecord {
	r.markUnfinished("")
	completed, pending := r.pendingAndCompleted()
	req := &domain.ReplanRequest{
		RunID:          r.id,
		GraphID:        r.graph.ID,
		NodeID:         stop.failure.NodeID,
		Category:       stop.failure.Category,
		Message:        stop.failure.Message,
		Attempts:       stop.failure.Attempts,
		CompletedNodes: completed,
		PendingNodes:   pending,
		RequestedAt:    time.Now(),
	}
	rec := r.finish(domain.RunSuspended, stop.failure, req)
	k.finished(ctx, rec, domain.EventRunSuspended, map[string]interface{}{
		"replan": req,
	})
	return rec
}

// interrupted finishes a run whose context ended: CANCELLED on request,
// FAILED with a timeout category when the global deadline passed.
func (k *Kernel) interrupted(ctx context.Context, r *run) *domain.RunRecord {
	r.markUnfinished("")
	if errors.Is(context.Cause(ctx), ErrRunTimeout) {
		return k.fail(ctx, r, &domain.RunFailure{
			Category: domain.CategoryTimeout,
			Message:  ErrRunTimeout.Error(),
		})
	}

	rec := r.finish(domain.RunCancelled, nil, nil)
	k.finished(ctx, rec, domain.EventRunCancelled, map[string]interface{}{
		"reason": context.Cause(ctx).Error(),
	})
	return rec
}

func (k *Kernel) finished(ctx context.Context, rec *domain.RunRecord, eventType domain.EventType, data map[string]interface{}) {
	duration := time.Since(rec.StartedAt)
	k.metrics.RecordRunFinished(string(rec.Status), duration)

	fields := []zap.Field{
		zap.String("run_id", rec.RunID),
		zap.String("graph_id", rec.GraphID),
		zap.String("status", string(rec.Status)),
		zap.Duration("duration", duration),
	}
	if rec.Failure != nil {
		fields = append(fields,
			zap.String("failed_node", rec.Failure.NodeID),
			zap.String("category", string(rec.Failure.Category)))
		k.logger.Warn("run finished", fields...)
	} else {
		k.logger.Info("run finished", fields...)
	}

	k.publish(ctx, domain.Event{
		Type:   eventType,
		RunID:  rec.RunID,
		Status: string(rec.Status),
		Data:   data,
	})
}

// publish delivers an event even after the run context is cancelled.
func (k *Kernel) publish(ctx context.Context, event domain.Event) {
	if _, err := k.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		k.logger.Error("failed to publish event",
			zap.String("run_id", event.RunID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

func copyInputs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
