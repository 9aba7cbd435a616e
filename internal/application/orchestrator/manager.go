package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dago-kernel/internal/application/kernel"
	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/aescanero/dago-kernel/pkg/ports"
	"go.uber.org/zap"
)

var (
	ErrGraphNotFound = errors.New("graph not found")
	ErrRunNotFound   = errors.New("run not found")
	ErrRunFinished   = errors.New("run already finished")
	ErrShuttingDown  = errors.New("manager is shutting down")
)

// Submission is the outcome of an accepted decision.
type Submission struct {
	DecisionID string                  `json:"decision_id"`
	Validation domain.ValidationResult `json:"validation"`
	GraphID    string                  `json:"graph_id,omitempty"`
	RunID      string                  `json:"run_id,omitempty"`
	Acceptance *domain.Acceptance      `json:"acceptance,omitempty"`
}

type acceptedGraph struct {
	graph      *domain.Graph
	acceptance *domain.Acceptance
}

// Manager coordinates decision intake and run lifecycle
type Manager struct {
	events    ports.EventBus
	store     ports.RunStore
	metrics   ports.MetricsCollector
	validator *Validator
	stats     *Stats
	kernel    *kernel.Kernel
	logger    *zap.Logger

	graphs sync.Map // map[string]*acceptedGraph
	runs   sync.Map // map[string]*kernel.Handle
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewManager creates a new orchestrator manager
func NewManager(
	events ports.EventBus,
	store ports.RunStore,
	metrics ports.MetricsCollector,
	validator *Validator,
	stats *Stats,
	k *kernel.Kernel,
	logger *zap.Logger,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	m := &Manager{
		events:    events,
		store:     store,
		metrics:   metrics,
		validator: validator,
		stats:     stats,
		kernel:    k,
		logger:    logger,
	}
	validator.UseGraphs(m.lookupGraph)
	return m
}

func (m *Manager) lookupGraph(graphID string) (*domain.Graph, bool) {
	val, ok := m.graphs.Load(graphID)
	if !ok {
		return nil, false
	}
	return val.(*acceptedGraph).graph, true
}

// Validate checks a decision without acting on it.
func (m *Manager) Validate(decision *domain.Decision) domain.ValidationResult {
	return m.validator.Validate(decision)
}

// Submit validates a decision and acts on it: create_graph stores the
// accepted graph, execute_run starts a run. A rejected decision returns a
// *domain.ValidationError and has no side effects beyond the
// decision.rejected event.
func (m *Manager) Submit(ctx context.Context, decision *domain.Decision) (*Submission, error) {
	if m.closed.Load() {
		return nil, ErrShuttingDown
	}

	result := m.validator.Validate(decision)
	effective := decision
	if result.Corrected != nil {
		effective = result.Corrected
	}

	event := domain.Event{
		Type:   domain.EventDecisionRejected,
		Status: string(result.Status),
		Data: map[string]interface{}{
			"violations": result.Violations,
		},
	}
	if effective != nil {
		event.Data["decision_id"] = effective.ID
		event.Data["kind"] = string(effective.Kind)
	}
	if result.Accepted() {
		event.Type = domain.EventDecisionValidated
		event.Data["decision"] = effective
	}

	published, err := m.events.Publish(ctx, event)
	if err != nil {
		m.logger.Error("failed to publish decision event", zap.Error(err))
	} else if result.Accepted() && published.Type == domain.EventDecisionRejected {
		result.Status = domain.ValidationRejected
		if vs, ok := published.Data["violations"].([]domain.Violation); ok {
			result.Violations = vs
		}
	}

	m.metrics.RecordDecision(string(result.Status))
	if !result.Accepted() {
		m.logger.Info("decision rejected",
			zap.Int("violations", len(result.Violations)),
			zap.Strings("cycle", result.Evidence(CodeCycleDetected)))
		return nil, &domain.ValidationError{Result: &result}
	}

	sub := &Submission{DecisionID: effective.ID, Validation: result}

	var entry *acceptedGraph
	if effective.Graph != nil {
		entry, err = m.accept(effective.Graph, result.Status)
		if err != nil {
			return nil, err
		}
	}

	switch effective.Kind {
	case domain.DecisionCreateGraph:
		sub.GraphID = entry.graph.ID
		sub.Acceptance = entry.acceptance
		m.logger.Info("graph accepted",
			zap.String("graph_id", entry.graph.ID),
			zap.String("status", string(result.Status)),
			zap.Int("nodes", len(entry.graph.Nodes)))
		return sub, nil

	case domain.DecisionExecuteRun:
		if entry == nil {
			val, ok := m.graphs.Load(effective.GraphID)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, effective.GraphID)
			}
			entry = val.(*acceptedGraph)
		}
		runID, err := m.startRun(entry, effective.Inputs)
		if err != nil {
			return nil, err
		}
		sub.GraphID = entry.graph.ID
		sub.Acceptance = entry.acceptance
		sub.RunID = runID
		return sub, nil
	}

	return nil, fmt.Errorf("unsupported decision kind: %s", effective.Kind)
}

func (m *Manager) accept(graph *domain.Graph, status domain.ValidationStatus) (*acceptedGraph, error) {
	g := graph.Clone()
	acceptance, err := domain.NewAcceptance(g, status)
	if err != nil {
		return nil, fmt.Errorf("failed to accept graph: %w", err)
	}
	entry := &acceptedGraph{graph: g, acceptance: acceptance}
	m.graphs.Store(g.ID, entry)
	return entry, nil
}

// startRun hands an accepted graph to the kernel. Runs are not bound to the
// caller's context; they end on completion, Cancel or Shutdown.
func (m *Manager) startRun(entry *acceptedGraph, inputs map[string]interface{}) (string, error) {
	handle, err := m.kernel.Start(context.Background(), entry.graph, entry.acceptance, inputs)
	if err != nil {
		return "", err
	}

	m.runs.Store(handle.RunID, handle)
	m.saveRun(handle.Snapshot())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-handle.Done()
		m.saveRun(handle.Snapshot())
		m.runs.Delete(handle.RunID)
	}()

	return handle.RunID, nil
}

func (m *Manager) saveRun(record *domain.RunRecord) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveRun(ctx, record); err != nil {
		m.logger.Error("failed to save run record",
			zap.String("run_id", record.RunID),
			zap.Error(err))
	}
}

// Status returns the current record of a run.
func (m *Manager) Status(ctx context.Context, runID string) (*domain.RunRecord, error) {
	if val, ok := m.runs.Load(runID); ok {
		return val.(*kernel.Handle).Snapshot(), nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	record, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return record, nil
}

// Cancel requests cancellation of a running run.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	val, ok := m.runs.Load(runID)
	if !ok {
		if _, err := m.Status(ctx, runID); err == nil {
			return fmt.Errorf("%w: %s", ErrRunFinished, runID)
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	val.(*kernel.Handle).Cancel()
	m.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return nil
}

// Wait blocks until a run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (*domain.RunRecord, error) {
	if val, ok := m.runs.Load(runID); ok {
		return val.(*kernel.Handle).Wait(ctx)
	}
	return m.Status(ctx, runID)
}

// Graph returns an accepted graph and its acceptance record.
func (m *Manager) Graph(graphID string) (*domain.Graph, *domain.Acceptance, error) {
	val, ok := m.graphs.Load(graphID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	entry := val.(*acceptedGraph)
	return entry.graph.Clone(), entry.acceptance, nil
}

// ActiveRuns returns the number of runs in progress.
func (m *Manager) ActiveRuns() int {
	n := 0
	m.runs.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Stats returns the validation counters.
func (m *Manager) Stats() StatsSnapshot {
	if m.stats == nil {
		return StatsSnapshot{RuleHits: map[string]int{}}
	}
	return m.stats.Snapshot()
}

// Accepting reports whether new decisions are accepted.
func (m *Manager) Accepting() bool {
	return !m.closed.Load()
}

// Shutdown stops accepting decisions, cancels active runs and waits for
// them to finish
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")
	m.closed.Store(true)

	m.runs.Range(func(_, value interface{}) bool {
		value.(*kernel.Handle).Cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("orchestrator manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}
