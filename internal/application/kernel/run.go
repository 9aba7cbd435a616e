package kernel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/dago-kernel/internal/application/recovery"
	"github.com/aescanero/dago-kernel/internal/application/resolver"
	"github.com/aescanero/dago-kernel/pkg/domain"
)

// run is the execution context of a single run. Only the error log, final
// statuses and outputs outlive it, through the RunRecord.
type run struct {
	id          string
	graph       *domain.Graph
	resolution  *resolver.Resolution
	inputs      map[string]interface{}
	tracker     *recovery.Tracker
	maxParallel int
	startedAt   time.Time

	mu          sync.Mutex
	status      domain.RunStatus
	nodeStatus  map[string]domain.NodeStatus
	outputs     map[string]map[string]interface{}
	errorLog    []domain.ErrorEntry
	failure     *domain.RunFailure
	replan      *domain.ReplanRequest
	completedAt *time.Time
}

func newRun(id string, graph *domain.Graph, res *resolver.Resolution, inputs map[string]interface{}, tracker *recovery.Tracker, maxParallel int) *run {
	r := &run{
		id:          id,
		graph:       graph,
		resolution:  res,
		inputs:      inputs,
		tracker:     tracker,
		maxParallel: maxParallel,
		startedAt:   time.Now(),
		status:      domain.RunPending,
		nodeStatus:  make(map[string]domain.NodeStatus, len(graph.Nodes)),
		outputs:     make(map[string]map[string]interface{}, len(graph.Nodes)),
	}
	for _, n := range graph.Nodes {
		r.nodeStatus[n.ID] = domain.NodePending
	}
	return r
}

func (r *run) setStatus(s domain.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *run) setNodeStatus(id string, s domain.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeStatus[id] = s
}

func (r *run) nodeStatusOf(id string) domain.NodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodeStatus[id]
}

func (r *run) storeOutputs(id string, outputs map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[id] = outputs
	r.nodeStatus[id] = domain.NodeCompleted
}

func (r *run) appendError(entry domain.ErrorEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorLog = append(r.errorLog, entry)
}

// skippedDependency returns the first dependency of id that was skipped.
func (r *run) skippedDependency(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range r.resolution.Dependencies(id) {
		if r.nodeStatus[dep] == domain.NodeSkipped {
			return dep, true
		}
	}
	return "", false
}

// lookup reads a referenced value from run inputs or upstream outputs.
func (r *run) lookup(ref domain.OutputRef) (interface{}, bool) {
	if ref.Node == domain.RunInputsNode {
		return lookupPath(r.inputs, ref.Field)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[ref.Node]
	if !ok {
		return nil, false
	}
	return lookupPath(out, ref.Field)
}

// resolveInputs builds the executor inputs of node. A reference that cannot
// be satisfied is a missing_data failure.
func (r *run) resolveInputs(node *domain.Node) (map[string]interface{}, error) {
	inputs := make(map[string]interface{}, len(node.Inputs))
	for name, in := range node.Inputs {
		ref, ok := in.Reference()
		if !ok {
			inputs[name] = in.Value
			continue
		}
		v, found := r.lookup(ref)
		if !found {
			return nil, &domain.NodeError{
				Category: domain.CategoryMissingData,
				NodeID:   node.ID,
				Message:  fmt.Sprintf("input %s: %s is not available", name, ref),
			}
		}
		inputs[name] = v
	}
	return inputs, nil
}

// lookupPath resolves field in m. An exact key wins; otherwise dotted
// segments descend into nested objects.
func lookupPath(m map[string]interface{}, field string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cur interface{} = m
	for _, p := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = obj[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// pendingAndCompleted lists completed and not-yet-terminal nodes in
// declaration order.
func (r *run) pendingAndCompleted() (completed, pending []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.graph.Nodes {
		switch s := r.nodeStatus[n.ID]; {
		case s == domain.NodeCompleted:
			completed = append(completed, n.ID)
		case !s.IsTerminal():
			pending = append(pending, n.ID)
		}
	}
	return completed, pending
}

// markUnfinished moves nodes still pending or running to cancelled.
func (r *run) markUnfinished(pendingTo domain.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.nodeStatus {
		if s == domain.NodeRunning {
			r.nodeStatus[id] = domain.NodeCancelled
		} else if s == domain.NodePending && pendingTo != "" {
			r.nodeStatus[id] = pendingTo
		}
	}
}

// finish moves the run to a terminal status and returns its record.
func (r *run) finish(status domain.RunStatus, failure *domain.RunFailure, replan *domain.ReplanRequest) *domain.RunRecord {
	r.mu.Lock()
	now := time.Now()
	r.status = status
	r.failure = failure
	r.replan = replan
	r.completedAt = &now
	r.mu.Unlock()
	return r.record()
}

// record returns a copy of the run's externally visible state.
func (r *run) record() *domain.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &domain.RunRecord{
		RunID:        r.id,
		GraphID:      r.graph.ID,
		Status:       r.status,
		Batches:      make([][]string, len(r.resolution.Batches)),
		NodeStatuses: make(map[string]domain.NodeStatus, len(r.nodeStatus)),
		Outputs:      make(map[string]map[string]interface{}, len(r.outputs)),
		ErrorLog:     append([]domain.ErrorEntry(nil), r.errorLog...),
		StartedAt:    r.startedAt,
	}
	if r.tracker != nil {
		rec.RetriesUsed = r.tracker.RetriesUsed()
	}
	for i, b := range r.resolution.Batches {
		rec.Batches[i] = append([]string(nil), b...)
	}
	for k, v := range r.nodeStatus {
		rec.NodeStatuses[k] = v
	}
	for k, v := range r.outputs {
		out := make(map[string]interface{}, len(v))
		for f, val := range v {
			out[f] = val
		}
		rec.Outputs[k] = out
	}
	if r.failure != nil {
		f := *r.failure
		rec.Failure = &f
	}
	if r.replan != nil {
		rp := *r.replan
		rec.Replan = &rp
	}
	if r.completedAt != nil {
		t := *r.completedAt
		rec.CompletedAt = &t
	}
	return rec
}
