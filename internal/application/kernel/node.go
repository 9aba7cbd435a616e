package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dago-kernel/internal/application/executors"
	"github.com/aescanero/dago-kernel/internal/application/governor"
	"github.com/aescanero/dago-kernel/internal/application/recovery"
	"github.com/aescanero/dago-kernel/pkg/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errBatchStopped = errors.New("batch stopped")

// batchStop is the first ABORT or REPLAN raised inside a batch.
type batchStop struct {
	action  recovery.Action
	failure *domain.RunFailure
}

// runBatch executes the nodes of one batch concurrently. The first node
// that ends with ABORT or REPLAN cancels its siblings.
func (k *Kernel) runBatch(ctx context.Context, r *run, batch []string) *batchStop {
	batchCtx, cancelBatch := context.WithCancelCause(ctx)
	defer cancelBatch(nil)

	var (
		mu    sync.Mutex
		first *batchStop
	)

	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for _, id := range batch {
		node, _ := r.graph.Node(id)
		g.Go(func() error {
			if stop := k.runNode(batchCtx, r, node); stop != nil {
				mu.Lock()
				if first == nil {
					first = stop
					cancelBatch(errBatchStopped)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return first
}

// runNode drives one node to a terminal status. It returns a batchStop when
// the recovery policy ends the run.
func (k *Kernel) runNode(ctx context.Context, r *run, node *domain.Node) *batchStop {
	logger := k.logger.With(zap.String("run_id", r.id), zap.String("node_id", node.ID))

	if ctx.Err() != nil {
		r.setNodeStatus(node.ID, domain.NodeCancelled)
		return nil
	}

	if dep, skipped := r.skippedDependency(node.ID); skipped {
		k.skip(ctx, r, node, fmt.Sprintf("upstream node %s was skipped", dep))
		return nil
	}
	if node.When != nil {
		v, _ := r.lookup(*node.When)
		if !domain.Truthy(v) {
			k.skip(ctx, r, node, fmt.Sprintf("guard %s is false", node.When))
			return nil
		}
	}

	exec, desc, _ := k.registry.Lookup(node.Type)

	var slot *governor.Slot
	for {
		var err error
		slot, err = k.governor.Acquire(ctx, desc.Category, node.Priority)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			r.setNodeStatus(node.ID, domain.NodeCancelled)
			return nil
		}
		// Governance rejections go through the policy like executor failures.
		err = &domain.NodeError{
			Category: domain.CategoryResourceExhausted,
			NodeID:   node.ID,
			Message:  err.Error(),
			Cause:    err,
		}
		in := r.tracker.Decide(node.ID, err)
		if in.Action != recovery.ActionRetry {
			return k.handleFailure(ctx, r, node, desc, err, in, logger)
		}
		k.recordFailure(ctx, r, node, desc, err, in)
		if !sleep(ctx, in.Backoff) {
			r.setNodeStatus(node.ID, domain.NodeCancelled)
			return nil
		}
	}
	defer k.governor.Release(slot)

	for attempt := 1; ; attempt++ {
		r.setNodeStatus(node.ID, domain.NodeRunning)
		k.publish(ctx, domain.Event{
			Type:   domain.EventNodeStarted,
			RunID:  r.id,
			NodeID: node.ID,
			Status: string(domain.NodeRunning),
			Data: map[string]interface{}{
				"type":    string(node.Type),
				"attempt": attempt,
				"batch":   r.resolution.BatchOf(node.ID),
			},
		})

		start := time.Now()
		outputs, err := k.attempt(ctx, r, node, exec, desc, attempt)
		duration := time.Since(start)

		if err == nil {
			r.storeOutputs(node.ID, outputs)
			k.metrics.RecordNodeExecuted(string(node.Type), string(domain.NodeCompleted), duration)
			k.publish(ctx, domain.Event{
				Type:   domain.EventNodeCompleted,
				RunID:  r.id,
				NodeID: node.ID,
				Status: string(domain.NodeCompleted),
				Data: map[string]interface{}{
					"attempt":         attempt,
					"failed_attempts": r.tracker.Attempts(node.ID),
					"duration_ms":     duration.Milliseconds(),
					"outputs":         outputs,
				},
			})
			logger.Debug("node completed", zap.Int("attempt", attempt), zap.Duration("duration", duration))
			return nil
		}

		if ctx.Err() != nil {
			r.setNodeStatus(node.ID, domain.NodeCancelled)
			k.metrics.RecordNodeExecuted(string(node.Type), string(domain.NodeCancelled), duration)
			logger.Debug("node cancelled", zap.Error(context.Cause(ctx)))
			return nil
		}

		k.metrics.RecordNodeExecuted(string(node.Type), string(domain.NodeFailed), duration)
		in := r.tracker.Decide(node.ID, err)
		if in.Action != recovery.ActionRetry {
			return k.handleFailure(ctx, r, node, desc, err, in, logger)
		}

		k.recordFailure(ctx, r, node, desc, err, in)
		logger.Info("retrying node",
			zap.Int("attempt", in.Attempt),
			zap.String("category", string(in.Category)),
			zap.Duration("backoff", in.Backoff),
			zap.Error(err))

		if !sleep(ctx, in.Backoff) {
			r.setNodeStatus(node.ID, domain.NodeCancelled)
			return nil
		}
	}
}

// attempt resolves inputs and invokes the executor once, then checks the
// declared outputs.
func (k *Kernel) attempt(ctx context.Context, r *run, node *domain.Node, exec executors.Executor, desc executors.Descriptor, attempt int) (map[string]interface{}, error) {
	inputs, err := r.resolveInputs(node)
	if err != nil {
		return nil, err
	}

	req := &executors.Request{
		RunID:   r.id,
		NodeID:  node.ID,
		Node:    node,
		Inputs:  inputs,
		Attempt: attempt,
		Progress: func(pct float64, msg string) {
			k.publish(ctx, domain.Event{
				Type:   domain.EventNodeProgress,
				RunID:  r.id,
				NodeID: node.ID,
				Status: string(domain.NodeRunning),
				Data: map[string]interface{}{
					"progress": pct,
					"message":  msg,
				},
			})
		},
	}

	timeout := node.Timeout()
	if timeout <= 0 {
		timeout = desc.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = k.cfg.NodeTimeout
	}

	outputs, err := k.invoke(ctx, exec, req, timeout)
	if err != nil {
		return nil, err
	}
	if outputs == nil {
		outputs = map[string]interface{}{}
	}

	for _, field := range node.Outputs {
		if _, ok := outputs[field]; !ok {
			return nil, &domain.NodeError{
				Category: domain.CategoryMissingData,
				NodeID:   node.ID,
				Attempt:  attempt,
				Message:  fmt.Sprintf("declared output %q was not produced", field),
			}
		}
	}
	return outputs, nil
}

type invokeResult struct {
	outputs map[string]interface{}
	err     error
}

// invoke runs the executor in its own goroutine so that a per-node timeout
// or run cancellation is observed even when the executor ignores its
// context. Panics are recovered as crash failures.
func (k *Kernel) invoke(ctx context.Context, exec executors.Executor, req *executors.Request, timeout time.Duration) (map[string]interface{}, error) {
	nodeCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invokeResult{err: &domain.NodeError{
					Category: domain.CategoryCrash,
					NodeID:   req.NodeID,
					Attempt:  req.Attempt,
					Message:  fmt.Sprintf("executor panicked: %v", p),
				}}
			}
		}()
		out, err := exec.Execute(nodeCtx, req)
		done <- invokeResult{outputs: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(req, timeout)
		}
		return res.outputs, res.err
	case <-nodeCtx.Done():
	}

	// Give the executor a chance to observe cancellation and return.
	grace := time.NewTimer(k.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		k.logger.Warn("executor did not return within grace period",
			zap.String("run_id", req.RunID),
			zap.String("node_id", req.NodeID),
			zap.Duration("grace_period", k.cfg.GracePeriod))
	}

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	return nil, timeoutError(req, timeout)
}

func timeoutError(req *executors.Request, timeout time.Duration) error {
	return &domain.NodeError{
		Category: domain.CategoryTimeout,
		NodeID:   req.NodeID,
		Attempt:  req.Attempt,
		Message:  fmt.Sprintf("node exceeded its timeout of %s", timeout),
		Cause:    context.DeadlineExceeded,
	}
}

// handleFailure applies a non-retry instruction.
func (k *Kernel) handleFailure(ctx context.Context, r *run, node *domain.Node, desc executors.Descriptor, err error, in recovery.Instruction, logger *zap.Logger) *batchStop {
	k.recordFailure(ctx, r, node, desc, err, in)

	switch in.Action {
	case recovery.ActionSkip:
		k.skip(ctx, r, node, fmt.Sprintf("%s failure skipped by policy", in.Category))
		return nil
	case recovery.ActionReplan:
		r.setNodeStatus(node.ID, domain.NodeFailed)
		logger.Warn("node requests replan", zap.String("category", string(in.Category)), zap.Error(err))
		return &batchStop{action: recovery.ActionReplan, failure: runFailure(node, err, in)}
	default:
		r.setNodeStatus(node.ID, domain.NodeFailed)
		logger.Error("node failed", zap.String("category", string(in.Category)), zap.Int("attempts", in.Attempt), zap.Error(err))
		return &batchStop{action: recovery.ActionAbort, failure: runFailure(node, err, in)}
	}
}

// recordFailure appends to the error log and emits node.failed.
func (k *Kernel) recordFailure(ctx context.Context, r *run, node *domain.Node, desc executors.Descriptor, err error, in recovery.Instruction) {
	r.appendError(domain.ErrorEntry{
		NodeID:    node.ID,
		Category:  in.Category,
		Message:   err.Error(),
		Attempt:   in.Attempt,
		Action:    string(in.Action),
		Timestamp: time.Now(),
	})
	k.metrics.RecordNodeFailure(string(node.Type), string(in.Category), string(in.Action))

	status := domain.NodeFailed
	if in.Action == recovery.ActionRetry {
		status = domain.NodeRunning
	}
	k.publish(ctx, domain.Event{
		Type:   domain.EventNodeFailed,
		RunID:  r.id,
		NodeID: node.ID,
		Status: string(status),
		Data: map[string]interface{}{
			"category":      string(in.Category),
			"attempt":       in.Attempt,
			"action":        string(in.Action),
			"error":         err.Error(),
			"backoff_ms":    in.Backoff.Milliseconds(),
			"slot_category": desc.Category,
		},
	})
}

func (k *Kernel) skip(ctx context.Context, r *run, node *domain.Node, reason string) {
	r.setNodeStatus(node.ID, domain.NodeSkipped)
	k.metrics.RecordNodeExecuted(string(node.Type), string(domain.NodeSkipped), 0)
	k.publish(ctx, domain.Event{
		Type:   domain.EventNodeSkipped,
		RunID:  r.id,
		NodeID: node.ID,
		Status: string(domain.NodeSkipped),
		Data: map[string]interface{}{
			"reason":     reason,
			"dependents": r.resolution.Dependents(node.ID),
		},
	})
}

func runFailure(node *domain.Node, err error, in recovery.Instruction) *domain.RunFailure {
	return &domain.RunFailure{
		NodeID:   node.ID,
		Category: in.Category,
		Attempts: in.Attempt,
		Message:  err.Error(),
	}
}

// sleep waits d or until ctx is done. It reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
