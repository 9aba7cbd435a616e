package orchestrator

import (
	"testing"
	"time"

	"github.com/aescanero/dago-kernel/internal/application/executors"
	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *executors.Registry {
	t.Helper()
	r := executors.NewRegistry()
	require.NoError(t, executors.RegisterBuiltins(r, executors.BuiltinOptions{}))
	return r
}

func newTestValidator(t *testing.T, policy ResourcePolicy, defaults Defaults) (*Validator, *Stats) {
	t.Helper()
	stats := NewStats()
	return NewValidator(newRegistry(t), policy, defaults, stats), stats
}

func setNode(id string, outputs ...string) domain.Node {
	return domain.Node{
		ID:      id,
		Type:    executors.TypeSet,
		Config:  map[string]interface{}{"values": map[string]interface{}{"x": 1}},
		Outputs: outputs,
	}
}

func passNode(id string, inputs map[string]domain.Input) domain.Node {
	return domain.Node{ID: id, Type: executors.TypePassthrough, Inputs: inputs}
}

func createGraph(nodes ...domain.Node) *domain.Decision {
	return &domain.Decision{
		ID:    "d1",
		Kind:  domain.DecisionCreateGraph,
		Graph: &domain.Graph{ID: "g1", Nodes: nodes},
	}
}

func codes(vs []domain.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Code)
	}
	return out
}

func TestValidateApproved(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{}, Defaults{})

	d := createGraph(
		setNode("A", "x"),
		passNode("B", map[string]domain.Input{"v": domain.RefTo("A", "x")}),
	)
	result := v.Validate(d)
	require.Equal(t, domain.ValidationApproved, result.Status)
	require.Empty(t, result.Violations)
	require.Nil(t, result.Corrected)
}

func TestValidateCycleRejected(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{}, Defaults{Timeout: time.Minute})

	d := &domain.Decision{
		Kind: domain.DecisionExecuteRun,
		Graph: &domain.Graph{Nodes: []domain.Node{
			passNode("A", map[string]domain.Input{"in": domain.Literal("${B.out}")}),
			passNode("B", map[string]domain.Input{"in": domain.RefTo("A", "out")}),
		}},
	}
	result := v.Validate(d)
	require.Equal(t, domain.ValidationRejected, result.Status)
	require.Equal(t, []string{"A", "B"}, result.Evidence(CodeCycleDetected))
	require.Nil(t, result.Corrected)
	require.Empty(t, d.ID)
	require.Empty(t, d.Graph.ID)
}

func TestValidateCorrection(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{}, Defaults{Timeout: 30 * time.Second, MaxParallel: 4, RetryBudget: 3})

	d := &domain.Decision{
		Kind: domain.DecisionCreateGraph,
		Graph: &domain.Graph{Nodes: []domain.Node{
			setNode("A", "x"),
			{ID: "B", Type: executors.TypeBranch, Inputs: map[string]domain.Input{"value": domain.RefTo("A", "x")}},
		}},
	}
	result := v.Validate(d)
	require.Equal(t, domain.ValidationModified, result.Status)
	require.Empty(t, result.Errors())
	require.NotNil(t, result.Corrected)

	c := result.Corrected
	require.NotEmpty(t, c.ID)
	require.NotEmpty(t, c.Graph.ID)
	require.Equal(t, int64(30000), c.Graph.Config.TimeoutMS)
	require.Equal(t, 4, c.Graph.Config.MaxParallel)
	require.Equal(t, 3, c.Graph.Config.RetryBudget)
	node, ok := c.Graph.Node("B")
	require.True(t, ok)
	require.Equal(t, []string{"result", "negated"}, node.Outputs)

	for _, w := range result.Warnings() {
		require.Equal(t, CodeAutoCorrected, w.Code)
	}
	require.Len(t, result.Warnings(), 6)

	// The candidate is untouched.
	require.Empty(t, d.ID)
	require.Empty(t, d.Graph.ID)
	require.Empty(t, d.Graph.Nodes[1].Outputs)

	// Correction is deterministic and its output validates cleanly.
	again := v.Validate(d)
	require.Equal(t, c.ID, again.Corrected.ID)
	require.Equal(t, c.Graph.ID, again.Corrected.Graph.ID)
	require.Equal(t, domain.ValidationApproved, v.Validate(c).Status)
}

func TestValidateIdempotent(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{MaxParallel: 2}, Defaults{Timeout: time.Minute, MaxParallel: 2})

	tests := []struct {
		name     string
		decision *domain.Decision
		status   domain.ValidationStatus
	}{
		{
			name: "approved",
			decision: &domain.Decision{ID: "d1", Kind: domain.DecisionCreateGraph, Graph: &domain.Graph{
				ID:     "g1",
				Config: domain.GraphConfig{TimeoutMS: 1000, MaxParallel: 1},
				Nodes:  []domain.Node{setNode("A", "x")},
			}},
			status: domain.ValidationApproved,
		},
		{
			name: "modified",
			decision: createGraph(
				setNode("A", "x"),
				passNode("B", map[string]domain.Input{"v": domain.RefTo("A", "x")}),
			),
			status: domain.ValidationModified,
		},
		{
			name: "rejected cycle",
			decision: createGraph(
				passNode("A", map[string]domain.Input{"in": domain.RefTo("C", "out")}),
				passNode("B", map[string]domain.Input{"in": domain.RefTo("A", "out")}),
				passNode("C", map[string]domain.Input{"in": domain.RefTo("B", "out")}),
			),
			status: domain.ValidationRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := v.Validate(tt.decision)
			require.Equal(t, tt.status, first.Status)
			for i := 0; i < 5; i++ {
				require.Equal(t, first, v.Validate(tt.decision))
			}
		})
	}
}

func TestValidateStoredGraph(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{}, Defaults{})
	stored := &domain.Graph{ID: "stored", Nodes: []domain.Node{
		setNode("A", "x"),
		passNode("B", map[string]domain.Input{
			"v": domain.RefTo("A", "x"),
			"q": domain.RefTo(domain.RunInputsNode, "query.text"),
		}),
	}}

	run := func(graphID string, inputs map[string]interface{}) domain.ValidationResult {
		return v.Validate(&domain.Decision{ID: "d1", Kind: domain.DecisionExecuteRun, GraphID: graphID, Inputs: inputs})
	}

	// Without a lookup only the graph id itself is checked.
	require.Equal(t, domain.ValidationApproved, run("stored", nil).Status)

	v.UseGraphs(func(id string) (*domain.Graph, bool) {
		if id == stored.ID {
			return stored, true
		}
		return nil, false
	})

	result := run("stored", nil)
	require.Equal(t, domain.ValidationRejected, result.Status)
	require.Equal(t, []string{CodeMissingInput}, codes(result.Violations))
	require.Equal(t, "inputs.query", result.Violations[0].Path)
	require.Equal(t, []string{"B"}, result.Evidence(CodeMissingInput))

	result = run("other", map[string]interface{}{"query": "x"})
	require.Equal(t, domain.ValidationRejected, result.Status)
	require.Equal(t, []string{CodeUnknownGraph}, codes(result.Violations))

	result = run("stored", map[string]interface{}{"query": map[string]interface{}{"text": "hi"}})
	require.Equal(t, domain.ValidationApproved, result.Status)
}

func TestValidateGraphIDFromDecision(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{}, Defaults{})

	d := &domain.Decision{
		ID:      "d1",
		Kind:    domain.DecisionExecuteRun,
		GraphID: "named",
		Graph:   &domain.Graph{Nodes: []domain.Node{setNode("A")}},
	}
	result := v.Validate(d)
	require.Equal(t, domain.ValidationModified, result.Status)
	require.Equal(t, "named", result.Corrected.Graph.ID)
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name     string
		decision *domain.Decision
		code     string
	}{
		{
			name:     "nil payload",
			decision: nil,
			code:     CodeMissingPayload,
		},
		{
			name:     "unsupported kind",
			decision: &domain.Decision{ID: "d", Kind: "delete_graph"},
			code:     CodeUnsupportedKind,
		},
		{
			name:     "create without graph",
			decision: &domain.Decision{ID: "d", Kind: domain.DecisionCreateGraph},
			code:     CodeMissingGraph,
		},
		{
			name:     "run without graph or id",
			decision: &domain.Decision{ID: "d", Kind: domain.DecisionExecuteRun},
			code:     CodeMissingGraph,
		},
		{
			name:     "empty graph",
			decision: createGraph(),
			code:     CodeEmptyGraph,
		},
		{
			name:     "missing node id",
			decision: createGraph(domain.Node{Type: executors.TypePassthrough}),
			code:     CodeMissingNodeID,
		},
		{
			name:     "missing node type",
			decision: createGraph(domain.Node{ID: "A"}),
			code:     CodeMissingNodeType,
		},
		{
			name:     "duplicate node",
			decision: createGraph(setNode("A"), setNode("A")),
			code:     CodeDuplicateNode,
		},
		{
			name:     "reserved node id",
			decision: createGraph(setNode(domain.RunInputsNode)),
			code:     CodeReservedNodeID,
		},
		{
			name:     "unknown capability",
			decision: createGraph(domain.Node{ID: "A", Type: "teleport"}),
			code:     CodeUnknownCapability,
		},
		{
			name:     "missing config",
			decision: createGraph(domain.Node{ID: "A", Type: executors.TypeSet}),
			code:     CodeMissingConfig,
		},
		{
			name:     "dangling reference",
			decision: createGraph(passNode("A", map[string]domain.Input{"v": domain.RefTo("Z", "x")})),
			code:     CodeDanglingReference,
		},
		{
			name:     "self reference",
			decision: createGraph(passNode("A", map[string]domain.Input{"v": domain.RefTo("A", "x")})),
			code:     CodeSelfReference,
		},
		{
			name: "undeclared output",
			decision: createGraph(
				setNode("A", "x"),
				passNode("B", map[string]domain.Input{"v": domain.RefTo("A", "y")}),
			),
			code: CodeUndeclaredOutput,
		},
		{
			name: "negative timeout",
			decision: &domain.Decision{
				ID:    "d",
				Kind:  domain.DecisionCreateGraph,
				Graph: &domain.Graph{ID: "g", Nodes: []domain.Node{setNode("A")}, Config: domain.GraphConfig{TimeoutMS: -1}},
			},
			code: CodeInvalidValue,
		},
		{
			name: "missing run input",
			decision: &domain.Decision{
				ID:   "d",
				Kind: domain.DecisionExecuteRun,
				Graph: &domain.Graph{ID: "g", Nodes: []domain.Node{
					passNode("A", map[string]domain.Input{"q": domain.RefTo(domain.RunInputsNode, "query")}),
				}},
			},
			code: CodeMissingInput,
		},
	}

	v, _ := newTestValidator(t, ResourcePolicy{}, Defaults{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.decision)
			require.Equal(t, domain.ValidationRejected, result.Status)
			require.Contains(t, codes(result.Errors()), tt.code)
		})
	}
}

func TestValidateReferences(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{}, Defaults{})

	// Nested fields resolve against the declared root output.
	nested := createGraph(
		setNode("A", "x"),
		passNode("B", map[string]domain.Input{"v": domain.Literal("${A.x.deep}")}),
	)
	require.Equal(t, domain.ValidationApproved, v.Validate(nested).Status)

	// Run inputs are only checked when the run is triggered.
	graph := &domain.Graph{ID: "g", Nodes: []domain.Node{
		passNode("A", map[string]domain.Input{"q": domain.RefTo(domain.RunInputsNode, "query.text")}),
	}}
	create := &domain.Decision{ID: "d", Kind: domain.DecisionCreateGraph, Graph: graph}
	require.Equal(t, domain.ValidationApproved, v.Validate(create).Status)

	run := &domain.Decision{
		ID:     "d",
		Kind:   domain.DecisionExecuteRun,
		Graph:  graph,
		Inputs: map[string]interface{}{"query": map[string]interface{}{"text": "hi"}},
	}
	require.Equal(t, domain.ValidationApproved, v.Validate(run).Status)

	byID := &domain.Decision{ID: "d", Kind: domain.DecisionExecuteRun, GraphID: "g"}
	require.Equal(t, domain.ValidationApproved, v.Validate(byID).Status)
}

func TestValidateResourcePolicy(t *testing.T) {
	policy := ResourcePolicy{MaxTimeout: time.Second, MaxParallel: 4, MaxExternalCalls: 1}
	v, _ := newTestValidator(t, policy, Defaults{})

	httpNode := func(id string) domain.Node {
		return domain.Node{
			ID:      id,
			Type:    executors.TypeHTTP,
			Config:  map[string]interface{}{"url": "http://example.invalid"},
			Outputs: []string{"status_code"},
		}
	}

	d := createGraph(httpNode("A"), httpNode("B"))
	d.Graph.Config = domain.GraphConfig{TimeoutMS: 2000, MaxParallel: 8}
	result := v.Validate(d)
	require.Equal(t, domain.ValidationApproved, result.Status)
	require.ElementsMatch(t,
		[]string{CodeExternalCalls, CodeParallelismExceeded, CodeTimeoutExceeded},
		codes(result.Warnings()))

	d.Graph.Config = domain.GraphConfig{MaxParallel: 41}
	d.Graph.Nodes[0].TimeoutMS = 11000
	result = v.Validate(d)
	require.Equal(t, domain.ValidationRejected, result.Status)
	require.ElementsMatch(t,
		[]string{CodeParallelismExceeded, CodeTimeoutExceeded},
		codes(result.Errors()))
	require.Equal(t, []string{"A"}, result.Evidence(CodeTimeoutExceeded))
}

func TestViolationsSorted(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{MaxParallel: 1}, Defaults{})

	d := createGraph(
		domain.Node{ID: "B", Type: "teleport"},
		domain.Node{ID: "A", Type: executors.TypeSet},
	)
	d.Graph.Config.MaxParallel = 2
	result := v.Validate(d)
	require.Equal(t, []string{CodeMissingConfig, CodeUnknownCapability, CodeParallelismExceeded}, codes(result.Violations))
}

func TestStats(t *testing.T) {
	v, stats := newTestValidator(t, ResourcePolicy{}, Defaults{})

	v.Validate(createGraph(setNode("A")))
	v.Validate(&domain.Decision{Kind: domain.DecisionCreateGraph, Graph: &domain.Graph{ID: "g", Nodes: []domain.Node{setNode("A")}}})
	v.Validate(createGraph())
	v.Validate(createGraph(domain.Node{ID: "A", Type: "teleport"}))

	snap := stats.Snapshot()
	require.Equal(t, 1, snap.Approved)
	require.Equal(t, 1, snap.Modified)
	require.Equal(t, 2, snap.Rejected)
	require.Equal(t, 1, snap.RuleHits[CodeEmptyGraph])
	require.Equal(t, 1, snap.RuleHits[CodeUnknownCapability])
	require.Equal(t, 1, snap.RuleHits[CodeAutoCorrected])

	snap.RuleHits[CodeEmptyGraph] = 99
	require.Equal(t, 1, stats.Snapshot().RuleHits[CodeEmptyGraph])
}

func TestDecisionGate(t *testing.T) {
	v, _ := newTestValidator(t, ResourcePolicy{}, Defaults{})
	gate := DecisionGate(v)

	valid := domain.Event{
		Type: domain.EventDecisionValidated,
		Data: map[string]interface{}{"decision": createGraph(setNode("A"))},
	}
	require.Equal(t, domain.EventDecisionValidated, gate(valid).Type)

	other := domain.Event{Type: domain.EventRunStarted}
	require.Equal(t, other, gate(other))

	invalid := domain.Event{
		Type: domain.EventDecisionValidated,
		Data: map[string]interface{}{"decision": createGraph(domain.Node{ID: "A", Type: "teleport"})},
	}
	out := gate(invalid)
	require.Equal(t, domain.EventDecisionRejected, out.Type)
	require.Equal(t, string(domain.ValidationRejected), out.Status)
	require.Equal(t, "decision_gate", out.Data["vetoed_by"])
	require.NotContains(t, invalid.Data, "vetoed_by")

	// The gate does not count towards validation statistics.
	require.Zero(t, v.stats.Snapshot().Rejected)
}
