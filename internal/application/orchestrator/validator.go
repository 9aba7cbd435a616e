package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aescanero/dago-kernel/internal/application/executors"
	"github.com/aescanero/dago-kernel/internal/application/resolver"
	"github.com/aescanero/dago-kernel/pkg/domain"
)

// Violation codes.
const (
	CodeMissingPayload      = "missing_payload"
	CodeUnsupportedKind     = "unsupported_kind"
	CodeMissingGraph        = "missing_graph"
	CodeUnknownGraph        = "unknown_graph"
	CodeEmptyGraph          = "empty_graph"
	CodeMissingNodeID       = "missing_node_id"
	CodeMissingNodeType     = "missing_node_type"
	CodeDuplicateNode       = "duplicate_node"
	CodeReservedNodeID      = "reserved_node_id"
	CodeUnknownCapability   = "unknown_capability"
	CodeMissingConfig       = "missing_config"
	CodeDanglingReference   = "dangling_reference"
	CodeSelfReference       = "self_reference"
	CodeUndeclaredOutput    = "undeclared_output"
	CodeMissingInput        = "missing_input"
	CodeInvalidValue        = "invalid_value"
	CodeCycleDetected       = "cycle_detected"
	CodeTimeoutExceeded     = "timeout_exceeds_policy"
	CodeParallelismExceeded = "parallelism_exceeds_policy"
	CodeExternalCalls       = "external_calls_exceed_policy"
	CodeAutoCorrected       = "auto_corrected"
)

// ResourcePolicy bounds the resources a graph may ask for. Exceeding a limit
// is a warning; exceeding HardMultiple times the limit is an error. Zero
// limits are not checked.
type ResourcePolicy struct {
	MaxTimeout       time.Duration
	MaxParallel      int
	MaxExternalCalls int
	HardMultiple     int
}

// Defaults are the values filled in by the correction pass.
type Defaults struct {
	Timeout     time.Duration
	MaxParallel int
	RetryBudget int
}

// Validator checks decision payloads before anything is executed. It is
// safe for concurrent use; apart from the shared stats it has no state.
type Validator struct {
	registry *executors.Registry
	policy   ResourcePolicy
	defaults Defaults
	stats    *Stats
	graphs   GraphLookup
}

// GraphLookup returns a previously accepted graph by id.
type GraphLookup func(graphID string) (*domain.Graph, bool)

// NewValidator creates a new decision validator. stats may be nil.
func NewValidator(registry *executors.Registry, policy ResourcePolicy, defaults Defaults, stats *Stats) *Validator {
	if policy.HardMultiple <= 0 {
		policy.HardMultiple = 10
	}
	return &Validator{
		registry: registry,
		policy:   policy,
		defaults: defaults,
		stats:    stats,
	}
}

// UseGraphs lets execute_run decisions that name a graph by id be checked
// against the accepted graph. Call it before the validator is shared.
// Without a lookup such decisions are only checked for a non-empty graph_id.
func (v *Validator) UseGraphs(lookup GraphLookup) {
	v.graphs = lookup
}

// Validate checks a decision. When the payload only lacks optional fields,
// a corrected copy is validated once more and returned with status
// modified; the candidate itself is never changed.
func (v *Validator) Validate(candidate *domain.Decision) domain.ValidationResult {
	result := v.evaluate(candidate)
	if v.stats != nil {
		v.stats.record(result)
	}
	return result
}

func (v *Validator) evaluate(candidate *domain.Decision) domain.ValidationResult {
	if candidate == nil {
		return domain.ValidationResult{
			Status: domain.ValidationRejected,
			Violations: []domain.Violation{{
				Code:     CodeMissingPayload,
				Severity: domain.SeverityError,
				Message:  "decision payload is required",
			}},
		}
	}

	violations := v.check(candidate)
	corrected, notes := v.correct(candidate)

	if len(notes) == 0 {
		status := domain.ValidationApproved
		if hasErrors(violations) {
			status = domain.ValidationRejected
		}
		return domain.ValidationResult{Status: status, Violations: sortViolations(violations)}
	}

	second := v.check(corrected)
	if hasErrors(second) {
		return domain.ValidationResult{Status: domain.ValidationRejected, Violations: sortViolations(second)}
	}
	return domain.ValidationResult{
		Status:     domain.ValidationModified,
		Violations: sortViolations(append(second, notes...)),
		Corrected:  corrected,
	}
}

// check runs every rule against d.
func (v *Validator) check(d *domain.Decision) []domain.Violation {
	var out []domain.Violation
	add := func(code string, sev domain.Severity, path string, ids []string, format string, args ...interface{}) {
		out = append(out, domain.Violation{
			Code:     code,
			Severity: sev,
			Path:     path,
			NodeIDs:  ids,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	switch d.Kind {
	case domain.DecisionCreateGraph:
		if d.Graph == nil {
			add(CodeMissingGraph, domain.SeverityError, "graph", nil, "create_graph requires a graph")
			return out
		}
	case domain.DecisionExecuteRun:
		if d.Graph == nil {
			if d.GraphID == "" {
				add(CodeMissingGraph, domain.SeverityError, "graph_id", nil, "execute_run requires graph_id or an inline graph")
				return out
			}
			if v.graphs == nil {
				return out
			}
			stored, ok := v.graphs(d.GraphID)
			if !ok {
				add(CodeUnknownGraph, domain.SeverityError, "graph_id", nil, "graph %q has not been accepted", d.GraphID)
				return out
			}
			v.checkRunInputs(&out, d, stored)
			return out
		}
	default:
		add(CodeUnsupportedKind, domain.SeverityError, "kind", nil, "unsupported decision kind %q", d.Kind)
		return out
	}

	g := d.Graph
	if len(g.Nodes) == 0 {
		add(CodeEmptyGraph, domain.SeverityError, "graph.nodes", nil, "graph must have at least one node")
		return out
	}
	if g.Config.TimeoutMS < 0 {
		add(CodeInvalidValue, domain.SeverityError, "graph.config.timeout_ms", nil, "timeout must not be negative")
	}
	if g.Config.MaxParallel < 0 {
		add(CodeInvalidValue, domain.SeverityError, "graph.config.max_parallel", nil, "max_parallel must not be negative")
	}
	if g.Config.RetryBudget < 0 {
		add(CodeInvalidValue, domain.SeverityError, "graph.config.retry_budget", nil, "retry_budget must not be negative")
	}

	nodes := make(map[string]*domain.Node, len(g.Nodes))
	seen := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		path := fmt.Sprintf("graph.nodes[%d]", i)
		if n.ID == "" {
			add(CodeMissingNodeID, domain.SeverityError, path+".id", nil, "node id is required")
			continue
		}
		if n.ID == domain.RunInputsNode {
			add(CodeReservedNodeID, domain.SeverityError, path+".id", []string{n.ID}, "node id %q is reserved for run inputs", n.ID)
		}
		if seen[n.ID] {
			add(CodeDuplicateNode, domain.SeverityError, path+".id", []string{n.ID}, "duplicate node id %q", n.ID)
			continue
		}
		seen[n.ID] = true
		nodes[n.ID] = n
	}

	externalCalls := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			continue
		}
		path := fmt.Sprintf("graph.nodes[%d]", i)

		if n.Type == "" {
			add(CodeMissingNodeType, domain.SeverityError, path+".type", []string{n.ID}, "node %s has no type", n.ID)
		} else if desc, ok := v.registry.Descriptor(n.Type); !ok {
			add(CodeUnknownCapability, domain.SeverityError, path+".type", []string{n.ID}, "capability %q is not registered", n.Type)
		} else {
			for _, key := range desc.RequiredConfig {
				if _, ok := n.Config[key]; !ok {
					add(CodeMissingConfig, domain.SeverityError, path+".config."+key, []string{n.ID}, "capability %s requires config %q", n.Type, key)
				}
			}
			if desc.ExternalCall {
				externalCalls++
			}
		}

		if n.TimeoutMS < 0 {
			add(CodeInvalidValue, domain.SeverityError, path+".timeout_ms", []string{n.ID}, "timeout must not be negative")
		}
		v.checkDuration(&out, path+".timeout_ms", []string{n.ID}, n.Timeout())

		for _, name := range sortedInputNames(n) {
			ref, ok := n.Inputs[name].Reference()
			if !ok {
				continue
			}
			v.checkReference(&out, d, nodes, n, ref, fmt.Sprintf("%s.inputs.%s", path, name))
		}
		if n.When != nil {
			v.checkReference(&out, d, nodes, n, *n.When, path+".when")
		}
	}

	if cycle := resolver.CycleMembers(g.Nodes); len(cycle) > 0 {
		add(CodeCycleDetected, domain.SeverityError, "graph.nodes", cycle,
			"dependency cycle among %s", strings.Join(cycle, ", "))
	}

	v.checkDuration(&out, "graph.config.timeout_ms", nil, g.Config.Timeout())
	v.checkLimit(&out, CodeParallelismExceeded, "graph.config.max_parallel", g.Config.MaxParallel, v.policy.MaxParallel)
	v.checkLimit(&out, CodeExternalCalls, "graph.nodes", externalCalls, v.policy.MaxExternalCalls)
	return out
}

func (v *Validator) checkReference(out *[]domain.Violation, d *domain.Decision, nodes map[string]*domain.Node, n *domain.Node, ref domain.OutputRef, path string) {
	add := func(code, format string, args ...interface{}) {
		*out = append(*out, domain.Violation{
			Code:     code,
			Severity: domain.SeverityError,
			Path:     path,
			NodeIDs:  []string{n.ID},
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if ref.Node == domain.RunInputsNode {
		// Inputs are only known when the run is triggered in the same decision.
		if d.Kind == domain.DecisionExecuteRun {
			if _, ok := d.Inputs[rootField(ref.Field)]; !ok {
				add(CodeMissingInput, "run input %q is not supplied", ref.Field)
			}
		}
		return
	}
	if ref.Node == n.ID {
		add(CodeSelfReference, "node %s references its own output %s", n.ID, ref)
		return
	}
	src, ok := nodes[ref.Node]
	if !ok {
		add(CodeDanglingReference, "node %s references unknown node %q", n.ID, ref.Node)
		return
	}
	if len(src.Outputs) > 0 && !src.DeclaresOutput(ref.Field) && !src.DeclaresOutput(rootField(ref.Field)) {
		add(CodeUndeclaredOutput, "node %s does not declare output %q", src.ID, ref.Field)
	}
}

// checkRunInputs verifies that every run input an accepted graph reads is
// supplied by the decision.
func (v *Validator) checkRunInputs(out *[]domain.Violation, d *domain.Decision, g *domain.Graph) {
	for i := range g.Nodes {
		n := &g.Nodes[i]
		refs := make([]domain.OutputRef, 0, len(n.Inputs)+1)
		for _, name := range sortedInputNames(n) {
			if ref, ok := n.Inputs[name].Reference(); ok {
				refs = append(refs, ref)
			}
		}
		if n.When != nil {
			refs = append(refs, *n.When)
		}
		for _, ref := range refs {
			if ref.Node != domain.RunInputsNode {
				continue
			}
			if _, ok := d.Inputs[rootField(ref.Field)]; !ok {
				*out = append(*out, domain.Violation{
					Code:     CodeMissingInput,
					Severity: domain.SeverityError,
					Path:     "inputs." + rootField(ref.Field),
					NodeIDs:  []string{n.ID},
					Message:  fmt.Sprintf("run input %q is not supplied", ref.Field),
				})
			}
		}
	}
}

func (v *Validator) checkDuration(out *[]domain.Violation, path string, ids []string, d time.Duration) {
	limit := v.policy.MaxTimeout
	if limit <= 0 || d <= limit {
		return
	}
	sev := domain.SeverityWarning
	if d > limit*time.Duration(v.policy.HardMultiple) {
		sev = domain.SeverityError
	}
	*out = append(*out, domain.Violation{
		Code:     CodeTimeoutExceeded,
		Severity: sev,
		Path:     path,
		NodeIDs:  ids,
		Message:  fmt.Sprintf("timeout %s exceeds policy maximum %s", d, limit),
	})
}

func (v *Validator) checkLimit(out *[]domain.Violation, code, path string, value, limit int) {
	if limit <= 0 || value <= limit {
		return
	}
	sev := domain.SeverityWarning
	if value > limit*v.policy.HardMultiple {
		sev = domain.SeverityError
	}
	*out = append(*out, domain.Violation{
		Code:     code,
		Severity: sev,
		Path:     path,
		Message:  fmt.Sprintf("%d exceeds policy maximum %d", value, limit),
	})
}

// correct fills missing optional fields on a deep copy of d. It returns the
// copy and one warning per filled field; no warnings means nothing changed.
// Generated ids are derived from the payload so that correction is
// deterministic.
func (v *Validator) correct(d *domain.Decision) (*domain.Decision, []domain.Violation) {
	c := d.Clone()
	var notes []domain.Violation
	note := func(path string, ids []string, format string, args ...interface{}) {
		notes = append(notes, domain.Violation{
			Code:     CodeAutoCorrected,
			Severity: domain.SeverityWarning,
			Path:     path,
			NodeIDs:  ids,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if c.ID == "" {
		c.ID = "decision-" + digest(d)
		note("id", nil, "decision id set to %s", c.ID)
	}
	if c.Graph == nil {
		return c, notes
	}

	g := c.Graph
	if g.ID == "" && c.GraphID != "" {
		g.ID = c.GraphID
		note("graph.id", nil, "graph id set from graph_id")
	} else if g.ID == "" {
		g.ID = "graph-" + digest(d.Graph)
		note("graph.id", nil, "graph id set to %s", g.ID)
	}
	if g.Config.TimeoutMS == 0 && v.defaults.Timeout > 0 {
		g.Config.TimeoutMS = v.defaults.Timeout.Milliseconds()
		note("graph.config.timeout_ms", nil, "timeout defaulted to %s", v.defaults.Timeout)
	}
	if g.Config.MaxParallel == 0 && v.defaults.MaxParallel > 0 {
		g.Config.MaxParallel = v.defaults.MaxParallel
		note("graph.config.max_parallel", nil, "max_parallel defaulted to %d", v.defaults.MaxParallel)
	}
	if g.Config.RetryBudget == 0 && v.defaults.RetryBudget > 0 {
		g.Config.RetryBudget = v.defaults.RetryBudget
		note("graph.config.retry_budget", nil, "retry_budget defaulted to %d", v.defaults.RetryBudget)
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if len(n.Outputs) > 0 || n.Type == "" {
			continue
		}
		desc, ok := v.registry.Descriptor(n.Type)
		if !ok || len(desc.DefaultOutputs) == 0 {
			continue
		}
		n.Outputs = append([]string(nil), desc.DefaultOutputs...)
		note(fmt.Sprintf("graph.nodes[%d].outputs", i), []string{n.ID},
			"outputs defaulted to %s", strings.Join(n.Outputs, ", "))
	}
	return c, notes
}

func hasErrors(vs []domain.Violation) bool {
	for _, v := range vs {
		if v.Severity == domain.SeverityError {
			return true
		}
	}
	return false
}

// sortViolations orders errors before warnings, then by code, path and
// message.
func sortViolations(vs []domain.Violation) []domain.Violation {
	sort.SliceStable(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.Severity != b.Severity {
			return a.Severity == domain.SeverityError
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Message < b.Message
	})
	return vs
}

func sortedInputNames(n *domain.Node) []string {
	names := make([]string, 0, len(n.Inputs))
	for name := range n.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func rootField(field string) string {
	if i := strings.IndexByte(field, '.'); i > 0 {
		return field[:i]
	}
	return field
}

func digest(v interface{}) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}
