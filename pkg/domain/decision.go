package domain

import (
	"fmt"
	"time"
)

// DecisionKind is the declared kind of a decision payload.
type DecisionKind string

const (
	// DecisionCreateGraph submits a graph for acceptance.
	DecisionCreateGraph DecisionKind = "create_graph"
	// DecisionExecuteRun triggers a run of an accepted (or inline) graph.
	DecisionExecuteRun DecisionKind = "execute_run"
)

// Decision is a structured payload submitted by an external planner.
type Decision struct {
	ID      string                 `json:"id"`
	Kind    DecisionKind           `json:"kind"`
	Graph   *Graph                 `json:"graph,omitempty"`
	GraphID string                 `json:"graph_id,omitempty"`
	Inputs  map[string]interface{} `json:"inputs,omitempty"`
}

// Clone deep-copies the decision's graph and shallow-copies its inputs.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	out := *d
	out.Graph = d.Graph.Clone()
	if d.Inputs != nil {
		out.Inputs = make(map[string]interface{}, len(d.Inputs))
		for k, v := range d.Inputs {
			out.Inputs[k] = v
		}
	}
	return &out
}

// ValidationStatus is the verdict of the decision validator.
type ValidationStatus string

const (
	ValidationApproved ValidationStatus = "approved"
	ValidationModified ValidationStatus = "modified"
	ValidationRejected ValidationStatus = "rejected"
)

// Severity grades a violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Accepted reports whether the status allows the decision to proceed.
func (s ValidationStatus) Accepted() bool {
	return s == ValidationApproved || s == ValidationModified
}

// Violation is a single rule failure found during validation.
type Violation struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Path     string   `json:"path,omitempty"`
	NodeIDs  []string `json:"node_ids,omitempty"`
	Message  string   `json:"message"`
}

// ValidationResult is produced per submission and never mutated afterwards.
type ValidationResult struct {
	Status     ValidationStatus `json:"status"`
	Violations []Violation      `json:"violations,omitempty"`
	Corrected  *Decision        `json:"corrected,omitempty"`
}

// Accepted reports whether the decision may proceed.
func (r *ValidationResult) Accepted() bool {
	return r != nil && r.Status.Accepted()
}

// Errors returns the error-severity violations.
func (r *ValidationResult) Errors() []Violation {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity violations.
func (r *ValidationResult) Warnings() []Violation {
	return r.filter(SeverityWarning)
}

// Evidence returns the node ids attached to the first violation with code.
func (r *ValidationResult) Evidence(code string) []string {
	for _, v := range r.Violations {
		if v.Code == code {
			return v.NodeIDs
		}
	}
	return nil
}

func (r *ValidationResult) filter(s Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// Acceptance records that a graph passed validation. The kernel re-checks
// the fingerprint before starting a run.
type Acceptance struct {
	GraphID     string           `json:"graph_id"`
	Fingerprint string           `json:"fingerprint"`
	Status      ValidationStatus `json:"status"`
	AcceptedAt  time.Time        `json:"accepted_at"`
}

// NewAcceptance records the acceptance of g with its current fingerprint.
func NewAcceptance(g *Graph, status ValidationStatus) (*Acceptance, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	fp, err := g.Fingerprint()
	if err != nil {
		return nil, err
	}
	return &Acceptance{
		GraphID:     g.ID,
		Fingerprint: fp,
		Status:      status,
		AcceptedAt:  time.Now(),
	}, nil
}
