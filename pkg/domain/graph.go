package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// CapabilityType tags the kind of work a node performs. It is resolved to an
// executor through the executor registry.
type CapabilityType string

// RunInputsNode is the reserved node id used by references that read the
// inputs supplied with an execution trigger. It never creates an edge.
const RunInputsNode = "inputs"

// referencePattern matches the string form of a reference: ${node.field}.
var referencePattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_-]+)\.([A-Za-z0-9_.-]+)\}$`)

// OutputRef addresses one output field of one node.
type OutputRef struct {
	Node  string `json:"node"`
	Field string `json:"field"`
}

// String returns the canonical ${node.field} form.
func (r OutputRef) String() string {
	return fmt.Sprintf("${%s.%s}", r.Node, r.Field)
}

// Input is either a literal value or a reference to another node's output.
type Input struct {
	Value interface{} `json:"value,omitempty"`
	Ref   *OutputRef  `json:"ref,omitempty"`
}

// Literal returns an Input carrying a literal value.
func Literal(v interface{}) Input {
	return Input{Value: v}
}

// RefTo returns an Input referencing node.field.
func RefTo(node, field string) Input {
	return Input{Ref: &OutputRef{Node: node, Field: field}}
}

// Reference reports the output this input refers to. Besides the explicit
// Ref form, a string literal of the exact form ${node.field} is a reference.
func (in Input) Reference() (OutputRef, bool) {
	if in.Ref != nil {
		return *in.Ref, true
	}
	s, ok := in.Value.(string)
	if !ok {
		return OutputRef{}, false
	}
	m := referencePattern.FindStringSubmatch(s)
	if m == nil {
		return OutputRef{}, false
	}
	return OutputRef{Node: m[1], Field: m[2]}, true
}

// UnmarshalJSON accepts {"value": ...}, {"ref": {...}} or any bare JSON value,
// which is taken as a literal.
func (in *Input) UnmarshalJSON(data []byte) error {
	type plain Input

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil && len(probe) > 0 {
		structured := true
		for k := range probe {
			if k != "ref" && k != "value" {
				structured = false
				break
			}
		}
		if structured {
			var p plain
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}
			*in = Input(p)
			return nil
		}
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	*in = Input{Value: v}
	return nil
}

// Node is a typed unit of computation inside a graph.
type Node struct {
	ID        string                 `json:"id"`
	Type      CapabilityType         `json:"type"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Inputs    map[string]Input       `json:"inputs,omitempty"`
	Outputs   []string               `json:"outputs,omitempty"`
	When      *OutputRef             `json:"when,omitempty"`
	Priority  int                    `json:"priority,omitempty"`
	TimeoutMS int64                  `json:"timeout_ms,omitempty"`
}

// Timeout returns the node-level timeout, zero when unset.
func (n *Node) Timeout() time.Duration {
	return time.Duration(n.TimeoutMS) * time.Millisecond
}

// DeclaresOutput reports whether field is among the node's declared outputs.
func (n *Node) DeclaresOutput(field string) bool {
	for _, o := range n.Outputs {
		if o == field {
			return true
		}
	}
	return false
}

// Clone returns a copy whose maps and slices are not shared with n.
func (n Node) Clone() Node {
	out := n
	if n.Config != nil {
		out.Config = make(map[string]interface{}, len(n.Config))
		for k, v := range n.Config {
			out.Config[k] = v
		}
	}
	if n.Inputs != nil {
		out.Inputs = make(map[string]Input, len(n.Inputs))
		for k, v := range n.Inputs {
			if v.Ref != nil {
				ref := *v.Ref
				v.Ref = &ref
			}
			out.Inputs[k] = v
		}
	}
	out.Outputs = append([]string(nil), n.Outputs...)
	if n.When != nil {
		w := *n.When
		out.When = &w
	}
	return out
}

// Edge is a derived data-flow dependency from one node to another.
type Edge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Fields []string `json:"fields,omitempty"`
	Guard  string   `json:"guard,omitempty"`
}

// GraphConfig holds run-wide limits.
type GraphConfig struct {
	TimeoutMS   int64 `json:"timeout_ms,omitempty"`
	MaxParallel int   `json:"max_parallel,omitempty"`
	RetryBudget int   `json:"retry_budget,omitempty"`
}

// Timeout returns the global run timeout, zero when unset.
func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Graph is a node set plus run-wide configuration. Nodes keep declaration
// order, which the resolver uses as the tie-break inside a batch.
type Graph struct {
	ID     string      `json:"id"`
	Nodes  []Node      `json:"nodes"`
	Config GraphConfig `json:"config"`
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Clone deep-copies the graph structure.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{ID: g.ID, Config: g.Config, Nodes: make([]Node, len(g.Nodes))}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return out
}

// Fingerprint returns a stable digest of the graph's canonical JSON encoding.
func (g *Graph) Fingerprint() (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("failed to encode graph: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
