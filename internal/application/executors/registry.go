package executors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

// Kind tags how a capability participates in control flow.
type Kind string

const (
	// KindLeaf capabilities only produce data.
	KindLeaf Kind = "leaf"
	// KindBranch capabilities produce boolean outputs meant for guards.
	KindBranch Kind = "branch"
)

// Descriptor describes a capability type.
type Descriptor struct {
	Type           domain.CapabilityType `json:"type"`
	Kind           Kind                  `json:"kind"`
	Category       string                `json:"category"`
	ExternalCall   bool                  `json:"external_call"`
	RequiredConfig []string              `json:"required_config,omitempty"`
	DefaultOutputs []string              `json:"default_outputs,omitempty"`
	DefaultTimeout time.Duration         `json:"default_timeout,omitempty"`
	Description    string                `json:"description,omitempty"`
}

// Request is one invocation of an executor.
type Request struct {
	RunID   string
	NodeID  string
	Node    *domain.Node
	Inputs  map[string]interface{}
	Attempt int

	// Progress reports partial progress; pct is in [0, 1]. May be nil.
	Progress func(pct float64, msg string)
}

// Report calls Progress when set.
func (r *Request) Report(pct float64, msg string) {
	if r.Progress != nil {
		r.Progress(pct, msg)
	}
}

// ConfigString returns a string config value, or def when absent.
func (r *Request) ConfigString(key, def string) string {
	if r.Node == nil {
		return def
	}
	if v, ok := r.Node.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Executor runs one node. Returned errors should be *domain.NodeError so the
// recovery policy can classify them; other errors count as unknown.
type Executor interface {
	Execute(ctx context.Context, req *Request) (map[string]interface{}, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req *Request) (map[string]interface{}, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (map[string]interface{}, error) {
	return f(ctx, req)
}

type entry struct {
	desc Descriptor
	exec Executor
}

// Registry maps capability types to executors. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.CapabilityType]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.CapabilityType]entry)}
}

// Register adds a capability. Registering a type twice is an error.
func (r *Registry) Register(desc Descriptor, exec Executor) error {
	if desc.Type == "" {
		return fmt.Errorf("capability type is required")
	}
	if exec == nil {
		return fmt.Errorf("capability %s: executor is nil", desc.Type)
	}
	if desc.Kind == "" {
		desc.Kind = KindLeaf
	}
	if desc.Kind != KindLeaf && desc.Kind != KindBranch {
		return fmt.Errorf("capability %s: unknown kind %q", desc.Type, desc.Kind)
	}
	if desc.Category == "" {
		desc.Category = "default"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[desc.Type]; ok {
		return fmt.Errorf("capability %s already registered", desc.Type)
	}
	r.entries[desc.Type] = entry{desc: desc, exec: exec}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(desc Descriptor, exec Executor) {
	if err := r.Register(desc, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the executor and descriptor for a capability type.
func (r *Registry) Lookup(t domain.CapabilityType) (Executor, Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	return e.exec, e.desc, ok
}

// Descriptor returns the descriptor for a capability type.
func (r *Registry) Descriptor(t domain.CapabilityType) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	return e.desc, ok
}

// Types returns the registered capability types, sorted.
func (r *Registry) Types() []domain.CapabilityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.CapabilityType, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Descriptors returns all descriptors ordered by type.
func (r *Registry) Descriptors() []Descriptor {
	types := r.Types()
	out := make([]Descriptor, 0, len(types))
	for _, t := range types {
		if d, ok := r.Descriptor(t); ok {
			out = append(out, d)
		}
	}
	return out
}
