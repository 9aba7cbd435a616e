package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyGraph         = errors.New("graph has no nodes")
	ErrDuplicateNode      = errors.New("duplicate node id")
	ErrDanglingReference  = errors.New("reference to unknown node")
	ErrSelfReference      = errors.New("node references itself")
	ErrCycle              = errors.New("cycle detected")
	ErrReservedIdentifier = errors.New("reserved node id")
)

// GraphError is a deterministic graph resolution failure. NodeIDs carries
// the offending node ids, sorted.
type GraphError struct {
	Kind    error
	NodeIDs []string
	Msg     string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if len(e.NodeIDs) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.NodeIDs, ", "))
	}
	if e.Msg != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Msg)
	}
	return msg
}

func (e *GraphError) Unwrap() error { return e.Kind }

func graphErr(kind error, ids []string, format string, args ...interface{}) *GraphError {
	return &GraphError{Kind: kind, NodeIDs: ids, Msg: fmt.Sprintf(format, args...)}
}

// ViolationCode maps a resolution failure kind to a validation code.
func ViolationCode(kind error) string {
	switch kind {
	case ErrEmptyGraph:
		return "empty_graph"
	case ErrDuplicateNode:
		return "duplicate_node"
	case ErrDanglingReference:
		return "dangling_reference"
	case ErrSelfReference:
		return "self_reference"
	case ErrCycle:
		return "cycle_detected"
	case ErrReservedIdentifier:
		return "reserved_node_id"
	default:
		return "invalid_graph"
	}
}
