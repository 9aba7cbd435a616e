package domain

import (
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	// RunSuspended marks a run stopped by a REPLAN instruction. It is
	// terminal: resuming requires a fresh submission.
	RunSuspended RunStatus = "suspended"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunSuspended:
		return true
	default:
		return false
	}
}

// NodeStatus is the lifecycle state of a node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the node has finished.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// ErrorEntry is one line of a run's error log. The log is retained after the
// run's execution context is discarded.
type ErrorEntry struct {
	NodeID    string    `json:"node_id"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Attempt   int       `json:"attempt"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplanRequest is the structured message handed to the external plan
// generator when a run is suspended.
type ReplanRequest struct {
	RunID          string    `json:"run_id"`
	GraphID        string    `json:"graph_id"`
	NodeID         string    `json:"node_id"`
	Category       Category  `json:"category"`
	Message        string    `json:"message"`
	Attempts       int       `json:"attempts"`
	CompletedNodes []string  `json:"completed_nodes"`
	PendingNodes   []string  `json:"pending_nodes"`
	RequestedAt    time.Time `json:"requested_at"`
}

// RunRecord is the terminal (or in-flight) summary of a run.
type RunRecord struct {
	RunID        string                            `json:"run_id"`
	GraphID      string                            `json:"graph_id"`
	Status       RunStatus                         `json:"status"`
	Batches      [][]string                        `json:"batches,omitempty"`
	NodeStatuses map[string]NodeStatus             `json:"node_statuses"`
	Outputs      map[string]map[string]interface{} `json:"outputs,omitempty"`
	ErrorLog     []ErrorEntry                      `json:"error_log,omitempty"`
	Failure      *RunFailure                       `json:"failure,omitempty"`
	Replan       *ReplanRequest                    `json:"replan,omitempty"`
	RetriesUsed  int                               `json:"retries_used"`
	StartedAt    time.Time                         `json:"started_at"`
	CompletedAt  *time.Time                        `json:"completed_at,omitempty"`
}
