package domain

import (
	"time"
)

// EventType identifies the kind of event published on the event channel.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunSuspended EventType = "run.suspended"

	EventNodeStarted   EventType = "node.started"
	EventNodeProgress  EventType = "node.progress"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventNodeSkipped   EventType = "node.skipped"

	EventDecisionValidated EventType = "decision.validated"
	EventDecisionRejected  EventType = "decision.rejected"

	// EventVetoed replaces an event whose interceptor chain failed.
	EventVetoed EventType = "event.vetoed"
)

// Event is a notification about run, node or decision progress. ID,
// Sequence and Timestamp are assigned by the event channel on publish.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Sequence  uint64                 `json:"sequence"`
	RunID     string                 `json:"run_id,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
