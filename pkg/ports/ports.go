package ports

import (
	"context"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

// EventHandler receives published events.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes events to subscribers.
type EventBus interface {
	// Publish stamps and delivers an event. It returns the event as
	// delivered, after interceptors ran.
	Publish(ctx context.Context, event domain.Event) (domain.Event, error)

	// Subscribe registers handler for the given event types, or for all
	// events when none are given. The subscription ends when ctx is done or
	// the returned function is called.
	Subscribe(ctx context.Context, handler EventHandler, types ...domain.EventType) (func(), error)
}

// RunStore persists run records.
type RunStore interface {
	SaveRun(ctx context.Context, record *domain.RunRecord) error
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)
	ListRuns(ctx context.Context) ([]string, error)
	DeleteRun(ctx context.Context, runID string) error
}

// MetricsCollector receives kernel measurements.
type MetricsCollector interface {
	RecordDecision(status string)
	RecordRunStarted()
	RecordRunFinished(status string, duration time.Duration)
	RecordNodeExecuted(capability, status string, duration time.Duration)
	RecordNodeFailure(capability, category, action string)
	RecordGovernor(active, queued int)
	ObserveQueueWait(category string, duration time.Duration)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordDecision(string)                            {}
func (NopMetrics) RecordRunStarted()                                {}
func (NopMetrics) RecordRunFinished(string, time.Duration)          {}
func (NopMetrics) RecordNodeExecuted(string, string, time.Duration) {}
func (NopMetrics) RecordNodeFailure(string, string, string)         {}
func (NopMetrics) RecordGovernor(int, int)                          {}
func (NopMetrics) ObserveQueueWait(string, time.Duration)           {}

// LLMRequest is a single-turn completion request.
type LLMRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
}

// LLMResponse is the text produced for an LLMRequest.
type LLMResponse struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// LLMClient produces completions. Implementations return *domain.NodeError
// values so failures can be classified by the recovery policy.
type LLMClient interface {
	Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}
