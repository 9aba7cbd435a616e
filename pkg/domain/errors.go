package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRunCancelled is the cancellation cause used when a run is cancelled on
// request, as opposed to hitting its deadline.
var ErrRunCancelled = errors.New("run cancelled")

// Category classifies node execution failures.
type Category string

const (
	CategoryTimeout           Category = "timeout"
	CategoryExternalCall      Category = "external_call"
	CategoryValidation        Category = "validation"
	CategoryMissingData       Category = "missing_data"
	CategoryCrash             Category = "crash"
	CategoryResourceExhausted Category = "resource_exhausted"
	CategoryPermissionDenied  Category = "permission_denied"
	CategoryRateLimited       Category = "rate_limited"
	CategoryUnknown           Category = "unknown"
	// CategoryCancelled is never a failure; it marks work stopped by
	// cooperative cancellation.
	CategoryCancelled Category = "cancelled"
)

// Categories lists the failure categories handled by the recovery policy.
var Categories = []Category{
	CategoryTimeout,
	CategoryExternalCall,
	CategoryValidation,
	CategoryMissingData,
	CategoryCrash,
	CategoryResourceExhausted,
	CategoryPermissionDenied,
	CategoryRateLimited,
	CategoryUnknown,
}

// ParseCategory converts a string to a known category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown error category: %q", s)
}

// NodeError is a categorized node execution failure.
type NodeError struct {
	Category   Category
	NodeID     string
	Attempt    int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

// NewNodeError returns a NodeError with a formatted message.
func NewNodeError(category Category, format string, args ...interface{}) *NodeError {
	return &NodeError{Category: category, Message: fmt.Sprintf(format, args...)}
}

func (e *NodeError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.NodeID != "" {
		return fmt.Sprintf("node %s (%s): %s", e.NodeID, e.Category, msg)
	}
	return fmt.Sprintf("%s: %s", e.Category, msg)
}

func (e *NodeError) Unwrap() error { return e.Cause }

// CategoryOf classifies an arbitrary error. NodeErrors keep their category;
// context errors map to timeout or cancelled; everything else is unknown.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) && nodeErr.Category != "" {
		return nodeErr.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrRunCancelled) {
		return CategoryCancelled
	}
	return CategoryUnknown
}

// ValidationError is returned when a decision is rejected. It is raised
// synchronously, before any run id or execution context exists.
type ValidationError struct {
	Result *ValidationResult
}

func (e *ValidationError) Error() string {
	if e == nil || e.Result == nil {
		return "validation failed"
	}
	errs := e.Result.Errors()
	if len(errs) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(errs))
	for _, v := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Code, v.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// RunFailure is the structured, user-visible reason a run failed.
type RunFailure struct {
	NodeID   string   `json:"node_id,omitempty"`
	Category Category `json:"category"`
	Attempts int      `json:"attempts"`
	Message  string   `json:"message"`
}

func (f *RunFailure) Error() string {
	if f == nil {
		return ""
	}
	if f.NodeID == "" {
		return fmt.Sprintf("run failed (%s): %s", f.Category, f.Message)
	}
	return fmt.Sprintf("run failed at node %s (%s) after %d attempt(s): %s",
		f.NodeID, f.Category, f.Attempts, f.Message)
}
