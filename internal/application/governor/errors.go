package governor

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned when a slot cannot be granted and the governor
// does not queue the request.
var ErrQueueFull = errors.New("concurrency limit reached")

// GovernanceError describes a rejected acquisition.
type GovernanceError struct {
	Category string
	Active   int
	Queued   int
	Reason   string
}

func (e *GovernanceError) Error() string {
	return fmt.Sprintf("%s: category %s (%s, active=%d, queued=%d)",
		ErrQueueFull, e.Category, e.Reason, e.Active, e.Queued)
}

func (e *GovernanceError) Unwrap() error { return ErrQueueFull }
