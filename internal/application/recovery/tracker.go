package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

// Instruction is the outcome of a recovery decision.
type Instruction struct {
	Action   Action
	Category domain.Category
	// Backoff is the wait before the next attempt when Action is RETRY.
	Backoff time.Duration
	// Attempt is the number of the attempt that just failed, starting at 1.
	Attempt int
	Reason  string
}

// Tracker applies a Policy to one run. It is safe for concurrent use by the
// nodes of a batch.
type Tracker struct {
	policy *Policy
	budget int

	mu       sync.Mutex
	attempts map[string]int
	retries  int
}

// Decide records a failed attempt of nodeID and returns what to do next.
func (t *Tracker) Decide(nodeID string, err error) Instruction {
	category := domain.CategoryOf(err)
	if category == "" {
		category = domain.CategoryUnknown
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts[nodeID]++
	attempt := t.attempts[nodeID]
	in := Instruction{Category: category, Attempt: attempt}

	if category == domain.CategoryCancelled {
		in.Action = ActionAbort
		in.Reason = "cancelled"
		return in
	}

	rule := t.policy.Rule(category)
	if rule.Action != ActionRetry {
		in.Action = rule.Action
		in.Reason = fmt.Sprintf("%s errors are handled with %s", category, rule.Action)
		return in
	}

	if attempt > rule.MaxRetries {
		in.Action = t.escalation(rule)
		in.Reason = fmt.Sprintf("retries exhausted after %d attempt(s)", attempt)
		return in
	}
	if t.budget > 0 && t.retries >= t.budget {
		in.Action = t.escalation(rule)
		in.Reason = fmt.Sprintf("run retry budget of %d exhausted", t.budget)
		return in
	}

	t.retries++
	in.Action = ActionRetry
	in.Backoff = t.policy.backoff.Delay(attempt - 1)

	var nodeErr *domain.NodeError
	if errors.As(err, &nodeErr) && nodeErr.RetryAfter > in.Backoff {
		in.Backoff = nodeErr.RetryAfter
	}
	in.Reason = fmt.Sprintf("retry %d of %d", attempt, rule.MaxRetries)
	return in
}

// Attempts returns the number of failed attempts recorded for nodeID.
func (t *Tracker) Attempts(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[nodeID]
}

// RetriesUsed returns the retries spent from the run budget.
func (t *Tracker) RetriesUsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries
}

func (t *Tracker) escalation(rule Rule) Action {
	if rule.Escalation != "" {
		return rule.Escalation
	}
	return t.policy.escalation
}
