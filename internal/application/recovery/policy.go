package recovery

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

// Action is a recovery instruction.
type Action string

const (
	ActionRetry  Action = "RETRY"
	ActionSkip   Action = "SKIP"
	ActionAbort  Action = "ABORT"
	ActionReplan Action = "REPLAN"
)

// ParseAction converts a case-insensitive string to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionRetry, ActionSkip, ActionAbort, ActionReplan:
		return a, nil
	default:
		return "", fmt.Errorf("unknown recovery action: %q", s)
	}
}

// Rule is the handling of one error category.
type Rule struct {
	Action Action
	// MaxRetries bounds RETRY per node. Ignored for other actions.
	MaxRetries int
	// Escalation applies once retries are exhausted. Empty means the
	// policy's default escalation.
	Escalation Action
}

// Backoff computes exponentially increasing retry delays: Base *
// Multiplier^n, capped at Max. Jitter in [0, 1] adds ±Jitter variance.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the wait before retry number n (0-based). Without a Max the
// delay saturates at the largest representable duration.
func (b Backoff) Delay(n int) time.Duration {
	multiplier := b.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	delay := float64(b.Base) * math.Pow(multiplier, float64(n))
	if b.Jitter > 0 && delay < maxDelay {
		//nolint:gosec // Jitter doesn't require cryptographic randomness
		delay *= 1.0 + b.Jitter*(2*rand.Float64()-1)
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if math.IsNaN(delay) || delay < 0 {
		return 0
	}
	if delay >= maxDelay {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// maxDelay is the first float64 that no longer fits in a time.Duration.
const maxDelay = float64(math.MaxInt64)

// DefaultBackoff starts at 100ms and caps at 10s.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}

// DefaultRules returns the default rule set.
func DefaultRules() map[domain.Category]Rule {
	return map[domain.Category]Rule{
		domain.CategoryTimeout:           {Action: ActionRetry, MaxRetries: 2},
		domain.CategoryExternalCall:      {Action: ActionRetry, MaxRetries: 3},
		domain.CategoryRateLimited:       {Action: ActionRetry, MaxRetries: 5},
		domain.CategoryCrash:             {Action: ActionRetry, MaxRetries: 1},
		domain.CategoryUnknown:           {Action: ActionRetry, MaxRetries: 1},
		domain.CategoryMissingData:       {Action: ActionReplan},
		domain.CategoryValidation:        {Action: ActionAbort},
		domain.CategoryResourceExhausted: {Action: ActionAbort},
		domain.CategoryPermissionDenied:  {Action: ActionAbort},
	}
}

// Policy is an immutable category-to-rule mapping shared across runs.
type Policy struct {
	rules      map[domain.Category]Rule
	backoff    Backoff
	escalation Action
}

// Option configures a Policy.
type Option func(*Policy)

// WithRule overrides the rule of one category.
func WithRule(category domain.Category, rule Rule) Option {
	return func(p *Policy) { p.rules[category] = rule }
}

// WithBackoff sets the retry backoff.
func WithBackoff(b Backoff) Option {
	return func(p *Policy) { p.backoff = b }
}

// WithEscalation sets the action taken when retries are exhausted and the
// rule names no escalation of its own.
func WithEscalation(a Action) Option {
	return func(p *Policy) { p.escalation = a }
}

// NewPolicy returns the default policy with opts applied.
func NewPolicy(opts ...Option) (*Policy, error) {
	p := &Policy{
		rules:      DefaultRules(),
		backoff:    DefaultBackoff,
		escalation: ActionAbort,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.escalation != ActionAbort && p.escalation != ActionReplan {
		return nil, fmt.Errorf("escalation must be ABORT or REPLAN, got %q", p.escalation)
	}
	for category, rule := range p.rules {
		if _, err := ParseAction(string(rule.Action)); err != nil {
			return nil, fmt.Errorf("category %s: %w", category, err)
		}
		if rule.MaxRetries < 0 {
			return nil, fmt.Errorf("category %s: max retries must be >= 0", category)
		}
		if rule.Escalation != "" && rule.Escalation != ActionAbort && rule.Escalation != ActionReplan && rule.Escalation != ActionSkip {
			return nil, fmt.Errorf("category %s: invalid escalation %q", category, rule.Escalation)
		}
	}
	if p.backoff.Jitter < 0 || p.backoff.Jitter > 1 {
		return nil, fmt.Errorf("backoff jitter must be in [0, 1]")
	}
	return p, nil
}

// DefaultPolicy returns the policy built from the default rules.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy()
	return p
}

// Rule returns the rule for a category, falling back to the unknown rule.
func (p *Policy) Rule(category domain.Category) Rule {
	if rule, ok := p.rules[category]; ok {
		return rule
	}
	return p.rules[domain.CategoryUnknown]
}

// Rules returns a copy of the rule table.
func (p *Policy) Rules() map[domain.Category]Rule {
	out := make(map[domain.Category]Rule, len(p.rules))
	for k, v := range p.rules {
		out[k] = v
	}
	return out
}

// Backoff returns the policy's backoff settings.
func (p *Policy) Backoff() Backoff {
	return p.backoff
}

// NewTracker starts per-run bookkeeping. retryBudget caps the total number
// of retries across all nodes of the run; zero or less means no cap.
func (p *Policy) NewTracker(retryBudget int) *Tracker {
	return &Tracker{
		policy:   p,
		budget:   retryBudget,
		attempts: make(map[string]int),
	}
}
