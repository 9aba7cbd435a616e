package governor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/dago-kernel/pkg/ports"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Discipline selects how waiting acquisitions are ordered.
type Discipline string

const (
	// DisciplineFIFO grants waiting acquisitions in arrival order.
	DisciplineFIFO Discipline = "fifo"
	// DisciplinePriority grants lower priority values first; ties are FIFO.
	DisciplinePriority Discipline = "priority"
	// DisciplineReject fails acquisitions that cannot be granted at once.
	DisciplineReject Discipline = "reject"
)

// ParseDiscipline converts a case-insensitive string to a Discipline.
func ParseDiscipline(s string) (Discipline, error) {
	d := Discipline(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DisciplineFIFO, DisciplinePriority, DisciplineReject:
		return d, nil
	default:
		return "", fmt.Errorf("unknown queue discipline: %q", s)
	}
}

// RateLimit is a token bucket for one category.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Config holds governor limits.
type Config struct {
	MaxConcurrent  int
	CategoryLimits map[string]int
	RateLimits     map[string]RateLimit
	Discipline     Discipline
	// MaxQueue caps waiting acquisitions; zero means unbounded.
	MaxQueue int
}

// Slot is a granted unit of concurrency. Release it exactly once; further
// releases are ignored.
type Slot struct {
	Category   string
	Priority   int
	AcquiredAt time.Time

	released bool
}

type waiter struct {
	seq      uint64
	category string
	priority int
	ready    chan struct{}
	slot     *Slot
}

// Utilization is a point-in-time view of the governor.
type Utilization struct {
	Active      int            `json:"active"`
	Queued      int            `json:"queued"`
	Limit       int            `json:"limit"`
	PerCategory map[string]int `json:"per_category"`
	Discipline  Discipline     `json:"discipline"`
}

// Governor enforces the concurrency ceilings.
type Governor struct {
	cfg      Config
	logger   *zap.Logger
	metrics  ports.MetricsCollector
	limiters map[string]*rate.Limiter

	mu          sync.Mutex
	active      int
	perCategory map[string]int
	waiters     []*waiter
	seq         uint64
}

// New creates a governor.
func New(cfg Config, metrics ports.MetricsCollector, logger *zap.Logger) (*Governor, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive")
	}
	if cfg.Discipline == "" {
		cfg.Discipline = DisciplineFIFO
	}
	if _, err := ParseDiscipline(string(cfg.Discipline)); err != nil {
		return nil, err
	}
	for category, limit := range cfg.CategoryLimits {
		if limit < 0 {
			return nil, fmt.Errorf("category %s: limit must be >= 0", category)
		}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiters := make(map[string]*rate.Limiter, len(cfg.RateLimits))
	for category, rl := range cfg.RateLimits {
		if rl.PerSecond <= 0 {
			return nil, fmt.Errorf("category %s: rate must be positive", category)
		}
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiters[category] = rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
	}

	return &Governor{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		limiters:    limiters,
		perCategory: make(map[string]int),
	}, nil
}

// Acquire obtains a slot for category. It blocks until a slot is granted
// or ctx is done. Under DisciplineReject, or when the queue is full, it
// fails immediately with a *GovernanceError.
func (g *Governor) Acquire(ctx context.Context, category string, priority int) (*Slot, error) {
	if limiter, ok := g.limiters[category]; ok {
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &GovernanceError{Category: category, Reason: err.Error()}
		}
	}

	start := time.Now()
	g.mu.Lock()

	// After every state change grantable waiters are dispatched, so any
	// remaining waiter is blocked and cannot be overtaken unfairly.
	if g.canGrantLocked(category) {
		slot := g.grantLocked(category, priority)
		g.mu.Unlock()
		g.metrics.ObserveQueueWait(category, time.Since(start))
		return slot, nil
	}

	if g.cfg.Discipline == DisciplineReject {
		err := g.rejectLocked(category, "reject when full")
		g.mu.Unlock()
		return nil, err
	}
	if g.cfg.MaxQueue > 0 && len(g.waiters) >= g.cfg.MaxQueue {
		err := g.rejectLocked(category, "queue full")
		g.mu.Unlock()
		return nil, err
	}

	g.seq++
	w := &waiter{
		seq:      g.seq,
		category: category,
		priority: priority,
		ready:    make(chan struct{}),
	}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		g.metrics.ObserveQueueWait(category, time.Since(start))
		return w.slot, nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.slot != nil {
			// Granted while the context was being cancelled.
			g.releaseLocked(w.slot)
		} else {
			g.removeWaiterLocked(w)
		}
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a slot. Releasing nil or an already released slot is a
// no-op.
func (g *Governor) Release(slot *Slot) {
	if slot == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(slot)
}

// Utilization returns current counters.
func (g *Governor) Utilization() Utilization {
	g.mu.Lock()
	defer g.mu.Unlock()

	per := make(map[string]int, len(g.perCategory))
	for k, v := range g.perCategory {
		if v > 0 {
			per[k] = v
		}
	}
	return Utilization{
		Active:      g.active,
		Queued:      len(g.waiters),
		Limit:       g.cfg.MaxConcurrent,
		PerCategory: per,
		Discipline:  g.cfg.Discipline,
	}
}

func (g *Governor) canGrantLocked(category string) bool {
	if g.active >= g.cfg.MaxConcurrent {
		return false
	}
	if limit, ok := g.cfg.CategoryLimits[category]; ok && limit > 0 && g.perCategory[category] >= limit {
		return false
	}
	return true
}

func (g *Governor) grantLocked(category string, priority int) *Slot {
	g.active++
	g.perCategory[category]++
	return &Slot{Category: category, Priority: priority, AcquiredAt: time.Now()}
}

func (g *Governor) releaseLocked(slot *Slot) {
	if slot.released {
		return
	}
	slot.released = true
	g.active--
	g.perCategory[slot.Category]--
	g.dispatchLocked()
}

// dispatchLocked grants slots to waiters in discipline order. Waiters
// blocked only by their own category ceiling are skipped so they cannot
// hold up other categories.
func (g *Governor) dispatchLocked() {
	for g.active < g.cfg.MaxConcurrent && len(g.waiters) > 0 {
		order := g.orderedWaitersLocked()
		granted := false
		for _, w := range order {
			if !g.canGrantLocked(w.category) {
				continue
			}
			g.removeWaiterLocked(w)
			w.slot = g.grantLocked(w.category, w.priority)
			close(w.ready)
			granted = true
			break
		}
		if !granted {
			return
		}
	}
}

func (g *Governor) orderedWaitersLocked() []*waiter {
	order := append([]*waiter(nil), g.waiters...)
	if g.cfg.Discipline == DisciplinePriority {
		sort.SliceStable(order, func(i, j int) bool {
			if order[i].priority != order[j].priority {
				return order[i].priority < order[j].priority
			}
			return order[i].seq < order[j].seq
		})
	}
	return order
}

func (g *Governor) removeWaiterLocked(w *waiter) {
	for i, other := range g.waiters {
		if other == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

func (g *Governor) rejectLocked(category, reason string) error {
	err := &GovernanceError{
		Category: category,
		Active:   g.active,
		Queued:   len(g.waiters),
		Reason:   reason,
	}
	g.logger.Debug("slot acquisition rejected",
		zap.String("category", category),
		zap.String("reason", reason),
		zap.Int("active", g.active))
	return err
}
