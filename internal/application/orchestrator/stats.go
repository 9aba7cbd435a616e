package orchestrator

import (
	"sync"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

// Stats counts validation outcomes. It is owned by whoever creates the
// validator and shared by reference; all methods are safe for concurrent
// use.
type Stats struct {
	mu       sync.Mutex
	statuses map[domain.ValidationStatus]int
	rules    map[string]int
}

// StatsSnapshot is a copy of the counters.
type StatsSnapshot struct {
	Approved int            `json:"approved"`
	Modified int            `json:"modified"`
	Rejected int            `json:"rejected"`
	RuleHits map[string]int `json:"rule_hits"`
}

// NewStats creates empty counters.
func NewStats() *Stats {
	return &Stats{
		statuses: make(map[domain.ValidationStatus]int),
		rules:    make(map[string]int),
	}
}

func (s *Stats) record(result domain.ValidationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[result.Status]++
	for _, v := range result.Violations {
		s.rules[v.Code]++
	}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Approved: s.statuses[domain.ValidationApproved],
		Modified: s.statuses[domain.ValidationModified],
		Rejected: s.statuses[domain.ValidationRejected],
		RuleHits: make(map[string]int, len(s.rules)),
	}
	for k, v := range s.rules {
		snap.RuleHits[k] = v
	}
	return snap
}
