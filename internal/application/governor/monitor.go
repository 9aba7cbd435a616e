package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor periodically logs governor utilization and reports it to metrics
type Monitor struct {
	governor *Governor
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewMonitor creates a new utilization monitor
func NewMonitor(governor *Governor, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		governor: governor,
		interval: interval,
		logger:   logger,
	}
}

// Start starts the monitor
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.interval <= 0 {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	go m.run(m.stopCh)
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

// run is the main monitoring loop
func (m *Monitor) run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check logs the current utilization and records it as metrics.
func (m *Monitor) Check() Utilization {
	u := m.governor.Utilization()

	m.logger.Info("governor utilization",
		zap.Int("active", u.Active),
		zap.Int("queued", u.Queued),
		zap.Int("limit", u.Limit),
		zap.Any("per_category", u.PerCategory))

	m.governor.metrics.RecordGovernor(u.Active, u.Queued)

	if u.Active >= u.Limit && u.Queued > 0 {
		m.logger.Warn("all slots are busy - consider raising the concurrency limit",
			zap.Int("limit", u.Limit),
			zap.Int("queued", u.Queued))
	}
	return u
}

// Saturated reports whether every slot is taken and work is waiting.
func (m *Monitor) Saturated() bool {
	u := m.governor.Utilization()
	return u.Active >= u.Limit && u.Queued > 0
}
