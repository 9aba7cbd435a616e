package prometheus

import (
	"testing"
	"time"

	"github.com/aescanero/dago-kernel/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var _ ports.MetricsCollector = (*Collector)(nil)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDecision("approved")
	c.RecordDecision("rejected")
	c.RecordDecision("approved")
	c.RecordRunStarted()
	c.RecordRunStarted()
	c.RecordRunFinished("succeeded", time.Second)
	c.RecordNodeExecuted("http", "completed", 20*time.Millisecond)
	c.RecordNodeFailure("http", "timeout", "RETRY")
	c.RecordGovernor(3, 7)
	c.ObserveQueueWait("network", time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(c.decisions.WithLabelValues("approved")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.decisions.WithLabelValues("rejected")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(c.activeRuns))
	require.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.nodesExecuted.WithLabelValues("http", "completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.nodeFailures.WithLabelValues("http", "timeout", "RETRY")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.governorActive))
	require.Equal(t, 7.0, testutil.ToFloat64(c.governorQueued))

	count, err := testutil.GatherAndCount(reg, "dago_queue_wait_time_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCollectorsDoNotShareRegistry(t *testing.T) {
	require.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
