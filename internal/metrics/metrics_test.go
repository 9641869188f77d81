package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveJob(t *testing.T) {
	ObserveJob("metrics-test", OutcomeSucceeded, 250*time.Millisecond)
	ObserveJob("metrics-test", OutcomeSucceeded, time.Second)
	ObserveJob("metrics-test", OutcomeDeadLettered, time.Second)

	require.InDelta(t, 2, testutil.ToFloat64(jobsTotal.WithLabelValues("metrics-test", OutcomeSucceeded)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(jobsTotal.WithLabelValues("metrics-test", OutcomeDeadLettered)), 0)
	require.Positive(t, testutil.CollectAndCount(jobRuntimeSeconds))
}

func TestSetAndForgetPool(t *testing.T) {
	SetPool("sup-metrics", "default", 3, 5)
	require.InDelta(t, 3, testutil.ToFloat64(poolProcesses.WithLabelValues("sup-metrics", "default")), 0)
	require.InDelta(t, 5, testutil.ToFloat64(poolTarget.WithLabelValues("sup-metrics", "default")), 0)

	before := testutil.CollectAndCount(poolProcesses)
	ForgetPool("sup-metrics", "default")
	require.Equal(t, before-1, testutil.CollectAndCount(poolProcesses))
}

func TestCounters(t *testing.T) {
	ObserveWorkerKilled("metrics-test-reason")
	ObserveSpawnFailure("sup-metrics")
	ObserveSupervisorRestart("sup-metrics")
	ObserveSnapshot("metrics-test-result")
	ObserveLeaseRenewFailure("sup-metrics")
	SetQueuePending("metrics-test", 42)
	ObserveRateLimited("metrics-test")

	require.InDelta(t, 1, testutil.ToFloat64(workersKilledTotal.WithLabelValues("metrics-test-reason")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(spawnFailuresTotal.WithLabelValues("sup-metrics")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(supervisorRestartsTotal.WithLabelValues("sup-metrics")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(snapshotsTotal.WithLabelValues("metrics-test-result")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(leaseRenewFailuresTotal.WithLabelValues("sup-metrics")), 0)
	require.InDelta(t, 42, testutil.ToFloat64(queuePending.WithLabelValues("metrics-test")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(rateLimitedTotal.WithLabelValues("metrics-test")), 0)
}
