package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/gatekeeper/internal/model"
)

func TestCollector_Counters(t *testing.T) {
	c := MustNewCollector(prometheus.NewRegistry(), 10)

	c.ObserveScheduled(model.KindFixPack, time.Millisecond)
	c.ObserveScheduled(model.KindFixPack, time.Millisecond)
	c.ObserveQueued(model.ReasonPathLocked, time.Millisecond)
	c.ObserveCompletion(time.Minute, 2, false)
	c.ObserveCompletion(time.Minute, 4, true)
	c.ObserveRetriesExhausted()
	c.ObserveSteal()
	c.ObserveLocksExpired(3)
	c.ObserveLocksExpired(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.scheduled.WithLabelValues("fixPack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queued.WithLabelValues("path_locked")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.completed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failed.WithLabelValues("execution")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failed.WithLabelValues("retries_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stolen))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.locksExpired))

	snap := c.Snapshot()
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 2, snap.Failed)
	assert.Equal(t, 1, snap.Stolen)
	assert.Equal(t, 6.0, snap.TotalCost)
	assert.Equal(t, 60.0, snap.MeanRuntimeSec)
}

func TestCollector_SharedRegistryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewCollector(reg, 10)
	b := MustNewCollector(reg, 10)

	a.ObserveSteal()
	b.ObserveSteal()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.stolen))
}

func TestCollector_Gauges(t *testing.T) {
	c := MustNewCollector(prometheus.NewRegistry(), 10)
	c.SetGauges(Gauges{
		Active:      2,
		Idle:        1,
		Queued:      4,
		HeldLocks:   5,
		Utilization: 0.4,
		BreakerOpen: true,
		Budget: model.BudgetUsage{
			Repos:  map[string]model.RepoUsage{"acme/api": {Used: 12, Cap: 100}},
			Global: 12,
		},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.active))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.heldLocks))
	assert.Equal(t, 0.4, testutil.ToFloat64(c.utilization))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerOpen))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.budgetUsed.WithLabelValues("acme/api")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.budgetGlobal))

	c.SetGauges(Gauges{})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerOpen))
	assert.Equal(t, 0, testutil.CollectAndCount(c.budgetUsed), "stale repo series dropped")
}

func TestCollector_CostPercentiles(t *testing.T) {
	c := MustNewCollector(prometheus.NewRegistry(), 1000)
	for i := 1; i <= 100; i++ {
		c.ObserveCompletion(time.Second, float64(i), false)
	}
	snap := c.Snapshot()
	assert.Equal(t, 50.0, snap.CostP50)
	assert.Equal(t, 90.0, snap.CostP90)
	assert.Equal(t, 99.0, snap.CostP99)
}

func TestCollector_CostSampleIsBounded(t *testing.T) {
	c := MustNewCollector(prometheus.NewRegistry(), 3)
	for _, cost := range []float64{100, 100, 100, 1, 2, 3} {
		c.ObserveCompletion(time.Second, cost, false)
	}
	snap := c.Snapshot()
	assert.Equal(t, 3.0, snap.CostP99, "oldest samples are overwritten")
	assert.Equal(t, 306.0, snap.TotalCost)
}

func TestCollector_OverheadSLA(t *testing.T) {
	c := MustNewCollector(prometheus.NewRegistry(), 10)

	assert.False(t, c.AddOverhead(time.Second, 0.05), "no runtime observed yet")

	c.ObserveCompletion(100*time.Second, 1, false)
	assert.False(t, c.AddOverhead(time.Second, 0.05), "2s over 100s is within 5%")
	assert.True(t, c.AddOverhead(4*time.Second, 0.05))

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.OverheadSLABreaches)
	assert.InDelta(t, 0.06, snap.OverheadRatio, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.overheadBreaches))
}

func TestCollector_MeanRuntime(t *testing.T) {
	c := MustNewCollector(nil, 0)
	assert.Equal(t, time.Duration(0), c.MeanRuntime())
	c.ObserveCompletion(time.Minute, 0, false)
	c.ObserveCompletion(3*time.Minute, 0, false)
	assert.Equal(t, 2*time.Minute, c.MeanRuntime())
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 50))
	vals := []float64{1, 2, 3, 4}
	assert.Equal(t, 2.0, Percentile(vals, 50))
	assert.Equal(t, 4.0, Percentile(vals, 99))
	assert.Equal(t, 1.0, Percentile(vals, 0))
	require.Equal(t, 4.0, Percentile(vals, 100))
}
