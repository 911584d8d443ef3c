// Package metrics exposes Prometheus collectors for the admission plane and
// keeps the in-memory aggregates used by status snapshots.
package metrics

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msageha/gatekeeper/internal/model"
)

const namespace = "gatekeeper"

// Gauges is the point-in-time state mirrored into gauges after each decision.
type Gauges struct {
	Active      int
	Idle        int
	Queued      int
	HeldLocks   int
	Utilization float64
	BreakerOpen bool
	Budget      model.BudgetUsage
}

// Collector records admission activity. It is safe for concurrent use.
type Collector struct {
	scheduled        *prometheus.CounterVec
	queued           *prometheus.CounterVec
	completed        prometheus.Counter
	failed           *prometheus.CounterVec
	stolen           prometheus.Counter
	locksExpired     prometheus.Counter
	overheadBreaches prometheus.Counter
	taskCost         prometheus.Histogram
	taskRuntime      prometheus.Histogram
	decisionLatency  prometheus.Histogram
	active           prometheus.Gauge
	idle             prometheus.Gauge
	queueDepth       prometheus.Gauge
	heldLocks        prometheus.Gauge
	utilization      prometheus.Gauge
	breakerOpen      prometheus.Gauge
	budgetUsed       *prometheus.GaugeVec
	budgetGlobal     prometheus.Gauge

	mu            sync.Mutex
	costs         []float64
	costNext      int
	sampleSize    int
	completedN    int
	failedN       int
	stolenN       int
	breachesN     int
	totalCost     float64
	runtimeTotal  time.Duration
	overheadTotal time.Duration
}

// MustNewCollector registers the collectors with reg. Collectors already
// registered under the same name are reused, so several controllers can share
// one registry. Any other registration error panics.
func MustNewCollector(reg prometheus.Registerer, sampleSize int) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if sampleSize <= 0 {
		sampleSize = 1000
	}
	c := &Collector{sampleSize: sampleSize}

	c.scheduled = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "tasks_scheduled_total",
		Help: "Tasks admitted, by operation kind.",
	}, []string{"kind"}))
	c.queued = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "tasks_queued_total",
		Help: "Tasks refused admission and queued, by reason.",
	}, []string{"reason"}))
	c.completed = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "tasks_completed_total",
		Help: "Active tasks that reported completion.",
	}))
	c.failed = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "tasks_failed_total",
		Help: "Tasks that failed, by cause.",
	}, []string{"cause"}))
	c.stolen = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "work_stolen_total",
		Help: "Queued tasks redirected to an underloaded agent.",
	}))
	c.locksExpired = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "locks_expired_total",
		Help: "Path locks removed by TTL sweep.",
	}))
	c.overheadBreaches = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "overhead_sla_breaches_total",
		Help: "Admission decisions taken while orchestration overhead exceeded its SLA.",
	}))
	c.taskCost = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "task_cost_dollars",
		Help:    "Realized cost per completed task.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 25, 50},
	}))
	c.taskRuntime = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "task_runtime_seconds",
		Help:    "Wall-clock runtime per completed task.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}))
	c.decisionLatency = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "admission_decision_seconds",
		Help:    "Time spent deciding one admission.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}))
	c.active = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "agents_active", Help: "Agents currently holding admission.",
	}))
	c.idle = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "agents_idle", Help: "Agents known to be idle.",
	}))
	c.queueDepth = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_depth", Help: "Tasks waiting for admission.",
	}))
	c.heldLocks = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "locks_held", Help: "Live path locks.",
	}))
	c.utilization = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "utilization_ratio", Help: "Active agents over max concurrency.",
	}))
	c.breakerOpen = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "circuit_open", Help: "1 while the circuit breaker is open.",
	}))
	c.budgetUsed = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "budget_used_dollars", Help: "Spend in the current window, by repository.",
	}, []string{"repo"}))
	c.budgetGlobal = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "budget_global_used_dollars", Help: "Total spend in the current window.",
	}))
	return c
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveScheduled records an admitted task.
func (c *Collector) ObserveScheduled(kind model.OperationKind, latency time.Duration) {
	c.scheduled.WithLabelValues(string(kind)).Inc()
	c.decisionLatency.Observe(latency.Seconds())
}

// ObserveQueued records a refused task.
func (c *Collector) ObserveQueued(reason model.QueueReason, latency time.Duration) {
	c.queued.WithLabelValues(string(reason)).Inc()
	c.decisionLatency.Observe(latency.Seconds())
}

// ObserveCompletion records a finished task. Failed tasks still count as
// completed for runtime and cost.
func (c *Collector) ObserveCompletion(runtime time.Duration, cost float64, failed bool) {
	c.completed.Inc()
	c.taskCost.Observe(cost)
	c.taskRuntime.Observe(runtime.Seconds())
	if failed {
		c.failed.WithLabelValues("execution").Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedN++
	if failed {
		c.failedN++
	}
	c.totalCost += cost
	c.runtimeTotal += runtime
	if len(c.costs) < c.sampleSize {
		c.costs = append(c.costs, cost)
	} else {
		c.costs[c.costNext] = cost
		c.costNext = (c.costNext + 1) % c.sampleSize
	}
}

// ObserveRetriesExhausted records a queued task dropped after its last retry.
func (c *Collector) ObserveRetriesExhausted() {
	c.failed.WithLabelValues("retries_exhausted").Inc()
	c.mu.Lock()
	c.failedN++
	c.mu.Unlock()
}

func (c *Collector) ObserveSteal() {
	c.stolen.Inc()
	c.mu.Lock()
	c.stolenN++
	c.mu.Unlock()
}

func (c *Collector) ObserveLocksExpired(n int) {
	if n > 0 {
		c.locksExpired.Add(float64(n))
	}
}

// AddOverhead accumulates orchestration time and reports whether overhead now
// exceeds sla as a fraction of completed runtime. No breach is reported before
// any runtime has been observed.
func (c *Collector) AddOverhead(d time.Duration, sla float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overheadTotal += d
	if c.runtimeTotal <= 0 || sla <= 0 {
		return false
	}
	if float64(c.overheadTotal)/float64(c.runtimeTotal) <= sla {
		return false
	}
	c.breachesN++
	c.overheadBreaches.Inc()
	return true
}

// MeanRuntime is the average runtime of completed tasks, zero before any completion.
func (c *Collector) MeanRuntime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completedN == 0 {
		return 0
	}
	return c.runtimeTotal / time.Duration(c.completedN)
}

func (c *Collector) SetGauges(g Gauges) {
	c.active.Set(float64(g.Active))
	c.idle.Set(float64(g.Idle))
	c.queueDepth.Set(float64(g.Queued))
	c.heldLocks.Set(float64(g.HeldLocks))
	c.utilization.Set(g.Utilization)
	if g.BreakerOpen {
		c.breakerOpen.Set(1)
	} else {
		c.breakerOpen.Set(0)
	}
	// Repos absent from the current window drop their series.
	c.budgetUsed.Reset()
	for repo, u := range g.Budget.Repos {
		c.budgetUsed.WithLabelValues(repo).Set(u.Used)
	}
	c.budgetGlobal.Set(g.Budget.Global)
}

// Snapshot summarizes everything observed so far.
func (c *Collector) Snapshot() model.MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	sorted := append([]float64(nil), c.costs...)
	sort.Float64s(sorted)
	snap := model.MetricsSnapshot{
		Completed:           c.completedN,
		Failed:              c.failedN,
		CostP50:             Percentile(sorted, 50),
		CostP90:             Percentile(sorted, 90),
		CostP99:             Percentile(sorted, 99),
		TotalCost:           c.totalCost,
		OverheadSLABreaches: c.breachesN,
		Stolen:              c.stolenN,
	}
	if c.completedN > 0 {
		snap.MeanRuntimeSec = (c.runtimeTotal / time.Duration(c.completedN)).Seconds()
	}
	if c.runtimeTotal > 0 {
		snap.OverheadRatio = float64(c.overheadTotal) / float64(c.runtimeTotal)
	}
	return snap
}

// Percentile returns the nearest-rank percentile p (0-100] of sorted values.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
