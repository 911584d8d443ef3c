// Package admission decides whether a task may start now, queues it when it
// may not, and releases its resources on completion.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/msageha/gatekeeper/internal/balancer"
	"github.com/msageha/gatekeeper/internal/breaker"
	"github.com/msageha/gatekeeper/internal/budget"
	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/lock"
	"github.com/msageha/gatekeeper/internal/metrics"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
	"github.com/msageha/gatekeeper/internal/shard"
)

var (
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrQueueFull      = queue.ErrQueueFull
	ErrAlreadyQueued  = queue.ErrAlreadyQueued
	ErrDuplicateAgent = errors.New("agent id already active")
	ErrInvalidTask    = errors.New("invalid task")
)

// Options carries the collaborators a Controller is built with. Zero values
// select a real clock, a discarding emitter, a private metrics registry and a
// silent logger.
type Options struct {
	Clock    func() time.Time
	Emitter  events.Emitter
	Metrics  *metrics.Collector
	Logger   *log.Logger
	LogLevel model.LogLevel
}

// Controller owns all admission state. Every exported method takes the same
// mutex, so each call observes and leaves a consistent lock table, ledger,
// active set and queue.
type Controller struct {
	mu  sync.Mutex
	cfg model.Config
	now func() time.Time

	locks    *lock.PathRegistry
	ledger   *budget.Ledger
	breaker  *breaker.Breaker
	queue    *queue.Manager
	balancer *balancer.Balancer
	planner  *shard.Planner

	emitter  events.Emitter
	metrics  *metrics.Collector
	logger   *log.Logger
	logLevel model.LogLevel

	active map[string]*model.ActiveAgent
	idle   map[string]bool
}

func New(cfg model.Config, opts Options) *Controller {
	cfg = cfg.WithDefaults()
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Discard
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.MustNewCollector(nil, cfg.Metrics.CostSampleSize)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	c := &Controller{
		cfg:      cfg,
		now:      opts.Clock,
		locks:    lock.NewPathRegistry(cfg.Locks.TTL()),
		ledger:   budget.NewLedger(cfg.Budget, opts.Clock()),
		breaker:  breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetDelay()),
		queue:    queue.NewManager(cfg.Queue),
		balancer: balancer.New(cfg.Balancer.ImbalanceRatio),
		planner:  shard.NewPlanner(cfg.Sharding),
		emitter:  opts.Emitter,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		logLevel: opts.LogLevel,
		active:   make(map[string]*model.ActiveAgent),
		idle:     make(map[string]bool),
	}
	for _, name := range cfg.Admission.Agents {
		c.idle[name] = true
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() model.Config { return c.cfg }

// Metrics returns the collector decisions are recorded on.
func (c *Controller) Metrics() *metrics.Collector { return c.metrics }

// ScheduleTask admits task or queues it. Refusals are returned as a queued
// Decision; errors are reserved for an open breaker, a full queue, a
// duplicate agent id and invalid input.
func (c *Controller) ScheduleTask(task model.TaskDescriptor) (model.Decision, error) {
	begin := time.Now()
	if err := task.Validate(); err != nil {
		return model.Decision{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	task = task.Normalized()
	if cost := c.estimateCost(task); !model.IsFinite(cost) {
		return model.Decision{}, fmt.Errorf("%w: estimated cost %v is not finite", ErrInvalidTask, cost)
	}
	if task.ID == "" {
		task.ID = model.NewTaskID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if c.queue.Position(task.ID, now) > 0 {
		return model.Decision{}, fmt.Errorf("%w: %s", ErrAlreadyQueued, task.ID)
	}
	d, reason, err := c.admit(task, now)
	if err != nil {
		c.log(model.LogLevelInfo, "schedule rejected task=%s agent=%s error=%v", task.ID, task.Agent, err)
		return model.Decision{}, err
	}
	if reason == "" {
		c.observeOverhead(begin)
		c.metrics.ObserveScheduled(task.Kind, time.Since(begin))
		c.updateGauges(now)
		return d, nil
	}

	pos, err := c.queue.Enqueue(task, reason, now)
	if err != nil {
		c.log(model.LogLevelWarn, "enqueue failed task=%s reason=%s error=%v", task.ID, reason, err)
		return model.Decision{}, err
	}
	d = model.Decision{
		Status:        model.DecisionQueued,
		TaskID:        task.ID,
		EstimatedCost: c.estimateCost(task),
		QueuePosition: pos,
		Reason:        reason,
		EstimatedWait: c.estimatedWait(pos),
	}
	c.emit(events.EventTaskQueued, map[string]interface{}{
		"task_id":        task.ID,
		"agent":          task.Agent,
		"repo":           task.Repo,
		"reason":         string(reason),
		"queue_position": pos,
	})
	c.log(model.LogLevelInfo, "task queued task=%s agent=%s reason=%s position=%d", task.ID, task.Agent, reason, pos)
	c.observeOverhead(begin)
	c.metrics.ObserveQueued(reason, time.Since(begin))
	c.updateGauges(now)
	return d, nil
}

// admit runs the admission checks in order. A non-empty reason means the task
// was refused and nothing was reserved.
func (c *Controller) admit(task model.TaskDescriptor, now time.Time) (model.Decision, model.QueueReason, error) {
	c.refreshBreaker(now)
	if !c.breaker.Allow(now) {
		return model.Decision{}, "", fmt.Errorf("%w: failures=%d reopens_at=%s",
			ErrCircuitOpen, c.breaker.Failures(), c.breaker.ReopensAt().Format(time.RFC3339))
	}
	if task.AgentID != "" {
		if _, ok := c.active[task.AgentID]; ok {
			return model.Decision{}, "", fmt.Errorf("%w: %s", ErrDuplicateAgent, task.AgentID)
		}
	}

	cost := c.estimateCost(task)
	alerts, err := c.ledger.Check(task.Repo, cost)
	c.emitBudgetAlerts(alerts)
	if err != nil {
		c.log(model.LogLevelDebug, "budget refused task=%s repo=%s cost=%.2f error=%v", task.ID, task.Repo, cost, err)
		return model.Decision{}, model.ReasonBudgetExceeded, nil
	}

	if len(c.active) >= c.cfg.Admission.MaxConcurrent {
		return model.Decision{}, model.ReasonConcurrencyLimit, nil
	}

	agentID := task.AgentID
	if agentID == "" {
		agentID, err = model.GenerateIDAt(model.IDTypeAgent, now)
		if err != nil {
			return model.Decision{}, "", fmt.Errorf("generate agent id: %w", err)
		}
	}
	if !c.locks.Acquire(task.Paths, agentID, now) {
		return model.Decision{}, model.ReasonPathLocked, nil
	}

	alerts, err = c.ledger.CheckAndReserve(task.Repo, cost)
	c.emitBudgetAlerts(alerts)
	if err != nil {
		c.locks.ReleaseHeld(agentID, task.Paths)
		return model.Decision{}, model.ReasonBudgetExceeded, nil
	}

	c.active[agentID] = &model.ActiveAgent{
		AgentID:        agentID,
		Agent:          task.Agent,
		TaskID:         task.ID,
		Kind:           task.Kind,
		Repo:           task.Repo,
		StartedAt:      now,
		EstimatedCost:  cost,
		Paths:          append([]string(nil), task.Paths...),
		PreferredAgent: task.PreferredAgent,
	}
	delete(c.idle, task.Agent)

	c.emit(events.EventTaskScheduled, map[string]interface{}{
		"task_id":         task.ID,
		"agent_id":        agentID,
		"agent":           task.Agent,
		"kind":            string(task.Kind),
		"repo":            task.Repo,
		"cost":            cost,
		"locks":           append([]string(nil), task.Paths...),
		"preferred_agent": task.PreferredAgent,
	})
	c.log(model.LogLevelInfo, "task scheduled task=%s agent=%s agent_id=%s cost=%.2f locks=%d",
		task.ID, task.Agent, agentID, cost, len(task.Paths))

	return model.Decision{
		Status:         model.DecisionScheduled,
		TaskID:         task.ID,
		AgentID:        agentID,
		EstimatedCost:  cost,
		Locks:          append([]string(nil), task.Paths...),
		PreferredAgent: task.PreferredAgent,
	}, "", nil
}

// estimateCost uses the explicit override when positive, otherwise
// base_cost(kind) * size_factor * complexity.
func (c *Controller) estimateCost(task model.TaskDescriptor) float64 {
	if task.EstimatedCost > 0 {
		return task.EstimatedCost
	}
	base, ok := c.cfg.Admission.BaseCosts[string(task.Kind)]
	if !ok {
		base = c.cfg.Admission.DefaultBaseCost
	}
	size, complexity := task.SizeFactor, task.Complexity
	if size <= 0 {
		size = 1
	}
	if complexity <= 0 {
		complexity = 1
	}
	return base * size * complexity
}

// estimatedWait spreads the mean completed runtime over the concurrency
// ceiling. Before any completion the configured default stands in for the mean.
func (c *Controller) estimatedWait(position int) time.Duration {
	mean := c.metrics.MeanRuntime()
	if mean <= 0 {
		mean = c.cfg.Queue.DefaultWait()
	}
	return time.Duration(position) * mean / time.Duration(c.cfg.Admission.MaxConcurrent)
}

func (c *Controller) observeOverhead(begin time.Time) {
	if c.metrics.AddOverhead(time.Since(begin), c.cfg.Admission.OverheadSLA) {
		c.log(model.LogLevelWarn, "orchestration overhead above sla=%.2f", c.cfg.Admission.OverheadSLA)
	}
}

// CompleteTask releases everything agentID holds and reports the completion.
// Unknown ids, including ones already completed, return false and change nothing.
func (c *Controller) CompleteTask(agentID string, result model.Result) (model.CompletionSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.active[agentID]
	if !ok {
		c.log(model.LogLevelDebug, "complete ignored unknown agent_id=%s", agentID)
		return model.CompletionSummary{}, false
	}
	now := c.now()
	runtime := a.Runtime(now)
	cost := result.Cost
	if !model.IsFinite(cost) || cost <= 0 {
		cost = a.EstimatedCost
	}

	c.emitBudgetAlerts(c.ledger.Settle(a.Repo, a.EstimatedCost, cost))
	released := c.locks.ReleaseHeld(agentID, a.Paths)
	delete(c.active, agentID)
	c.idle[a.Agent] = true
	c.metrics.ObserveCompletion(runtime, cost, result.Failed)

	c.emit(events.EventTaskCompleted, map[string]interface{}{
		"task_id":     a.TaskID,
		"agent_id":    agentID,
		"agent":       a.Agent,
		"repo":        a.Repo,
		"runtime_sec": runtime.Seconds(),
		"cost":        cost,
		"failed":      result.Failed,
	})
	c.log(model.LogLevelInfo, "task completed task=%s agent_id=%s runtime=%s cost=%.2f failed=%t released=%d",
		a.TaskID, agentID, runtime, cost, result.Failed, released)

	if result.Failed {
		c.recordFailure(now)
	}
	if len(c.active) > 0 {
		c.rebalance(now)
	}
	c.drain(now)
	c.updateGauges(now)

	return model.CompletionSummary{
		AgentID:     agentID,
		TaskID:      a.TaskID,
		Runtime:     runtime,
		Cost:        cost,
		Utilization: c.utilization(),
	}, true
}

// RecordFailure counts an operational failure against the breaker.
func (c *Controller) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.recordFailure(now)
	c.updateGauges(now)
}

func (c *Controller) recordFailure(now time.Time) {
	c.refreshBreaker(now)
	if !c.breaker.RecordFailure(now) {
		c.log(model.LogLevelDebug, "failure recorded failures=%d threshold=%d", c.breaker.Failures(), c.breaker.Threshold())
		return
	}
	c.emit(events.EventCircuitOpen, map[string]interface{}{
		"failures":   c.breaker.Failures(),
		"reopens_at": c.breaker.ReopensAt().Format(time.RFC3339),
	})
	c.log(model.LogLevelWarn, "circuit opened failures=%d reopens_at=%s",
		c.breaker.Failures(), c.breaker.ReopensAt().Format(time.RFC3339))
}

func (c *Controller) refreshBreaker(now time.Time) {
	if c.breaker.Refresh(now) {
		c.emit(events.EventCircuitClosed, map[string]interface{}{})
		c.log(model.LogLevelInfo, "circuit closed")
	}
}

// Drain retries queued tasks in score order while capacity remains.
func (c *Controller) Drain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := c.drain(now)
	c.updateGauges(now)
	return n
}

// drain makes one pass over a snapshot of the queue and returns how many
// tasks it admitted. Entries refused for budget or locks use up a retry.
func (c *Controller) drain(now time.Time) int {
	if c.queue.Len() == 0 {
		return 0
	}
	admitted := 0
	for _, e := range c.queue.Entries(now) {
		if len(c.active) >= c.cfg.Admission.MaxConcurrent {
			break
		}
		c.refreshBreaker(now)
		if !c.breaker.Allow(now) {
			break
		}

		c.queue.Remove(e.Task.ID)
		_, reason, err := c.admit(e.Task, now)
		switch {
		case err == nil && reason == "":
			admitted++
			continue
		case err != nil:
			c.log(model.LogLevelWarn, "drain admission error task=%s error=%v", e.Task.ID, err)
			reason = e.Reason
		}

		e.Retries++
		e.Reason = reason
		if c.queue.Exhausted(e) {
			c.metrics.ObserveRetriesExhausted()
			c.emit(events.EventTaskFailed, map[string]interface{}{
				"task_id": e.Task.ID,
				"agent":   e.Task.Agent,
				"repo":    e.Task.Repo,
				"reason":  string(reason),
				"retries": e.Retries,
			})
			c.log(model.LogLevelWarn, "task dropped after retries task=%s reason=%s retries=%d", e.Task.ID, reason, e.Retries)
			continue
		}
		c.queue.Requeue(e)
	}
	return admitted
}

// rebalance nominates the least-loaded agent for the queue front and retries
// its admission once, ahead of the drain, so the hinted task can take the slot
// a completion just freed. A refused entry goes back unchanged.
func (c *Controller) rebalance(now time.Time) {
	steal, ok := c.balancer.Plan(c.activeList(), now)
	if !ok {
		return
	}
	e, ok := c.queue.PopFront(now)
	if !ok {
		return
	}
	hinted := e.Task.Clone()
	hinted.PreferredAgent = steal.To.Agent
	d, reason, err := c.admit(hinted, now)
	if err != nil || reason != "" {
		c.queue.Requeue(e)
		c.log(model.LogLevelDebug, "steal deferred task=%s reason=%s", e.Task.ID, reason)
		return
	}
	c.metrics.ObserveSteal()
	c.emit(events.EventWorkStolen, map[string]interface{}{
		"task_id":       d.TaskID,
		"agent_id":      d.AgentID,
		"from_agent_id": steal.From.AgentID,
		"to_agent_id":   steal.To.AgentID,
		"to_agent":      steal.To.Agent,
	})
	c.log(model.LogLevelInfo, "work stolen task=%s from=%s to=%s", d.TaskID, steal.From.AgentID, steal.To.Agent)
}

// SweepLocks removes expired path locks and returns how many were removed.
func (c *Controller) SweepLocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	expired := c.locks.Sweep(now)
	for _, l := range expired {
		c.emit(events.EventLockExpired, map[string]interface{}{
			"path":        l.Path,
			"agent_id":    l.Holder,
			"acquired_at": l.AcquiredAt.Format(time.RFC3339),
		})
		c.log(model.LogLevelWarn, "lock expired path=%s holder=%s", l.Path, l.Holder)
	}
	c.metrics.ObserveLocksExpired(len(expired))
	c.updateGauges(now)
	return len(expired)
}

// Tick refreshes the breaker and the budget window, then drains the queue.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.refreshBreaker(now)
	if c.ledger.ResetIfWindowElapsed(now) {
		c.log(model.LogLevelInfo, "budget window reset")
	}
	c.drain(now)
	c.updateGauges(now)
}

// PublishMetrics emits a metrics_snapshot event and returns the status it carried.
func (c *Controller) PublishMetrics() model.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status(c.now())
	c.emit(events.EventMetricsSnapshot, map[string]interface{}{
		"active":        st.Active,
		"idle":          st.Idle,
		"queued":        st.Queued,
		"held_locks":    st.HeldLocks,
		"utilization":   st.Utilization,
		"budget_global": st.Budget.Global,
		"breaker_state": st.Breaker.State,
		"completed":     st.Metrics.Completed,
		"cost_p50":      st.Metrics.CostP50,
		"cost_p90":      st.Metrics.CostP90,
		"cost_p99":      st.Metrics.CostP99,
	})
	return st
}

func (c *Controller) Status() model.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status(c.now())
}

func (c *Controller) status(now time.Time) model.Status {
	bs := model.BreakerStatus{State: c.breaker.State().String(), Failures: c.breaker.Failures()}
	if t := c.breaker.ReopensAt(); !t.IsZero() {
		bs.ReopensAt = &t
	}
	return model.Status{
		Active:        len(c.active),
		Idle:          len(c.idle),
		Queued:        c.queue.Len(),
		MaxConcurrent: c.cfg.Admission.MaxConcurrent,
		HeldLocks:     c.locks.Held(now),
		Utilization:   c.utilization(),
		Budget:        c.ledger.Usage(),
		Breaker:       bs,
		Metrics:       c.metrics.Snapshot(),
		GeneratedAt:   now,
	}
}

// ActiveAgents lists active agents by start time.
func (c *Controller) ActiveAgents() []model.ActiveAgent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeList()
}

func (c *Controller) activeList() []model.ActiveAgent {
	out := make([]model.ActiveAgent, 0, len(c.active))
	for _, a := range c.active {
		cp := *a
		cp.Paths = append([]string(nil), a.Paths...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// IdleAgents lists the names of agents with no active task.
func (c *Controller) IdleAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.idle))
	for name := range c.idle {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// QueueEntries lists queued tasks in drain order.
func (c *Controller) QueueEntries() []model.QueuedTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.queue.Entries(c.now())
	out := make([]model.QueuedTask, len(entries))
	for i, e := range entries {
		out[i] = model.QueuedTask{
			Task:       e.Task.Clone(),
			EnqueuedAt: e.EnqueuedAt,
			Reason:     e.Reason,
			Retries:    e.Retries,
			Position:   i + 1,
		}
	}
	return out
}

// Plan builds a sharding plan capped at the concurrency ceiling. It does not
// touch admission state.
func (c *Controller) Plan(ctx context.Context, kind model.OperationKind, scope shard.Scope) (shard.Plan, error) {
	return c.planner.PlanFor(ctx, kind, scope)
}

func (c *Controller) utilization() float64 {
	return float64(len(c.active)) / float64(c.cfg.Admission.MaxConcurrent)
}

func (c *Controller) updateGauges(now time.Time) {
	c.metrics.SetGauges(metrics.Gauges{
		Active:      len(c.active),
		Idle:        len(c.idle),
		Queued:      c.queue.Len(),
		HeldLocks:   c.locks.Held(now),
		Utilization: c.utilization(),
		BreakerOpen: c.breaker.State() == breaker.StateOpen,
		Budget:      c.ledger.Usage(),
	})
}

func (c *Controller) emitBudgetAlerts(alerts []budget.Alert) {
	for _, a := range alerts {
		et := events.EventBudgetWarning
		if a.Level == budget.AlertCritical {
			et = events.EventBudgetCritical
		}
		scope := "repo"
		if a.Repo == "" {
			scope = "global"
		}
		c.emit(et, map[string]interface{}{
			"scope": scope,
			"repo":  a.Repo,
			"used":  a.Used,
			"cap":   a.Cap,
			"ratio": a.Ratio(),
			"cost":  a.Cost,
		})
		c.log(model.LogLevelWarn, "budget %s scope=%s repo=%s used=%.2f cap=%.2f", a.Level, scope, a.Repo, a.Used, a.Cap)
	}
}

func (c *Controller) emit(et events.EventType, data map[string]interface{}) {
	c.emitter.Publish(et, data)
}

func (c *Controller) log(level model.LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s admission: %s", time.Now().Format(time.RFC3339), level, msg)
}
