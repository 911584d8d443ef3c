package model

import "time"

type DecisionStatus string

const (
	DecisionScheduled DecisionStatus = "scheduled"
	DecisionQueued    DecisionStatus = "queued"
)

// Decision is the admission outcome for one task.
type Decision struct {
	Status         DecisionStatus `yaml:"status" json:"status"`
	TaskID         string         `yaml:"task_id" json:"task_id"`
	AgentID        string         `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	EstimatedCost  float64        `yaml:"estimated_cost" json:"estimated_cost"`
	Locks          []string       `yaml:"locks,omitempty" json:"locks,omitempty"`
	QueuePosition  int            `yaml:"queue_position" json:"queue_position"`
	Reason         QueueReason    `yaml:"reason,omitempty" json:"reason,omitempty"`
	EstimatedWait  time.Duration  `yaml:"estimated_wait,omitempty" json:"estimated_wait,omitempty"`
	PreferredAgent string         `yaml:"preferred_agent,omitempty" json:"preferred_agent,omitempty"`
}

// Result is the completion signal an executor reports.
type Result struct {
	Cost   float64 `yaml:"cost,omitempty" json:"cost,omitempty"`
	Failed bool    `yaml:"failed,omitempty" json:"failed,omitempty"`
}

// CompletionSummary is returned when an active agent completes.
type CompletionSummary struct {
	AgentID     string        `yaml:"agent_id" json:"agent_id"`
	TaskID      string        `yaml:"task_id" json:"task_id"`
	Runtime     time.Duration `yaml:"runtime" json:"runtime"`
	Cost        float64       `yaml:"cost" json:"cost"`
	Utilization float64       `yaml:"utilization" json:"utilization"`
}

// QueuedTask is a read-only view of a queue entry.
type QueuedTask struct {
	Task       TaskDescriptor `yaml:"task" json:"task"`
	EnqueuedAt time.Time      `yaml:"enqueued_at" json:"enqueued_at"`
	Reason     QueueReason    `yaml:"reason" json:"reason"`
	Retries    int            `yaml:"retries" json:"retries"`
	Position   int            `yaml:"position" json:"position"`
}

// RepoUsage is spend against one repository's cap.
type RepoUsage struct {
	Used float64 `yaml:"used" json:"used"`
	Cap  float64 `yaml:"cap" json:"cap"`
}

type BudgetUsage struct {
	Repos       map[string]RepoUsage `yaml:"repos" json:"repos"`
	Global      float64              `yaml:"global" json:"global"`
	GlobalCap   float64              `yaml:"global_cap" json:"global_cap"`
	WindowStart time.Time            `yaml:"window_start" json:"window_start"`
}

type BreakerStatus struct {
	State     string     `yaml:"state" json:"state"`
	Failures  int        `yaml:"failures" json:"failures"`
	ReopensAt *time.Time `yaml:"reopens_at,omitempty" json:"reopens_at,omitempty"`
}

// MetricsSnapshot summarizes completed work.
type MetricsSnapshot struct {
	Completed           int     `yaml:"completed" json:"completed"`
	Failed              int     `yaml:"failed" json:"failed"`
	CostP50             float64 `yaml:"cost_p50" json:"cost_p50"`
	CostP90             float64 `yaml:"cost_p90" json:"cost_p90"`
	CostP99             float64 `yaml:"cost_p99" json:"cost_p99"`
	TotalCost           float64 `yaml:"total_cost" json:"total_cost"`
	MeanRuntimeSec      float64 `yaml:"mean_runtime_sec" json:"mean_runtime_sec"`
	OverheadRatio       float64 `yaml:"overhead_ratio" json:"overhead_ratio"`
	OverheadSLABreaches int     `yaml:"overhead_sla_breaches" json:"overhead_sla_breaches"`
	Stolen              int     `yaml:"stolen" json:"stolen"`
}

// Status is a point-in-time view of the admission plane.
type Status struct {
	Active        int             `yaml:"active" json:"active"`
	Idle          int             `yaml:"idle" json:"idle"`
	Queued        int             `yaml:"queued" json:"queued"`
	MaxConcurrent int             `yaml:"max_concurrent" json:"max_concurrent"`
	HeldLocks     int             `yaml:"held_locks" json:"held_locks"`
	Utilization   float64         `yaml:"utilization" json:"utilization"`
	Budget        BudgetUsage     `yaml:"budget" json:"budget"`
	Breaker       BreakerStatus   `yaml:"breaker" json:"breaker"`
	Metrics       MetricsSnapshot `yaml:"metrics" json:"metrics"`
	GeneratedAt   time.Time       `yaml:"generated_at" json:"generated_at"`
}
