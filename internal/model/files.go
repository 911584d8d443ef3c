package model

// File types carried in the schema header of every YAML file the daemon reads
// or writes.
const (
	FileTypeTaskSubmission = "task_submission"
	FileTypeTaskCompletion = "task_completion"
	FileTypeDecision       = "decision"
	FileTypeStateMetrics   = "state_metrics"
)

// TaskSubmission is a task dropped into the inbox directory.
type TaskSubmission struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	Task          TaskDescriptor `yaml:"task"`
}

// TaskCompletion is a completion signal dropped into the completions directory.
type TaskCompletion struct {
	SchemaVersion int     `yaml:"schema_version"`
	FileType      string  `yaml:"file_type"`
	AgentID       string  `yaml:"agent_id"`
	Cost          float64 `yaml:"cost,omitempty"`
	Failed        bool    `yaml:"failed,omitempty"`
}

// DecisionFile is written to the outbox for each submitted task and rewritten
// when a queued task is later admitted or dropped.
type DecisionFile struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	TaskID        string    `yaml:"task_id"`
	Decision      *Decision `yaml:"decision,omitempty"`
	Dropped       bool      `yaml:"dropped,omitempty"`
	Error         string    `yaml:"error,omitempty"`
	UpdatedAt     string    `yaml:"updated_at"`
}

// MetricsFile is the periodic snapshot at state/metrics.yaml.
type MetricsFile struct {
	SchemaVersion   int     `yaml:"schema_version"`
	FileType        string  `yaml:"file_type"`
	Status          Status  `yaml:"status"`
	DaemonHeartbeat *string `yaml:"daemon_heartbeat"`
	UpdatedAt       *string `yaml:"updated_at"`
}
