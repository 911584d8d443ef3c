package uds

import "github.com/msageha/gatekeeper/internal/model"

// Commands served by the daemon.
const (
	CmdPing     = "ping"
	CmdSchedule = "schedule"
	CmdComplete = "complete"
	CmdFail     = "fail"
	CmdStatus   = "status"
	CmdDrain    = "drain"
	CmdPlan     = "plan"
	CmdShutdown = "shutdown"
)

// ScheduleParams is the payload of a schedule request.
type ScheduleParams struct {
	Task model.TaskDescriptor `json:"task"`
}

// CompleteParams is the payload of a complete request.
type CompleteParams struct {
	AgentID string  `json:"agent_id"`
	Cost    float64 `json:"cost,omitempty"`
	Failed  bool    `json:"failed,omitempty"`
}

// PlanParams is the payload of a plan request.
type PlanParams struct {
	Kind       model.OperationKind `json:"kind"`
	Repo       string              `json:"repo"`
	Root       string              `json:"root,omitempty"`
	Modules    []string            `json:"modules,omitempty"`
	TestSuites []string            `json:"test_suites,omitempty"`
	Languages  []string            `json:"languages,omitempty"`
}

// DrainResult reports how many queued tasks a drain admitted.
type DrainResult struct {
	Admitted int `json:"admitted"`
	Queued   int `json:"queued"`
}
