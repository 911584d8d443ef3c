package daemon

import (
	"errors"
	"fmt"

	"github.com/msageha/gatekeeper/internal/admission"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/shard"
	"github.com/msageha/gatekeeper/internal/uds"
)

// StatusReport is the payload of a status response.
type StatusReport struct {
	Status model.Status          `json:"status"`
	Active []model.ActiveAgent   `json:"active"`
	Idle   []string              `json:"idle"`
	Queue  []model.QueuedTask    `json:"queue"`
	Config model.AdmissionConfig `json:"admission"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle(uds.CmdSchedule, d.handleSchedule)
	d.server.Handle(uds.CmdComplete, d.handleComplete)
	d.server.Handle(uds.CmdFail, d.handleFail)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdDrain, func(req *uds.Request) *uds.Response {
		n := d.controller.Drain()
		return uds.SuccessResponse(uds.DrainResult{Admitted: n, Queued: d.controller.Status().Queued})
	})
	d.server.Handle(uds.CmdPlan, d.handlePlan)
	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.log(model.LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleSchedule(req *uds.Request) *uds.Response {
	var params uds.ScheduleParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	decision, err := d.controller.ScheduleTask(params.Task)
	if err != nil {
		return uds.ErrorResponse(errorCode(err), err.Error())
	}
	return uds.SuccessResponse(decision)
}

func (d *Daemon) handleComplete(req *uds.Request) *uds.Response {
	var params uds.CompleteParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.AgentID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "agent_id is required")
	}
	summary, ok := d.controller.CompleteTask(params.AgentID, model.Result{Cost: params.Cost, Failed: params.Failed})
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("agent %s is not active", params.AgentID))
	}
	return uds.SuccessResponse(summary)
}

// handleFail completes the agent as failed when one is named, and otherwise
// records an operational failure against the breaker.
func (d *Daemon) handleFail(req *uds.Request) *uds.Response {
	var params uds.CompleteParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.AgentID != "" {
		if _, ok := d.controller.CompleteTask(params.AgentID, model.Result{Cost: params.Cost, Failed: true}); !ok {
			return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("agent %s is not active", params.AgentID))
		}
	} else {
		d.controller.RecordFailure()
	}
	return uds.SuccessResponse(d.controller.Status().Breaker)
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(StatusReport{
		Status: d.controller.Status(),
		Active: d.controller.ActiveAgents(),
		Idle:   d.controller.IdleAgents(),
		Queue:  d.controller.QueueEntries(),
		Config: d.config.Admission,
	})
}

func (d *Daemon) handlePlan(req *uds.Request) *uds.Response {
	var params uds.PlanParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Kind == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "kind is required")
	}
	plan, err := d.controller.Plan(d.ctx, params.Kind, shard.Scope{
		Repo:       params.Repo,
		Root:       params.Root,
		Modules:    params.Modules,
		TestSuites: params.TestSuites,
		Languages:  params.Languages,
	})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(plan)
}

// errorCode maps admission errors to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, admission.ErrInvalidTask):
		return uds.ErrCodeValidation
	case errors.Is(err, admission.ErrQueueFull):
		return uds.ErrCodeQueueFull
	case errors.Is(err, admission.ErrCircuitOpen):
		return uds.ErrCodeCircuitOpen
	case errors.Is(err, admission.ErrDuplicateAgent), errors.Is(err, admission.ErrAlreadyQueued):
		return uds.ErrCodeDuplicate
	default:
		return uds.ErrCodeInternal
	}
}
