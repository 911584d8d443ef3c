package daemon

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/model"
	yamlutil "github.com/msageha/gatekeeper/internal/yaml"
)

// outboxEntry tracks the two writes a file-submitted task receives: the
// initial decision and the eventual admission or drop.
type outboxEntry struct {
	initialDone bool
	final       bool
}

// Outbox writes decision files for tasks submitted through the inbox.
// Event delivery is asynchronous, so a final state may arrive before the
// initial decision; the initial write is skipped in that case.
type Outbox struct {
	dir      string
	logger   *log.Logger
	logLevel model.LogLevel

	mu      sync.Mutex
	tracked map[string]*outboxEntry
}

// NewOutbox creates an Outbox writing under dir.
func NewOutbox(dir string, logger *log.Logger, logLevel model.LogLevel) *Outbox {
	return &Outbox{
		dir:      dir,
		logger:   logger,
		logLevel: logLevel,
		tracked:  make(map[string]*outboxEntry),
	}
}

// Track registers taskID before it is scheduled. It returns false when the
// id is already awaiting a final decision.
func (o *Outbox) Track(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tracked[taskID]; ok {
		return false
	}
	o.tracked[taskID] = &outboxEntry{}
	return true
}

// Tracked reports how many tasks still await a write.
func (o *Outbox) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tracked)
}

// Path returns the decision file path for taskID.
func (o *Outbox) Path(taskID string) string {
	return filepath.Join(o.dir, fileNameFor(taskID)+".yaml")
}

// WriteInitial records the synchronous scheduling outcome of taskID.
func (o *Outbox) WriteInitial(taskID string, decision *model.Decision, schedErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.tracked[taskID]
	if !ok {
		return
	}
	if schedErr != nil {
		o.write(taskID, nil, false, schedErr.Error())
		delete(o.tracked, taskID)
		return
	}
	entry.initialDone = true
	if entry.final {
		delete(o.tracked, taskID)
		return
	}
	o.write(taskID, decision, false, "")
	if decision != nil && decision.Status == model.DecisionScheduled {
		entry.final = true
		delete(o.tracked, taskID)
	}
}

// HandleEvent rewrites the decision file of a tracked task once it is
// admitted or dropped.
func (o *Outbox) HandleEvent(ev events.Event) {
	taskID, _ := ev.Data["task_id"].(string)
	if taskID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.tracked[taskID]
	if !ok || entry.final {
		return
	}

	switch ev.Type {
	case events.EventTaskScheduled:
		o.write(taskID, decisionFromEvent(ev), false, "")
	case events.EventTaskFailed:
		reason, _ := ev.Data["reason"].(string)
		o.write(taskID, nil, true, fmt.Sprintf("dropped after retries: %s", reason))
	default:
		return
	}
	entry.final = true
	if entry.initialDone {
		delete(o.tracked, taskID)
	}
}

func (o *Outbox) write(taskID string, decision *model.Decision, dropped bool, errMsg string) {
	file := model.DecisionFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.FileTypeDecision,
		TaskID:        taskID,
		Decision:      decision,
		Dropped:       dropped,
		Error:         errMsg,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := yamlutil.AtomicWrite(o.Path(taskID), file); err != nil {
		o.log(model.LogLevelError, "write decision task=%s error=%v", taskID, err)
		return
	}
	o.log(model.LogLevelDebug, "decision written task=%s dropped=%t", taskID, dropped)
}

func decisionFromEvent(ev events.Event) *model.Decision {
	d := &model.Decision{Status: model.DecisionScheduled}
	d.TaskID, _ = ev.Data["task_id"].(string)
	d.AgentID, _ = ev.Data["agent_id"].(string)
	d.EstimatedCost, _ = ev.Data["cost"].(float64)
	d.Locks, _ = ev.Data["locks"].([]string)
	d.PreferredAgent, _ = ev.Data["preferred_agent"].(string)
	return d
}

// fileNameFor keeps task ids from escaping the outbox directory.
func fileNameFor(taskID string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(taskID)
}

func (o *Outbox) log(level model.LogLevel, format string, args ...any) {
	if level < o.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	o.logger.Printf("%s %s outbox: %s", time.Now().Format(time.RFC3339), level, msg)
}
