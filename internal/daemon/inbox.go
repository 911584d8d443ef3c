package daemon

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/gatekeeper/internal/admission"
	"github.com/msageha/gatekeeper/internal/model"
	yamlutil "github.com/msageha/gatekeeper/internal/yaml"
)

// Inbox consumes task submissions and completion signals dropped as YAML
// files into the inbox and completions directories.
type Inbox struct {
	dir        string
	debounce   time.Duration
	controller *admission.Controller
	outbox     *Outbox
	logger     *log.Logger
	logLevel   model.LogLevel

	scanMu sync.Mutex

	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewInbox creates an Inbox rooted at the gatekeeper directory.
func NewInbox(dir string, cfg model.Config, controller *admission.Controller, outbox *Outbox, logger *log.Logger, logLevel model.LogLevel) *Inbox {
	return &Inbox{
		dir:        dir,
		debounce:   cfg.Daemon.Debounce(),
		controller: controller,
		outbox:     outbox,
		logger:     logger,
		logLevel:   logLevel,
	}
}

// HandleFileEvent schedules a debounced scan for a changed YAML file.
func (in *Inbox) HandleFileEvent(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".yaml") || strings.HasPrefix(base, ".") {
		return
	}

	in.timerMu.Lock()
	defer in.timerMu.Unlock()
	if in.stopped {
		return
	}
	if in.timer != nil {
		in.timer.Reset(in.debounce)
		return
	}
	in.timer = time.AfterFunc(in.debounce, in.Scan)
}

// Stop cancels a pending debounced scan.
func (in *Inbox) Stop() {
	in.timerMu.Lock()
	defer in.timerMu.Unlock()
	in.stopped = true
	if in.timer != nil {
		in.timer.Stop()
	}
}

// Scan processes every pending submission and completion file.
func (in *Inbox) Scan() {
	in.scanMu.Lock()
	defer in.scanMu.Unlock()

	for _, path := range in.pending(InboxDir) {
		in.processSubmission(path)
	}
	for _, path := range in.pending(CompletionsDir) {
		in.processCompletion(path)
	}
}

// pending lists YAML files in sub in name order.
func (in *Inbox) pending(sub string) []string {
	entries, err := os.ReadDir(filepath.Join(in.dir, sub))
	if err != nil {
		if !os.IsNotExist(err) {
			in.log(model.LogLevelWarn, "read %s dir: %v", sub, err)
		}
		return nil
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		paths = append(paths, filepath.Join(in.dir, sub, name))
	}
	return paths
}

func (in *Inbox) processSubmission(path string) {
	var sub model.TaskSubmission
	if err := yamlutil.ReadFile(path, model.FileTypeTaskSubmission, &sub); err != nil {
		in.quarantine(path, err)
		return
	}
	defer in.remove(path)

	task := sub.Task
	if task.ID == "" {
		task.ID = model.NewTaskID()
	}
	if !in.outbox.Track(task.ID) {
		in.log(model.LogLevelWarn, "duplicate submission task=%s file=%s ignored", task.ID, filepath.Base(path))
		return
	}

	decision, err := in.controller.ScheduleTask(task)
	if err != nil {
		level := model.LogLevelWarn
		if errors.Is(err, admission.ErrInvalidTask) {
			level = model.LogLevelError
		}
		in.log(level, "schedule task=%s file=%s error=%v", task.ID, filepath.Base(path), err)
		in.outbox.WriteInitial(task.ID, nil, err)
		return
	}
	in.outbox.WriteInitial(task.ID, &decision, nil)
}

func (in *Inbox) processCompletion(path string) {
	var c model.TaskCompletion
	if err := yamlutil.ReadFile(path, model.FileTypeTaskCompletion, &c); err != nil {
		in.quarantine(path, err)
		return
	}
	if c.AgentID == "" {
		in.quarantine(path, fmt.Errorf("agent_id is required"))
		return
	}
	defer in.remove(path)

	if _, ok := in.controller.CompleteTask(c.AgentID, model.Result{Cost: c.Cost, Failed: c.Failed}); !ok {
		in.log(model.LogLevelWarn, "completion for unknown agent_id=%s ignored", c.AgentID)
	}
}

func (in *Inbox) quarantine(path string, cause error) {
	dst, err := yamlutil.Quarantine(in.dir, path)
	if err != nil {
		in.log(model.LogLevelError, "quarantine %s: %v (cause: %v)", filepath.Base(path), err, cause)
		return
	}
	in.log(model.LogLevelWarn, "quarantined %s to %s: %v", filepath.Base(path), dst, cause)
}

func (in *Inbox) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		in.log(model.LogLevelWarn, "remove %s: %v", filepath.Base(path), err)
	}
}

func (in *Inbox) log(level model.LogLevel, format string, args ...any) {
	if level < in.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	in.logger.Printf("%s %s inbox: %s", time.Now().Format(time.RFC3339), level, msg)
}
