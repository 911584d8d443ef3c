package notify

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/model"
)

// SendFunc delivers one notification.
type SendFunc func(title, message string) error

// Notifier turns bus events into notifications.
type Notifier struct {
	send     SendFunc
	logger   *log.Logger
	logLevel model.LogLevel

	// unsupported is logged once rather than per event.
	unsupported sync.Once
}

// New creates a Notifier delivering through send.
func New(send SendFunc, logger *log.Logger, logLevel model.LogLevel) *Notifier {
	return &Notifier{send: send, logger: logger, logLevel: logLevel}
}

// HandleEvent is an events.Subscriber.
func (n *Notifier) HandleEvent(ev events.Event) {
	title, msg, ok := Format(ev)
	if !ok {
		return
	}
	err := n.send(title, msg)
	switch {
	case err == nil:
		n.log(model.LogLevelDebug, "notified event=%s", ev.Type)
	case errors.Is(err, ErrUnsupported):
		n.unsupported.Do(func() { n.log(model.LogLevelWarn, "notifications disabled: %v", err) })
	default:
		n.log(model.LogLevelWarn, "notify event=%s error=%v", ev.Type, err)
	}
}

// Format renders the title and message for ev. It reports false for event
// types that are not notified.
func Format(ev events.Event) (string, string, bool) {
	d := ev.Data
	switch ev.Type {
	case events.EventCircuitOpen:
		return "gatekeeper: circuit open",
			fmt.Sprintf("%v consecutive failures; scheduling paused until %v", d["failures"], d["reopens_at"]), true
	case events.EventCircuitClosed:
		return "gatekeeper: circuit closed", "scheduling resumed", true
	case events.EventBudgetCritical:
		return "gatekeeper: budget critical",
			fmt.Sprintf("%s at %.0f%% of cap", budgetScope(d), ratio(d)*100), true
	case events.EventBudgetWarning:
		return "gatekeeper: budget warning",
			fmt.Sprintf("%s at %.0f%% of cap", budgetScope(d), ratio(d)*100), true
	case events.EventTaskFailed:
		return "gatekeeper: task dropped",
			fmt.Sprintf("task %v (%v) dropped after %v retries: %v", d["task_id"], d["repo"], d["retries"], d["reason"]), true
	case events.EventLockExpired:
		return "gatekeeper: lock expired",
			fmt.Sprintf("%v held by %v expired", d["path"], d["agent_id"]), true
	}
	return "", "", false
}

func budgetScope(d map[string]interface{}) string {
	if repo, _ := d["repo"].(string); repo != "" {
		return "repo " + repo
	}
	return "global budget"
}

func ratio(d map[string]interface{}) float64 {
	r, _ := d["ratio"].(float64)
	return r
}

func (n *Notifier) log(level model.LogLevel, format string, args ...any) {
	if level < n.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	n.logger.Printf("%s %s notify: %s", time.Now().Format(time.RFC3339), level, msg)
}
