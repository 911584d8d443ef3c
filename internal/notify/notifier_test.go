package notify

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/model"
)

type sent struct{ title, message string }

func recordingSender(out *[]sent, err error) SendFunc {
	return func(title, message string) error {
		*out = append(*out, sent{title, message})
		return err
	}
}

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeAppleScript(tt.input), tt.input)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name  string
		ev    events.Event
		title string
		msg   string
	}{
		{
			name:  "circuit open",
			ev:    events.Event{Type: events.EventCircuitOpen, Data: map[string]interface{}{"failures": 5, "reopens_at": "2026-03-01T09:01:00Z"}},
			title: "gatekeeper: circuit open",
			msg:   "5 consecutive failures; scheduling paused until 2026-03-01T09:01:00Z",
		},
		{
			name:  "repo budget critical",
			ev:    events.Event{Type: events.EventBudgetCritical, Data: map[string]interface{}{"scope": "repo", "repo": "acme/api", "ratio": 0.96}},
			title: "gatekeeper: budget critical",
			msg:   "repo acme/api at 96% of cap",
		},
		{
			name:  "global budget warning",
			ev:    events.Event{Type: events.EventBudgetWarning, Data: map[string]interface{}{"scope": "global", "repo": "", "ratio": 0.8}},
			title: "gatekeeper: budget warning",
			msg:   "global budget at 80% of cap",
		},
		{
			name:  "task dropped",
			ev:    events.Event{Type: events.EventTaskFailed, Data: map[string]interface{}{"task_id": "t1", "repo": "acme/api", "retries": 3, "reason": "path_locked"}},
			title: "gatekeeper: task dropped",
			msg:   "task t1 (acme/api) dropped after 3 retries: path_locked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, msg, ok := Format(tt.ev)
			assert.True(t, ok)
			assert.Equal(t, tt.title, title)
			assert.Equal(t, tt.msg, msg)
		})
	}

	_, _, ok := Format(events.Event{Type: events.EventTaskScheduled})
	assert.False(t, ok)
}

func TestNotifier_HandleEvent(t *testing.T) {
	var out []sent
	var logs bytes.Buffer
	n := New(recordingSender(&out, nil), log.New(&logs, "", 0), model.LogLevelDebug)

	n.HandleEvent(events.Event{Type: events.EventCircuitClosed})
	n.HandleEvent(events.Event{Type: events.EventMetricsSnapshot})

	assert.Equal(t, []sent{{"gatekeeper: circuit closed", "scheduling resumed"}}, out)
	assert.Contains(t, logs.String(), "notified event=circuit_closed")
}

func TestNotifier_UnsupportedLoggedOnce(t *testing.T) {
	var out []sent
	var logs bytes.Buffer
	n := New(recordingSender(&out, ErrUnsupported), log.New(&logs, "", 0), model.LogLevelInfo)

	n.HandleEvent(events.Event{Type: events.EventCircuitClosed})
	n.HandleEvent(events.Event{Type: events.EventCircuitClosed})

	assert.Len(t, out, 2)
	assert.Equal(t, 1, strings.Count(logs.String(), "notifications disabled"))
}

func TestNotifier_SendErrorLogged(t *testing.T) {
	var out []sent
	var logs bytes.Buffer
	n := New(recordingSender(&out, errors.New("osascript: exit status 1")), log.New(&logs, "", 0), model.LogLevelInfo)

	n.HandleEvent(events.Event{Type: events.EventLockExpired, Data: map[string]interface{}{"path": "src/a.go", "agent_id": "agt_1"}})
	assert.Contains(t, logs.String(), "WARN notify: notify event=lock_expired error=osascript: exit status 1")
}
