package model

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"
)

type OperationKind string

const (
	KindAssessment OperationKind = "assessment"
	KindValidation OperationKind = "validation"
	KindFixPack    OperationKind = "fixPack"
	KindPattern    OperationKind = "pattern"
	KindRecovery   OperationKind = "recovery"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var validPriorities = map[Priority]bool{
	PriorityCritical: true,
	PriorityHigh:     true,
	PriorityNormal:   true,
	PriorityLow:      true,
}

// ParsePriority accepts an empty string as normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToLower(s))
	if !validPriorities[p] {
		return "", fmt.Errorf("invalid priority: %q", s)
	}
	return p, nil
}

// QueueReason records why admission refused a task.
type QueueReason string

const (
	ReasonBudgetExceeded   QueueReason = "budget_exceeded"
	ReasonConcurrencyLimit QueueReason = "concurrency_limit"
	ReasonPathLocked       QueueReason = "path_locked"
)

// TaskDescriptor is a request to run one agent operation against a repository.
type TaskDescriptor struct {
	ID             string        `yaml:"id" json:"id"`
	Agent          string        `yaml:"agent" json:"agent"`
	Kind           OperationKind `yaml:"kind" json:"kind"`
	Repo           string        `yaml:"repo" json:"repo"`
	Paths          []string      `yaml:"paths,omitempty" json:"paths,omitempty"`
	Priority       Priority      `yaml:"priority,omitempty" json:"priority,omitempty"`
	SizeFactor     float64       `yaml:"size_factor,omitempty" json:"size_factor,omitempty"`
	Complexity     float64       `yaml:"complexity,omitempty" json:"complexity,omitempty"`
	EstimatedCost  float64       `yaml:"estimated_cost,omitempty" json:"estimated_cost,omitempty"`
	AgentID        string        `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	PreferredAgent string        `yaml:"preferred_agent,omitempty" json:"preferred_agent,omitempty"`
}

// Validate checks required fields. It does not mutate the descriptor.
func (t TaskDescriptor) Validate() error {
	if strings.TrimSpace(t.Agent) == "" {
		return fmt.Errorf("agent is required")
	}
	if t.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if strings.TrimSpace(t.Repo) == "" {
		return fmt.Errorf("repo is required")
	}
	if _, err := ParsePriority(string(t.Priority)); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"size_factor", t.SizeFactor},
		{"complexity", t.Complexity},
		{"estimated_cost", t.EstimatedCost},
	} {
		if !IsFinite(f.v) {
			return fmt.Errorf("%s must be a finite number", f.name)
		}
		if f.v < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
	}
	for _, p := range t.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("paths must not contain empty entries")
		}
	}
	return nil
}

// IsFinite reports whether v is neither NaN nor an infinity.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Normalized returns a copy with defaults applied and paths cleaned and deduplicated.
func (t TaskDescriptor) Normalized() TaskDescriptor {
	out := t
	out.Paths = NormalizePaths(t.Paths)
	if p, err := ParsePriority(string(t.Priority)); err == nil {
		out.Priority = p
	}
	if out.SizeFactor == 0 {
		out.SizeFactor = 1
	}
	if out.Complexity == 0 {
		out.Complexity = 1
	}
	return out
}

// Clone returns a deep copy.
func (t TaskDescriptor) Clone() TaskDescriptor {
	out := t
	if t.Paths != nil {
		out.Paths = append([]string(nil), t.Paths...)
	}
	return out
}

// NormalizePaths cleans each path and drops duplicates, keeping first-seen order.
func NormalizePaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		c := path.Clean(strings.TrimSpace(p))
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// ActiveAgent is a task that holds locks and reserved budget.
type ActiveAgent struct {
	AgentID        string        `yaml:"agent_id" json:"agent_id"`
	Agent          string        `yaml:"agent" json:"agent"`
	TaskID         string        `yaml:"task_id" json:"task_id"`
	Kind           OperationKind `yaml:"kind" json:"kind"`
	Repo           string        `yaml:"repo" json:"repo"`
	StartedAt      time.Time     `yaml:"started_at" json:"started_at"`
	EstimatedCost  float64       `yaml:"estimated_cost" json:"estimated_cost"`
	Paths          []string      `yaml:"paths,omitempty" json:"paths,omitempty"`
	PreferredAgent string        `yaml:"preferred_agent,omitempty" json:"preferred_agent,omitempty"`
}

// Runtime reports how long the agent has been active at now.
func (a ActiveAgent) Runtime(now time.Time) time.Duration {
	if now.Before(a.StartedAt) {
		return 0
	}
	return now.Sub(a.StartedAt)
}
