// Package queue holds tasks refused by admission, ordered by priority class
// with age-based boosting inside a class.
package queue

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/msageha/gatekeeper/internal/model"
)

var (
	ErrQueueFull     = errors.New("queue full")
	ErrAlreadyQueued = errors.New("task already queued")
)

// Entry is one waiting task.
type Entry struct {
	Task       model.TaskDescriptor
	EnqueuedAt time.Time
	Reason     model.QueueReason
	Retries    int
}

// Manager is a bounded priority queue. Callers serialize access.
type Manager struct {
	cfg     model.QueueConfig
	entries []*Entry
}

func NewManager(cfg model.QueueConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Score computes the ordering score of e at now. Higher drains first.
// score = weight(priority) * class_gap + min(age_seconds * aging_per_second, max_age_boost)
func (m *Manager) Score(e *Entry, now time.Time) float64 {
	weight := m.cfg.PriorityWeights[string(e.Task.Priority)]
	age := now.Sub(e.EnqueuedAt).Seconds()
	if age < 0 {
		age = 0
	}
	boost := math.Min(age*m.cfg.AgingPerSecond, m.cfg.MaxAgeBoost)
	return weight*m.cfg.ClassGap + boost
}

// Enqueue adds task and returns its 1-based position.
func (m *Manager) Enqueue(task model.TaskDescriptor, reason model.QueueReason, now time.Time) (int, error) {
	if len(m.entries) >= m.cfg.MaxSize {
		return 0, fmt.Errorf("%w: size=%d", ErrQueueFull, len(m.entries))
	}
	if m.find(task.ID) >= 0 {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyQueued, task.ID)
	}
	m.entries = append(m.entries, &Entry{
		Task:       task.Clone(),
		EnqueuedAt: now,
		Reason:     reason,
	})
	return m.Position(task.ID, now), nil
}

// Requeue puts back an entry previously popped, keeping its enqueue time and
// retry count. Capacity is not re-checked because the entry already held a slot.
func (m *Manager) Requeue(e *Entry) {
	if e == nil || m.find(e.Task.ID) >= 0 {
		return
	}
	m.entries = append(m.entries, e)
}

// PopFront removes and returns the highest-scoring entry.
func (m *Manager) PopFront(now time.Time) (*Entry, bool) {
	if len(m.entries) == 0 {
		return nil, false
	}
	m.sort(now)
	e := m.entries[0]
	m.entries = m.entries[1:]
	return e, true
}

// Peek returns a copy of the highest-scoring entry without removing it.
func (m *Manager) Peek(now time.Time) (Entry, bool) {
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	m.sort(now)
	return *m.entries[0], true
}

// Remove deletes the entry for taskID.
func (m *Manager) Remove(taskID string) (*Entry, bool) {
	i := m.find(taskID)
	if i < 0 {
		return nil, false
	}
	e := m.entries[i]
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return e, true
}

// Position returns the 1-based position of taskID at now, or 0 if absent.
func (m *Manager) Position(taskID string, now time.Time) int {
	m.sort(now)
	for i, e := range m.entries {
		if e.Task.ID == taskID {
			return i + 1
		}
	}
	return 0
}

// Entries returns the queue in drain order at now.
func (m *Manager) Entries(now time.Time) []*Entry {
	m.sort(now)
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Manager) Len() int { return len(m.entries) }

func (m *Manager) MaxRetries() int { return m.cfg.MaxRetries }

// Exhausted reports whether e has used all of its retries.
func (m *Manager) Exhausted(e *Entry) bool {
	return e.Retries >= m.cfg.MaxRetries
}

func (m *Manager) find(taskID string) int {
	for i, e := range m.entries {
		if e.Task.ID == taskID {
			return i
		}
	}
	return -1
}

// sort orders by score DESC → enqueued_at ASC → task id ASC.
func (m *Manager) sort(now time.Time) {
	sort.SliceStable(m.entries, func(i, j int) bool {
		a, b := m.entries[i], m.entries[j]
		sa, sb := m.Score(a, now), m.Score(b, now)
		if sa != sb {
			return sa > sb
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.Task.ID < b.Task.ID
	})
}
