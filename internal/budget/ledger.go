// Package budget accounts spend per repository and globally against caps.
package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/msageha/gatekeeper/internal/model"
)

var (
	ErrRepoThrottled     = errors.New("repository budget throttled")
	ErrRepoCapExceeded   = errors.New("repository budget cap exceeded")
	ErrGlobalCapExceeded = errors.New("global budget cap exceeded")
	ErrInvalidCost       = errors.New("invalid cost")
)

type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is raised when usage crosses a threshold or the global cap refuses spend.
// Repo is empty for global alerts.
type Alert struct {
	Level AlertLevel
	Repo  string
	Used  float64
	Cap   float64
	Cost  float64
}

func (a Alert) Ratio() float64 {
	if a.Cap <= 0 {
		return 0
	}
	return a.Used / a.Cap
}

// Ledger tracks spend within an accounting window. Usage never decreases
// inside a window. Callers serialize access.
type Ledger struct {
	cfg         model.BudgetConfig
	repos       map[string]float64
	global      float64
	windowStart time.Time

	// alerted remembers the highest level already raised per repo ("" = global)
	// so each threshold fires once per window.
	alerted map[string]AlertLevel
}

func NewLedger(cfg model.BudgetConfig, now time.Time) *Ledger {
	return &Ledger{
		cfg:         cfg,
		repos:       make(map[string]float64),
		windowStart: now,
		alerted:     make(map[string]AlertLevel),
	}
}

// CapFor returns the cap for repo, honoring per-repository overrides.
func (l *Ledger) CapFor(repo string) float64 {
	if c, ok := l.cfg.RepoCaps[repo]; ok && c > 0 {
		return c
	}
	return l.cfg.RepoCap
}

func (l *Ledger) throttled(used, cap float64) bool {
	return used >= cap*l.cfg.ThrottleRatio
}

// Check reports whether cost could be reserved for repo without reserving it.
// A global refusal raises a critical alert once per window.
func (l *Ledger) Check(repo string, cost float64) ([]Alert, error) {
	if !model.IsFinite(cost) || cost < 0 {
		return nil, fmt.Errorf("%w: repo=%s cost=%v", ErrInvalidCost, repo, cost)
	}
	used := l.repos[repo]
	cap := l.CapFor(repo)
	if l.throttled(used, cap) {
		return nil, fmt.Errorf("%w: repo=%s used=%.2f cap=%.2f", ErrRepoThrottled, repo, used, cap)
	}
	if used+cost > cap {
		return nil, fmt.Errorf("%w: repo=%s used=%.2f cost=%.2f cap=%.2f", ErrRepoCapExceeded, repo, used, cost, cap)
	}
	if l.global+cost > l.cfg.GlobalCap {
		var alerts []Alert
		if l.raise("", AlertCritical) {
			alerts = append(alerts, Alert{Level: AlertCritical, Used: l.global, Cap: l.cfg.GlobalCap, Cost: cost})
		}
		return alerts, fmt.Errorf("%w: used=%.2f cost=%.2f cap=%.2f", ErrGlobalCapExceeded, l.global, cost, l.cfg.GlobalCap)
	}
	return nil, nil
}

// CheckAndReserve commits cost to repo and global usage when Check passes.
// A refused reservation leaves the ledger unchanged.
func (l *Ledger) CheckAndReserve(repo string, cost float64) ([]Alert, error) {
	if alerts, err := l.Check(repo, cost); err != nil {
		return alerts, err
	}
	return l.add(repo, cost), nil
}

// Settle records realized spend beyond the reserved estimate. Underruns are
// not refunded and a non-finite overrun is ignored.
func (l *Ledger) Settle(repo string, estimate, actual float64) []Alert {
	overrun := actual - estimate
	if !model.IsFinite(overrun) || overrun <= 0 {
		return nil
	}
	return l.add(repo, overrun)
}

func (l *Ledger) add(repo string, cost float64) []Alert {
	if !model.IsFinite(cost) || cost < 0 {
		cost = 0
	}
	l.repos[repo] += cost
	l.global += cost
	return l.thresholdAlerts(repo, cost)
}

func (l *Ledger) thresholdAlerts(repo string, cost float64) []Alert {
	var alerts []Alert
	used := l.repos[repo]
	cap := l.CapFor(repo)
	switch {
	case l.throttled(used, cap):
		if l.raise(repo, AlertCritical) {
			alerts = append(alerts, Alert{Level: AlertCritical, Repo: repo, Used: used, Cap: cap, Cost: cost})
		}
	case used >= cap*l.cfg.WarningRatio:
		if l.raise(repo, AlertWarning) {
			alerts = append(alerts, Alert{Level: AlertWarning, Repo: repo, Used: used, Cap: cap, Cost: cost})
		}
	}
	if l.global >= l.cfg.GlobalCap*l.cfg.WarningRatio && l.raise("", AlertWarning) {
		alerts = append(alerts, Alert{Level: AlertWarning, Used: l.global, Cap: l.cfg.GlobalCap, Cost: cost})
	}
	return alerts
}

// raise records level for key and reports whether it is new.
func (l *Ledger) raise(key string, level AlertLevel) bool {
	prev := l.alerted[key]
	if prev == AlertCritical || prev == level {
		return false
	}
	l.alerted[key] = level
	return true
}

// ResetIfWindowElapsed zeroes all counters once the accounting window has passed.
func (l *Ledger) ResetIfWindowElapsed(now time.Time) bool {
	if l.cfg.Window() <= 0 || now.Sub(l.windowStart) < l.cfg.Window() {
		return false
	}
	l.repos = make(map[string]float64)
	l.global = 0
	l.alerted = make(map[string]AlertLevel)
	l.windowStart = now
	return true
}

// Used returns the spend recorded for repo in the current window.
func (l *Ledger) Used(repo string) float64 { return l.repos[repo] }

// GlobalUsed returns the total spend in the current window.
func (l *Ledger) GlobalUsed() float64 { return l.global }

func (l *Ledger) Usage() model.BudgetUsage {
	out := model.BudgetUsage{
		Repos:       make(map[string]model.RepoUsage, len(l.repos)),
		Global:      l.global,
		GlobalCap:   l.cfg.GlobalCap,
		WindowStart: l.windowStart,
	}
	for r, used := range l.repos {
		out.Repos[r] = model.RepoUsage{Used: used, Cap: l.CapFor(r)}
	}
	return out
}
