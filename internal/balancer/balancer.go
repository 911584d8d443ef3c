// Package balancer detects runtime imbalance between active agents and
// nominates the least-loaded agent for the next queued task.
package balancer

import (
	"sort"
	"time"

	"github.com/msageha/gatekeeper/internal/model"
)

// Load is an agent's elapsed runtime at planning time.
type Load struct {
	AgentID string
	Agent   string
	Runtime time.Duration
}

// Steal nominates To as the preferred recipient of queued work. Active work on
// From is never migrated.
type Steal struct {
	From Load
	To   Load
}

type Balancer struct {
	imbalanceRatio float64
}

func New(imbalanceRatio float64) *Balancer {
	if imbalanceRatio <= 0 {
		imbalanceRatio = 0.30
	}
	return &Balancer{imbalanceRatio: imbalanceRatio}
}

// Plan returns a steal when the longest runtime exceeds the shortest by more
// than the imbalance ratio. It needs at least two active agents.
func (b *Balancer) Plan(active []model.ActiveAgent, now time.Time) (Steal, bool) {
	if len(active) < 2 {
		return Steal{}, false
	}
	loads := make([]Load, len(active))
	for i, a := range active {
		loads[i] = Load{AgentID: a.AgentID, Agent: a.Agent, Runtime: a.Runtime(now)}
	}
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].Runtime != loads[j].Runtime {
			return loads[i].Runtime > loads[j].Runtime
		}
		return loads[i].AgentID < loads[j].AgentID
	})

	most, least := loads[0], loads[len(loads)-1]
	threshold := float64(least.Runtime) * (1 + b.imbalanceRatio)
	if float64(most.Runtime) <= threshold {
		return Steal{}, false
	}
	return Steal{From: most, To: least}, true
}
