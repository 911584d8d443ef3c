// Package shard decomposes a logical operation into independent shards sized
// to the worker pool.
package shard

import (
	"strings"

	"github.com/msageha/gatekeeper/internal/model"
)

// Axis is what a shard was split along.
type Axis string

const (
	AxisPath      Axis = "path"
	AxisModule    Axis = "module"
	AxisLanguage  Axis = "language"
	AxisTestSuite Axis = "test_suite"
)

// Size is a coarse bucket used only for merge heuristics.
type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
)

func (s Size) rank() int {
	switch s {
	case SizeSmall:
		return 1
	case SizeLarge:
		return 3
	default:
		return 2
	}
}

func sizeFromRank(r int) Size {
	switch {
	case r <= 1:
		return SizeSmall
	case r == 2:
		return SizeMedium
	default:
		return SizeLarge
	}
}

type Shard struct {
	ID       string         `yaml:"id" json:"id"`
	Axis     Axis           `yaml:"axis" json:"axis"`
	Priority model.Priority `yaml:"priority" json:"priority"`
	Size     Size           `yaml:"size" json:"size"`
	Patterns []string       `yaml:"patterns" json:"patterns"`
}

var priorityRank = map[model.Priority]int{
	model.PriorityLow:      1,
	model.PriorityNormal:   2,
	model.PriorityHigh:     3,
	model.PriorityCritical: 4,
}

func higherPriority(a, b model.Priority) model.Priority {
	if priorityRank[b] > priorityRank[a] {
		return b
	}
	return a
}

// merge folds b into a. Identity is kept by joining ids with "+".
func merge(a, b Shard) Shard {
	axis := a.Axis
	if b.Axis != a.Axis {
		axis = AxisPath
	}
	patterns := make([]string, 0, len(a.Patterns)+len(b.Patterns))
	patterns = append(patterns, a.Patterns...)
	patterns = append(patterns, b.Patterns...)
	return Shard{
		ID:       a.ID + "+" + b.ID,
		Axis:     axis,
		Priority: higherPriority(a.Priority, b.Priority),
		Size:     sizeFromRank(a.Size.rank() + b.Size.rank()),
		Patterns: patterns,
	}
}

// OptimizeShards merges adjacent shards until there are at most ceiling of
// them. Adjacent small pairs merge first; after that the adjacent pair with the
// smallest combined size merges, leftmost on ties. The input is not modified.
func OptimizeShards(shards []Shard, ceiling int) []Shard {
	if ceiling < 1 {
		ceiling = 1
	}
	out := make([]Shard, len(shards))
	copy(out, shards)

	for len(out) > ceiling {
		idx := -1
		for i := 0; i+1 < len(out); i++ {
			if out[i].Size == SizeSmall && out[i+1].Size == SizeSmall {
				idx = i
				break
			}
		}
		if idx < 0 {
			best := 0
			for i := 0; i+1 < len(out); i++ {
				combined := out[i].Size.rank() + out[i+1].Size.rank()
				if idx < 0 || combined < best {
					idx, best = i, combined
				}
			}
		}
		out[idx] = merge(out[idx], out[idx+1])
		out = append(out[:idx+1], out[idx+2:]...)
	}
	return out
}

// IDs lists shard ids in order.
func IDs(shards []Shard) []string {
	out := make([]string, len(shards))
	for i, s := range shards {
		out[i] = s.ID
	}
	return out
}

// Provenance splits a merged shard id back into its original ids.
func Provenance(id string) []string {
	return strings.Split(id, "+")
}
