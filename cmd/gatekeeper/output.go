package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/shard"
)

func printDecision(w io.Writer, d model.Decision) {
	switch d.Status {
	case model.DecisionScheduled:
		fmt.Fprintf(w, "scheduled %s as %s (cost %.2f", d.TaskID, d.AgentID, d.EstimatedCost)
		if len(d.Locks) > 0 {
			fmt.Fprintf(w, ", locks %s", strings.Join(d.Locks, ","))
		}
		fmt.Fprintln(w, ")")
	default:
		fmt.Fprintf(w, "queued %s at position %d: %s (estimated wait %s)\n",
			d.TaskID, d.QueuePosition, d.Reason, d.EstimatedWait.Round(time.Second))
	}
}

func printPlan(w io.Writer, p shard.Plan) {
	fmt.Fprintf(w, "plan %s: %s on %s, %d shards\n", p.ID, p.Kind, p.Repo, len(p.Shards))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tAXIS\tPRIORITY\tSIZE\tPATTERNS")
	for _, s := range p.Shards {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Axis, s.Priority, s.Size, strings.Join(s.Patterns, " "))
	}
	tw.Flush()
}
