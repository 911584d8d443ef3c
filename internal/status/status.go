// Package status renders the admission plane state, live from the daemon or
// from its last metrics snapshot when the daemon is not running.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/msageha/gatekeeper/internal/daemon"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/uds"
	yamlutil "github.com/msageha/gatekeeper/internal/yaml"
)

// View is what Run prints.
type View struct {
	Running bool                `json:"running"`
	Report  daemon.StatusReport `json:"report"`
	// SnapshotAt is set when Report came from state/metrics.yaml.
	SnapshotAt *string `json:"snapshot_at,omitempty"`
}

// Run queries the daemon in dir and prints its state. When the daemon is
// unreachable it falls back to the last metrics snapshot.
func Run(w io.Writer, dir string, jsonOutput bool) error {
	view, err := Load(dir)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	Print(w, view)
	return nil
}

// Load builds a View for dir.
func Load(dir string) (View, error) {
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	var report daemon.StatusReport
	err := client.Call(uds.CmdStatus, nil, &report)
	if err == nil {
		return View{Running: true, Report: report}, nil
	}
	var remote *uds.RemoteError
	if errors.As(err, &remote) {
		return View{}, fmt.Errorf("daemon status: %w", err)
	}

	var mf model.MetricsFile
	path := filepath.Join(dir, daemon.StateDir, "metrics.yaml")
	if err := yamlutil.ReadFile(path, model.FileTypeStateMetrics, &mf); err != nil {
		return View{}, fmt.Errorf("daemon not running and no snapshot: %w", err)
	}
	return View{Report: daemon.StatusReport{Status: mf.Status}, SnapshotAt: mf.UpdatedAt}, nil
}

// Print renders v in the human-readable form.
func Print(w io.Writer, v View) {
	if v.Running {
		fmt.Fprintln(w, "Daemon: running")
	} else {
		at := "unknown"
		if v.SnapshotAt != nil {
			at = *v.SnapshotAt
		}
		fmt.Fprintf(w, "Daemon: stopped (last snapshot %s)\n", at)
	}

	r := v.Report
	st := r.Status
	fmt.Fprintf(w, "Active: %d/%d  Idle: %d  Queued: %d  Locks: %d  Utilization: %.0f%%\n",
		st.Active, st.MaxConcurrent, st.Idle, st.Queued, st.HeldLocks, st.Utilization*100)
	fmt.Fprintf(w, "Circuit: %s (failures=%d)", st.Breaker.State, st.Breaker.Failures)
	if st.Breaker.ReopensAt != nil {
		fmt.Fprintf(w, " reopens at %s", st.Breaker.ReopensAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Budget: global %.2f/%.2f\n", st.Budget.Global, st.Budget.GlobalCap)

	repos := make([]string, 0, len(st.Budget.Repos))
	for repo := range st.Budget.Repos {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	for _, repo := range repos {
		u := st.Budget.Repos[repo]
		fmt.Fprintf(w, "  %s %.2f/%.2f\n", repo, u.Used, u.Cap)
	}

	if len(r.Active) > 0 {
		fmt.Fprintln(w, "\nActive:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  AGENT ID\tAGENT\tTASK\tREPO\tKIND\tRUNTIME")
		for _, a := range r.Active {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
				a.AgentID, a.Agent, a.TaskID, a.Repo, a.Kind, a.Runtime(st.GeneratedAt).Round(time.Second))
		}
		tw.Flush()
	}

	if len(r.Queue) > 0 {
		fmt.Fprintln(w, "\nQueue:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  POS\tTASK\tAGENT\tREPO\tPRIORITY\tREASON\tRETRIES")
		for _, q := range r.Queue {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%s\t%d\n",
				q.Position, q.Task.ID, q.Task.Agent, q.Task.Repo, q.Task.Priority, q.Reason, q.Retries)
		}
		tw.Flush()
	}

	if len(r.Idle) > 0 {
		fmt.Fprintf(w, "\nIdle agents: %s\n", strings.Join(r.Idle, ", "))
	}
}
