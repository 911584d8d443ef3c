package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/gatekeeper/internal/daemon"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/setup"
	"github.com/msageha/gatekeeper/internal/shard"
	"github.com/msageha/gatekeeper/internal/status"
	"github.com/msageha/gatekeeper/internal/uds"
	yamlutil "github.com/msageha/gatekeeper/internal/yaml"
)

func newInitCommand(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the gatekeeper directory and a default config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := c.v.GetString("dir")
			if dir == "" {
				dir = setup.DirName
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if err := setup.Run(dir, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config.yaml")
	return cmd
}

func newDaemonCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the admission daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := c.dir()
			if err != nil {
				return err
			}
			cfg, err := c.config(dir)
			if err != nil {
				return err
			}
			d, err := daemon.New(dir, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run()
		},
	}
}

func newSubmitCommand(c *cli) *cobra.Command {
	var (
		task     model.TaskDescriptor
		kind     string
		priority string
		viaInbox bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task for admission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			task.Kind = model.OperationKind(kind)
			task.Priority = model.Priority(priority)
			if err := task.Validate(); err != nil {
				return err
			}
			if viaInbox {
				return submitToInbox(c, cmd.OutOrStdout(), task)
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			var d model.Decision
			if err := client.CallContext(cmd.Context(), uds.CmdSchedule, uds.ScheduleParams{Task: task}, &d); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), d)
			}
			printDecision(cmd.OutOrStdout(), d)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&task.ID, "id", "", "correlation id (default: generated)")
	f.StringVar(&task.Agent, "agent", "", "owning agent name")
	f.StringVar(&kind, "kind", "", "operation kind: assessment|validation|fixPack|pattern|recovery")
	f.StringVar(&task.Repo, "repo", "", "target repository")
	f.StringSliceVar(&task.Paths, "path", nil, "path to lock (repeatable)")
	f.StringVar(&priority, "priority", "", "critical|high|normal|low")
	f.Float64Var(&task.EstimatedCost, "cost", 0, "estimated cost override")
	f.Float64Var(&task.SizeFactor, "size", 0, "size factor")
	f.Float64Var(&task.Complexity, "complexity", 0, "complexity multiplier")
	f.StringVar(&task.AgentID, "agent-id", "", "agent instance id to use")
	f.BoolVar(&viaInbox, "inbox", false, "drop the task into the inbox instead of calling the daemon")
	f.BoolVar(&asJSON, "json", false, "print the decision as JSON")
	return cmd
}

// submitToInbox writes task as a submission file for the daemon to pick up.
func submitToInbox(c *cli, w io.Writer, task model.TaskDescriptor) error {
	dir, err := c.dir()
	if err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = model.NewTaskID()
	}
	name := fmt.Sprintf("%s-%s.yaml", time.Now().UTC().Format("20060102T150405"), task.ID)
	path := filepath.Join(dir, daemon.InboxDir, name)
	if err := yamlutil.AtomicWrite(path, model.TaskSubmission{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.FileTypeTaskSubmission,
		Task:          task,
	}); err != nil {
		return fmt.Errorf("write submission: %w", err)
	}
	fmt.Fprintf(w, "submitted %s; decision will be written to %s\n",
		task.ID, filepath.Join(dir, daemon.OutboxDir, task.ID+".yaml"))
	return nil
}

func newCompleteCommand(c *cli) *cobra.Command {
	var params uds.CompleteParams
	cmd := &cobra.Command{
		Use:   "complete <agent-id>",
		Short: "Report that an active agent finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params.AgentID = args[0]
			client, err := c.client()
			if err != nil {
				return err
			}
			var s model.CompletionSummary
			if err := client.CallContext(cmd.Context(), uds.CmdComplete, params, &s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %s (task %s) runtime=%s cost=%.2f utilization=%.0f%%\n",
				s.AgentID, s.TaskID, s.Runtime.Round(time.Second), s.Cost, s.Utilization*100)
			return nil
		},
	}
	cmd.Flags().Float64Var(&params.Cost, "cost", 0, "realized cost")
	cmd.Flags().BoolVar(&params.Failed, "failed", false, "the task failed")
	return cmd
}

func newFailCommand(c *cli) *cobra.Command {
	var params uds.CompleteParams
	cmd := &cobra.Command{
		Use:   "fail [agent-id]",
		Short: "Record an operational failure, completing the agent if one is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				params.AgentID = args[0]
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			var b model.BreakerStatus
			if err := client.CallContext(cmd.Context(), uds.CmdFail, params, &b); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "circuit %s failures=%d\n", b.State, b.Failures)
			return nil
		},
	}
	cmd.Flags().Float64Var(&params.Cost, "cost", 0, "realized cost")
	return cmd
}

func newStatusCommand(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show capacity, budget, breaker and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := c.dir()
			if err != nil {
				return err
			}
			return status.Run(cmd.OutOrStdout(), dir, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newDrainCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Retry queued tasks now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			var r uds.DrainResult
			if err := client.CallContext(cmd.Context(), uds.CmdDrain, nil, &r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admitted %d, %d still queued\n", r.Admitted, r.Queued)
			return nil
		},
	}
}

func newPlanCommand(c *cli) *cobra.Command {
	var (
		params uds.PlanParams
		kind   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Split an operation into shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Kind = model.OperationKind(kind)
			if params.Root != "" {
				abs, err := filepath.Abs(params.Root)
				if err != nil {
					return err
				}
				params.Root = abs
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			var p shard.Plan
			if err := client.CallContext(cmd.Context(), uds.CmdPlan, params, &p); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), p)
			}
			printPlan(cmd.OutOrStdout(), p)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "operation kind")
	f.StringVar(&params.Repo, "repo", "", "target repository")
	f.StringVar(&params.Root, "root", "", "checkout to discover modules and languages from")
	f.StringSliceVar(&params.Modules, "module", nil, "module (repeatable)")
	f.StringSliceVar(&params.TestSuites, "suite", nil, "test suite (repeatable)")
	f.StringSliceVar(&params.Languages, "language", nil, "language (repeatable)")
	f.BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newShutdownCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			if err := client.CallContext(cmd.Context(), uds.CmdShutdown, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gatekeeper %s\n", version)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
