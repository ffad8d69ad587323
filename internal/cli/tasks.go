package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
	"github.com/msageha/fedy/internal/setup"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize fedy in a project directory",
		Long:  "Creates a .fedy/ folder holding the configuration, the plan store, locks and logs.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := opts.workDir()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				dir = args[0]
			}
			if err := setup.Run(dir, name); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Initialized fedy in", dir)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Add tasks: fedy add \"<title>\" [--dep N]")
			fmt.Fprintln(out, "  2. Plan them: fedy plan-next, then fedy plan-finish <id> --file <path>")
			fmt.Fprintln(out, "  3. Work on them: fedy claim, then fedy release <id>")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the directory name)")
	return cmd
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var deps []int
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a pending task to the plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				t, err := a.sched.CreateTask(cmd.Context(), plan.NewTask{
					Title:        strings.Join(args, " "),
					Dependencies: deps,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added task #%d: %s\n", t.ID, t.Title)
				return nil
			})
		},
	}
	cmd.Flags().IntSliceVar(&deps, "dep", nil, "id of a task that must complete first (repeatable)")
	return cmd
}

func newDepsCmd(opts *rootOptions) *cobra.Command {
	var deps []int
	cmd := &cobra.Command{
		Use:   "deps <id>",
		Short: "Replace the dependencies of a task that has not started",
		Long:  "Replaces the dependency set of a task. Without --dep the task's dependencies are cleared.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				t, err := a.sched.SetDependencies(cmd.Context(), id, deps)
				if err != nil {
					return err
				}
				if len(t.Dependencies) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Task #%d has no dependencies\n", t.ID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Task #%d depends on %s\n", t.ID, plan.FormatIDs(t.Dependencies))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntSliceVar(&deps, "dep", nil, "id of a task that must complete first (repeatable)")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in plan order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !model.IsValidStatus(model.Status(status)) {
				return fmt.Errorf("unknown status %q", status)
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				doc, err := a.tasks.LoadPlan(cmd.Context())
				if err != nil {
					return err
				}
				tasks := doc.Tasks
				if status != "" {
					tasks = doc.WithStatus(model.Status(status))
				}
				if jsonOutput {
					if tasks == nil {
						tasks = []*model.Task{}
					}
					return writeJSON(cmd.OutOrStdout(), tasks)
				}
				writeTaskTable(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and its detailed plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				t, err := a.tasks.GetTask(cmd.Context(), id)
				if err != nil {
					return err
				}
				var detail *model.TaskDetail
				if model.AtLeast(t.Status, model.StatusReady) {
					detail, err = a.tasks.LoadDetail(cmd.Context(), id)
					if err != nil {
						a.log.Warnf("detail_unavailable task=%d error=%v", id, err)
					}
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"task": t, "detail": detail})
				}
				writeTask(cmd.OutOrStdout(), t, detail)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func parseID(s string) (int, error) {
	return model.ParseTaskRef(s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTaskTable(w io.Writer, tasks []*model.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks")
		return
	}
	fmt.Fprintf(w, "%-5s  %-12s  %-12s  %-30s  %s\n", "ID", "STATUS", "DEPS", "FILES", "TITLE")
	for _, t := range tasks {
		deps := "-"
		if len(t.Dependencies) > 0 {
			deps = plan.FormatIDs(t.Dependencies)
		}
		files := "-"
		if len(t.FilesTouched) > 0 {
			files = strings.Join(t.FilesTouched, ",")
		}
		fmt.Fprintf(w, "%-5d  %-12s  %-12s  %-30s  %s\n", t.ID, t.Status, deps, files, t.Title)
	}
}

func writeTask(w io.Writer, t *model.Task, d *model.TaskDetail) {
	fmt.Fprintf(w, "Task #%d: %s\n", t.ID, t.Title)
	fmt.Fprintf(w, "  status:       %s\n", t.Status)
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(w, "  dependencies: %s\n", plan.FormatIDs(t.Dependencies))
	}
	if len(t.FilesTouched) > 0 {
		fmt.Fprintf(w, "  files:        %s\n", strings.Join(t.FilesTouched, ", "))
	}
	if t.ClaimedBy != nil {
		fmt.Fprintf(w, "  claimed by:   %s", *t.ClaimedBy)
		if t.ClaimedAt != nil {
			fmt.Fprintf(w, " at %s", *t.ClaimedAt)
		}
		fmt.Fprintln(w)
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(w, "  completed at: %s\n", *t.CompletedAt)
	}
	if t.Failures > 0 {
		fmt.Fprintf(w, "  failures:     %d\n", t.Failures)
	}
	if d == nil {
		return
	}
	if len(d.Steps) > 0 {
		fmt.Fprintln(w, "\nSteps:")
		for i, s := range d.Steps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
	if d.Notes != "" {
		fmt.Fprintf(w, "\nNotes:\n  %s\n", d.Notes)
	}
}
