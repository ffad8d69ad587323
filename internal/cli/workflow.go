package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
	"github.com/msageha/fedy/internal/scheduler"
	"github.com/msageha/fedy/internal/status"
	"github.com/msageha/fedy/internal/vcs"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize running, executable and stuck tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				return status.Run(cmd.Context(), a.sched, cmd.OutOrStdout(), jsonOutput)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newPlanNextCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan-next",
		Short: "Take the first pending task for planning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				t, err := a.sched.PlanNext(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Planning task #%d: %s\n", t.ID, t.Title)
				return nil
			})
		},
	}
}

func newPlanFinishCmd(opts *rootOptions) *cobra.Command {
	var files, steps []string
	var notes string
	cmd := &cobra.Command{
		Use:   "plan-finish <id>",
		Short: "Record the detailed plan of a task and make it ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				t, err := a.sched.FinishPlanning(cmd.Context(), id, model.TaskDetail{
					Steps:        steps,
					FilesTouched: files,
					Notes:        notes,
				})
				if err != nil {
					var verrs *plan.ValidationErrors
					if errors.As(err, &verrs) {
						fmt.Fprint(cmd.ErrOrStderr(), verrs.FormatStderr())
						return fmt.Errorf("task #%d not planned", id)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task #%d is ready (%s)\n", t.ID, strings.Join(t.FilesTouched, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", nil, "file the task will touch (repeatable, at least one)")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "execution step (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes for the executor")
	return cmd
}

func newPlanAbandonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan-abandon <id>",
		Short: "Return a task being planned to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				if _, err := a.sched.AbandonPlanning(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task #%d is pending again\n", id)
				return nil
			})
		},
	}
}

func newNextCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "List the tasks that could be claimed right now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				doc, err := a.tasks.LoadPlan(cmd.Context())
				if err != nil {
					return err
				}
				exec := a.sched.Executable(doc.Tasks)
				if jsonOutput {
					if exec == nil {
						exec = []*model.Task{}
					}
					return writeJSON(cmd.OutOrStdout(), exec)
				}
				writeTaskTable(cmd.OutOrStdout(), exec)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newClaimCmd(opts *rootOptions) *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "claim [id]",
		Short: "Claim a task for execution",
		Long: `Claims the given task, or the first executable one. When another agent
wins the race for the next task, the claim is retried up to --retries times.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := 0
			if len(args) == 1 {
				var err error
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				t, err := claimWithRetry(cmd.Context(), a, id, retries)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Claimed task #%d: %s\n", t.ID, t.Title)
				fmt.Fprintf(out, "  files: %s\n", strings.Join(t.FilesTouched, ", "))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 3, "how often to retry when another agent claims the task first")
	return cmd
}

// claimWithRetry claims id, or the next executable task when id is 0. Only
// lost races on the next task are retried; an explicit id that is already
// taken stays taken.
func claimWithRetry(ctx context.Context, a *app, id, retries int) (*model.Task, error) {
	for attempt := 0; ; attempt++ {
		var t *model.Task
		var err error
		if id > 0 {
			t, err = a.sched.Claim(ctx, id)
		} else {
			t, err = a.sched.ClaimNext(ctx)
		}
		if err == nil {
			return t, nil
		}

		retryable := errors.Is(err, plan.ErrStaleTask) ||
			(id == 0 && errors.Is(err, scheduler.ErrAlreadyClaimed))
		if !retryable || attempt >= retries {
			return nil, err
		}
		a.log.Debugf("claim_retry attempt=%d error=%v", attempt+1, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

func newReleaseCmd(opts *rootOptions) *cobra.Command {
	var failed, commit bool
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Finish a claimed task",
		Long: `Marks a claimed task completed, or with --failed puts it back so it can be
claimed again. With --commit (or vcs.auto_commit) the task's files are
committed after a successful release.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			outcome := scheduler.Succeeded
			if failed {
				outcome = scheduler.Failed
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				res, err := a.sched.Release(cmd.Context(), id, outcome)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Summary == nil {
					fmt.Fprintf(out, "Task #%d failed (%d so far) and is ready again\n", id, res.Task.Failures)
					return nil
				}
				fmt.Fprintf(out, "Task #%d completed\n", id)
				if !commit && !a.cfg.VCS.AutoCommit {
					return nil
				}
				return commitSummary(cmd.Context(), a, res.Summary, commit, out)
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "the work did not succeed")
	cmd.Flags().BoolVar(&commit, "commit", false, "commit the task's files with git")
	return cmd
}

// commitSummary commits a completed task. Outside a git repository this is
// an error only when the commit was asked for explicitly.
func commitSummary(ctx context.Context, a *app, summary *model.ChangeSummary, explicit bool, out io.Writer) error {
	root := a.projectRoot()
	if !vcs.IsRepo(ctx, root) {
		if explicit {
			return fmt.Errorf("cannot commit task #%d: %s is not a git repository", summary.TaskID, root)
		}
		a.log.Warnf("auto_commit_skipped task=%d reason=not_a_repository", summary.TaskID)
		return nil
	}
	committed, err := vcs.CommitChange(ctx, root, *summary, a.recordPaths(summary.TaskID))
	if err != nil {
		return fmt.Errorf("commit task #%d: %w", summary.TaskID, err)
	}
	if committed {
		fmt.Fprintf(out, "Committed %d file(s) for task #%d\n", len(summary.Files), summary.TaskID)
	} else {
		fmt.Fprintf(out, "Nothing to commit for task #%d\n", summary.TaskID)
	}
	return nil
}

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Remove file leases left behind by crashed claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				recovered, err := a.sched.RecoverLeases(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(recovered) == 0 {
					fmt.Fprintln(out, "No orphaned leases")
					return nil
				}
				for _, l := range recovered {
					fmt.Fprintf(out, "Recovered lease on %s (task #%d, acquired %s)\n", l.Path, l.TaskID, l.AcquiredAt)
				}
				return nil
			})
		},
	}
}
