package cli

import (
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/setup"
	"github.com/msageha/fedy/internal/watch"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the executable tasks whenever the plan changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, opts, func(a *app) error {
				w, err := watch.New(setup.WatchDirs(a.dir, a.cfg), watch.Options{
					Debounce: time.Duration(a.cfg.Watcher.DebounceMs) * time.Millisecond,
					Interval: interval,
					Logger:   a.log,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				var last []int
				refresh := func() {
					doc, err := a.tasks.LoadPlan(ctx)
					if err != nil {
						a.log.Warnf("watch_refresh_failed error=%v", err)
						return
					}
					exec := a.sched.Executable(doc.Tasks)
					ids := taskIDs(exec)
					if last != nil && slices.Equal(ids, last) {
						return
					}
					last = ids
					fmt.Fprintf(out, "[%s] executable:\n", time.Now().Format(time.TimeOnly))
					writeTaskTable(out, exec)
				}

				refresh()
				return w.Run(ctx, refresh)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "also refresh on this period (0 disables)")
	return cmd
}

func taskIDs(tasks []*model.Task) []int {
	ids := make([]int, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
