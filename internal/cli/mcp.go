package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/msageha/fedy/internal/mcp"
	"github.com/msageha/fedy/internal/model"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the plan as MCP tools on stdio",
		Long: `Starts an MCP server on stdin/stdout exposing the planning and execution
workflow. Logs go to stderr. With vcs.auto_commit set, completed tasks are
committed as they are released.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				var onComplete func(context.Context, *model.ChangeSummary) error
				if a.cfg.VCS.AutoCommit {
					onComplete = func(ctx context.Context, summary *model.ChangeSummary) error {
						return commitSummary(ctx, a, summary, false, io.Discard)
					}
				}
				a.log.Infof("mcp_server_start agent=%s", a.sched.AgentID())
				return mcp.Serve(mcp.NewServer(a.sched, mcp.Options{
					Version:    opts.version,
					OnComplete: onComplete,
				}))
			})
		},
	}
}
