// Package cli implements the fedy command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	dir     string
	agent   string
	verbose bool
	version string
}

// NewRootCmd builds the fedy command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{version: version}

	root := &cobra.Command{
		Use:   "fedy",
		Short: "Dependency- and conflict-aware task scheduler for coding agents",
		Long: `fedy keeps a plan of tasks for agents working in one repository.
A task runs only after the tasks it depends on are completed, and never
while another running task touches the same files.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.dir, "dir", "C", "", "project directory (defaults to the current directory)")
	root.PersistentFlags().StringVar(&opts.agent, "agent", "", "agent id recorded on claims (defaults to scheduler.agent_id, $FEDY_AGENT_ID or host-pid)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newInitCmd(opts),
		newAddCmd(opts),
		newDepsCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newStatusCmd(opts),
		newPlanNextCmd(opts),
		newPlanFinishCmd(opts),
		newPlanAbandonCmd(opts),
		newNextCmd(opts),
		newClaimCmd(opts),
		newReleaseCmd(opts),
		newRecoverCmd(opts),
		newWatchCmd(opts),
		newHistoryCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute(version string) error {
	return NewRootCmd(version).Execute()
}

func (o *rootOptions) workDir() (string, error) {
	if o.dir != "" {
		return o.dir, nil
	}
	return os.Getwd()
}
