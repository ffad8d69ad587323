package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/fedy/internal/events"
	"github.com/msageha/fedy/internal/setup"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var task string
	var verify, jsonOutput bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the audit log of task lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := 0
			if task != "" {
				id, err := parseID(task)
				if err != nil {
					return err
				}
				taskID = id
			}

			path, err := auditPath(opts)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "No history recorded")
				return nil
			}

			out := cmd.OutOrStdout()
			if verify {
				total, valid, err := events.VerifyLogIntegrity(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d of %d entries verified\n", valid, total)
				if valid != total {
					return fmt.Errorf("audit log %s has %d entries with a bad checksum", path, total-valid)
				}
				return nil
			}

			entries, err := events.ReadEntries(path, taskID)
			if err != nil {
				return err
			}
			if jsonOutput {
				if entries == nil {
					entries = []events.LogEntry{}
				}
				return writeJSON(out, entries)
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-20s", e.Timestamp.Local().Format(time.DateTime), e.EventType)
				if e.TaskID != 0 {
					line += fmt.Sprintf("  #%d", e.TaskID)
				}
				if e.AgentID != "" {
					line += "  " + e.AgentID
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "only events of this task")
	cmd.Flags().BoolVar(&verify, "verify", false, "check entry checksums instead of printing")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

// auditPath locates the audit log without opening the store, so history
// works while other agents hold locks.
func auditPath(opts *rootOptions) (string, error) {
	wd, err := opts.workDir()
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(wd)
	if err != nil {
		return "", err
	}
	dir := setup.FindDir(abs)
	if dir == "" {
		return "", errNotInitialized
	}
	cfg, err := setup.LoadConfig(dir)
	if err != nil {
		return "", err
	}
	if !cfg.Audit.Enabled {
		return "", errors.New("audit log is disabled (audit.enabled: false)")
	}
	return auditLogPath(dir, cfg), nil
}
