// Package status renders an overview of the plan: what can run now, what is
// running, and what is stuck behind dependencies, conflicts or cycles.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
	"github.com/msageha/fedy/internal/scheduler"
)

type Summary struct {
	Total      int                  `json:"total"`
	Counts     map[model.Status]int `json:"counts"`
	Executable []int                `json:"executable"`
	InProgress []RunningTask        `json:"in_progress,omitempty"`
	Waiting    []WaitingTask        `json:"waiting,omitempty"`
	Conflicted []ConflictedTask     `json:"conflicted,omitempty"`
	Cycles     []int                `json:"cycles,omitempty"`
	Order      []int                `json:"order"`
	Leases     []*model.FileLease   `json:"leases,omitempty"`
}

type RunningTask struct {
	ID        int      `json:"id"`
	Title     string   `json:"title"`
	ClaimedBy string   `json:"claimed_by,omitempty"`
	ClaimedAt string   `json:"claimed_at,omitempty"`
	Files     []string `json:"files"`
	// Blocks lists every task that transitively waits on this one.
	Blocks []int `json:"blocks,omitempty"`
}

type WaitingTask struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	WaitingOn []int  `json:"waiting_on"`
}

type ConflictedTask struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	With  []int  `json:"with"`
}

// Summarize classifies every Ready and InProgress task in tasks. Ready tasks
// on a cycle are reported only under Cycles.
func Summarize(tasks []*model.Task, sched *scheduler.Scheduler) Summary {
	resolver := sched.Resolver()
	conflicts := scheduler.NewConflictDetector()

	s := Summary{
		Total:      len(tasks),
		Counts:     make(map[model.Status]int),
		Executable: []int{},
		Cycles:     resolver.DetectCycle(tasks),
	}
	s.Order, _ = plan.TopologicalOrder(tasks)
	if s.Order == nil {
		s.Order = []int{}
	}

	onCycle := make(map[int]bool, len(s.Cycles))
	for _, id := range s.Cycles {
		onCycle[id] = true
	}
	for _, t := range sched.Executable(tasks) {
		s.Executable = append(s.Executable, t.ID)
	}

	var inProgress []*model.Task
	for _, t := range tasks {
		s.Counts[t.Status]++
		if t.Status == model.StatusInProgress {
			inProgress = append(inProgress, t)
		}
	}

	for _, t := range tasks {
		switch {
		case t.Status == model.StatusInProgress:
			s.InProgress = append(s.InProgress, RunningTask{
				ID:        t.ID,
				Title:     t.Title,
				ClaimedBy: deref(t.ClaimedBy),
				ClaimedAt: deref(t.ClaimedAt),
				Files:     t.FilesTouched,
				Blocks:    resolver.FindTransitiveDependents(t.ID, tasks),
			})
		case t.Status != model.StatusReady || onCycle[t.ID]:
		default:
			if unmet := resolver.UnmetDependencies(t, tasks); len(unmet) > 0 {
				s.Waiting = append(s.Waiting, WaitingTask{ID: t.ID, Title: t.Title, WaitingOn: unmet})
			} else if with := conflicts.ConflictsWith(t, inProgress); len(with) > 0 {
				s.Conflicted = append(s.Conflicted, ConflictedTask{ID: t.ID, Title: t.Title, With: with})
			}
		}
	}
	return s
}

// Run loads the current plan and leases and writes the summary to w.
func Run(ctx context.Context, sched *scheduler.Scheduler, w io.Writer, jsonOutput bool) error {
	doc, err := sched.Store().LoadPlan(ctx)
	if err != nil {
		return err
	}
	summary := Summarize(doc.Tasks, sched)
	leases, err := sched.Store().ListLeases(ctx)
	if err != nil {
		return err
	}
	summary.Leases = leases
	return Write(w, summary, jsonOutput)
}

// Write renders s as indented JSON or as plain text.
func Write(w io.Writer, s Summary, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tasks: %d\n", s.Total)
	for _, st := range model.AllStatuses() {
		fmt.Fprintf(&b, "  %-12s %d\n", st, s.Counts[st])
	}

	if len(s.Executable) > 0 {
		fmt.Fprintf(&b, "\nExecutable: %s\n", plan.FormatIDs(s.Executable))
	} else {
		b.WriteString("\nExecutable: none\n")
	}

	if len(s.InProgress) > 0 {
		b.WriteString("\nIn progress:\n")
		for _, r := range s.InProgress {
			fmt.Fprintf(&b, "  #%-4d %-30s by=%s files=%s\n", r.ID, r.Title, orDash(r.ClaimedBy), strings.Join(r.Files, ","))
			if len(r.Blocks) > 0 {
				fmt.Fprintf(&b, "        blocks %s\n", plan.FormatIDs(r.Blocks))
			}
		}
	}

	if len(s.Waiting) > 0 {
		b.WriteString("\nWaiting on dependencies:\n")
		for _, wt := range s.Waiting {
			fmt.Fprintf(&b, "  #%-4d %-30s waiting on %s\n", wt.ID, wt.Title, plan.FormatIDs(wt.WaitingOn))
		}
	}

	if len(s.Conflicted) > 0 {
		b.WriteString("\nFile conflicts:\n")
		for _, c := range s.Conflicted {
			fmt.Fprintf(&b, "  #%-4d %-30s conflicts with %s\n", c.ID, c.Title, plan.FormatIDs(c.With))
		}
	}

	if len(s.Cycles) > 0 {
		fmt.Fprintf(&b, "\nDependency cycle: %s\n", plan.FormatIDs(s.Cycles))
	}

	if len(s.Leases) > 0 {
		b.WriteString("\nLeases:\n")
		fmt.Fprintf(&b, "  %-40s  %5s  %s\n", "PATH", "TASK", "ACQUIRED")
		for _, l := range s.Leases {
			fmt.Fprintf(&b, "  %-40s  %5d  %s\n", l.Path, l.TaskID, l.AcquiredAt)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
