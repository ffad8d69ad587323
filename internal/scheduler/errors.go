package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/fedy/internal/plan"
)

var (
	// ErrAlreadyClaimed is the expected outcome of losing a race for a task.
	// Callers retry by asking for the next executable task again.
	ErrAlreadyClaimed = errors.New("task already claimed")
	ErrNotExecutable  = errors.New("no executable task")
	ErrNothingToPlan  = errors.New("no pending task to plan")
)

// DependenciesUnmetError lists the dependencies of TaskID that are not
// Completed, including ids that do not exist.
type DependenciesUnmetError struct {
	TaskID int
	Unmet  []int
}

func (e *DependenciesUnmetError) Error() string {
	return fmt.Sprintf("task #%d is waiting on %s", e.TaskID, plan.FormatIDs(e.Unmet))
}

// FileConflictError is returned when a task would touch files that an
// in-progress task already owns. With may be empty when the owner could not
// be identified.
type FileConflictError struct {
	TaskID int
	Files  []string
	With   []int
}

func (e *FileConflictError) Error() string {
	msg := fmt.Sprintf("task #%d conflicts on %s", e.TaskID, strings.Join(e.Files, ", "))
	if len(e.With) > 0 {
		msg += " with " + plan.FormatIDs(e.With)
	}
	return msg
}
