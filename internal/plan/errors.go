package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/fedy/internal/model"
)

var (
	// ErrStoreUnavailable means the backing document store could not be read
	// or written. The underlying cause is wrapped alongside it.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDetailNotFound   = errors.New("task detail not found")
	ErrTaskNotFound     = errors.New("task not found")
	// ErrStaleTask means the record changed between read and write.
	ErrStaleTask = errors.New("task record changed concurrently")
	// ErrDependenciesFrozen is returned when editing dependencies of a task
	// that has already started.
	ErrDependenciesFrozen = errors.New("dependencies can no longer be changed")
	ErrLeaseNotHeld       = errors.New("file lease not held by this claim")
)

// CycleDetectedError lists every task id that sits on a dependency cycle.
type CycleDetectedError struct {
	IDs []int
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency cycle detected among tasks %s", FormatIDs(e.IDs))
}

// Contains reports whether id is on one of the cycles.
func (e *CycleDetectedError) Contains(id int) bool {
	for _, c := range e.IDs {
		if c == id {
			return true
		}
	}
	return false
}

// LeaseHeldError is returned when a file lease is already owned. TaskID is 0
// when the holder vanished before it could be read.
type LeaseHeldError struct {
	Path   string
	TaskID int
	Token  string
}

func (e *LeaseHeldError) Error() string {
	if e.TaskID == 0 {
		return fmt.Sprintf("file %q is leased by another claim", e.Path)
	}
	return fmt.Sprintf("file %q is leased by task #%d", e.Path, e.TaskID)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// FormatIDs renders ids as "#1, #2".
func FormatIDs(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, model.FormatTaskRef(id))
	}
	return strings.Join(parts, ", ")
}
