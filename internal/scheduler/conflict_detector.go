package scheduler

import (
	"github.com/msageha/fedy/internal/model"
)

// ConflictDetector keeps two in-progress tasks from touching the same file.
// Paths are compared as exact, case-sensitive strings.
type ConflictDetector struct{}

func NewConflictDetector() *ConflictDetector {
	return &ConflictDetector{}
}

// ConflictsWith returns the ids of the InProgress tasks in inProgress whose
// files intersect candidate's, in the order given. The candidate itself is
// never reported.
func (cd *ConflictDetector) ConflictsWith(candidate *model.Task, inProgress []*model.Task) []int {
	if len(candidate.FilesTouched) == 0 {
		return nil
	}
	var out []int
	for _, other := range inProgress {
		if other.ID == candidate.ID || other.Status != model.StatusInProgress {
			continue
		}
		if len(SharedFiles(candidate, other)) > 0 {
			out = append(out, other.ID)
		}
	}
	return out
}

// SharedFiles returns the paths of a that b also touches, in a's order.
func SharedFiles(a, b *model.Task) []string {
	theirs := make(map[string]bool, len(b.FilesTouched))
	for _, f := range b.FilesTouched {
		theirs[f] = true
	}
	var shared []string
	seen := make(map[string]bool)
	for _, f := range a.FilesTouched {
		if theirs[f] && !seen[f] {
			shared = append(shared, f)
			seen[f] = true
		}
	}
	return shared
}
