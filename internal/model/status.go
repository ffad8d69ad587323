package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Position along the forward lifecycle. Used for "status >= ready" checks only;
// transitions are validated against validTaskTransitions.
var statusRank = map[Status]int{
	StatusPending:    1,
	StatusPlanning:   2,
	StatusReady:      3,
	StatusInProgress: 4,
	StatusCompleted:  5,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
}

// Task lifecycle: pending → planning → ready → in_progress → completed
// planning → pending when planning is abandoned, in_progress → ready on failed execution
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPlanning: true,
	},
	StatusPlanning: {
		StatusReady:   true,
		StatusPending: true, // planning abandoned
	},
	StatusReady: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusReady:     true, // execution failed, rolled back
	},
}

// InvalidTransitionError reports a status change outside the lifecycle table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	if _, ok := statusRank[e.From]; !ok {
		return fmt.Sprintf("invalid task transition: unknown status %q", e.From)
	}
	if IsTerminal(e.From) {
		return fmt.Sprintf("invalid task transition: %q is terminal (requested %q)", e.From, e.To)
	}
	return fmt.Sprintf("invalid task transition: %q → %q", e.From, e.To)
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsValidStatus(s Status) bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the lifecycle position of s, or 0 for an unknown status.
func Rank(s Status) int {
	return statusRank[s]
}

// AtLeast reports whether s has reached min on the forward lifecycle.
func AtLeast(s, min Status) bool {
	r := statusRank[s]
	return r > 0 && r >= statusRank[min]
}

func ValidateTransition(from, to Status) error {
	if !validTaskTransitions[from][to] {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Transition returns the new status when from → to is an allowed edge.
// On error the caller's status is unchanged.
func Transition(from, to Status) (Status, error) {
	if err := ValidateTransition(from, to); err != nil {
		return from, err
	}
	return to, nil
}

// AllStatuses lists the lifecycle states in forward order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusPlanning, StatusReady, StatusInProgress, StatusCompleted}
}
