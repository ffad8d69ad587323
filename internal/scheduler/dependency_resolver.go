package scheduler

import (
	"github.com/msageha/fedy/internal/logging"
	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
)

// DependencyResolver decides whether a task's prerequisites allow it to run.
type DependencyResolver struct {
	log *logging.Logger
}

func NewDependencyResolver(log *logging.Logger) *DependencyResolver {
	return &DependencyResolver{log: log.With("dependency_resolver")}
}

// IsSatisfied reports whether every dependency of task is present in all and
// Completed. A dependency that names no task keeps the task blocked.
func (dr *DependencyResolver) IsSatisfied(task *model.Task, all []*model.Task) bool {
	return len(dr.UnmetDependencies(task, all)) == 0
}

// UnmetDependencies returns the dependency ids of task that are missing or
// not yet Completed, in declaration order.
func (dr *DependencyResolver) UnmetDependencies(task *model.Task, all []*model.Task) []int {
	if len(task.Dependencies) == 0 {
		return nil
	}

	status := make(map[int]model.Status, len(all))
	for _, t := range all {
		status[t.ID] = t.Status
	}

	var unmet []int
	for _, dep := range task.Dependencies {
		s, ok := status[dep]
		switch {
		case !ok:
			dr.log.Warnf("dangling_dependency task=%d dep=%d", task.ID, dep)
			unmet = append(unmet, dep)
		case s != model.StatusCompleted:
			dr.log.Debugf("task_blocked task=%d blocked_by=%d dep_status=%s", task.ID, dep, s)
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// DetectCycle returns every task id that sits on a dependency cycle.
func (dr *DependencyResolver) DetectCycle(all []*model.Task) []int {
	return plan.DetectCycle(all)
}

// FindTransitiveDependents returns every task that directly or indirectly
// depends on id, nearest first.
func (dr *DependencyResolver) FindTransitiveDependents(id int, all []*model.Task) []int {
	dependents := make(map[int][]int)
	for _, t := range all {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	visited := map[int]bool{id: true}
	queue := []int{id}
	var result []int

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, dependent := range dependents[current] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			result = append(result, dependent)
			queue = append(queue, dependent)
		}
	}
	return result
}
