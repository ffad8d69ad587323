package plan

import (
	"slices"
	"sort"

	"github.com/msageha/fedy/internal/model"
)

// DetectCycle returns the ids of every task that lies on a dependency cycle,
// sorted ascending, or nil when the graph is acyclic. A self-dependency counts
// as a cycle. Edges to ids that are not in tasks are ignored.
//
// The traversal is a depth-first search that keeps the current recursion
// stack; when an edge reaches a node still on the stack, every node of that
// strongly connected component is reported.
func DetectCycle(tasks []*model.Task) []int {
	known := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	edges := make(map[int][]int, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if known[dep] {
				edges[t.ID] = append(edges[t.ID], dep)
			}
		}
	}

	var (
		counter int
		index   = make(map[int]int, len(tasks))
		low     = make(map[int]int, len(tasks))
		onStack = make(map[int]bool, len(tasks))
		stack   []int
		cyclic  []int
	)

	var visit func(id int)
	visit = func(id int) {
		counter++
		index[id] = counter
		low[id] = counter
		stack = append(stack, id)
		onStack[id] = true

		for _, dep := range edges[id] {
			if _, seen := index[dep]; !seen {
				visit(dep)
				low[id] = min(low[id], low[dep])
			} else if onStack[dep] {
				low[id] = min(low[id], index[dep])
			}
		}

		if low[id] != index[id] {
			return
		}
		// id is the root of a component; pop it.
		var comp []int
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			comp = append(comp, top)
			if top == id {
				break
			}
		}
		if len(comp) > 1 || slices.Contains(edges[id], id) {
			cyclic = append(cyclic, comp...)
		}
	}

	for _, t := range tasks {
		if _, seen := index[t.ID]; !seen {
			visit(t.ID)
		}
	}

	if len(cyclic) == 0 {
		return nil
	}
	sort.Ints(cyclic)
	return cyclic
}

// TopologicalOrder returns task ids so that every task follows its
// dependencies. Ties keep plan order. Tasks on a cycle, and tasks that depend
// on them, are left out and returned separately.
func TopologicalOrder(tasks []*model.Task) (order []int, blocked []int) {
	if len(tasks) == 0 {
		return nil, nil
	}

	known := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	inDegree := make(map[int]int, len(tasks))
	forward := make(map[int][]int)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !known[dep] {
				continue
			}
			inDegree[t.ID]++
			forward[dep] = append(forward[dep], t.ID)
		}
	}

	// Kahn's algorithm; the queue is kept in plan order.
	position := make(map[int]int, len(tasks))
	var queue []int
	for i, t := range tasks {
		position[t.ID] = i
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var freed []int
		for _, dependent := range forward[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		queue = append(queue, freed...)
		sort.SliceStable(queue, func(i, j int) bool { return position[queue[i]] < position[queue[j]] })
	}

	for _, t := range tasks {
		if inDegree[t.ID] > 0 {
			blocked = append(blocked, t.ID)
		}
	}
	return order, blocked
}
