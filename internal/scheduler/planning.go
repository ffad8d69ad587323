package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/msageha/fedy/internal/events"
	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
)

// NextPlannable returns the first Pending task, or nil.
func (s *Scheduler) NextPlannable(tasks []*model.Task) *model.Task {
	for _, t := range tasks {
		if t.Status == model.StatusPending {
			return t
		}
	}
	return nil
}

// PlanNext starts planning the first Pending task.
func (s *Scheduler) PlanNext(ctx context.Context) (*model.Task, error) {
	doc, err := s.store.LoadPlan(ctx)
	if err != nil {
		return nil, err
	}
	next := s.NextPlannable(doc.Tasks)
	if next == nil {
		return nil, ErrNothingToPlan
	}
	return s.BeginPlanning(ctx, next.ID)
}

// BeginPlanning moves task id from Pending to Planning and records this
// agent as the planner.
func (s *Scheduler) BeginPlanning(ctx context.Context, id int) (*model.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == model.StatusPlanning {
		return nil, fmt.Errorf("%w: #%d is being planned", ErrAlreadyClaimed, id)
	}
	if err := model.ValidateTransition(task.Status, model.StatusPlanning); err != nil {
		return nil, err
	}

	now := s.timestamp()
	agent := s.agentID
	task.Status = model.StatusPlanning
	task.ClaimedBy = &agent
	task.ClaimedAt = &now
	if err := s.store.SaveTask(ctx, task); err != nil {
		if errors.Is(err, plan.ErrStaleTask) {
			if cur, gerr := s.store.GetTask(ctx, id); gerr == nil && cur.Status != model.StatusPending {
				return nil, fmt.Errorf("%w: #%d is now %s", ErrAlreadyClaimed, id, cur.Status)
			}
		}
		return nil, err
	}

	s.log.Infof("planning_started task=%d agent=%s", id, agent)
	s.publish(events.EventPlanningStarted, map[string]any{"task_id": id, "agent_id": agent})
	return task, nil
}

// FinishPlanning stores the detailed plan for task id, records the files it
// will touch and makes it Ready.
func (s *Scheduler) FinishPlanning(ctx context.Context, id int, detail model.TaskDetail) (*model.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	// InProgress -> Ready is also a legal edge, but only Release may take it.
	if task.Status != model.StatusPlanning {
		return nil, &model.InvalidTransitionError{From: task.Status, To: model.StatusReady}
	}

	files := normalizeFiles(detail.FilesTouched)
	if len(files) == 0 {
		verrs := &plan.ValidationErrors{}
		verrs.Add("files_touched", "at least one file is required")
		return nil, verrs
	}

	detail.TaskID = id
	detail.FilesTouched = files
	detail.CreatedAt = ""
	if err := s.store.SaveDetail(ctx, &detail); err != nil {
		return nil, err
	}

	task.Status = model.StatusReady
	task.FilesTouched = slices.Clone(files)
	task.DetailRef = plan.DetailKey(id)
	task.ClaimedBy = nil
	task.ClaimedAt = nil
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	s.log.Infof("task_ready task=%d files=%v", id, files)
	s.publish(events.EventTaskReady, map[string]any{
		"task_id": id, "agent_id": s.agentID, "files": slices.Clone(files),
	})
	return task, nil
}

// AbandonPlanning returns task id from Planning to Pending and forgets any
// files recorded for it.
func (s *Scheduler) AbandonPlanning(ctx context.Context, id int) (*model.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := model.Transition(task.Status, model.StatusPending)
	if err != nil {
		return nil, err
	}

	task.Status = next
	task.FilesTouched = []string{}
	task.DetailRef = ""
	task.ClaimedBy = nil
	task.ClaimedAt = nil
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	s.log.Infof("planning_abandoned task=%d", id)
	s.publish(events.EventPlanningAbandoned, map[string]any{"task_id": id, "agent_id": s.agentID})
	return task, nil
}

// normalizeFiles trims paths, drops empty ones and removes duplicates while
// keeping the first occurrence.
func normalizeFiles(files []string) []string {
	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
