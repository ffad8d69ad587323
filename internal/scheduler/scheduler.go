// Package scheduler decides which tasks may run, hands them out to agents and
// takes them back when the work is done.
//
// Every claim goes through three independent guards: the task must be Ready
// with all dependencies Completed, no in-progress task may touch the same
// files, and the claim must win both its file leases and a compare-and-swap
// on the task record. The first two are checked against a plan snapshot; the
// leases and the compare-and-swap make the decision safe across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/fedy/internal/events"
	"github.com/msageha/fedy/internal/logging"
	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
)

// Outcome is how a claimed task ended.
type Outcome int

const (
	Succeeded Outcome = iota + 1
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome accepts "succeeded"/"success" and "failed"/"failure".
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "succeeded", "success":
		return Succeeded, nil
	case "failed", "failure":
		return Failed, nil
	default:
		return 0, fmt.Errorf("unknown outcome %q (want succeeded or failed)", s)
	}
}

const defaultLeaseGrace = 30 * time.Second

type Option func(*Scheduler)

func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.log = l.With("scheduler") }
}

func WithBus(b *events.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

func WithAgentID(id string) Option {
	return func(s *Scheduler) { s.agentID = id }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLeaseGrace sets how old an orphaned lease must be before RecoverLeases
// removes it.
func WithLeaseGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaseGrace = d
		}
	}
}

type Scheduler struct {
	store      *plan.TaskStore
	deps       *DependencyResolver
	conflicts  *ConflictDetector
	bus        *events.Bus
	log        *logging.Logger
	agentID    string
	now        func() time.Time
	leaseGrace time.Duration
	newToken   func() string
}

func New(store *plan.TaskStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		conflicts:  NewConflictDetector(),
		log:        logging.Discard(),
		agentID:    "agent",
		now:        time.Now,
		leaseGrace: defaultLeaseGrace,
		newToken:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.deps = NewDependencyResolver(s.log)
	return s
}

func (s *Scheduler) Store() *plan.TaskStore { return s.store }

func (s *Scheduler) Resolver() *DependencyResolver { return s.deps }

func (s *Scheduler) AgentID() string { return s.agentID }

func (s *Scheduler) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Scheduler) publish(t events.EventType, data map[string]any) {
	s.bus.Publish(t, data)
}

// CreateTask adds a Pending task to the plan.
func (s *Scheduler) CreateTask(ctx context.Context, in plan.NewTask) (*model.Task, error) {
	t, err := s.store.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventTaskCreated, map[string]any{
		"task_id": t.ID, "title": t.Title, "dependencies": slices.Clone(t.Dependencies),
	})
	return t, nil
}

// SetDependencies replaces the dependencies of a task that has not started.
func (s *Scheduler) SetDependencies(ctx context.Context, id int, deps []int) (*model.Task, error) {
	t, err := s.store.SetDependencies(ctx, id, deps)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventDependenciesChanged, map[string]any{
		"task_id": t.ID, "dependencies": slices.Clone(t.Dependencies),
	})
	return t, nil
}

// Executable returns every task in tasks that could be claimed right now, in
// plan order.
func (s *Scheduler) Executable(tasks []*model.Task) []*model.Task {
	onCycle := make(map[int]bool)
	for _, id := range s.deps.DetectCycle(tasks) {
		onCycle[id] = true
	}
	var inProgress []*model.Task
	for _, t := range tasks {
		if t.Status == model.StatusInProgress {
			inProgress = append(inProgress, t)
		}
	}

	var out []*model.Task
	for _, t := range tasks {
		if t.Status != model.StatusReady || onCycle[t.ID] {
			continue
		}
		if !s.deps.IsSatisfied(t, tasks) {
			continue
		}
		if with := s.conflicts.ConflictsWith(t, inProgress); len(with) > 0 {
			s.log.Debugf("task_conflicts task=%d with=%v", t.ID, with)
			continue
		}
		out = append(out, t)
	}
	return out
}

// NextExecutable returns the first executable task, or nil.
func (s *Scheduler) NextExecutable(tasks []*model.Task) *model.Task {
	exec := s.Executable(tasks)
	if len(exec) == 0 {
		return nil
	}
	return exec[0]
}

// Claim moves task id from Ready to InProgress on behalf of this scheduler's
// agent. Losing a race to another claimer yields ErrAlreadyClaimed.
func (s *Scheduler) Claim(ctx context.Context, id int) (*model.Task, error) {
	doc, err := s.store.LoadPlan(ctx)
	if err != nil {
		return nil, err
	}
	task := doc.Find(id)
	if task == nil {
		return nil, fmt.Errorf("%w: #%d", plan.ErrTaskNotFound, id)
	}

	if cyc := s.deps.DetectCycle(doc.Tasks); slices.Contains(cyc, id) {
		return nil, &plan.CycleDetectedError{IDs: cyc}
	}
	if task.Status == model.StatusInProgress {
		return nil, fmt.Errorf("%w: #%d", ErrAlreadyClaimed, id)
	}
	if err := model.ValidateTransition(task.Status, model.StatusInProgress); err != nil {
		return nil, err
	}
	if unmet := s.deps.UnmetDependencies(task, doc.Tasks); len(unmet) > 0 {
		return nil, &DependenciesUnmetError{TaskID: id, Unmet: unmet}
	}
	if err := s.checkConflicts(task, doc); err != nil {
		return nil, err
	}

	token := s.newToken()
	paths := sortedPaths(task.FilesTouched)
	var held []string
	for _, p := range paths {
		_, err := s.store.AcquireLease(ctx, p, id, token)
		if err == nil {
			held = append(held, p)
			continue
		}
		s.releaseLeases(ctx, held, token)

		var lh *plan.LeaseHeldError
		if errors.As(err, &lh) {
			if lh.TaskID == id {
				return nil, fmt.Errorf("%w: #%d", ErrAlreadyClaimed, id)
			}
			conflict := &FileConflictError{TaskID: id, Files: []string{p}}
			if lh.TaskID != 0 {
				conflict.With = []int{lh.TaskID}
			}
			return nil, conflict
		}
		return nil, err
	}

	now := s.timestamp()
	agent := s.agentID
	task.Status = model.StatusInProgress
	task.ClaimToken = &token
	task.ClaimedBy = &agent
	task.ClaimedAt = &now
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.releaseLeases(ctx, held, token)
		if errors.Is(err, plan.ErrStaleTask) {
			return nil, s.classifyLostClaim(ctx, id, err)
		}
		return nil, err
	}

	s.log.Infof("task_claimed task=%d agent=%s files=%v", id, agent, task.FilesTouched)
	s.publish(events.EventTaskClaimed, map[string]any{
		"task_id": id, "agent_id": agent, "files": slices.Clone(task.FilesTouched),
	})
	return task, nil
}

func (s *Scheduler) checkConflicts(task *model.Task, doc *model.PlanDocument) error {
	inProgress := doc.InProgress()
	with := s.conflicts.ConflictsWith(task, inProgress)
	if len(with) == 0 {
		return nil
	}
	files := make(map[string]bool)
	var shared []string
	for _, other := range inProgress {
		if !slices.Contains(with, other.ID) {
			continue
		}
		for _, f := range SharedFiles(task, other) {
			if !files[f] {
				files[f] = true
				shared = append(shared, f)
			}
		}
	}
	return &FileConflictError{TaskID: task.ID, Files: shared, With: with}
}

// classifyLostClaim decides what a failed compare-and-swap on a claim means.
// If the task moved on, someone else claimed it; if it is still Ready the
// record was edited under us and the caller may simply retry.
func (s *Scheduler) classifyLostClaim(ctx context.Context, id int, cause error) error {
	cur, err := s.store.GetTask(ctx, id)
	if err != nil {
		return cause
	}
	if cur.Status != model.StatusReady {
		return fmt.Errorf("%w: #%d is now %s", ErrAlreadyClaimed, id, cur.Status)
	}
	return cause
}

// ClaimNext claims the first executable task. It does not retry when the
// claim is lost.
func (s *Scheduler) ClaimNext(ctx context.Context) (*model.Task, error) {
	doc, err := s.store.LoadPlan(ctx)
	if err != nil {
		return nil, err
	}
	next := s.NextExecutable(doc.Tasks)
	if next == nil {
		return nil, ErrNotExecutable
	}
	return s.Claim(ctx, next.ID)
}

// ReleaseResult describes a released task. Summary is set only when the task
// completed.
type ReleaseResult struct {
	Task    *model.Task
	Summary *model.ChangeSummary
}

// Release ends the claim on task id. Succeeded completes the task; Failed
// puts it back to Ready so it can be claimed again.
func (s *Scheduler) Release(ctx context.Context, id int, outcome Outcome) (*ReleaseResult, error) {
	var target model.Status
	switch outcome {
	case Succeeded:
		target = model.StatusCompleted
	case Failed:
		target = model.StatusReady
	default:
		return nil, fmt.Errorf("release task #%d: unknown outcome %v", id, outcome)
	}

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := model.Transition(task.Status, target)
	if err != nil {
		return nil, err
	}

	var token string
	if task.ClaimToken != nil {
		token = *task.ClaimToken
	}
	task.Status = next
	task.ClaimToken = nil
	task.ClaimedBy = nil
	task.ClaimedAt = nil
	if outcome == Succeeded {
		now := s.timestamp()
		task.CompletedAt = &now
	} else {
		task.Failures++
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	s.releaseLeases(ctx, task.FilesTouched, token)

	result := &ReleaseResult{Task: task}
	if outcome == Succeeded {
		result.Summary = &model.ChangeSummary{
			TaskID: task.ID,
			Title:  task.Title,
			Files:  slices.Clone(task.FilesTouched),
		}
		s.log.Infof("task_completed task=%d files=%v", id, task.FilesTouched)
		s.publish(events.EventTaskCompleted, map[string]any{
			"task_id": id, "agent_id": s.agentID, "files": slices.Clone(task.FilesTouched),
		})
	} else {
		s.log.Warnf("task_failed task=%d failures=%d", id, task.Failures)
		s.publish(events.EventTaskFailed, map[string]any{
			"task_id": id, "agent_id": s.agentID, "failures": task.Failures,
		})
	}
	return result, nil
}

// releaseLeases drops the leases on paths that still belong to token. Leases
// taken over by someone else are left alone.
func (s *Scheduler) releaseLeases(ctx context.Context, paths []string, token string) {
	if token == "" {
		return
	}
	for _, p := range paths {
		if err := s.store.ReleaseLease(ctx, p, token); err != nil {
			s.log.Warnf("lease_release_failed path=%s error=%v", p, err)
		}
	}
}

func sortedPaths(files []string) []string {
	out := slices.Clone(files)
	slices.Sort(out)
	return slices.Compact(out)
}
