// Package plan owns the persisted plan: task records, task details and file
// leases, all kept in a docstore.Store.
package plan

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/fedy/internal/docstore"
	"github.com/msageha/fedy/internal/logging"
	"github.com/msageha/fedy/internal/model"
)

const (
	PlanKey       = "plan"
	taskPrefix    = "tasks/"
	detailPrefix  = "details/"
	leasePrefix   = "leases/"
	createRetries = 5
	depRetries    = 5

	// keeps lease keys within common file name limits
	maxLeaseSegment = 200
)

func TaskKey(id int) string   { return taskPrefix + strconv.Itoa(id) }
func DetailKey(id int) string { return detailPrefix + strconv.Itoa(id) }

// LeaseKey maps a file path onto a store key. Long paths are hashed.
func LeaseKey(path string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(path))
	if enc == "" || len(enc) > maxLeaseSegment {
		sum := sha256.Sum256([]byte(path))
		enc = "sha256." + hex.EncodeToString(sum[:])
	}
	return leasePrefix + enc
}

// planIndex records which task ids exist and in what order they were added.
// DepEpoch advances on every committed dependency edit.
type planIndex struct {
	NextID   int   `yaml:"next_id"`
	TaskIDs  []int `yaml:"task_ids"`
	DepEpoch int64 `yaml:"dep_epoch"`

	version int64
}

// TaskStore is the only writer of persisted plan state.
type TaskStore struct {
	store docstore.Store
	log   *logging.Logger
	now   func() time.Time
	loads singleflight.Group
}

type Option func(*TaskStore)

func WithLogger(l *logging.Logger) Option {
	return func(s *TaskStore) { s.log = l.With("plan") }
}

func WithClock(now func() time.Time) Option {
	return func(s *TaskStore) { s.now = now }
}

func NewTaskStore(store docstore.Store, opts ...Option) *TaskStore {
	s := &TaskStore{
		store: store,
		log:   logging.Discard(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *TaskStore) Store() docstore.Store { return s.store }

func (s *TaskStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Init creates an empty plan if none exists yet.
func (s *TaskStore) Init(ctx context.Context) error {
	data, err := yamlv3.Marshal(&planIndex{NextID: 1, TaskIDs: []int{}})
	if err != nil {
		return fmt.Errorf("marshal plan index: %w", err)
	}
	_, err = s.store.CompareAndSwap(ctx, PlanKey, 0, data)
	if errors.Is(err, docstore.ErrVersionConflict) {
		return nil
	}
	if err != nil {
		return unavailable("init plan", err)
	}
	s.log.Infof("initialized empty plan")
	return nil
}

func (s *TaskStore) readIndex(ctx context.Context) (*planIndex, error) {
	rec, err := s.store.Read(ctx, PlanKey)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, unavailable("load plan", fmt.Errorf("plan not initialized"))
	}
	if err != nil {
		return nil, unavailable("load plan", err)
	}
	var idx planIndex
	if err := yamlv3.Unmarshal(rec.Value, &idx); err != nil {
		return nil, unavailable("load plan", fmt.Errorf("decode plan index: %w", err))
	}
	idx.version = rec.Version
	if idx.NextID < 1 {
		idx.NextID = 1
	}
	return &idx, nil
}

// LoadPlan returns every task in the order it was added. Concurrent callers
// share one read of the store but each gets its own copy. The shared read is
// not tied to any one caller's cancellation.
func (s *TaskStore) LoadPlan(ctx context.Context) (*model.PlanDocument, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.loads.DoChan("plan", func() (any, error) {
		doc, _, err := s.loadPlan(shared)
		return doc, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.PlanDocument).Clone(), nil
	}
}

// loadPlan reads the index before the task records, so every dependency edit
// committed at or before the returned index is visible in the tasks.
func (s *TaskStore) loadPlan(ctx context.Context) (*model.PlanDocument, *planIndex, error) {
	idx, err := s.readIndex(ctx)
	if err != nil {
		return nil, nil, err
	}

	recs, err := s.store.List(ctx, taskPrefix)
	if err != nil {
		return nil, nil, unavailable("load tasks", err)
	}
	byID := make(map[int]*model.Task, len(recs))
	for _, rec := range recs {
		t, err := decodeTask(rec)
		if err != nil {
			return nil, nil, unavailable("load tasks", err)
		}
		byID[t.ID] = t
	}

	doc := &model.PlanDocument{Tasks: make([]*model.Task, 0, len(idx.TaskIDs))}
	for _, id := range idx.TaskIDs {
		t, ok := byID[id]
		if !ok {
			// id reserved by a create that has not written its record yet
			s.log.Debugf("plan lists task=%d without a record", id)
			continue
		}
		doc.Tasks = append(doc.Tasks, t)
	}
	return doc, idx, nil
}

func decodeTask(rec docstore.Record) (*model.Task, error) {
	var t model.Task
	if err := yamlv3.Unmarshal(rec.Value, &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
	}
	if TaskKey(t.ID) != rec.Key {
		return nil, fmt.Errorf("decode %s: record holds task %d", rec.Key, t.ID)
	}
	t.Version = rec.Version
	return &t, nil
}

func (s *TaskStore) GetTask(ctx context.Context, id int) (*model.Task, error) {
	rec, err := s.store.Read(ctx, TaskKey(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: #%d", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("read task #%d", id), err)
	}
	t, err := decodeTask(rec)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("read task #%d", id), err)
	}
	return t, nil
}

// SaveTask writes t if the stored record is still at t.Version and advances
// t.Version on success. A concurrent write in between yields ErrStaleTask.
func (s *TaskStore) SaveTask(ctx context.Context, t *model.Task) error {
	if !model.IsValidStatus(t.Status) {
		return fmt.Errorf("save task #%d: unknown status %q", t.ID, t.Status)
	}
	prevUpdated := t.UpdatedAt
	t.UpdatedAt = s.timestamp()
	data, err := yamlv3.Marshal(t)
	if err != nil {
		t.UpdatedAt = prevUpdated
		return fmt.Errorf("marshal task #%d: %w", t.ID, err)
	}

	rec, err := s.store.CompareAndSwap(ctx, TaskKey(t.ID), t.Version, data)
	if errors.Is(err, docstore.ErrVersionConflict) {
		t.UpdatedAt = prevUpdated
		return fmt.Errorf("%w: #%d: %v", ErrStaleTask, t.ID, err)
	}
	if err != nil {
		t.UpdatedAt = prevUpdated
		return unavailable(fmt.Sprintf("save task #%d", t.ID), err)
	}
	t.Version = rec.Version
	return nil
}

// UpdateTask reads task id, applies fn to a copy and saves it in one
// compare-and-swap attempt.
func (s *TaskStore) UpdateTask(ctx context.Context, id int, fn func(*model.Task) error) (*model.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := s.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTask appends a Pending task to the plan. Dependencies must name
// tasks that already exist, so a new task can never close a cycle.
func (s *TaskStore) CreateTask(ctx context.Context, in NewTask) (*model.Task, error) {
	in.Title = strings.TrimSpace(in.Title)

	for attempt := 1; ; attempt++ {
		idx, err := s.readIndex(ctx)
		if err != nil {
			return nil, err
		}
		existing := make(map[int]bool, len(idx.TaskIDs))
		for _, id := range idx.TaskIDs {
			existing[id] = true
		}
		if err := ValidateNewTask(in, existing).orNil(); err != nil {
			return nil, err
		}

		id := idx.NextID
		next := *idx
		next.NextID = id + 1
		next.TaskIDs = append(slices.Clone(idx.TaskIDs), id)
		data, err := yamlv3.Marshal(&next)
		if err != nil {
			return nil, fmt.Errorf("marshal plan index: %w", err)
		}

		// Reserve the id first; LoadPlan skips ids whose record is not written yet.
		_, err = s.store.CompareAndSwap(ctx, PlanKey, idx.version, data)
		if errors.Is(err, docstore.ErrVersionConflict) {
			if attempt >= createRetries {
				return nil, fmt.Errorf("%w: plan index: %v", ErrStaleTask, err)
			}
			continue
		}
		if err != nil {
			return nil, unavailable("reserve task id", err)
		}

		now := s.timestamp()
		t := &model.Task{
			ID:           id,
			Title:        in.Title,
			Status:       model.StatusPending,
			Dependencies: slices.Clone(in.Dependencies),
			FilesTouched: []string{},
			CreatedAt:    now,
		}
		if t.Dependencies == nil {
			t.Dependencies = []int{}
		}
		if err := s.SaveTask(ctx, t); err != nil {
			return nil, err
		}
		s.log.Infof("task_created task=%d deps=%v", id, t.Dependencies)
		return t, nil
	}
}

// SetDependencies replaces the dependency set of a task that has not started
// yet. The change is rejected when it would introduce a cycle.
//
// The task record is written first and the edit commits by advancing the
// index's DepEpoch. An edit that loses that race to another dependency edit
// is undone and checked again against the winner's edges, so two edits that
// are each acyclic can not together store a cycle.
func (s *TaskStore) SetDependencies(ctx context.Context, id int, deps []int) (*model.Task, error) {
	for attempt := 1; ; attempt++ {
		task, err := s.trySetDependencies(ctx, id, deps)
		if !errors.Is(err, errDepEpochMoved) {
			return task, err
		}
		if attempt >= depRetries {
			return nil, fmt.Errorf("%w: dependencies of #%d: concurrent edits", ErrStaleTask, id)
		}
		s.log.Debugf("dependencies_retry task=%d attempt=%d", id, attempt)
	}
}

var errDepEpochMoved = errors.New("dependency epoch moved")

func (s *TaskStore) trySetDependencies(ctx context.Context, id int, deps []int) (*model.Task, error) {
	doc, idx, err := s.loadPlan(ctx)
	if err != nil {
		return nil, err
	}
	task := doc.Find(id)
	if task == nil {
		return nil, fmt.Errorf("%w: #%d", ErrTaskNotFound, id)
	}
	if model.AtLeast(task.Status, model.StatusInProgress) {
		return nil, fmt.Errorf("%w: task #%d is %s", ErrDependenciesFrozen, id, task.Status)
	}

	existing := make(map[int]bool, len(doc.Tasks))
	for _, t := range doc.Tasks {
		existing[t.ID] = true
	}
	if err := ValidateDependencies(id, deps, existing).orNil(); err != nil {
		return nil, err
	}

	prev := task.Dependencies
	task.Dependencies = slices.Clone(deps)
	if task.Dependencies == nil {
		task.Dependencies = []int{}
	}
	if cyc := DetectCycle(doc.Tasks); len(cyc) > 0 {
		return nil, &CycleDetectedError{IDs: cyc}
	}

	if err := s.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if err := s.commitDependencyEdit(ctx, idx); err != nil {
		s.revertDependencies(ctx, id, task.Dependencies, prev)
		return nil, err
	}
	s.log.Infof("dependencies_set task=%d deps=%v", id, task.Dependencies)
	return task, nil
}

// commitDependencyEdit advances DepEpoch if no other dependency edit has
// committed since idx was read. Index writes that only add tasks are
// retried, since a new task can not be part of a cycle.
func (s *TaskStore) commitDependencyEdit(ctx context.Context, idx *planIndex) error {
	epoch := idx.DepEpoch
	cur := idx
	for attempt := 1; ; attempt++ {
		next := *cur
		next.DepEpoch = epoch + 1
		data, err := yamlv3.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal plan index: %w", err)
		}
		_, casErr := s.store.CompareAndSwap(ctx, PlanKey, cur.version, data)
		if casErr == nil {
			return nil
		}
		if !errors.Is(casErr, docstore.ErrVersionConflict) {
			return unavailable("commit dependencies", casErr)
		}
		if cur, err = s.readIndex(ctx); err != nil {
			return err
		}
		if cur.DepEpoch != epoch {
			return errDepEpochMoved
		}
		if attempt >= createRetries {
			return fmt.Errorf("%w: plan index: %v", ErrStaleTask, casErr)
		}
	}
}

// revertDependencies puts back prev on task id unless the record has been
// changed to something other than applied in the meantime.
func (s *TaskStore) revertDependencies(ctx context.Context, id int, applied, prev []int) {
	for range createRetries {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			s.log.Errorf("revert dependencies task=%d: %v", id, err)
			return
		}
		if !slices.Equal(t.Dependencies, applied) {
			return
		}
		t.Dependencies = prev
		err = s.SaveTask(ctx, t)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrStaleTask) {
			s.log.Errorf("revert dependencies task=%d: %v", id, err)
			return
		}
	}
	s.log.Errorf("revert dependencies task=%d: record kept changing", id)
}

func (s *TaskStore) SaveDetail(ctx context.Context, d *model.TaskDetail) error {
	if d.CreatedAt == "" {
		d.CreatedAt = s.timestamp()
	}
	data, err := yamlv3.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal detail #%d: %w", d.TaskID, err)
	}

	key := DetailKey(d.TaskID)
	var version int64
	rec, err := s.store.Read(ctx, key)
	switch {
	case err == nil:
		version = rec.Version
	case !errors.Is(err, docstore.ErrNotFound):
		return unavailable(fmt.Sprintf("read detail #%d", d.TaskID), err)
	}

	_, err = s.store.CompareAndSwap(ctx, key, version, data)
	if errors.Is(err, docstore.ErrVersionConflict) {
		return fmt.Errorf("%w: detail #%d: %v", ErrStaleTask, d.TaskID, err)
	}
	if err != nil {
		return unavailable(fmt.Sprintf("save detail #%d", d.TaskID), err)
	}
	return nil
}

// LoadDetail returns the detailed plan of a task. Tasks that have not reached
// Ready have no detail.
func (s *TaskStore) LoadDetail(ctx context.Context, id int) (*model.TaskDetail, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.AtLeast(t.Status, model.StatusReady) {
		return nil, fmt.Errorf("%w: task #%d is %s", ErrDetailNotFound, id, t.Status)
	}

	rec, err := s.store.Read(ctx, DetailKey(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: task #%d has no detail record", ErrDetailNotFound, id)
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("read detail #%d", id), err)
	}
	var d model.TaskDetail
	if err := yamlv3.Unmarshal(rec.Value, &d); err != nil {
		return nil, unavailable(fmt.Sprintf("read detail #%d", id), fmt.Errorf("decode: %w", err))
	}
	return &d, nil
}

// AcquireLease takes exclusive ownership of path for a claim.
func (s *TaskStore) AcquireLease(ctx context.Context, path string, taskID int, token string) (*model.FileLease, error) {
	lease := &model.FileLease{Path: path, TaskID: taskID, Token: token, AcquiredAt: s.timestamp()}
	data, err := yamlv3.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}

	rec, err := s.store.CompareAndSwap(ctx, LeaseKey(path), 0, data)
	if errors.Is(err, docstore.ErrVersionConflict) {
		held := &LeaseHeldError{Path: path}
		if cur, rerr := s.readLease(ctx, path); rerr == nil {
			held.TaskID = cur.TaskID
			held.Token = cur.Token
		}
		return nil, held
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("acquire lease %q", path), err)
	}
	lease.Version = rec.Version
	return lease, nil
}

// ReleaseLease drops the lease on path if it is still owned by token.
// A lease that no longer exists counts as released.
func (s *TaskStore) ReleaseLease(ctx context.Context, path, token string) error {
	lease, err := s.readLease(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return unavailable(fmt.Sprintf("read lease %q", path), err)
	}
	if lease.Token != token {
		return fmt.Errorf("%w: %q belongs to task #%d", ErrLeaseNotHeld, path, lease.TaskID)
	}
	return s.DeleteLease(ctx, lease)
}

func (s *TaskStore) DeleteLease(ctx context.Context, lease *model.FileLease) error {
	err := s.store.Delete(ctx, LeaseKey(lease.Path), lease.Version)
	switch {
	case err == nil, errors.Is(err, docstore.ErrNotFound):
		return nil
	case errors.Is(err, docstore.ErrVersionConflict):
		return fmt.Errorf("%w: lease %q: %v", ErrLeaseNotHeld, lease.Path, err)
	default:
		return unavailable(fmt.Sprintf("delete lease %q", lease.Path), err)
	}
}

func (s *TaskStore) ListLeases(ctx context.Context) ([]*model.FileLease, error) {
	recs, err := s.store.List(ctx, leasePrefix)
	if err != nil {
		return nil, unavailable("list leases", err)
	}
	out := make([]*model.FileLease, 0, len(recs))
	for _, rec := range recs {
		l, err := decodeLease(rec)
		if err != nil {
			return nil, unavailable("list leases", err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *TaskStore) readLease(ctx context.Context, path string) (*model.FileLease, error) {
	rec, err := s.store.Read(ctx, LeaseKey(path))
	if err != nil {
		return nil, err
	}
	return decodeLease(rec)
}

func decodeLease(rec docstore.Record) (*model.FileLease, error) {
	var l model.FileLease
	if err := yamlv3.Unmarshal(rec.Value, &l); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
	}
	l.Version = rec.Version
	return &l, nil
}

// RecordKeys lists the store keys that hold state for task id.
func RecordKeys(id int) []string {
	return []string{PlanKey, TaskKey(id), DetailKey(id)}
}
