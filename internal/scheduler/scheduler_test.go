package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/fedy/internal/docstore"
	"github.com/msageha/fedy/internal/events"
	"github.com/msageha/fedy/internal/model"
	"github.com/msageha/fedy/internal/plan"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	sched *Scheduler
	store *plan.TaskStore
	clock *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, docstore.NewMemoryStore(), opts...)
}

func newFixtureOn(t *testing.T, backend docstore.Store, opts ...Option) *fixture {
	t.Helper()
	clock := newTestClock()
	store := plan.NewTaskStore(backend, plan.WithClock(clock.Now))
	require.NoError(t, store.Init(context.Background()))
	opts = append([]Option{WithClock(clock.Now), WithAgentID("agent-1")}, opts...)
	return &fixture{sched: New(store, opts...), store: store, clock: clock}
}

// readyTask creates a task and plans it straight through to Ready.
func (f *fixture) readyTask(t *testing.T, title string, files []string, deps ...int) *model.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.sched.CreateTask(ctx, plan.NewTask{Title: title, Dependencies: deps})
	require.NoError(t, err)
	_, err = f.sched.BeginPlanning(ctx, task.ID)
	require.NoError(t, err)
	task, err = f.sched.FinishPlanning(ctx, task.ID, model.TaskDetail{
		Steps:        []string{"do " + title},
		FilesTouched: files,
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) executableIDs(t *testing.T) []int {
	t.Helper()
	doc, err := f.store.LoadPlan(context.Background())
	require.NoError(t, err)
	var ids []int
	for _, task := range f.sched.Executable(doc.Tasks) {
		ids = append(ids, task.ID)
	}
	return ids
}

// forceDependencies rewrites a task's dependencies without validation, the
// way a hand-edited or concurrently edited plan could end up.
func (f *fixture) forceDependencies(t *testing.T, id int, deps ...int) {
	t.Helper()
	_, err := f.store.UpdateTask(context.Background(), id, func(task *model.Task) error {
		task.Dependencies = deps
		return nil
	})
	require.NoError(t, err)
}

func TestDependentTaskWaitsForCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.readyTask(t, "schema", []string{"db/schema.sql"})
	t2 := f.readyTask(t, "queries", []string{"db/queries.go"}, t1.ID)

	assert.Equal(t, []int{t1.ID}, f.executableIDs(t))

	_, err := f.sched.Claim(ctx, t2.ID)
	var unmet *DependenciesUnmetError
	require.ErrorAs(t, err, &unmet)
	assert.Equal(t, []int{t1.ID}, unmet.Unmet)

	_, err = f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)
	assert.Empty(t, f.executableIDs(t), "t2 stays blocked while t1 is in progress")

	res, err := f.sched.Release(ctx, t1.ID, Succeeded)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Task.Status)
	assert.Equal(t, []int{t2.ID}, f.executableIDs(t))
}

func TestFileConflictBlocksUntilRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.readyTask(t, "one", []string{"a.go", "b.go"})
	f.readyTask(t, "two", []string{"c.go"})
	t3 := f.readyTask(t, "three", []string{"a.go"})

	claimed, err := f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimToken)

	assert.Equal(t, []int{2}, f.executableIDs(t))

	_, err = f.sched.Claim(ctx, t3.ID)
	var conflict *FileConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"a.go"}, conflict.Files)
	assert.Equal(t, []int{t1.ID}, conflict.With)

	_, err = f.sched.Release(ctx, t1.ID, Succeeded)
	require.NoError(t, err)
	_, err = f.sched.Claim(ctx, t3.ID)
	require.NoError(t, err)
}

func TestClaim_LeaseHeldByStaleSnapshotIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.readyTask(t, "one", []string{"a.go"})

	// Another claimer holds the lease but its task record has not moved yet.
	_, err := f.store.AcquireLease(ctx, "a.go", 42, "other-token")
	require.NoError(t, err)

	_, err = f.sched.Claim(ctx, t1.ID)
	var conflict *FileConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{42}, conflict.With)

	task, err := f.store.GetTask(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, task.Status)
}

func TestClaim_RollsBackLeasesOnConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.readyTask(t, "one", []string{"a.go", "z.go"})

	_, err := f.store.AcquireLease(ctx, "z.go", 42, "other-token")
	require.NoError(t, err)

	_, err = f.sched.Claim(ctx, t1.ID)
	require.Error(t, err)

	leases, err := f.store.ListLeases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "z.go", leases[0].Path)
}

func TestClaim_SetsClaimFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.readyTask(t, "one", []string{"b.go", "a.go"})

	task, err := f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, task.Status)
	require.NotNil(t, task.ClaimedBy)
	assert.Equal(t, "agent-1", *task.ClaimedBy)
	require.NotNil(t, task.ClaimedAt)
	assert.Equal(t, "2026-03-01T12:00:00Z", *task.ClaimedAt)

	leases, err := f.store.ListLeases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	for _, l := range leases {
		assert.Equal(t, t1.ID, l.TaskID)
		assert.Equal(t, *task.ClaimToken, l.Token)
	}
}

func TestClaim_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.sched.CreateTask(ctx, plan.NewTask{Title: "pending"})
	require.NoError(t, err)
	ready := f.readyTask(t, "ready", []string{"r.go"})
	done := f.readyTask(t, "done", []string{"d.go"})
	_, err = f.sched.Claim(ctx, done.ID)
	require.NoError(t, err)
	_, err = f.sched.Release(ctx, done.ID, Succeeded)
	require.NoError(t, err)
	_, err = f.sched.Claim(ctx, ready.ID)
	require.NoError(t, err)

	var ite *model.InvalidTransitionError
	_, err = f.sched.Claim(ctx, pending.ID)
	assert.ErrorAs(t, err, &ite)

	_, err = f.sched.Claim(ctx, done.ID)
	assert.ErrorAs(t, err, &ite)

	_, err = f.sched.Claim(ctx, ready.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = f.sched.Claim(ctx, 99)
	assert.ErrorIs(t, err, plan.ErrTaskNotFound)
}

func TestRelease_FailedMakesTaskClaimableAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.readyTask(t, "flaky", []string{"a.go"})

	_, err := f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)

	res, err := f.sched.Release(ctx, t1.ID, Failed)
	require.NoError(t, err)
	assert.Nil(t, res.Summary)
	assert.Equal(t, model.StatusReady, res.Task.Status)
	assert.Equal(t, 1, res.Task.Failures)
	assert.Nil(t, res.Task.ClaimToken)
	assert.Nil(t, res.Task.ClaimedBy)
	assert.Nil(t, res.Task.ClaimedAt)

	leases, err := f.store.ListLeases(ctx)
	require.NoError(t, err)
	assert.Empty(t, leases)

	assert.Equal(t, []int{t1.ID}, f.executableIDs(t))
	_, err = f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)
}

func TestRelease_SucceededReturnsSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.readyTask(t, "feature", []string{"a.go", "b.go"})

	_, err := f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)

	res, err := f.sched.Release(ctx, t1.ID, Succeeded)
	require.NoError(t, err)
	require.NotNil(t, res.Summary)
	assert.Equal(t, model.ChangeSummary{TaskID: t1.ID, Title: "feature", Files: []string{"a.go", "b.go"}}, *res.Summary)
	require.NotNil(t, res.Task.CompletedAt)

	_, err = f.sched.Release(ctx, t1.ID, Succeeded)
	var ite *model.InvalidTransitionError
	assert.ErrorAs(t, err, &ite, "completed is terminal")
}

func TestRelease_NotInProgress(t *testing.T) {
	f := newFixture(t)
	t1 := f.readyTask(t, "idle", []string{"a.go"})

	_, err := f.sched.Release(context.Background(), t1.ID, Failed)
	var ite *model.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestDanglingDependencyNeverExecutable(t *testing.T) {
	f := newFixture(t)
	t1 := f.readyTask(t, "orphan", []string{"a.go"})
	f.forceDependencies(t, t1.ID, 99)

	assert.Empty(t, f.executableIDs(t))

	_, err := f.sched.Claim(context.Background(), t1.ID)
	var unmet *DependenciesUnmetError
	require.ErrorAs(t, err, &unmet)
	assert.Equal(t, []int{99}, unmet.Unmet)
}

func TestCycleMembersNeverExecutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.readyTask(t, "a", []string{"a.go"})
	b := f.readyTask(t, "b", []string{"b.go"})
	c := f.readyTask(t, "c", []string{"c.go"})
	f.forceDependencies(t, a.ID, b.ID)
	f.forceDependencies(t, b.ID, a.ID)

	assert.Equal(t, []int{c.ID}, f.executableIDs(t))

	_, err := f.sched.Claim(ctx, a.ID)
	var cyc *plan.CycleDetectedError
	require.ErrorAs(t, err, &cyc)
	assert.True(t, cyc.Contains(a.ID))
	assert.True(t, cyc.Contains(b.ID))
	assert.False(t, cyc.Contains(c.ID))
}

func TestClaimNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotExecutable)

	t1 := f.readyTask(t, "one", []string{"a.go"})
	t2 := f.readyTask(t, "two", []string{"a.go"})

	got, err := f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, got.ID)

	_, err = f.sched.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotExecutable, "t2 shares a.go with t1")

	_, err = f.sched.Release(ctx, t1.ID, Succeeded)
	require.NoError(t, err)
	got, err = f.sched.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, t2.ID, got.ID)
}

func backends(t *testing.T) map[string]func(t *testing.T) docstore.Store {
	return map[string]func(t *testing.T) docstore.Store{
		"memory": func(t *testing.T) docstore.Store { return docstore.NewMemoryStore() },
		"file": func(t *testing.T) docstore.Store {
			dir := t.TempDir()
			fs, err := docstore.NewFileStore(filepath.Join(dir, "store"), docstore.FileStoreOptions{})
			require.NoError(t, err)
			return fs
		},
	}
}

func TestClaim_ConcurrentClaimersSingleWinner(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixtureOn(t, open(t))
			t1 := f.readyTask(t, "contended", []string{"a.go", "b.go"})

			const claimers = 8
			var wins atomic.Int32
			errs := make([]error, claimers)
			var g errgroup.Group
			for i := range claimers {
				g.Go(func() error {
					_, err := f.sched.Claim(context.Background(), t1.ID)
					if err == nil {
						wins.Add(1)
					}
					errs[i] = err
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, int32(1), wins.Load())
			for _, err := range errs {
				if err != nil && !errors.Is(err, ErrAlreadyClaimed) {
					t.Errorf("loser got %v, want ErrAlreadyClaimed", err)
				}
			}
		})
	}
}

func TestClaim_ConcurrentConflictingTasks(t *testing.T) {
	f := newFixture(t)
	t1 := f.readyTask(t, "one", []string{"shared.go", "one.go"})
	t2 := f.readyTask(t, "two", []string{"two.go", "shared.go"})

	var g errgroup.Group
	var errs [2]error
	for i, id := range []int{t1.ID, t2.ID} {
		g.Go(func() error {
			_, errs[i] = f.sched.Claim(context.Background(), id)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var conflict *FileConflictError
		if !errors.As(err, &conflict) {
			t.Errorf("loser got %v, want *FileConflictError", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one of two conflicting tasks may run")

	doc, err := f.store.LoadPlan(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.InProgress(), 1)
}

func TestPlanningWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.PlanNext(ctx)
	assert.ErrorIs(t, err, ErrNothingToPlan)

	t1, err := f.sched.CreateTask(ctx, plan.NewTask{Title: "first"})
	require.NoError(t, err)
	t2, err := f.sched.CreateTask(ctx, plan.NewTask{Title: "second"})
	require.NoError(t, err)

	got, err := f.sched.PlanNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, got.ID)
	assert.Equal(t, model.StatusPlanning, got.Status)

	_, err = f.sched.BeginPlanning(ctx, t1.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	got, err = f.sched.PlanNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, t2.ID, got.ID)

	_, err = f.sched.FinishPlanning(ctx, t1.ID, model.TaskDetail{FilesTouched: []string{" ", ""}})
	var verrs *plan.ValidationErrors
	require.ErrorAs(t, err, &verrs)

	ready, err := f.sched.FinishPlanning(ctx, t1.ID, model.TaskDetail{
		Steps:        []string{"write it"},
		FilesTouched: []string{"b.go", " a.go", "b.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, ready.Status)
	assert.Equal(t, []string{"b.go", "a.go"}, ready.FilesTouched)
	assert.Equal(t, plan.DetailKey(t1.ID), ready.DetailRef)
	assert.Nil(t, ready.ClaimedBy)

	detail, err := f.store.LoadDetail(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"write it"}, detail.Steps)
	assert.Equal(t, []string{"b.go", "a.go"}, detail.FilesTouched)

	_, err = f.sched.FinishPlanning(ctx, t1.ID, model.TaskDetail{FilesTouched: []string{"c.go"}})
	var ite *model.InvalidTransitionError
	assert.ErrorAs(t, err, &ite, "ready tasks cannot be re-planned")

	back, err := f.sched.AbandonPlanning(ctx, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, back.Status)
	assert.Empty(t, back.FilesTouched)

	_, err = f.sched.AbandonPlanning(ctx, t2.ID)
	assert.ErrorAs(t, err, &ite)
}

func TestRecoverLeases(t *testing.T) {
	f := newFixture(t, WithLeaseGrace(time.Minute))
	ctx := context.Background()
	t1 := f.readyTask(t, "active", []string{"active.go"})
	t2 := f.readyTask(t, "crashed", []string{"orphan.go"})

	_, err := f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)
	// A claimer that died between taking its lease and saving the task.
	_, err = f.store.AcquireLease(ctx, "orphan.go", t2.ID, "dead-token")
	require.NoError(t, err)

	recovered, err := f.sched.RecoverLeases(ctx)
	require.NoError(t, err)
	assert.Empty(t, recovered, "young leases are left alone")

	f.clock.Advance(2 * time.Minute)
	recovered, err = f.sched.RecoverLeases(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "orphan.go", recovered[0].Path)

	leases, err := f.store.ListLeases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "active.go", leases[0].Path)

	_, err = f.sched.Claim(ctx, t2.ID)
	require.NoError(t, err)
}

func TestEventsPublished(t *testing.T) {
	bus := events.NewBus(64)
	var mu sync.Mutex
	var seen []events.EventType
	bus.Subscribe(events.EventAny, func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	f := newFixture(t, WithBus(bus))
	ctx := context.Background()
	t1 := f.readyTask(t, "one", []string{"a.go"})
	_, err := f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)
	_, err = f.sched.Release(ctx, t1.ID, Failed)
	require.NoError(t, err)
	_, err = f.sched.Claim(ctx, t1.ID)
	require.NoError(t, err)
	_, err = f.sched.Release(ctx, t1.ID, Succeeded)
	require.NoError(t, err)
	bus.Close()

	want := []events.EventType{
		events.EventTaskCreated,
		events.EventPlanningStarted,
		events.EventTaskReady,
		events.EventTaskClaimed,
		events.EventTaskFailed,
		events.EventTaskClaimed,
		events.EventTaskCompleted,
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seen, want) {
		t.Errorf("events = %v, want %v", seen, want)
	}
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		in      string
		want    Outcome
		wantErr bool
	}{
		{"succeeded", Succeeded, false},
		{"success", Succeeded, false},
		{"failed", Failed, false},
		{"failure", Failed, false},
		{"done", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseOutcome(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOutcome(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOutcome(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
