package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"deferbot/internal/clock"
	"deferbot/internal/executor"
	"deferbot/internal/modifier"
	"deferbot/internal/storage"
	"deferbot/internal/task/engine"
	logx "deferbot/pkg/logx"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type call struct {
	mailingID int64
	kind      modifier.Kind
	at        time.Time
}

type recordingExecutor struct {
	clk    clock.Clock
	mu     sync.Mutex
	calls  []call
	result string
}

func (r *recordingExecutor) Run(ctx context.Context, mailingID int64, kind modifier.Kind) executor.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{mailingID, kind, r.clk.Now()})
	res := r.result
	if res == "" {
		res = executor.ResultApplied
	}
	return executor.Outcome{MailingID: mailingID, Kind: kind, Result: res}
}

func (r *recordingExecutor) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type inlineRunner struct{}

func (inlineRunner) Submit(ctx context.Context, j engine.Job) error { return j.Run(ctx) }

type refusingRunner struct{}

func (refusingRunner) Submit(context.Context, engine.Job) error { return engine.ErrStopping }

func newScheduler(store TaskStore, clk *clock.Fake, exec Executor, runner Runner) *Service {
	return New(Config{}, store, exec, runner, clk, logx.Nop(), nil)
}

func executed(t *testing.T, store *storage.Memory, id int64) bool {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", id, err)
	}
	return task.Executed
}

func TestScheduleFiresOnceAtDueTime(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	exec := &recordingExecutor{clk: clk}
	s := newScheduler(store, clk, exec, inlineRunner{})

	id, err := s.Schedule(context.Background(), 1, modifier.Delete, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clk.Advance(9 * time.Minute)
	if len(exec.Calls()) != 0 || executed(t, store, id) {
		t.Fatal("fired early")
	}
	clk.Advance(time.Hour)
	calls := exec.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if !calls[0].at.Equal(t0.Add(10*time.Minute)) || calls[0].kind != modifier.Delete {
		t.Fatalf("call = %+v", calls[0])
	}
	if !executed(t, store, id) {
		t.Fatal("task not marked executed")
	}
	if s.Armed() != 0 {
		t.Fatalf("Armed() = %d after fire", s.Armed())
	}
}

func TestFailedRunStillMarksExecuted(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	exec := &recordingExecutor{clk: clk, result: executor.ResultFailed}
	s := newScheduler(store, clk, exec, inlineRunner{})

	id, _ := s.Schedule(context.Background(), 1, modifier.Edit, t0)
	clk.Advance(0)
	if !executed(t, store, id) {
		t.Fatal("failed run left task pending")
	}
	if n, err := s.RecoverAll(context.Background()); err != nil || n != 0 {
		t.Fatalf("RecoverAll = (%d, %v), want nothing to re-arm", n, err)
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	s := newScheduler(store, clk, &recordingExecutor{clk: clk}, inlineRunner{})

	if _, err := s.Schedule(context.Background(), 1, modifier.Kind("explode"), t0); !errors.Is(err, modifier.ErrInvalidPayload) {
		t.Fatalf("unknown kind err = %v", err)
	}
	store.SetFailure(errors.New("db down"))
	if _, err := s.Schedule(context.Background(), 1, modifier.Delete, t0); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("store failure err = %v, want ErrUnavailable", err)
	}
	if s.Armed() != 0 {
		t.Fatal("armed a task that was not persisted")
	}
}

func TestRecoverAllFiresPastDueOnce(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	past, _ := store.CreateTask(context.Background(), storage.Task{MailingID: 3, Kind: modifier.Delete, DueAt: t0.Add(-time.Hour)})
	future, _ := store.CreateTask(context.Background(), storage.Task{MailingID: 3, Kind: modifier.Unpin, DueAt: t0.Add(time.Hour)})
	done, _ := store.CreateTask(context.Background(), storage.Task{MailingID: 3, Kind: modifier.Edit, DueAt: t0.Add(-2 * time.Hour)})
	_ = store.MarkExecuted(context.Background(), done.ID)

	exec := &recordingExecutor{clk: clk}
	s := newScheduler(store, clk, exec, inlineRunner{})
	n, err := s.RecoverAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RecoverAll = (%d, %v), want 2", n, err)
	}

	clk.Advance(0)
	calls := exec.Calls()
	if len(calls) != 1 || calls[0].kind != modifier.Delete || !calls[0].at.Equal(t0) {
		t.Fatalf("calls after recovery = %+v, want one immediate delete", calls)
	}
	if !executed(t, store, past.ID) || executed(t, store, future.ID) {
		t.Fatal("executed flags wrong after immediate fire")
	}

	clk.Advance(2 * time.Hour)
	if got := len(exec.Calls()); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}

	if _, err := s.RecoverAll(context.Background()); !errors.Is(err, ErrAlreadyRecovered) {
		t.Fatalf("second RecoverAll err = %v", err)
	}
}

func TestRecoverAllStoreUnavailable(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	store.SetFailure(errors.New("db down"))
	s := newScheduler(store, clk, &recordingExecutor{clk: clk}, inlineRunner{})
	if _, err := s.RecoverAll(context.Background()); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	store.SetFailure(nil)
	if _, err := s.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll after store came back: %v", err)
	}
}

func TestStopDisarmsWithoutMarking(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	exec := &recordingExecutor{clk: clk}
	s := newScheduler(store, clk, exec, inlineRunner{})
	id, _ := s.Schedule(context.Background(), 1, modifier.Delete, t0.Add(time.Minute))

	if n := s.Stop(context.Background()); n != 1 {
		t.Fatalf("Stop disarmed %d, want 1", n)
	}
	clk.Advance(time.Hour)
	if len(exec.Calls()) != 0 {
		t.Fatal("disarmed task fired")
	}
	if executed(t, store, id) {
		t.Fatal("Stop marked task executed")
	}

	// A fresh scheduler picks it up.
	s2 := newScheduler(store, clk, exec, inlineRunner{})
	if n, _ := s2.RecoverAll(context.Background()); n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	clk.Advance(0)
	if len(exec.Calls()) != 1 || !executed(t, store, id) {
		t.Fatal("recovered task did not run")
	}
}

func TestRefusedSubmitLeavesTaskPending(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	exec := &recordingExecutor{clk: clk}
	s := newScheduler(store, clk, exec, refusingRunner{})
	id, _ := s.Schedule(context.Background(), 1, modifier.Delete, t0)
	clk.Advance(0)
	if len(exec.Calls()) != 0 || executed(t, store, id) {
		t.Fatal("refused job ran or was marked")
	}
	if snap := s.Snapshot(); snap.InFlight != 0 || len(snap.Armed) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestArmIsIdempotent(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	exec := &recordingExecutor{clk: clk}
	s := newScheduler(store, clk, exec, inlineRunner{})
	id, _ := s.Schedule(context.Background(), 1, modifier.Delete, t0.Add(time.Minute))

	task, _ := store.GetTask(context.Background(), id)
	if s.arm(task) {
		t.Fatal("re-arming an armed task succeeded")
	}
	if n, _ := s.RecoverAll(context.Background()); n != 0 {
		t.Fatalf("RecoverAll re-armed %d armed tasks", n)
	}
	clk.Advance(time.Hour)
	if got := len(exec.Calls()); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	task.Executed = true
	if s.arm(task) {
		t.Fatal("executed task was armed")
	}
}

func TestSnapshotOrdersByDueTime(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(t0)
	s := newScheduler(storage.NewMemory(), clk, &recordingExecutor{clk: clk}, inlineRunner{})
	_, _ = s.Schedule(context.Background(), 1, modifier.Delete, t0.Add(time.Hour))
	_, _ = s.Schedule(context.Background(), 2, modifier.Unpin, t0.Add(time.Minute))

	snap := s.Snapshot()
	if len(snap.Armed) != 2 || snap.Armed[0].MailingID != 2 {
		t.Fatalf("armed = %+v", snap.Armed)
	}
}

// Every scheduled task fires exactly once, at its due time (or immediately
// when already due), however the clock is stepped.
func TestScheduleProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		clk := clock.NewFake(t0)
		store := storage.NewMemory()
		exec := &recordingExecutor{clk: clk}
		s := newScheduler(store, clk, exec, inlineRunner{})

		delays := rapid.SliceOfN(rapid.IntRange(-30, 240), 1, 20).Draw(rt, "delays")
		due := map[int64]time.Time{}
		for i, d := range delays {
			at := t0.Add(time.Duration(d) * time.Minute)
			_, err := s.Schedule(context.Background(), int64(i+1), modifier.Delete, at)
			if err != nil {
				rt.Fatalf("Schedule: %v", err)
			}
			due[int64(i+1)] = at
		}

		steps := rapid.SliceOfN(rapid.IntRange(0, 60), 1, 30).Draw(rt, "steps")
		for _, st := range steps {
			clk.Advance(time.Duration(st) * time.Minute)
		}
		clk.Advance(300 * time.Minute)

		seen := map[int64]int{}
		for _, c := range exec.Calls() {
			seen[c.mailingID]++
			want := due[c.mailingID]
			if want.Before(t0) {
				want = t0
			}
			if !c.at.Equal(want) {
				rt.Fatalf("mailing %d fired at %v, due %v", c.mailingID, c.at, want)
			}
		}
		for mid := range due {
			if seen[mid] != 1 {
				rt.Fatalf("mailing %d fired %d times, want 1", mid, seen[mid])
			}
		}
		pending, _ := store.PendingTasks(context.Background())
		if len(pending) != 0 {
			rt.Fatalf("%d tasks still pending", len(pending))
		}
		if n, _ := s.RecoverAll(context.Background()); n != 0 {
			rt.Fatalf("executed tasks re-armed: %d", n)
		}
	})
}

type slowExecutor struct {
	started chan struct{}
	seen    chan error
}

func (e *slowExecutor) Run(ctx context.Context, mailingID int64, kind modifier.Kind) executor.Outcome {
	close(e.started)
	select {
	case <-time.After(100 * time.Millisecond):
		e.seen <- nil
		return executor.Outcome{MailingID: mailingID, Kind: kind, Result: executor.ResultApplied}
	case <-ctx.Done():
		e.seen <- ctx.Err()
		return executor.Outcome{MailingID: mailingID, Kind: kind, Result: executor.ResultFailed}
	}
}

// Shutdown drains a modifier that is already running instead of aborting it.
func TestEngineStopDrainsRunningTask(t *testing.T) {
	t.Parallel()

	appCtx, cancelApp := context.WithCancel(context.Background())
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	eng.Start(appCtx)

	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	exec := &slowExecutor{started: make(chan struct{}), seen: make(chan error, 1)}
	s := newScheduler(store, clk, exec, eng)
	id, err := s.Schedule(context.Background(), 1, modifier.Delete, t0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clk.Advance(0)
	<-exec.started

	cancelApp()
	s.Stop(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	eng.Stop(ctx)

	if err := <-exec.seen; err != nil {
		t.Fatalf("running modifier saw %v during shutdown", err)
	}
	if !executed(t, store, id) {
		t.Fatal("drained task not marked executed")
	}
}
