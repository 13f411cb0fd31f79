package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"deferbot/internal/eventbus"
	logx "deferbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func noop(context.Context) error { return nil }

func TestSubmitRunsJob(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2}, nil)
	done := make(chan struct{})
	if err := s.Submit(context.Background(), Job{Name: "ok", Run: func(context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	waitFor(t, func() bool { return s.Snapshot().Completed == 1 })
	if h := s.Snapshot().History; len(h) != 1 || h[0].Name != "ok" || h[0].ID == 0 {
		t.Fatalf("history = %+v", h)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1}, nil)
	_ = s.Submit(context.Background(), Job{Name: "boom", Run: func(context.Context) error { panic("boom") }})

	var ran atomic.Bool
	_ = s.Submit(context.Background(), Job{Name: "after", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	waitFor(t, ran.Load)

	snap := s.Snapshot()
	if snap.Panics != 1 || snap.Failed != 1 {
		t.Fatalf("panics=%d failed=%d, want 1 and 1", snap.Panics, snap.Failed)
	}
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, nil)
	errCh := make(chan error, 1)
	_ = s.Submit(context.Background(), Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}})
	select {
	case err := <-errCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("ctx.Err() = %v, want DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not applied")
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "job.")
	defer unsub()

	s := startEngine(t, Config{Workers: 1}, bus)
	_ = s.Submit(context.Background(), Job{Name: "bad", Run: func(context.Context) error { return errors.New("nope") }})

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[eventbus.JobFailed] {
		select {
		case ev := <-ch:
			seen[ev.Type] = true
			if ev.Type == eventbus.JobFailed {
				if got := ev.Data.(JobEvent).Error; got != "nope" {
					t.Fatalf("event error = %q, want nope", got)
				}
			}
		case <-timeout:
			t.Fatalf("events seen = %v", seen)
		}
	}
	if !seen[eventbus.JobStarted] {
		t.Fatalf("job.started not published")
	}
}

func TestSubmitRefused(t *testing.T) {
	t.Parallel()

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Submit(context.Background(), Job{Name: "x", Run: noop}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit before Start = %v, want ErrNotRunning", err)
	}
	disabled := New(Config{}, logx.Nop(), nil)
	disabled.Start(context.Background())
	if err := disabled.Submit(context.Background(), Job{Name: "x", Run: noop}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Submit disabled = %v, want ErrDisabled", err)
	}
	if err := idle.Submit(context.Background(), Job{Name: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
	if err := idle.Submit(context.Background(), Job{Name: " ", Run: noop}); err == nil {
		t.Fatal("blank Name accepted")
	}

	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Submit(context.Background(), Job{Name: "late", Run: noop}); !errors.Is(err, ErrStopping) {
		t.Fatalf("Submit after Stop = %v, want ErrStopping", err)
	}
	if got := s.Snapshot().Refused; got != 1 {
		t.Fatalf("Refused = %d, want 1", got)
	}
}

// A full queue holds the caller instead of dropping the job.
func TestSubmitBlocksWhenFull(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Submit(context.Background(), Job{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	if err := s.Submit(context.Background(), Job{Name: "queued", Run: noop}); err != nil {
		t.Fatalf("Submit into free slot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Submit(ctx, Job{Name: "waits", Run: noop}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit into full queue = %v, want DeadlineExceeded", err)
	}

	accepted := make(chan error, 1)
	go func() { accepted <- s.Submit(context.Background(), Job{Name: "later", Run: noop}) }()
	close(release)
	select {
	case err := <-accepted:
		if err != nil {
			t.Fatalf("blocked Submit = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Submit never accepted")
	}
	waitFor(t, func() bool { return s.Snapshot().Completed == 3 })
}

func TestApplyKeepsPoolSize(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 4}, nil)
	s.Apply(Config{Enabled: true, Workers: 8, QueueSize: 64, DefaultTimeout: time.Second, HistorySize: 1})
	snap := s.Snapshot()
	if snap.Workers != 2 || snap.QueueCap != 4 {
		t.Fatalf("workers=%d queue=%d, want 2 and 4", snap.Workers, snap.QueueCap)
	}
	for i := 0; i < 3; i++ {
		_ = s.Submit(context.Background(), Job{Name: "n", Run: noop})
	}
	waitFor(t, func() bool { return s.Snapshot().Completed == 3 })
	if h := s.Snapshot().History; len(h) != 1 {
		t.Fatalf("history len = %d, want 1", len(h))
	}
}

func TestStopLetsRunningJobFinish(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(parent)

	started := make(chan struct{})
	jobErr := make(chan error, 1)
	_ = s.Submit(context.Background(), Job{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			jobErr <- nil
		case <-ctx.Done():
			jobErr <- ctx.Err()
		}
		return nil
	}})
	<-started

	// The app cancels its own context before stopping the engine.
	cancelParent()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	began := time.Now()
	s.Stop(ctx)

	if err := <-jobErr; err != nil {
		t.Fatalf("running job canceled by Stop: %v", err)
	}
	if took := time.Since(began); took < 50*time.Millisecond {
		t.Fatalf("Stop returned after %v, before the job finished", took)
	}
	if snap := s.Snapshot(); snap.Completed != 1 || snap.Failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 1 and 0", snap.Completed, snap.Failed)
	}
}

func TestStopCancelsAfterDeadline(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	jobErr := make(chan error, 1)
	_ = s.Submit(context.Background(), Job{Name: "stuck", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		jobErr <- ctx.Err()
		return ctx.Err()
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	select {
	case err := <-jobErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("job ctx.Err() = %v, want Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never canceled after the stop deadline")
	}
}
