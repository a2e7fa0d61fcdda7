// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	sched, err := New("* * * * * *", func(ctx context.Context) error {
		fires.Add(1)
		return nil
	}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("job did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				if st := sched.Status(); st.Next.IsZero() {
					t.Error("expected next run time in status")
				}
				return
			}
		}
	}
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	if _, err := New("every tuesday", func(context.Context) error { return nil }, quiet()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSchedulerDescriptor(t *testing.T) {
	if _, err := New("@hourly", func(context.Context) error { return nil }, quiet()); err != nil {
		t.Fatalf("expected @hourly to parse: %v", err)
	}
}

func TestSchedulerRunsDoNotOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs atomic.Int32

	sched, err := New("@daily", func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, quiet())
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.Trigger(); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	<-started

	if err := sched.Trigger(); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if err := sched.Run(); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy from Run, got %v", err)
	}
	if !sched.Status().Running {
		t.Error("expected running status")
	}

	close(release)
	sched.Stop()

	if n := runs.Load(); n != 1 {
		t.Errorf("expected 1 run, got %d", n)
	}
	if sched.Status().Running {
		t.Error("expected idle status after stop")
	}
}

func TestSchedulerRecordsErrors(t *testing.T) {
	sched, err := New("@daily", func(context.Context) error {
		return errors.New("console unreachable")
	}, quiet())
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.Run(); err == nil {
		t.Fatal("expected job error")
	}
	st := sched.Status()
	if st.Runs != 1 {
		t.Errorf("expected 1 run, got %d", st.Runs)
	}
	if st.LastError != "console unreachable" {
		t.Errorf("unexpected last error %q", st.LastError)
	}
	if st.LastFinish.Before(st.LastStart) {
		t.Error("finish before start")
	}
}

func TestSchedulerRecoversPanics(t *testing.T) {
	sched, err := New("@daily", func(context.Context) error {
		panic("boom")
	}, quiet())
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.Run(); err == nil {
		t.Fatal("expected error from panicking job")
	}
	if sched.Status().Running {
		t.Error("scheduler stuck in running state after panic")
	}
}

func TestSchedulerPassesStartContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "watch")

	got := make(chan any, 1)
	sched, err := New("@daily", func(ctx context.Context) error {
		got <- ctx.Value(key{})
		return nil
	}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	if err := sched.Run(); err != nil {
		t.Fatal(err)
	}
	if v := <-got; v != "watch" {
		t.Errorf("expected start context value, got %v", v)
	}
}
