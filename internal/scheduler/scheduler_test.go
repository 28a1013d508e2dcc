// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(within)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("condition not met within %v", within)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	sched := New(nil)
	var fires atomic.Int32
	err := sched.Add(Job{Name: "probe", Schedule: "* * * * * *", Run: func(ctx context.Context) error {
		fires.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool { return fires.Load() > 0 })

	st := sched.Status()
	if len(st) != 1 || st[0].Name != "probe" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSchedulerRecordsFailures(t *testing.T) {
	sched := New(nil)
	err := sched.Add(Job{Name: "broken", Schedule: "@every 1s", Run: func(ctx context.Context) error {
		return errors.New("backend down")
	}})
	if err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool {
		st := sched.Status()
		return len(st) == 1 && st[0].Failures > 0
	})
	if got := sched.Status()[0].LastErr; got != "backend down" {
		t.Errorf("expected last error recorded, got %q", got)
	}
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	sched := New(nil)
	err := sched.Add(Job{Name: "bad", Schedule: "every now and then", Run: func(ctx context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if len(sched.Status()) != 0 {
		t.Error("invalid job should not be registered")
	}
	if ValidateSchedule("@every 30s") != nil {
		t.Error("expected @every descriptor to parse")
	}
}

func TestSchedulerReplacesJobByName(t *testing.T) {
	sched := New(nil)
	noop := func(ctx context.Context) error { return nil }
	if err := sched.Add(Job{Name: "probe", Schedule: "@every 1h", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := sched.Add(Job{Name: "probe", Schedule: "@every 30s", Run: noop}); err != nil {
		t.Fatal(err)
	}
	st := sched.Status()
	if len(st) != 1 || st[0].Schedule != "@every 30s" {
		t.Errorf("expected single replaced job, got %+v", st)
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	sched := New(nil)
	started := make(chan struct{})
	var cancelled atomic.Bool
	err := sched.Add(Job{Name: "slow", Schedule: "* * * * * *", Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}})
	if err != nil {
		t.Fatal(err)
	}
	sched.Start()

	select {
	case <-started:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("job never started")
	}
	sched.Stop()
	if !cancelled.Load() {
		t.Error("expected Stop to cancel and wait for the running job")
	}
}
