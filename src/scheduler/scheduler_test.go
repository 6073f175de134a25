package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func staticUsers(users ...uint) EnumerateFunc {
	return func(_ context.Context) ([]uint, error) {
		return users, nil
	}
}

func TestJobRunProcessesEveryUser(t *testing.T) {
	var mu sync.Mutex
	var processed []uint

	job := &Job{
		Name:      "stop_loss",
		Interval:  time.Minute,
		Enumerate: staticUsers(1, 2, 3),
		Process: func(_ context.Context, userID uint) error {
			mu.Lock()
			defer mu.Unlock()
			processed = append(processed, userID)
			return nil
		},
	}

	if ran := job.Run(context.Background()); !ran {
		t.Fatalf("expected the tick to run")
	}

	if len(processed) != 3 {
		t.Fatalf("expected 3 users processed, got %v", processed)
	}
}

func TestJobRunIsolatesUserFailures(t *testing.T) {
	var attempted []uint

	job := &Job{
		Name:      "auto_trade",
		Interval:  time.Minute,
		Enumerate: staticUsers(1, 2, 3, 4),
		Process: func(_ context.Context, userID uint) error {
			attempted = append(attempted, userID)
			switch userID {
			case 2:
				return errors.New("broker unreachable")
			case 3:
				panic("corrupt row")
			}
			return nil
		},
	}

	if ran := job.Run(context.Background()); !ran {
		t.Fatalf("expected the tick to run")
	}

	if len(attempted) != 4 {
		t.Fatalf("every user must be attempted despite failures, got %v", attempted)
	}
}

func TestJobRunSkipsTickOnEnumerationFailure(t *testing.T) {
	var processCalls int32

	job := &Job{
		Name:     "stop_loss",
		Interval: time.Minute,
		Enumerate: func(_ context.Context) ([]uint, error) {
			return nil, errors.New("database unavailable")
		},
		Process: func(_ context.Context, _ uint) error {
			atomic.AddInt32(&processCalls, 1)
			return nil
		},
	}

	if ran := job.Run(context.Background()); !ran {
		t.Fatalf("enumeration failure is still a completed tick")
	}

	if atomic.LoadInt32(&processCalls) != 0 {
		t.Fatalf("no user may be processed when enumeration fails")
	}
}

func TestJobRunSkipsOverlappingTick(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once
	var processCalls int32

	job := &Job{
		Name:      "trailing_stop",
		Interval:  time.Minute,
		Enumerate: staticUsers(1),
		Process: func(_ context.Context, _ uint) error {
			atomic.AddInt32(&processCalls, 1)
			startedOnce.Do(func() { close(started) })
			<-release
			return nil
		},
	}

	done := make(chan struct{})
	go func() {
		job.Run(context.Background())
		close(done)
	}()

	<-started

	// Second tick fires while the first still holds the job.
	if ran := job.Run(context.Background()); ran {
		t.Fatalf("overlapping tick must be skipped, not queued")
	}

	close(release)
	<-done

	if got := atomic.LoadInt32(&processCalls); got != 1 {
		t.Fatalf("expected exactly one processing pass, got %d", got)
	}

	// With the job free again the next tick runs normally.
	if ran := job.Run(context.Background()); !ran {
		t.Fatalf("expected the follow-up tick to run")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	var ticks int32

	job := &Job{
		Name:      "stop_loss",
		Interval:  5 * time.Millisecond,
		Enumerate: staticUsers(1),
		Process: func(_ context.Context, _ uint) error {
			atomic.AddInt32(&ticks, 1)
			return nil
		},
	}

	s := NewScheduler(job)
	s.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&ticks) == 0 {
		select {
		case <-deadline:
			t.Fatalf("no tick ran before the deadline")
		case <-time.After(time.Millisecond):
		}
	}

	s.Stop()

	after := atomic.LoadInt32(&ticks)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&ticks); got != after {
		t.Fatalf("ticks continued after Stop: %d -> %d", after, got)
	}
}
