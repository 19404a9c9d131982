package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRequiresExpressionAndJob(t *testing.T) {
	s := NewScheduler()
	if _, err := s.Schedule(JobConfig{}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for empty expression")
	}
	if _, err := s.Schedule(JobConfig{Expression: "@every 1s"}, nil); err == nil {
		t.Fatal("expected error for nil job")
	}
	if _, err := s.Schedule(JobConfig{Expression: "not a spec"}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestScheduleRunsAndCancels(t *testing.T) {
	s := NewScheduler()
	var count atomic.Int32

	handle, err := s.Schedule(JobConfig{Expression: "@every 1s"}, func(context.Context) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for handle.Runs() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one execution")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if count.Load() == 0 || handle.LastRun().IsZero() {
		t.Fatal("expected the finished run to be recorded")
	}
	if next := s.Next(handle); next.IsZero() {
		t.Fatal("expected a next activation while running")
	}

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancel to close done channel")
	}
	if status := handle.Status(); status != ScheduleStatusCanceled {
		t.Fatalf("expected canceled status, got %s", status)
	}
}

func TestScheduleReportsFailures(t *testing.T) {
	failures := make(chan error, 4)
	s := NewScheduler(WithErrorHandler(func(err error) {
		select {
		case failures <- err:
		default:
		}
	}))
	boom := errors.New("boom")
	handle, err := s.Schedule(JobConfig{Expression: "@every 1s"}, func(context.Context) error { return boom })
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	select {
	case got := <-failures:
		if !errors.Is(got, boom) {
			t.Fatalf("expected boom, got %v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected failure to be reported")
	}
	if !errors.Is(handle.Err(), boom) {
		t.Fatalf("expected handle error, got %v", handle.Err())
	}
}

func TestStopWaitsForInflightJob(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	var finished atomic.Bool

	_, err := s.Schedule(JobConfig{Expression: "@every 1s"}, func(ctx context.Context) error {
		select {
		case <-started:
		default:
			close(started)
		}
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !finished.Load() {
		t.Fatal("expected stop to wait for the in-flight job")
	}
}

func TestStopAbandonsJobWhenContextEnds(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	abandoned := make(chan struct{})

	_, err := s.Schedule(JobConfig{Expression: "@every 1s"}, func(ctx context.Context) error {
		select {
		case <-started:
			return nil
		default:
			close(started)
		}
		<-ctx.Done()
		close(abandoned)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	select {
	case <-abandoned:
	case <-time.After(time.Second):
		t.Fatal("expected job context to be canceled")
	}
}
