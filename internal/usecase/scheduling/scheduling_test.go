package scheduling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"agora/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionEmbeddingBackfill, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(ScheduledTask{
		Name: "backfill", Schedule: "50ms", Action: ActionEmbeddingBackfill,
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)

	err := s.AddTask(ScheduledTask{
		Name: "unknown", Schedule: "100ms", Action: "does_not_exist",
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if domain.ErrorCodeOf(err) != domain.CodeActionNotFound {
		t.Errorf("code = %s, want %s", domain.ErrorCodeOf(err), domain.CodeActionNotFound)
	}
}

func TestSchedulerDuplicateTask(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionEmbeddingBackfill, func(context.Context) error { return nil })

	task := ScheduledTask{Name: "backfill", Schedule: "1h", Action: ActionEmbeddingBackfill}
	if err := s.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(task); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionEmbeddingBackfill, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(ScheduledTask{
		Name: "ctx-task", Schedule: "50ms", Action: ActionEmbeddingBackfill,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	countAfterCancel := count.Load()
	time.Sleep(100 * time.Millisecond)

	if count.Load() != countAfterCancel {
		t.Error("task continued after context cancellation")
	}
}

func TestSchedulerMultipleTasks(t *testing.T) {
	var backfillCount, otherCount atomic.Int32

	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionEmbeddingBackfill, func(ctx context.Context) error {
		backfillCount.Add(1)
		return nil
	})
	s.RegisterAction("sessions.report", func(ctx context.Context) error {
		otherCount.Add(1)
		return nil
	})

	s.AddTask(ScheduledTask{Name: "backfill", Schedule: "50ms", Action: ActionEmbeddingBackfill})
	s.AddTask(ScheduledTask{Name: "report", Schedule: "50ms", Action: "sessions.report"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if backfillCount.Load() < 1 {
		t.Error("backfill action never fired")
	}
	if otherCount.Load() < 1 {
		t.Error("report action never fired")
	}
}

func TestSchedulerActionError(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionEmbeddingBackfill, func(ctx context.Context) error {
		count.Add(1)
		return fmt.Errorf("embedder down")
	})
	s.AddTask(ScheduledTask{Name: "err-task", Schedule: "50ms", Action: ActionEmbeddingBackfill})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	// A failing run must not stop later runs.
	if count.Load() < 2 {
		t.Errorf("action fired %d times, expected repeated runs despite errors", count.Load())
	}
}

func TestSchedulerRunTimeout(t *testing.T) {
	deadlineHit := make(chan struct{}, 1)

	s := NewScheduler(newTestLogger(), 20*time.Millisecond)
	s.RegisterAction(ActionEmbeddingBackfill, func(ctx context.Context) error {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			select {
			case deadlineHit <- struct{}{}:
			default:
			}
		}
		return ctx.Err()
	})
	s.AddTask(ScheduledTask{Name: "slow", Schedule: "30ms", Action: ActionEmbeddingBackfill})

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-deadlineHit:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not bounded by the run timeout")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var running, overlaps atomic.Int32

	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionEmbeddingBackfill, func(ctx context.Context) error {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer running.Add(-1)
		time.Sleep(80 * time.Millisecond)
		return nil
	})
	s.AddTask(ScheduledTask{Name: "long", Schedule: "20ms", Action: ActionEmbeddingBackfill})

	s.Start(context.Background())
	time.Sleep(250 * time.Millisecond)
	s.Stop()

	if overlaps.Load() != 0 {
		t.Errorf("runs overlapped %d times", overlaps.Load())
	}
}

func TestSchedulerTasksNextRun(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionEmbeddingBackfill, func(context.Context) error { return nil })
	s.AddTask(ScheduledTask{Name: "b", Schedule: "1h", Action: ActionEmbeddingBackfill})
	s.AddTask(ScheduledTask{Name: "a", Schedule: "@daily", Action: ActionEmbeddingBackfill})

	s.Start(context.Background())
	defer s.Stop()
	time.Sleep(20 * time.Millisecond)

	tasks := s.Tasks()
	if len(tasks) != 2 || tasks[0].Name != "a" || tasks[1].Name != "b" {
		t.Fatalf("Tasks = %+v, want sorted a, b", tasks)
	}
	for _, task := range tasks {
		if task.NextRun.IsZero() || !task.NextRun.After(time.Now()) {
			t.Errorf("task %s NextRun = %v, want a future time", task.Name, task.NextRun)
		}
	}
}

func TestSchedulerDoubleStop(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	s.Start(context.Background())

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop without Start: %v", err)
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionEmbeddingBackfill, func(context.Context) error { return nil })

	err := s.AddTask(ScheduledTask{Name: "bad", Schedule: "every tuesday", Action: ActionEmbeddingBackfill})
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestParseSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		schedule string
		wantNext time.Time
		wantErr  bool
	}{
		{"cron", "*/5 * * * *", now.Add(5 * time.Minute), false},
		{"every descriptor", "@every 1h", now.Add(time.Hour), false},
		{"duration", "10m", now.Add(10 * time.Minute), false},
		{"sub-second duration", "250ms", now.Add(250 * time.Millisecond), false},
		{"invalid", "not-a-schedule", time.Time{}, true},
		{"empty", "", time.Time{}, true},
		{"negative", "-5m", time.Time{}, true},
		{"zero", "0s", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := ParseSchedule(tt.schedule)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) succeeded, want error", tt.schedule)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.schedule, err)
			}
			if got := sched.Next(now); !got.Equal(tt.wantNext) {
				t.Errorf("Next = %v, want %v", got, tt.wantNext)
			}
		})
	}
}
