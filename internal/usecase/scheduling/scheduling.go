// Package scheduling runs named maintenance actions on cron or interval
// schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agora/internal/domain"
)

// ActionEmbeddingBackfill embeds knowledge entries stored without a vector.
const ActionEmbeddingBackfill = "embedding.backfill"

// DefaultRunTimeout bounds a single run of any action.
const DefaultRunTimeout = 5 * time.Minute

// ScheduledTask binds an action to a schedule.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   string
}

// TaskInfo describes a scheduled task for display.
type TaskInfo struct {
	Name    string
	Action  string
	NextRun time.Time
}

// Scheduler runs tasks on a recurring schedule using cron expressions or
// durations. A run that is still going when its next tick arrives is skipped.
type Scheduler struct {
	cron       *cron.Cron
	actions    map[string]func(ctx context.Context) error
	entries    map[string]taskEntry
	runTimeout time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

type taskEntry struct {
	id     cron.EntryID
	action string
}

// NewScheduler creates a scheduler. runTimeout <= 0 uses DefaultRunTimeout.
func NewScheduler(logger *slog.Logger, runTimeout time.Duration) *Scheduler {
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
		actions:    make(map[string]func(ctx context.Context) error),
		entries:    make(map[string]taskEntry),
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// RegisterAction registers a handler for a named action.
func (s *Scheduler) RegisterAction(action string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask adds a scheduled task. The schedule can be a cron expression or a duration string.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return domain.NewSubSystemError("scheduler", "Scheduler.AddTask", domain.ErrNotFound,
			fmt.Sprintf("unknown action %q for task %q", task.Action, task.Name))
	}
	if _, exists := s.entries[task.Name]; exists {
		return domain.NewSubSystemError("scheduler", "Scheduler.AddTask", domain.ErrDuplicate,
			fmt.Sprintf("task %q already scheduled", task.Name))
	}

	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(task.Name, fn) }))
	s.entries[task.Name] = taskEntry{id: id, action: task.Action}
	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", task.Action)
	return nil
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	// Read context under lock
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(taskCtx); err != nil {
		s.logger.Warn("scheduled task failed",
			"task", name,
			"error", err,
			"duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled task completed",
		"task", name,
		"duration", time.Since(start))
}

// Tasks lists scheduled tasks sorted by name. NextRun is zero until the
// scheduler has started.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, TaskInfo{Name: name, Action: e.action, NextRun: s.cron.Entry(e.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu to read the context, so wait without holding it.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule parses a cron expression (with optional descriptors such as
// "@hourly") or, failing that, a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	// Try cron expression first.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	// Fall back to duration.
	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
