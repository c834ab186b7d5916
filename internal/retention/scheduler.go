// Package retention runs the background maintenance jobs: purging tombstoned
// secrets and re-sealing versions held by retired data keys.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/tokaysec/internal/metrics"
	"github.com/rendis/tokaysec/pkg/schema"
)

const defaultTick = 30 * time.Second

// SettingsStore persists the next run of each job so missed runs survive restarts.
type SettingsStore interface {
	GetSetting(ctx context.Context, name string) (string, error)
	SetSetting(ctx context.Context, name, value string) error
}

// JobFunc is one run of a job. The returned count is logged.
type JobFunc func(ctx context.Context) (int, error)

type job struct {
	name     string
	schedule cron.Schedule
	run      JobFunc
	next     time.Time
}

// Scheduler runs registered jobs on cron schedules. Jobs never overlap with
// themselves.
type Scheduler struct {
	settings SettingsStore
	parser   cron.Parser
	tick     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	jobs   []*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler. settings may be nil; tick <= 0 uses 30s.
func NewScheduler(settings SettingsStore, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		settings: settings,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tick:     tick,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job. spec is a five-field cron expression or a descriptor
// such as @hourly. A job whose persisted next run is in the past runs on the
// first tick.
func (s *Scheduler) Add(ctx context.Context, name, spec string, run JobFunc) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule %q for %s: %s", spec, name, err.Error()).WithCause(err)
	}
	j := &job{name: name, schedule: schedule, run: run, next: schedule.Next(s.now())}
	if s.settings != nil {
		if raw, err := s.settings.GetSetting(ctx, settingKey(name)); err == nil {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				j.next = t
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.name == name {
			return schema.NewErrorf(schema.ErrCodeConflict, "job %q already registered", name)
		}
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("retention scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels the loop and waits for a running tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	// The loop takes s.mu while advancing jobs, so wait without holding it.
	cancel()
	<-done
	s.logger.Info("retention scheduler stopped")
	return nil
}

// RunNow runs one job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	var found *job
	for _, j := range s.jobs {
		if j.name == name {
			found = j
		}
	}
	s.mu.Unlock()
	if found == nil {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "job %q is already running", name)
	}
	defer s.releaseJob(name)
	return s.execute(ctx, found)
}

// Next returns the next scheduled run of a job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.next, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue runs every job whose next run is not in the future.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if ctx.Err() != nil {
			return
		}
		if !s.tryAcquire(j.name) {
			continue
		}
		_, _ = s.execute(ctx, j)
		s.releaseJob(j.name)
		s.advance(ctx, j, now)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) (int, error) {
	start := time.Now()
	n, err := j.run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention job failed",
			slog.String("job", j.name), slog.Int("processed", n), slog.String("error", err.Error()))
	} else {
		s.logger.InfoContext(ctx, "retention job finished",
			slog.String("job", j.name), slog.Int("processed", n), slog.Duration("took", time.Since(start)))
	}
	metrics.ObserveRetentionRun(j.name, err)
	return n, err
}

func (s *Scheduler) advance(ctx context.Context, j *job, from time.Time) {
	next := j.schedule.Next(from)
	s.mu.Lock()
	j.next = next
	s.mu.Unlock()
	if s.settings == nil {
		return
	}
	if err := s.settings.SetSetting(context.WithoutCancel(ctx), settingKey(j.name), next.Format(time.RFC3339)); err != nil {
		s.logger.WarnContext(ctx, "failed to persist next run",
			slog.String("job", j.name), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

func settingKey(job string) string { return "retention." + job + ".next_run" }
