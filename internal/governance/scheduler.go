package governance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cron "github.com/netresearch/go-cron"
)

var cronParser = cron.MustNewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// JobFunc is one scheduled run.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	fn       JobFunc
}

// Scheduler runs jobs on cron schedules. A job never overlaps itself: the
// next occurrence is computed after the previous run returns.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs []job
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, now: time.Now}
}

// Add registers a job. Specs are five-field cron expressions evaluated in
// UTC unless prefixed with CRON_TZ= or TZ=.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	full := spec
	if !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		full = "CRON_TZ=UTC " + spec
	}
	schedule, err := cronParser.Parse(full)
	if err != nil {
		return fmt.Errorf("parse cron spec %q for %s: %w", spec, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, spec: spec, schedule: schedule, fn: fn})
	return nil
}

// Next returns the next run time of every job after t, keyed by name.
func (s *Scheduler) Next(t time.Time) map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for _, j := range s.jobs {
		out[j.name] = j.schedule.Next(t)
	}
	return out
}

// Run starts every registered job and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	for {
		next := j.schedule.Next(s.now())
		if next.IsZero() {
			s.logger.Warn("cron schedule never fires", "job", j.name, "spec", j.spec)
			return
		}
		s.logger.Debug("job scheduled", "job", j.name, "next_run", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := j.fn(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", j.name, "error", err, "duration", time.Since(start))
			continue
		}
		s.logger.Info("scheduled job finished", "job", j.name, "duration", time.Since(start))
	}
}
