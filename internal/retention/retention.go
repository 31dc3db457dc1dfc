// Package retention deletes stored security events once they age past the
// configured window. Runs on a cron schedule inside the serve process.
package retention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner is the slice of storage.EventStore retention needs.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls when and how much is pruned.
type Config struct {
	Schedule string        // Cron spec or descriptor. Default: "@hourly"
	MaxAge   time.Duration // Events older than this are deleted. Default: 168h
	Timeout  time.Duration // Per-run deadline. Default: 1m
}

func (c Config) schedule() string {
	if c.Schedule != "" {
		return c.Schedule
	}
	return "@hourly"
}

func (c Config) maxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return 168 * time.Hour
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return time.Minute
}

// Scheduler runs PruneNow on a cron schedule.
type Scheduler struct {
	store   Pruner
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Scheduler. metrics and logger may be nil.
func New(store Pruner, cfg Config, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// ParseSchedule validates a standard five-field cron spec or descriptor
// ("@hourly", "@every 30m").
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return s, nil
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Start schedules pruning. Runs never overlap; a run still in progress when
// the next one is due is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := ParseSchedule(s.cfg.schedule())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("retention scheduler already started")
	}
	clog := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.PruneNow(ctx); err != nil {
			s.logger.Error("retention run failed", slog.Any("error", err))
		}
	}))
	c.Start()
	s.cron = c

	s.logger.Info("retention scheduler started",
		slog.String("schedule", s.cfg.schedule()),
		slog.Duration("max_age", s.cfg.maxAge()),
	)
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("retention scheduler stopped")
}

// PruneNow deletes events older than MaxAge and returns the count removed.
func (s *Scheduler) PruneNow(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout())
	defer cancel()

	start := time.Now()
	cutoff := s.now().Add(-s.cfg.maxAge())
	n, err := s.store.PruneBefore(ctx, cutoff)

	if s.metrics != nil {
		s.metrics.Runs.Inc()
		s.metrics.RunDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.Failures.Inc()
		} else {
			s.metrics.EventsPruned.Add(float64(n))
			s.metrics.LastSuccessTS.SetToCurrentTime()
		}
	}
	if err != nil {
		return 0, fmt.Errorf("pruning events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		s.logger.Info("pruned security events",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
