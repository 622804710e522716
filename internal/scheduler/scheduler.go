// Package scheduler runs the periodic cycle jobs of the worker: refreshing the
// active cycle's cached totals and announcing when it becomes eligible for
// share-out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vsla/internal/core"
	"vsla/internal/log"

	"github.com/robfig/cron/v3"
)

// Cycles is the slice of the cycle service the jobs need.
type Cycles interface {
	Active(ctx context.Context) (core.Cycle, error)
	Aggregate(ctx context.Context, id int64) (core.Cycle, error)
	AnnounceEligibility(ctx context.Context) (bool, error)
}

type Config struct {
	RefreshSchedule     string
	EligibilitySchedule string
	JobTimeout          time.Duration
	Location            *time.Location
}

func DefaultConfig() Config {
	return Config{
		RefreshSchedule:     "*/15 * * * *",
		EligibilitySchedule: "0 7 * * *",
		JobTimeout:          time.Minute,
		Location:            time.Local,
	}
}

type Scheduler struct {
	engine  *cron.Cron
	cycles  Cycles
	logger  *log.Logger
	timeout time.Duration

	mu  sync.Mutex
	ctx context.Context
}

// New registers both jobs. It fails on a schedule the standard five field
// parser rejects, the same grammar config validation accepts.
func New(cycles Cycles, cfg Config, logger *log.Logger) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	cl := cronLogger{logger}
	s := &Scheduler{
		engine: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		cycles:  cycles,
		logger:  logger,
		timeout: cfg.JobTimeout,
		ctx:     context.Background(),
	}

	if _, err := s.engine.AddFunc(cfg.RefreshSchedule, s.job("refresh", s.RefreshActive)); err != nil {
		return nil, fmt.Errorf("add refresh job %q: %w", cfg.RefreshSchedule, err)
	}
	if _, err := s.engine.AddFunc(cfg.EligibilitySchedule, s.job("eligibility", s.AnnounceEligibility)); err != nil {
		return nil, fmt.Errorf("add eligibility job %q: %w", cfg.EligibilitySchedule, err)
	}
	return s, nil
}

// RefreshActive recomputes the totals of the active cycle, if any.
func (s *Scheduler) RefreshActive(ctx context.Context) error {
	c, err := s.cycles.Active(ctx)
	if errors.Is(err, core.ErrNotFound) {
		s.logger.DebugContext(ctx, "No active cycle to refresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load active cycle: %w", err)
	}
	out, err := s.cycles.Aggregate(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("aggregate cycle %d: %w", c.ID, err)
	}
	s.logger.InfoContext(ctx, "Cycle totals refreshed",
		log.FieldCycleID, out.ID,
		log.FieldOperation, log.OpAggregate,
		"share_fund", out.Totals.ShareFund.String())
	return nil
}

func (s *Scheduler) AnnounceEligibility(ctx context.Context) error {
	sent, err := s.cycles.AnnounceEligibility(ctx)
	if err != nil {
		return fmt.Errorf("announce eligibility: %w", err)
	}
	if sent {
		s.logger.InfoContext(ctx, "Share-out eligibility announced")
	}
	return nil
}

func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		s.mu.Lock()
		parent := s.ctx
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(parent, s.timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "Scheduled job failed",
				"job", name,
				log.FieldError, err)
			return
		}
		s.logger.DebugContext(ctx, "Scheduled job finished",
			"job", name,
			log.FieldDuration, time.Since(start).Milliseconds())
	}
}

// Run starts the engine and blocks until ctx is done, then waits for running
// jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.engine.Start()
	s.logger.InfoContext(ctx, "Scheduler started", log.FieldCount, len(s.engine.Entries()))

	<-ctx.Done()
	<-s.engine.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

// Next reports when each job fires next, keyed by entry order.
func (s *Scheduler) Next() []time.Time {
	entries := s.engine.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

// cronLogger routes the engine's own messages through slog.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, log.FieldError, err)...)
}
