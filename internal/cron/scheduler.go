// Package cron runs the periodic maintenance jobs: the admin daily digest
// and the idempotency record purge.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/leadops/internal/notify"
)

const (
	DefaultDigestSpec = "0 8 * * *"
	DefaultPurgeSpec  = "@hourly"
)

// cronParser accepts standard 5-field expressions and @descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type DigestSender interface {
	SendDailySummary(ctx context.Context) (notify.Digest, error)
}

type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Config holds the scheduler's jobs. A nil job or an empty spec disables it.
type Config struct {
	Digest     DigestSender
	DigestSpec string
	Purger     Purger
	PurgeSpec  string
	Logger     *slog.Logger
}

type Scheduler struct {
	cron   *cronlib.Cron
	logger *slog.Logger
	jobs   map[string]cronlib.EntryID

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the job specs and registers the jobs. Nothing runs
// until Start.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(time.UTC)),
		logger: logger,
		jobs:   make(map[string]cronlib.EntryID),
		ctx:    context.Background(),
	}
	if cfg.Digest != nil && cfg.DigestSpec != "" {
		if err := s.add("daily_digest", cfg.DigestSpec, func(ctx context.Context) {
			d, err := cfg.Digest.SendDailySummary(ctx)
			if err != nil {
				s.logger.Error("cron: daily digest failed", "error", err)
				return
			}
			s.logger.Info("cron: daily digest sent", "total", d.Total, "critical", len(d.Critical))
		}); err != nil {
			return nil, err
		}
	}
	if cfg.Purger != nil && cfg.PurgeSpec != "" {
		if err := s.add("idempotency_purge", cfg.PurgeSpec, func(ctx context.Context) {
			n, err := cfg.Purger.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("cron: idempotency purge failed", "error", err)
				return
			}
			if n > 0 {
				s.logger.Info("cron: purged expired idempotency records", "count", n)
			}
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, job func(context.Context)) error {
	id, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.jobs[name] = id
	return nil
}

// Jobs lists the registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start runs the jobs in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// NextRunTime returns the first activation of cronExpr after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
