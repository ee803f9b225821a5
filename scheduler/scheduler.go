// Package scheduler runs the periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"category-engine/catalog"
	"category-engine/coordinator"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Jobs is implemented by catalog.Service.
type Jobs interface {
	Optimize(ctx context.Context) (*catalog.OptimizeSummary, error)
	Rebuild(ctx context.Context) (*coordinator.RebuildSummary, error)
}

// Options holds cron expressions with a leading seconds field. An empty
// expression disables the job.
type Options struct {
	Optimize string
	Rebuild  string
	Timeout  time.Duration
}

type Scheduler struct {
	jobs Jobs
	opts Options

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(jobs Jobs, opts Options) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}

	return &Scheduler{jobs: jobs, opts: opts}
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Start registers the configured jobs and starts the cron loop. A job still
// running when its next slot comes up is skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	logger := cronLogger{logger: log.With().Str("component", "scheduler").Logger()}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"optimize", s.opts.Optimize, s.runOptimize},
		{"rebuild", s.opts.Rebuild, s.runRebuild},
	}
	for _, j := range jobs {
		if j.spec == "" {
			log.Info().Str("job", j.name).Msg("Scheduled job disabled")

			continue
		}

		if _, err := c.AddFunc(j.spec, func() { s.run(ctx, j.name, j.run) }); err != nil {
			cancel()

			return fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
		log.Info().Str("job", j.name).Str("schedule", j.spec).Msg("Scheduled job registered")
	}

	s.cron, s.ctx, s.cancel = c, ctx, cancel
	c.Start()

	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	log.Info().Msg("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, name string, job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	log.Info().Str("job", name).Msg("Scheduled job started")

	if err := job(ctx); err != nil {
		log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job failed")

		return
	}

	log.Info().Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job finished")
}

func (s *Scheduler) runOptimize(ctx context.Context) error {
	_, err := s.jobs.Optimize(ctx)

	return err
}

func (s *Scheduler) runRebuild(ctx context.Context) error {
	summary, err := s.jobs.Rebuild(ctx)
	if err != nil {
		return err
	}

	for _, k := range summary.Kinds {
		log.Info().
			Str("kind", string(k.Kind)).
			Int64("before", k.CategoriesBefore).
			Int64("after", k.CategoriesAfter).
			Int("skipped", len(k.Skipped)).
			Msg("Scheduled rebuild result")
	}

	return nil
}
