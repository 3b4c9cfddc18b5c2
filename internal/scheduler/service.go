package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shipnote/shipnote-bot/internal/config"
	"github.com/shipnote/shipnote-bot/internal/ingestion"
	"github.com/shipnote/shipnote-bot/internal/publisher"
	"github.com/sirupsen/logrus"
)

// Jobs is the work the scheduler triggers
type Jobs interface {
	RunPublish(ctx context.Context) (publisher.Summary, error)
	RunSync(ctx context.Context) (ingestion.Result, error)
	RunDrafting(ctx context.Context) (int, error)
	RunAnalytics(ctx context.Context) (int, error)
	SendDigest(ctx context.Context) error
}

type job struct {
	name     string
	schedule string
	timeout  time.Duration
	run      func(ctx context.Context) error
}

// Service handles scheduling of pipeline jobs
type Service struct {
	config *config.Config
	jobs   Jobs
	cron   *cron.Cron
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, jobs Jobs, log logrus.FieldLogger) *Service {
	log = log.WithField("component", "scheduler")
	logger := cron.PrintfLogger(log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config: cfg,
		jobs:   jobs,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(cfg.Location()),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) schedule() []job {
	return []job{
		{"publish", s.config.PublishSchedule, 5 * time.Minute, func(ctx context.Context) error {
			summary, err := s.jobs.RunPublish(ctx)
			if summary.Posted+summary.Failed > 0 {
				s.log.WithFields(logrus.Fields{
					"posted":   summary.Posted,
					"failed":   summary.Failed,
					"deferred": summary.Deferred,
				}).Info("Publish run completed")
			}
			return err
		}},
		{"sync", s.config.SyncSchedule, 10 * time.Minute, func(ctx context.Context) error {
			_, err := s.jobs.RunSync(ctx)
			return err
		}},
		{"draft", s.config.DraftSchedule, 10 * time.Minute, func(ctx context.Context) error {
			_, err := s.jobs.RunDrafting(ctx)
			return err
		}},
		{"analytics", s.config.AnalyticsSchedule, 5 * time.Minute, func(ctx context.Context) error {
			_, err := s.jobs.RunAnalytics(ctx)
			return err
		}},
		{"digest", s.config.DigestSchedule, 5 * time.Minute, s.jobs.SendDigest},
	}
}

// Start registers every job and begins the schedule
func (s *Service) Start() error {
	for _, j := range s.schedule() {
		if j.schedule == "" {
			s.log.Infof("No schedule for %s job, skipping", j.name)
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, s.wrap(j)); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", j.name, j.schedule, err)
		}
	}

	s.cron.Start()
	s.log.Infof("Scheduler started with %d jobs", len(s.cron.Entries()))
	return nil
}

func (s *Service) wrap(j job) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, j.timeout)
		defer cancel()

		log := s.log.WithField("job", j.name)
		log.Debug("Starting scheduled job")
		if err := j.run(ctx); err != nil {
			log.Errorf("Scheduled job failed: %v", err)
		}
	}
}

// Stop cancels running jobs and waits for them to return
func (s *Service) Stop() {
	if s.cron != nil {
		s.cancel()
		<-s.cron.Stop().Done()
		s.log.Info("Scheduler stopped")
	}
}
