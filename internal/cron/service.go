package cron

import (
	"context"
	"fmt"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Job is a named function run on a cron schedule (six-field, with seconds).
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Service runs the periodic background jobs: FAQ regeneration and stats
// reporting. Jobs are fixed at startup.
type Service struct {
	cron   *rcron.Cron
	jobs   []Job
	cancel context.CancelFunc
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) AddJob(job Job) {
	s.jobs = append(s.jobs, job)
}

func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New(rcron.WithSeconds())

	for _, job := range s.jobs {
		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() {
			log.Printf("[cron] running %s", job.Name)
			if err := job.Run(ctx); err != nil {
				log.Printf("[cron] %s failed: %v", job.Name, err)
			}
		})
		if err != nil {
			return fmt.Errorf("register job %s (%s): %w", job.Name, job.Schedule, err)
		}
	}

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", len(s.jobs))
	return nil
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}
