package ingest

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

const (
	defaultRefreshEvery = 6 * time.Hour

	// Open-Meteo finalizes the previous day early UTC morning, so the
	// daily retrain runs after that.
	defaultDailyAt = "04:30"
)

// Scheduler keeps observations fresh on an interval and kicks off the
// daily retrain pipeline once a day.
type Scheduler struct {
	sched   *gocron.Scheduler
	service *Service
	daily   func() error
	dailyAt string
	every   time.Duration
}

// NewScheduler wires the refresh service and an optional daily job.
// Pass nil for daily to schedule refreshes only.
func NewScheduler(service *Service, daily func() error) *Scheduler {
	return &Scheduler{
		sched:   gocron.NewScheduler(time.UTC),
		service: service,
		daily:   daily,
		dailyAt: defaultDailyAt,
		every:   defaultRefreshEvery,
	}
}

// Run registers the jobs and blocks until ctx is cancelled. The first
// refresh fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	_, err := s.sched.Every(s.every).StartImmediately().Do(func() {
		if err := s.service.RefreshAll(ctx); err != nil {
			log.Printf("scheduler: refresh: %v", err)
		}
	})
	if err != nil {
		return err
	}

	if s.daily != nil {
		_, err := s.sched.Every(1).Day().At(s.dailyAt).Do(func() {
			if err := s.daily(); err != nil {
				log.Printf("scheduler: daily pipeline: %v", err)
			}
		})
		if err != nil {
			return err
		}
	}

	s.sched.StartAsync()
	<-ctx.Done()

	log.Println("scheduler: shutting down")
	s.sched.Stop()
	return nil
}
