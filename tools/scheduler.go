package tools

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/helmsbot/helmsbot/tools/log"
)

// Job is a named unit of background work.
type Job interface {
	Run() error
	Name() string
}

// JobFunc adapts a plain function into a Job.
type JobFunc struct {
	Label string
	Fn    func() error
}

func (j JobFunc) Run() error  { return j.Fn() }
func (j JobFunc) Name() string { return j.Label }

// Scheduler runs registered jobs on cron schedules. Job failures are
// logged, never fatal; the schedule keeps firing.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates an idle scheduler with second-level resolution.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds())}
}

// AddJob registers a job on a cron schedule, for example "@every 30s" or
// "0 */5 * * * *".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := job.Run(); err != nil {
			log.WithError(err).Errorf("scheduler: job %s failed", job.Name())
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: cannot register %s: %w", job.Name(), err)
	}

	log.WithFields(log.Fields{
		"job":      job.Name(),
		"schedule": schedule,
	}).Info("scheduler: job registered")
	return nil
}

// Every registers a job at a fixed interval.
func (s *Scheduler) Every(interval time.Duration, job Job) error {
	return s.AddJob(fmt.Sprintf("@every %s", interval), job)
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	return job.Run()
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
