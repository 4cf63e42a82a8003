package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/logging"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// ErrJobRunning is returned by RunNow while the job is already running
var ErrJobRunning = errors.New("job is already running")

// Job is a periodic background task
type Job interface {
	Run(ctx context.Context) error
}

// JobScheduler runs registered jobs on gocron. Each job runs in singleton
// mode: a run that is still going when the next tick arrives makes the
// scheduler skip that tick instead of overlapping. Manual runs through RunNow
// honour the same rule.
type JobScheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]*scheduledJob
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	running   bool
	log       *logrus.Entry
}

type scheduledJob struct {
	job      Job
	schedule config.Schedule
	handle   gocron.Job
	active   atomic.Bool
	lastErr  error
	lastRun  time.Time
	runs     int
}

// NewJobScheduler creates a new job scheduler in UTC
func NewJobScheduler() (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		scheduler: scheduler,
		jobs:      make(map[string]*scheduledJob),
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.Component("scheduler"),
	}, nil
}

// Register adds a job that runs on schedule
func (s *JobScheduler) Register(name string, job Job, schedule config.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var definition gocron.JobDefinition
	if schedule.Cron != "" {
		definition = gocron.CronJob(schedule.Cron, false)
	} else {
		definition = gocron.DurationJob(schedule.Every)
	}

	entry := &scheduledJob{job: job, schedule: schedule}
	handle, err := s.scheduler.NewJob(
		definition,
		gocron.NewTask(func() {
			if err := s.runJob(name, entry); errors.Is(err, ErrJobRunning) {
				s.log.WithField("job", name).Debug("[SCHEDULER] Skipping tick, manual run in progress")
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}
	entry.handle = handle
	s.jobs[name] = entry

	s.log.WithFields(logrus.Fields{"job": name, "every": schedule.Every, "cron": schedule.Cron}).Info("[SCHEDULER] Registered job")
	return nil
}

// Start begins running all registered jobs
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.scheduler.Start()
	s.log.WithField("jobs", len(s.jobs)).Info("[SCHEDULER] Started job scheduler")
}

// runJob runs entry once unless it is already running, and returns this
// run's own error
func (s *JobScheduler) runJob(name string, entry *scheduledJob) error {
	if !entry.active.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	defer entry.active.Store(false)

	log := s.log.WithField("job", name)
	startTime := time.Now()

	err := entry.job.Run(s.ctx)

	s.mu.Lock()
	entry.lastRun = startTime
	entry.lastErr = err
	entry.runs++
	s.mu.Unlock()

	if err != nil {
		log.WithError(err).Error("[SCHEDULER] Job failed")
		return err
	}
	log.WithField("duration", time.Since(startTime)).Debug("[SCHEDULER] Job completed")
	return nil
}

// Stop cancels running jobs and waits for them to return
func (s *JobScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("[SCHEDULER] Stopping job scheduler...")
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.log.Info("[SCHEDULER] Job scheduler stopped")
	return nil
}

// RunNow runs a job immediately, outside its schedule, and returns its error.
// ErrJobRunning if a scheduled or manual run of the job is in progress.
func (s *JobScheduler) RunNow(name string) error {
	s.mu.Lock()
	entry, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %q not found", name)
	}

	s.log.WithField("job", name).Info("[SCHEDULER] Running job immediately")
	return s.runJob(name, entry)
}

// JobStatus represents the status of a job
type JobStatus struct {
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	NextRunTime time.Time `json:"next_run_time"`
	LastRunTime time.Time `json:"last_run_time,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Runs        int       `json:"runs"`
}

// GetStatus returns the status of all jobs
func (s *JobScheduler) GetStatus() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]JobStatus, len(s.jobs))
	for name, entry := range s.jobs {
		st := JobStatus{
			Name:        name,
			LastRunTime: entry.lastRun,
			Runs:        entry.runs,
		}
		if entry.schedule.Cron != "" {
			st.Schedule = entry.schedule.Cron
		} else {
			st.Schedule = entry.schedule.Every.String()
		}
		if next, err := entry.handle.NextRun(); err == nil {
			st.NextRunTime = next
		}
		if entry.lastErr != nil {
			st.LastError = entry.lastErr.Error()
		}
		status[name] = st
	}
	return status
}
