// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the callback invoked when a job fires. The context is
// cancelled when the scheduler stops.
type JobFunc func(ctx context.Context) error

// Job is one named periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      JobFunc
}

// JobStatus is the last outcome of a job.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
	Next     time.Time `json:"next,omitzero"`
}

// Scheduler runs background maintenance jobs inside the server process.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	status  map[string]*JobStatus
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like
// "@every 30s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

// New creates a Scheduler. A job still running when its next tick arrives
// is skipped for that tick.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		status:  make(map[string]*JobStatus),
	}
}

// Add registers job. Names are unique; adding a name again replaces the
// earlier job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[job.Name]; ok {
		s.cron.Remove(id)
	}

	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() { s.fire(name, job.Run) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	s.entries[name] = id
	s.status[name] = &JobStatus{Name: name, Schedule: job.Schedule}
	s.logger.Info("scheduled job", "name", name, "schedule", job.Schedule)
	return nil
}

func (s *Scheduler) fire(name string, run JobFunc) {
	start := time.Now()
	err := run(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		return
	}
	st.Runs++
	st.LastRun = start
	if err != nil {
		st.Failures++
		st.LastErr = err.Error()
		s.logger.Warn("job failed", "name", name, "duration", time.Since(start), "error", err)
		return
	}
	st.LastErr = ""
	s.logger.Debug("job done", "name", name, "duration", time.Since(start))
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the ticker, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Status returns every job's last outcome, in no particular order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.status))
	for name, st := range s.status {
		cp := *st
		if id, ok := s.entries[name]; ok {
			cp.Next = s.cron.Entry(id).Next
		}
		out = append(out, cp)
	}
	return out
}
