// Package jobs runs the periodic maintenance routines that move streams
// through their lifecycle.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vidfriends/livesched/internal/logging"
)

var (
	// ErrUnknownJob is returned by RunNow for a name that was never registered.
	ErrUnknownJob = errors.New("unknown job")
	// ErrDuplicateJob is returned when a name is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
)

// DefaultRunTimeout bounds a single job run when no timeout is configured.
const DefaultRunTimeout = 2 * time.Minute

// Func performs one run of a job. now is the instant the run started.
type Func func(ctx context.Context, now time.Time) (Report, error)

// Job pairs a routine with the period it runs at.
type Job struct {
	Name   string
	Period time.Duration
	Run    Func
}

// Report summarises a job run.
type Report struct {
	Job        string `json:"job"`
	Candidates int    `json:"candidates"`
	Succeeded  int    `json:"succeeded"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

// Recorder receives job metrics.
type Recorder interface {
	ObserveJobRun(job string, err error, elapsed time.Duration)
	AddJobOutcomes(job string, succeeded, skipped, failed int)
}

// Scheduler triggers registered jobs on their periods. Runs of the same job
// never overlap; a tick that arrives while the previous run is busy is skipped.
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	jobs     map[string]Job
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
	clock    func() time.Time
	started  bool
	cancel   context.CancelFunc
	entryIDs map[string]cron.EntryID
}

// NewScheduler constructs a scheduler. recorder and logger may be nil.
func NewScheduler(timeout time.Duration, recorder Recorder, logger *slog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cronLogAdapter{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		jobs:     make(map[string]Job),
		entryIDs: make(map[string]cron.EntryID),
		timeout:  timeout,
		recorder: recorder,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return errors.New("register job: name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("register job %s: run func is required", job.Name)
	}
	if job.Period <= 0 {
		return fmt.Errorf("register job %s: period must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("register job %s: scheduler already started", job.Name)
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("register job %s: %w", job.Name, ErrDuplicateJob)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names in lexical order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start schedules every registered job and begins ticking. Runs derive from
// ctx and are cancelled when it is done or Stop is called. A stopped
// scheduler may be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.entryIDs[job.Name] = s.cron.Schedule(cron.Every(job.Period), cron.FuncJob(func() {
			_, _ = s.run(runCtx, job)
		}))
		s.logger.Info("job scheduled", slog.String("job", job.Name), slog.Duration("period", job.Period))
	}

	s.cancel = cancel
	s.started = true
	s.cron.Start()
	return nil
}

// Stop halts ticking and waits for in-flight runs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	for name, id := range s.entryIDs {
		s.cron.Remove(id)
		delete(s.entryIDs, name)
	}
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()

	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// RunNow executes a job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Report, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Report{}, fmt.Errorf("run job %s: %w", name, ErrUnknownJob)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx = logging.WithLogger(ctx, s.logger)
	ctx = logging.WithJob(ctx, job.Name)
	ctx, span := logging.StartSpan(ctx, "job."+job.Name, slog.String("job", job.Name))
	defer span.End()
	logger := logging.FromContext(ctx)

	start := time.Now()
	report, err := job.Run(ctx, s.clock())
	elapsed := time.Since(start)
	report.Job = job.Name

	if s.recorder != nil {
		s.recorder.ObserveJobRun(job.Name, err, elapsed)
		s.recorder.AddJobOutcomes(job.Name, report.Succeeded, report.Skipped, report.Failed)
	}

	attrs := []any{
		slog.Int("candidates", report.Candidates),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", elapsed),
	}
	if err != nil {
		span.Fail(err)
		logger.Error("job failed", append(attrs, slog.Any("error", err))...)
		return report, fmt.Errorf("run job %s: %w", job.Name, err)
	}
	logger.Info("job completed", attrs...)
	return report, nil
}

// cronLogAdapter routes cron's key/value logging into slog.
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
