package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/metrics"
)

// Job is a unit of periodic work. A returned error is logged and counted as a
// failure; the job keeps running on its interval.
type Job func(ctx context.Context) error

// JobStats is a snapshot of a registered job's counters
type JobStats struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Executions int64         `json:"executions"`
	Failures   int64         `json:"failures"`
	Skipped    int64         `json:"skipped"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// Scheduler runs named jobs on fixed intervals. Each job runs once right
// after registration and then on every tick. A job never overlaps itself.
type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*registeredJob
	started bool
	stopped bool
}

// NewScheduler creates a scheduler. Registered jobs only tick after Start.
func NewScheduler(logger *zap.Logger) *Scheduler {
	logger = logger.Named("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithLogger(&cronLogger{logger: logger.Named("cron")})),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*registeredJob),
	}
}

// Register adds a job and runs it immediately in the background
func (s *Scheduler) Register(name string, interval time.Duration, fn Job) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	j := &registeredJob{
		scheduler: s,
		name:      name,
		interval:  interval,
		fn:        fn,
	}
	cl := &cronLogger{logger: s.logger.Named(name)}
	wrapped := cron.NewChain(cron.Recover(cl), skipIfStillRunning(j)).Then(j)

	j.entryID = s.cron.Schedule(cron.Every(interval), wrapped)
	s.jobs[name] = j

	s.logger.Info("Registered job",
		zap.String("job", name),
		zap.Duration("interval", interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wrapped.Run()
	}()
	return nil
}

// Start begins ticking registered jobs
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs, waits for them to return and removes every job
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()

	s.mu.Lock()
	for name, j := range s.jobs {
		s.cron.Remove(j.entryID)
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	s.logger.Info("Scheduler stopped")
}

// Stats returns the counters of the named job
func (s *Scheduler) Stats(name string) (JobStats, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return JobStats{}, false
	}
	return j.stats(), true
}

// AllStats returns the counters of every job ordered by name
func (s *Scheduler) AllStats() []JobStats {
	s.mu.Lock()
	jobs := make([]*registeredJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	stats := make([]JobStats, 0, len(jobs))
	for _, j := range jobs {
		stats = append(stats, j.stats())
	}
	sort.Slice(stats, func(a, b int) bool { return stats[a].Name < stats[b].Name })
	return stats
}

type registeredJob struct {
	scheduler *Scheduler
	name      string
	interval  time.Duration
	fn        Job
	entryID   cron.EntryID

	mu         sync.Mutex
	executions int64
	failures   int64
	skipped    int64
	lastRun    *time.Time
	lastError  string
}

// Run implements cron.Job
func (j *registeredJob) Run() {
	logger := j.scheduler.logger
	ctx := j.scheduler.ctx
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := j.invoke(ctx)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.executions++
	j.lastRun = &start
	if err != nil {
		j.failures++
		j.lastError = err.Error()
	} else {
		j.lastError = ""
	}
	j.mu.Unlock()

	metrics.JobExecutions.WithLabelValues(j.name).Inc()
	if err != nil {
		metrics.JobFailures.WithLabelValues(j.name).Inc()
		logger.Error("Job failed",
			zap.String("job", j.name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}
	logger.Debug("Job completed",
		zap.String("job", j.name),
		zap.Duration("elapsed", elapsed))
}

// invoke runs the job function, turning a panic into an error
func (j *registeredJob) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.fn(ctx)
}

func (j *registeredJob) stats() JobStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	return JobStats{
		Name:       j.name,
		Interval:   j.interval,
		Executions: j.executions,
		Failures:   j.failures,
		Skipped:    j.skipped,
		LastRun:    j.lastRun,
		LastError:  j.lastError,
	}
}

func (j *registeredJob) skip() {
	j.mu.Lock()
	j.skipped++
	j.mu.Unlock()

	j.scheduler.logger.Warn("Job still running, skipping tick", zap.String("job", j.name))
}

// skipIfStillRunning drops a tick while the previous run is in progress and
// counts it on the job
func skipIfStillRunning(j *registeredJob) cron.JobWrapper {
	return func(next cron.Job) cron.Job {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		return cron.FuncJob(func() {
			select {
			case v := <-ch:
				defer func() { ch <- v }()
				next.Run()
			default:
				j.skip()
			}
		})
	}
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out = append(out, zap.Any(key, keysAndValues[i+1]))
	}
	return out
}
