// Package scheduler runs reconciliation tasks on an interval. Each task runs
// under a lease named after it, so two processes sharing a lease backend
// never run the same task at once, while different tasks run in parallel on
// a bounded worker pool.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"gorollout/lease"
	"gorollout/metrics"
)

// ErrUnknownTask is returned when triggering a task that was never registered.
var ErrUnknownTask = errors.New("unknown task")

// Task is one unit of scheduled work.
type Task interface {
	Name() string
	// Run performs the work and returns a one-line summary.
	Run(ctx context.Context) (string, error)
}

// Status is the last known state of a task.
type Status struct {
	Name       string    `json:"name"`
	Runs       int       `json:"runs"`
	Skipped    int       `json:"skipped"`
	Failures   int       `json:"failures"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Scheduler owns a fixed set of tasks.
type Scheduler struct {
	tasks    []Task
	byName   map[string]Task
	locker   lease.Locker
	interval time.Duration
	leaseTTL time.Duration
	workers  int
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	statuses map[string]*Status
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the time between rounds.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithLeaseTTL bounds how long a crashed holder blocks a task.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.leaseTTL = d }
}

// WithWorkers caps the number of tasks running at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithMetrics records lease contention.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New returns a scheduler for tasks. Task names must be unique.
func New(locker lease.Locker, tasks []Task, opts ...Option) (*Scheduler, error) {
	if locker == nil {
		return nil, errors.New("scheduler: requires a locker")
	}
	s := &Scheduler{
		byName:   make(map[string]Task, len(tasks)),
		locker:   locker,
		interval: 5 * time.Minute,
		leaseTTL: 10 * time.Minute,
		workers:  4,
		now:      func() time.Time { return time.Now().UTC() },
		statuses: make(map[string]*Status, len(tasks)),
	}
	for _, t := range tasks {
		if _, dup := s.byName[t.Name()]; dup {
			return nil, errors.Errorf("scheduler: duplicate task %q", t.Name())
		}
		s.tasks = append(s.tasks, t)
		s.byName[t.Name()] = t
		s.statuses[t.Name()] = &Status{Name: t.Name()}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s, nil
}

// Run executes a round immediately and then one per interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"tasks":    len(s.tasks),
		"interval": s.interval.String(),
		"workers":  s.workers,
	}).Info("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs every task once and waits for all of them. Task failures are
// recorded in their status, not returned; one collection failing must not
// hold back the others. The only error is ctx's.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.run(ctx, t)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

// Trigger runs the named task now, outside the round, and returns its result.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	t, ok := s.byName[name]
	if !ok {
		return "", errors.Wrap(ErrUnknownTask, name)
	}
	return s.run(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t Task) (string, error) {
	logger := log.WithField("task", t.Name())

	release, err := s.locker.Acquire(ctx, t.Name(), s.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		logger.Info("lease held elsewhere, skipping")
		s.metrics.LeaseContention(t.Name())
		s.update(t.Name(), func(st *Status) { st.Skipped++ })
		return "", err
	}
	if err != nil {
		logger.WithError(err).Error("failed to acquire lease")
		s.update(t.Name(), func(st *Status) {
			st.Failures++
			st.LastError = err.Error()
		})
		return "", err
	}
	defer release()

	start := s.now()
	result, err := t.Run(ctx)
	s.update(t.Name(), func(st *Status) {
		st.Runs++
		st.LastRun = start
		st.LastResult = result
		st.LastError = ""
		if err != nil {
			st.Failures++
			st.LastError = err.Error()
		}
	})
	if err != nil {
		logger.WithError(err).Error("task failed")
		return "", err
	}
	logger.WithField("result", result).Debug("task finished")
	return result, nil
}

func (s *Scheduler) update(name string, fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.statuses[name])
}

// Statuses returns a snapshot of every task's status ordered by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns the named task's status.
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}
