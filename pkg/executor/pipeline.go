package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/debarshibasak/coordination/pkg/boxcar"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Outcome tells the scheduler what to do with a task after a run.
type Outcome int

const (
	// Completed moves the task to COMPLETED.
	Completed Outcome = iota
	// Reschedule releases the task so it can be claimed again.
	Reschedule
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Reschedule:
		return "rescheduled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ErrUnknownJob is returned by Execute for a task no job is registered under.
var ErrUnknownJob = errors.New("no job registered for task")

// Job is the work behind one coordinated task. Each run sends Steps as one box; the
// task is done after Count runs, or never when Count is 0. Finished runs are counted
// across claims on the same node, so a task that was released and claimed again
// resumes where it stopped.
type Job struct {
	Name     string
	Steps    []boxcar.Request
	Interval time.Duration
	Count    int
}

// Pipeline holds the jobs this node knows how to run.
type Pipeline struct {
	mu       sync.RWMutex
	jobs     map[string]Job
	progress map[string]int
	logger   *zap.Logger
}

// NewPipeline creates a Pipeline with jobs registered.
func NewPipeline(logger *zap.Logger, jobs ...Job) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		jobs:     make(map[string]Job),
		progress: make(map[string]int),
		logger:   logger.Named("executor"),
	}
	for _, job := range jobs {
		if err := p.Register(job); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register adds job, replacing any job with the same name.
func (p *Pipeline) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(job.Steps) == 0 {
		return fmt.Errorf("job %s has no steps", job.Name)
	}
	if job.Count < 0 {
		return fmt.Errorf("job %s: count must not be negative, got %d", job.Name, job.Count)
	}
	if job.Interval < 0 {
		return fmt.Errorf("job %s: interval must not be negative, got %s", job.Name, job.Interval)
	}
	if job.Count == 0 && job.Interval == 0 {
		return fmt.Errorf("job %s runs until stopped and needs an interval", job.Name)
	}

	p.mu.Lock()
	p.jobs[job.Name] = job
	delete(p.progress, job.Name)
	p.mu.Unlock()
	return nil
}

// Names returns the registered job names in order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.jobs))
	for name := range p.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether a job is registered for task.
func (p *Pipeline) Has(task string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.jobs[task]
	return ok
}

// Execute runs the job for task until it has run Count times, a step fails or ctx is
// cancelled. Cancellation is not an error: the task is handed back with Reschedule.
func (p *Pipeline) Execute(ctx context.Context, task string) (Outcome, error) {
	p.mu.RLock()
	job, ok := p.jobs[task]
	done := p.progress[task]
	p.mu.RUnlock()
	if !ok {
		return Reschedule, fmt.Errorf("%s: %w", task, ErrUnknownJob)
	}

	logger := p.logger.With(zap.String("task", task))
	if done > 0 {
		logger.Info("resuming task", zap.Int("finished_runs", done))
	}
	for run := done + 1; job.Count == 0 || run <= job.Count; run++ {
		res, err := boxcar.New(job.Steps...).Execute(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("run interrupted", zap.Int("run", run))
				return Reschedule, nil
			}
			return Reschedule, fmt.Errorf("task %s run %d: %w", task, run, err)
		}
		if err := res.Drain(); err != nil {
			return Reschedule, fmt.Errorf("task %s run %d: drain result: %w", task, run, err)
		}
		logger.Debug("run finished", zap.Int("run", run))
		p.setProgress(task, run)

		if job.Count != 0 && run == job.Count {
			break
		}

		select {
		case <-ctx.Done():
			return Reschedule, nil
		case <-time.After(job.Interval):
		}
	}
	p.setProgress(task, 0)
	return Completed, nil
}

func (p *Pipeline) setProgress(task string, runs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if runs == 0 {
		delete(p.progress, task)
		return
	}
	p.progress[task] = runs
}
