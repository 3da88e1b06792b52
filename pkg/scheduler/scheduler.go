package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/debarshibasak/coordination/pkg/coordinator"
	"github.com/debarshibasak/coordination/pkg/executor"
	"github.com/debarshibasak/coordination/pkg/metrics"
	"github.com/debarshibasak/coordination/pkg/taskstore"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Registry is the task state machine the scheduler drives on behalf of this node.
type Registry interface {
	NodeID() string
	RetryPendingRegistrations(ctx context.Context) error
	TasksOwnedByThisNode(ctx context.Context, state taskstore.State) ([]string, error)
	TryClaim(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) (bool, error)
	Complete(ctx context.Context, name string) (bool, error)
	Task(ctx context.Context, name string) (taskstore.Task, error)
}

// Coordinator runs the coordinator's share of a tick. It does nothing on other nodes.
type Coordinator interface {
	Tick(ctx context.Context) (coordinator.Report, error)
}

// Executor runs claimed tasks.
type Executor interface {
	Has(task string) bool
	Execute(ctx context.Context, task string) (executor.Outcome, error)
}

// Config holds configuration for the Scheduler
type Config struct {
	Registry     Registry
	Coordinator  Coordinator
	Executor     Executor
	Interval     time.Duration
	StoreTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Scheduler ticks every interval: it runs the control loop, then claims and runs the
// tasks the coordinator destined to this node.
type Scheduler struct {
	registry     Registry
	coordinator  Coordinator
	executor     Executor
	interval     time.Duration
	storeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	loop   sync.WaitGroup
	jobs   sync.WaitGroup

	trigger chan struct{}

	tickMu  sync.Mutex
	mu      sync.Mutex
	running map[string]context.CancelFunc
	started bool
}

// New creates a Scheduler.
func New(config Config) (*Scheduler, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("task registry is required")
	}
	if config.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		registry:     config.Registry,
		coordinator:  config.Coordinator,
		executor:     config.Executor,
		interval:     config.Interval,
		storeTimeout: config.StoreTimeout,
		logger:       config.Logger.Named("scheduler").With(zap.String("node", config.Registry.NodeID())),
		metrics:      config.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		trigger:      make(chan struct{}, 1),
		running:      make(map[string]context.CancelFunc),
	}, nil
}

// Start begins ticking. The first tick runs immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.loop.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
}

// Stop ends ticking after the tick in progress, cancels the running tasks and waits for
// them to hand their claims back.
func (s *Scheduler) Stop() {
	s.cancel()
	s.loop.Wait()

	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	s.jobs.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger asks for a tick right after the current one instead of waiting for the
// interval. It never blocks; requests made while one is pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Running returns the tasks executing on this node, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Scheduler) tickLoop() {
	defer s.loop.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(s.ctx)
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// Tick runs one scheduling pass. Failures are logged and retried on the next tick. A
// started tick runs to the end even if ctx is cancelled, but no new task is claimed
// once the scheduler is stopping.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx = context.WithoutCancel(ctx)

	if err := s.registry.RetryPendingRegistrations(ctx); err != nil {
		s.logger.Warn("task registrations still pending", zap.Error(err))
	}

	if s.coordinator != nil {
		if report, err := s.coordinator.Tick(ctx); err != nil {
			s.logger.Warn("coordinator tick failed", zap.Error(err))
		} else if report.Stopped != nil {
			s.logger.Info("coordinator tick cut short", zap.Error(report.Stopped))
		}
	}

	if err := s.reconcileRunning(ctx); err != nil {
		s.logger.Warn("failed to reconcile running tasks", zap.Error(err))
		return
	}
	if err := s.claimDestined(ctx); err != nil {
		s.logger.Warn("failed to claim destined tasks", zap.Error(err))
	}
}

// reconcileRunning compares the RUNNING rows owned by this node with the tasks actually
// running here. Rows with no local run are left over from a previous process and are
// released; local runs whose row was taken away are cancelled.
func (s *Scheduler) reconcileRunning(ctx context.Context) error {
	owned, err := s.registry.TasksOwnedByThisNode(ctx, taskstore.StateRunning)
	if err != nil {
		return err
	}

	ownedSet := make(map[string]bool, len(owned))
	for _, name := range owned {
		ownedSet[name] = true
	}

	s.mu.Lock()
	var orphaned []string
	for _, name := range owned {
		if _, ok := s.running[name]; !ok {
			orphaned = append(orphaned, name)
		}
	}
	for name, cancel := range s.running {
		if !ownedSet[name] {
			s.logger.Warn("lost ownership of running task, cancelling it", zap.String("task", name))
			cancel()
		}
	}
	s.mu.Unlock()

	for _, name := range orphaned {
		released, err := s.registry.Release(ctx, name)
		if err != nil {
			return err
		}
		if released {
			s.logger.Info("released task with no local run", zap.String("task", name))
		}
	}
	return nil
}

func (s *Scheduler) claimDestined(ctx context.Context) error {
	destined, err := s.registry.TasksOwnedByThisNode(ctx, taskstore.StateNone)
	if err != nil {
		return err
	}

	for _, name := range destined {
		if s.ctx.Err() != nil {
			return nil
		}
		if !s.executor.Has(name) || s.isRunning(name) {
			continue
		}

		ok, err := s.registry.TryClaim(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			if task, err := s.registry.Task(ctx, name); err == nil {
				s.logger.Debug("claim lost",
					zap.String("task", name),
					zap.String("state", string(task.State)),
					zap.String("owner", task.Owner()))
			}
			continue
		}
		s.run(name)
	}
	return nil
}

func (s *Scheduler) isRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[name]
	return ok
}

func (s *Scheduler) run(name string) {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.running[name] = cancel
	s.mu.Unlock()

	s.metrics.IncInFlight()
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer cancel()

		logger := s.logger.With(zap.String("task", name))
		logger.Info("running task")

		outcome, err := s.executor.Execute(ctx, name)
		s.finish(name, outcome, err, logger)

		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
		s.metrics.DecInFlight()
	}()
}

// finish records the result of a run in the store. It uses a fresh context so claims are
// handed back even while the scheduler is stopping.
func (s *Scheduler) finish(name string, outcome executor.Outcome, runErr error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()

	var (
		ok     bool
		err    error
		result string
	)
	switch {
	case runErr != nil:
		result = "failed"
		logger.Warn("task run failed, releasing it", zap.Error(runErr))
		ok, err = s.registry.Release(ctx, name)
	case outcome == executor.Completed:
		result = outcome.String()
		ok, err = s.registry.Complete(ctx, name)
	default:
		result = outcome.String()
		ok, err = s.registry.Release(ctx, name)
	}
	s.metrics.RecordRun(result)

	if err != nil {
		// The claim stays until the coordinator sweeps this node or the next start releases it.
		logger.Error("failed to record task result", zap.String("result", result), zap.Error(err))
		return
	}
	if !ok {
		logger.Warn("task was taken away before its result was recorded", zap.String("result", result))
		return
	}
	logger.Info("task finished", zap.String("result", result))
}
