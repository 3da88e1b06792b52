package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/debarshibasak/coordination/pkg/metrics"
	"github.com/debarshibasak/coordination/pkg/taskstore"
	"go.uber.org/zap"
)

// ErrNotCoordinator is reported in a Report when coordinator status was lost mid-tick.
var ErrNotCoordinator = errors.New("this node is no longer the coordinator")

// Membership is the view of the group the control loop needs.
type Membership interface {
	IsCoordinator() bool
	LiveNodes() []string
	Refresh(ctx context.Context) error
	PruneDeadNodes(ctx context.Context) ([]string, error)
}

// TaskStore is the subset of the coordination store the control loop writes.
type TaskStore interface {
	ListUnassignedIncompleteTasks(ctx context.Context) ([]taskstore.Task, error)
	ListAssignedIncompleteTasks(ctx context.Context) ([]taskstore.Task, error)
	AssignNode(ctx context.Context, name, nodeID string) (bool, error)
	ClearAssignmentsForNode(ctx context.Context, nodeID string) (int64, error)
}

// Report summarises one tick.
type Report struct {
	Skipped  bool              // not coordinator, nothing done
	Removed  []string          // nodes declared dead
	Swept    int64             // rows reset by the audit
	Assigned map[string]string // task -> node
	Stopped  error             // set when coordinator status was lost part way
}

// ControlLoop is the coordinator's task assignment step.
type ControlLoop struct {
	membership Membership
	store      TaskStore
	assigner   Assigner
	auditEvery int
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	ticks int
}

// Config holds configuration for the ControlLoop
type Config struct {
	Membership Membership
	Store      TaskStore
	Assigner   Assigner
	// AuditEvery runs the assigned-task audit on every n-th tick, starting with the first.
	AuditEvery int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// New creates a ControlLoop.
func New(config Config) (*ControlLoop, error) {
	if config.Membership == nil {
		return nil, fmt.Errorf("membership is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if config.Assigner == nil {
		config.Assigner = &RoundRobin{}
	}
	if config.AuditEvery <= 0 {
		config.AuditEvery = 10
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &ControlLoop{
		membership: config.Membership,
		store:      config.Store,
		assigner:   config.Assigner,
		auditEvery: config.AuditEvery,
		logger:     config.Logger.Named("coordinator"),
		metrics:    config.Metrics,
	}, nil
}

// Tick runs one pass of the control loop if this node is the coordinator. Cancelling ctx
// does not interrupt a tick that has started; each store call is still bounded by the
// store timeout. Any store error aborts the tick and is returned; the next tick retries.
func (c *ControlLoop) Tick(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	defer func() { c.metrics.ObserveTick(time.Since(started).Seconds()) }()

	if err := c.membership.Refresh(ctx); err != nil {
		return Report{}, fmt.Errorf("refresh membership: %w", err)
	}
	if !c.membership.IsCoordinator() {
		return Report{Skipped: true}, nil
	}

	report := Report{Assigned: make(map[string]string)}

	removed, err := c.membership.PruneDeadNodes(ctx)
	report.Removed = removed
	if err != nil {
		return report, fmt.Errorf("prune dead nodes: %w", err)
	}
	// The audit and the assignments use the membership the prune left behind, not the
	// one from the start of the tick.
	if err := c.membership.Refresh(ctx); err != nil {
		return report, fmt.Errorf("refresh membership: %w", err)
	}

	audit := c.ticks%c.auditEvery == 0
	c.ticks++

	if !c.membership.IsCoordinator() {
		report.Stopped = ErrNotCoordinator
		return report, nil
	}

	assigned, err := c.store.ListAssignedIncompleteTasks(ctx)
	if err != nil {
		return report, err
	}
	live := c.membership.LiveNodes()

	if audit {
		swept, err := c.audit(ctx, assigned, live)
		report.Swept = swept
		if err != nil {
			return report, err
		}
	}

	if !c.membership.IsCoordinator() {
		report.Stopped = ErrNotCoordinator
		return report, nil
	}

	unassigned, err := c.store.ListUnassignedIncompleteTasks(ctx)
	if err != nil {
		return report, err
	}
	if len(unassigned) == 0 {
		c.logger.Debug("no unassigned tasks found")
		return report, nil
	}
	if len(live) == 0 {
		c.logger.Warn("no live nodes to assign tasks to", zap.Int("unassigned", len(unassigned)))
		return report, nil
	}

	load := make(map[string]int, len(live))
	for _, task := range assigned {
		load[task.Owner()]++
	}

	for _, task := range unassigned {
		if !c.membership.IsCoordinator() {
			report.Stopped = ErrNotCoordinator
			c.logger.Info("lost coordinator status, stopping assignment",
				zap.Int("assigned", len(report.Assigned)))
			return report, nil
		}

		node := c.assigner.Pick(task.Name, live, load)
		ok, err := c.store.AssignNode(ctx, task.Name, node)
		if err != nil {
			return report, err
		}
		if !ok {
			// Claimed or assigned by someone else since the listing.
			continue
		}
		load[node]++
		report.Assigned[task.Name] = node
		c.metrics.IncTasksAssigned()
		c.logger.Debug("assigned task", zap.String("task", task.Name), zap.String("node", node))
	}

	if len(report.Assigned) > 0 {
		c.logger.Info("assigned tasks", zap.Int("count", len(report.Assigned)))
	}
	return report, nil
}

// audit clears assignments that point at nodes missing from the live set, which happens
// when a node record was removed but its sweep never ran.
func (c *ControlLoop) audit(ctx context.Context, assigned []taskstore.Task, live []string) (int64, error) {
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}

	var swept int64
	cleared := make(map[string]bool)
	for _, task := range assigned {
		owner := task.Owner()
		if alive[owner] || cleared[owner] {
			continue
		}
		n, err := c.store.ClearAssignmentsForNode(ctx, owner)
		if err != nil {
			return swept, err
		}
		cleared[owner] = true
		swept += n
		c.logger.Info("cleared tasks of unknown node", zap.String("target", owner), zap.Int64("tasks", n))
	}
	c.metrics.AddTasksSwept(swept)
	return swept, nil
}
