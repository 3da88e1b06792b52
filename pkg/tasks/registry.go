package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/debarshibasak/coordination/pkg/metrics"
	"github.com/debarshibasak/coordination/pkg/taskstore"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const maxNameLength = 255

var (
	// ErrInvalidTaskName is a configuration error and is never retried.
	ErrInvalidTaskName = errors.New("invalid task name")
	// ErrUnknownTask is returned when a transition targets a task with no row.
	ErrUnknownTask = errors.New("unknown task")
)

// Store is the subset of the coordination store the registry drives.
type Store interface {
	InsertTaskIfAbsent(ctx context.Context, name string) error
	ReactivateTask(ctx context.Context, name string) (bool, error)
	ClaimTask(ctx context.Context, name, nodeID string) (bool, error)
	ReleaseTask(ctx context.Context, name, nodeID string) (bool, error)
	CompleteTask(ctx context.Context, name, nodeID string) (bool, error)
	GetTask(ctx context.Context, name string) (taskstore.Task, error)
	ListTasksForNode(ctx context.Context, nodeID string, state taskstore.State) ([]string, error)
	DeleteTask(ctx context.Context, name string) error
	DeleteTasksOfNode(ctx context.Context, nodeID string) (int64, error)
}

// Registry is the task state machine as seen by one node:
//
//	NONE ──claim──▶ RUNNING ──complete──▶ COMPLETED
//	  ▲               │
//	  └────release────┘
//
// Every transition is a single conditional update in the store; a false result means
// another node (or the coordinator) changed the row first.
type Registry struct {
	store   Store
	nodeID  string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewRegistry creates a Registry acting on behalf of nodeID.
func NewRegistry(store Store, nodeID string, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		nodeID:  nodeID,
		logger:  logger.Named("tasks").With(zap.String("node", nodeID)),
		metrics: m,
		pending: make(map[string]struct{}),
	}
}

// NodeID returns the node the registry claims tasks for.
func (r *Registry) NodeID() string {
	return r.nodeID
}

// ValidateName checks a task name against the column constraints.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTaskName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTaskName, maxNameLength)
	}
	return nil
}

// RegisterTask makes name known to the cluster. An existing row keeps its state and
// assignment. If the store is unavailable the name is remembered and registered again by
// RetryPendingRegistrations, and the store error is still returned.
func (r *Registry) RegisterTask(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := r.store.InsertTaskIfAbsent(ctx, name)
	if err != nil {
		if errors.Is(err, taskstore.ErrStoreUnavailable) {
			r.addPending(name)
			r.logger.Warn("task registration deferred", zap.String("task", name), zap.Error(err))
		}
		return err
	}
	r.removePending(name)
	return nil
}

// RetryPendingRegistrations registers the tasks whose registration failed earlier. It
// stops at the first store error.
func (r *Registry) RetryPendingRegistrations(ctx context.Context) error {
	for _, name := range r.PendingRegistrations() {
		if err := r.store.InsertTaskIfAbsent(ctx, name); err != nil {
			return err
		}
		r.removePending(name)
		r.logger.Info("registered deferred task", zap.String("task", name))
	}
	return nil
}

// PendingRegistrations lists the names waiting to be registered.
func (r *Registry) PendingRegistrations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TryClaim claims name for this node.
func (r *Registry) TryClaim(ctx context.Context, name string) (bool, error) {
	return r.TryClaimFor(ctx, name, r.nodeID)
}

// TryClaimFor atomically moves name from NONE to RUNNING owned by nodeID. Only the
// winner of the conditional update may execute the task.
func (r *Registry) TryClaimFor(ctx context.Context, name, nodeID string) (bool, error) {
	ok, err := r.store.ClaimTask(ctx, name, nodeID)
	switch {
	case err != nil:
		r.metrics.RecordClaim("error")
		return false, err
	case ok:
		r.metrics.RecordClaim("won")
		r.logger.Debug("claimed task", zap.String("task", name), zap.String("owner", nodeID))
	default:
		r.metrics.RecordClaim("lost")
	}
	return ok, nil
}

// Release hands a RUNNING task owned by this node back to NONE, unassigned.
func (r *Registry) Release(ctx context.Context, name string) (bool, error) {
	ok, err := r.store.ReleaseTask(ctx, name, r.nodeID)
	if err != nil || ok {
		return ok, err
	}
	return false, r.explainLostTransition(ctx, name, "release")
}

// Complete moves a RUNNING task owned by this node to COMPLETED.
func (r *Registry) Complete(ctx context.Context, name string) (bool, error) {
	ok, err := r.store.CompleteTask(ctx, name, r.nodeID)
	if err != nil || ok {
		return ok, err
	}
	return false, r.explainLostTransition(ctx, name, "complete")
}

// Reactivate makes a COMPLETED task schedulable again. The previous owner is dropped so
// the coordinator distributes the task like a new one.
func (r *Registry) Reactivate(ctx context.Context, name string) (bool, error) {
	ok, err := r.store.ReactivateTask(ctx, name)
	if err != nil || ok {
		return ok, err
	}
	return false, r.explainLostTransition(ctx, name, "reactivate")
}

// Unregister removes name from the cluster permanently.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.removePending(name)
	return r.store.DeleteTask(ctx, name)
}

// Task re-reads the current row for name.
func (r *Registry) Task(ctx context.Context, name string) (taskstore.Task, error) {
	task, err := r.store.GetTask(ctx, name)
	if errors.Is(err, taskstore.ErrTaskNotFound) {
		return task, fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	return task, err
}

// TasksOwnedBy lists the tasks destined to nodeID in state.
func (r *Registry) TasksOwnedBy(ctx context.Context, nodeID string, state taskstore.State) ([]string, error) {
	return r.store.ListTasksForNode(ctx, nodeID, state)
}

// TasksOwnedByThisNode lists this node's tasks in state.
func (r *Registry) TasksOwnedByThisNode(ctx context.Context, state taskstore.State) ([]string, error) {
	return r.store.ListTasksForNode(ctx, r.nodeID, state)
}

// PurgeNode deletes every task row destined to nodeID.
func (r *Registry) PurgeNode(ctx context.Context, nodeID string) (int64, error) {
	n, err := r.store.DeleteTasksOfNode(ctx, nodeID)
	if err == nil && n > 0 {
		r.logger.Info("purged tasks of node", zap.String("target", nodeID), zap.Int64("tasks", n))
	}
	return n, err
}

// explainLostTransition re-reads the row after a conditional update matched nothing.
// A missing row is reported as ErrUnknownTask; anything else is a lost race and not an
// error.
func (r *Registry) explainLostTransition(ctx context.Context, name, op string) error {
	task, err := r.store.GetTask(ctx, name)
	if errors.Is(err, taskstore.ErrTaskNotFound) {
		return fmt.Errorf("%s %s: %w", op, name, ErrUnknownTask)
	}
	if err != nil {
		return err
	}
	r.logger.Debug("transition lost",
		zap.String("op", op),
		zap.String("task", name),
		zap.String("state", string(task.State)),
		zap.String("owner", task.Owner()))
	return nil
}

func (r *Registry) addPending(name string) {
	r.mu.Lock()
	r.pending[name] = struct{}{}
	n := len(r.pending)
	r.mu.Unlock()
	r.metrics.SetPendingRegistrations(n)
}

func (r *Registry) removePending(name string) {
	r.mu.Lock()
	delete(r.pending, name)
	n := len(r.pending)
	r.mu.Unlock()
	r.metrics.SetPendingRegistrations(n)
}
