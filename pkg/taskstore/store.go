package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/debarshibasak/coordination/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultTimeout = 2 * time.Second

// resetRunning keeps a task's state unless it was RUNNING, in which case it drops back to NONE.
const resetRunning = "CASE task_state WHEN ? THEN ? ELSE task_state END"

// Store is the coordination store adapter. Every mutation is a single guarded
// UPDATE/INSERT, so the database row lock is the only mutual exclusion in the cluster.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Config holds configuration for the Store
type Config struct {
	DB      *gorm.DB
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// New creates a Store and migrates the task table.
func New(config Config) (*Store, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &Store{
		db:      config.DB,
		timeout: config.Timeout,
		logger:  config.Logger.Named("taskstore"),
		metrics: config.Metrics,
	}

	if err := s.db.AutoMigrate(&Task{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// InsertTaskIfAbsent adds (name, NULL, NONE) unless a row for name already exists.
func (s *Store) InsertTaskIfAbsent(ctx context.Context, name string) error {
	return s.exec(ctx, "insert", func(db *gorm.DB) error {
		res := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Task{Name: name, State: StateNone})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			s.logger.Debug("added task", zap.String("task", name))
		}
		return nil
	})
}

// CompareAndSetState moves name from expected to next. It returns false when the row was
// not in the expected state, which means another writer got there first.
func (s *Store) CompareAndSetState(ctx context.Context, name string, expected, next State) (bool, error) {
	if !expected.Valid() || !next.Valid() {
		return false, ErrInvalidState
	}
	return s.update(ctx, "compare_and_set", func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).
			Where("task_name = ? AND task_state = ?", name, expected).
			Update("task_state", next)
	})
}

// AssignNode sets the destined node of an unassigned NONE task.
func (s *Store) AssignNode(ctx context.Context, name, nodeID string) (bool, error) {
	return s.update(ctx, "assign", func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).
			Where("task_name = ? AND task_state = ? AND destined_node_id IS NULL", name, StateNone).
			Update("destined_node_id", nodeID)
	})
}

// ReassignTask points name at nodeID (nil clears the assignment). A RUNNING task drops
// back to NONE so the new owner has to claim it again.
func (s *Store) ReassignTask(ctx context.Context, name string, nodeID *string) (bool, error) {
	var dest interface{}
	if nodeID != nil {
		dest = *nodeID
	}
	return s.update(ctx, "reassign", func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).
			Where("task_name = ?", name).
			Updates(map[string]interface{}{
				"destined_node_id": dest,
				"task_state":       gorm.Expr(resetRunning, StateRunning, StateNone),
			})
	})
}

// ReactivateTask moves a COMPLETED task back to NONE and unassigns it, so the coordinator
// can hand it to any live node.
func (s *Store) ReactivateTask(ctx context.Context, name string) (bool, error) {
	return s.update(ctx, "reactivate", func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).
			Where("task_name = ? AND task_state = ?", name, StateCompleted).
			Updates(map[string]interface{}{
				"destined_node_id": nil,
				"task_state":       StateNone,
			})
	})
}

// ClearAssignmentsForNode unassigns every task destined to nodeID and resets the RUNNING
// ones to NONE. It returns the number of rows touched.
func (s *Store) ClearAssignmentsForNode(ctx context.Context, nodeID string) (int64, error) {
	var affected int64
	err := s.exec(ctx, "clear_node", func(db *gorm.DB) error {
		res := db.Model(&Task{}).
			Where("destined_node_id = ?", nodeID).
			Updates(map[string]interface{}{
				"destined_node_id": nil,
				"task_state":       gorm.Expr(resetRunning, StateRunning, StateNone),
			})
		affected = res.RowsAffected
		return res.Error
	})
	if err == nil && affected > 0 {
		s.logger.Info("cleared task assignments of node",
			zap.String("node", nodeID), zap.Int64("tasks", affected))
	}
	return affected, err
}

// ClaimTask moves a NONE task to RUNNING owned by nodeID. Tasks the coordinator destined
// to a different node cannot be claimed.
func (s *Store) ClaimTask(ctx context.Context, name, nodeID string) (bool, error) {
	return s.update(ctx, "claim", func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).
			Where("task_name = ? AND task_state = ?", name, StateNone).
			Where("(destined_node_id IS NULL OR destined_node_id = ?)", nodeID).
			Updates(map[string]interface{}{
				"destined_node_id": nodeID,
				"task_state":       StateRunning,
			})
	})
}

// ReleaseTask moves a RUNNING task owned by nodeID back to NONE and unassigns it.
func (s *Store) ReleaseTask(ctx context.Context, name, nodeID string) (bool, error) {
	return s.update(ctx, "release", func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).
			Where("task_name = ? AND task_state = ? AND destined_node_id = ?", name, StateRunning, nodeID).
			Updates(map[string]interface{}{
				"destined_node_id": nil,
				"task_state":       StateNone,
			})
	})
}

// CompleteTask moves a RUNNING task owned by nodeID to COMPLETED.
func (s *Store) CompleteTask(ctx context.Context, name, nodeID string) (bool, error) {
	return s.update(ctx, "complete", func(db *gorm.DB) *gorm.DB {
		return db.Model(&Task{}).
			Where("task_name = ? AND task_state = ? AND destined_node_id = ?", name, StateRunning, nodeID).
			Update("task_state", StateCompleted)
	})
}

// GetTask reads a single row.
func (s *Store) GetTask(ctx context.Context, name string) (Task, error) {
	var task Task
	err := s.exec(ctx, "get", func(db *gorm.DB) error {
		return db.Where("task_name = ?", name).First(&task).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, ErrTaskNotFound
	}
	return task, err
}

// ListTaskNames returns every task name.
func (s *Store) ListTaskNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.exec(ctx, "list_names", func(db *gorm.DB) error {
		return db.Model(&Task{}).Order("task_name").Pluck("task_name", &names).Error
	})
	return names, err
}

// ListUnassignedIncompleteTasks returns the NONE tasks that have no destined node.
func (s *Store) ListUnassignedIncompleteTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := s.exec(ctx, "list_unassigned", func(db *gorm.DB) error {
		return db.Where("destined_node_id IS NULL AND task_state = ?", StateNone).
			Order("task_name").
			Find(&tasks).Error
	})
	return tasks, err
}

// ListTasksForNode returns the names of the tasks destined to nodeID in state.
func (s *Store) ListTasksForNode(ctx context.Context, nodeID string, state State) ([]string, error) {
	if !state.Valid() {
		return nil, ErrInvalidState
	}
	var names []string
	err := s.exec(ctx, "list_node", func(db *gorm.DB) error {
		return db.Model(&Task{}).
			Where("destined_node_id = ? AND task_state = ?", nodeID, state).
			Order("task_name").
			Pluck("task_name", &names).Error
	})
	return names, err
}

// ListAssignedIncompleteTasks returns every assigned task that is not COMPLETED.
func (s *Store) ListAssignedIncompleteTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := s.exec(ctx, "list_assigned", func(db *gorm.DB) error {
		return db.Where("destined_node_id IS NOT NULL AND task_state <> ?", StateCompleted).
			Order("task_name").
			Find(&tasks).Error
	})
	return tasks, err
}

// DeleteTask removes the row for name.
func (s *Store) DeleteTask(ctx context.Context, name string) error {
	return s.exec(ctx, "delete", func(db *gorm.DB) error {
		return db.Where("task_name = ?", name).Delete(&Task{}).Error
	})
}

// DeleteTasksOfNode removes every row destined to nodeID.
func (s *Store) DeleteTasksOfNode(ctx context.Context, nodeID string) (int64, error) {
	var affected int64
	err := s.exec(ctx, "delete_node", func(db *gorm.DB) error {
		res := db.Where("destined_node_id = ?", nodeID).Delete(&Task{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

func (s *Store) update(ctx context.Context, op string, fn func(db *gorm.DB) *gorm.DB) (bool, error) {
	var affected int64
	err := s.exec(ctx, op, func(db *gorm.DB) error {
		res := fn(db)
		affected = res.RowsAffected
		return res.Error
	})
	return affected > 0, err
}

// exec runs fn under the store timeout and converts failures into *Error.
func (s *Store) exec(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(s.db.WithContext(ctx))
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	s.metrics.RecordStoreError(op)
	s.logger.Warn("store operation failed", zap.String("op", op), zap.Error(err))
	return &Error{Op: op, Err: err}
}
