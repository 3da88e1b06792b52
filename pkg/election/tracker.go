package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/debarshibasak/coordination/pkg/clock"
	"github.com/debarshibasak/coordination/pkg/metrics"
	"github.com/debarshibasak/coordination/pkg/taskstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateNode is returned by Start when a live node with the same id already
// heartbeats in the group.
var ErrDuplicateNode = errors.New("a live node with the same id already exists in the group")

// Sweeper resets the task assignments of a node that has been declared dead.
type Sweeper interface {
	ClearAssignmentsForNode(ctx context.Context, nodeID string) (int64, error)
}

// Tracker writes this node's heartbeat, keeps a snapshot of the live members of its group
// and derives whether this node is the coordinator.
type Tracker struct {
	nodeID            string
	groupID           string
	db                *gorm.DB
	heartbeatInterval time.Duration
	deadThreshold     time.Duration
	storeTimeout      time.Duration
	priority          int
	clock             clock.Clock
	logger            *zap.Logger
	metrics           *metrics.Metrics
	sweeper           Sweeper

	snapshot atomic.Pointer[Snapshot]

	mu             sync.Mutex
	wasCoordinator bool
	lastBeat       time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onBecomeCoordinator func()
	onBecomeMember      func()
	onMemberAdded       func(nodeID string)
	onMemberRemoved     func(nodeID string)
}

// TrackerConfig holds configuration for the Tracker
type TrackerConfig struct {
	NodeID  string
	GroupID string
	DB      *gorm.DB

	// A node is dead once it has missed MaxMissedHeartbeats consecutive intervals.
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	StoreTimeout        time.Duration
	Priority            int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Sweeper Sweeper

	OnBecomeCoordinator func()
	OnBecomeMember      func()
	OnMemberAdded       func(nodeID string)
	OnMemberRemoved     func(nodeID string)
}

// NewTracker creates a new Tracker instance
func NewTracker(config TrackerConfig) (*Tracker, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("nodeID is required")
	}
	if config.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if config.MaxMissedHeartbeats < 0 || config.MaxMissedHeartbeats == 1 {
		return nil, fmt.Errorf("max missed heartbeats must be at least 2, got %d", config.MaxMissedHeartbeats)
	}

	// Set defaults
	if config.GroupID == "" {
		config.GroupID = "default"
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.MaxMissedHeartbeats == 0 {
		config.MaxMissedHeartbeats = 3
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = 2 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		nodeID:              config.NodeID,
		groupID:             config.GroupID,
		db:                  config.DB,
		heartbeatInterval:   config.HeartbeatInterval,
		deadThreshold:       config.HeartbeatInterval * time.Duration(config.MaxMissedHeartbeats),
		storeTimeout:        config.StoreTimeout,
		priority:            config.Priority,
		clock:               config.Clock,
		logger:              config.Logger.Named("election").With(zap.String("node", config.NodeID)),
		metrics:             config.Metrics,
		sweeper:             config.Sweeper,
		ctx:                 ctx,
		cancel:              cancel,
		onBecomeCoordinator: config.OnBecomeCoordinator,
		onBecomeMember:      config.OnBecomeMember,
		onMemberAdded:       config.OnMemberAdded,
		onMemberRemoved:     config.OnMemberRemoved,
	}

	// Auto-migrate the schema
	if err := t.db.AutoMigrate(&NodeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return t, nil
}

// NodeID returns the id of this node.
func (t *Tracker) NodeID() string {
	return t.nodeID
}

// DeadThreshold is the heartbeat age after which a node is considered gone.
func (t *Tracker) DeadThreshold() time.Duration {
	return t.deadThreshold
}

// Start registers this node and begins the heartbeat loop.
func (t *Tracker) Start(ctx context.Context) error {
	duplicate, err := t.isDuplicateNode(ctx)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate node: %w", err)
	}
	if duplicate {
		return fmt.Errorf("node %s in group %s: %w", t.nodeID, t.groupID, ErrDuplicateNode)
	}

	if err := t.registerNode(ctx); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	if err := t.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to read group membership: %w", err)
	}

	t.wg.Add(1)
	go t.heartbeatLoop()

	t.logger.Info("joined group",
		zap.String("group", t.groupID),
		zap.Duration("heartbeat_interval", t.heartbeatInterval),
		zap.Duration("dead_threshold", t.deadThreshold))
	return nil
}

// Stop ends the heartbeat loop and leaves the group. The node's record is removed and
// its assignments are cleared so the coordinator can hand its tasks out right away.
func (t *Tracker) Stop() error {
	t.cancel()
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), t.storeTimeout)
	defer cancel()

	if t.sweeper != nil {
		if _, err := t.sweeper.ClearAssignmentsForNode(ctx, t.nodeID); err != nil {
			return fmt.Errorf("failed to clear own assignments: %w", err)
		}
	}
	return t.db.WithContext(ctx).
		Where("node_id = ? AND group_id = ?", t.nodeID, t.groupID).
		Delete(&NodeRecord{}).Error
}

// IsCoordinator reports whether this node wins the tie-break over the latest snapshot.
// A snapshot older than the dead threshold no longer counts: a node that cannot reach the
// store steps down on its own.
func (t *Tracker) IsCoordinator() bool {
	snap := t.snapshot.Load()
	if snap == nil {
		return false
	}
	if t.clock.Now().Sub(snap.TakenAt) >= t.deadThreshold {
		return false
	}
	return snap.Coordinator == t.nodeID
}

// Coordinator returns the coordinator id of the latest snapshot, if any.
func (t *Tracker) Coordinator() string {
	if snap := t.snapshot.Load(); snap != nil {
		return snap.Coordinator
	}
	return ""
}

// LiveNodes returns the live node ids of the latest snapshot.
func (t *Tracker) LiveNodes() []string {
	return t.snapshot.Load().LiveIDs()
}

// IsLive reports whether nodeID is live in the latest snapshot.
func (t *Tracker) IsLive(nodeID string) bool {
	return t.snapshot.Load().Contains(nodeID)
}

// Snapshot returns the latest membership snapshot. It may be nil before Start.
func (t *Tracker) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

// isDuplicateNode checks whether a live record with this node's id is already present.
// A stale record left by a crashed instance of the same node does not count.
func (t *Tracker) isDuplicateNode(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	var existing NodeRecord
	err := t.db.WithContext(ctx).
		Where("node_id = ? AND group_id = ?", t.nodeID, t.groupID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return existing.HeartbeatAge(t.clock.Now()) < t.deadThreshold, nil
}

// registerNode creates or updates the node record in the database
func (t *Tracker) registerNode(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	now := t.clock.Now()
	node := NodeRecord{
		NodeID:        t.nodeID,
		GroupID:       t.groupID,
		LastHeartbeat: now.UnixMilli(),
		Priority:      t.priority,
		IsNewNode:     true,
	}

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing NodeRecord
		err := tx.Where("node_id = ? AND group_id = ?", t.nodeID, t.groupID).First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Create new record
			return tx.Create(&node).Error
		} else if err != nil {
			return err
		}

		// Update existing record
		return tx.Model(&NodeRecord{}).
			Where("node_id = ? AND group_id = ?", t.nodeID, t.groupID).
			Updates(map[string]interface{}{
				"last_heartbeat": now.UnixMilli(),
				"priority":       t.priority,
				"is_new_node":    true,
			}).Error
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.lastBeat = now
	t.mu.Unlock()
	return nil
}

// heartbeatLoop writes a heartbeat and refreshes the snapshot every interval
func (t *Tracker) heartbeatLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.SendHeartbeat(t.ctx); err != nil {
				t.metrics.IncHeartbeatFailures()
				t.logger.Warn("failed to send heartbeat", zap.Error(err))
			}
			if err := t.Refresh(t.ctx); err != nil {
				t.logger.Warn("failed to refresh group membership", zap.Error(err))
			}
		}
	}
}

// SendHeartbeat stamps this node's record with the current time. If the coordinator has
// already removed the record, it is created again.
func (t *Tracker) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	now := t.clock.Now()
	millis := now.UnixMilli()
	db := t.db.WithContext(ctx)

	res := db.Model(&NodeRecord{}).
		Where("node_id = ? AND group_id = ? AND last_heartbeat <= ?", t.nodeID, t.groupID, millis).
		Update("last_heartbeat", millis)
	if res.Error != nil {
		return storeError("heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&NodeRecord{
			NodeID:        t.nodeID,
			GroupID:       t.groupID,
			LastHeartbeat: millis,
			Priority:      t.priority,
			IsNewNode:     true,
		}).Error
		if err != nil {
			return storeError("heartbeat", err)
		}
		t.logger.Info("heartbeat record was missing, recreated it")
	}

	t.mu.Lock()
	last := t.lastBeat
	t.lastBeat = now
	t.mu.Unlock()

	// Warn well before the gap gets long enough for the coordinator to declare us dead.
	if gap := now.Sub(last); !last.IsZero() && gap >= t.deadThreshold*3/4 {
		t.logger.Warn("heartbeat gap is close to the dead threshold, increase the interval or the missed heartbeat count",
			zap.Duration("gap", gap),
			zap.Duration("dead_threshold", t.deadThreshold))
	}
	return nil
}

// Refresh reloads the group's records and replaces the snapshot.
func (t *Tracker) Refresh(ctx context.Context) error {
	records, err := t.groupRecords(ctx)
	if err != nil {
		return err
	}

	snap := newSnapshot(records, t.clock.Now(), t.deadThreshold)

	// The heartbeat loop and the control loop both refresh; a slow reader must not put
	// its older view back.
	t.mu.Lock()
	if !t.publish(snap) {
		t.mu.Unlock()
		t.logger.Debug("discarded membership snapshot older than the current one")
		return nil
	}
	isCoordinator := snap.Coordinator == t.nodeID
	changed := isCoordinator != t.wasCoordinator
	t.wasCoordinator = isCoordinator
	t.metrics.SetLiveNodes(len(snap.Live))
	t.metrics.SetCoordinator(isCoordinator)
	t.mu.Unlock()

	if !changed {
		return nil
	}
	if isCoordinator {
		t.logger.Info("became COORDINATOR", zap.Int("live_nodes", len(snap.Live)))
		if t.onBecomeCoordinator != nil {
			go t.onBecomeCoordinator()
		}
	} else {
		t.logger.Info("became MEMBER", zap.String("coordinator", snap.Coordinator))
		if t.onBecomeMember != nil {
			go t.onBecomeMember()
		}
	}
	return nil
}

// publish installs snap unless a newer snapshot is already in place. t.mu must be held.
func (t *Tracker) publish(snap *Snapshot) bool {
	if cur := t.snapshot.Load(); cur != nil && snap.TakenAt.Before(cur.TakenAt) {
		return false
	}
	t.snapshot.Store(snap)
	return true
}

// PruneDeadNodes removes the nodes whose heartbeat is older than the dead threshold and
// clears their task assignments. It also accounts for nodes that joined since the last
// call. It returns the ids of the removed nodes.
//
// Clearing assignments happens before the record is deleted; both steps are idempotent,
// so a failure part way through is repaired by the next call.
func (t *Tracker) PruneDeadNodes(ctx context.Context) ([]string, error) {
	records, err := t.groupRecords(ctx)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	var removed, added []string
	for _, r := range records {
		if r.NodeID == t.nodeID {
			continue
		}
		if r.HeartbeatAge(now) >= t.deadThreshold {
			if err := t.removeNode(ctx, r); err != nil {
				return removed, err
			}
			removed = append(removed, r.NodeID)
			continue
		}
		if r.IsNewNode {
			if err := t.markNotNew(ctx, r.NodeID); err != nil {
				return removed, err
			}
			added = append(added, r.NodeID)
		}
	}

	t.metrics.AddNodesRemoved(len(removed))
	t.metrics.AddNodesAdded(len(added))
	for _, id := range added {
		t.logger.Info("member added", zap.String("member", id), zap.String("group", t.groupID))
		if t.onMemberAdded != nil {
			t.onMemberAdded(id)
		}
	}
	for _, id := range removed {
		t.logger.Info("member removed", zap.String("member", id), zap.String("group", t.groupID))
		if t.onMemberRemoved != nil {
			t.onMemberRemoved(id)
		}
	}
	return removed, nil
}

func (t *Tracker) removeNode(ctx context.Context, r NodeRecord) error {
	if t.sweeper != nil {
		if _, err := t.sweeper.ClearAssignmentsForNode(ctx, r.NodeID); err != nil {
			return fmt.Errorf("failed to clear tasks of node %s: %w", r.NodeID, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	// Guard on the heartbeat we judged: a node that came back in the meantime stays.
	err := t.db.WithContext(ctx).
		Where("node_id = ? AND group_id = ? AND last_heartbeat = ?", r.NodeID, r.GroupID, r.LastHeartbeat).
		Delete(&NodeRecord{}).Error
	return storeError("remove_node", err)
}

func (t *Tracker) markNotNew(ctx context.Context, nodeID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	err := t.db.WithContext(ctx).Model(&NodeRecord{}).
		Where("node_id = ? AND group_id = ?", nodeID, t.groupID).
		Update("is_new_node", false).Error
	return storeError("mark_not_new", err)
}

func (t *Tracker) groupRecords(ctx context.Context) ([]NodeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	var records []NodeRecord
	err := t.db.WithContext(ctx).
		Where("group_id = ?", t.groupID).
		Find(&records).Error
	return records, storeError("list_nodes", err)
}

// storeError marks membership table failures the same way the task store does, so
// callers back off on a single condition.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &taskstore.Error{Op: op, Err: err}
}
