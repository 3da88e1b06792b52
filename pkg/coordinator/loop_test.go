package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/debarshibasak/coordination/pkg/clock"
	"github.com/debarshibasak/coordination/pkg/election"
	"github.com/debarshibasak/coordination/pkg/metrics"
	"github.com/debarshibasak/coordination/pkg/tasks"
	"github.com/debarshibasak/coordination/pkg/taskstore"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Long enough that the trackers' own tickers never fire during a test.
const testInterval = time.Minute

type cluster struct {
	db    *gorm.DB
	clk   *clock.Manual
	store *taskstore.Store
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "cluster.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := taskstore.New(taskstore.Config{DB: db, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	return &cluster{
		db:    db,
		clk:   clock.NewManual(time.Unix(1700000000, 0)),
		store: store,
	}
}

func (c *cluster) join(t *testing.T, nodeID string) *election.Tracker {
	t.Helper()
	tr, err := election.NewTracker(election.TrackerConfig{
		NodeID:              nodeID,
		GroupID:             "test-group",
		DB:                  c.db,
		HeartbeatInterval:   testInterval,
		MaxMissedHeartbeats: 3,
		Clock:               c.clk,
		Logger:              zaptest.NewLogger(t),
		Sweeper:             c.store,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func (c *cluster) registry(t *testing.T, nodeID string) *tasks.Registry {
	return tasks.NewRegistry(c.store, nodeID, zaptest.NewLogger(t), nil)
}

func newLoop(t *testing.T, m Membership, store TaskStore, a Assigner, opts ...func(*Config)) *ControlLoop {
	t.Helper()
	config := Config{
		Membership: m,
		Store:      store,
		Assigner:   a,
		Logger:     zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&config)
	}
	loop, err := New(config)
	require.NoError(t, err)
	return loop
}

func destinedTo(t *testing.T, store *taskstore.Store, name string) (string, taskstore.State) {
	t.Helper()
	task, err := store.GetTask(context.Background(), name)
	require.NoError(t, err)
	return task.Owner(), task.State
}

func TestNewRequiresCollaborators(t *testing.T) {
	c := newCluster(t)

	_, err := New(Config{Store: c.store})
	assert.Error(t, err)

	_, err = New(Config{Membership: &fakeMembership{}})
	assert.Error(t, err)
}

func TestFailedNodeTaskIsReassigned(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.join(t, "node-a")
	c.join(t, "node-b")

	loop := newLoop(t, a, c.store, &RoundRobin{})
	regA := c.registry(t, "node-a")
	regB := c.registry(t, "node-b")

	require.NoError(t, regA.RegisterTask(ctx, "T1"))
	ok, err := regB.TryClaim(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)

	// node-b stops heartbeating; two missed windows are tolerated.
	for i := 0; i < 2; i++ {
		c.clk.Advance(testInterval)
		require.NoError(t, a.SendHeartbeat(ctx))
		report, err := loop.Tick(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Removed)

		node, state := destinedTo(t, c.store, "T1")
		assert.Equal(t, "node-b", node)
		assert.Equal(t, taskstore.StateRunning, state)
	}

	c.clk.Advance(testInterval)
	require.NoError(t, a.SendHeartbeat(ctx))
	report, err := loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, report.Removed)
	assert.Equal(t, map[string]string{"T1": "node-a"}, report.Assigned)

	node, state := destinedTo(t, c.store, "T1")
	assert.Equal(t, "node-a", node)
	assert.Equal(t, taskstore.StateNone, state)

	ok, err = regB.Release(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, ok, "the failed node lost its claim")

	ok, err = regA.TryClaim(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTickSkippedWhenNotCoordinator(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.join(t, "node-a")
	b := c.join(t, "node-b")

	require.NoError(t, c.registry(t, "node-b").RegisterTask(ctx, "T1"))

	report, err := newLoop(t, b, c.store, &RoundRobin{}).Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	node, _ := destinedTo(t, c.store, "T1")
	assert.Empty(t, node)
}

func TestRoundRobinAssignment(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.join(t, "node-a")
	c.join(t, "node-b")
	c.join(t, "node-c")

	reg := c.registry(t, "node-a")
	for _, name := range []string{"T1", "T2", "T3", "T4"} {
		require.NoError(t, reg.RegisterTask(ctx, name))
	}

	m := metrics.New(prometheus.NewRegistry())
	loop := newLoop(t, a, c.store, &RoundRobin{}, func(config *Config) { config.Metrics = m })

	report, err := loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"T1": "node-a",
		"T2": "node-b",
		"T3": "node-c",
		"T4": "node-a",
	}, report.Assigned)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TasksAssigned))

	// Nothing left to hand out.
	report, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Assigned)
}

func TestLeastLoadedAssignment(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.join(t, "node-a")
	c.join(t, "node-b")
	c.join(t, "node-c")

	reg := c.registry(t, "node-a")
	for _, name := range []string{"T0", "T1", "T2", "T3"} {
		require.NoError(t, reg.RegisterTask(ctx, name))
	}
	ok, err := reg.TryClaim(ctx, "T0")
	require.NoError(t, err)
	require.True(t, ok)

	report, err := newLoop(t, a, c.store, LeastLoaded{}).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"T1": "node-b",
		"T2": "node-c",
		"T3": "node-a",
	}, report.Assigned)
}

func TestAuditClearsTasksOfUnknownNodes(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.join(t, "node-a")

	reg := c.registry(t, "node-a")
	for _, name := range []string{"T1", "T2"} {
		require.NoError(t, reg.RegisterTask(ctx, name))
	}
	ok, err := reg.TryClaimFor(ctx, "T1", "ghost")
	require.NoError(t, err)
	require.True(t, ok)

	loop := newLoop(t, a, c.store, &RoundRobin{}, func(config *Config) { config.AuditEvery = 2 })

	report, err := loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Swept)
	assert.Equal(t, map[string]string{"T1": "node-a", "T2": "node-a"}, report.Assigned)

	// Second tick is not an audit tick.
	require.NoError(t, reg.RegisterTask(ctx, "T3"))
	ok, err = reg.TryClaimFor(ctx, "T3", "ghost")
	require.NoError(t, err)
	require.True(t, ok)

	report, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Swept)
	node, state := destinedTo(t, c.store, "T3")
	assert.Equal(t, "ghost", node)
	assert.Equal(t, taskstore.StateRunning, state)

	report, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Swept)
	assert.Equal(t, map[string]string{"T3": "node-a"}, report.Assigned)
}

// fakeMembership reports coordinator status for the first allow checks only. When
// liveAfterPrune is set, refreshes after the first one report it as the live set.
type fakeMembership struct {
	live           []string
	liveAfterPrune []string
	allow          int
	checks         int
	refreshes      int
}

func (f *fakeMembership) IsCoordinator() bool {
	f.checks++
	return f.checks <= f.allow
}

func (f *fakeMembership) LiveNodes() []string                              { return f.live }
func (f *fakeMembership) PruneDeadNodes(context.Context) ([]string, error) { return nil, nil }

func (f *fakeMembership) Refresh(context.Context) error {
	f.refreshes++
	if f.refreshes > 1 && f.liveAfterPrune != nil {
		f.live = f.liveAfterPrune
	}
	return nil
}

func TestAuditUsesMembershipAfterPrune(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	reg := c.registry(t, "node-b")
	require.NoError(t, reg.RegisterTask(ctx, "T1"))
	ok, err := reg.TryClaim(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)

	// node-b looked stale at the first refresh but heartbeated before the prune.
	m := &fakeMembership{
		live:           []string{"node-a"},
		liveAfterPrune: []string{"node-a", "node-b"},
		allow:          100,
	}
	report, err := newLoop(t, m, c.store, &RoundRobin{}).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.refreshes)
	assert.Zero(t, report.Swept)

	node, state := destinedTo(t, c.store, "T1")
	assert.Equal(t, "node-b", node)
	assert.Equal(t, taskstore.StateRunning, state)
}

func TestTickStopsWhenCoordinatorStatusIsLost(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	reg := c.registry(t, "node-a")
	for _, name := range []string{"T1", "T2", "T3"} {
		require.NoError(t, reg.RegisterTask(ctx, name))
	}

	// Three checks precede the assignment step; the fourth covers T1 only.
	m := &fakeMembership{live: []string{"node-a"}, allow: 4}
	report, err := newLoop(t, m, c.store, &RoundRobin{}).Tick(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, report.Stopped, ErrNotCoordinator)
	assert.Equal(t, map[string]string{"T1": "node-a"}, report.Assigned)

	node, _ := destinedTo(t, c.store, "T2")
	assert.Empty(t, node)
}

func TestStoreErrorAbortsTick(t *testing.T) {
	c := newCluster(t)

	sqlDB, err := c.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	m := &fakeMembership{live: []string{"node-a"}, allow: 100}
	_, err = newLoop(t, m, c.store, &RoundRobin{}).Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, taskstore.ErrStoreUnavailable)
}

func TestCancelledContextDoesNotInterruptTick(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.registry(t, "node-a").RegisterTask(context.Background(), "T1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &fakeMembership{live: []string{"node-a"}, allow: 100}
	report, err := newLoop(t, m, c.store, &RoundRobin{}).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"T1": "node-a"}, report.Assigned)
}
