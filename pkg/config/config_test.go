package config

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/debarshibasak/coordination/pkg/executor"
	"github.com/debarshibasak/coordination/pkg/tasks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

var envVars = []string{
	"NODE_ID", "GROUP_ID", "DATABASE_URL", "NODE_PRIORITY", "HEARTBEAT_INTERVAL",
	"HEARTBEAT_MAX_MISSED", "SCHEDULER_INTERVAL", "STORE_TIMEOUT", "ASSIGN_STRATEGY",
	"HTTP_ADDR", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	for _, name := range envVars {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.MaxMissedHeartbeats)
	assert.Equal(t, 15*time.Second, cfg.DeadThreshold())
	assert.Equal(t, 5*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 10, cfg.AuditEvery)
	assert.Equal(t, "round-robin", cfg.AssignStrategy)
}

func TestLoadGeneratesNodeID(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	_, err = uuid.Parse(cfg.NodeID)
	assert.NoError(t, err)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
node_id: file-node
group_id: billing
priority: 2
heartbeat_interval: 2s
max_missed_heartbeats: 4
assign_strategy: least-loaded
tasks:
  - name: nightly-report
    interval: 1m
    count: 1
    steps:
      - name: fetch
        url: http://localhost:9000/report
      - message: report fetched
`)

	t.Setenv("NODE_ID", "env-node")
	t.Setenv("STORE_TIMEOUT", "500ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.NodeID, "environment overrides the file")
	assert.Equal(t, "billing", cfg.GroupID)
	assert.Equal(t, 2, cfg.Priority)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 8*time.Second, cfg.DeadThreshold())
	assert.Equal(t, 500*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, "least-loaded", cfg.AssignStrategy)
	assert.Equal(t, []string{"nightly-report"}, cfg.TaskNames())

	task := cfg.Tasks[0]
	assert.Equal(t, time.Minute, task.Interval)
	require.Len(t, task.Steps, 2)
	assert.Equal(t, "http://localhost:9000/report", task.Steps[0].URL)
	assert.Equal(t, "report fetched", task.Steps[1].Message)
}

func TestLoadRejectsBadEnvironment(t *testing.T) {
	clearEnv(t)

	t.Setenv("HEARTBEAT_INTERVAL", "soon")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("HEARTBEAT_INTERVAL", "")
	t.Setenv("NODE_PRIORITY", "high")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"zero missed heartbeats", func(c *Config) { c.MaxMissedHeartbeats = 0 }},
		{"single missed heartbeat", func(c *Config) { c.MaxMissedHeartbeats = 1 }},
		{"zero scheduler interval", func(c *Config) { c.SchedulerInterval = 0 }},
		{"zero store timeout", func(c *Config) { c.StoreTimeout = 0 }},
		{"zero audit", func(c *Config) { c.AuditEvery = 0 }},
		{"unknown strategy", func(c *Config) { c.AssignStrategy = "random" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"empty task name", func(c *Config) {
			c.Tasks = []TaskConfig{{Steps: []StepConfig{{Message: "x"}}}}
		}},
		{"duplicate task", func(c *Config) {
			step := []StepConfig{{Message: "x"}}
			c.Tasks = []TaskConfig{{Name: "a", Count: 1, Steps: step}, {Name: "a", Count: 1, Steps: step}}
		}},
		{"endless task without interval", func(c *Config) {
			c.Tasks = []TaskConfig{{Name: "a", Steps: []StepConfig{{Message: "x"}}}}
		}},
		{"task without steps", func(c *Config) { c.Tasks = []TaskConfig{{Name: "a", Count: 1}} }},
		{"empty step", func(c *Config) { c.Tasks = []TaskConfig{{Name: "a", Count: 1, Steps: []StepConfig{{}}}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.NodeID = "node-a"
			require.NoError(t, cfg.Validate())

			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsTwoMissedHeartbeats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = "node-a"
	cfg.MaxMissedHeartbeats = 2
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*cfg.HeartbeatInterval, cfg.DeadThreshold())
}

func TestValidateTaskNameUsesRegistryRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = "node-a"
	cfg.Tasks = []TaskConfig{{Count: 1, Steps: []StepConfig{{Message: "x"}}}}
	assert.ErrorIs(t, cfg.Validate(), tasks.ErrInvalidTaskName)
}

func TestJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tasks = []TaskConfig{{
		Name:  "greet",
		Count: 2,
		Steps: []StepConfig{{Message: "hello"}, {Name: "bye", Message: "bye"}},
	}}

	jobs := cfg.Jobs(http.DefaultClient, zaptest.NewLogger(t))
	require.Len(t, jobs, 1)
	assert.Equal(t, "greet", jobs[0].Name)
	assert.Equal(t, 2, jobs[0].Count)
	require.Len(t, jobs[0].Steps, 2)
	assert.Equal(t, "greet-0", jobs[0].Steps[0].Name)
	assert.Equal(t, "bye", jobs[0].Steps[1].Name)

	p, err := executor.NewPipeline(zaptest.NewLogger(t), jobs...)
	require.NoError(t, err)
	outcome, err := p.Execute(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, executor.Completed, outcome)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("loud")
	assert.Error(t, err)
}
