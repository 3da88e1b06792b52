package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/debarshibasak/coordination/pkg/boxcar"
	"github.com/debarshibasak/coordination/pkg/executor"
	"github.com/debarshibasak/coordination/pkg/tasks"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for a node
type Config struct {
	// Identity
	NodeID   string `yaml:"node_id"`
	GroupID  string `yaml:"group_id"`
	Priority int    `yaml:"priority"`

	// Store
	DatabaseURL  string        `yaml:"database_url"`
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// Membership: a node is dead after MaxMissedHeartbeats intervals without a heartbeat.
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`

	// Scheduling
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	AuditEvery        int           `yaml:"audit_every"`
	AssignStrategy    string        `yaml:"assign_strategy"`

	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Tasks []TaskConfig `yaml:"tasks"`
}

// TaskConfig declares a coordinated task and the job that runs it.
type TaskConfig struct {
	Name     string        `yaml:"name"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"`
	Steps    []StepConfig  `yaml:"steps"`
}

// StepConfig is one step of a task's job: an HTTP call when URL is set, otherwise a log line.
type StepConfig struct {
	Name    string `yaml:"name"`
	Method  string `yaml:"method"`
	URL     string `yaml:"url"`
	Message string `yaml:"message"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		GroupID:             "default",
		DatabaseURL:         "host=localhost user=postgres password=postgres dbname=coordination port=5432 sslmode=disable",
		StoreTimeout:        2 * time.Second,
		HeartbeatInterval:   5 * time.Second,
		MaxMissedHeartbeats: 3,
		SchedulerInterval:   5 * time.Second,
		AuditEvery:          10,
		AssignStrategy:      "round-robin",
		HTTPAddr:            ":8080",
		LogLevel:            "info",
	}
}

// Load builds the configuration from the defaults, the YAML file at path (if any) and
// the environment, in that order, and validates the result.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		c.NodeID = nodeID
	}
	if groupID := os.Getenv("GROUP_ID"); groupID != "" {
		c.GroupID = groupID
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		c.DatabaseURL = dbURL
	}
	if strategy := os.Getenv("ASSIGN_STRATEGY"); strategy != "" {
		c.AssignStrategy = strategy
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		c.HTTPAddr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	ints := map[string]*int{
		"NODE_PRIORITY":        &c.Priority,
		"HEARTBEAT_MAX_MISSED": &c.MaxMissedHeartbeats,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, v, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"SCHEDULER_INTERVAL": &c.SchedulerInterval,
		"STORE_TIMEOUT":      &c.StoreTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, v, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	// One missed window is not enough: a heartbeat that is merely due must not kill a node.
	if c.MaxMissedHeartbeats < 2 {
		return fmt.Errorf("max missed heartbeats must be at least 2, got %d", c.MaxMissedHeartbeats)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", c.SchedulerInterval)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}
	if c.AuditEvery < 1 {
		return fmt.Errorf("audit_every must be at least 1, got %d", c.AuditEvery)
	}
	switch c.AssignStrategy {
	case "round-robin", "least-loaded":
	default:
		return fmt.Errorf("unknown assign strategy %q", c.AssignStrategy)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Tasks))
	for _, task := range c.Tasks {
		if err := tasks.ValidateName(task.Name); err != nil {
			return err
		}
		if seen[task.Name] {
			return fmt.Errorf("task %s is declared twice", task.Name)
		}
		seen[task.Name] = true
		if task.Count < 0 || task.Interval < 0 {
			return fmt.Errorf("task %s: count and interval must not be negative", task.Name)
		}
		if task.Count == 0 && task.Interval == 0 {
			return fmt.Errorf("task %s: a task that runs until stopped needs an interval", task.Name)
		}
		if len(task.Steps) == 0 {
			return fmt.Errorf("task %s has no steps", task.Name)
		}
		for i, step := range task.Steps {
			if step.URL == "" && step.Message == "" {
				return fmt.Errorf("task %s step %d needs a url or a message", task.Name, i)
			}
		}
	}
	return nil
}

// DeadThreshold is the heartbeat age after which a node is removed from the group.
func (c *Config) DeadThreshold() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MaxMissedHeartbeats)
}

// TaskNames returns the names of the configured tasks.
func (c *Config) TaskNames() []string {
	names := make([]string, 0, len(c.Tasks))
	for _, task := range c.Tasks {
		names = append(names, task.Name)
	}
	return names
}

// Jobs builds the executor jobs for the configured tasks.
func (c *Config) Jobs(client *http.Client, logger *zap.Logger) []executor.Job {
	jobs := make([]executor.Job, 0, len(c.Tasks))
	for _, task := range c.Tasks {
		steps := make([]boxcar.Request, 0, len(task.Steps))
		for i, step := range task.Steps {
			name := step.Name
			if name == "" {
				name = fmt.Sprintf("%s-%d", task.Name, i)
			}
			if step.URL != "" {
				method := step.Method
				if method == "" {
					method = http.MethodGet
				}
				steps = append(steps, executor.HTTPStep(client, name, method, step.URL))
			} else {
				steps = append(steps, executor.LogStep(logger, name, step.Message))
			}
		}
		jobs = append(jobs, executor.Job{
			Name:     task.Name,
			Steps:    steps,
			Interval: task.Interval,
			Count:    task.Count,
		})
	}
	return jobs
}
