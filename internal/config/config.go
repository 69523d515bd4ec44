package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"workqueue/internal/domain"
	"workqueue/internal/engine/machine"
	"workqueue/internal/resilience"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Sink kinds accepted in events.sinks.
const (
	SinkWebhook       = "webhook"
	SinkS3            = "s3"
	SinkMemory        = "memory"
	SinkAudit         = "audit"
	SinkNotifications = "notifications"
)

// Config models workqueue.yml.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Database struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`
		TrustHeaders bool   `yaml:"trust_headers"`
	} `yaml:"auth"`
	Workflow struct {
		AllowReassign         bool           `yaml:"allow_reassign"`
		AllowRefreshCompleted bool           `yaml:"allow_refresh_completed"`
		RequireChecklist      bool           `yaml:"require_checklist"`
		RefreshIntervalMonths map[string]int `yaml:"refresh_interval_months"`
	} `yaml:"workflow"`
	Resilience struct {
		Defaults     resilience.Settings            `yaml:"defaults"`
		Dependencies map[string]resilience.Override `yaml:"dependencies"`
	} `yaml:"resilience"`
	Peers  Peers  `yaml:"peers"`
	Events Events `yaml:"events"`
}

type Peers struct {
	Token         string `yaml:"token"`
	Documents     string `yaml:"documents_url"`
	Risk          string `yaml:"risk_url"`
	Checklist     string `yaml:"checklist_url"`
	Notifications string `yaml:"notifications_url"`
	Audit         string `yaml:"audit_url"`
	CacheSize     int    `yaml:"cache_size"`
}

type Events struct {
	Partitions int `yaml:"partitions"`
	Relay      struct {
		Interval   time.Duration `yaml:"interval"`
		Batch      int           `yaml:"batch"`
		MaxBackoff time.Duration `yaml:"max_backoff"`
	} `yaml:"relay"`
	Sinks []Sink `yaml:"sinks"`
}

type Sink struct {
	Kind     string   `yaml:"kind"`
	Events   []string `yaml:"events,omitempty"`
	URL      string   `yaml:"url,omitempty"`
	Secret   string   `yaml:"secret,omitempty"`
	Bucket   string   `yaml:"bucket,omitempty"`
	Prefix   string   `yaml:"prefix,omitempty"`
	Region   string   `yaml:"region,omitempty"`
	Endpoint string   `yaml:"endpoint,omitempty"`
	// PathStyle addresses the bucket in the path, as MinIO and localstack expect.
	PathStyle bool `yaml:"path_style,omitempty"`
	// Recipient receives approval requests for the notifications sink.
	Recipient string `yaml:"recipient,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, errors.New("server.addr is required"))
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			problems = append(problems, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		problems = append(problems, fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres))
	}
	for level, months := range c.Workflow.RefreshIntervalMonths {
		if _, err := domain.ParseRiskLevel(level); err != nil {
			problems = append(problems, fmt.Errorf("workflow.refresh_interval_months: %w", err))
			continue
		}
		if months <= 0 {
			problems = append(problems, fmt.Errorf("workflow.refresh_interval_months.%s must be positive", level))
		}
	}
	if err := c.Resilience.Defaults.Validate(); err != nil {
		problems = append(problems, fmt.Errorf("resilience.defaults: %w", err))
	}
	for name, s := range c.Resilience.Dependencies {
		if err := c.Resilience.Defaults.Merge(s).Validate(); err != nil {
			problems = append(problems, fmt.Errorf("resilience.dependencies.%s: %w", name, err))
		}
	}
	if c.Events.Partitions < 1 {
		problems = append(problems, errors.New("events.partitions must be at least 1"))
	}
	if c.Events.Relay.Batch < 0 || c.Events.Relay.Interval < 0 || c.Events.Relay.MaxBackoff < 0 {
		problems = append(problems, errors.New("events.relay values must not be negative"))
	}
	for i, s := range c.Events.Sinks {
		if err := c.validateSink(s); err != nil {
			problems = append(problems, fmt.Errorf("events.sinks[%d]: %w", i, err))
		}
	}
	return errors.Join(problems...)
}

func (c *Config) validateSink(s Sink) error {
	switch s.Kind {
	case SinkWebhook:
		if s.URL == "" {
			return errors.New("webhook sink requires url")
		}
	case SinkS3:
		if s.Bucket == "" {
			return errors.New("s3 sink requires bucket")
		}
	case SinkMemory:
	case SinkAudit:
		if c.Peers.Audit == "" {
			return errors.New("audit sink requires peers.audit_url")
		}
	case SinkNotifications:
		if c.Peers.Notifications == "" {
			return errors.New("notifications sink requires peers.notifications_url")
		}
	default:
		return fmt.Errorf("unknown sink kind %q", s.Kind)
	}
	return nil
}

// MachinePolicy converts the workflow section into state machine options.
func (c *Config) MachinePolicy() machine.Policy {
	p := machine.DefaultPolicy()
	p.AllowReassign = c.Workflow.AllowReassign
	p.AllowRefreshCompleted = c.Workflow.AllowRefreshCompleted
	for name, months := range c.Workflow.RefreshIntervalMonths {
		if level, err := domain.ParseRiskLevel(name); err == nil {
			p.RefreshMonths[level] = months
		}
	}
	return p
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workqueue.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML decodes data over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"

database:
  driver: sqlite
  workspace: "."

auth:
  trust_headers: false

workflow:
  allow_reassign: true
  allow_refresh_completed: true
  require_checklist: false
  refresh_interval_months:
    Critical: 6
    High: 12
    Medium: 24
    Low: 36
    Unknown: 36

resilience:
  defaults:
    max_retries: 3
    base_delay: 200ms
    max_delay: 5s
    jitter_percent: 20
    failure_threshold: 5
    break_duration: 30s
    timeout: 5s
    max_concurrency: 10
    max_queue: 20

peers:
  cache_size: 256

events:
  partitions: 16
  relay:
    interval: 1s
    batch: 100
    max_backoff: 1m
`
