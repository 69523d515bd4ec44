package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workqueue/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 16, cfg.Events.Partitions)
	assert.Equal(t, time.Second, cfg.Events.Relay.Interval)
	assert.Equal(t, 200*time.Millisecond, cfg.Resilience.Defaults.BaseDelay)

	p := cfg.MachinePolicy()
	assert.True(t, p.AllowReassign)
	assert.Equal(t, 6, p.RefreshMonths[domain.RiskCritical])
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
database:
  driver: postgres
  dsn: postgres://localhost/kyc
workflow:
  allow_reassign: false
  refresh_interval_months:
    High: 9
resilience:
  dependencies:
    risk:
      timeout: 2s
events:
  sinks:
    - kind: webhook
      url: http://hooks.local/kyc
      events: [workitem.approved]
    - kind: s3
      bucket: kyc-events
      prefix: prod
`))
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	risk := cfg.Resilience.Defaults.Merge(cfg.Resilience.Dependencies["risk"])
	assert.Equal(t, 2*time.Second, risk.Timeout)
	assert.Equal(t, 3, risk.MaxRetries)
	require.Len(t, cfg.Events.Sinks, 2)

	p := cfg.MachinePolicy()
	assert.False(t, p.AllowReassign)
	assert.Equal(t, 9, p.RefreshMonths[domain.RiskHigh])
	assert.Equal(t, 6, p.RefreshMonths[domain.RiskCritical])
}

func TestDependencyOverrideCanDisableRetries(t *testing.T) {
	cfg, err := FromYAML([]byte(`
resilience:
  dependencies:
    audit:
      max_retries: 0
      max_queue: 0
`))
	require.NoError(t, err)
	audit := cfg.Resilience.Defaults.Merge(cfg.Resilience.Dependencies["audit"])
	assert.Zero(t, audit.MaxRetries)
	assert.Zero(t, audit.MaxQueue)
	assert.Equal(t, 10, audit.MaxConcurrency)
	assert.Equal(t, 5*time.Second, audit.Timeout)
}

func TestValidateReportsProblems(t *testing.T) {
	cases := map[string]string{
		"driver":     "database:\n  driver: mysql\n",
		"dsn":        "database:\n  driver: postgres\n",
		"risk level": "workflow:\n  refresh_interval_months:\n    Extreme: 3\n",
		"months":     "workflow:\n  refresh_interval_months:\n    Low: 0\n",
		"sink kind":  "events:\n  sinks:\n    - kind: kafka\n",
		"webhook":    "events:\n  sinks:\n    - kind: webhook\n",
		"audit":      "events:\n  sinks:\n    - kind: audit\n",
		"partitions": "events:\n  partitions: 0\n",
		"retries":    "resilience:\n  dependencies:\n    audit:\n      max_retries: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "workqueue.yml"), []byte("server:\n  addr: \":9090\"\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}
