package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Warehouse.Driver)
	assert.Equal(t, "costattr.db", cfg.Warehouse.SQLitePath)
	assert.Equal(t, int32(5), cfg.Warehouse.MaxConns)
	assert.Equal(t, int32(1), cfg.Warehouse.MinConns)
	assert.Empty(t, cfg.Masking.Salt)
	assert.Equal(t, 3, cfg.Load.RetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Load.RetryBackoff())
	assert.Equal(t, 5*time.Second, cfg.Load.RetryMaxBackoff())
	assert.Equal(t, 1000, cfg.Load.BatchSize)
	assert.Equal(t, 120*time.Second, cfg.Source.Timeout())
	assert.InDelta(t, 5.0, cfg.Source.RatePerSec, 0.001)
	assert.Equal(t, 5, cfg.Report.TopN)
	assert.InDelta(t, 0.20, cfg.Report.AnomalyThreshold, 0.001)
	assert.Equal(t, 7, cfg.Report.TrendWindow)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Zero(t, cfg.Monitoring.SpendThresholdUSD)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
warehouse:
  driver: postgres
  database_url: postgres://localhost/costs
masking:
  salt: pepper
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Warehouse.Driver)
	assert.Equal(t, "postgres://localhost/costs", cfg.Warehouse.DatabaseURL)
	assert.Equal(t, "pepper", cfg.Masking.Salt)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, 1000, cfg.Load.BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
warehouse:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("COSTATTR_WAREHOUSE_DRIVER", "sqlite")
	t.Setenv("COSTATTR_LOG_LEVEL", "warn")
	t.Setenv("COSTATTR_MASKING_SALT", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Warehouse.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.Masking.Salt)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("warehouse: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Warehouse.Driver = "sqlite"
	cfg.Warehouse.SQLitePath = "costattr.db"
	cfg.Warehouse.MaxConns = 5
	cfg.Masking.Salt = "salt"
	cfg.Load.RetryAttempts = 3
	cfg.Load.BatchSize = 1000
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateLoad(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("load"))

	cfg := validDefaults()
	cfg.Masking.Salt = ""
	cfg.Load.RetryAttempts = 0
	err := cfg.Validate("load")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "masking.salt is required")
	assert.Contains(t, err.Error(), "load.retry_attempts must be >= 1")
}

func TestValidateReadIgnoresSalt(t *testing.T) {
	cfg := validDefaults()
	cfg.Masking.Salt = ""
	assert.NoError(t, cfg.Validate("read"))
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Warehouse.Driver = "postgres"

	err := cfg.Validate("read")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse.database_url")

	cfg.Warehouse.DatabaseURL = "postgres://localhost/costs"
	assert.NoError(t, cfg.Validate("read"))
}

func TestValidateUnsupportedDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Warehouse.Driver = "snowflake"
	err := cfg.Validate("read")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"snowflake" is not supported`)
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
