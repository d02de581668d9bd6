package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Warehouse  WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	Masking    MaskingConfig    `yaml:"masking" mapstructure:"masking"`
	Load       LoadConfig       `yaml:"load" mapstructure:"load"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// WarehouseConfig configures the persistence backend.
type WarehouseConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MaskingConfig configures identifier tokenization.
type MaskingConfig struct {
	Salt string `yaml:"salt" mapstructure:"salt"`
}

// LoadConfig configures dimension and fact loading.
type LoadConfig struct {
	RetryAttempts     int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMS    int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMS int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	BatchSize         int `yaml:"batch_size" mapstructure:"batch_size"`
}

// SourceConfig configures remote snapshot and cost file downloads.
type SourceConfig struct {
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	RetryAttempt int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// ReportConfig holds defaults for cost reports.
type ReportConfig struct {
	TopN             int     `yaml:"top_n" mapstructure:"top_n"`
	AnomalyThreshold float64 `yaml:"anomaly_threshold" mapstructure:"anomaly_threshold"`
	TrendWindow      int     `yaml:"trend_window" mapstructure:"trend_window"`
}

// ServerConfig configures the read API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures load health and spend alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	SpendThresholdUSD    float64 `yaml:"spend_threshold_usd" mapstructure:"spend_threshold_usd"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RetryBackoff returns the initial retry delay for conflicted loads.
func (c LoadConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// RetryMaxBackoff returns the retry delay ceiling for conflicted loads.
func (c LoadConfig) RetryMaxBackoff() time.Duration {
	return time.Duration(c.RetryMaxBackoffMS) * time.Millisecond
}

// Timeout returns the HTTP timeout for remote sources.
func (c SourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COSTATTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("warehouse.driver", "sqlite")
	v.SetDefault("warehouse.sqlite_path", "costattr.db")
	v.SetDefault("warehouse.max_conns", 5)
	v.SetDefault("warehouse.min_conns", 1)
	v.SetDefault("masking.salt", "")
	v.SetDefault("load.retry_attempts", 3)
	v.SetDefault("load.retry_backoff_ms", 200)
	v.SetDefault("load.retry_max_backoff_ms", 5000)
	v.SetDefault("load.batch_size", 1000)
	v.SetDefault("source.timeout_secs", 120)
	v.SetDefault("source.user_agent", "costattr/1.0")
	v.SetDefault("source.rate_per_sec", 5.0)
	v.SetDefault("source.retry_attempts", 3)
	v.SetDefault("report.top_n", 5)
	v.SetDefault("report.anomaly_threshold", 0.20)
	v.SetDefault("report.trend_window", 7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.spend_threshold_usd", 0.0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by a command mode. Modes are
// "load" (dimension and fact loading), "read" (history, report, status)
// and "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Warehouse.Driver {
	case "postgres":
		if c.Warehouse.DatabaseURL == "" {
			problems = append(problems, "warehouse.database_url is required for the postgres driver")
		}
		if c.Warehouse.MaxConns < 1 {
			problems = append(problems, "warehouse.max_conns must be >= 1")
		}
	case "sqlite":
		if c.Warehouse.SQLitePath == "" {
			problems = append(problems, "warehouse.sqlite_path is required for the sqlite driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("warehouse.driver %q is not supported", c.Warehouse.Driver))
	}

	switch mode {
	case "load":
		if c.Masking.Salt == "" {
			problems = append(problems, "masking.salt is required")
		}
		if c.Load.RetryAttempts < 1 {
			problems = append(problems, "load.retry_attempts must be >= 1")
		}
		if c.Load.BatchSize < 1 {
			problems = append(problems, "load.batch_size must be >= 1")
		}
	case "read":
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
