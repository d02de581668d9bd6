package resilience

import (
	"github.com/sells-group/cost-attribution/internal/config"
)

// FromLoadConfig builds the retry policy for conflicted load invocations.
func FromLoadConfig(cfg config.LoadConfig, component, operation string) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		rc.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryBackoff() > 0 {
		rc.InitialBackoff = cfg.RetryBackoff()
	}
	if cfg.RetryMaxBackoff() > 0 {
		rc.MaxBackoff = cfg.RetryMaxBackoff()
	}
	rc.OnRetry = RetryLogger(component, operation)
	return rc
}

// FromSourceConfig builds the retry policy for remote source downloads.
func FromSourceConfig(cfg config.SourceConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.RetryAttempt > 0 {
		rc.MaxAttempts = cfg.RetryAttempt
	}
	rc.InitialBackoff = 2 * rc.InitialBackoff
	rc.MaxBackoff = 6 * rc.MaxBackoff
	rc.OnRetry = RetryLogger("source", "download")
	return rc
}
