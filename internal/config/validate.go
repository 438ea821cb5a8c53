package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Validate reports every problem found in cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var result *multierror.Error

	switch strings.ToLower(strings.TrimSpace(cfg.Backend.Mode)) {
	case "", ModeAuto, ModeLocal:
	case ModeRemote:
		if strings.TrimSpace(cfg.Backend.Token) == "" {
			result = multierror.Append(result, fmt.Errorf("backend.token: required in remote mode"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("backend.mode: unknown mode %q", cfg.Backend.Mode))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}
	if cfg.Backend.RatePerSec < 0 {
		result = multierror.Append(result, fmt.Errorf("backend.rate_per_sec: must be >= 0"))
	}

	durations := map[string]string{
		"backend.timeout":         cfg.Backend.Timeout,
		"scheduler.tick_interval": cfg.Scheduler.TickInterval,
		"debug.read_timeout":      cfg.Debug.ReadTimeout,
		"debug.write_timeout":     cfg.Debug.WriteTimeout,
		"debug.idle_timeout":      cfg.Debug.IdleTimeout,
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
		durations["storage.retention"] = cfg.Storage.Retention
	}
	for path, raw := range durations {
		if _, err := Duration(path, raw); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			result = multierror.Append(result, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	for name, f := range cfg.Functions {
		if f.Concurrency < 0 {
			result = multierror.Append(result, fmt.Errorf("functions.%s.concurrency: must be >= 0", name))
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				result = multierror.Append(result, fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
	}

	if result != nil {
		result.ErrorFormat = func(es []error) string {
			msgs := make([]string, len(es))
			for i, e := range es {
				msgs[i] = e.Error()
			}
			return "invalid config: " + strings.Join(msgs, "; ")
		}
	}
	return result.ErrorOrNil()
}
